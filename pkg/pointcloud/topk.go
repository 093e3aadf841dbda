package pointcloud

// TopK returns the indices of the k largest values of conf. It partitions
// with quickselect instead of sorting, so the order of the returned indices
// (and the choice among ties) is unspecified.
func TopK(conf []float32, k int) []int {
	n := len(conf)
	if k <= 0 || n == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if k >= n {
		return idx
	}

	lo, hi := 0, n-1
	target := k - 1
	for lo < hi {
		gtEnd, ltStart := partition3(conf, idx, lo, hi)
		switch {
		case target < gtEnd:
			hi = gtEnd - 1
		case target >= ltStart:
			lo = ltStart
		default:
			// target falls among values equal to the pivot
			return idx[:k]
		}
	}
	return idx[:k]
}

// partition3 reorders idx[lo..hi] into values greater than, equal to and less
// than a median-of-three pivot. It returns the start of the equal run and the
// start of the less-than run.
func partition3(conf []float32, idx []int, lo, hi int) (int, int) {
	pivot := median3(conf[idx[lo]], conf[idx[lo+(hi-lo)/2]], conf[idx[hi]])

	gt, i, lt := lo, lo, hi
	for i <= lt {
		v := conf[idx[i]]
		switch {
		case v > pivot:
			idx[gt], idx[i] = idx[i], idx[gt]
			gt++
			i++
		case v < pivot:
			idx[i], idx[lt] = idx[lt], idx[i]
			lt--
		default:
			i++
		}
	}
	return gt, lt + 1
}

func median3(a, b, c float32) float32 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		return a
	}
	return b
}
