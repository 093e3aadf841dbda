package pointcloud

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"

	"fast3rcolmap/internal/models"
)

// RemoveStatisticalOutliers drops points whose mean distance to their
// neighbors nearest points exceeds the cloud-wide mean of that distance by
// more than stdRatio standard deviations. The order of the kept points is
// preserved.
func RemoveStatisticalOutliers(cloud models.Cloud, neighbors int, stdRatio float64) (models.Cloud, error) {
	if neighbors <= 0 {
		return models.Cloud{}, errors.Errorf("invalid neighbor count %d", neighbors)
	}
	if stdRatio <= 0 || math.IsNaN(stdRatio) {
		return models.Cloud{}, errors.Errorf("invalid std ratio %g", stdRatio)
	}
	if err := cloud.Validate(); err != nil {
		return models.Cloud{}, err
	}
	n := cloud.Len()
	if n < 2 {
		return cloud, nil
	}
	if neighbors > n-1 {
		neighbors = n - 1
	}

	// kdtree.New reorders its input
	pts := make(kdtree.Points, n)
	for i, p := range cloud.Points {
		pts[i] = kdtree.Point{p.X, p.Y, p.Z}
	}
	tree := kdtree.New(append(kdtree.Points(nil), pts...), false)

	meanDist := make([]float64, n)
	for i, q := range pts {
		// the query point itself is among the results
		keeper := kdtree.NewNKeeper(neighbors + 1)
		tree.NearestSet(keeper, q)

		self := -1
		for j, cd := range keeper.Heap {
			if cd.Comparable != nil && (self < 0 || cd.Dist < keeper.Heap[self].Dist) {
				self = j
			}
		}
		var sum float64
		var count int
		for j, cd := range keeper.Heap {
			if j == self || cd.Comparable == nil {
				continue
			}
			sum += math.Sqrt(cd.Dist)
			count++
		}
		if count > 0 {
			meanDist[i] = sum / float64(count)
		}
	}

	mean, std := stat.MeanStdDev(meanDist, nil)
	limit := mean + stdRatio*std

	withConf := cloud.HasConfidence()
	out := models.NewCloud(n, withConf)
	for i, d := range meanDist {
		if d > limit {
			continue
		}
		out.Points = append(out.Points, cloud.Points[i])
		out.Colors = append(out.Colors, cloud.Colors[i])
		if withConf {
			out.Confidence = append(out.Confidence, cloud.Confidence[i])
		}
	}
	return out, nil
}
