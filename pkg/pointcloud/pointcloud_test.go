package pointcloud

import (
	"math"
	"sort"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fast3rcolmap/internal/models"
	"fast3rcolmap/pkg/inference"
)

// gridPrediction builds an h x w prediction whose point i sits at (i, i, i)
// with confidence conf(i).
func gridPrediction(h, w int, conf func(i int) float32) inference.Prediction {
	n := h * w
	p := inference.Prediction{Height: h, Width: w, Points: make([]float32, 3*n), Conf: make([]float32, n)}
	for i := 0; i < n; i++ {
		p.Points[3*i] = float32(i)
		p.Points[3*i+1] = float32(i)
		p.Points[3*i+2] = float32(i)
		p.Conf[i] = conf(i)
	}
	return p
}

func uniformImage(h, w int, r, g, b float32) *models.ImageBuffer {
	n := h * w
	data := make([]float32, 3*n)
	for i := 0; i < n; i++ {
		data[i], data[n+i], data[2*n+i] = r, g, b
	}
	return &models.ImageBuffer{Width: w, Height: h, Data: data}
}

func TestKeepCount(t *testing.T) {
	for _, n := range []int{1, 4, 7, 100, 512 * 384} {
		for _, thr := range []float64{0, 0.1, 0.25, 0.5, 0.7, 0.9, 0.999} {
			want := int(math.Max(1, math.Round(float64(n)*(1-thr))))
			assert.Equal(t, want, KeepCount(n, KeepFraction(thr)), "n=%d thr=%g", n, thr)
		}
	}
	assert.Equal(t, 0, KeepCount(0, 1))
	assert.Equal(t, 4, KeepCount(4, 1.5))
	assert.Equal(t, 1, KeepCount(4, -1))
}

func TestTopKSelectsLargest(t *testing.T) {
	conf := []float32{0.3, 0.9, 0.1, 0.9, 0.5, 0.7, 0.2, 0.8}
	for k := 1; k <= len(conf); k++ {
		got := TopK(conf, k)
		require.Len(t, got, k)

		sorted := append([]float32(nil), conf...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
		threshold := sorted[k-1]

		seen := map[int]bool{}
		for _, i := range got {
			assert.False(t, seen[i], "duplicate index %d", i)
			seen[i] = true
			assert.GreaterOrEqual(t, conf[i], threshold)
		}
	}
	assert.Nil(t, TopK(conf, 0))
	assert.Nil(t, TopK(nil, 3))
}

func TestTopKConstantInput(t *testing.T) {
	conf := make([]float32, 10000)
	got := TopK(conf, 2500)
	assert.Len(t, got, 2500)
}

func TestDenormalizeColor(t *testing.T) {
	assert.Equal(t, uint8(0), DenormalizeColor(-1))
	assert.Equal(t, uint8(127), DenormalizeColor(0))
	assert.Equal(t, uint8(255), DenormalizeColor(1))
	assert.Equal(t, uint8(0), DenormalizeColor(-3))
	assert.Equal(t, uint8(255), DenormalizeColor(2))
	assert.Equal(t, uint8(0), DenormalizeColor(float32(math.NaN())))
}

func TestNormalizeConfidence(t *testing.T) {
	got := NormalizeConfidence([]float32{1, 2, 3})
	assert.InDelta(t, 0.0, got[0], 1e-6)
	assert.InDelta(t, 0.5, got[1], 1e-6)
	assert.InDelta(t, 1.0, got[2], 1e-6)

	flat := NormalizeConfidence([]float32{2, 2, 2})
	for _, v := range flat {
		assert.False(t, math.IsNaN(v))
		assert.Equal(t, 0.0, v)
	}
	assert.Nil(t, NormalizeConfidence(nil))
}

func TestMaxConfidence(t *testing.T) {
	assert.Equal(t, 3.5, MaxConfidence([]float32{1, 3.5, 2}))
	assert.Equal(t, 0.0, MaxConfidence(nil))
}

func TestFilterViewKeepsMostConfident(t *testing.T) {
	pred := gridPrediction(2, 3, func(i int) float32 { return float32(i) })
	img := uniformImage(2, 3, 1, 0, -1)

	cloud, err := FilterView(pred, img, 0.5)
	require.NoError(t, err)
	require.NoError(t, cloud.Validate())
	require.Equal(t, 3, cloud.Len())

	var xs []float64
	for i, p := range cloud.Points {
		xs = append(xs, p.X)
		assert.Equal(t, [3]uint8{255, 127, 0}, cloud.Colors[i])
	}
	sort.Float64s(xs)
	assert.Equal(t, []float64{3, 4, 5}, xs)
	for _, c := range cloud.Confidence {
		assert.GreaterOrEqual(t, c, 0.6-1e-6)
	}
}

func TestFilterViewPerPixelColors(t *testing.T) {
	pred := gridPrediction(1, 2, func(i int) float32 { return float32(i) })
	img := &models.ImageBuffer{Width: 2, Height: 1, Data: []float32{
		-1, 1, // r
		-1, 0, // g
		-1, -1, // b
	}}
	cloud, err := FilterView(pred, img, 0.5)
	require.NoError(t, err)
	require.Equal(t, 1, cloud.Len())
	assert.Equal(t, r3.Vector{X: 1, Y: 1, Z: 1}, cloud.Points[0])
	assert.Equal(t, [3]uint8{255, 127, 0}, cloud.Colors[0])
}

func TestFilterViewShapeMismatch(t *testing.T) {
	pred := gridPrediction(2, 2, func(i int) float32 { return 1 })
	_, err := FilterView(pred, uniformImage(2, 3, 0, 0, 0), 1)
	assert.Error(t, err)

	pred.Conf = pred.Conf[:3]
	_, err = FilterView(pred, nil, 1)
	assert.Error(t, err)
}

func TestFilterViewWithoutImage(t *testing.T) {
	pred := gridPrediction(2, 2, func(i int) float32 { return 1 })
	cloud, err := FilterView(pred, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, cloud.Len())
	assert.Equal(t, [3]uint8{127, 127, 127}, cloud.Colors[0])
}

func TestAggregateTwoViews(t *testing.T) {
	out := &inference.Output{
		ImageSize: [2]int{2, 2},
		Views: []inference.View{
			{Image: uniformImage(2, 2, 1, 1, 1)},
			{Image: uniformImage(2, 2, -1, -1, -1)},
		},
		Preds: []inference.Prediction{
			gridPrediction(2, 2, func(i int) float32 { return float32(i) }),
			gridPrediction(2, 2, func(i int) float32 { return float32(4 - i) }),
		},
	}

	cloud, err := Aggregate(out, KeepFraction(0.5))
	require.NoError(t, err)
	require.Equal(t, 4, cloud.Len())
	assert.True(t, cloud.HasConfidence())

	// first view's points come first
	assert.Equal(t, [3]uint8{255, 255, 255}, cloud.Colors[0])
	assert.Equal(t, [3]uint8{255, 255, 255}, cloud.Colors[1])
	assert.Equal(t, [3]uint8{0, 0, 0}, cloud.Colors[2])
	assert.Equal(t, [3]uint8{0, 0, 0}, cloud.Colors[3])
}

func TestAggregateRejectsMismatchedOutput(t *testing.T) {
	out := &inference.Output{
		Views: []inference.View{{}},
		Preds: []inference.Prediction{},
	}
	_, err := Aggregate(out, 1)
	assert.Error(t, err)
}

func TestVoxelGridAveragesCells(t *testing.T) {
	cloud := models.Cloud{
		Points: []r3.Vector{
			{X: 0, Y: 0, Z: 0},
			{X: 0.2, Y: 0.2, Z: 0.2},
			{X: 5, Y: 5, Z: 5},
		},
		Colors:     [][3]uint8{{0, 0, 0}, {100, 200, 50}, {10, 10, 10}},
		Confidence: []float64{0, 1, 0.5},
	}

	out, err := VoxelGrid{}.Downsample(cloud, 1)
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	require.Equal(t, 2, out.Len())

	assert.InDelta(t, 0.1, out.Points[0].X, 1e-12)
	assert.Equal(t, [3]uint8{50, 100, 25}, out.Colors[0])
	assert.InDelta(t, 0.5, out.Confidence[0], 1e-12)
	assert.Equal(t, r3.Vector{X: 5, Y: 5, Z: 5}, out.Points[1])
}

func TestVoxelGridNeverGrows(t *testing.T) {
	pred := gridPrediction(10, 10, func(i int) float32 { return float32(i % 7) })
	cloud, err := FilterView(pred, nil, 1)
	require.NoError(t, err)

	for _, size := range []float64{0.01, 0.5, 3, 1000} {
		out, err := VoxelGrid{}.Downsample(cloud, size)
		require.NoError(t, err)
		assert.LessOrEqual(t, out.Len(), cloud.Len())
	}
	out, err := VoxelGrid{}.Downsample(cloud, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Len())
}

func TestVoxelGridInvalidSize(t *testing.T) {
	_, err := VoxelGrid{}.Downsample(models.Cloud{}, 0)
	assert.Error(t, err)
	_, err = VoxelGrid{}.Downsample(models.Cloud{}, math.NaN())
	assert.Error(t, err)

	out, err := VoxelGrid{}.Downsample(models.Cloud{}, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len())
}

func TestEstimateScale(t *testing.T) {
	var a, b []r3.Vector
	for i := 0; i < 200; i++ {
		p := r3.Vector{X: float64(i % 10), Y: float64(i / 10), Z: float64((i * 7) % 13)}
		a = append(a, p)
		b = append(b, p.Mul(29.4).Add(r3.Vector{X: 3, Y: -1, Z: 8}))
	}

	cfg := ScaleEstimate{Experiments: 50, SampleSize: 200, Seed: 7}
	scale, err := EstimateScale(a, b, cfg)
	require.NoError(t, err)
	assert.InDelta(t, 29.4, scale, 1e-9)

	_, err = EstimateScale(a, b, ScaleEstimate{Experiments: 1, SampleSize: 500})
	assert.Error(t, err)
	_, err = EstimateScale(a, b, ScaleEstimate{})
	assert.Error(t, err)
}

func TestCenteredNorm(t *testing.T) {
	pts := []r3.Vector{{X: 1}, {X: -1}}
	assert.InDelta(t, math.Sqrt2, CenteredNorm(pts), 1e-12)
	assert.Equal(t, 0.0, CenteredNorm(nil))
}
