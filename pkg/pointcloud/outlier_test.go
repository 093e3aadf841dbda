package pointcloud

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fast3rcolmap/internal/models"
)

// latticeWithOutlier returns a 3x3x3 unit lattice with one far away point
// inserted in the middle of the sequence.
func latticeWithOutlier() models.Cloud {
	cloud := models.NewCloud(28, true)
	add := func(p r3.Vector, c uint8) {
		cloud.Points = append(cloud.Points, p)
		cloud.Colors = append(cloud.Colors, [3]uint8{c, c, c})
		cloud.Confidence = append(cloud.Confidence, float64(c)/255)
	}
	i := 0
	for x := 0; x < 3; x++ {
		for y := 0; y < 3; y++ {
			for z := 0; z < 3; z++ {
				add(r3.Vector{X: float64(x), Y: float64(y), Z: float64(z)}, uint8(i))
				i++
				if i == 13 {
					add(r3.Vector{X: 100, Y: 100, Z: 100}, 255)
				}
			}
		}
	}
	return cloud
}

func TestRemoveStatisticalOutliers(t *testing.T) {
	cloud := latticeWithOutlier()
	require.Equal(t, 28, cloud.Len())

	out, err := RemoveStatisticalOutliers(cloud, 20, 2.0)
	require.NoError(t, err)
	require.NoError(t, out.Validate())
	require.Equal(t, 27, out.Len())

	for i, p := range out.Points {
		assert.Less(t, p.X, 3.0)
		// order and per-point attributes are preserved
		assert.Equal(t, [3]uint8{uint8(i), uint8(i), uint8(i)}, out.Colors[i])
		assert.InDelta(t, float64(i)/255, out.Confidence[i], 1e-12)
	}
}

func TestRemoveStatisticalOutliersKeepsUniformCloud(t *testing.T) {
	cloud := models.Cloud{
		Points: []r3.Vector{{X: 0}, {X: 1}, {X: 2}, {X: 3}},
		Colors: make([][3]uint8, 4),
	}
	// more neighbors than points is clamped
	out, err := RemoveStatisticalOutliers(cloud, 20, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Len())
	assert.False(t, out.HasConfidence())
}

func TestRemoveStatisticalOutliersEdgeCases(t *testing.T) {
	single := models.Cloud{Points: []r3.Vector{{X: 1}}, Colors: make([][3]uint8, 1)}
	out, err := RemoveStatisticalOutliers(single, 20, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Len())

	_, err = RemoveStatisticalOutliers(single, 0, 2.0)
	assert.Error(t, err)
	_, err = RemoveStatisticalOutliers(single, 20, 0)
	assert.Error(t, err)
	_, err = RemoveStatisticalOutliers(models.Cloud{Points: make([]r3.Vector, 2)}, 20, 2.0)
	assert.Error(t, err)
}
