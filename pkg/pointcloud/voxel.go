package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"fast3rcolmap/internal/models"
)

// Downsampler reduces a cloud to at most one point per occupied cell of a
// regular grid with cubic cells of side voxelSize.
type Downsampler interface {
	Downsample(cloud models.Cloud, voxelSize float64) (models.Cloud, error)
}

// VoxelCoords identifies a grid cell
type VoxelCoords struct {
	I, J, K int64
}

// VoxelGrid is the default Downsampler. Each occupied cell is collapsed into
// the average position, color and confidence of its points. Cells are emitted
// in the order they are first occupied.
type VoxelGrid struct{}

var _ Downsampler = VoxelGrid{}

type voxelAccumulator struct {
	sum   r3.Vector
	color [3]float64
	conf  float64
	count int
}

// GetVoxelCoordinates returns the cell containing pt for a grid anchored at
// origin.
func GetVoxelCoordinates(pt, origin r3.Vector, voxelSize float64) VoxelCoords {
	d := pt.Sub(origin).Mul(1 / voxelSize)
	return VoxelCoords{
		I: int64(math.Floor(d.X)),
		J: int64(math.Floor(d.Y)),
		K: int64(math.Floor(d.Z)),
	}
}

// Downsample implements Downsampler
func (VoxelGrid) Downsample(cloud models.Cloud, voxelSize float64) (models.Cloud, error) {
	if voxelSize <= 0 || math.IsNaN(voxelSize) || math.IsInf(voxelSize, 0) {
		return models.Cloud{}, errors.Errorf("invalid voxel size %g", voxelSize)
	}
	if err := cloud.Validate(); err != nil {
		return models.Cloud{}, err
	}
	if cloud.Len() == 0 {
		return cloud, nil
	}

	// grid anchored half a cell below the minimum bound
	origin := minBound(cloud.Points).Sub(r3.Vector{X: voxelSize / 2, Y: voxelSize / 2, Z: voxelSize / 2})
	withConf := cloud.HasConfidence()

	cells := make(map[VoxelCoords]int)
	var acc []voxelAccumulator
	for i, p := range cloud.Points {
		key := GetVoxelCoordinates(p, origin, voxelSize)
		slot, ok := cells[key]
		if !ok {
			slot = len(acc)
			cells[key] = slot
			acc = append(acc, voxelAccumulator{})
		}
		a := &acc[slot]
		a.sum = a.sum.Add(p)
		for c := 0; c < 3; c++ {
			a.color[c] += float64(cloud.Colors[i][c])
		}
		if withConf {
			a.conf += cloud.Confidence[i]
		}
		a.count++
	}

	out := models.NewCloud(len(acc), withConf)
	for _, a := range acc {
		n := float64(a.count)
		out.Points = append(out.Points, a.sum.Mul(1/n))
		out.Colors = append(out.Colors, [3]uint8{
			uint8(math.Round(a.color[0] / n)),
			uint8(math.Round(a.color[1] / n)),
			uint8(math.Round(a.color[2] / n)),
		})
		if withConf {
			out.Confidence = append(out.Confidence, a.conf/n)
		}
	}
	return out, nil
}

func minBound(points []r3.Vector) r3.Vector {
	lo := points[0]
	for _, p := range points[1:] {
		lo.X = math.Min(lo.X, p.X)
		lo.Y = math.Min(lo.Y, p.Y)
		lo.Z = math.Min(lo.Z, p.Z)
	}
	return lo
}
