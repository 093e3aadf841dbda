// Package pointcloud turns per-view network predictions into a single colored
// point cloud: confidence based point selection, aggregation across views,
// voxel downsampling and scale estimation between reconstructions.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"fast3rcolmap/internal/models"
	"fast3rcolmap/pkg/inference"
)

// confidenceEpsilon guards the min-max normalization of a flat confidence map
const confidenceEpsilon = 1e-8

// KeepFraction converts a point confidence threshold in [0,1] into the
// fraction of points kept per view.
func KeepFraction(confThreshold float64) float64 {
	return clamp01(1 - confThreshold)
}

// KeepCount returns how many of n points are kept for keepFraction:
// max(1, round(n*keepFraction)), never more than n.
func KeepCount(n int, keepFraction float64) int {
	if n <= 0 {
		return 0
	}
	k := int(math.Round(float64(n) * clamp01(keepFraction)))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

// DenormalizeColor maps a network color value from [-1,1] to an 8-bit channel
func DenormalizeColor(v float32) uint8 {
	c := (float64(v) + 1) * 127.5
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 255 {
		return 255
	}
	return uint8(c)
}

// MaxConfidence returns the largest value of a confidence map, the view-level
// confidence used to decide whether a whole view is exported.
func MaxConfidence(conf []float32) float64 {
	if len(conf) == 0 {
		return 0
	}
	best := conf[0]
	for _, c := range conf[1:] {
		if c > best {
			best = c
		}
	}
	return float64(best)
}

// NormalizeConfidence rescales conf to [0,1] by its min and max. A constant
// map yields zeros.
func NormalizeConfidence(conf []float32) []float64 {
	if len(conf) == 0 {
		return nil
	}
	lo, hi := conf[0], conf[0]
	for _, c := range conf {
		if c < lo {
			lo = c
		}
		if c > hi {
			hi = c
		}
	}
	out := make([]float64, len(conf))
	span := float64(hi) - float64(lo) + confidenceEpsilon
	for i, c := range conf {
		out[i] = (float64(c) - float64(lo)) / span
	}
	return out
}

// FilterView keeps the KeepCount points of a view with the highest
// confidence. img supplies the colors; when nil every kept point gets the
// color of a zero normalized value. The order of the kept points is
// unspecified.
func FilterView(pred inference.Prediction, img *models.ImageBuffer, keepFraction float64) (models.Cloud, error) {
	if err := pred.Validate(); err != nil {
		return models.Cloud{}, err
	}
	if img != nil {
		if err := img.Validate(); err != nil {
			return models.Cloud{}, err
		}
		if img.Width != pred.Width || img.Height != pred.Height {
			return models.Cloud{}, errors.Errorf("image is %dx%d but prediction is %dx%d",
				img.Width, img.Height, pred.Width, pred.Height)
		}
	}

	n := pred.Pixels()
	k := KeepCount(n, keepFraction)
	idx := TopK(pred.Conf, k)
	normalized := NormalizeConfidence(pred.Conf)

	cloud := models.NewCloud(k, true)
	plane := n
	for _, i := range idx {
		p := r3.Vector{
			X: float64(pred.Points[3*i]),
			Y: float64(pred.Points[3*i+1]),
			Z: float64(pred.Points[3*i+2]),
		}
		var rgb [3]uint8
		if img != nil {
			rgb = [3]uint8{
				DenormalizeColor(img.Data[i]),
				DenormalizeColor(img.Data[plane+i]),
				DenormalizeColor(img.Data[2*plane+i]),
			}
		} else {
			rgb = [3]uint8{DenormalizeColor(0), DenormalizeColor(0), DenormalizeColor(0)}
		}
		cloud.Points = append(cloud.Points, p)
		cloud.Colors = append(cloud.Colors, rgb)
		cloud.Confidence = append(cloud.Confidence, normalized[i])
	}
	return cloud, nil
}

// Aggregate filters every view of an inference output and concatenates the
// kept points in view order. Overlapping views are not deduplicated.
func Aggregate(out *inference.Output, keepFraction float64) (models.Cloud, error) {
	if err := out.Validate(); err != nil {
		return models.Cloud{}, err
	}
	merged := models.NewCloud(0, true)
	for i, pred := range out.Preds {
		view, err := FilterView(pred, out.Views[i].Image, keepFraction)
		if err != nil {
			return models.Cloud{}, errors.Wrapf(err, "view %d", i)
		}
		merged = merged.Append(view)
	}
	return merged, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
