package pointcloud

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ScaleEstimate configures EstimateScale
type ScaleEstimate struct {
	// Experiments is the number of random subsets compared
	Experiments int

	// SampleSize is the number of points drawn from each cloud per experiment
	SampleSize int

	// Seed makes the sampling reproducible
	Seed int64
}

// DefaultScaleEstimate mirrors the settings used to calibrate the global
// scale constant: 1000 experiments of 1000 points.
func DefaultScaleEstimate() ScaleEstimate {
	return ScaleEstimate{Experiments: 1000, SampleSize: 1000, Seed: 1}
}

// CenteredNorm returns the Frobenius norm of points after subtracting their
// centroid.
func CenteredNorm(points []r3.Vector) float64 {
	if len(points) == 0 {
		return 0
	}
	var centroid r3.Vector
	for _, p := range points {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(len(points)))

	flat := make([]float64, 0, 3*len(points))
	for _, p := range points {
		d := p.Sub(centroid)
		flat = append(flat, d.X, d.Y, d.Z)
	}
	return floats.Norm(flat, 2)
}

// EstimateScale estimates the factor that maps the extent of a onto the
// extent of b. Each experiment draws SampleSize points from each cloud without
// replacement and compares their centered norms; the mean ratio is returned.
func EstimateScale(a, b []r3.Vector, cfg ScaleEstimate) (float64, error) {
	if cfg.Experiments <= 0 {
		return 0, errors.Errorf("invalid experiment count %d", cfg.Experiments)
	}
	if cfg.SampleSize <= 0 {
		return 0, errors.Errorf("invalid sample size %d", cfg.SampleSize)
	}
	if len(a) < cfg.SampleSize || len(b) < cfg.SampleSize {
		return 0, errors.Errorf("sample size %d exceeds cloud sizes %d and %d", cfg.SampleSize, len(a), len(b))
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	ratios := make([]float64, 0, cfg.Experiments)
	for i := 0; i < cfg.Experiments; i++ {
		na := CenteredNorm(sample(rng, a, cfg.SampleSize))
		nb := CenteredNorm(sample(rng, b, cfg.SampleSize))
		if na == 0 {
			return 0, errors.New("reference cloud sample is degenerate")
		}
		ratios = append(ratios, nb/na)
	}
	scale := stat.Mean(ratios, nil)
	if math.IsNaN(scale) || math.IsInf(scale, 0) {
		return 0, errors.New("scale estimate is not finite")
	}
	return scale, nil
}

func sample(rng *rand.Rand, points []r3.Vector, n int) []r3.Vector {
	perm := rng.Perm(len(points))[:n]
	out := make([]r3.Vector, n)
	for i, j := range perm {
		out[i] = points[j]
	}
	return out
}
