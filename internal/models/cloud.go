package models

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Cloud is an ordered colored point set. Point ids are implicit: the id of a
// point is its index.
type Cloud struct {
	// Points are the positions in the world frame
	Points []r3.Vector

	// Colors are 8-bit RGB values, one per point
	Colors [][3]uint8

	// Confidence is the normalized confidence in [0,1] of each point.
	// It may be nil when the producer had no per-point confidence.
	Confidence []float64
}

// NewCloud allocates an empty cloud with room for n points
func NewCloud(n int, withConfidence bool) Cloud {
	c := Cloud{
		Points: make([]r3.Vector, 0, n),
		Colors: make([][3]uint8, 0, n),
	}
	if withConfidence {
		c.Confidence = make([]float64, 0, n)
	}
	return c
}

// Len returns the number of points
func (c Cloud) Len() int {
	return len(c.Points)
}

// HasConfidence reports whether every point carries a confidence value
func (c Cloud) HasConfidence() bool {
	return c.Confidence != nil && len(c.Confidence) == len(c.Points)
}

// Validate checks that the per-point slices line up
func (c Cloud) Validate() error {
	if len(c.Colors) != len(c.Points) {
		return errors.Errorf("cloud has %d points but %d colors", len(c.Points), len(c.Colors))
	}
	if c.Confidence != nil && len(c.Confidence) != len(c.Points) {
		return errors.Errorf("cloud has %d points but %d confidences", len(c.Points), len(c.Confidence))
	}
	return nil
}

// Append returns the concatenation of c and other. Confidence is kept only
// when both clouds carry it.
func (c Cloud) Append(other Cloud) Cloud {
	out := Cloud{
		Points: append(append(make([]r3.Vector, 0, c.Len()+other.Len()), c.Points...), other.Points...),
		Colors: append(append(make([][3]uint8, 0, c.Len()+other.Len()), c.Colors...), other.Colors...),
	}
	if c.HasConfidence() && other.HasConfidence() {
		out.Confidence = append(append(make([]float64, 0, c.Len()+other.Len()), c.Confidence...), other.Confidence...)
	}
	return out
}

// Scaled returns a copy of the cloud with every position multiplied by factor.
// Colors and confidences are shared with c.
func (c Cloud) Scaled(factor float64) Cloud {
	points := make([]r3.Vector, len(c.Points))
	for i, p := range c.Points {
		points[i] = p.Mul(factor)
	}
	return Cloud{
		Points:     points,
		Colors:     c.Colors,
		Confidence: c.Confidence,
	}
}
