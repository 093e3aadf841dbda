package models

import (
	"github.com/pkg/errors"
)

// PinholeModel is the COLMAP camera model written for every reconstruction.
const PinholeModel = "PINHOLE"

// PinholeModelCode is the numeric id COLMAP uses for PinholeModel in binary files.
const PinholeModelCode = 1

// Camera holds the intrinsics shared by one or more views
type Camera struct {
	// ID is the COLMAP camera id referenced by views
	ID int

	// Model is the COLMAP camera model name
	Model string

	// Width and Height are the image dimensions in pixels
	Width  int
	Height int

	// FocalLength is the focal length in pixels, used for both fx and fy
	FocalLength float64
}

// Params returns the PINHOLE parameters fx, fy, cx, cy with the principal
// point at the image center.
func (c Camera) Params() [4]float64 {
	return [4]float64{
		c.FocalLength,
		c.FocalLength,
		float64(c.Width) / 2,
		float64(c.Height) / 2,
	}
}

// Scaled returns a copy of the camera with width, height and focal length
// multiplied by factor. Width and height are truncated to integers.
func (c Camera) Scaled(factor float64) Camera {
	c.Width = int(float64(c.Width) * factor)
	c.Height = int(float64(c.Height) * factor)
	c.FocalLength *= factor
	return c
}

// Validate checks the camera invariants
func (c Camera) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Errorf("camera %d: invalid dimensions %dx%d", c.ID, c.Width, c.Height)
	}
	if c.FocalLength <= 0 {
		return errors.Errorf("camera %d: invalid focal length %g", c.ID, c.FocalLength)
	}
	return nil
}
