package models

import (
	"fmt"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"fast3rcolmap/pkg/geometry"
)

// ImageBuffer is an in-memory RGB image in channel-first order with values
// normalized to [-1, 1], as produced by the inference engine.
type ImageBuffer struct {
	Width  int
	Height int

	// Data holds 3*Height*Width values, one full plane per channel
	Data []float32
}

// At returns the normalized r, g, b values of pixel (x, y).
func (b *ImageBuffer) At(x, y int) (float32, float32, float32) {
	plane := b.Width * b.Height
	idx := y*b.Width + x
	return b.Data[idx], b.Data[plane+idx], b.Data[2*plane+idx]
}

// Validate checks that the buffer holds exactly three planes
func (b *ImageBuffer) Validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return errors.Errorf("invalid image buffer dimensions %dx%d", b.Width, b.Height)
	}
	if len(b.Data) != 3*b.Width*b.Height {
		return errors.Errorf("image buffer has %d values, want %d", len(b.Data), 3*b.Width*b.Height)
	}
	return nil
}

// CameraView is one input image with its estimated pose. Name, CameraID and
// Confidence are required; the pose and the pixel data are optional and set
// through ViewOption values.
type CameraView struct {
	// ImagePath is the source image on disk, empty when unknown
	ImagePath string

	// CameraID references the Camera holding the intrinsics of this view
	CameraID int

	// Confidence is the view-level confidence, the maximum of its confidence map
	Confidence float64

	// Extrinsics is the 4x4 camera-to-world transform, nil when not estimated
	Extrinsics *mat.Dense

	// Image is the pixel data returned by the inference engine, nil when absent
	Image *ImageBuffer
}

// ViewOption sets an optional CameraView field
type ViewOption func(*CameraView)

// WithExtrinsics sets the camera-to-world transform. The matrix is copied.
func WithExtrinsics(c2w mat.Matrix) ViewOption {
	return func(v *CameraView) {
		if c2w == nil {
			v.Extrinsics = nil
			return
		}
		v.Extrinsics = mat.DenseCopyOf(c2w)
	}
}

// WithImage attaches an in-memory image buffer
func WithImage(img *ImageBuffer) ViewOption {
	return func(v *CameraView) {
		v.Image = img
	}
}

// WithImagePath sets the source image path
func WithImagePath(path string) ViewOption {
	return func(v *CameraView) {
		v.ImagePath = path
	}
}

// NewCameraView builds a view from its required fields and any options
func NewCameraView(cameraID int, confidence float64, opts ...ViewOption) CameraView {
	v := CameraView{
		CameraID:   cameraID,
		Confidence: confidence,
	}
	for _, opt := range opts {
		opt(&v)
	}
	return v
}

// QVec returns the world-to-camera rotation as a unit quaternion with w >= 0,
// or the identity when the view has no extrinsics.
func (v CameraView) QVec() quat.Number {
	if v.Extrinsics == nil {
		return geometry.IdentityQuaternion
	}
	rot, _ := geometry.InvertRigid(v.Extrinsics)
	return geometry.RotationToQuaternion(rot)
}

// TVec returns the world-to-camera translation, or the zero vector when the
// view has no extrinsics.
func (v CameraView) TVec() r3.Vector {
	if v.Extrinsics == nil {
		return r3.Vector{}
	}
	_, t := geometry.InvertRigid(v.Extrinsics)
	return t
}

// Scaled returns a copy of the view whose camera-to-world translation is
// multiplied by factor. The rotation and the image are left untouched.
func (v CameraView) Scaled(factor float64) CameraView {
	if v.Extrinsics == nil {
		return v
	}
	e := mat.DenseCopyOf(v.Extrinsics)
	for i := 0; i < 3; i++ {
		e.Set(i, 3, e.At(i, 3)*factor)
	}
	v.Extrinsics = e
	return v
}

// ImageName returns the file name used for this view in the export, falling
// back to IMG<id>.jpg when the view has no source path.
func (v CameraView) ImageName(id int) string {
	if v.ImagePath != "" {
		return filepath.Base(v.ImagePath)
	}
	return fmt.Sprintf("IMG%d.jpg", id)
}
