// Package inference defines the boundary to the multi-view stereo network and
// the PnP pose solver. Both are external collaborators: the pipeline only sees
// the Engine and PoseEstimator interfaces, so it can run against recorded
// outputs or deterministic fakes.
package inference

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"fast3rcolmap/internal/models"
)

// View is one input image as seen by the network
type View struct {
	// Image is the normalized network input, nil when not retained
	Image *models.ImageBuffer

	// ImagePath is the source file of the view, empty when unknown
	ImagePath string
}

// Prediction is the per-view network output after global alignment
type Prediction struct {
	Height int
	Width  int

	// Points is the local point map aligned to the global frame, H*W*3 values
	// in row-major pixel order
	Points []float32

	// Conf is the per-pixel confidence map, H*W values
	Conf []float32
}

// Pixels returns the number of pixels in the prediction
func (p Prediction) Pixels() int {
	return p.Height * p.Width
}

// Validate checks the array sizes against the declared shape
func (p Prediction) Validate() error {
	n := p.Pixels()
	if n <= 0 {
		return errors.Errorf("invalid prediction shape %dx%d", p.Height, p.Width)
	}
	if len(p.Points) != 3*n {
		return errors.Errorf("point map has %d values, want %d", len(p.Points), 3*n)
	}
	if len(p.Conf) != n {
		return errors.Errorf("confidence map has %d values, want %d", len(p.Conf), n)
	}
	return nil
}

// Output is what one inference run returns: views and predictions in the
// same order, plus the network input size as [width, height].
type Output struct {
	Views     []View
	Preds     []Prediction
	ImageSize [2]int
}

// Validate checks that views and predictions line up
func (o *Output) Validate() error {
	if len(o.Views) != len(o.Preds) {
		return errors.Errorf("%d views but %d predictions", len(o.Views), len(o.Preds))
	}
	if len(o.Preds) == 0 {
		return errors.New("inference returned no views")
	}
	for i, p := range o.Preds {
		if err := p.Validate(); err != nil {
			return errors.Wrapf(err, "view %d", i)
		}
	}
	return nil
}

// Poses is the output of the pose solver for one batch
type Poses struct {
	// CameraToWorld holds one 4x4 transform per view
	CameraToWorld []*mat.Dense

	// Focals holds the estimated focal length per view in pixels
	Focals []float64
}

// Engine runs the network over a directory of images
type Engine interface {
	Infer(ctx context.Context, inputDir string) (*Output, error)
}

// PoseEstimator recovers camera poses and focal lengths from predictions
type PoseEstimator interface {
	EstimatePoses(ctx context.Context, out *Output) (*Poses, error)
}
