// Package colmap writes and reads sparse reconstructions in the COLMAP text
// (cameras.txt, images.txt, points3D.txt) and binary (cameras.bin, images.bin,
// points3D.bin) layouts.
package colmap

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/num/quat"

	"fast3rcolmap/internal/models"
	"fast3rcolmap/pkg/imageio"
)

// File names of a reconstruction
const (
	CamerasText  = "cameras.txt"
	ImagesText   = "images.txt"
	PointsText   = "points3D.txt"
	CamerasBin   = "cameras.bin"
	ImagesBin    = "images.bin"
	PointsBin    = "points3D.bin"
	ImagesSubdir = "images"
)

// Format selects an on-disk schema
type Format string

// Supported formats
const (
	FormatText   Format = "text"
	FormatBinary Format = "binary"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatBinary:
		return f, nil
	default:
		return "", errors.Errorf("unknown output format %q", s)
	}
}

// ErrorMode selects the value written in the ERROR column of each point
type ErrorMode string

const (
	// ErrorFromConfidence writes 1 - normalized confidence, or 0 when the
	// cloud carries no confidence
	ErrorFromConfidence ErrorMode = "confidence"

	// ErrorZero always writes 0
	ErrorZero ErrorMode = "zero"
)

// ParseErrorMode validates an error mode name
func ParseErrorMode(s string) (ErrorMode, error) {
	switch m := ErrorMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ErrorFromConfidence, ErrorZero:
		return m, nil
	default:
		return "", errors.Errorf("unknown error mode %q", s)
	}
}

// Reconstruction is everything written by an export
type Reconstruction struct {
	Cameras []models.Camera
	Views   []models.CameraView
	Cloud   models.Cloud
}

// Image is one record of images.txt or images.bin
type Image struct {
	ID       int
	Q        quat.Number
	T        r3.Vector
	CameraID int
	Name     string
}

// Point3D is one record of points3D.txt or points3D.bin
type Point3D struct {
	ID       uint64
	Position r3.Vector
	Color    [3]uint8
	Error    float64
}

// Exporter writes reconstructions to a directory
type Exporter struct {
	// Dir is the output directory, created on demand
	Dir string

	// ViewMinConfidence excludes views whose confidence is below it from the
	// image files. Their points stay in the cloud.
	ViewMinConfidence float64

	// SaveImages writes each exported view's image under Dir/images
	SaveImages bool

	// ErrorMode selects the ERROR column of points3D.txt
	ErrorMode ErrorMode

	Logger *zap.SugaredLogger
}

// NewExporter returns an exporter with images enabled and confidence based
// point errors.
func NewExporter(dir string, viewMinConfidence float64, logger *zap.SugaredLogger) *Exporter {
	return &Exporter{
		Dir:               dir,
		ViewMinConfidence: viewMinConfidence,
		SaveImages:        true,
		ErrorMode:         ErrorFromConfidence,
		Logger:            logger,
	}
}

func (e *Exporter) logger() *zap.SugaredLogger {
	if e.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return e.Logger
}

// Export writes the reconstruction in every requested format. Images are
// saved once regardless of the number of formats.
func (e *Exporter) Export(rec Reconstruction, formats ...Format) error {
	if len(formats) == 0 {
		formats = []Format{FormatText}
	}
	saveImages := e.SaveImages
	for _, f := range formats {
		cur := *e
		cur.SaveImages = saveImages
		var err error
		switch f {
		case FormatText:
			err = cur.WriteText(rec)
		case FormatBinary:
			err = cur.WriteBinary(rec)
		default:
			err = errors.Errorf("unknown output format %q", f)
		}
		if err != nil {
			return err
		}
		saveImages = false
	}
	return nil
}

// WriteText writes cameras.txt, images.txt and points3D.txt
func (e *Exporter) WriteText(rec Reconstruction) error {
	if err := e.WriteCamerasText(rec.Cameras); err != nil {
		return err
	}
	if err := e.WriteImagesText(rec.Views); err != nil {
		return err
	}
	return e.WritePointsText(rec.Cloud)
}

// WriteBinary writes cameras.bin, images.bin and points3D.bin
func (e *Exporter) WriteBinary(rec Reconstruction) error {
	if err := e.WriteCamerasBinary(rec.Cameras); err != nil {
		return err
	}
	if err := e.WriteImagesBinary(rec.Views); err != nil {
		return err
	}
	return e.WritePointsBinary(rec.Cloud)
}

// exportedView is a view that passed the confidence filter, with its 1-based
// image id and file name.
type exportedView struct {
	id   int
	name string
	view models.CameraView
}

// keptViews applies the view confidence filter, logging every skipped view
func (e *Exporter) keptViews(views []models.CameraView) []exportedView {
	kept := make([]exportedView, 0, len(views))
	for i, v := range views {
		id := i + 1
		if v.Confidence < e.ViewMinConfidence {
			e.logger().Warnf("View %d has confidence %g, which is below the threshold %g. Skipping this view.",
				id, v.Confidence, e.ViewMinConfidence)
			continue
		}
		kept = append(kept, exportedView{id: id, name: v.ImageName(id), view: v})
	}
	return kept
}

// saveImage writes the view image unless disabled. A view with no image, or
// with an image in a format that cannot be converted, is reported and skipped.
func (e *Exporter) saveImage(ev exportedView) error {
	if !e.SaveImages {
		return nil
	}
	err := imageio.SaveViewImage(ev.view, filepath.Join(e.Dir, ImagesSubdir, ev.name))
	if errors.Is(err, imageio.ErrNoImage) {
		e.logger().Warnf("Image for view %d is missing, skipping saving image.", ev.id)
		return nil
	}
	if imageio.IsUnsupported(err) {
		e.logger().Warnf("Image for view %d has an unsupported format, skipping saving image: %v", ev.id, err)
		return nil
	}
	return err
}

// pointError returns the ERROR column value of point i
func (e *Exporter) pointError(cloud models.Cloud, i int) float64 {
	if e.ErrorMode == ErrorZero || !cloud.HasConfidence() {
		return 0
	}
	return 1 - cloud.Confidence[i]
}

// prepare creates the output directory and, when images are saved, its
// images subdirectory. Existing directories are not an error.
func (e *Exporter) prepare() error {
	if err := os.MkdirAll(e.Dir, 0755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	if e.SaveImages {
		if err := os.MkdirAll(filepath.Join(e.Dir, ImagesSubdir), 0755); err != nil {
			return errors.Wrap(err, "creating images directory")
		}
	}
	return nil
}
