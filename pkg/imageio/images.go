// Package imageio writes the per-view images that accompany a COLMAP
// reconstruction and prepares input directories for inference.
package imageio

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"fast3rcolmap/internal/models"
	"fast3rcolmap/pkg/pointcloud"
)

// MaxSize is the longest side allowed by ResizeDir
const MaxSize = 1000

// ErrNoImage is returned when a view has neither pixel data nor a source path
var ErrNoImage = errors.New("view has no image buffer and no image path")

// IsUnsupported reports whether err comes from an image format that cannot be
// decoded or encoded, such as a .webp source or a name without an extension.
func IsUnsupported(err error) bool {
	return errors.Is(err, imaging.ErrUnsupportedFormat) || errors.Is(err, image.ErrFormat)
}

// acceptedExtensions lists the image files picked up from input directories
var acceptedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".tiff": true,
	".tif":  true,
}

// IsImageFile reports whether name has a supported image extension
func IsImageFile(name string) bool {
	return acceptedExtensions[strings.ToLower(filepath.Ext(name))]
}

// BufferToImage converts a normalized channel-first buffer into an 8-bit RGB
// image.
func BufferToImage(buf *models.ImageBuffer) (*image.NRGBA, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	for y := 0; y < buf.Height; y++ {
		for x := 0; x < buf.Width; x++ {
			r, g, b := buf.At(x, y)
			img.SetNRGBA(x, y, color.NRGBA{
				R: pointcloud.DenormalizeColor(r),
				G: pointcloud.DenormalizeColor(g),
				B: pointcloud.DenormalizeColor(b),
				A: 255,
			})
		}
	}
	return img, nil
}

// SaveViewImage writes the image of a view to path. The in-memory buffer is
// preferred; otherwise the source file is decoded and re-encoded in the format
// implied by path. ErrNoImage is returned when neither is available.
func SaveViewImage(view models.CameraView, path string) error {
	switch {
	case view.Image != nil:
		img, err := BufferToImage(view.Image)
		if err != nil {
			return errors.Wrap(err, "converting image buffer")
		}
		return errors.Wrapf(imaging.Save(img, path), "saving %s", path)

	case view.ImagePath != "":
		img, err := imaging.Open(view.ImagePath)
		if err != nil {
			return errors.Wrapf(err, "opening %s", view.ImagePath)
		}
		return errors.Wrapf(imaging.Save(img, path), "saving %s", path)

	default:
		return ErrNoImage
	}
}

// ListImages returns the image files of dir in lexical order
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ResizeDir shrinks every image of srcDir so that it fits within
// maxSize x maxSize, keeping the aspect ratio, and writes it under the same
// name to dstDir. Smaller images are copied unchanged. It returns the number
// of images written.
func ResizeDir(srcDir, dstDir string, maxSize int) (int, error) {
	if maxSize <= 0 {
		return 0, errors.Errorf("invalid maximum size %d", maxSize)
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return 0, errors.Wrap(err, "creating output directory")
	}

	names, err := ListImages(srcDir)
	if err != nil {
		return 0, errors.Wrap(err, "listing images")
	}

	for i, name := range names {
		img, err := imaging.Open(filepath.Join(srcDir, name))
		if err != nil {
			return i, errors.Wrapf(err, "opening %s", name)
		}
		resized := imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)
		if err := imaging.Save(resized, filepath.Join(dstDir, name)); err != nil {
			return i, errors.Wrapf(err, "saving %s", name)
		}
	}
	return len(names), nil
}
