package colmap

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"

	"fast3rcolmap/internal/models"
)

// byteOrder of every COLMAP binary file
var byteOrder = binary.LittleEndian

// putAll writes each value in order, stopping at the first error
func putAll(w io.Writer, values ...interface{}) error {
	for _, v := range values {
		if err := binary.Write(w, byteOrder, v); err != nil {
			return err
		}
	}
	return nil
}

// WriteCamerasBinary writes cameras.bin
func (e *Exporter) WriteCamerasBinary(cameras []models.Camera) error {
	if err := os.MkdirAll(e.Dir, 0755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	return writeFile(filepath.Join(e.Dir, CamerasBin), func(w *bufio.Writer) error {
		if err := putAll(w, uint64(len(cameras))); err != nil {
			return err
		}
		for _, cam := range cameras {
			if err := putAll(w,
				int32(cam.ID), int32(models.PinholeModelCode),
				uint64(cam.Width), uint64(cam.Height),
				cam.Params(),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteImagesBinary writes images.bin. The count covers only the views that
// pass the confidence filter and every record has zero 2-D points.
func (e *Exporter) WriteImagesBinary(views []models.CameraView) error {
	if err := e.prepare(); err != nil {
		return err
	}
	kept := e.keptViews(views)
	err := writeFile(filepath.Join(e.Dir, ImagesBin), func(w *bufio.Writer) error {
		if err := putAll(w, uint64(len(kept))); err != nil {
			return err
		}
		for _, ev := range kept {
			q, t := ev.view.QVec(), ev.view.TVec()
			if err := putAll(w,
				int32(ev.id),
				[4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
				[3]float64{t.X, t.Y, t.Z},
				int32(ev.view.CameraID),
			); err != nil {
				return err
			}
			if _, err := w.WriteString(ev.name); err != nil {
				return err
			}
			if err := w.WriteByte(0); err != nil {
				return err
			}
			if err := putAll(w, uint64(0)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ev := range kept {
		if err := e.saveImage(ev); err != nil {
			return err
		}
	}
	return nil
}

// WritePointsBinary writes points3D.bin with an empty track for every point.
// The ERROR field is always 0; ErrorMode only applies to points3D.txt.
func (e *Exporter) WritePointsBinary(cloud models.Cloud) error {
	if err := cloud.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(e.Dir, 0755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	return writeFile(filepath.Join(e.Dir, PointsBin), func(w *bufio.Writer) error {
		if err := putAll(w, uint64(cloud.Len())); err != nil {
			return err
		}
		for i, p := range cloud.Points {
			if err := putAll(w,
				uint64(i),
				[3]float64{p.X, p.Y, p.Z},
				cloud.Colors[i],
				float64(0),
				uint64(0),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// readBinary opens path and hands a buffered reader to fn
func readBinary(path string, fn func(r *bufio.Reader) error) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return errors.Wrapf(fn(bufio.NewReader(f)), "reading %s", path)
}

func getAll(r io.Reader, values ...interface{}) error {
	for _, v := range values {
		if err := binary.Read(r, byteOrder, v); err != nil {
			return err
		}
	}
	return nil
}

// ReadCamerasBinary parses cameras.bin. Only PINHOLE cameras are supported.
func ReadCamerasBinary(path string) ([]models.Camera, error) {
	var cameras []models.Camera
	err := readBinary(path, func(r *bufio.Reader) error {
		var count uint64
		if err := getAll(r, &count); err != nil {
			return err
		}
		for i := uint64(0); i < count; i++ {
			var (
				id, model     int32
				width, height uint64
				params        [4]float64
			)
			if err := getAll(r, &id, &model, &width, &height, &params); err != nil {
				return err
			}
			if model != models.PinholeModelCode {
				return errors.Errorf("camera %d: unsupported model code %d", id, model)
			}
			cameras = append(cameras, models.Camera{
				ID:          int(id),
				Model:       models.PinholeModel,
				Width:       int(width),
				Height:      int(height),
				FocalLength: params[0],
			})
		}
		return nil
	})
	return cameras, err
}

// ReadImagesBinary parses images.bin. 2-D points, if any, are skipped.
func ReadImagesBinary(path string) ([]Image, error) {
	var images []Image
	err := readBinary(path, func(r *bufio.Reader) error {
		var count uint64
		if err := getAll(r, &count); err != nil {
			return err
		}
		for i := uint64(0); i < count; i++ {
			var (
				id, camID int32
				q         [4]float64
				t         [3]float64
			)
			if err := getAll(r, &id, &q, &t, &camID); err != nil {
				return err
			}
			name, err := r.ReadString(0)
			if err != nil {
				return err
			}
			var numPoints uint64
			if err := getAll(r, &numPoints); err != nil {
				return err
			}
			// each 2-D point is x, y (float64) and a point3D id (int64)
			if _, err := r.Discard(int(numPoints) * 24); err != nil {
				return err
			}
			images = append(images, Image{
				ID:       int(id),
				Q:        quat.Number{Real: q[0], Imag: q[1], Jmag: q[2], Kmag: q[3]},
				T:        r3.Vector{X: t[0], Y: t[1], Z: t[2]},
				CameraID: int(camID),
				Name:     name[:len(name)-1],
			})
		}
		return nil
	})
	return images, err
}

// ReadPointsBinary parses points3D.bin. Tracks, if any, are skipped.
func ReadPointsBinary(path string) ([]Point3D, error) {
	var points []Point3D
	err := readBinary(path, func(r *bufio.Reader) error {
		var count uint64
		if err := getAll(r, &count); err != nil {
			return err
		}
		points = make([]Point3D, 0, count)
		for i := uint64(0); i < count; i++ {
			var (
				pt          Point3D
				xyz         [3]float64
				trackLength uint64
			)
			if err := getAll(r, &pt.ID, &xyz, &pt.Color, &pt.Error, &trackLength); err != nil {
				return err
			}
			// each track element is an image id and a 2-D point index (int32 each)
			if _, err := r.Discard(int(trackLength) * 8); err != nil {
				return err
			}
			pt.Position = r3.Vector{X: xyz[0], Y: xyz[1], Z: xyz[2]}
			points = append(points, pt)
		}
		return nil
	})
	return points, err
}

// ReadPoints loads the points of the reconstruction in dir, preferring
// points3D.bin over points3D.txt.
func ReadPoints(dir string) ([]Point3D, error) {
	bin := filepath.Join(dir, PointsBin)
	if _, err := os.Stat(bin); err == nil {
		return ReadPointsBinary(bin)
	}
	return ReadPointsText(filepath.Join(dir, PointsText))
}

// Positions extracts the positions of points
func Positions(points []Point3D) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = p.Position
	}
	return out
}
