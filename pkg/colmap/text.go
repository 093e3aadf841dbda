package colmap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"

	"fast3rcolmap/internal/models"
)

const (
	camerasHeader = "# Camera list with one line of data per camera:\n" +
		"#   CAMERA_ID, MODEL, WIDTH, HEIGHT, PARAMS[]\n"
	imagesHeader = "# Image list with two lines of data per image:\n" +
		"#   IMAGE_ID, QW, QX, QY, QZ, TX, TY, TZ, CAMERA_ID, IMAGE_NAME\n" +
		"#   POINTS2D[] as (X, Y, POINT3D_ID)\n"
	pointsHeader = "# 3D point list with one line of data per point:\n" +
		"#   POINT3D_ID, X, Y, Z, R, G, B, ERROR, TRACK[] as (IMAGE_ID, POINT2D_IDX)\n"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func joinFloats(values ...float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, " ")
}

// writeFile creates path and hands a buffered writer to fn, flushing and
// closing the file afterwards.
func writeFile(path string, fn func(w *bufio.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.Wrapf(w.Flush(), "flushing %s", path)
}

// WriteCamerasText writes cameras.txt
func (e *Exporter) WriteCamerasText(cameras []models.Camera) error {
	if err := os.MkdirAll(e.Dir, 0755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	return writeFile(filepath.Join(e.Dir, CamerasText), func(w *bufio.Writer) error {
		if _, err := w.WriteString(camerasHeader); err != nil {
			return err
		}
		for _, cam := range cameras {
			p := cam.Params()
			if _, err := fmt.Fprintf(w, "%d %s %d %d %s\n",
				cam.ID, cam.Model, cam.Width, cam.Height, joinFloats(p[:]...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteImagesText writes images.txt: a pose line followed by an empty 2-D
// point line for every view that passes the confidence filter.
func (e *Exporter) WriteImagesText(views []models.CameraView) error {
	if err := e.prepare(); err != nil {
		return err
	}
	kept := e.keptViews(views)
	err := writeFile(filepath.Join(e.Dir, ImagesText), func(w *bufio.Writer) error {
		if _, err := w.WriteString(imagesHeader); err != nil {
			return err
		}
		for _, ev := range kept {
			q, t := ev.view.QVec(), ev.view.TVec()
			if _, err := fmt.Fprintf(w, "%d %s %s %d %s\n\n",
				ev.id,
				joinFloats(q.Real, q.Imag, q.Jmag, q.Kmag),
				joinFloats(t.X, t.Y, t.Z),
				ev.view.CameraID, ev.name); err != nil {
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

// WritePointsText writes points3D.txt with an empty track for every point
func (e *Exporter) WritePointsText(cloud models.Cloud) error {
	if err := cloud.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(e.Dir, 0755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	return writeFile(filepath.Join(e.Dir, PointsText), func(w *bufio.Writer) error {
		if _, err := w.WriteString(pointsHeader); err != nil {
			return err
		}
		for i, p := range cloud.Points {
			c := cloud.Colors[i]
			if _, err := fmt.Fprintf(w, "%d %s %d %d %d %s\n",
				i, joinFloats(p.X, p.Y, p.Z), c[0], c[1], c[2], formatFloat(e.pointError(cloud, i))); err != nil {
				return err
			}
		}
		return nil
	})
}

// dataLines returns the non-comment lines of a text file. Blank lines are
// kept because images.txt uses them for empty 2-D point lists.
func dataLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func readLines(path string) (_ []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return dataLines(f)
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ReadCamerasText parses cameras.txt. Only PINHOLE cameras are supported.
func ReadCamerasText(path string) ([]models.Camera, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	var cameras []models.Camera
	for n, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 8 {
			return nil, errors.Errorf("%s: line %d: want 8 fields, got %d", path, n+1, len(fields))
		}
		id, err1 := strconv.Atoi(fields[0])
		w, err2 := strconv.Atoi(fields[2])
		h, err3 := strconv.Atoi(fields[3])
		params, err4 := parseFloats(fields[4:])
		if err := multierr.Combine(err1, err2, err3, err4); err != nil {
			return nil, errors.Wrapf(err, "%s: line %d", path, n+1)
		}
		cameras = append(cameras, models.Camera{
			ID: id, Model: fields[1], Width: w, Height: h, FocalLength: params[0],
		})
	}
	return cameras, nil
}

// ReadImagesText parses images.txt. The 2-D point line after each pose line
// is skipped.
func ReadImagesText(path string) ([]Image, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	var images []Image
	for n := 0; n < len(lines); n++ {
		fields := strings.Fields(lines[n])
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 10 {
			return nil, errors.Errorf("%s: line %d: want 10 fields, got %d", path, n+1, len(fields))
		}
		id, err1 := strconv.Atoi(fields[0])
		v, err2 := parseFloats(fields[1:8])
		camID, err3 := strconv.Atoi(fields[8])
		if err := multierr.Combine(err1, err2, err3); err != nil {
			return nil, errors.Wrapf(err, "%s: line %d", path, n+1)
		}
		images = append(images, Image{
			ID:       id,
			Q:        quat.Number{Real: v[0], Imag: v[1], Jmag: v[2], Kmag: v[3]},
			T:        r3.Vector{X: v[4], Y: v[5], Z: v[6]},
			CameraID: camID,
			Name:     fields[9],
		})
		// points line
		n++
	}
	return images, nil
}

// ReadPointsText parses points3D.txt, ignoring tracks
func ReadPointsText(path string) ([]Point3D, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	var points []Point3D
	for n, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 8 {
			return nil, errors.Errorf("%s: line %d: want at least 8 fields, got %d", path, n+1, len(fields))
		}
		id, err1 := strconv.ParseUint(fields[0], 10, 64)
		xyz, err2 := parseFloats(fields[1:4])
		var rgb [3]uint8
		var err3 error
		for c := 0; c < 3; c++ {
			v, err := strconv.ParseUint(fields[4+c], 10, 8)
			err3 = multierr.Append(err3, err)
			rgb[c] = uint8(v)
		}
		perr, err4 := strconv.ParseFloat(fields[7], 64)
		if err := multierr.Combine(err1, err2, err3, err4); err != nil {
			return nil, errors.Wrapf(err, "%s: line %d", path, n+1)
		}
		points = append(points, Point3D{
			ID:       id,
			Position: r3.Vector{X: xyz[0], Y: xyz[1], Z: xyz[2]},
			Color:    rgb,
			Error:    perr,
		})
	}
	return points, nil
}
