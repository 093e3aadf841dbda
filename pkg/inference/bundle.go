package inference

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"fast3rcolmap/internal/models"
)

// ManifestName is the file describing a prediction bundle
const ManifestName = "manifest.yaml"

// Manifest describes a prediction bundle: the network outputs of one run
// dumped to disk as raw little-endian float32 arrays next to this file.
type Manifest struct {
	// ImageSize is the network input size as [width, height]
	ImageSize [2]int `yaml:"image_size"`

	Views []ManifestView `yaml:"views"`
}

// ManifestView describes the arrays and the pose of a single view
type ManifestView struct {
	ImagePath string `yaml:"image_path,omitempty"`
	Height    int    `yaml:"height"`
	Width     int    `yaml:"width"`

	// Points, Conf and Image are file names relative to the bundle directory.
	// Image is optional.
	Points string `yaml:"points"`
	Conf   string `yaml:"conf"`
	Image  string `yaml:"image,omitempty"`

	// Pose is the 4x4 camera-to-world transform in row-major order
	Pose  []float64 `yaml:"pose,omitempty"`
	Focal float64   `yaml:"focal,omitempty"`
}

// Bundle reads predictions and poses previously exported by the inference
// step. It implements both Engine and PoseEstimator.
type Bundle struct {
	// Dir is the bundle directory. When empty, Infer looks for the manifest
	// in the input directory.
	Dir string

	manifest *Manifest
}

// NewBundle returns a bundle reader rooted at dir
func NewBundle(dir string) *Bundle {
	return &Bundle{Dir: dir}
}

var (
	_ Engine        = (*Bundle)(nil)
	_ PoseEstimator = (*Bundle)(nil)
)

// Infer loads the manifest and every array it references
func (b *Bundle) Infer(ctx context.Context, inputDir string) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := b.Dir
	if dir == "" {
		dir = inputDir
	}

	manifest, err := ReadManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}

	out := &Output{ImageSize: manifest.ImageSize}
	for i, mv := range manifest.Views {
		n := mv.Height * mv.Width
		pts, err := readFloat32File(filepath.Join(dir, mv.Points), 3*n)
		if err != nil {
			return nil, errors.Wrapf(err, "view %d points", i)
		}
		conf, err := readFloat32File(filepath.Join(dir, mv.Conf), n)
		if err != nil {
			return nil, errors.Wrapf(err, "view %d confidence", i)
		}

		view := View{ImagePath: mv.ImagePath}
		if view.ImagePath != "" && !filepath.IsAbs(view.ImagePath) {
			view.ImagePath = filepath.Join(inputDir, view.ImagePath)
		}
		if mv.Image != "" {
			data, err := readFloat32File(filepath.Join(dir, mv.Image), 3*n)
			if err != nil {
				return nil, errors.Wrapf(err, "view %d image", i)
			}
			view.Image = &models.ImageBuffer{Width: mv.Width, Height: mv.Height, Data: data}
		}

		out.Views = append(out.Views, view)
		out.Preds = append(out.Preds, Prediction{
			Height: mv.Height,
			Width:  mv.Width,
			Points: pts,
			Conf:   conf,
		})
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	b.manifest = manifest
	return out, nil
}

// EstimatePoses returns the poses recorded in the manifest loaded by Infer
func (b *Bundle) EstimatePoses(ctx context.Context, out *Output) (*Poses, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.manifest == nil {
		return nil, errors.New("bundle: EstimatePoses called before Infer")
	}
	if len(b.manifest.Views) != len(out.Preds) {
		return nil, errors.Errorf("bundle has %d poses for %d predictions", len(b.manifest.Views), len(out.Preds))
	}

	poses := &Poses{}
	for i, mv := range b.manifest.Views {
		if len(mv.Pose) != 16 {
			return nil, errors.Errorf("view %d: pose has %d values, want 16", i, len(mv.Pose))
		}
		poses.CameraToWorld = append(poses.CameraToWorld, mat.NewDense(4, 4, append([]float64(nil), mv.Pose...)))
		poses.Focals = append(poses.Focals, mv.Focal)
	}
	return poses, nil
}

// ReadManifest parses a bundle manifest
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading bundle manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parsing bundle manifest")
	}
	if len(m.Views) == 0 {
		return nil, errors.Errorf("bundle manifest %s lists no views", path)
	}
	return &m, nil
}

// WriteBundle dumps an inference output and its poses into dir using the
// manifest layout read by Bundle. poses may be nil.
func WriteBundle(dir string, out *Output, poses *Poses) error {
	if err := out.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating bundle directory")
	}

	m := Manifest{ImageSize: out.ImageSize}
	for i, pred := range out.Preds {
		mv := ManifestView{
			ImagePath: out.Views[i].ImagePath,
			Height:    pred.Height,
			Width:     pred.Width,
			Points:    fmt.Sprintf("view_%03d_pts3d.f32", i),
			Conf:      fmt.Sprintf("view_%03d_conf.f32", i),
		}
		if err := writeFloat32File(filepath.Join(dir, mv.Points), pred.Points); err != nil {
			return err
		}
		if err := writeFloat32File(filepath.Join(dir, mv.Conf), pred.Conf); err != nil {
			return err
		}
		if img := out.Views[i].Image; img != nil {
			mv.Image = fmt.Sprintf("view_%03d_img.f32", i)
			if err := writeFloat32File(filepath.Join(dir, mv.Image), img.Data); err != nil {
				return err
			}
		}
		if poses != nil && i < len(poses.CameraToWorld) {
			mv.Pose = mat.DenseCopyOf(poses.CameraToWorld[i]).RawMatrix().Data
			if i < len(poses.Focals) {
				mv.Focal = poses.Focals[i]
			}
		}
		m.Views = append(m.Views, mv)
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return errors.Wrap(err, "encoding bundle manifest")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, ManifestName), data, 0644), "writing bundle manifest")
}

func readFloat32File(path string, want int) (_ []float32, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() != int64(4*want) {
		return nil, errors.Errorf("%s holds %d bytes, want %d", path, info.Size(), 4*want)
	}

	values := make([]float32, want)
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, values); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return values, nil
}

func writeFloat32File(path string, values []float32) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, values); err != nil {
		return errors.Wrapf(err, "encoding %s", path)
	}
	return w.Flush()
}
