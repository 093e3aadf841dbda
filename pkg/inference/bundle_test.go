package inference

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"fast3rcolmap/internal/models"
)

func sampleOutput(imagePath string) (*Output, *Poses) {
	out := &Output{
		ImageSize: [2]int{2, 1},
		Views: []View{
			{
				ImagePath: imagePath,
				Image:     &models.ImageBuffer{Width: 2, Height: 1, Data: []float32{-1, 1, 0, 0, 1, -1}},
			},
			{},
		},
		Preds: []Prediction{
			{Height: 1, Width: 2, Points: []float32{0, 0, 1, 1, 1, 1}, Conf: []float32{1.5, 3}},
			{Height: 1, Width: 2, Points: []float32{2, 2, 2, 3, 3, 3}, Conf: []float32{2, 2}},
		},
	}
	eye := mat.NewDiagDense(4, []float64{1, 1, 1, 1})
	shifted := mat.DenseCopyOf(eye)
	shifted.Set(0, 3, 0.25)
	poses := &Poses{
		CameraToWorld: []*mat.Dense{mat.DenseCopyOf(eye), shifted},
		Focals:        []float64{410.5, 409},
	}
	return out, poses
}

func TestBundleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "frame.png")
	out, poses := sampleOutput(imagePath)

	require.NoError(t, WriteBundle(dir, out, poses))

	bundle := NewBundle(dir)
	got, err := bundle.Infer(context.Background(), "unused")
	require.NoError(t, err)

	assert.Equal(t, out.ImageSize, got.ImageSize)
	require.Len(t, got.Preds, 2)
	assert.Equal(t, out.Preds, got.Preds)
	assert.Equal(t, imagePath, got.Views[0].ImagePath)
	require.NotNil(t, got.Views[0].Image)
	assert.Equal(t, out.Views[0].Image.Data, got.Views[0].Image.Data)
	assert.Nil(t, got.Views[1].Image)

	gotPoses, err := bundle.EstimatePoses(context.Background(), got)
	require.NoError(t, err)
	assert.Equal(t, poses.Focals, gotPoses.Focals)
	for i := range poses.CameraToWorld {
		assert.True(t, mat.Equal(poses.CameraToWorld[i], gotPoses.CameraToWorld[i]))
	}
}

func TestBundleUsesInputDirWhenUnset(t *testing.T) {
	dir := t.TempDir()
	out, poses := sampleOutput("")
	out.Views[0].ImagePath = "relative.png"
	require.NoError(t, WriteBundle(dir, out, poses))

	got, err := NewBundle("").Infer(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "relative.png"), got.Views[0].ImagePath)
}

func TestBundleEstimateBeforeInfer(t *testing.T) {
	_, err := NewBundle(t.TempDir()).EstimatePoses(context.Background(), &Output{})
	assert.Error(t, err)
}

func TestBundleMissingManifest(t *testing.T) {
	_, err := NewBundle(t.TempDir()).Infer(context.Background(), "")
	assert.Error(t, err)
}

func TestBundleTruncatedArray(t *testing.T) {
	dir := t.TempDir()
	out, poses := sampleOutput("")
	require.NoError(t, WriteBundle(dir, out, poses))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "view_001_conf.f32"), []byte{0, 0, 0, 0}, 0644))

	_, err := NewBundle(dir).Infer(context.Background(), "")
	assert.Error(t, err)
}

func TestBundleMissingPose(t *testing.T) {
	dir := t.TempDir()
	out, _ := sampleOutput("")
	require.NoError(t, WriteBundle(dir, out, nil))

	b := NewBundle(dir)
	got, err := b.Infer(context.Background(), "")
	require.NoError(t, err)
	_, err = b.EstimatePoses(context.Background(), got)
	assert.Error(t, err)
}

func TestOutputValidate(t *testing.T) {
	out, _ := sampleOutput("")
	require.NoError(t, out.Validate())

	out.Preds[1].Conf = out.Preds[1].Conf[:1]
	assert.Error(t, out.Validate())

	assert.Error(t, (&Output{}).Validate())
	assert.Error(t, (&Output{Views: []View{{}}}).Validate())
}

func TestInferHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBundle(t.TempDir()).Infer(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}
