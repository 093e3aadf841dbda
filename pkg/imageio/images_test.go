package imageio

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fast3rcolmap/internal/models"
)

// createTestImage writes a solid color PNG of the given size
func createTestImage(t *testing.T, path string, width, height int, c color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	require.NoError(t, imaging.Save(img, path))
}

func TestBufferToImage(t *testing.T) {
	buf := &models.ImageBuffer{Width: 2, Height: 1, Data: []float32{
		1, -1, // r
		0, -1, // g
		-1, 1, // b
	}}
	img, err := BufferToImage(buf)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 255, G: 127, B: 0, A: 255}, img.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 0, G: 0, B: 255, A: 255}, img.NRGBAAt(1, 0))

	_, err = BufferToImage(&models.ImageBuffer{Width: 1, Height: 1})
	assert.Error(t, err)
}

func TestSaveViewImageFromBuffer(t *testing.T) {
	dir := t.TempDir()
	buf := &models.ImageBuffer{Width: 3, Height: 2, Data: make([]float32, 18)}
	view := models.NewCameraView(1, 1, models.WithImage(buf), models.WithImagePath("/does/not/exist.png"))

	out := filepath.Join(dir, "view.png")
	require.NoError(t, SaveViewImage(view, out))

	img, err := imaging.Open(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
}

func TestSaveViewImageFromPath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	createTestImage(t, src, 4, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	out := filepath.Join(dir, "copy.png")
	view := models.NewCameraView(1, 1, models.WithImagePath(src))
	require.NoError(t, SaveViewImage(view, out))

	img, err := imaging.Open(out)
	require.NoError(t, err)
	r, g, b, _ := img.At(1, 1).RGBA()
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{r >> 8, g >> 8, b >> 8})
}

func TestSaveViewImageWithoutSource(t *testing.T) {
	out := filepath.Join(t.TempDir(), "none.png")
	err := SaveViewImage(models.NewCameraView(1, 1), out)
	assert.ErrorIs(t, err, ErrNoImage)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSaveViewImageUnsupportedFormats(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	createTestImage(t, src, 4, 4, color.NRGBA{A: 255})

	err := SaveViewImage(models.NewCameraView(1, 1, models.WithImagePath(src)), filepath.Join(dir, "noext"))
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))

	webp := filepath.Join(dir, "photo.webp")
	require.NoError(t, os.WriteFile(webp, []byte("not an image"), 0644))
	err = SaveViewImage(models.NewCameraView(1, 1, models.WithImagePath(webp)), filepath.Join(dir, "out.png"))
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))

	assert.False(t, IsUnsupported(ErrNoImage))
}

func TestResizeDir(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "resized")

	createTestImage(t, filepath.Join(src, "wide.png"), 200, 100, color.NRGBA{A: 255})
	createTestImage(t, filepath.Join(src, "small.jpg"), 20, 40, color.NRGBA{A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("skip"), 0644))

	n, err := ResizeDir(src, dst, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	wide, err := imaging.Open(filepath.Join(dst, "wide.png"))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(50, 25), wide.Bounds().Size())

	small, err := imaging.Open(filepath.Join(dst, "small.jpg"))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(20, 40), small.Bounds().Size())

	_, err = os.Stat(filepath.Join(dst, "notes.txt"))
	assert.True(t, os.IsNotExist(err))

	// running again into the same directory is fine
	_, err = ResizeDir(src, dst, 50)
	assert.NoError(t, err)
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.PNG", "a.jpeg", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0755))

	names, err := ListImages(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpeg", "b.PNG"}, names)
}
