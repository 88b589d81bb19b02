package dataset

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, gray uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = gray
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// video returns n frames of dim pixels where frame k holds the value k.
func video(n, dim int) Video {
	v := make(Video, n)
	for k := range v {
		v[k] = make([]float64, dim)
		for i := range v[k] {
			v[k][i] = float64(k)
		}
	}
	return v
}

func TestLoadFramesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "Train002", "002.png"), 255)
	writePNG(t, filepath.Join(dir, "Train002", "001.png"), 0)
	writePNG(t, filepath.Join(dir, "Train001", "001.png"), 51)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Train001", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	videos, err := LoadFrames(dir, 2, 2)
	require.NoError(t, err)
	require.Len(t, videos, 2)
	require.Len(t, videos[0], 1)
	require.Len(t, videos[1], 2)

	assert.InDeltaSlice(t, []float64{0.2, 0.2, 0.2, 0.2}, videos[0][0], 1e-9)
	assert.InDeltaSlice(t, []float64{0, 0, 0, 0}, videos[1][0], 1e-9)
	assert.InDeltaSlice(t, []float64{1, 1, 1, 1}, videos[1][1], 1e-9)
}

func TestLoadFramesFlatDirectory(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 0)
	writePNG(t, filepath.Join(dir, "b.png"), 0)

	videos, err := LoadFrames(dir, 3, 2)
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Len(t, videos[0], 2)
	assert.Len(t, videos[0][0], 6)
}

func TestLoadFramesErrors(t *testing.T) {
	_, err := LoadFrames(t.TempDir(), 2, 2)
	assert.ErrorContains(t, err, "no frames found")

	_, err = LoadFrames(filepath.Join(t.TempDir(), "missing"), 2, 2)
	assert.Error(t, err)

	_, err = LoadFrames(t.TempDir(), 0, 2)
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not a png"), 0o644))
	_, err = LoadFrames(dir, 2, 2)
	assert.ErrorContains(t, err, "decode frame")
}

func TestGrayFrameConvertsColour(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, color.White)
		}
	}
	assert.InDeltaSlice(t, []float64{1, 1, 1, 1}, GrayFrame(img, 2, 2), 1e-9)
}

func TestCuboidSet(t *testing.T) {
	s, err := NewCuboidSet([]Video{video(10, 2), video(2, 2)}, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 6, s.InputDim())
	assert.Equal(t, []float64{3, 3, 4, 4, 5, 5}, s.Input(1))
	assert.Equal(t, s.Input(2), s.Target(2))

	s.Augment(3)
	require.Equal(t, 5, s.Len())
	assert.Equal(t, []float64{0, 0, 2, 2, 4, 4}, s.Input(3))
	assert.Equal(t, []float64{0, 0, 3, 3, 6, 6}, s.Input(4))

	s.Augment(3)
	assert.Equal(t, 5, s.Len(), "augmenting twice must not duplicate cuboids")

	_, err = NewCuboidSet([]Video{video(2, 2)}, 3)
	assert.Error(t, err)
	_, err = NewCuboidSet([]Video{video(2, 2)}, 0)
	assert.Error(t, err)
}

func TestCuboidSetShuffle(t *testing.T) {
	s, err := NewCuboidSet([]Video{video(40, 1)}, 2)
	require.NoError(t, err)
	first := func() []float64 {
		out := make([]float64, s.Len())
		for i := range out {
			out[i] = s.Input(i)[0]
		}
		return out
	}
	canonical := first()

	s.Shuffle(true, 7)
	a := first()
	s.Shuffle(true, 7)
	assert.Equal(t, a, first(), "same seed gives the same order")
	assert.NotEqual(t, canonical, a)
	assert.ElementsMatch(t, canonical, a)

	s.Shuffle(false, 7)
	assert.Equal(t, canonical, first())
}

func TestCuboidSetPartition(t *testing.T) {
	s, err := NewCuboidSet([]Video{video(15, 1)}, 3)
	require.NoError(t, err)

	parts := s.Partition(2)
	require.Len(t, parts, 2)
	assert.Equal(t, 3, parts[0].Len())
	assert.Equal(t, 2, parts[1].Len())
	assert.Equal(t, []float64{9, 10, 11}, parts[1].Input(0))
	assert.Equal(t, parts[1].Input(1), parts[1].Target(1))

	sub := s.Subset([]int{4, 0})
	assert.Equal(t, []float64{12, 13, 14}, sub.Input(0))
}

func TestLoadLabels(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "labels.txt")
	require.NoError(t, os.WriteFile(good, []byte("0 0 1\n1\n0\n"), 0o644))
	labels, err := LoadLabels(good)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1, 1, 0}, labels)

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("0 2"), 0o644))
	_, err = LoadLabels(bad)
	assert.ErrorContains(t, err, "expected 0 or 1")

	_, err = LoadLabels(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}
