package render

import (
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-unet/tensor"
)

func squareMask(size, lo, hi int) []float32 {
	mask := make([]float32, size*size)
	for y := lo; y < hi; y++ {
		for x := lo; x < hi; x++ {
			mask[y*size+x] = 1
		}
	}
	return mask
}

func TestGray(t *testing.T) {
	img := Gray([]float32{-1, 0, 1, 3}, 2, 2)
	// shifted to [0,1,2,4] then scaled by 4
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{63, 63, 63, 255}, img.RGBAAt(1, 0))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, img.RGBAAt(1, 1))

	flat := Gray([]float32{0, 0, 0, 0}, 2, 2)
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, flat.RGBAAt(1, 1))
}

func TestOutline(t *testing.T) {
	const size = 7
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	Outline(img, squareMask(size, 1, 6), size, size, PredictionColor)

	// border of the square is painted, its interior and the background are not
	assert.Equal(t, PredictionColor, img.RGBAAt(1, 1))
	assert.Equal(t, PredictionColor, img.RGBAAt(5, 3))
	assert.Equal(t, color.RGBA{}, img.RGBAAt(3, 3))
	assert.Equal(t, color.RGBA{}, img.RGBAAt(0, 0))

	painted := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if img.RGBAAt(x, y) == PredictionColor {
				painted++
			}
		}
	}
	assert.Equal(t, 16, painted)
}

func TestOutlineFullMaskIsEmpty(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 3))
	Outline(img, squareMask(3, 0, 3), 3, 3, TruthColor)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			assert.Equal(t, color.RGBA{}, img.RGBAAt(x, y))
		}
	}
}

func TestOverlay(t *testing.T) {
	const size = 6
	input := tensor.MustNew([]int{3, size, size}, nil)
	truth := tensor.MustNew([]int{1, size, size}, squareMask(size, 0, 3))
	pred := tensor.MustNew([]int{1, size, size}, squareMask(size, 3, 6))

	img, err := Overlay(input, truth, pred)
	require.NoError(t, err)
	assert.Equal(t, TruthColor, img.RGBAAt(2, 2))
	assert.Equal(t, PredictionColor, img.RGBAAt(3, 3))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, img.RGBAAt(5, 0))

	_, err = Overlay(tensor.MustNew([]int{1, size, size}, nil), truth, pred)
	assert.Error(t, err)
}

func TestBatchOverlays(t *testing.T) {
	input := tensor.MustNew([]int{3, 3, 8, 8}, nil)
	masks := tensor.MustNew([]int{3, 1, 8, 8}, nil)

	images, err := BatchOverlays(input, masks, masks, 2, nil)
	require.NoError(t, err)
	assert.Len(t, images, 2)

	images, err = BatchOverlays(input, masks, masks, 10, nil)
	require.NoError(t, err)
	assert.Len(t, images, 3)
}

func TestCaption(t *testing.T) {
	big := image.NewRGBA(image.Rect(0, 0, 64, 32))
	Caption(big, "e0 #1")
	white := 0
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			if big.RGBAAt(x, y) == (color.RGBA{255, 255, 255, 255}) {
				white++
			}
		}
	}
	assert.Greater(t, white, 0)

	small := image.NewRGBA(image.Rect(0, 0, 4, 4))
	Caption(small, "e0 #1")
	assert.Equal(t, color.RGBA{}, small.RGBAAt(1, 1))
}

func TestWriteMaskGIF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pred_epo0_val0.gif")
	pred := tensor.MustNew([]int{1, 2, 2}, []float32{0.2, 0.5, 0.51, 0.9})
	require.NoError(t, WriteMaskGIF(path, pred))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := gif.Decode(f)
	require.NoError(t, err)

	gray := func(x, y int) uint8 { return color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y }
	assert.Equal(t, uint8(0), gray(0, 0))
	// 0.5 rounds half to even
	assert.Equal(t, uint8(0), gray(1, 0))
	assert.Equal(t, uint8(255), gray(0, 1))
	assert.Equal(t, uint8(255), gray(1, 1))

	assert.Error(t, WriteMaskGIF(path, tensor.MustNew([]int{2, 2, 2}, nil)))
}

func TestWriteCurves(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "curves.png")
	require.NoError(t, WriteCurves(path, "training",
		Series{Name: "loss", X: []float64{9, 19, 29}, Y: []float64{0.9, 0.7, 0.6}},
		Series{Name: "val_dsc", X: []float64{10, 20}, Y: []float64{0.5, 0.5}},
	))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.Decode(f)
	require.NoError(t, err)

	skipped := filepath.Join(dir, "skipped.png")
	require.NoError(t, WriteCurves(skipped, "training", Series{Name: "loss", X: []float64{1}, Y: []float64{1}}))
	_, err = os.Stat(skipped)
	assert.True(t, os.IsNotExist(err))
}
