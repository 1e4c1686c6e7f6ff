// Package render draws segmentation results: input/mask overlays, prediction
// GIFs and training curves.
package render

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/tsawler/go-unet/tensor"
)

var (
	PredictionColor = color.RGBA{255, 0, 0, 255}
	TruthColor      = color.RGBA{0, 255, 0, 255}
)

// GreyChannel is the input channel shown as the overlay background.
const GreyChannel = 1

// Gray converts an [H,W] plane to an RGB image: shifted by |min| and scaled
// by |max| into [0,255].
func Gray(plane []float32, h, w int) *image.RGBA {
	values := make([]float64, len(plane))
	lo := math.Inf(1)
	for i, v := range plane {
		values[i] = float64(v)
		lo = math.Min(lo, values[i])
	}
	hi := math.Inf(-1)
	for i := range values {
		values[i] += math.Abs(lo)
		hi = math.Max(hi, values[i])
	}
	if hi = math.Abs(hi); hi > 0 {
		for i := range values {
			values[i] /= hi
		}
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := uint8(values[y*w+x] * 255)
			img.SetRGBA(x, y, color.RGBA{g, g, g, 255})
		}
	}
	return img
}

// Outline paints every foreground pixel of the rounded mask whose 3×3
// neighbourhood is only partly foreground.
func Outline(img *image.RGBA, mask []float32, h, w int, c color.RGBA) {
	rounded := make([]float64, len(mask))
	for i, v := range mask {
		rounded[i] = math.RoundToEven(float64(v))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if rounded[y*w+x] == 0 {
				continue
			}
			var sum float64
			n := 0
			for yy := max(0, y-1); yy < min(h, y+2); yy++ {
				for xx := max(0, x-1); xx < min(w, x+2); xx++ {
					sum += rounded[yy*w+xx]
					n++
				}
			}
			if m := sum / float64(n); m > 0 && m < 1 {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

// Caption writes text in the top-left corner on a black box. Images too small
// to hold the text are left unchanged.
func Caption(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(3, 3+face.Ascent),
	}
	bounds, _ := d.BoundString(text)
	box := image.Rect(bounds.Min.X.Floor()-2, bounds.Min.Y.Floor()-2, bounds.Max.X.Ceil()+2, bounds.Max.Y.Ceil()+2)
	if !box.In(img.Bounds()) {
		return
	}
	draw.Draw(img, box, image.NewUniform(color.Black), image.Point{}, draw.Src)
	d.DrawString(text)
}

// Overlay composes one sample: channel GreyChannel of the CHW input as grey,
// the prediction outline in red, then the ground-truth outline in green.
func Overlay(input, truth, pred *tensor.Tensor) (*image.RGBA, error) {
	if len(input.Shape) != 3 || input.Shape[0] <= GreyChannel {
		return nil, errors.Errorf("overlay expects a CHW input with at least %d channels, got %v", GreyChannel+1, input.Shape)
	}
	h, w := input.Shape[1], input.Shape[2]
	if truth.NumElems != h*w || pred.NumElems != h*w {
		return nil, errors.Errorf("overlay masks %v/%v do not match image %dx%d", truth.Shape, pred.Shape, h, w)
	}

	img := Gray(input.Data[GreyChannel*h*w:(GreyChannel+1)*h*w], h, w)
	Outline(img, pred.Data, h, w, PredictionColor)
	Outline(img, truth.Data, h, w, TruthColor)
	return img, nil
}

// BatchOverlays renders up to limit overlays from an NCHW input batch and
// [N,1,H,W] masks. captions, when non-nil, labels each image.
func BatchOverlays(input, truth, pred *tensor.Tensor, limit int, captions []string) ([]image.Image, error) {
	if len(input.Shape) != 4 {
		return nil, errors.Errorf("overlay expects an NCHW batch, got %v", input.Shape)
	}
	n := input.Shape[0]
	if limit < n {
		n = limit
	}

	images := make([]image.Image, 0, n)
	for i := 0; i < n; i++ {
		x, err := input.Slice(i)
		if err != nil {
			return nil, err
		}
		t, err := truth.Slice(i)
		if err != nil {
			return nil, err
		}
		p, err := pred.Slice(i)
		if err != nil {
			return nil, err
		}
		img, err := Overlay(x, t, p)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to render sample %d", i)
		}
		if i < len(captions) {
			Caption(img, captions[i])
		}
		images = append(images, img)
	}
	return images, nil
}
