package render

import (
	"image"
	"image/color"
	"image/gif"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-unet/tensor"
)

var maskPalette = color.Palette{color.Gray{0}, color.Gray{255}}

// MaskImage rounds a probability map to a black/white paletted image.
// Singleton dimensions are ignored; the remaining shape must be [H,W].
func MaskImage(pred *tensor.Tensor) (*image.Paletted, error) {
	plane := pred.Squeeze()
	if len(plane.Shape) != 2 {
		return nil, errors.Errorf("mask image expects a single plane, got shape %v", pred.Shape)
	}
	h, w := plane.Shape[0], plane.Shape[1]

	img := image.NewPaletted(image.Rect(0, 0, w, h), maskPalette)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if math.RoundToEven(float64(plane.Data[y*w+x])) >= 1 {
				img.SetColorIndex(x, y, 1)
			}
		}
	}
	return img, nil
}

// WriteMaskGIF saves the rounded prediction as a GIF at path.
func WriteMaskGIF(path string, pred *tensor.Tensor) error {
	img, err := MaskImage(pred)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create prediction gif")
	}
	if err := gif.Encode(f, img, &gif.Options{NumColors: len(maskPalette)}); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to encode prediction gif")
	}
	return f.Close()
}
