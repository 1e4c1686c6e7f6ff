package preprocessing

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Transform is the training augmentation: random scale with centre crop or
// pad, random rotation about the centre, and a horizontal flip.
type Transform struct {
	Scale    float64 // factor drawn from [1-Scale, 1+Scale]
	Angle    float64 // degrees drawn from [-Angle, Angle]
	FlipProb float64
}

// NewTransform creates a new augmentation
func NewTransform(scale, angle, flipProb float64) *Transform {
	return &Transform{Scale: scale, Angle: angle, FlipProb: flipProb}
}

// Params are the values drawn for one sample
type Params struct {
	Scale float64
	Angle float64
	Flip  bool
}

// Sample draws the parameters for one sample. The draws always happen in the
// same order, so equal seeds give equal parameters.
func (t *Transform) Sample(rng *rand.Rand) Params {
	p := Params{Scale: 1}
	if t.Scale > 0 {
		p.Scale = 1 - t.Scale + rng.Float64()*2*t.Scale
	}
	if t.Angle > 0 {
		p.Angle = -t.Angle + rng.Float64()*2*t.Angle
	}
	p.Flip = rng.Float64() < t.FlipProb
	return p
}

// Apply draws parameters from rng and applies them to the pair
func (t *Transform) Apply(img *image.RGBA, mask *image.Gray, rng *rand.Rand) (*image.RGBA, *image.Gray) {
	return ApplyParams(img, mask, t.Sample(rng))
}

// ApplyParams warps the image bilinearly and the mask with nearest-neighbour
// sampling; uncovered pixels are zero.
func ApplyParams(img *image.RGBA, mask *image.Gray, p Params) (*image.RGBA, *image.Gray) {
	if p.Scale != 1 || p.Angle != 0 {
		m := affine(img.Bounds(), p.Scale, p.Angle)

		warped := image.NewRGBA(img.Bounds())
		draw.BiLinear.Transform(warped, m, img, img.Bounds(), draw.Src, nil)
		img = warped

		warpedMask := image.NewGray(mask.Bounds())
		draw.NearestNeighbor.Transform(warpedMask, m, mask, mask.Bounds(), draw.Src, nil)
		mask = warpedMask
	}
	if p.Flip {
		img = flipRGBA(img)
		mask = flipGray(mask)
	}
	return img, mask
}

// affine maps source to destination: scale then rotate counter-clockwise
// about the centre of r.
func affine(r image.Rectangle, scale, degrees float64) f64.Aff3 {
	rad := degrees * math.Pi / 180
	cos, sin := math.Cos(rad)*scale, math.Sin(rad)*scale
	cx := float64(r.Min.X) + float64(r.Dx())/2
	cy := float64(r.Min.Y) + float64(r.Dy())/2
	return f64.Aff3{
		cos, sin, cx - cos*cx - sin*cy,
		-sin, cos, cy + sin*cx - cos*cy,
	}
}

func flipRGBA(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			copy(dst[(w-1-x)*4:(w-x)*4], src[x*4:(x+1)*4])
		}
	}
	return out
}

func flipGray(img *image.Gray) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(b)
	w := b.Dx()
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			dst[w-1-x] = src[x]
		}
	}
	return out
}
