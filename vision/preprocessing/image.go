package preprocessing

import (
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"sync"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/tsawler/go-unet/tensor"
)

// ImageProcessor turns decoded image/mask pairs into fixed-size tensors
type ImageProcessor struct {
	targetSize int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the side length of processed samples
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// Process resizes the pair to targetSize×targetSize, applies transform when
// it is non-nil, and returns an [H,W,3] image in [0,1] and an [H,W] mask in {0,1}.
func (p *ImageProcessor) Process(img, mask image.Image, transform *Transform, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
	rgb, gray, err := p.Resize(img, mask)
	if err != nil {
		return nil, nil, err
	}
	x, y := p.ToTensors(rgb, gray, transform, rng)
	return x, y, nil
}

// Resize brings a decoded pair to the working resolution
func (p *ImageProcessor) Resize(img, mask image.Image) (*image.RGBA, *image.Gray, error) {
	if img.Bounds().Size() != mask.Bounds().Size() {
		return nil, nil, errors.Errorf("image %v and mask %v differ in size", img.Bounds().Size(), mask.Bounds().Size())
	}
	return ResizeImage(img, p.targetSize), ResizeMask(mask, p.targetSize), nil
}

// ToTensors augments a resized pair and converts it. The inputs are not modified.
func (p *ImageProcessor) ToTensors(rgb *image.RGBA, gray *image.Gray, transform *Transform, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor) {
	if transform != nil {
		rgb, gray = transform.Apply(rgb, gray, rng)
	}
	return ImageToHWC(rgb), MaskToHW(gray)
}

// Decode reads a PNG, JPEG, GIF or BMP image
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return img, nil
}

// DecodeFile opens and decodes the image at path
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return img, nil
}

// ResizeImage scales img to size×size RGBA with bilinear sampling
func ResizeImage(img image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ResizeMask scales a mask to size×size grey with nearest-neighbour sampling
// so that it stays binary.
func ResizeMask(mask image.Image, size int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, size, size))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), mask, mask.Bounds(), draw.Src, nil)
	return dst
}

// ImageToHWC converts an RGBA image to an [H,W,3] tensor normalized to [0, 1]
func ImageToHWC(img *image.RGBA) *tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	out := tensor.MustNew([]int{h, w, 3}, nil)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			idx := (y*w + x) * 3
			out.Data[idx] = float32(row[x*4]) / 255.0
			out.Data[idx+1] = float32(row[x*4+1]) / 255.0
			out.Data[idx+2] = float32(row[x*4+2]) / 255.0
		}
	}
	return out
}

// MaskToHW converts a grey mask to an [H,W] tensor: pixels above half
// intensity are foreground.
func MaskToHW(mask *image.Gray) *tensor.Tensor {
	b := mask.Bounds()
	h, w := b.Dy(), b.Dx()
	out := tensor.MustNew([]int{h, w}, nil)
	for y := 0; y < h; y++ {
		row := mask.Pix[y*mask.Stride:]
		for x := 0; x < w; x++ {
			if row[x] > 127 {
				out.Data[y*w+x] = 1
			}
		}
	}
	return out
}

// ToGray converts any image to *image.Gray
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.Set(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return g
}

// DecodeFiles decodes images concurrently, keeping the order of paths
func DecodeFiles(paths []string, maxWorkers int) ([]image.Image, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]image.Image, len(paths))
	errs := make([]error, len(paths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(paths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index], errs[j.index] = DecodeFile(j.path)
			}
		}()
	}

	for i, path := range paths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to process image %d", i)
		}
	}
	return results, nil
}
