// Package dataset discovers image/mask pairs on disk and serves them as
// fixed-size segmentation samples.
package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rubenfonseca/fastimage"

	"github.com/tsawler/go-unet/tensor"
	"github.com/tsawler/go-unet/vision/dataloader"
	"github.com/tsawler/go-unet/vision/preprocessing"
)

// Subsets of a fold split
const (
	Train      = "train"
	Validation = "validation"
)

// DefaultNumFolds is used when Config.NumFolds is zero
const DefaultNumFolds = 5

// Extensions lists the file types picked up from the images and masks folders
var Extensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp"}

// Config describes which part of a folder a dataset serves
type Config struct {
	ImageSize int
	Folder    string // Holds images/ and masks/
	Subset    string // Train or Validation
	Fold      int    // Index of the validation fold
	NumFolds  int
	Transform *preprocessing.Transform // Ignored for the validation subset
	Cache     *dataloader.CacheManager // Optional decoded-sample cache
}

// Pair is an image file and its mask
type Pair struct {
	Stem  string
	Image string
	Mask  string
}

// SegmentationDataset serves resized and augmented image/mask pairs
type SegmentationDataset struct {
	config    Config
	pairs     []Pair
	processor *preprocessing.ImageProcessor
	cache     *dataloader.CacheManager
}

// NewSegmentationDataset discovers the pairs under config.Folder, checks that
// every image matches its mask in size, and keeps the requested subset.
func NewSegmentationDataset(config Config) (*SegmentationDataset, error) {
	if config.ImageSize <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.NumFolds == 0 {
		config.NumFolds = DefaultNumFolds
	}
	if config.NumFolds < 2 {
		return nil, errors.Errorf("need at least 2 folds, got %d", config.NumFolds)
	}
	if config.Fold < 0 || config.Fold >= config.NumFolds {
		return nil, errors.Errorf("fold %d out of range [0, %d)", config.Fold, config.NumFolds)
	}
	if config.Subset != Train && config.Subset != Validation {
		return nil, errors.Errorf("unknown subset %q", config.Subset)
	}
	if config.Subset == Validation {
		config.Transform = nil
	}

	all, err := DiscoverPairs(config.Folder)
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	for k, pair := range all {
		inFold := k%config.NumFolds == config.Fold
		if inFold == (config.Subset == Validation) {
			pairs = append(pairs, pair)
		}
	}
	for _, pair := range pairs {
		if err := checkDims(pair); err != nil {
			return nil, err
		}
	}

	cache := config.Cache
	if cache == nil {
		cache, err = dataloader.NewCacheManager(0)
		if err != nil {
			return nil, err
		}
	}

	return &SegmentationDataset{
		config:    config,
		pairs:     pairs,
		processor: preprocessing.NewImageProcessor(config.ImageSize),
		cache:     cache,
	}, nil
}

// DiscoverPairs matches <folder>/images/<stem>.<ext> with
// <folder>/masks/<stem>.<ext> or <folder>/masks/<stem>_mask.<ext>, sorted by stem.
func DiscoverPairs(folder string) ([]Pair, error) {
	images, err := listImages(filepath.Join(folder, "images"))
	if err != nil {
		return nil, err
	}
	masks, err := listImages(filepath.Join(folder, "masks"))
	if err != nil {
		return nil, err
	}

	byStem := make(map[string]string, len(masks))
	for stem, path := range masks {
		byStem[strings.TrimSuffix(stem, "_mask")] = path
	}

	pairs := make([]Pair, 0, len(images))
	for stem, path := range images {
		mask, ok := byStem[stem]
		if !ok {
			return nil, errors.Errorf("no mask for image %s", path)
		}
		pairs = append(pairs, Pair{Stem: stem, Image: path, Mask: mask})
	}
	if len(pairs) == 0 {
		return nil, errors.Errorf("no images found in %s", folder)
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Stem < pairs[j].Stem })
	return pairs, nil
}

// listImages maps file stems to paths for the supported extensions in dir
func listImages(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}

	files := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if !supported(ext) {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if prev, ok := files[stem]; ok {
			return nil, errors.Errorf("%s and %s share the stem %q", prev, name, stem)
		}
		files[stem] = filepath.Join(dir, name)
	}
	return files, nil
}

func supported(ext string) bool {
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// imageDims reads the width and height from the file header
func imageDims(path string) ([2]int, error) {
	var dims [2]int
	file, err := os.Open(path)
	if err != nil {
		return dims, err
	}
	defer file.Close()

	_, size, err := fastimage.DetectImageTypeFromReader(file)
	if err != nil {
		return dims, errors.Wrapf(err, "failed to probe %s", path)
	} else if size == nil {
		return dims, errors.Errorf("unknown image format: %s", path)
	}
	return [2]int{int(size.Width), int(size.Height)}, nil
}

func checkDims(pair Pair) error {
	img, err := imageDims(pair.Image)
	if err != nil {
		return err
	}
	mask, err := imageDims(pair.Mask)
	if err != nil {
		return err
	}
	if img != mask {
		return errors.Errorf("image %s is %dx%d but its mask is %dx%d", pair.Image, img[0], img[1], mask[0], mask[1])
	}
	return nil
}

// Len returns the number of samples in the subset
func (d *SegmentationDataset) Len() int {
	return len(d.pairs)
}

// Pairs returns the files of the subset in sample order
func (d *SegmentationDataset) Pairs() []Pair {
	return d.pairs
}

// Get returns sample idx as an [H,W,3] image and an [H,W] mask, augmented
// with rng when the dataset has a transform.
func (d *SegmentationDataset) Get(idx int, rng *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.pairs) {
		return nil, nil, errors.Errorf("index %d out of range [0, %d)", idx, len(d.pairs))
	}
	pair := d.pairs[idx]

	sample, err := d.cache.GetOrLoad(d.key(pair), func() (dataloader.Sample, error) {
		return d.load(pair)
	})
	if err != nil {
		return nil, nil, err
	}

	image, mask := d.processor.ToTensors(sample.Image, sample.Mask, d.config.Transform, rng)
	return image, mask, nil
}

func (d *SegmentationDataset) key(pair Pair) string {
	return fmt.Sprintf("%s@%d", pair.Image, d.config.ImageSize)
}

func (d *SegmentationDataset) load(pair Pair) (dataloader.Sample, error) {
	img, err := preprocessing.DecodeFile(pair.Image)
	if err != nil {
		return dataloader.Sample{}, err
	}
	mask, err := preprocessing.DecodeFile(pair.Mask)
	if err != nil {
		return dataloader.Sample{}, err
	}
	rgb, gray, err := d.processor.Resize(img, mask)
	if err != nil {
		return dataloader.Sample{}, errors.Wrapf(err, "sample %s", pair.Stem)
	}
	return dataloader.Sample{Image: rgb, Mask: gray}, nil
}

// Warm decodes the subset with up to workers goroutines and fills the cache.
// Pairs beyond the cache capacity evict earlier ones.
func (d *SegmentationDataset) Warm(workers int) error {
	if d.cache.Stats().MaxSize == 0 || len(d.pairs) == 0 {
		return nil
	}

	paths := make([]string, 0, 2*len(d.pairs))
	for _, pair := range d.pairs {
		paths = append(paths, pair.Image, pair.Mask)
	}
	decoded, err := preprocessing.DecodeFiles(paths, workers)
	if err != nil {
		return errors.Wrap(err, "failed to warm sample cache")
	}

	for i, pair := range d.pairs {
		rgb, gray, err := d.processor.Resize(decoded[2*i], decoded[2*i+1])
		if err != nil {
			return errors.Wrapf(err, "sample %s", pair.Stem)
		}
		d.cache.Put(d.key(pair), dataloader.Sample{Image: rgb, Mask: gray})
	}
	return nil
}

// String returns a summary of the dataset
func (d *SegmentationDataset) String() string {
	return fmt.Sprintf("Segmentation Dataset (%s, fold %d/%d): %d pairs from %s at %dx%d",
		d.config.Subset, d.config.Fold, d.config.NumFolds, len(d.pairs), d.config.Folder,
		d.config.ImageSize, d.config.ImageSize)
}
