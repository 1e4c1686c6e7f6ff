package training

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-unet/tensor"
)

// Dataset interface defines methods that all segmentation datasets must implement.
// Get receives the random source to use for any sample augmentation.
type Dataset interface {
	Len() int
	Get(idx int, rng *rand.Rand) (image *tensor.Tensor, mask *tensor.Tensor, err error)
}

// DataLoaderConfig controls batching and prefetching
type DataLoaderConfig struct {
	BatchSize  int
	Shuffle    bool
	DropLast   bool  // Drop the trailing partial batch
	NumWorkers int   // Prefetching goroutines; 0 loads on a single goroutine
	Seed       int64 // Base seed for shuffling and per-worker augmentation
}

// Batch represents a batch of images [N,H,W,C] and masks [N,H,W]
type Batch struct {
	Images  *tensor.Tensor
	Masks   *tensor.Tensor
	Indices []int
}

// DataLoader provides batching, shuffling, and ordered parallel loading
type DataLoader struct {
	dataset    Dataset
	config     DataLoaderConfig
	indices    []int
	shuffleRng *rand.Rand
	sampleRng  *rand.Rand
	err        error
	mutex      sync.Mutex
}

// NewDataLoader creates a new DataLoader. The shuffle source is seeded once
// and advances across epochs.
func NewDataLoader(dataset Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumWorkers < 0 {
		return nil, errors.Errorf("number of workers cannot be negative, got %d", config.NumWorkers)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    dataset,
		config:     config,
		indices:    indices,
		shuffleRng: rand.New(rand.NewSource(config.Seed)),
		sampleRng:  rand.New(rand.NewSource(config.Seed)),
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.config.BatchSize
}

// Err returns the error that ended the last iteration early, if any
func (dl *DataLoader) Err() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.err
}

func (dl *DataLoader) setErr(err error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	if dl.err == nil {
		dl.err = err
	}
}

// Reset prepares the sample order for a new epoch and returns it split into batches
func (dl *DataLoader) Reset() [][]int {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.err = nil
	for i := range dl.indices {
		dl.indices[i] = i
	}
	if dl.config.Shuffle {
		dl.shuffleRng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}

	batches := make([][]int, 0, dl.Len())
	for start := 0; start < len(dl.indices); start += dl.config.BatchSize {
		end := start + dl.config.BatchSize
		if end > len(dl.indices) {
			if dl.config.DropLast {
				break
			}
			end = len(dl.indices)
		}
		batch := make([]int, end-start)
		copy(batch, dl.indices[start:end])
		batches = append(batches, batch)
	}
	return batches
}

// loadBatch loads a batch of samples and stacks them into batched tensors
func (dl *DataLoader) loadBatch(indices []int, rng *rand.Rand) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("empty batch indices")
	}

	var images, masks *tensor.Tensor
	for i, idx := range indices {
		image, mask, err := dl.dataset.Get(idx, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}

		if images == nil {
			images, err = tensor.Zeros(append([]int{len(indices)}, image.Shape...))
			if err != nil {
				return nil, errors.Wrap(err, "failed to create image batch")
			}
			masks, err = tensor.Zeros(append([]int{len(indices)}, mask.Shape...))
			if err != nil {
				return nil, errors.Wrap(err, "failed to create mask batch")
			}
		}

		imageSize := images.NumElems / len(indices)
		maskSize := masks.NumElems / len(indices)
		if image.NumElems != imageSize || mask.NumElems != maskSize {
			return nil, errors.Errorf("sample %d has shapes %v/%v, batch expects %v/%v",
				idx, image.Shape, mask.Shape, images.Shape[1:], masks.Shape[1:])
		}
		copy(images.Data[i*imageSize:(i+1)*imageSize], image.Data)
		copy(masks.Data[i*maskSize:(i+1)*maskSize], mask.Data)
	}

	return &Batch{Images: images, Masks: masks, Indices: indices}, nil
}

type batchResult struct {
	batch *Batch
	err   error
}

// Iterator returns a channel that yields the epoch's batches in order. The
// channel is closed at the end of the epoch, on the first load error, or when
// ctx is cancelled; check Err afterwards. Callers that stop reading early
// must cancel ctx.
func (dl *DataLoader) Iterator(ctx context.Context) <-chan *Batch {
	batches := dl.Reset()
	out := make(chan *Batch, 1)

	if dl.config.NumWorkers == 0 {
		go func() {
			defer close(out)
			for _, indices := range batches {
				batch, err := dl.loadBatch(indices, dl.sampleRng)
				if err != nil {
					dl.setErr(err)
					return
				}
				select {
				case out <- batch:
				case <-ctx.Done():
					dl.setErr(ctx.Err())
					return
				}
			}
		}()
		return out
	}

	workers := dl.config.NumWorkers
	if workers > len(batches) {
		workers = len(batches)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	results := make([]chan batchResult, workers)
	for w := range results {
		results[w] = make(chan batchResult, 2)
	}

	// Worker w owns batches w, w+workers, ... and reseeds every epoch.
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer close(results[w])
			rng := rand.New(rand.NewSource(dl.config.Seed + int64(w)))
			for b := w; b < len(batches); b += workers {
				batch, err := dl.loadBatch(batches[b], rng)
				select {
				case results[w] <- batchResult{batch: batch, err: err}:
				case <-workerCtx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}(w)
	}

	go func() {
		defer close(out)
		defer cancel()
		for b := range batches {
			var res batchResult
			var ok bool
			select {
			case res, ok = <-results[b%workers]:
			case <-ctx.Done():
				dl.setErr(ctx.Err())
				return
			}
			if !ok {
				if err := ctx.Err(); err != nil {
					dl.setErr(err)
					return
				}
				dl.setErr(errors.Errorf("worker %d stopped before batch %d", b%workers, b))
				return
			}
			if res.err != nil {
				dl.setErr(res.err)
				return
			}
			select {
			case out <- res.batch:
			case <-ctx.Done():
				dl.setErr(ctx.Err())
				return
			}
		}
	}()

	return out
}

// SliceDataset serves in-memory samples and ignores the random source
type SliceDataset struct {
	images []*tensor.Tensor
	masks  []*tensor.Tensor
}

// NewSliceDataset creates a new SliceDataset
func NewSliceDataset(images, masks []*tensor.Tensor) (*SliceDataset, error) {
	if len(images) != len(masks) {
		return nil, errors.Errorf("images and masks must have the same length: got %d and %d", len(images), len(masks))
	}
	return &SliceDataset{images: images, masks: masks}, nil
}

// Len returns the number of samples in the dataset
func (ds *SliceDataset) Len() int {
	return len(ds.images)
}

// Get returns a sample at the given index
func (ds *SliceDataset) Get(idx int, _ *rand.Rand) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(ds.images) {
		return nil, nil, errors.Errorf("index %d out of range [0, %d)", idx, len(ds.images))
	}
	return ds.images[idx], ds.masks[idx], nil
}
