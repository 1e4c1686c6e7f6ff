package training

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tsawler/go-unet/tensor"
)

type scalarEntry struct {
	tag   string
	value float64
	step  int
}

type recordingWriter struct {
	scalars []scalarEntry
	images  map[string]int
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{images: make(map[string]int)}
}

func (w *recordingWriter) ScalarSummary(tag string, value float64, step int) error {
	w.scalars = append(w.scalars, scalarEntry{tag, value, step})
	return nil
}

func (w *recordingWriter) ImageListSummary(tag string, images []image.Image, step int) error {
	w.images[tag] += len(images)
	return nil
}

func (w *recordingWriter) tagged(tag string) []scalarEntry {
	var out []scalarEntry
	for _, s := range w.scalars {
		if s.tag == tag {
			out = append(out, s)
		}
	}
	return out
}

// sequentialModel exposes a Sequential as a Model
type sequentialModel struct {
	*Sequential
}

func (m sequentialModel) StateDict() []tensor.Named {
	return m.Sequential.StateDict("")
}

// channelPicker predicts channel 0 of the input unchanged
func channelPicker(t *testing.T) sequentialModel {
	conv, err := NewConv2D(3, 1, 1, 1, 0, false)
	require.NoError(t, err)
	copy(conv.weight.Data, []float32{1, 0, 0})
	seq := NewSequential()
	seq.AddNamed("conv", conv)
	return sequentialModel{seq}
}

// sample builds an HWC image whose channel 0 is pred and the matching HW mask
func sample(pred, mask []float32) (*tensor.Tensor, *tensor.Tensor) {
	image := tensor.MustNew([]int{2, 2, 3}, nil)
	for i, v := range pred {
		image.Data[i*3] = v
		image.Data[i*3+1] = 0.5
	}
	return image, tensor.MustNew([]int{2, 2}, mask)
}

func loaders(t *testing.T, train, valid *SliceDataset, batchSize int) (*DataLoader, *DataLoader) {
	trainLoader, err := NewDataLoader(train, DataLoaderConfig{BatchSize: batchSize, Shuffle: true, DropLast: true, Seed: 42})
	require.NoError(t, err)
	validLoader, err := NewDataLoader(valid, DataLoaderConfig{BatchSize: batchSize})
	require.NoError(t, err)
	return trainLoader, validLoader
}

// scenarioDatasets returns two training samples and the three validation
// samples A (perfect), B (no overlap) and C (both empty).
func scenarioDatasets(t *testing.T) (*SliceDataset, *SliceDataset) {
	var images, masks []*tensor.Tensor
	for _, s := range [][2][]float32{
		{{1, 0, 0, 1}, {1, 0, 0, 1}},
		{{1, 1, 0, 0}, {0, 0, 1, 1}},
		{{0, 0, 0, 0}, {0, 0, 0, 0}},
	} {
		img, mask := sample(s[0], s[1])
		images = append(images, img)
		masks = append(masks, mask)
	}
	valid, err := NewSliceDataset(images, masks)
	require.NoError(t, err)

	train, err := NewSliceDataset(images[:2], masks[:2])
	require.NoError(t, err)
	return train, valid
}

func TestTrainerScenario(t *testing.T) {
	dir := t.TempDir()
	model := channelPicker(t)
	train, valid := scenarioDatasets(t)
	trainLoader, validLoader := loaders(t, train, valid, 2)

	writer := newRecordingWriter()
	manager := NewCheckpointManager(CheckpointConfig{SaveDirectory: filepath.Join(dir, "weights"), Filename: "unet.ckpt"})
	// lr 0 keeps the predictions fixed through the training phase
	trainer, err := NewTrainer(model, NewDiceLoss(), NewDefaultAdam(model.Parameters(), 0), writer, manager, TrainerConfig{
		Epochs:     1,
		VisImages:  200,
		VisFreq:    10,
		ResultsDir: filepath.Join(dir, "results"),
		CurvesPath: filepath.Join(dir, "curves.png"),
		Log:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	best, err := trainer.Run(context.Background(), trainLoader, validLoader)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, best, 1e-9)

	dsc := writer.tagged("val_dsc")
	require.Len(t, dsc, 1)
	assert.InDelta(t, 2.0/3.0, dsc[0].value, 1e-9)
	assert.Equal(t, 1, dsc[0].step)
	assert.Len(t, writer.tagged("val_loss"), 1)
	assert.Empty(t, writer.tagged("loss"))

	assert.FileExists(t, manager.Path())
	assert.Equal(t, 1, manager.Saves())

	for p := 0; p < 3; p++ {
		assert.FileExists(t, filepath.Join(dir, "results", fmt.Sprintf("pred_epo0_val%d.gif", p)))
	}
	assert.Equal(t, map[string]int{"image/0": 2, "image/1": 1}, writer.images)

	history := trainer.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Improved)

	// the restored state matches the live model
	restored := channelPicker(t)
	copy(restored.Parameters()[0].Data, []float32{0, 0, 0})
	ckpt, err := NewCheckpointManager(CheckpointConfig{SaveDirectory: filepath.Join(dir, "weights"), Filename: "unet.ckpt"}).LoadCheckpoint(restored)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, restored.Parameters()[0].Data)
	assert.Equal(t, 0, ckpt.TrainingState.Epoch)
	assert.InDelta(t, 2.0/3.0, ckpt.TrainingState.BestDSC, 1e-9)
}

func TestCheckpointOnlyOnStrictImprovement(t *testing.T) {
	dir := t.TempDir()
	model := channelPicker(t)
	train, valid := scenarioDatasets(t)
	trainLoader, validLoader := loaders(t, train, valid, 2)

	manager := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, Filename: "unet.ckpt"})
	trainer, err := NewTrainer(model, NewDiceLoss(), NewDefaultAdam(model.Parameters(), 0), newRecordingWriter(), manager, TrainerConfig{
		Epochs:     3,
		VisFreq:    1,
		ResultsDir: dir,
	})
	require.NoError(t, err)

	_, err = trainer.Run(context.Background(), trainLoader, validLoader)
	require.NoError(t, err)

	// equal scores never overwrite the checkpoint
	assert.Equal(t, 1, manager.Saves())
	history := trainer.History()
	require.Len(t, history, 3)
	assert.True(t, history[0].Improved)
	assert.False(t, history[1].Improved)
	assert.False(t, history[2].Improved)
}

func TestEmptyValidationWritesNoCheckpoint(t *testing.T) {
	dir := t.TempDir()
	model := channelPicker(t)
	train, _ := scenarioDatasets(t)
	empty, err := NewSliceDataset(nil, nil)
	require.NoError(t, err)
	trainLoader, validLoader := loaders(t, train, empty, 2)

	manager := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, Filename: "unet.ckpt"})
	trainer, err := NewTrainer(model, NewDiceLoss(), NewDefaultAdam(model.Parameters(), 1e-3), newRecordingWriter(), manager, TrainerConfig{
		Epochs:     1,
		VisFreq:    1,
		ResultsDir: dir,
	})
	require.NoError(t, err)

	best, err := trainer.Run(context.Background(), trainLoader, validLoader)
	require.NoError(t, err)
	assert.Equal(t, 0.0, best)
	assert.Equal(t, 0, manager.Saves())
	_, err = os.Stat(manager.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestTrainLossCadence(t *testing.T) {
	var images, masks []*tensor.Tensor
	for i := 0; i < 12; i++ {
		img, mask := sample([]float32{1, 0, 1, 0}, []float32{1, 0, 0, 0})
		images = append(images, img)
		masks = append(masks, mask)
	}
	train, err := NewSliceDataset(images, masks)
	require.NoError(t, err)
	valid, err := NewSliceDataset(images[:1], masks[:1])
	require.NoError(t, err)
	trainLoader, validLoader := loaders(t, train, valid, 1)

	model := channelPicker(t)
	writer := newRecordingWriter()
	dir := t.TempDir()
	trainer, err := NewTrainer(model, NewDiceLoss(), NewDefaultAdam(model.Parameters(), 0), writer, nil, TrainerConfig{
		Epochs:     2,
		VisFreq:    1,
		ResultsDir: dir,
	})
	require.NoError(t, err)

	_, err = trainer.Run(context.Background(), trainLoader, validLoader)
	require.NoError(t, err)

	loss := writer.tagged("loss")
	require.Len(t, loss, 2)
	assert.Equal(t, 9, loss[0].step)
	assert.Equal(t, 19, loss[1].step)
	// I=1, Σp=2, Σt=1: 1 - 3/4
	assert.InDelta(t, 0.25, loss[0].value, 1e-6)
	assert.Equal(t, 24, trainer.State().Step)

	// validation scalars carry the step of the last training batch
	steps := []int{}
	for _, s := range writer.tagged("val_dsc") {
		steps = append(steps, s.step)
	}
	assert.Equal(t, []int{12, 24}, steps)
}

func TestValidationLeavesStateUntouched(t *testing.T) {
	conv, err := NewConv2D(3, 2, 3, 1, 1, false)
	require.NoError(t, err)
	bn, err := NewBatchNorm(2, 1e-5, 0.1)
	require.NoError(t, err)
	head, err := NewConv2D(2, 1, 1, 1, 0, true)
	require.NoError(t, err)

	seq := NewSequential()
	seq.AddNamed("conv", conv)
	seq.AddNamed("norm", bn)
	seq.AddNamed("relu", NewReLU())
	seq.AddNamed("head", head)
	seq.AddNamed("sigmoid", NewSigmoid())
	model := sequentialModel{seq}

	_, valid := scenarioDatasets(t)
	trainLoader, validLoader := loaders(t, valid, valid, 2)

	trainer, err := NewTrainer(model, NewDiceLoss(), NewDefaultAdam(model.Parameters(), 1e-2), newRecordingWriter(), nil, TrainerConfig{
		Epochs:     1,
		VisFreq:    1,
		VisImages:  1,
		ResultsDir: t.TempDir(),
	})
	require.NoError(t, err)

	// one real training epoch so the running statistics move
	require.NoError(t, trainer.trainEpoch(context.Background(), trainLoader))

	var before, grads []*tensor.Tensor
	for _, named := range model.StateDict() {
		before = append(before, named.Tensor.Clone())
		var g *tensor.Tensor
		if named.Tensor.Grad() != nil {
			g = named.Tensor.Grad().Clone()
		}
		grads = append(grads, g)
	}

	_, err = trainer.validateEpoch(context.Background(), validLoader)
	require.NoError(t, err)
	assert.False(t, model.IsTraining())

	for i, named := range model.StateDict() {
		assert.True(t, tensor.Equal(before[i], named.Tensor), "%s changed during validation", named.Name)
		if grads[i] == nil {
			assert.Nil(t, named.Tensor.Grad(), "%s gained a gradient", named.Name)
		} else {
			assert.True(t, tensor.Equal(grads[i], named.Tensor.Grad()), "%s gradient changed", named.Name)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	model := channelPicker(t)
	train, valid := scenarioDatasets(t)
	trainLoader, validLoader := loaders(t, train, valid, 1)

	manager := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, Filename: "unet.ckpt"})
	trainer, err := NewTrainer(model, NewDiceLoss(), NewDefaultAdam(model.Parameters(), 1e-3), newRecordingWriter(), manager, TrainerConfig{
		Epochs:     5,
		VisFreq:    1,
		ResultsDir: dir,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = trainer.Run(ctx, trainLoader, validLoader)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, manager.Saves())
	assert.Empty(t, trainer.History())
}

func TestVisualBudget(t *testing.T) {
	assert.Equal(t, 200, visualBudget(0, 16, 200))
	assert.Equal(t, 8, visualBudget(12, 16, 200))
	assert.Equal(t, 0, visualBudget(13, 16, 200))
	assert.Equal(t, 0, visualBudget(0, 16, 0))
}

func TestNewTrainerValidation(t *testing.T) {
	model := channelPicker(t)
	opt := NewDefaultAdam(model.Parameters(), 1e-3)

	_, err := NewTrainer(model, NewDiceLoss(), opt, nil, nil, TrainerConfig{VisFreq: 1})
	assert.Error(t, err)

	_, err = NewTrainer(model, NewDiceLoss(), opt, newRecordingWriter(), nil, TrainerConfig{VisFreq: 0})
	assert.Error(t, err)

	_, err = NewTrainer(model, NewDiceLoss(), opt, newRecordingWriter(), nil, TrainerConfig{Epochs: -1, VisFreq: 1})
	assert.Error(t, err)
}
