package training

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-unet/checkpoints"
	"github.com/tsawler/go-unet/tensor"
	"github.com/tsawler/go-unet/vision/render"
)

// LossLogEvery is the number of training steps between loss summaries
const LossLogEvery = 10

// SummaryWriter receives scalar and image summaries
type SummaryWriter interface {
	ScalarSummary(tag string, value float64, step int) error
	ImageListSummary(tag string, images []image.Image, step int) error
}

// TrainerConfig holds configuration for training
type TrainerConfig struct {
	Epochs     int
	VisImages  int    // Validation overlays logged per visualization epoch
	VisFreq    int    // Visualize every N epochs (and always on the last one)
	ResultsDir string // Prediction GIFs go here
	CurvesPath string // Training curves PNG; empty disables
	Log        *zap.Logger
	Progress   io.Writer // Console progress bars; nil discards
}

// RunState is the mutable progress of a run
type RunState struct {
	Epoch   int
	Step    int
	BestDSC float64

	trainLosses []float64
	validLosses []float64
}

// EpochRecord summarises one epoch
type EpochRecord struct {
	Epoch     int
	Step      int
	ValidLoss float64
	ValidDSC  float64
	Improved  bool
	Duration  time.Duration
}

// Trainer drives epochs of training and validation
type Trainer struct {
	model       Model
	criterion   Loss
	optimizer   Optimizer
	summary     SummaryWriter
	checkpoints *CheckpointManager
	curves      *VisualizationCollector
	config      TrainerConfig
	log         *zap.Logger

	state   RunState
	history []EpochRecord
}

// NewTrainer creates a new Trainer. checkpoints may be nil, in which case
// the best score is tracked but nothing is written.
func NewTrainer(model Model, criterion Loss, optimizer Optimizer, summary SummaryWriter, checkpoints *CheckpointManager, config TrainerConfig) (*Trainer, error) {
	if model == nil || criterion == nil || optimizer == nil || summary == nil {
		return nil, errors.New("trainer needs a model, a loss, an optimizer and a summary writer")
	}
	if config.Epochs < 0 {
		return nil, errors.Errorf("epochs cannot be negative, got %d", config.Epochs)
	}
	if config.VisFreq <= 0 {
		return nil, errors.Errorf("visualization frequency must be positive, got %d", config.VisFreq)
	}
	log := config.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Trainer{
		model:       model,
		criterion:   criterion,
		optimizer:   optimizer,
		summary:     summary,
		checkpoints: checkpoints,
		curves:      NewVisualizationCollector("unet"),
		config:      config,
		log:         log,
	}, nil
}

// State returns a copy of the run progress
func (t *Trainer) State() RunState {
	return RunState{Epoch: t.state.Epoch, Step: t.state.Step, BestDSC: t.state.BestDSC}
}

// History returns one record per completed epoch
func (t *Trainer) History() []EpochRecord {
	return t.history
}

// Run trains for the configured number of epochs and returns the best
// validation mean DSC. It stops between batches when ctx is cancelled.
func (t *Trainer) Run(ctx context.Context, trainLoader, validLoader *DataLoader) (float64, error) {
	if t.config.ResultsDir != "" {
		if err := os.MkdirAll(t.config.ResultsDir, 0o755); err != nil {
			return 0, errors.Wrap(err, "failed to create results folder")
		}
	}
	t.state = RunState{}
	t.history = nil
	t.curves.Clear()

	t.log.Info("starting training",
		zap.Int("epochs", t.config.Epochs),
		zap.Int("train_batches", trainLoader.Len()),
		zap.Int("valid_batches", validLoader.Len()),
		zap.Float64("lr", t.optimizer.GetLR()))

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		t.state.Epoch = epoch
		start := time.Now()

		if err := t.trainEpoch(ctx, trainLoader); err != nil {
			return t.state.BestDSC, err
		}
		record, err := t.validateEpoch(ctx, validLoader)
		if err != nil {
			return t.state.BestDSC, err
		}
		record.Duration = time.Since(start)
		t.history = append(t.history, record)

		t.log.Info("epoch finished",
			zap.Int("epoch", epoch),
			zap.Int("step", t.state.Step),
			zap.Float64("val_loss", record.ValidLoss),
			zap.Float64("val_dsc", record.ValidDSC),
			zap.Bool("improved", record.Improved),
			zap.Duration("duration", record.Duration))
	}

	if t.config.CurvesPath != "" {
		if err := t.curves.WriteTrainingCurves(t.config.CurvesPath); err != nil {
			t.log.Warn("failed to render training curves", zap.Error(err))
		}
	}

	t.log.Info("Best validation mean DSC", zap.Float64("dsc", t.state.BestDSC))
	return t.state.BestDSC, nil
}

// toNCHW moves the channel axis of an [N,H,W,C] batch ahead of the spatial axes
func toNCHW(images *tensor.Tensor) *tensor.Tensor {
	return tensor.TransposeAutograd(tensor.TransposeAutograd(images, 1, 3), 2, 3)
}

func (t *Trainer) inputs(batch *Batch) (*tensor.Tensor, *tensor.Tensor) {
	return toNCHW(batch.Images), tensor.UnsqueezeAutograd(batch.Masks, 1)
}

func (t *Trainer) trainEpoch(ctx context.Context, loader *DataLoader) error {
	t.model.Train()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bar := NewProgressBar(t.config.Progress, fmt.Sprintf("epoch %d train", t.state.Epoch), loader.Len())
	i := 0
	for batch := range loader.Iterator(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.state.Step++

		x, y := t.inputs(batch)
		t.optimizer.ZeroGrad()

		pred, err := t.model.Forward(x)
		if err != nil {
			return errors.Wrapf(err, "forward pass failed at step %d", t.state.Step)
		}
		loss, err := t.criterion.Forward(pred, y)
		if err != nil {
			return errors.Wrapf(err, "loss computation failed at step %d", t.state.Step)
		}
		value := float64(loss.Data[0])
		t.state.trainLosses = append(t.state.trainLosses, value)

		if err := loss.Backward(); err != nil {
			return errors.Wrapf(err, "backward pass failed at step %d", t.state.Step)
		}
		if err := t.optimizer.Step(); err != nil {
			return errors.Wrapf(err, "optimizer step failed at step %d", t.state.Step)
		}

		if (t.state.Step+1)%LossLogEvery == 0 {
			if err := t.flushTrainLoss(); err != nil {
				return err
			}
		}

		i++
		bar.Update(i, map[string]float64{"loss": value})
	}
	bar.Finish()

	return t.loaderErr(ctx, loader, "train")
}

func (t *Trainer) flushTrainLoss() error {
	m := mean(t.state.trainLosses)
	t.state.trainLosses = t.state.trainLosses[:0]
	if err := t.summary.ScalarSummary("loss", m, t.state.Step); err != nil {
		return errors.Wrap(err, "failed to log training loss")
	}
	t.curves.RecordTrainingStep(t.state.Step, m)
	return nil
}

func (t *Trainer) visualEpoch() bool {
	epoch := t.state.Epoch
	return epoch%t.config.VisFreq == 0 || epoch == t.config.Epochs-1
}

// visualBudget returns how many overlays batch i may log: what is left of
// VisImages after the earlier batches, assuming full batches before it.
func visualBudget(i, batchSize, visImages int) int {
	left := visImages - i*batchSize
	if left <= 0 {
		return 0
	}
	return left
}

func (t *Trainer) validateEpoch(ctx context.Context, loader *DataLoader) (EpochRecord, error) {
	t.model.Eval()
	record := EpochRecord{Epoch: t.state.Epoch}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var preds, truths []*tensor.Tensor
	t.state.validLosses = t.state.validLosses[:0]
	visual := t.visualEpoch()

	bar := NewProgressBar(t.config.Progress, fmt.Sprintf("epoch %d valid", t.state.Epoch), loader.Len())
	i := 0
	for batch := range loader.Iterator(ctx) {
		if err := ctx.Err(); err != nil {
			return record, err
		}

		x, y := t.inputs(batch)
		pred, err := t.model.Forward(x)
		if err != nil {
			return record, errors.Wrapf(err, "validation forward pass failed on batch %d", i)
		}
		loss, err := t.criterion.Forward(pred, y)
		if err != nil {
			return record, errors.Wrapf(err, "validation loss failed on batch %d", i)
		}
		t.state.validLosses = append(t.state.validLosses, float64(loss.Data[0]))

		for s := 0; s < pred.Shape[0]; s++ {
			p, err := pred.Slice(s)
			if err != nil {
				return record, err
			}
			g, err := y.Slice(s)
			if err != nil {
				return record, err
			}
			preds = append(preds, p)
			truths = append(truths, g)
		}

		if n := visualBudget(i, loader.BatchSize(), t.config.VisImages); visual && n > 0 {
			if err := t.logOverlays(i, batch, x, y, pred, n); err != nil {
				return record, err
			}
		}

		i++
		bar.Update(i, map[string]float64{"loss": float64(loss.Data[0])})
	}
	bar.Finish()

	if err := t.loaderErr(ctx, loader, "validation"); err != nil {
		return record, err
	}

	record.Step = t.state.Step
	record.ValidLoss = mean(t.state.validLosses)
	if err := t.summary.ScalarSummary("val_loss", record.ValidLoss, t.state.Step); err != nil {
		return record, errors.Wrap(err, "failed to log validation loss")
	}

	for p, pred := range preds {
		path := filepath.Join(t.config.ResultsDir, fmt.Sprintf("pred_epo%d_val%d.gif", t.state.Epoch, p))
		if err := render.WriteMaskGIF(path, pred); err != nil {
			return record, err
		}
	}

	dsc, err := MeanDSC(preds, truths)
	if err != nil {
		return record, errors.Wrap(err, "failed to score validation predictions")
	}
	record.ValidDSC = dsc
	if err := t.summary.ScalarSummary("val_dsc", dsc, t.state.Step); err != nil {
		return record, errors.Wrap(err, "failed to log validation DSC")
	}
	t.curves.RecordValidation(t.state.Step, record.ValidLoss, dsc)

	if dsc > t.state.BestDSC {
		t.state.BestDSC = dsc
		record.Improved = true
		if t.checkpoints != nil {
			state := checkpoints.TrainingState{
				Epoch:        t.state.Epoch,
				Step:         t.state.Step,
				BestDSC:      dsc,
				LearningRate: t.optimizer.GetLR(),
			}
			if err := t.checkpoints.SaveCheckpoint(t.model, state); err != nil {
				return record, err
			}
			t.log.Info("saved checkpoint", zap.String("path", t.checkpoints.Path()), zap.Float64("dsc", dsc))
		}
	}
	return record, nil
}

func (t *Trainer) logOverlays(i int, batch *Batch, x, y, pred *tensor.Tensor, n int) error {
	captions := make([]string, len(batch.Indices))
	for k, idx := range batch.Indices {
		captions[k] = fmt.Sprintf("e%d #%d", t.state.Epoch, idx)
	}
	images, err := render.BatchOverlays(x, y, pred, n, captions)
	if err != nil {
		return errors.Wrapf(err, "failed to render overlays for batch %d", i)
	}
	if err := t.summary.ImageListSummary(fmt.Sprintf("image/%d", i), images, t.state.Step); err != nil {
		return errors.Wrapf(err, "failed to log overlays for batch %d", i)
	}
	return nil
}

// loaderErr reports why an iteration ended early, preferring the caller's
// cancellation over the loader's own record of it.
func (t *Trainer) loaderErr(ctx context.Context, loader *DataLoader, phase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := loader.Err(); err != nil {
		return errors.Wrapf(err, "%s loader failed", phase)
	}
	return nil
}
