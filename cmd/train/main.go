// Command train fits a U-Net to the image/mask pairs under --images, logging
// summaries to --logs and keeping the best checkpoint in --weights.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-unet/checkpoints"
	"github.com/tsawler/go-unet/config"
	"github.com/tsawler/go-unet/summary"
	"github.com/tsawler/go-unet/tensor"
	"github.com/tsawler/go-unet/training"
	"github.com/tsawler/go-unet/unet"
	"github.com/tsawler/go-unet/vision/dataloader"
	"github.com/tsawler/go-unet/vision/dataset"
	"github.com/tsawler/go-unet/vision/preprocessing"
)

// flipProb is the horizontal flip probability of the training augmentation
const flipProb = 0.5

func main() {
	args := config.MustParse()
	log := config.NewLogger()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, args, log); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("training interrupted")
		} else {
			log.Error("training failed", zap.Error(err))
		}
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, args *config.Args, log *zap.Logger) error {
	device, ok := tensor.ParseDevice(args.Device)
	if !ok {
		log.Warn("device not available, falling back to cpu", zap.String("device", args.Device))
	}
	args.Device = strings.ToLower(device.String())
	log.Info("host",
		zap.String("cpu", cpuid.CPU.BrandName),
		zap.Int("cores", cpuid.CPU.PhysicalCores),
		zap.Int("threads", cpuid.CPU.LogicalCores),
		zap.Bool("avx2", cpuid.CPU.Supports(cpuid.AVX2)),
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))

	if err := args.MakeDirs(); err != nil {
		return err
	}
	snapshot, err := args.Snapshot()
	if err != nil {
		return err
	}
	log.Info("arguments saved", zap.String("path", snapshot))

	training.SetRandomSeed(args.Seed)

	trainLoader, validLoader, err := loaders(args, log)
	if err != nil {
		return err
	}

	model, err := unet.New(unet.Config{InChannels: 3, OutChannels: 1, InitFeatures: args.Features})
	if err != nil {
		return errors.Wrap(err, "failed to build model")
	}
	log.Info("model",
		zap.Int("features", args.Features),
		zap.String("parameters", humanize.Comma(int64(training.CountParameters(model)))))

	logger, err := summary.NewLogger(args.Logs, log)
	if err != nil {
		return err
	}
	defer logger.Close()

	ckpt := training.NewCheckpointManager(training.CheckpointConfig{
		SaveDirectory: args.Weights,
		Filename:      args.CheckpointName,
		Format:        checkpoints.FormatForPath(args.CheckpointName),
	})

	trainer, err := training.NewTrainer(model, training.NewDiceLoss(),
		training.NewDefaultAdam(model.Parameters(), args.LR), logger, ckpt,
		training.TrainerConfig{
			Epochs:     args.Epochs,
			VisImages:  args.VisImages,
			VisFreq:    args.VisFreq,
			ResultsDir: args.Results,
			CurvesPath: filepath.Join(args.Logs, "curves.png"),
			Log:        log,
			Progress:   os.Stderr,
		})
	if err != nil {
		return err
	}

	if _, err := trainer.Run(ctx, trainLoader, validLoader); err != nil {
		return err
	}
	log.Info("run finished", zap.String("run", logger.RunID()), zap.String("checkpoint", ckpt.Path()))
	return nil
}

func loaders(args *config.Args, log *zap.Logger) (*training.DataLoader, *training.DataLoader, error) {
	cache, err := dataloader.GetGlobalSharedCache().GetOrCreateCache(args.Images, args.CacheSize)
	if err != nil {
		return nil, nil, err
	}

	train, err := dataset.NewSegmentationDataset(dataset.Config{
		ImageSize: args.ImageSize,
		Folder:    args.Images,
		Subset:    dataset.Train,
		Fold:      args.Fold,
		Transform: preprocessing.NewTransform(args.AugScale, args.AugAngle, flipProb),
		Cache:     cache,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load training set")
	}
	valid, err := dataset.NewSegmentationDataset(dataset.Config{
		ImageSize: args.ImageSize,
		Folder:    args.Images,
		Subset:    dataset.Validation,
		Fold:      args.Fold,
		Cache:     cache,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load validation set")
	}
	log.Info("datasets", zap.Stringer("train", train), zap.Stringer("valid", valid))

	if err := valid.Warm(runtime.GOMAXPROCS(0)); err != nil {
		return nil, nil, err
	}
	log.Info("sample cache", zap.Stringer("stats", cache.Stats()))

	trainLoader, err := training.NewDataLoader(train, training.DataLoaderConfig{
		BatchSize:  args.BatchSize,
		Shuffle:    true,
		DropLast:   true,
		NumWorkers: args.Workers,
		Seed:       args.Seed,
	})
	if err != nil {
		return nil, nil, err
	}
	validLoader, err := training.NewDataLoader(valid, training.DataLoaderConfig{
		BatchSize:  args.BatchSize,
		NumWorkers: args.Workers,
		Seed:       args.Seed,
	})
	if err != nil {
		return nil, nil, err
	}
	return trainLoader, validLoader, nil
}
