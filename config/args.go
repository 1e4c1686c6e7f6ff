// Package config holds the command line arguments of the training driver and
// the process logger.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	arg "github.com/alexflint/go-arg"
	"github.com/pkg/errors"
)

// ArgsFile is the name of the argument snapshot written to the logs folder
const ArgsFile = "args.json"

// Args are the training driver's command line arguments
type Args struct {
	BatchSize      int     `arg:"--batch-size" default:"16" help:"input batch size for training" json:"batch_size"`
	Epochs         int     `arg:"--epochs" default:"100" help:"number of epochs to train" json:"epochs"`
	LR             float64 `arg:"--lr" default:"0.0001" help:"initial learning rate" json:"lr"`
	Device         string  `arg:"--device" default:"cpu" help:"device for training; only cpu is available" json:"device"`
	Workers        int     `arg:"--workers" default:"0" help:"number of workers for data loading" json:"workers"`
	VisImages      int     `arg:"--vis-images" default:"200" help:"number of visualization images to save in the log" json:"vis_images"`
	VisFreq        int     `arg:"--vis-freq" default:"10" help:"frequency of saving images to the log, in epochs" json:"vis_freq"`
	Weights        string  `arg:"--weights" default:"./weights" help:"folder to save weights" json:"weights"`
	Logs           string  `arg:"--logs" default:"./logs" help:"folder to save logs" json:"logs"`
	Results        string  `arg:"--results" default:"./results" help:"folder to save validation predictions" json:"results"`
	Images         string  `arg:"--images" default:"./data" help:"root folder with images/ and masks/" json:"images"`
	ImageSize      int     `arg:"--image-size" default:"224" help:"target input image size" json:"image_size"`
	AugScale       float64 `arg:"--aug-scale" default:"0.05" help:"scale factor range for augmentation" json:"aug_scale"`
	AugAngle       float64 `arg:"--aug-angle" default:"15" help:"rotation angle range in degrees for augmentation" json:"aug_angle"`
	Fold           int     `arg:"--fold" default:"0" help:"index of the validation fold" json:"fold"`
	Features       int     `arg:"--features" default:"32" help:"number of features in the first encoder block" json:"features"`
	CheckpointName string  `arg:"--checkpoint-name" default:"unet.ckpt" help:"checkpoint file name inside the weights folder" json:"checkpoint_name"`
	Seed           int64   `arg:"--seed" default:"42" help:"base random seed" json:"seed"`
	CacheSize      int     `arg:"--cache-size" default:"512" help:"decoded samples kept in memory; 0 disables the cache" json:"cache_size"`
}

// Description is shown at the top of the help text
func (Args) Description() string {
	return "Training U-Net model for segmentation of image masks"
}

// Validate checks the parsed values
func (a *Args) Validate() error {
	switch {
	case a.BatchSize <= 0:
		return errors.Errorf("batch size must be positive, got %d", a.BatchSize)
	case a.Epochs < 0:
		return errors.Errorf("epochs cannot be negative, got %d", a.Epochs)
	case a.LR < 0:
		return errors.Errorf("learning rate cannot be negative, got %g", a.LR)
	case a.Workers < 0:
		return errors.Errorf("workers cannot be negative, got %d", a.Workers)
	case a.VisImages < 0:
		return errors.Errorf("vis images cannot be negative, got %d", a.VisImages)
	case a.VisFreq <= 0:
		return errors.Errorf("vis freq must be positive, got %d", a.VisFreq)
	case a.ImageSize <= 0:
		return errors.Errorf("image size must be positive, got %d", a.ImageSize)
	case a.ImageSize%16 != 0:
		return errors.Errorf("image size must be a multiple of 16, got %d", a.ImageSize)
	case a.AugScale < 0 || a.AugScale >= 1:
		return errors.Errorf("aug scale must be in [0, 1), got %g", a.AugScale)
	case a.AugAngle < 0:
		return errors.Errorf("aug angle cannot be negative, got %g", a.AugAngle)
	case a.Features <= 0:
		return errors.Errorf("features must be positive, got %d", a.Features)
	case a.CacheSize < 0:
		return errors.Errorf("cache size cannot be negative, got %d", a.CacheSize)
	case a.CheckpointName == "" || filepath.Base(a.CheckpointName) != a.CheckpointName:
		return errors.Errorf("checkpoint name must be a plain file name, got %q", a.CheckpointName)
	}
	return nil
}

// Parse parses argv (without the program name) into Args with defaults applied
func Parse(argv []string) (*Args, error) {
	var args Args
	p, err := arg.NewParser(arg.Config{Program: "train"}, &args)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build argument parser")
	}
	if err := p.Parse(argv); err != nil {
		return nil, err
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	return &args, nil
}

// MustParse parses os.Args, printing usage and exiting on failure
func MustParse() *Args {
	var args Args
	p := arg.MustParse(&args)
	if err := args.Validate(); err != nil {
		p.Fail(err.Error())
	}
	return &args
}

// MakeDirs creates the weights, logs and results folders
func (a *Args) MakeDirs() error {
	for _, dir := range []string{a.Weights, a.Logs, a.Results} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create %s", dir)
		}
	}
	return nil
}

// Snapshot writes the resolved arguments to <logs>/args.json
func (a *Args) Snapshot() (string, error) {
	path := filepath.Join(a.Logs, ArgsFile)
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to encode arguments")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write arguments")
	}
	return path, nil
}

// LoadArgs reads a snapshot written by Snapshot
func LoadArgs(path string) (*Args, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read arguments")
	}
	var args Args
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return &args, nil
}
