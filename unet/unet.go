// Package unet assembles the U-Net encoder-decoder used for binary segmentation.
package unet

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-unet/checkpoints"
	"github.com/tsawler/go-unet/tensor"
	"github.com/tsawler/go-unet/training"
)

const (
	bnEps      = 1e-5
	bnMomentum = 0.1
	depth      = 4
)

// Config holds the U-Net hyperparameters
type Config struct {
	InChannels   int
	OutChannels  int
	InitFeatures int
}

// DefaultConfig is the RGB-in, single-mask-out network with 32 base features
func DefaultConfig() Config {
	return Config{InChannels: 3, OutChannels: 1, InitFeatures: 32}
}

// UNet is a four-level encoder-decoder with skip connections and a sigmoid head.
type UNet struct {
	config     Config
	encoders   [depth]*training.Sequential
	pools      [depth]*training.MaxPool2D
	bottleneck *training.Sequential
	upconvs    [depth]*training.ConvTranspose2D
	decoders   [depth]*training.Sequential
	conv       *training.Conv2D
	sigmoid    *training.Sigmoid
	mode       training.Mode
}

// block is conv3×3 → batch-norm → ReLU, twice, with bias-free convolutions.
func block(in, features int, name string) (*training.Sequential, error) {
	conv1, err := training.NewConv2D(in, features, 3, 1, 1, false)
	if err != nil {
		return nil, err
	}
	norm1, err := training.NewBatchNorm(features, bnEps, bnMomentum)
	if err != nil {
		return nil, err
	}
	conv2, err := training.NewConv2D(features, features, 3, 1, 1, false)
	if err != nil {
		return nil, err
	}
	norm2, err := training.NewBatchNorm(features, bnEps, bnMomentum)
	if err != nil {
		return nil, err
	}

	s := training.NewSequential()
	s.AddNamed(name+"conv1", conv1)
	s.AddNamed(name+"norm1", norm1)
	s.AddNamed(name+"relu1", training.NewReLU())
	s.AddNamed(name+"conv2", conv2)
	s.AddNamed(name+"norm2", norm2)
	s.AddNamed(name+"relu2", training.NewReLU())
	return s, nil
}

// New builds a U-Net. Weights are drawn from the training package's seeded source.
func New(config Config) (*UNet, error) {
	if config.InChannels <= 0 || config.OutChannels <= 0 || config.InitFeatures <= 0 {
		return nil, errors.Errorf("invalid unet config %+v", config)
	}

	u := &UNet{config: config}
	f := config.InitFeatures

	in := config.InChannels
	for level := 0; level < depth; level++ {
		out := f << level
		enc, err := block(in, out, fmt.Sprintf("enc%d", level+1))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build encoder%d", level+1)
		}
		u.encoders[level] = enc
		u.pools[level] = training.NewMaxPool2D(2, 2)
		in = out
	}

	var err error
	u.bottleneck, err = block(f<<(depth-1), f<<depth, "bottleneck")
	if err != nil {
		return nil, errors.Wrap(err, "failed to build bottleneck")
	}

	for level := depth - 1; level >= 0; level-- {
		out := f << level
		u.upconvs[level], err = training.NewConvTranspose2D(out*2, out, 2, 2)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build upconv%d", level+1)
		}
		u.decoders[level], err = block(out*2, out, fmt.Sprintf("dec%d", level+1))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build decoder%d", level+1)
		}
	}

	u.conv, err = training.NewConv2D(f, config.OutChannels, 1, 1, 0, true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build output conv")
	}
	u.sigmoid = training.NewSigmoid()

	return u, nil
}

// Forward maps [N, InChannels, H, W] to per-pixel probabilities [N, OutChannels, H, W].
// H and W must be divisible by 16.
func (u *UNet) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, errors.Errorf("unet expects NCHW input, got shape %v", input.Shape)
	}
	if factor := 1 << depth; input.Shape[2]%factor != 0 || input.Shape[3]%factor != 0 {
		return nil, errors.Errorf("unet input height and width must be multiples of %d, got %dx%d", factor, input.Shape[2], input.Shape[3])
	}

	var skips [depth]*tensor.Tensor
	x := input
	for level := 0; level < depth; level++ {
		enc, err := u.encoders[level].Forward(x)
		if err != nil {
			return nil, errors.Wrapf(err, "encoder%d", level+1)
		}
		skips[level] = enc
		if x, err = u.pools[level].Forward(enc); err != nil {
			return nil, errors.Wrapf(err, "pool%d", level+1)
		}
	}

	x, err := u.bottleneck.Forward(x)
	if err != nil {
		return nil, errors.Wrap(err, "bottleneck")
	}

	for level := depth - 1; level >= 0; level-- {
		up, err := u.upconvs[level].Forward(x)
		if err != nil {
			return nil, errors.Wrapf(err, "upconv%d", level+1)
		}
		x, err = u.decoders[level].Forward(tensor.ConcatAutograd(up, skips[level]))
		if err != nil {
			return nil, errors.Wrapf(err, "decoder%d", level+1)
		}
	}

	logits, err := u.conv.Forward(x)
	if err != nil {
		return nil, errors.Wrap(err, "output conv")
	}
	return u.sigmoid.Forward(logits)
}

func (u *UNet) modules() []training.Module {
	mods := make([]training.Module, 0, 4*depth+3)
	for level := 0; level < depth; level++ {
		mods = append(mods, u.encoders[level], u.pools[level])
	}
	mods = append(mods, u.bottleneck)
	for level := depth - 1; level >= 0; level-- {
		mods = append(mods, u.upconvs[level], u.decoders[level])
	}
	return append(mods, u.conv, u.sigmoid)
}

func (u *UNet) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range u.modules() {
		params = append(params, m.Parameters()...)
	}
	return params
}

// StateDict returns every parameter and buffer under stable dotted names,
// e.g. "encoder1.enc1conv1.weight" or "decoder4.dec4norm2.running_var".
func (u *UNet) StateDict() []tensor.Named {
	var state []tensor.Named
	for level := 0; level < depth; level++ {
		state = append(state, u.encoders[level].StateDict(fmt.Sprintf("encoder%d.", level+1))...)
	}
	state = append(state, u.bottleneck.StateDict("bottleneck.")...)
	for level := depth - 1; level >= 0; level-- {
		state = append(state, u.upconvs[level].StateDict(fmt.Sprintf("upconv%d.", level+1))...)
		state = append(state, u.decoders[level].StateDict(fmt.Sprintf("decoder%d.", level+1))...)
	}
	return append(state, u.conv.StateDict("conv.")...)
}

// LoadStateDict copies checkpointed weights into the model in place
func (u *UNet) LoadStateDict(weights []checkpoints.WeightTensor) error {
	return checkpoints.ApplyStateDict(weights, u.StateDict())
}

// Train switches every layer to training mode
func (u *UNet) Train() {
	u.mode = training.ModeTrain
	for _, m := range u.modules() {
		m.Train()
	}
}

// Eval switches every layer to evaluation mode: batch-norm uses running
// statistics and no autograd graph is recorded.
func (u *UNet) Eval() {
	u.mode = training.ModeEval
	for _, m := range u.modules() {
		m.Eval()
	}
}

func (u *UNet) IsTraining() bool { return u.mode == training.ModeTrain }

// Mode reports the current mode flag
func (u *UNet) Mode() training.Mode { return u.mode }

func (u *UNet) Config() Config { return u.config }
