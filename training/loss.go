package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-unet/tensor"
)

// Loss interface for all loss functions
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// DiceLoss is the soft Dice loss over the whole batch:
// 1 - (2·Σ(p·t) + smooth) / (Σp + Σt + smooth)
type DiceLoss struct {
	Smooth float64
}

// NewDiceLoss creates a DiceLoss with smooth = 1
func NewDiceLoss() *DiceLoss {
	return &DiceLoss{Smooth: 1.0}
}

func (d *DiceLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if len(predicted.Shape) != len(target.Shape) {
		return nil, errors.Errorf("dice loss shape mismatch: predicted %v, target %v", predicted.Shape, target.Shape)
	}
	for i := range predicted.Shape {
		if predicted.Shape[i] != target.Shape[i] {
			return nil, errors.Errorf("dice loss shape mismatch: predicted %v, target %v", predicted.Shape, target.Shape)
		}
	}
	return tensor.DiceLossAutograd(predicted, target, d.Smooth), nil
}
