package training

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/tsawler/go-unet/tensor"
)

// PixelCounts is the binary confusion matrix of a rounded prediction against
// its ground truth.
type PixelCounts struct {
	TruePositives  int
	FalsePositives int
	FalseNegatives int
	TrueNegatives  int
}

// CountPixels rounds both masks to {0,1} (half to even) and counts agreement.
func CountPixels(pred, truth *tensor.Tensor) (PixelCounts, error) {
	var c PixelCounts
	if pred.NumElems != truth.NumElems {
		return c, errors.Errorf("prediction %v and ground truth %v differ in size", pred.Shape, truth.Shape)
	}
	for i, p := range pred.Data {
		pp := math.RoundToEven(float64(p)) >= 1
		tt := math.RoundToEven(float64(truth.Data[i])) >= 1
		switch {
		case pp && tt:
			c.TruePositives++
		case pp:
			c.FalsePositives++
		case tt:
			c.FalseNegatives++
		default:
			c.TrueNegatives++
		}
	}
	return c, nil
}

// DSC returns 2|P∩T| / (|P|+|T|). Two empty masks agree perfectly and score 1.0.
func (c PixelCounts) DSC() float64 {
	denom := 2*c.TruePositives + c.FalsePositives + c.FalseNegatives
	if denom == 0 {
		return 1.0
	}
	return 2.0 * float64(c.TruePositives) / float64(denom)
}

// DSC computes the Dice similarity coefficient of one sample. Singleton
// dimensions are ignored.
func DSC(pred, truth *tensor.Tensor) (float64, error) {
	counts, err := CountPixels(pred.Squeeze(), truth.Squeeze())
	if err != nil {
		return 0, err
	}
	return counts.DSC(), nil
}

// DSCPerVolume scores every prediction against its ground truth.
func DSCPerVolume(preds, truths []*tensor.Tensor) ([]float64, error) {
	if len(preds) != len(truths) {
		return nil, errors.Errorf("got %d predictions for %d ground truths", len(preds), len(truths))
	}
	scores := make([]float64, len(preds))
	for i := range preds {
		dsc, err := DSC(preds[i], truths[i])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to score sample %d", i)
		}
		scores[i] = dsc
	}
	return scores, nil
}

// MeanDSC is the arithmetic mean of the per-sample scores; 0 when there are none.
func MeanDSC(preds, truths []*tensor.Tensor) (float64, error) {
	scores, err := DSCPerVolume(preds, truths)
	if err != nil {
		return 0, err
	}
	return mean(scores), nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m, err := stats.Mean(values)
	if err != nil {
		return 0
	}
	return m
}
