package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-unet/tensor"
)

func mask(values ...float32) *tensor.Tensor {
	return tensor.MustNew([]int{1, 1, len(values)}, values)
}

func TestDSC(t *testing.T) {
	tests := []struct {
		name     string
		pred     *tensor.Tensor
		truth    *tensor.Tensor
		expected float64
	}{
		{"identical positive", mask(1, 1, 1, 1), mask(1, 1, 1, 1), 1.0},
		{"identical negative", mask(0, 0, 0, 0), mask(0, 0, 0, 0), 1.0},
		{"no overlap", mask(1, 1, 0, 0), mask(0, 0, 1, 1), 0.0},
		{"half", mask(1, 1, 0, 0), mask(1, 0, 0, 0), 2.0 / 3.0},
		{"rounded probabilities", mask(0.9, 0.6, 0.4, 0.1), mask(1, 1, 0, 0), 1.0},
		{"half rounds to even", mask(0.5, 0.5, 1.5, 0), mask(0, 0, 1, 0), 1.0},
		{"prediction only", mask(1, 0, 0, 0), mask(0, 0, 0, 0), 0.0},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dsc, err := DSC(test.pred, test.truth)
			require.NoError(t, err)
			assert.InDelta(t, test.expected, dsc, 1e-12)
		})
	}

	_, err := DSC(mask(1, 0), mask(1, 0, 0))
	assert.Error(t, err)
}

func TestDSCIgnoresSingletonDims(t *testing.T) {
	pred := tensor.MustNew([]int{1, 2, 2}, []float32{1, 0, 0, 1})
	truth := tensor.MustNew([]int{2, 2}, []float32{1, 0, 0, 1})
	dsc, err := DSC(pred, truth)
	require.NoError(t, err)
	assert.Equal(t, 1.0, dsc)
}

func TestPixelCounts(t *testing.T) {
	c, err := CountPixels(mask(1, 1, 0, 0, 1), mask(1, 0, 1, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, PixelCounts{TruePositives: 2, FalsePositives: 1, FalseNegatives: 1, TrueNegatives: 1}, c)
	assert.InDelta(t, 4.0/6.0, c.DSC(), 1e-12)
}

func TestMeanDSC(t *testing.T) {
	preds := []*tensor.Tensor{mask(1, 0, 0, 1), mask(1, 1, 0, 0), mask(0, 0, 0, 0), mask(1, 1, 0, 0)}
	truths := []*tensor.Tensor{mask(1, 0, 0, 1), mask(0, 0, 1, 1), mask(0, 0, 0, 0), mask(1, 0, 0, 0)}

	scores, err := DSCPerVolume(preds, truths)
	require.NoError(t, err)
	require.Len(t, scores, 4)

	var sum float64
	for i, s := range scores {
		single, err := DSC(preds[i], truths[i])
		require.NoError(t, err)
		assert.Equal(t, single, s)
		sum += s
	}

	m, err := MeanDSC(preds, truths)
	require.NoError(t, err)
	assert.InDelta(t, sum/4, m, 1e-12)

	m, err = MeanDSC(preds[:3], truths[:3])
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, m, 1e-12)

	m, err = MeanDSC(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m)

	_, err = MeanDSC(preds, truths[:1])
	assert.Error(t, err)
}
