package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-unet/tensor"
)

func TestModeString(t *testing.T) {
	assert.Equal(t, "train", ModeTrain.String())
	assert.Equal(t, "eval", ModeEval.String())
}

func TestConv2DModule(t *testing.T) {
	SetRandomSeed(3)
	conv, err := NewConv2D(2, 4, 3, 1, 1, true)
	require.NoError(t, err)

	assert.Equal(t, 2*4*3*3+4, CountParameters(conv))
	for _, p := range conv.Parameters() {
		assert.True(t, p.RequiresGrad())
	}

	out, err := conv.Forward(tensor.MustNew([]int{2, 2, 5, 5}, nil))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 5, 5}, out.Shape)

	_, err = conv.Forward(tensor.MustNew([]int{2, 3, 5, 5}, nil))
	assert.Error(t, err)
	_, err = conv.Forward(tensor.MustNew([]int{2, 5, 5}, nil))
	assert.Error(t, err)

	state := conv.StateDict("enc.")
	require.Len(t, state, 2)
	assert.Equal(t, "enc.weight", state[0].Name)
	assert.Equal(t, "enc.bias", state[1].Name)

	noBias, err := NewConv2D(2, 4, 3, 1, 1, false)
	require.NoError(t, err)
	assert.Len(t, noBias.StateDict(""), 1)
}

func TestXavierBound(t *testing.T) {
	SetRandomSeed(1)
	conv, err := NewConv2D(8, 8, 3, 1, 1, false)
	require.NoError(t, err)
	// sqrt(6 / (72 + 72))
	bound := float32(0.2042)
	for _, v := range conv.weight.Data {
		assert.True(t, v >= -bound && v <= bound)
	}
}

func TestConvTranspose2DModule(t *testing.T) {
	up, err := NewConvTranspose2D(4, 2, 2, 2)
	require.NoError(t, err)

	out, err := up.Forward(tensor.MustNew([]int{1, 4, 3, 3}, nil))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 6, 6}, out.Shape)
	assert.Equal(t, []int{4, 2, 2, 2}, up.StateDict("")[0].Tensor.Shape)
}

func TestBatchNormModule(t *testing.T) {
	bn, err := NewBatchNorm(1, 1e-5, 0.1)
	require.NoError(t, err)
	x := tensor.MustNew([]int{2, 1, 1, 1}, []float32{1, 3})

	out, err := bn.Forward(x)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, out.Data[0], 1e-3)
	assert.NotNil(t, out.Creator())

	state := bn.StateDict("norm.")
	require.Len(t, state, 4)
	assert.Equal(t, "norm.running_mean", state[2].Name)
	assert.InDelta(t, 0.2, state[2].Tensor.Data[0], 1e-6)

	bn.Eval()
	assert.False(t, bn.IsTraining())
	before := state[2].Tensor.Clone()
	out, err = bn.Forward(x)
	require.NoError(t, err)
	assert.Nil(t, out.Creator())
	assert.True(t, tensor.Equal(before, state[2].Tensor))

	_, err = bn.Forward(tensor.MustNew([]int{2, 2, 1, 1}, nil))
	assert.Error(t, err)
}

func TestMaxPool2DModule(t *testing.T) {
	pool := NewMaxPool2D(2, 2)
	out, err := pool.Forward(tensor.MustNew([]int{1, 1, 4, 6}, nil))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 3}, out.Shape)
	assert.Nil(t, pool.Parameters())

	_, err = pool.Forward(tensor.MustNew([]int{1, 1, 1, 6}, nil))
	assert.Error(t, err)
}

func TestActivations(t *testing.T) {
	x := tensor.MustNew([]int{3}, []float32{-1, 0, 2})

	out, err := NewReLU().Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2}, out.Data)

	out, err = NewSigmoid().Forward(x)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out.Data[1], 1e-7)
	assert.InDelta(t, 0.8808, out.Data[2], 1e-4)
}

func TestSequentialModule(t *testing.T) {
	conv, err := NewConv2D(1, 2, 3, 1, 1, false)
	require.NoError(t, err)
	bn, err := NewBatchNorm(2, 1e-5, 0.1)
	require.NoError(t, err)

	seq := NewSequential(conv)
	seq.AddNamed("norm", bn)
	seq.Add(NewReLU())

	out, err := seq.Forward(tensor.MustNew([]int{2, 1, 4, 4}, nil))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 4, 4}, out.Shape)
	assert.Len(t, seq.Parameters(), 3)

	var names []string
	for _, named := range seq.StateDict("block.") {
		names = append(names, named.Name)
	}
	assert.Equal(t, []string{
		"block.0.weight",
		"block.norm.weight", "block.norm.bias", "block.norm.running_mean", "block.norm.running_var",
	}, names)

	seq.Eval()
	assert.False(t, seq.IsTraining())
	assert.False(t, conv.IsTraining())
	assert.False(t, bn.IsTraining())
	seq.Train()
	assert.True(t, bn.IsTraining())

	_, err = seq.Forward(tensor.MustNew([]int{2, 3, 4, 4}, nil))
	assert.Error(t, err)
}
