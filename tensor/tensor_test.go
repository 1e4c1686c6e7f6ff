package tensor

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceTypeString(t *testing.T) {
	tests := []struct {
		device   DeviceType
		expected string
	}{
		{CPU, "CPU"},
		{DeviceType(999), "Unknown"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.device.String())
	}
}

func TestParseDevice(t *testing.T) {
	d, ok := ParseDevice("cpu")
	assert.True(t, ok)
	assert.Equal(t, CPU, d)

	d, ok = ParseDevice("cuda:0")
	assert.False(t, ok)
	assert.Equal(t, CPU, d)
}

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestNewTensor(t *testing.T) {
	t.Run("zeros when data is nil", func(t *testing.T) {
		x, err := NewTensor([]int{2, 3}, nil)
		require.NoError(t, err)
		assert.Equal(t, 6, x.NumElems)
		assert.Equal(t, []int{3, 1}, x.Strides)
		assert.Equal(t, 0.0, x.Sum())
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := NewTensor([]int{2, 3}, make([]float32, 5))
		assert.Error(t, err)
	})

	t.Run("invalid dimension", func(t *testing.T) {
		_, err := NewTensor([]int{2, 0}, nil)
		assert.Error(t, err)
	})

	t.Run("uniform stays in bound", func(t *testing.T) {
		x, err := Uniform([]int{100}, 0.5, rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		for _, v := range x.Data {
			assert.True(t, v >= -0.5 && v <= 0.5)
		}
	})
}

func TestReshape(t *testing.T) {
	x := MustNew([]int{2, 3, 4}, nil)

	r, err := x.Reshape([]int{6, -1})
	require.NoError(t, err)
	assert.Equal(t, []int{6, 4}, r.Shape)

	_, err = x.Reshape([]int{5, -1})
	assert.Error(t, err)

	_, err = x.Reshape([]int{-1, -1})
	assert.Error(t, err)
}

func TestSqueezeAndSlice(t *testing.T) {
	x := MustNew([]int{2, 1, 2, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8})

	s, err := x.Slice(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, s.Shape)
	assert.Equal(t, []float32{5, 6, 7, 8}, s.Data)

	sq := s.Squeeze()
	assert.Equal(t, []int{2, 2}, sq.Shape)

	one := MustNew([]int{1, 1}, []float32{3})
	assert.Equal(t, []int{1}, one.Squeeze().Shape)

	_, err = x.Slice(2)
	assert.Error(t, err)
}

func TestPermuteAndTranspose(t *testing.T) {
	// [N=1,H=2,W=2,C=3]
	data := make([]float32, 12)
	for i := range data {
		data[i] = float32(i)
	}
	nhwc := MustNew([]int{1, 2, 2, 3}, data)

	a, err := Transpose(nhwc, 1, 3)
	require.NoError(t, err)
	b, err := Transpose(a, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2, 2}, b.Shape)

	nchw, err := Permute(nhwc, []int{0, 3, 1, 2})
	require.NoError(t, err)
	assert.True(t, Equal(b, nchw))

	// channel 0 holds every third element
	assert.Equal(t, []float32{0, 3, 6, 9}, nchw.Data[:4])

	_, err = Permute(nhwc, []int{0, 1, 1, 2})
	assert.Error(t, err)
}

func TestConcatChannels(t *testing.T) {
	a := MustNew([]int{2, 1, 1, 2}, []float32{1, 2, 3, 4})
	b := MustNew([]int{2, 2, 1, 2}, []float32{5, 6, 7, 8, 9, 10, 11, 12})

	c, err := ConcatChannels(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1, 2}, c.Shape)
	assert.Equal(t, []float32{1, 2, 5, 6, 7, 8, 3, 4, 9, 10, 11, 12}, c.Data)

	_, err = ConcatChannels(a, MustNew([]int{1, 1, 1, 2}, nil))
	assert.Error(t, err)
}

func TestBackwardRequiresScalar(t *testing.T) {
	x := MustNew([]int{2}, nil)
	x.SetRequiresGrad(true)
	assert.Error(t, ReLUAutograd(x).Backward())

	y := FromScalar(1)
	assert.Error(t, y.Backward())
}

func TestNoGraphWithoutGrad(t *testing.T) {
	x := MustNew([]int{1, 1, 3, 3}, nil)
	w := MustNew([]int{1, 1, 3, 3}, nil)

	out := Conv2DAutograd(x, w, nil, 1, 1)
	assert.Nil(t, out.Creator())
	assert.False(t, out.RequiresGrad())

	w.SetRequiresGrad(true)
	out = Conv2DAutograd(x, w, nil, 1, 1)
	assert.NotNil(t, out.Creator())
}

func TestGradientAccumulates(t *testing.T) {
	x := MustNew([]int{3}, []float32{1, -1, 2})
	x.SetRequiresGrad(true)
	target := MustNew([]int{3}, []float32{1, 0, 1})

	for i := 0; i < 2; i++ {
		loss := DiceLossAutograd(ReLUAutograd(x), target, 1)
		require.NoError(t, loss.Backward())
	}
	first := x.Grad().Clone()

	ZeroGrad([]*Tensor{x})
	loss := DiceLossAutograd(ReLUAutograd(x), target, 1)
	require.NoError(t, loss.Backward())

	for i := range first.Data {
		assert.InDelta(t, first.Data[i], 2*x.Grad().Data[i], 1e-6)
	}
	// relu blocks the negative input
	assert.Equal(t, float32(0), x.Grad().Data[1])
}
