package tensor

import (
	"fmt"
	"strings"
)

type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a device identifier such as "cpu" or "cuda:0" to a DeviceType.
// The second return value is false when the identifier names a device that is
// not available in this build, in which case CPU is returned.
func ParseDevice(name string) (DeviceType, bool) {
	if strings.EqualFold(strings.TrimSpace(name), "cpu") {
		return CPU, true
	}
	return CPU, false
}

// Operation is a node in the autograd graph. Forward computes the output and
// records the inputs, Backward maps the output gradient to one gradient per input.
type Operation interface {
	Forward(...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

// Tensor is a dense, row-major float32 array.
type Tensor struct {
	Shape        []int
	Strides      []int
	Device       DeviceType
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

// Named pairs a tensor with its state-dict key.
type Named struct {
	Name   string
	Tensor *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

func (t *Tensor) SetGrad(grad *Tensor) {
	t.grad = grad
}

// Creator returns the operation that produced t, or nil for leaves and for
// tensors computed without gradient tracking.
func (t *Tensor) Creator() Operation {
	return t.creator
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func anyRequiresGrad(inputs ...*Tensor) bool {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			return true
		}
	}
	return false
}
