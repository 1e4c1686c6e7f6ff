package tensor

import (
	"fmt"
)

// record attaches op to result when any input requires a gradient. Without
// it the result is a plain value and no graph is kept alive.
func record(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	if anyRequiresGrad(inputs...) {
		result.creator = op
		result.requiresGrad = true
	}
	return result
}

// PermuteOp reorders axes
type PermuteOp struct {
	inputs []*Tensor
	perm   []int
}

func (op *PermuteOp) Inputs() []*Tensor { return op.inputs }

func (op *PermuteOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("PermuteOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := Permute(inputs[0], op.perm)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	return record(result, op, inputs...)
}

func (op *PermuteOp) Backward(gradOut *Tensor) []*Tensor {
	inverse := make([]int, len(op.perm))
	for i, p := range op.perm {
		inverse[p] = i
	}
	grad, err := Permute(gradOut, inverse)
	if err != nil {
		panic(fmt.Sprintf("Failed to permute gradient: %v", err))
	}
	return []*Tensor{grad}
}

// ReshapeOp changes the shape while keeping data order
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReshapeOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := inputs[0].Reshape(op.shape)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result.requiresGrad = false
	return record(result, op, inputs...)
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := gradOut.Reshape(op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Failed to reshape gradient: %v", err))
	}
	return []*Tensor{grad}
}

// ReLUOp implements the Operation interface for ReLU activation
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReLUOp requires exactly 1 input")
	}
	op.inputs = inputs
	return record(ReLU(inputs[0]), op, inputs...)
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]

	// ∂ReLU(x)/∂x = 1 if x > 0, else 0
	grad := MustNew(gradOut.Shape, nil)
	for i, v := range a.Data {
		if v > 0 {
			grad.Data[i] = gradOut.Data[i]
		}
	}
	return []*Tensor{grad}
}

// SigmoidOp implements the Operation interface for Sigmoid activation
type SigmoidOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("SigmoidOp requires exactly 1 input")
	}
	op.inputs = inputs
	op.output = Sigmoid(inputs[0])
	return record(op.output, op, inputs...)
}

func (op *SigmoidOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂σ(x)/∂x = σ(x) * (1 - σ(x))
	grad := MustNew(gradOut.Shape, nil)
	for i, s := range op.output.Data {
		grad.Data[i] = gradOut.Data[i] * s * (1 - s)
	}
	return []*Tensor{grad}
}

// ConcatOp joins two NCHW tensors on the channel axis
type ConcatOp struct {
	inputs []*Tensor
}

func (op *ConcatOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("ConcatOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := ConcatChannels(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	return record(result, op, inputs...)
}

func (op *ConcatOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	n, ca, cb := a.Shape[0], a.Shape[1], b.Shape[1]
	plane := a.Shape[2] * a.Shape[3]

	gradA := MustNew(a.Shape, nil)
	gradB := MustNew(b.Shape, nil)
	for i := 0; i < n; i++ {
		src := gradOut.Data[i*(ca+cb)*plane:]
		copy(gradA.Data[i*ca*plane:(i+1)*ca*plane], src[:ca*plane])
		copy(gradB.Data[i*cb*plane:(i+1)*cb*plane], src[ca*plane:(ca+cb)*plane])
	}
	return []*Tensor{gradA, gradB}
}

// High-level autograd functions that create and execute operations

// TransposeAutograd swaps two axes with automatic differentiation
func TransposeAutograd(a *Tensor, dim1, dim2 int) *Tensor {
	perm := make([]int, len(a.Shape))
	for i := range perm {
		perm[i] = i
	}
	perm[dim1], perm[dim2] = perm[dim2], perm[dim1]
	op := &PermuteOp{perm: perm}
	return op.Forward(a)
}

// ReshapeAutograd reshapes with automatic differentiation
func ReshapeAutograd(a *Tensor, shape []int) *Tensor {
	op := &ReshapeOp{shape: shape}
	return op.Forward(a)
}

// UnsqueezeAutograd inserts a dimension of size 1 at dim
func UnsqueezeAutograd(a *Tensor, dim int) *Tensor {
	if dim < 0 || dim > len(a.Shape) {
		panic(fmt.Sprintf("unsqueeze dim %d out of range for shape %v", dim, a.Shape))
	}
	shape := make([]int, 0, len(a.Shape)+1)
	shape = append(shape, a.Shape[:dim]...)
	shape = append(shape, 1)
	shape = append(shape, a.Shape[dim:]...)
	return ReshapeAutograd(a, shape)
}

// ReLUAutograd performs ReLU activation with automatic differentiation
func ReLUAutograd(a *Tensor) *Tensor {
	op := &ReLUOp{}
	return op.Forward(a)
}

// SigmoidAutograd performs Sigmoid activation with automatic differentiation
func SigmoidAutograd(a *Tensor) *Tensor {
	op := &SigmoidOp{}
	return op.Forward(a)
}

// ConcatAutograd joins two tensors on the channel axis with automatic differentiation
func ConcatAutograd(a, b *Tensor) *Tensor {
	op := &ConcatOp{}
	return op.Forward(a, b)
}
