package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a new tensor sharing t's data with a different shape.
// One dimension may be -1 and is inferred. The result is not part of the
// autograd graph; use ReshapeAutograd to keep gradients flowing.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape, err := resolveShape(t.NumElems, newShape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		Device:       t.Device,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

func resolveShape(numElems int, newShape []int) ([]int, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
	negOneIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			known *= dim
		}
	}

	if negOneIdx >= 0 {
		if numElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", numElems, newShape)
		}
		shape[negOneIdx] = numElems / known
		known *= shape[negOneIdx]
	}

	if known != numElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", numElems, newShape, known)
	}
	return shape, nil
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	clone := MustNew(t.Shape, data)
	clone.requiresGrad = t.requiresGrad
	return clone
}

// Detach returns a view of t that shares its data but is cut off from the
// autograd graph and never requires a gradient.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}
	return t.Data[0], nil
}

// Squeeze drops every dimension of size 1. A tensor with a single element
// squeezes to shape [1].
func (t *Tensor) Squeeze() *Tensor {
	shape := make([]int, 0, len(t.Shape))
	for _, d := range t.Shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	if len(shape) == 0 {
		shape = []int{1}
	}
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Slice returns a copy of sample i along the leading dimension.
func (t *Tensor) Slice(i int) (*Tensor, error) {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("index %d out of range for shape %v", i, t.Shape)
	}
	per := t.NumElems / t.Shape[0]
	data := make([]float32, per)
	copy(data, t.Data[i*per:(i+1)*per])
	return NewTensor(t.Shape[1:], data)
}

// Sum returns the sum of all elements in float64.
func (t *Tensor) Sum() float64 {
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return sum
}

// Equal reports whether a and b have the same shape and bit-identical data.
func Equal(a, b *Tensor) bool {
	if !shapesEqual(a.Shape, b.Shape) {
		return false
	}
	for i := range a.Data {
		if math.Float32bits(a.Data[i]) != math.Float32bits(b.Data[i]) {
			return false
		}
	}
	return true
}

// ZeroGrad resets the accumulated gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.grad != nil {
			for i := range t.grad.Data {
				t.grad.Data[i] = 0
			}
		}
	}
}

// Backward runs reverse-mode differentiation from a scalar tensor and
// accumulates gradients into every leaf that requires them.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar tensor, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require grad")
	}

	order := topoSort(t)
	grads := map[*Tensor]*Tensor{t: MustNew(t.Shape, []float32{1})}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		gradOut, ok := grads[node]
		if !ok {
			continue
		}

		if node.creator == nil {
			if node.requiresGrad {
				accumulate(node, gradOut)
			}
			continue
		}

		inputs := node.creator.Inputs()
		inputGrads := node.creator.Backward(gradOut)
		for j, in := range inputs {
			if in == nil || !in.requiresGrad || j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			if existing, ok := grads[in]; ok {
				addInPlace(existing, inputGrads[j])
			} else {
				grads[in] = inputGrads[j]
			}
		}
		delete(grads, node)
	}

	return nil
}

func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(*Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				if in != nil && in.requiresGrad {
					visit(in)
				}
			}
		}
		order = append(order, n)
	}
	visit(root)

	return order
}

func accumulate(leaf, grad *Tensor) {
	if leaf.grad == nil {
		leaf.grad = MustNew(leaf.Shape, nil)
	}
	addInPlace(leaf.grad, grad)
}

func addInPlace(dst, src *Tensor) {
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString("\nData: [")
	for i := 0; i < t.NumElems && i < maxElements; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if t.NumElems > maxElements {
		sb.WriteString(fmt.Sprintf(", ... (%d more elements)", t.NumElems-maxElements))
	}
	sb.WriteString("]")
	return sb.String()
}
