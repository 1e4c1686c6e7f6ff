package tensor

import (
	"fmt"
	"math"
)

// Permute returns a contiguous copy of t with its axes reordered by perm.
func Permute(t *Tensor, perm []int) (*Tensor, error) {
	if len(perm) != len(t.Shape) {
		return nil, fmt.Errorf("permutation %v does not match %d dimensions", perm, len(t.Shape))
	}
	seen := make([]bool, len(perm))
	outShape := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("invalid permutation %v", perm)
		}
		seen[p] = true
		outShape[i] = t.Shape[p]
	}

	result, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	inStrides := calculateStrides(t.Shape)
	srcStrides := make([]int, len(perm))
	for i, p := range perm {
		srcStrides[i] = inStrides[p]
	}

	coords := make([]int, len(outShape))
	src := 0
	for i := range result.Data {
		result.Data[i] = t.Data[src]
		for d := len(outShape) - 1; d >= 0; d-- {
			coords[d]++
			src += srcStrides[d]
			if coords[d] < outShape[d] {
				break
			}
			src -= coords[d] * srcStrides[d]
			coords[d] = 0
		}
	}

	return result, nil
}

// Transpose swaps two axes, returning a contiguous copy.
func Transpose(t *Tensor, dim1, dim2 int) (*Tensor, error) {
	if dim1 < 0 || dim1 >= len(t.Shape) || dim2 < 0 || dim2 >= len(t.Shape) {
		return nil, fmt.Errorf("transpose dims (%d, %d) out of range for shape %v", dim1, dim2, t.Shape)
	}
	perm := make([]int, len(t.Shape))
	for i := range perm {
		perm[i] = i
	}
	perm[dim1], perm[dim2] = perm[dim2], perm[dim1]
	return Permute(t, perm)
}

func ReLU(t *Tensor) *Tensor {
	result := MustNew(t.Shape, nil)
	for i, v := range t.Data {
		if v > 0 {
			result.Data[i] = v
		}
	}
	return result
}

func Sigmoid(t *Tensor) *Tensor {
	result := MustNew(t.Shape, nil)
	for i, v := range t.Data {
		result.Data[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}
	return result
}

// ConcatChannels joins two NCHW tensors along the channel axis.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 4 || len(b.Shape) != 4 {
		return nil, fmt.Errorf("concat expects 4D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[2] != b.Shape[2] || a.Shape[3] != b.Shape[3] {
		return nil, fmt.Errorf("concat shape mismatch: %v vs %v", a.Shape, b.Shape)
	}

	n, ca, cb := a.Shape[0], a.Shape[1], b.Shape[1]
	plane := a.Shape[2] * a.Shape[3]
	result, err := Zeros([]int{n, ca + cb, a.Shape[2], a.Shape[3]})
	if err != nil {
		return nil, err
	}

	for i := 0; i < n; i++ {
		dst := result.Data[i*(ca+cb)*plane:]
		copy(dst[:ca*plane], a.Data[i*ca*plane:(i+1)*ca*plane])
		copy(dst[ca*plane:(ca+cb)*plane], b.Data[i*cb*plane:(i+1)*cb*plane])
	}
	return result, nil
}
