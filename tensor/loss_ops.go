package tensor

import (
	"fmt"
)

// DiceOp computes the soft Dice loss 1 - (2·Σpt + s) / (Σp + Σt + s) over
// every element of the prediction and target.
type DiceOp struct {
	inputs []*Tensor
	smooth float64

	intersection float64
	union        float64
}

func (op *DiceOp) Inputs() []*Tensor { return op.inputs }

func (op *DiceOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("DiceOp requires prediction and target")
	}
	pred, target := inputs[0], inputs[1]
	op.inputs = inputs

	if pred.NumElems != target.NumElems {
		panic(fmt.Sprintf("Forward pass failed: dice size mismatch %v vs %v", pred.Shape, target.Shape))
	}

	var inter, sumP, sumT float64
	for i, p := range pred.Data {
		t := float64(target.Data[i])
		inter += float64(p) * t
		sumP += float64(p)
		sumT += t
	}
	op.intersection = inter
	op.union = sumP + sumT + op.smooth

	loss := 1.0 - (2.0*inter+op.smooth)/op.union
	return record(FromScalar(loss), op, inputs...)
}

func (op *DiceOp) Backward(gradOut *Tensor) []*Tensor {
	pred, target := op.inputs[0], op.inputs[1]
	upstream := float64(gradOut.Data[0])
	numer := 2.0*op.intersection + op.smooth
	u2 := op.union * op.union

	// ∂L/∂p_i = -(2·t_i·U - (2I+s)) / U²
	gradP := MustNew(pred.Shape, nil)
	for i := range gradP.Data {
		t := float64(target.Data[i])
		gradP.Data[i] = float32(-upstream * (2.0*t*op.union - numer) / u2)
	}

	var gradT *Tensor
	if target.requiresGrad {
		gradT = MustNew(target.Shape, nil)
		for i := range gradT.Data {
			p := float64(pred.Data[i])
			gradT.Data[i] = float32(-upstream * (2.0*p*op.union - numer) / u2)
		}
	}

	return []*Tensor{gradP, gradT}
}

// DiceLossAutograd computes the soft Dice loss with automatic differentiation
func DiceLossAutograd(pred, target *Tensor, smooth float64) *Tensor {
	op := &DiceOp{smooth: smooth}
	return op.Forward(pred, target)
}
