package tensor

import (
	"fmt"
	"math"
)

// BatchNorm2DOp normalizes each channel of an NCHW tensor. In training mode it
// uses batch statistics and updates the running buffers; otherwise it uses the
// running buffers unchanged.
type BatchNorm2DOp struct {
	inputs      []*Tensor
	runningMean *Tensor
	runningVar  *Tensor
	momentum    float32
	eps         float32
	training    bool

	xhat   []float32
	invStd []float32
}

func (op *BatchNorm2DOp) Inputs() []*Tensor { return op.inputs }

func (op *BatchNorm2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 3 {
		panic("BatchNorm2DOp requires input, gamma and beta")
	}
	x, gamma, beta := inputs[0], inputs[1], inputs[2]
	op.inputs = inputs

	if len(x.Shape) != 4 || x.Shape[1] != gamma.NumElems || x.Shape[1] != beta.NumElems {
		panic(fmt.Sprintf("Forward pass failed: batchnorm shape mismatch input %v gamma %v", x.Shape, gamma.Shape))
	}

	n, c := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	count := n * plane

	result := MustNew(x.Shape, nil)
	op.xhat = make([]float32, x.NumElems)
	op.invStd = make([]float32, c)

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if op.training {
			for i := 0; i < n; i++ {
				for _, v := range x.Data[(i*c+ch)*plane : (i*c+ch+1)*plane] {
					mean += float64(v)
				}
			}
			mean /= float64(count)
			for i := 0; i < n; i++ {
				for _, v := range x.Data[(i*c+ch)*plane : (i*c+ch+1)*plane] {
					d := float64(v) - mean
					variance += d * d
				}
			}
			biased := variance / float64(count)
			unbiased := biased
			if count > 1 {
				unbiased = variance / float64(count-1)
			}
			m := float64(op.momentum)
			op.runningMean.Data[ch] = float32((1-m)*float64(op.runningMean.Data[ch]) + m*mean)
			op.runningVar.Data[ch] = float32((1-m)*float64(op.runningVar.Data[ch]) + m*unbiased)
			variance = biased
		} else {
			mean = float64(op.runningMean.Data[ch])
			variance = float64(op.runningVar.Data[ch])
		}

		inv := float32(1.0 / math.Sqrt(variance+float64(op.eps)))
		op.invStd[ch] = inv
		g, b, mu := gamma.Data[ch], beta.Data[ch], float32(mean)
		for i := 0; i < n; i++ {
			off := (i*c + ch) * plane
			for j := 0; j < plane; j++ {
				xh := (x.Data[off+j] - mu) * inv
				op.xhat[off+j] = xh
				result.Data[off+j] = xh*g + b
			}
		}
	}

	return record(result, op, inputs...)
}

func (op *BatchNorm2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, gamma, beta := op.inputs[0], op.inputs[1], op.inputs[2]
	n, c := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	count := float32(n * plane)

	gradX := MustNew(x.Shape, nil)
	gradGamma := MustNew(gamma.Shape, nil)
	gradBeta := MustNew(beta.Shape, nil)

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float32
		for i := 0; i < n; i++ {
			off := (i*c + ch) * plane
			for j := 0; j < plane; j++ {
				dy := gradOut.Data[off+j]
				sumDy += dy
				sumDyXhat += dy * op.xhat[off+j]
			}
		}
		gradGamma.Data[ch] = sumDyXhat
		gradBeta.Data[ch] = sumDy

		scale := gamma.Data[ch] * op.invStd[ch]
		for i := 0; i < n; i++ {
			off := (i*c + ch) * plane
			for j := 0; j < plane; j++ {
				dy := gradOut.Data[off+j]
				if op.training {
					gradX.Data[off+j] = scale / count * (count*dy - sumDy - op.xhat[off+j]*sumDyXhat)
				} else {
					gradX.Data[off+j] = scale * dy
				}
			}
		}
	}

	return []*Tensor{gradX, gradGamma, gradBeta}
}

// BatchNorm2DAutograd applies batch normalization with automatic differentiation.
// runningMean and runningVar are updated in place when training is true.
func BatchNorm2DAutograd(input, gamma, beta, runningMean, runningVar *Tensor, momentum, eps float32, training bool) *Tensor {
	op := &BatchNorm2DOp{
		runningMean: runningMean,
		runningVar:  runningVar,
		momentum:    momentum,
		eps:         eps,
		training:    training,
	}
	return op.Forward(input, gamma, beta)
}
