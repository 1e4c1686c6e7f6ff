package training

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-unet/tensor"
)

// Optimizer interface for all optimizers
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float64 // First moment estimates
	v           map[*tensor.Tensor][]float64 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float64),
		v:           make(map[*tensor.Tensor][]float64),
	}

	for _, param := range parameters {
		if param.RequiresGrad() {
			adam.m[param] = make([]float64, param.NumElems)
			adam.v[param] = make([]float64, param.NumElems)
		}
	}

	return adam
}

// NewDefaultAdam uses β1 0.9, β2 0.999, ε 1e-8 and no weight decay
func NewDefaultAdam(parameters []*tensor.Tensor, lr float64) *Adam {
	return NewAdam(parameters, lr, 0.9, 0.999, 1e-8, 0)
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		grad := param.Grad()
		if grad.NumElems != param.NumElems {
			return errors.Errorf("gradient shape %v does not match parameter %v", grad.Shape, param.Shape)
		}

		m, v := adam.m[param], adam.v[param]
		if m == nil || v == nil {
			m = make([]float64, param.NumElems)
			v = make([]float64, param.NumElems)
			adam.m[param] = m
			adam.v[param] = v
		}

		for i, g32 := range grad.Data {
			g := float64(g32)
			if adam.weightDecay > 0 {
				g += adam.weightDecay * float64(param.Data[i])
			}

			m[i] = adam.beta1*m[i] + (1-adam.beta1)*g
			v[i] = adam.beta2*v[i] + (1-adam.beta2)*g*g

			mHat := m[i] / bias1
			vHat := v[i] / bias2
			param.Data[i] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}
