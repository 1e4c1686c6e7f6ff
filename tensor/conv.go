package tensor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-unet/memory"
)

// parallelBatch runs one closure per sample index across up to GOMAXPROCS
// goroutines. newWorker is called once per goroutine so each can own its
// scratch buffers.
func parallelBatch(n int, newWorker func() func(i int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn := newWorker()
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var wg sync.WaitGroup
	next := int64(-1)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn := newWorker()
			for {
				i := int(atomic.AddInt64(&next, 1))
				if i >= n {
					return
				}
				fn(i)
			}
		}()
	}
	wg.Wait()
}

func convOutputSize(in, k, stride, pad int) int {
	return (in+2*pad-k)/stride + 1
}

// im2col unrolls every k×k patch of a CHW image into a column. The result has
// c*k*k rows and oh*ow columns.
func im2col(img []float32, c, h, w, k, stride, pad int, col []float32) {
	oh := convOutputSize(h, k, stride, pad)
	ow := convOutputSize(w, k, stride, pad)
	plane := oh * ow

	for ch := 0; ch < c; ch++ {
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := (ch*k+ki)*k + kj
				dst := col[row*plane : (row+1)*plane]
				for y := 0; y < oh; y++ {
					iy := y*stride - pad + ki
					line := dst[y*ow : (y+1)*ow]
					if iy < 0 || iy >= h {
						for x := range line {
							line[x] = 0
						}
						continue
					}
					src := img[(ch*h+iy)*w : (ch*h+iy+1)*w]
					for x := 0; x < ow; x++ {
						ix := x*stride - pad + kj
						if ix < 0 || ix >= w {
							line[x] = 0
						} else {
							line[x] = src[ix]
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it scatters columns back into a CHW image,
// summing where patches overlap. img must be zeroed by the caller.
func col2im(col []float32, c, h, w, k, stride, pad int, img []float32) {
	oh := convOutputSize(h, k, stride, pad)
	ow := convOutputSize(w, k, stride, pad)
	plane := oh * ow

	for ch := 0; ch < c; ch++ {
		for ki := 0; ki < k; ki++ {
			for kj := 0; kj < k; kj++ {
				row := (ch*k+ki)*k + kj
				src := col[row*plane : (row+1)*plane]
				for y := 0; y < oh; y++ {
					iy := y*stride - pad + ki
					if iy < 0 || iy >= h {
						continue
					}
					dst := img[(ch*h+iy)*w : (ch*h+iy+1)*w]
					for x := 0; x < ow; x++ {
						ix := x*stride - pad + kj
						if ix >= 0 && ix < w {
							dst[ix] += src[y*ow+x]
						}
					}
				}
			}
		}
	}
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// sumPartials adds every per-worker buffer into dst.
func sumPartials(dst []float32, partials [][]float32) {
	for _, p := range partials {
		for i, v := range p {
			dst[i] += v
		}
	}
}

// Conv2DOp is a 2D convolution over NCHW input with OIHW weights
type Conv2DOp struct {
	inputs  []*Tensor
	stride  int
	padding int
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 3 {
		panic("Conv2DOp requires input, weight and (possibly nil) bias")
	}
	x, w, b := inputs[0], inputs[1], inputs[2]
	op.inputs = inputs

	if len(x.Shape) != 4 || len(w.Shape) != 4 || x.Shape[1] != w.Shape[1] {
		panic(fmt.Sprintf("Forward pass failed: conv2d shape mismatch input %v weight %v", x.Shape, w.Shape))
	}

	n, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, k := w.Shape[0], w.Shape[2]
	oh := convOutputSize(h, k, op.stride, op.padding)
	ow := convOutputSize(wd, k, op.stride, op.padding)
	if oh <= 0 || ow <= 0 {
		panic(fmt.Sprintf("Forward pass failed: conv2d output would be empty for input %v", x.Shape))
	}

	result := MustNew([]int{n, cout, oh, ow}, nil)
	kk := cin * k * k
	plane := oh * ow
	weight := general(cout, kk, w.Data)

	scratch := memory.NewScratch(nil)
	defer scratch.Release()
	parallelBatch(n, func() func(int) {
		col := scratch.Get(kk * plane)
		return func(i int) {
			im2col(x.Data[i*cin*h*wd:(i+1)*cin*h*wd], cin, h, wd, k, op.stride, op.padding, col)
			out := result.Data[i*cout*plane : (i+1)*cout*plane]
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, weight, general(kk, plane, col), 0, general(cout, plane, out))
			if b != nil {
				for co := 0; co < cout; co++ {
					bias := b.Data[co]
					row := out[co*plane : (co+1)*plane]
					for j := range row {
						row[j] += bias
					}
				}
			}
		}
	})

	return record(result, op, inputs...)
}

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, w, b := op.inputs[0], op.inputs[1], op.inputs[2]
	n, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, k := w.Shape[0], w.Shape[2]
	oh, ow := gradOut.Shape[2], gradOut.Shape[3]
	kk := cin * k * k
	plane := oh * ow
	weight := general(cout, kk, w.Data)

	var gradX *Tensor
	if x.requiresGrad {
		gradX = MustNew(x.Shape, nil)
	}
	gradW := MustNew(w.Shape, nil)

	var mu sync.Mutex
	var partials [][]float32

	scratch := memory.NewScratch(nil)
	defer scratch.Release()
	parallelBatch(n, func() func(int) {
		col := scratch.Get(kk * plane)
		var dcol []float32
		if gradX != nil {
			dcol = scratch.Get(kk * plane)
		}
		dW := make([]float32, cout*kk)
		mu.Lock()
		partials = append(partials, dW)
		mu.Unlock()

		return func(i int) {
			im2col(x.Data[i*cin*h*wd:(i+1)*cin*h*wd], cin, h, wd, k, op.stride, op.padding, col)
			dOut := general(cout, plane, gradOut.Data[i*cout*plane:(i+1)*cout*plane])

			// dW += dOut · colᵀ
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, dOut, general(kk, plane, col), 1, general(cout, kk, dW))

			if gradX != nil {
				// dcol = Wᵀ · dOut
				blas32.Gemm(blas.Trans, blas.NoTrans, 1, weight, dOut, 0, general(kk, plane, dcol))
				col2im(dcol, cin, h, wd, k, op.stride, op.padding, gradX.Data[i*cin*h*wd:(i+1)*cin*h*wd])
			}
		}
	})
	sumPartials(gradW.Data, partials)

	var gradB *Tensor
	if b != nil {
		gradB = MustNew(b.Shape, nil)
		for i := 0; i < n; i++ {
			for co := 0; co < cout; co++ {
				var sum float32
				for _, v := range gradOut.Data[(i*cout+co)*plane : (i*cout+co+1)*plane] {
					sum += v
				}
				gradB.Data[co] += sum
			}
		}
	}

	return []*Tensor{gradX, gradW, gradB}
}

// ConvTranspose2DOp is a transposed convolution with IOHW weights and no padding
type ConvTranspose2DOp struct {
	inputs []*Tensor
	stride int
}

func (op *ConvTranspose2DOp) Inputs() []*Tensor { return op.inputs }

func (op *ConvTranspose2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 3 {
		panic("ConvTranspose2DOp requires input, weight and (possibly nil) bias")
	}
	x, w, b := inputs[0], inputs[1], inputs[2]
	op.inputs = inputs

	if len(x.Shape) != 4 || len(w.Shape) != 4 || x.Shape[1] != w.Shape[0] {
		panic(fmt.Sprintf("Forward pass failed: conv_transpose2d shape mismatch input %v weight %v", x.Shape, w.Shape))
	}

	n, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, k := w.Shape[1], w.Shape[2]
	oh := (h-1)*op.stride + k
	ow := (wd-1)*op.stride + k
	ck := cout * k * k
	plane := h * wd
	outPlane := oh * ow
	weight := general(cin, ck, w.Data)

	result := MustNew([]int{n, cout, oh, ow}, nil)

	scratch := memory.NewScratch(nil)
	defer scratch.Release()
	parallelBatch(n, func() func(int) {
		cols := scratch.Get(ck * plane)
		return func(i int) {
			in := general(cin, plane, x.Data[i*cin*plane:(i+1)*cin*plane])
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, weight, in, 0, general(ck, plane, cols))
			out := result.Data[i*cout*outPlane : (i+1)*cout*outPlane]
			col2im(cols, cout, oh, ow, k, op.stride, 0, out)
			if b != nil {
				for co := 0; co < cout; co++ {
					bias := b.Data[co]
					row := out[co*outPlane : (co+1)*outPlane]
					for j := range row {
						row[j] += bias
					}
				}
			}
		}
	})

	return record(result, op, inputs...)
}

func (op *ConvTranspose2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, w, b := op.inputs[0], op.inputs[1], op.inputs[2]
	n, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, k := w.Shape[1], w.Shape[2]
	oh, ow := gradOut.Shape[2], gradOut.Shape[3]
	ck := cout * k * k
	plane := h * wd
	outPlane := oh * ow
	weight := general(cin, ck, w.Data)

	var gradX *Tensor
	if x.requiresGrad {
		gradX = MustNew(x.Shape, nil)
	}
	gradW := MustNew(w.Shape, nil)

	var mu sync.Mutex
	var partials [][]float32

	scratch := memory.NewScratch(nil)
	defer scratch.Release()
	parallelBatch(n, func() func(int) {
		colY := scratch.Get(ck * plane)
		dW := make([]float32, cin*ck)
		mu.Lock()
		partials = append(partials, dW)
		mu.Unlock()

		return func(i int) {
			im2col(gradOut.Data[i*cout*outPlane:(i+1)*cout*outPlane], cout, oh, ow, k, op.stride, 0, colY)
			cy := general(ck, plane, colY)

			// dW += x · colYᵀ
			in := general(cin, plane, x.Data[i*cin*plane:(i+1)*cin*plane])
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, in, cy, 1, general(cin, ck, dW))

			if gradX != nil {
				// dx = W · colY
				blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, weight, cy, 0, general(cin, plane, gradX.Data[i*cin*plane:(i+1)*cin*plane]))
			}
		}
	})
	sumPartials(gradW.Data, partials)

	var gradB *Tensor
	if b != nil {
		gradB = MustNew(b.Shape, nil)
		for i := 0; i < n; i++ {
			for co := 0; co < cout; co++ {
				var sum float32
				for _, v := range gradOut.Data[(i*cout+co)*outPlane : (i*cout+co+1)*outPlane] {
					sum += v
				}
				gradB.Data[co] += sum
			}
		}
	}

	return []*Tensor{gradX, gradW, gradB}
}

// MaxPool2DOp implements non-overlapping or strided max pooling without padding
type MaxPool2DOp struct {
	inputs     []*Tensor
	kernelSize int
	stride     int
	argmax     []int
}

func (op *MaxPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *MaxPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MaxPool2DOp requires exactly 1 input")
	}
	x := inputs[0]
	op.inputs = inputs

	if len(x.Shape) != 4 {
		panic(fmt.Sprintf("Forward pass failed: maxpool2d expects 4D input, got %v", x.Shape))
	}

	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	k, s := op.kernelSize, op.stride
	oh := convOutputSize(h, k, s, 0)
	ow := convOutputSize(w, k, s, 0)
	if oh <= 0 || ow <= 0 {
		panic(fmt.Sprintf("Forward pass failed: maxpool2d output would be empty for input %v", x.Shape))
	}

	result := MustNew([]int{n, c, oh, ow}, nil)
	op.argmax = make([]int, result.NumElems)

	out := 0
	for nc := 0; nc < n*c; nc++ {
		base := nc * h * w
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				best := base + (y*s)*w + xx*s
				for ki := 0; ki < k; ki++ {
					for kj := 0; kj < k; kj++ {
						idx := base + (y*s+ki)*w + xx*s + kj
						if x.Data[idx] > x.Data[best] {
							best = idx
						}
					}
				}
				result.Data[out] = x.Data[best]
				op.argmax[out] = best
				out++
			}
		}
	}

	return record(result, op, inputs...)
}

func (op *MaxPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	grad := MustNew(op.inputs[0].Shape, nil)
	for i, src := range op.argmax {
		grad.Data[src] += gradOut.Data[i]
	}
	return []*Tensor{grad}
}

// Conv2DAutograd performs 2D convolution with automatic differentiation.
// bias may be nil.
func Conv2DAutograd(input, weight, bias *Tensor, stride, padding int) *Tensor {
	op := &Conv2DOp{stride: stride, padding: padding}
	return op.Forward(input, weight, bias)
}

// ConvTranspose2DAutograd performs a transposed convolution with automatic differentiation.
func ConvTranspose2DAutograd(input, weight, bias *Tensor, stride int) *Tensor {
	op := &ConvTranspose2DOp{stride: stride}
	return op.Forward(input, weight, bias)
}

// MaxPool2DAutograd performs max pooling with automatic differentiation
func MaxPool2DAutograd(input *Tensor, kernelSize, stride int) *Tensor {
	op := &MaxPool2DOp{kernelSize: kernelSize, stride: stride}
	return op.Forward(input)
}
