package training

import (
	"math"
	"math/rand"
	"strconv"

	"github.com/pkg/errors"

	"github.com/tsawler/go-unet/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Mode is the two-state trainable/evaluation flag carried by every module.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

func (m Mode) String() string {
	if m == ModeEval {
		return "eval"
	}
	return "train"
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// StateDicter is implemented by modules that carry named state: trainable
// parameters plus buffers such as batch-norm running statistics.
type StateDicter interface {
	StateDict(prefix string) []tensor.Named
}

// CountParameters returns the number of trainable scalars in m.
func CountParameters(m Module) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.NumElems
	}
	return total
}

// param returns p for use in a forward pass. In eval mode the parameter is
// detached so the forward pass records no graph.
func param(p *tensor.Tensor, mode Mode) *tensor.Tensor {
	if p == nil || mode == ModeTrain {
		return p
	}
	return p.Detach()
}

func xavierUniform(shape []int, fanIn, fanOut int) (*tensor.Tensor, error) {
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	w, err := tensor.Uniform(shape, bound, globalRng)
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)
	return w, nil
}

func zeroParam(n int) (*tensor.Tensor, error) {
	b, err := tensor.Zeros([]int{n})
	if err != nil {
		return nil, err
	}
	b.SetRequiresGrad(true)
	return b, nil
}

func checkNCHW(input *tensor.Tensor, channels int, layer string) error {
	if len(input.Shape) != 4 {
		return errors.Errorf("%s expects NCHW input, got shape %v", layer, input.Shape)
	}
	if input.Shape[1] != channels {
		return errors.Errorf("%s expects %d input channels, got %d", layer, channels, input.Shape[1])
	}
	return nil
}

// ReLU implements the ReLU activation function as a module
type ReLU struct {
	mode Mode
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input), nil
}

func (r *ReLU) Parameters() []*tensor.Tensor { return nil }
func (r *ReLU) Train()                       { r.mode = ModeTrain }
func (r *ReLU) Eval()                        { r.mode = ModeEval }
func (r *ReLU) IsTraining() bool             { return r.mode == ModeTrain }

// Sigmoid squashes logits into (0, 1)
type Sigmoid struct {
	mode Mode
}

func NewSigmoid() *Sigmoid {
	return &Sigmoid{}
}

func (s *Sigmoid) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SigmoidAutograd(input), nil
}

func (s *Sigmoid) Parameters() []*tensor.Tensor { return nil }
func (s *Sigmoid) Train()                       { s.mode = ModeTrain }
func (s *Sigmoid) Eval()                        { s.mode = ModeEval }
func (s *Sigmoid) IsTraining() bool             { return s.mode == ModeTrain }

// Conv2D implements a 2D convolutional layer
type Conv2D struct {
	weight  *tensor.Tensor // [out, in, k, k]
	bias    *tensor.Tensor
	inputCh int
	stride  int
	padding int
	mode    Mode
}

// NewConv2D creates a new Conv2D layer
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) (*Conv2D, error) {
	fanIn := inputChannels * kernelSize * kernelSize
	fanOut := outputChannels * kernelSize * kernelSize
	weight, err := xavierUniform([]int{outputChannels, inputChannels, kernelSize, kernelSize}, fanIn, fanOut)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conv2d weight tensor")
	}

	c := &Conv2D{
		weight:  weight,
		inputCh: inputChannels,
		stride:  stride,
		padding: padding,
	}
	if bias {
		c.bias, err = zeroParam(outputChannels)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create conv2d bias tensor")
		}
	}
	return c, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkNCHW(input, c.inputCh, "conv2d"); err != nil {
		return nil, err
	}
	return tensor.Conv2DAutograd(input, param(c.weight, c.mode), param(c.bias, c.mode), c.stride, c.padding), nil
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	if c.bias != nil {
		return []*tensor.Tensor{c.weight, c.bias}
	}
	return []*tensor.Tensor{c.weight}
}

func (c *Conv2D) StateDict(prefix string) []tensor.Named {
	state := []tensor.Named{{Name: prefix + "weight", Tensor: c.weight}}
	if c.bias != nil {
		state = append(state, tensor.Named{Name: prefix + "bias", Tensor: c.bias})
	}
	return state
}

func (c *Conv2D) Train()           { c.mode = ModeTrain }
func (c *Conv2D) Eval()            { c.mode = ModeEval }
func (c *Conv2D) IsTraining() bool { return c.mode == ModeTrain }

// ConvTranspose2D upsamples with a learned transposed convolution
type ConvTranspose2D struct {
	weight  *tensor.Tensor // [in, out, k, k]
	bias    *tensor.Tensor
	inputCh int
	stride  int
	mode    Mode
}

// NewConvTranspose2D creates a transposed convolution without padding
func NewConvTranspose2D(inputChannels, outputChannels, kernelSize, stride int) (*ConvTranspose2D, error) {
	fanIn := outputChannels * kernelSize * kernelSize
	fanOut := inputChannels * kernelSize * kernelSize
	weight, err := xavierUniform([]int{inputChannels, outputChannels, kernelSize, kernelSize}, fanIn, fanOut)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conv_transpose2d weight tensor")
	}
	bias, err := zeroParam(outputChannels)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conv_transpose2d bias tensor")
	}

	return &ConvTranspose2D{
		weight:  weight,
		bias:    bias,
		inputCh: inputChannels,
		stride:  stride,
	}, nil
}

func (c *ConvTranspose2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkNCHW(input, c.inputCh, "conv_transpose2d"); err != nil {
		return nil, err
	}
	return tensor.ConvTranspose2DAutograd(input, param(c.weight, c.mode), param(c.bias, c.mode), c.stride), nil
}

func (c *ConvTranspose2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.weight, c.bias}
}

func (c *ConvTranspose2D) StateDict(prefix string) []tensor.Named {
	return []tensor.Named{
		{Name: prefix + "weight", Tensor: c.weight},
		{Name: prefix + "bias", Tensor: c.bias},
	}
}

func (c *ConvTranspose2D) Train()           { c.mode = ModeTrain }
func (c *ConvTranspose2D) Eval()            { c.mode = ModeEval }
func (c *ConvTranspose2D) IsTraining() bool { return c.mode == ModeTrain }

// BatchNorm implements 2D batch normalization with running statistics
type BatchNorm struct {
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
	numFeatures int
	eps         float32
	momentum    float32
	mode        Mode
}

// NewBatchNorm creates a new BatchNorm layer
func NewBatchNorm(numFeatures int, eps, momentum float64) (*BatchNorm, error) {
	gamma, err := tensor.Ones([]int{numFeatures})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gamma tensor")
	}
	gamma.SetRequiresGrad(true)

	beta, err := zeroParam(numFeatures)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create beta tensor")
	}

	runningMean, err := tensor.Zeros([]int{numFeatures})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create running mean tensor")
	}
	runningVar, err := tensor.Ones([]int{numFeatures})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create running variance tensor")
	}

	return &BatchNorm{
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
		numFeatures: numFeatures,
		eps:         float32(eps),
		momentum:    float32(momentum),
	}, nil
}

func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkNCHW(input, bn.numFeatures, "batchnorm"); err != nil {
		return nil, err
	}
	return tensor.BatchNorm2DAutograd(
		input,
		param(bn.gamma, bn.mode),
		param(bn.beta, bn.mode),
		bn.runningMean,
		bn.runningVar,
		bn.momentum,
		bn.eps,
		bn.mode == ModeTrain,
	), nil
}

func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

func (bn *BatchNorm) StateDict(prefix string) []tensor.Named {
	return []tensor.Named{
		{Name: prefix + "weight", Tensor: bn.gamma},
		{Name: prefix + "bias", Tensor: bn.beta},
		{Name: prefix + "running_mean", Tensor: bn.runningMean},
		{Name: prefix + "running_var", Tensor: bn.runningVar},
	}
}

func (bn *BatchNorm) Train()           { bn.mode = ModeTrain }
func (bn *BatchNorm) Eval()            { bn.mode = ModeEval }
func (bn *BatchNorm) IsTraining() bool { return bn.mode == ModeTrain }

// MaxPool2D implements 2D max pooling
type MaxPool2D struct {
	kernelSize int
	stride     int
	mode       Mode
}

// NewMaxPool2D creates a new MaxPool2D layer
func NewMaxPool2D(kernelSize, stride int) *MaxPool2D {
	return &MaxPool2D{kernelSize: kernelSize, stride: stride}
}

func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, errors.Errorf("maxpool2d expects NCHW input, got shape %v", input.Shape)
	}
	if input.Shape[2] < m.kernelSize || input.Shape[3] < m.kernelSize {
		return nil, errors.Errorf("maxpool2d input %v is smaller than kernel %d", input.Shape, m.kernelSize)
	}
	return tensor.MaxPool2DAutograd(input, m.kernelSize, m.stride), nil
}

func (m *MaxPool2D) Parameters() []*tensor.Tensor { return nil }
func (m *MaxPool2D) Train()                       { m.mode = ModeTrain }
func (m *MaxPool2D) Eval()                        { m.mode = ModeEval }
func (m *MaxPool2D) IsTraining() bool             { return m.mode == ModeTrain }

// Sequential is a container for chaining modules
type Sequential struct {
	names   []string
	modules []Module
	mode    Mode
}

// NewSequential creates a new Sequential container. Modules are named by
// their position unless added with AddNamed.
func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{}
	for _, m := range modules {
		s.Add(m)
	}
	return s
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.AddNamed("", module)
}

// AddNamed appends a module under a state-dict name
func (s *Sequential) AddNamed(name string, module Module) {
	s.names = append(s.names, name)
	s.modules = append(s.modules, module)
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	for i, module := range s.modules {
		var err error
		output, err = module.Forward(output)
		if err != nil {
			return nil, errors.Wrapf(err, "forward pass failed at module %d", i)
		}
	}
	return output, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

func (s *Sequential) StateDict(prefix string) []tensor.Named {
	var state []tensor.Named
	for i, module := range s.modules {
		sd, ok := module.(StateDicter)
		if !ok {
			continue
		}
		name := s.names[i]
		if name == "" {
			name = strconv.Itoa(i)
		}
		state = append(state, sd.StateDict(prefix+name+".")...)
	}
	return state
}

func (s *Sequential) Train() {
	s.mode = ModeTrain
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	s.mode = ModeEval
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.mode == ModeTrain }
