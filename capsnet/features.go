package capsnet

import (
	"errors"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/openfluke/capsnet/nn"
)

// FeatureExtractor turns raw images [batch, C, H, W] into a feature map
// consumed by the primary capsule layer.
type FeatureExtractor interface {
	Forward(x *nn.Tensor) (*nn.Tensor, error)
	Backward(grad *nn.Tensor) (*nn.Tensor, error)
	Parameters() []*nn.Param
	// OutputShape is the per-sample shape of Forward's result.
	OutputShape() []int
}

// ConvStem is a single ReLU convolution, the default feature extractor.
type ConvStem struct {
	layer    nn.LayerConfig
	weight   *nn.Param
	bias     *nn.Param
	parallel int

	input, pre []float32
	batch      int
}

// NewConvStem builds a stride-1 convolution with filters kernel×kernel
// filters over [channels, height, width] inputs.
func NewConvStem(rng *rand.Rand, channels, height, width, kernel, filters, parallel int) (*ConvStem, error) {
	if kernel <= 0 || filters <= 0 {
		return nil, fmt.Errorf("%w: conv kernel %d filters %d", ErrInvalidConfig, kernel, filters)
	}
	if kernel > height || kernel > width {
		return nil, fmt.Errorf("%w: conv kernel %d larger than %dx%d input", ErrInvalidConfig, kernel, height, width)
	}
	layer := nn.InitConv2DLayer(rng, height, width, channels, kernel, 1, 0, filters, nn.ActivationReLU)
	stem := &ConvStem{layer: layer, parallel: max(parallel, 1)}
	stem.weight, stem.bias = stem.layer.Params("conv1")
	return stem, nil
}

func (c *ConvStem) OutputShape() []int {
	return []int{c.layer.Filters, c.layer.OutputHeight, c.layer.OutputWidth}
}

func (c *ConvStem) Parameters() []*nn.Param {
	return []*nn.Param{c.weight, c.bias}
}

func (c *ConvStem) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	if err := x.CheckShape(-1, c.layer.InputChannels, c.layer.InputHeight, c.layer.InputWidth); err != nil {
		return nil, fmt.Errorf("conv stem input: %w", err)
	}
	batch := x.Shape[0]
	pre, post, err := convForwardParallel(&c.layer, x.Data, batch, c.parallel)
	if err != nil {
		return nil, err
	}
	c.input, c.pre, c.batch = x.Data, pre, batch
	return nn.NewTensorFromSlice(post, append([]int{batch}, c.OutputShape()...)...), nil
}

func (c *ConvStem) Backward(grad *nn.Tensor) (*nn.Tensor, error) {
	if c.pre == nil {
		return nil, errors.New("conv stem backward called before forward")
	}
	shape := append([]int{c.batch}, c.OutputShape()...)
	if err := grad.CheckShape(shape...); err != nil {
		return nil, fmt.Errorf("conv stem grad: %w", err)
	}
	gIn, err := convBackwardParallel(&c.layer, grad.Data, c.input, c.pre, c.batch, c.parallel, c.weight, c.bias)
	if err != nil {
		return nil, err
	}
	return nn.NewTensorFromSlice(gIn, c.batch, c.layer.InputChannels, c.layer.InputHeight, c.layer.InputWidth), nil
}

// convForwardParallel runs a convolution one sample per goroutine.
func convForwardParallel(layer *nn.LayerConfig, input []float32, batch, parallel int) (pre, post []float32, err error) {
	inSize, outSize := layer.InputElements(), layer.OutputElements()
	pre = make([]float32, batch*outSize)
	post = make([]float32, batch*outSize)

	var g errgroup.Group
	g.SetLimit(parallel)
	for b := range batch {
		g.Go(func() error {
			p, q := nn.Conv2DForward(input[b*inSize:(b+1)*inSize], layer, 1)
			copy(pre[b*outSize:], p)
			copy(post[b*outSize:], q)
			return nil
		})
	}
	return pre, post, g.Wait()
}

// convBackwardParallel returns the input gradient and accumulates kernel and
// bias gradients into weight and bias.
func convBackwardParallel(layer *nn.LayerConfig, grad, input, pre []float32, batch, parallel int, weight, bias *nn.Param) ([]float32, error) {
	inSize, outSize := layer.InputElements(), layer.OutputElements()
	gIn := make([]float32, batch*inSize)
	gKernels := make([][]float32, batch)
	gBiases := make([][]float32, batch)

	var g errgroup.Group
	g.SetLimit(parallel)
	for b := range batch {
		g.Go(func() error {
			gi, gk, gb := nn.Conv2DBackward(grad[b*outSize:(b+1)*outSize], input[b*inSize:(b+1)*inSize], pre[b*outSize:(b+1)*outSize], layer, 1)
			copy(gIn[b*inSize:], gi)
			gKernels[b], gBiases[b] = gk, gb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for b := range batch {
		if err := weight.Accumulate(gKernels[b]); err != nil {
			return nil, err
		}
		if err := bias.Accumulate(gBiases[b]); err != nil {
			return nil, err
		}
	}
	return gIn, nil
}
