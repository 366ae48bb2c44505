package capsnet

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/openfluke/capsnet/nn"
)

// Decoder reconstructs images [batch, C, H, W] from masked capsules
// flattened to [batch, M·D].
type Decoder interface {
	Forward(masked *nn.Tensor) (*nn.Tensor, error)
	Backward(grad *nn.Tensor) (*nn.Tensor, error)
	Parameters() []*nn.Param
}

// DenseDecoder is a stack of ReLU dense layers followed by a sigmoid layer
// sized to the image.
type DenseDecoder struct {
	layers []nn.LayerConfig
	params []*nn.Param
	image  []int // C, H, W

	batch   int
	inputs  [][]float32
	preActs [][]float32
}

// NewDenseDecoder builds in → hidden... → C·H·W.
func NewDenseDecoder(rng *rand.Rand, in int, hidden []int, channels, height, width int) (*DenseDecoder, error) {
	if in <= 0 || channels <= 0 || height <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: decoder input %d image %dx%dx%d", ErrInvalidConfig, in, channels, height, width)
	}
	d := &DenseDecoder{image: []int{channels, height, width}}

	prev := in
	for _, h := range hidden {
		if h <= 0 {
			return nil, fmt.Errorf("%w: decoder hidden size %d", ErrInvalidConfig, h)
		}
		d.layers = append(d.layers, nn.InitDenseLayer(rng, prev, h, nn.ActivationReLU))
		prev = h
	}
	d.layers = append(d.layers, nn.InitDenseLayer(rng, prev, channels*height*width, nn.ActivationSigmoid))

	for i := range d.layers {
		w, b := d.layers[i].Params(fmt.Sprintf("decoder.%d", i))
		d.params = append(d.params, w, b)
	}
	return d, nil
}

func (d *DenseDecoder) Parameters() []*nn.Param {
	return d.params
}

func (d *DenseDecoder) Forward(masked *nn.Tensor) (*nn.Tensor, error) {
	if err := masked.CheckShape(-1, d.layers[0].InputSize); err != nil {
		return nil, fmt.Errorf("decoder input: %w", err)
	}
	batch := masked.Shape[0]

	d.batch = batch
	d.inputs = d.inputs[:0]
	d.preActs = d.preActs[:0]

	x := masked.Data
	for i := range d.layers {
		pre, post := nn.DenseForward(x, &d.layers[i], batch)
		d.inputs = append(d.inputs, x)
		d.preActs = append(d.preActs, pre)
		x = post
	}
	return nn.NewTensorFromSlice(x, batch, d.image[0], d.image[1], d.image[2]), nil
}

// Backward takes dL/dimage and returns dL/dmasked.
func (d *DenseDecoder) Backward(grad *nn.Tensor) (*nn.Tensor, error) {
	if len(d.preActs) == 0 {
		return nil, errors.New("decoder backward called before forward")
	}
	if err := grad.CheckShape(d.batch, d.image[0], d.image[1], d.image[2]); err != nil {
		return nil, fmt.Errorf("decoder grad: %w", err)
	}

	g := grad.Data
	for i := len(d.layers) - 1; i >= 0; i-- {
		gIn, gW, gB := nn.DenseBackward(g, d.inputs[i], d.preActs[i], &d.layers[i], d.batch)
		if err := d.params[2*i].Accumulate(gW); err != nil {
			return nil, err
		}
		if err := d.params[2*i+1].Accumulate(gB); err != nil {
			return nil, err
		}
		g = gIn
	}
	return nn.NewTensorFromSlice(g, d.batch, d.layers[0].InputSize), nil
}
