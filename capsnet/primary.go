package capsnet

import (
	"errors"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/openfluke/capsnet/nn"
)

// PrimaryCapsConfig describes a primary capsule layer.
type PrimaryCapsConfig struct {
	InChannels, InHeight, InWidth int

	CapsDim  int // number of parallel convolution units, one per capsule component
	Channels int // filters per unit
	Kernel   int
	Stride   int

	// NumCaps must equal Channels·h·w of a unit's output.
	NumCaps int

	Parallel int
}

// PrimaryCaps converts a feature map into the first capsule layer. Each of
// the CapsDim convolution units produces one component of every capsule;
// the units are stacked to [batch, dim, caps], transposed to
// [batch, caps, dim] and squashed.
type PrimaryCaps struct {
	NumCaps int
	CapsDim int

	units    []nn.LayerConfig
	weights  []*nn.Param
	biases   []*nn.Param
	parallel int

	// forward cache
	batch  int
	input  []float32
	pre    [][]float32
	stackT []float32 // pre-squash [batch, caps, dim]
}

func NewPrimaryCaps(rng *rand.Rand, cfg PrimaryCapsConfig) (*PrimaryCaps, error) {
	if cfg.CapsDim <= 0 || cfg.Channels <= 0 || cfg.Kernel <= 0 || cfg.Stride <= 0 {
		return nil, fmt.Errorf("%w: primary caps dim %d channels %d kernel %d stride %d",
			ErrInvalidConfig, cfg.CapsDim, cfg.Channels, cfg.Kernel, cfg.Stride)
	}
	if cfg.Kernel > cfg.InHeight || cfg.Kernel > cfg.InWidth {
		return nil, fmt.Errorf("%w: primary kernel %d larger than %dx%d feature map",
			ErrInvalidConfig, cfg.Kernel, cfg.InHeight, cfg.InWidth)
	}

	p := &PrimaryCaps{NumCaps: cfg.NumCaps, CapsDim: cfg.CapsDim, parallel: max(cfg.Parallel, 1)}
	for u := range cfg.CapsDim {
		layer := nn.InitConv2DLayer(rng, cfg.InHeight, cfg.InWidth, cfg.InChannels, cfg.Kernel, cfg.Stride, 0, cfg.Channels, nn.ActivationLinear)
		if u == 0 && layer.OutputElements() != cfg.NumCaps {
			return nil, fmt.Errorf("%w: %d primary capsules requested but units produce %d (%dx%dx%d)",
				ErrInvalidConfig, cfg.NumCaps, layer.OutputElements(), layer.Filters, layer.OutputHeight, layer.OutputWidth)
		}
		p.units = append(p.units, layer)
	}
	for u := range p.units {
		w, b := p.units[u].Params(fmt.Sprintf("primary.%d", u))
		p.weights = append(p.weights, w)
		p.biases = append(p.biases, b)
	}
	return p, nil
}

func (p *PrimaryCaps) Parameters() []*nn.Param {
	params := make([]*nn.Param, 0, 2*len(p.units))
	for u := range p.units {
		params = append(params, p.weights[u], p.biases[u])
	}
	return params
}

// Forward maps x [batch, C, H, W] to squashed capsules [batch, NumCaps, CapsDim].
func (p *PrimaryCaps) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	first := &p.units[0]
	if err := x.CheckShape(-1, first.InputChannels, first.InputHeight, first.InputWidth); err != nil {
		return nil, fmt.Errorf("primary caps input: %w", err)
	}
	batch := x.Shape[0]
	caps, dim := p.NumCaps, p.CapsDim

	pre := make([][]float32, dim)
	post := make([][]float32, dim)
	var g errgroup.Group
	g.SetLimit(p.parallel)
	for u := range p.units {
		g.Go(func() error {
			var err error
			pre[u], post[u], err = convForwardParallel(&p.units[u], x.Data, batch, 1)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// [dim][batch][caps] -> [batch][caps][dim]
	stackT := make([]float32, batch*caps*dim)
	for u := range dim {
		for b := range batch {
			src := post[u][b*caps : (b+1)*caps]
			for i, val := range src {
				stackT[(b*caps+i)*dim+u] = val
			}
		}
	}

	out := make([]float32, len(stackT))
	for off := 0; off < len(out); off += dim {
		squashInto(out[off:off+dim], stackT[off:off+dim])
	}

	p.batch, p.input, p.pre, p.stackT = batch, x.Data, pre, stackT
	return nn.NewTensorFromSlice(out, batch, caps, dim), nil
}

// Backward takes dL/du [batch, NumCaps, CapsDim], accumulates the unit
// gradients and returns dL/dx.
func (p *PrimaryCaps) Backward(grad *nn.Tensor) (*nn.Tensor, error) {
	if p.stackT == nil {
		return nil, errors.New("primary caps backward called before forward")
	}
	if err := grad.CheckShape(p.batch, p.NumCaps, p.CapsDim); err != nil {
		return nil, fmt.Errorf("primary caps grad: %w", err)
	}
	batch, caps, dim := p.batch, p.NumCaps, p.CapsDim

	gStack := make([]float32, len(p.stackT))
	for off := 0; off < len(gStack); off += dim {
		copy(gStack[off:off+dim], squashBackward(p.stackT[off:off+dim], grad.Data[off:off+dim]))
	}

	first := &p.units[0]
	gIns := make([][]float32, dim)
	var g errgroup.Group
	g.SetLimit(p.parallel)
	for u := range p.units {
		g.Go(func() error {
			gUnit := make([]float32, batch*caps)
			for b := range batch {
				for i := range caps {
					gUnit[b*caps+i] = gStack[(b*caps+i)*dim+u]
				}
			}
			var err error
			gIns[u], err = convBackwardParallel(&p.units[u], gUnit, p.input, p.pre[u], batch, 1, p.weights[u], p.biases[u])
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	gIn := make([]float32, len(p.input))
	for _, gi := range gIns {
		for k, v := range gi {
			gIn[k] += v
		}
	}
	return nn.NewTensorFromSlice(gIn, batch, first.InputChannels, first.InputHeight, first.InputWidth), nil
}
