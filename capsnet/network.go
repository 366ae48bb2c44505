// Package capsnet implements a capsule network with dynamic routing by
// agreement: a convolutional stem, a primary capsule layer, a routing layer
// to one capsule per class, the margin loss and an optional reconstruction
// decoder used as a regularizer.
package capsnet

import (
	"fmt"
	"log/slog"
	"math/rand"
	"slices"

	"github.com/openfluke/capsnet/envconfig"
	"github.com/openfluke/capsnet/nn"
)

// Config holds the architecture and runtime settings of a Network.
type Config struct {
	InputChannels int
	InputHeight   int
	InputWidth    int

	ConvChannels int
	ConvKernel   int

	PrimaryCapsDim  int // convolution units, one per capsule component
	PrimaryChannels int
	PrimaryKernel   int
	PrimaryStride   int
	NumPrimaryCaps  int

	NumClasses    int
	OutputCapsDim int

	DecoderHidden []int

	RoutingIters int
	Reconstruct  bool

	// Device is a GPU adapter index, or DeviceCPU.
	Device   int
	Parallel int

	WeightInitStd float32
	Seed          int64
}

// DefaultConfig returns the 28×28 single-channel reference architecture:
// 256 9×9 conv filters, 32×6×6 primary capsules of dimension 8 and ten
// 16-dimensional class capsules. Routing iterations, device, parallelism
// and reconstruction are taken from envconfig.
func DefaultConfig() Config {
	return Config{
		InputChannels:   1,
		InputHeight:     28,
		InputWidth:      28,
		ConvChannels:    256,
		ConvKernel:      9,
		PrimaryCapsDim:  8,
		PrimaryChannels: 32,
		PrimaryKernel:   9,
		PrimaryStride:   2,
		NumPrimaryCaps:  32 * 6 * 6,
		NumClasses:      10,
		OutputCapsDim:   16,
		DecoderHidden:   []int{512, 1024},
		RoutingIters:    envconfig.RoutingIters,
		Reconstruct:     !envconfig.NoReconstruct,
		Device:          envconfig.Device,
		Parallel:        envconfig.NumParallel,
		WeightInitStd:   0.01,
		Seed:            1,
	}
}

// PrimaryGrid returns the spatial size of one primary capsule unit's output
// for the default convolutional stem.
func (c Config) PrimaryGrid() (h, w int) {
	convH := c.InputHeight - c.ConvKernel + 1
	convW := c.InputWidth - c.ConvKernel + 1
	return (convH-c.PrimaryKernel)/c.PrimaryStride + 1, (convW-c.PrimaryKernel)/c.PrimaryStride + 1
}

// Validate checks the settings that do not depend on the feature extractor.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"input channels", c.InputChannels},
		{"input height", c.InputHeight},
		{"input width", c.InputWidth},
		{"primary caps dim", c.PrimaryCapsDim},
		{"primary channels", c.PrimaryChannels},
		{"primary kernel", c.PrimaryKernel},
		{"primary stride", c.PrimaryStride},
		{"primary caps", c.NumPrimaryCaps},
		{"classes", c.NumClasses},
		{"output caps dim", c.OutputCapsDim},
		{"routing iterations", c.RoutingIters},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}
	if c.Device < DeviceCPU {
		return fmt.Errorf("%w: device %d", ErrInvalidConfig, c.Device)
	}
	if c.WeightInitStd < 0 {
		return fmt.Errorf("%w: negative weight init std %v", ErrInvalidConfig, c.WeightInitStd)
	}
	return nil
}

// Option customizes a Network at construction.
type Option func(*options)

type options struct {
	features FeatureExtractor
	decoder  Decoder
	backend  Backend
	observer RoutingObserver
}

// WithFeatureExtractor replaces the default convolutional stem. Its output
// must be a [C, H, W] feature map.
func WithFeatureExtractor(fe FeatureExtractor) Option {
	return func(o *options) { o.features = fe }
}

// WithDecoder replaces the default dense decoder. Ignored when
// Config.Reconstruct is false.
func WithDecoder(d Decoder) Option {
	return func(o *options) { o.decoder = d }
}

// WithBackend overrides the backend selected by Config.Device.
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

func WithObserver(obs RoutingObserver) Option {
	return func(o *options) { o.observer = obs }
}

// Network composes feature extractor, primary capsules, dynamic routing and
// optional decoder. It caches activations between Forward and Backward and
// is not safe for concurrent use.
type Network struct {
	cfg Config

	features FeatureExtractor
	primary  *PrimaryCaps
	router   *Router
	decoder  Decoder

	// set by Reconstruct
	mask *nn.Tensor
}

// New builds a network. The compute backend is chosen once from
// cfg.Device; a GPU that cannot be opened is an error.
func New(cfg Config, opts ...Option) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	n := &Network{cfg: cfg}

	n.features = o.features
	if n.features == nil {
		stem, err := NewConvStem(rng, cfg.InputChannels, cfg.InputHeight, cfg.InputWidth, cfg.ConvKernel, cfg.ConvChannels, cfg.Parallel)
		if err != nil {
			return nil, err
		}
		n.features = stem
	}

	fm := n.features.OutputShape()
	if len(fm) != 3 {
		return nil, fmt.Errorf("%w: feature extractor output %v is not [C, H, W]", ErrInvalidConfig, fm)
	}
	primary, err := NewPrimaryCaps(rng, PrimaryCapsConfig{
		InChannels: fm[0],
		InHeight:   fm[1],
		InWidth:    fm[2],
		CapsDim:    cfg.PrimaryCapsDim,
		Channels:   cfg.PrimaryChannels,
		Kernel:     cfg.PrimaryKernel,
		Stride:     cfg.PrimaryStride,
		NumCaps:    cfg.NumPrimaryCaps,
		Parallel:   cfg.Parallel,
	})
	if err != nil {
		return nil, err
	}
	n.primary = primary

	backend := o.backend
	if backend == nil {
		backend, err = NewBackend(cfg.Device, cfg.Parallel)
		if err != nil {
			return nil, fmt.Errorf("select backend: %w", err)
		}
	}
	slog.Info("capsnet backend", "name", backend.Name(), "device", cfg.Device)

	n.router, err = NewRouter(RouterConfig{
		NumInput:   cfg.NumPrimaryCaps,
		InputDim:   cfg.PrimaryCapsDim,
		NumOutput:  cfg.NumClasses,
		OutputDim:  cfg.OutputCapsDim,
		Iterations: cfg.RoutingIters,
		InitStd:    cfg.WeightInitStd,
		Parallel:   cfg.Parallel,
	}, rng, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	if o.observer != nil {
		n.router.SetObserver(o.observer)
	}

	if cfg.Reconstruct {
		n.decoder = o.decoder
		if n.decoder == nil {
			n.decoder, err = NewDenseDecoder(rng, cfg.NumClasses*cfg.OutputCapsDim, cfg.DecoderHidden,
				cfg.InputChannels, cfg.InputHeight, cfg.InputWidth)
			if err != nil {
				backend.Close()
				return nil, err
			}
		}
	}

	slog.Debug("capsnet network",
		"input", []int{cfg.InputChannels, cfg.InputHeight, cfg.InputWidth},
		"features", fm,
		"primary_caps", cfg.NumPrimaryCaps,
		"primary_dim", cfg.PrimaryCapsDim,
		"classes", cfg.NumClasses,
		"class_dim", cfg.OutputCapsDim,
		"routing_iters", cfg.RoutingIters,
		"reconstruct", cfg.Reconstruct,
		"parameters", nn.CountParams(n.Parameters()))
	return n, nil
}

func (n *Network) Config() Config {
	return n.cfg
}

func (n *Network) Router() *Router {
	return n.router
}

// Forward maps images [batch, C, H, W] to class capsules
// [batch, NumClasses, OutputCapsDim].
func (n *Network) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	if err := x.CheckShape(-1, n.cfg.InputChannels, n.cfg.InputHeight, n.cfg.InputWidth); err != nil {
		return nil, fmt.Errorf("network input: %w", err)
	}
	features, err := n.features.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	u, err := n.primary.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("primary caps: %w", err)
	}
	v, err := n.router.Forward(u)
	if err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}
	return v, nil
}

// Reconstruct decodes the longest capsule of each sample of v back to an
// image [batch, C, H, W].
func (n *Network) Reconstruct(v *nn.Tensor) (*nn.Tensor, error) {
	if n.decoder == nil {
		return nil, ErrReconstructionDisabled
	}
	if err := v.CheckShape(-1, n.cfg.NumClasses, n.cfg.OutputCapsDim); err != nil {
		return nil, fmt.Errorf("reconstruct: %w", err)
	}
	masked, mask, err := MaskWinners(v)
	if err != nil {
		return nil, err
	}
	n.mask = mask

	batch := v.Shape[0]
	recon, err := n.decoder.Forward(masked.Reshape(batch, n.cfg.NumClasses*n.cfg.OutputCapsDim))
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	return recon, nil
}

func (n *Network) MarginLoss(v, target *nn.Tensor, reduction Reduction) (float64, error) {
	return MarginLoss(v, target, reduction)
}

// ReconstructionLoss reconstructs v and compares it with images.
func (n *Network) ReconstructionLoss(images, v *nn.Tensor, reduction Reduction) (float64, error) {
	recon, err := n.Reconstruct(v)
	if err != nil {
		return 0, err
	}
	return ReconstructionLoss(recon, images, reduction)
}

// Loss returns the margin loss of v against the one-hot target plus, when
// reconstruction is enabled, the weighted reconstruction loss.
func (n *Network) Loss(images, v, target *nn.Tensor, reduction Reduction) (LossResult, error) {
	var res LossResult
	var err error
	res.Margin, err = MarginLoss(v, target, reduction)
	if err != nil {
		return LossResult{}, err
	}
	if n.decoder != nil {
		res.Reconstruction, err = n.ReconstructionLoss(images, v, reduction)
		if err != nil {
			return LossResult{}, err
		}
	}
	res.Total = res.Margin + res.Reconstruction
	return res, nil
}

// Backward runs a forward pass on images, computes the loss against target
// and accumulates the gradient of the total loss into every parameter.
// Gradients are not cleared first; call ZeroGrad between steps.
func (n *Network) Backward(images, target *nn.Tensor, reduction Reduction) (LossResult, error) {
	v, err := n.Forward(images)
	if err != nil {
		return LossResult{}, err
	}

	var res LossResult
	res.Margin, err = MarginLoss(v, target, reduction)
	if err != nil {
		return LossResult{}, err
	}
	gV, err := marginLossGrad(v, target, reduction)
	if err != nil {
		return LossResult{}, err
	}

	if n.decoder != nil {
		recon, err := n.Reconstruct(v)
		if err != nil {
			return LossResult{}, err
		}
		res.Reconstruction, err = ReconstructionLoss(recon, images, reduction)
		if err != nil {
			return LossResult{}, err
		}
		gRecon, err := reconstructionLossGrad(recon, images, reduction)
		if err != nil {
			return LossResult{}, err
		}
		gMasked, err := n.decoder.Backward(gRecon)
		if err != nil {
			return LossResult{}, fmt.Errorf("decoder backward: %w", err)
		}
		// The winner selection is piecewise constant, so only the kept
		// capsule receives gradient.
		d := n.cfg.OutputCapsDim
		for idx, keep := range n.mask.Data {
			if keep == 0 {
				continue
			}
			for k := range d {
				gV.Data[idx*d+k] += keep * gMasked.Data[idx*d+k]
			}
		}
	}
	res.Total = res.Margin + res.Reconstruction

	gU, err := n.router.Backward(gV)
	if err != nil {
		return LossResult{}, err
	}
	gFeat, err := n.primary.Backward(gU)
	if err != nil {
		return LossResult{}, err
	}
	if _, err := n.features.Backward(gFeat); err != nil {
		return LossResult{}, fmt.Errorf("features backward: %w", err)
	}
	return res, nil
}

// Parameters returns every trainable parameter, feature extractor first.
func (n *Network) Parameters() []*nn.Param {
	params := slices.Clone(n.features.Parameters())
	params = append(params, n.primary.Parameters()...)
	params = append(params, n.router.Parameters()...)
	if n.decoder != nil {
		params = append(params, n.decoder.Parameters()...)
	}
	return params
}

func (n *Network) ZeroGrad() {
	nn.ZeroGrads(n.Parameters())
}

// Close releases the compute backend.
func (n *Network) Close() error {
	if n.router == nil {
		return nil
	}
	return n.router.backend.Close()
}

// Predict returns the winning class of every sample in images.
func (n *Network) Predict(images *nn.Tensor) ([]int, error) {
	v, err := n.Forward(images)
	if err != nil {
		return nil, err
	}
	return Winners(v)
}
