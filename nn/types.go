package nn

// ActivationType defines the activation function used in a layer
type ActivationType int

const (
	ActivationScaledReLU ActivationType = 0 // v * 1.1, then ReLU
	ActivationSigmoid    ActivationType = 1 // 1 / (1 + exp(-v))
	ActivationTanh       ActivationType = 2 // tanh(v)
	ActivationSoftplus   ActivationType = 3 // log(1 + exp(v))
	ActivationLeakyReLU  ActivationType = 4 // v if v >= 0, else v * 0.1
	ActivationReLU       ActivationType = 5 // max(0, v)
	ActivationLinear     ActivationType = 6 // identity
)

func (a ActivationType) String() string {
	switch a {
	case ActivationScaledReLU:
		return "scaled_relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	case ActivationSoftplus:
		return "softplus"
	case ActivationLeakyReLU:
		return "leaky_relu"
	case ActivationReLU:
		return "relu"
	case ActivationLinear:
		return "linear"
	default:
		return "unknown"
	}
}

// LayerType defines the type of neural network layer
type LayerType int

const (
	LayerDense  LayerType = 0 // Dense/Fully-connected layer (element-wise activation)
	LayerConv2D LayerType = 1 // 2D Convolutional layer
)

func (t LayerType) String() string {
	switch t {
	case LayerDense:
		return "dense"
	case LayerConv2D:
		return "conv2d"
	default:
		return "unknown"
	}
}

// LayerConfig holds the configuration and weights of a single layer
type LayerConfig struct {
	Type       LayerType
	Activation ActivationType

	// Dense specific parameters
	InputSize  int
	OutputSize int

	// Conv2D specific parameters
	KernelSize int // Size of convolution kernel (e.g., 9 for 9x9)
	Stride     int // Stride for convolution
	Padding    int // Padding for convolution
	Filters    int // Number of output filters/channels

	// Shape information (for Conv2D)
	InputHeight   int
	InputWidth    int
	InputChannels int
	OutputHeight  int
	OutputWidth   int

	// Conv2D: [filters][inChannels][kernelH][kernelW]
	// Dense:   [inputSize][outputSize]
	Kernel []float32
	Bias   []float32 // [filters] or [outputSize]
}

// OutputElements returns the per-sample output size of the layer.
func (c *LayerConfig) OutputElements() int {
	if c.Type == LayerConv2D {
		return c.Filters * c.OutputHeight * c.OutputWidth
	}
	return c.OutputSize
}

// InputElements returns the per-sample input size of the layer.
func (c *LayerConfig) InputElements() int {
	if c.Type == LayerConv2D {
		return c.InputChannels * c.InputHeight * c.InputWidth
	}
	return c.InputSize
}

// Params exposes the layer weights as trainable parameters named
// prefix.weight and prefix.bias. The returned params share storage with the
// layer.
func (c *LayerConfig) Params(prefix string) (weight, bias *Param) {
	var wShape []int
	if c.Type == LayerConv2D {
		wShape = []int{c.Filters, c.InputChannels, c.KernelSize, c.KernelSize}
	} else {
		wShape = []int{c.InputSize, c.OutputSize}
	}
	weight = NewParam(prefix+".weight", c.Kernel, wShape...)
	bias = NewParam(prefix+".bias", c.Bias, len(c.Bias))
	return weight, bias
}
