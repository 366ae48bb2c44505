package nn

import (
	"math"
)

// activateCPU applies the activation function on CPU
func activateCPU(v float32, activation ActivationType) float32 {
	switch activation {
	case ActivationScaledReLU:
		v = v * 1.1
		if v < 0 {
			v = 0
		}
		return v
	case ActivationSigmoid:
		return 1.0 / (1.0 + float32(math.Exp(float64(-v))))
	case ActivationTanh:
		return float32(math.Tanh(float64(v)))
	case ActivationSoftplus:
		return float32(math.Log(1.0 + math.Exp(float64(v))))
	case ActivationLeakyReLU:
		if v < 0 {
			v = v * 0.1
		}
		return v
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	default:
		return v
	}
}

// activateDerivativeCPU computes the derivative of the activation function
// Note: This computes the derivative with respect to the PRE-activation value
func activateDerivativeCPU(preActivation float32, activation ActivationType) float32 {
	switch activation {
	case ActivationScaledReLU:
		// d/dv (max(0, 1.1*v)) = 1.1 if v > 0, else 0
		if preActivation > 0 {
			return 1.1
		}
		return 0
	case ActivationSigmoid:
		sig := 1.0 / (1.0 + float32(math.Exp(float64(-preActivation))))
		return sig * (1.0 - sig)
	case ActivationTanh:
		t := float32(math.Tanh(float64(preActivation)))
		return 1.0 - t*t
	case ActivationSoftplus:
		// d/dv log(1 + e^v) = sigmoid(v)
		return 1.0 / (1.0 + float32(math.Exp(float64(-preActivation))))
	case ActivationLeakyReLU:
		if preActivation >= 0 {
			return 1.0
		}
		return 0.1
	case ActivationReLU:
		if preActivation > 0 {
			return 1.0
		}
		return 0
	default:
		return 1.0
	}
}

// Activate applies an activation function to a single value.
func Activate(v float32, activation ActivationType) float32 {
	return activateCPU(v, activation)
}
