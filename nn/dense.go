package nn

import (
	"math"
	"math/rand"
)

// InitDenseLayer initializes a dense (fully-connected) layer with
// He-initialized weights drawn from rng and zero biases.
func InitDenseLayer(rng *rand.Rand, inputSize, outputSize int, activation ActivationType) LayerConfig {
	stddev := float32(math.Sqrt(2.0 / float64(inputSize)))

	weights := make([]float32, inputSize*outputSize)
	for i := range weights {
		weights[i] = float32(rng.NormFloat64()) * stddev
	}

	return LayerConfig{
		Type:       LayerDense,
		Activation: activation,
		InputSize:  inputSize,
		OutputSize: outputSize,
		Kernel:     weights,                     // Weight matrix [inputSize * outputSize]
		Bias:       make([]float32, outputSize), // Bias vector [outputSize]
	}
}

// DenseForward performs forward pass for dense layer
// input: [batchSize * inputSize]
// weights: [inputSize * outputSize]
// output: [batchSize * outputSize]
func DenseForward(input []float32, config *LayerConfig, batchSize int) ([]float32, []float32) {
	inputSize := config.InputSize
	outputSize := config.OutputSize
	weights := config.Kernel
	bias := config.Bias

	preAct := make([]float32, batchSize*outputSize)
	postAct := make([]float32, batchSize*outputSize)

	// Matrix multiplication: output = input @ weights + bias
	for b := 0; b < batchSize; b++ {
		row := preAct[b*outputSize : (b+1)*outputSize]
		copy(row, bias)
		for i := 0; i < inputSize; i++ {
			x := input[b*inputSize+i]
			if x == 0 {
				continue
			}
			w := weights[i*outputSize : (i+1)*outputSize]
			for o, wv := range w {
				row[o] += x * wv
			}
		}
		for o := range row {
			postAct[b*outputSize+o] = activateCPU(row[o], config.Activation)
		}
	}

	return preAct, postAct
}

// DenseBackward performs backward pass for dense layer
// Returns gradient w.r.t. input, weights and bias.
func DenseBackward(gradOutput, input, preAct []float32, config *LayerConfig, batchSize int) ([]float32, []float32, []float32) {
	inputSize := config.InputSize
	outputSize := config.OutputSize
	weights := config.Kernel

	gradInput := make([]float32, batchSize*inputSize)
	gradWeights := make([]float32, inputSize*outputSize)
	gradBias := make([]float32, outputSize)

	// Apply activation derivative
	gradPreAct := make([]float32, len(gradOutput))
	for i := range gradOutput {
		gradPreAct[i] = gradOutput[i] * activateDerivativeCPU(preAct[i], config.Activation)
	}

	for b := 0; b < batchSize; b++ {
		g := gradPreAct[b*outputSize : (b+1)*outputSize]
		for o, v := range g {
			gradBias[o] += v
		}
		for i := 0; i < inputSize; i++ {
			x := input[b*inputSize+i]
			w := weights[i*outputSize : (i+1)*outputSize]
			gw := gradWeights[i*outputSize : (i+1)*outputSize]
			var sum float32
			for o, v := range g {
				gw[o] += x * v
				sum += w[o] * v
			}
			gradInput[b*inputSize+i] = sum
		}
	}

	return gradInput, gradWeights, gradBias
}
