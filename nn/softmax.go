package nn

import (
	"math"
)

// softmaxStandard writes the softmax of logits into probs, which must have
// len(logits) elements.
func softmaxStandard(probs, logits []float32) {
	if len(logits) == 0 {
		return
	}

	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}

	// Numerical stability: subtract max
	sum := float32(0.0)
	for i, v := range logits {
		probs[i] = float32(math.Exp(float64(v - maxLogit)))
		sum += probs[i]
	}

	for i := range probs {
		probs[i] /= sum
	}
}

// SoftmaxRows applies an independent softmax to each of the rows of a
// [rows][cols] matrix, so every row of the result sums to 1.
func SoftmaxRows(logits []float32, rows, cols int) []float32 {
	result := make([]float32, len(logits))
	SoftmaxRowsInto(result, logits, rows, cols)
	return result
}

// SoftmaxRowsInto is SoftmaxRows writing into a caller-provided buffer.
func SoftmaxRowsInto(dst, logits []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		rowStart := r * cols
		rowEnd := rowStart + cols
		softmaxStandard(dst[rowStart:rowEnd], logits[rowStart:rowEnd])
	}
}

// SoftmaxRowsBackward maps a gradient w.r.t. row-softmax probabilities to a
// gradient w.r.t. the logits: g_logit[k] = p[k] * (g[k] - sum_m p[m]*g[m]).
func SoftmaxRowsBackward(probs, gradProbs []float32, rows, cols int) []float32 {
	gradLogits := make([]float32, len(probs))
	for r := 0; r < rows; r++ {
		p := probs[r*cols : (r+1)*cols]
		g := gradProbs[r*cols : (r+1)*cols]
		var dot float32
		for k := range p {
			dot += p[k] * g[k]
		}
		out := gradLogits[r*cols : (r+1)*cols]
		for k := range p {
			out[k] = p[k] * (g[k] - dot)
		}
	}
	return gradLogits
}
