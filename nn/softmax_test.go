package nn

import (
	"math"
	"math/rand"
	"testing"
)

// TestSoftmaxRows verifies each row is an independent distribution
func TestSoftmaxRows(t *testing.T) {
	logits := []float32{
		0, 0, 0,
		1, 2, 3,
		1000, 1000, -1000, // stable for large logits
	}
	probs := SoftmaxRows(logits, 3, 3)

	for r := 0; r < 3; r++ {
		var sum float32
		for _, p := range probs[r*3 : (r+1)*3] {
			if p < 0 || math.IsNaN(float64(p)) {
				t.Fatalf("row %d: invalid probability %f", r, p)
			}
			sum += p
		}
		if math.Abs(float64(sum-1)) > 1e-6 {
			t.Errorf("row %d sums to %f", r, sum)
		}
	}

	for _, p := range probs[:3] {
		if math.Abs(float64(p)-1.0/3) > 1e-6 {
			t.Errorf("Uniform logits should give 1/3, got %f", p)
		}
	}
	if probs[3] >= probs[4] || probs[4] >= probs[5] {
		t.Errorf("Softmax should preserve order, got %v", probs[3:6])
	}
	if math.Abs(float64(probs[6])-0.5) > 1e-6 {
		t.Errorf("Expected 0.5, got %f", probs[6])
	}
}

// TestSoftmaxRowsBackward checks the Jacobian-vector product numerically
func TestSoftmaxRowsBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const rows, cols = 3, 4
	logits := randSlice(rng, rows*cols)
	w := randSlice(rng, rows*cols)

	loss := func() float64 {
		return weightedSum(SoftmaxRows(logits, rows, cols), w)
	}

	grad := SoftmaxRowsBackward(SoftmaxRows(logits, rows, cols), w, rows, cols)
	gradCheck(t, "logits", logits, grad, loss)

	// Gradients of a row-softmax sum to zero within each row
	for r := 0; r < rows; r++ {
		var sum float32
		for _, g := range grad[r*cols : (r+1)*cols] {
			sum += g
		}
		if math.Abs(float64(sum)) > 1e-6 {
			t.Errorf("row %d gradient sums to %f", r, sum)
		}
	}
}
