package capsnet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfluke/capsnet/nn"
)

func randTensor(rng *rand.Rand, scale float32, shape ...int) *nn.Tensor {
	t := nn.NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * scale
	}
	return t
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// requireGradClose compares an analytic gradient with a central difference.
func requireGradClose(t *testing.T, name string, numeric float64, analytic float32) {
	t.Helper()
	tol := 2e-3 + 2e-2*math.Abs(numeric)
	require.InDeltaf(t, numeric, float64(analytic), tol, "%s: numeric %v analytic %v", name, numeric, analytic)
}

// numericGrad perturbs x[i] in place and returns (f(x+h) - f(x-h)) / 2h.
func numericGrad(t *testing.T, x []float32, i int, h float32, f func() float64) float64 {
	t.Helper()
	orig := x[i]
	x[i] = orig + h
	plus := f()
	x[i] = orig - h
	minus := f()
	x[i] = orig
	return (plus - minus) / (2 * float64(h))
}
