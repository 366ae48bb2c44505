package capsnet

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/openfluke/capsnet/nn"
)

func norm(v []float32) float32 {
	return blas32.Nrm2(vec(v, len(v)))
}

func TestSquashNormBelowOne(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, scale := range []float32{1e-3, 0.1, 1, 3, 10} {
		t.Run(fmt.Sprint(scale), func(t *testing.T) {
			s := randTensor(rng, scale, 4, 5, 8)
			v := Squash(s)
			require.Equal(t, s.Shape, v.Shape)
			for off := 0; off < len(v.Data); off += 8 {
				n := norm(v.Data[off : off+8])
				assert.Less(t, n, float32(1))
				assert.GreaterOrEqual(t, n, float32(0))
			}
		})
	}
}

func TestSquashMonotone(t *testing.T) {
	dir := []float32{0.3, -0.4, 0.5, 0.1}
	prev := float32(-1)
	for _, k := range []float32{0, 0.01, 0.1, 0.5, 1, 2, 5, 20} {
		s := nn.NewTensor(1, len(dir))
		for i, d := range dir {
			s.Data[i] = k * d
		}
		n := norm(Squash(s).Data)
		assert.Greater(t, n, prev, "scale %v", k)
		prev = n
	}
}

func TestSquashZero(t *testing.T) {
	v := Squash(nn.NewTensor(2, 3, 4))
	for _, x := range v.Data {
		assert.Zero(t, x)
	}
}

func TestSquashPreservesDirection(t *testing.T) {
	s := nn.NewTensorFromSlice([]float32{3, 4}, 1, 2)
	v := Squash(s)
	// |s| = 5, |v| = 25/26
	assert.InDelta(t, 25.0/26.0, norm(v.Data), 1e-6)
	assert.InDelta(t, 0.6, v.Data[0]/norm(v.Data), 1e-6)
	assert.InDelta(t, 0.8, v.Data[1]/norm(v.Data), 1e-6)
	assert.Equal(t, []float32{3, 4}, s.Data)
}

func TestSquashBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, scale := range []float32{0.05, 0.5, 2} {
		s := randTensor(rng, scale, 1, 6).Data
		w := randTensor(rng, 1, 1, 6).Data

		loss := func() float64 {
			v := make([]float32, len(s))
			squashInto(v, s)
			return dot(v, w)
		}
		grad := squashBackward(s, w)
		for i := range s {
			requireGradClose(t, fmt.Sprintf("s[%d] scale %v", i, scale), numericGrad(t, s, i, 1e-3, loss), grad[i])
		}
	}
}

func TestSquashBackwardAtZero(t *testing.T) {
	grad := squashBackward(make([]float32, 3), []float32{1, 2, 3})
	for _, g := range grad {
		assert.Zero(t, g)
	}
}
