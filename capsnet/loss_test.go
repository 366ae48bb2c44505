package capsnet

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/capsnet/nn"
)

// capsulesWithNorms builds [1, len(norms), 4] capsules along a fixed direction.
func capsulesWithNorms(norms ...float32) *nn.Tensor {
	v := nn.NewTensor(1, len(norms), 4)
	for j, n := range norms {
		v.Data[j*4] = n * 0.6
		v.Data[j*4+1] = n * 0.8
	}
	return v
}

func TestMarginLossConfidentCorrect(t *testing.T) {
	v := capsulesWithNorms(0.95, 0.05)
	target := nn.NewTensorFromSlice([]float32{1, 0}, 1, 2)

	loss, err := MarginLoss(v, target, ReductionMean)
	require.NoError(t, err)
	assert.InDelta(t, 0, loss, 1e-9)
}

func TestMarginLossValues(t *testing.T) {
	cases := []struct {
		name   string
		norms  []float32
		target []float32
		want   float64
	}{
		{"both half", []float32{0.5, 0.5}, []float32{1, 0}, 0.16 + 0.5*0.16},
		{"wrong class confident", []float32{0.05, 0.95}, []float32{1, 0}, 0.85*0.85 + 0.5*0.85*0.85},
		{"absent present", []float32{0, 0}, []float32{0, 1}, 0.81},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			v := capsulesWithNorms(tt.norms...)
			target := nn.NewTensorFromSlice(tt.target, 1, len(tt.target))
			loss, err := MarginLoss(v, target, ReductionSum)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, loss, 1e-5)
		})
	}
}

func TestMeanReductionIsSumOverBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const batch = 4
	v := randTensor(rng, 0.4, batch, 3, 4)
	target, err := OneHot([]int{0, 2, 1, 2}, 3)
	require.NoError(t, err)

	mean, err := MarginLoss(v, target, ReductionMean)
	require.NoError(t, err)
	sum, err := MarginLoss(v, target, ReductionSum)
	require.NoError(t, err)
	assert.InDelta(t, sum/batch, mean, 1e-9)

	recon := randTensor(rng, 1, batch, 1, 3, 3)
	images := randTensor(rng, 1, batch, 1, 3, 3)
	rMean, err := ReconstructionLoss(recon, images, ReductionMean)
	require.NoError(t, err)
	rSum, err := ReconstructionLoss(recon, images, ReductionSum)
	require.NoError(t, err)
	assert.InDelta(t, rSum/batch, rMean, 1e-9)
}

func TestReconstructionLoss(t *testing.T) {
	recon := nn.NewTensor(2, 1, 2, 2)
	for i := range recon.Data {
		recon.Data[i] = 1
	}
	images := nn.NewTensor(2, 1, 2, 2)

	sum, err := ReconstructionLoss(recon, images, ReductionSum)
	require.NoError(t, err)
	assert.InDelta(t, 0.004, sum, 1e-9)

	mean, err := ReconstructionLoss(recon, images, ReductionMean)
	require.NoError(t, err)
	assert.InDelta(t, 0.002, mean, 1e-9)

	_, err = ReconstructionLoss(recon, nn.NewTensor(2, 1, 2, 3), ReductionSum)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestMarginLossShapeMismatch(t *testing.T) {
	_, err := MarginLoss(nn.NewTensor(2, 3, 4), nn.NewTensor(2, 4), ReductionMean)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = MarginLoss(nn.NewTensor(2, 12), nn.NewTensor(2, 3), ReductionMean)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestMarginLossGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	v := randTensor(rng, 0.3, 3, 4, 5)
	target, err := OneHot([]int{1, 3, 0}, 4)
	require.NoError(t, err)

	for _, red := range []Reduction{ReductionMean, ReductionSum} {
		t.Run(red.String(), func(t *testing.T) {
			grad, err := marginLossGrad(v, target, red)
			require.NoError(t, err)
			loss := func() float64 {
				l, err := MarginLoss(v, target, red)
				require.NoError(t, err)
				return l
			}
			for i := range v.Data {
				requireGradClose(t, fmt.Sprintf("v[%d]", i), numericGrad(t, v.Data, i, 1e-3, loss), grad.Data[i])
			}
		})
	}
}

func TestReconstructionLossGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	recon := randTensor(rng, 1, 2, 1, 2, 2)
	images := randTensor(rng, 1, 2, 1, 2, 2)

	grad, err := reconstructionLossGrad(recon, images, ReductionMean)
	require.NoError(t, err)
	for i := range grad.Data {
		want := 2 * ReconstructionWeight * (recon.Data[i] - images.Data[i]) / 2
		assert.InDelta(t, want, grad.Data[i], 1e-9)
	}
}

func TestParseReduction(t *testing.T) {
	r, err := ParseReduction("sum")
	require.NoError(t, err)
	assert.Equal(t, ReductionSum, r)

	r, err = ParseReduction("mean")
	require.NoError(t, err)
	assert.Equal(t, ReductionMean, r)

	_, err = ParseReduction("max")
	require.ErrorIs(t, err, ErrInvalidConfig)
}
