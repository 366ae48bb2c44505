package capsnet

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/capsnet/nn"
)

func TestConvStem(t *testing.T) {
	stem, err := NewConvStem(rand.New(rand.NewSource(19)), 1, 6, 6, 3, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 4}, stem.OutputShape())

	x := randTensor(rand.New(rand.NewSource(20)), 1, 3, 1, 6, 6)
	out, err := stem.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 4, 4}, out.Shape)
	for _, v := range out.Data {
		assert.GreaterOrEqual(t, v, float32(0))
	}

	// Batched result matches the per-sample convolution.
	layer := stem.layer
	_, want := nn.Conv2DForward(x.Data[36:72], &layer, 1)
	assert.Equal(t, want, out.Data[32:64])

	grad := nn.NewTensor(out.Shape...)
	for i := range grad.Data {
		grad.Data[i] = 1
	}
	gx, err := stem.Backward(grad)
	require.NoError(t, err)
	assert.Equal(t, x.Shape, gx.Shape)

	var biasGrad float32
	for _, v := range out.Data {
		if v > 0 {
			biasGrad++
		}
	}
	// d(sum of outputs)/d(bias) counts the active units
	params := stem.Parameters()
	require.Len(t, params, 2)
	var total float32
	for _, g := range params[1].Grad {
		total += g
	}
	assert.Equal(t, biasGrad, total)
}

func TestConvStemErrors(t *testing.T) {
	_, err := NewConvStem(rand.New(rand.NewSource(1)), 1, 4, 4, 5, 2, 1)
	require.ErrorIs(t, err, ErrInvalidConfig)

	stem, err := NewConvStem(rand.New(rand.NewSource(1)), 1, 4, 4, 3, 2, 1)
	require.NoError(t, err)
	_, err = stem.Backward(nn.NewTensor(1, 2, 2, 2))
	require.Error(t, err)
	_, err = stem.Forward(nn.NewTensor(1, 2, 4, 4))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestDenseDecoder(t *testing.T) {
	dec, err := NewDenseDecoder(rand.New(rand.NewSource(21)), 6, []int{5, 7}, 1, 2, 3)
	require.NoError(t, err)
	assert.Len(t, dec.Parameters(), 6)

	in := randTensor(rand.New(rand.NewSource(22)), 1, 2, 6)
	out, err := dec.Forward(in)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2, 3}, out.Shape)
	for _, v := range out.Data {
		assert.True(t, v > 0 && v < 1)
	}

	g, err := dec.Backward(randTensor(rand.New(rand.NewSource(23)), 1, 2, 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, in.Shape, g.Shape)

	_, err = dec.Forward(nn.NewTensor(2, 5))
	require.ErrorIs(t, err, ErrShapeMismatch)
}
