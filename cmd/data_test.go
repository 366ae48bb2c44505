package cmd

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticBatch(t *testing.T) {
	cfg := TinyConfig()
	images, target, classes, err := syntheticBatch(rand.New(rand.NewSource(1)), cfg, 6)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 1, 10, 10}, images.Shape)
	assert.Equal(t, []int{6, 10}, target.Shape)
	require.Len(t, classes, 6)

	for b, c := range classes {
		assert.Equal(t, float32(1), target.Data[b*10+c])
	}
	for _, v := range images.Data {
		assert.True(t, v >= 0 && v <= 1)
	}
}

func TestTinyConfig(t *testing.T) {
	cfg := TinyConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 18, cfg.NumPrimaryCaps)
}
