package cmd

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/capsnet/capsnet"
	"github.com/openfluke/capsnet/nn"
)

func TestTrainTiny(t *testing.T) {
	cfg := TinyConfig()
	cfg.Device = capsnet.DeviceCPU
	cfg.Parallel = 2
	net, err := capsnet.New(cfg)
	require.NoError(t, err)
	defer net.Close()

	opt, err := nn.NewOptimizer("adamw")
	require.NoError(t, err)

	before := append([]float32(nil), net.Router().Weight.Value...)
	err = train(net, rand.New(rand.NewSource(2)), trainOptions{
		steps:     2,
		batch:     2,
		lr:        1e-3,
		logEvery:  1,
		reduction: capsnet.ReductionMean,
		optimizer: opt,
	})
	require.NoError(t, err)
	assert.NotEqual(t, before, net.Router().Weight.Value)
}

func TestExportInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.safetensors")

	cli := NewCLI()
	cli.SetArgs([]string{"export", path, "--tiny", "--device", "-1", "--dtype", "F16"})
	cli.SetOut(new(bytes.Buffer))
	require.NoError(t, cli.Execute())

	tensors, metadata, err := nn.LoadSafetensors(path)
	require.NoError(t, err)
	assert.Contains(t, tensors, "routing.weight")
	assert.Equal(t, "F16", tensors["routing.weight"].DType)
	assert.Equal(t, "capsnet", metadata[capsnet.MetaFormat])

	cli = NewCLI()
	cli.SetArgs([]string{"inspect", path})
	require.NoError(t, cli.Execute())
}

func TestLossCommandRejectsReduction(t *testing.T) {
	cli := NewCLI()
	cli.SetArgs([]string{"loss", "--tiny", "--device", "-1", "--reduction", "max"})
	cli.SetOut(new(bytes.Buffer))
	cli.SetErr(new(bytes.Buffer))
	require.ErrorIs(t, cli.Execute(), capsnet.ErrInvalidConfig)
}
