package capsnet

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/capsnet/nn"
)

// tinyConfig is a 1×10×10 network: 4 conv filters (8×8), 2 primary channels
// of 3×3 capsules with dimension 4, and three 4-dimensional class capsules.
func tinyConfig() Config {
	return Config{
		InputChannels:   1,
		InputHeight:     10,
		InputWidth:      10,
		ConvChannels:    4,
		ConvKernel:      3,
		PrimaryCapsDim:  4,
		PrimaryChannels: 2,
		PrimaryKernel:   3,
		PrimaryStride:   2,
		NumPrimaryCaps:  2 * 3 * 3,
		NumClasses:      3,
		OutputCapsDim:   4,
		DecoderHidden:   []int{8},
		RoutingIters:    2,
		Reconstruct:     true,
		Device:          DeviceCPU,
		Parallel:        2,
		WeightInitStd:   0.1,
		Seed:            7,
	}
}

func newTestNetwork(t *testing.T, cfg Config, opts ...Option) *Network {
	t.Helper()
	n, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func testBatch(t *testing.T, seed int64, batch int) (images, target *nn.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	images = nn.NewTensor(batch, 1, 10, 10)
	for i := range images.Data {
		images.Data[i] = rng.Float32()
	}
	classes := make([]int, batch)
	for b := range classes {
		classes[b] = rng.Intn(3)
	}
	target, err := OneHot(classes, 3)
	require.NoError(t, err)
	return images, target
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	h, w := cfg.PrimaryGrid()
	assert.Equal(t, 6, h)
	assert.Equal(t, 6, w)
	assert.Equal(t, 1152, cfg.NumPrimaryCaps)
	assert.Equal(t, cfg.PrimaryChannels*h*w, cfg.NumPrimaryCaps)
}

func TestNetworkForward(t *testing.T) {
	n := newTestNetwork(t, tinyConfig())
	for _, batch := range []int{1, 3} {
		images, _ := testBatch(t, 1, batch)
		v, err := n.Forward(images)
		require.NoError(t, err)
		assert.Equal(t, []int{batch, 3, 4}, v.Shape)

		lengths, err := Lengths(v)
		require.NoError(t, err)
		for _, l := range lengths.Data {
			assert.Less(t, l, float32(1))
		}
	}
}

func TestNetworkInvalidConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"zero iterations":       func(c *Config) { c.RoutingIters = 0 },
		"no classes":            func(c *Config) { c.NumClasses = 0 },
		"primary caps mismatch": func(c *Config) { c.NumPrimaryCaps = 17 },
		"kernel too large":      func(c *Config) { c.ConvKernel = 11 },
		"bad device":            func(c *Config) { c.Device = -2 },
		"bad decoder":           func(c *Config) { c.DecoderHidden = []int{0} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := tinyConfig()
			mutate(&cfg)
			_, err := New(cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNetworkShapeMismatch(t *testing.T) {
	n := newTestNetwork(t, tinyConfig())
	_, err := n.Forward(nn.NewTensor(2, 1, 9, 10))
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = n.Reconstruct(nn.NewTensor(2, 4, 4))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestReconstructionDisabled(t *testing.T) {
	cfg := tinyConfig()
	cfg.Reconstruct = false
	n := newTestNetwork(t, cfg)

	images, target := testBatch(t, 2, 2)
	v, err := n.Forward(images)
	require.NoError(t, err)

	_, err = n.Reconstruct(v)
	require.ErrorIs(t, err, ErrReconstructionDisabled)
	_, err = n.ReconstructionLoss(images, v, ReductionMean)
	require.ErrorIs(t, err, ErrReconstructionDisabled)

	res, err := n.Loss(images, v, target, ReductionMean)
	require.NoError(t, err)
	assert.Zero(t, res.Reconstruction)
	assert.Equal(t, res.Margin, res.Total)
}

func TestNetworkLoss(t *testing.T) {
	n := newTestNetwork(t, tinyConfig())
	images, target := testBatch(t, 3, 2)
	v, err := n.Forward(images)
	require.NoError(t, err)

	recon, err := n.Reconstruct(v)
	require.NoError(t, err)
	assert.Equal(t, images.Shape, recon.Shape)
	for _, p := range recon.Data {
		assert.True(t, p > 0 && p < 1)
	}

	res, err := n.Loss(images, v, target, ReductionMean)
	require.NoError(t, err)
	assert.Greater(t, res.Margin, 0.0)
	assert.Greater(t, res.Reconstruction, 0.0)
	assert.InDelta(t, res.Margin+res.Reconstruction, res.Total, 1e-12)

	sum, err := n.Loss(images, v, target, ReductionSum)
	require.NoError(t, err)
	assert.InDelta(t, sum.Total/2, res.Total, 1e-9)
}

func TestNetworkBackward(t *testing.T) {
	n := newTestNetwork(t, tinyConfig())
	images, target := testBatch(t, 4, 2)

	n.ZeroGrad()
	res, err := n.Backward(images, target, ReductionMean)
	require.NoError(t, err)
	assert.InDelta(t, res.Margin+res.Reconstruction, res.Total, 1e-12)

	params := n.Parameters()
	var sq float64
	for _, p := range params {
		nonZero := false
		for _, g := range p.Grad {
			nonZero = nonZero || g != 0
			sq += float64(g) * float64(g)
		}
		assert.True(t, nonZero, "no gradient for %s", p.Name)
	}
	gradNorm := math.Sqrt(sq)
	require.Greater(t, gradNorm, 0.0)

	// A small step against the gradient lowers the loss.
	step := float32(1e-3 / gradNorm)
	for _, p := range params {
		for i, g := range p.Grad {
			p.Value[i] -= step * g
		}
	}
	v, err := n.Forward(images)
	require.NoError(t, err)
	after, err := n.Loss(images, v, target, ReductionMean)
	require.NoError(t, err)
	assert.Less(t, after.Total, res.Total)

	n.ZeroGrad()
	for _, p := range params {
		for _, g := range p.Grad {
			require.Zero(t, g)
		}
	}
}

func TestNetworkParameters(t *testing.T) {
	n := newTestNetwork(t, tinyConfig())
	params := n.Parameters()

	names := make(map[string]bool)
	for _, p := range params {
		assert.False(t, names[p.Name], "duplicate parameter %s", p.Name)
		names[p.Name] = true
		assert.Equal(t, nn.ShapeSize(p.Shape), len(p.Value), p.Name)
	}
	assert.True(t, names["routing.weight"])
	assert.Equal(t, []int{18, 3, 4, 4}, n.Router().Weight.Shape)

	// conv1 + 4 primary units + routing + 2 decoder layers, weight and bias each
	assert.Len(t, params, 2+8+1+4)

	s := n.Summary()
	assert.Equal(t, nn.CountParams(params), s.TotalParams)
	assert.Equal(t, "cpu", s.Backend)
	require.Len(t, s.Layers, 4)
	assert.Equal(t, []int{4, 8, 8}, s.Layers[0].OutputShape)
	assert.Equal(t, []int{18, 4}, s.Layers[1].OutputShape)
}

func TestNetworkObserver(t *testing.T) {
	var iterations []int
	obs := ObserverFunc(func(e RoutingEvent) { iterations = append(iterations, e.Iteration) })
	n := newTestNetwork(t, tinyConfig(), WithObserver(obs))

	images, _ := testBatch(t, 5, 1)
	_, err := n.Forward(images)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, iterations)
}

func TestNetworkPredict(t *testing.T) {
	n := newTestNetwork(t, tinyConfig())
	images, _ := testBatch(t, 6, 4)
	classes, err := n.Predict(images)
	require.NoError(t, err)
	require.Len(t, classes, 4)
	for _, c := range classes {
		assert.GreaterOrEqual(t, c, 0)
		assert.Less(t, c, 3)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capsnet.safetensors")
	src := newTestNetwork(t, tinyConfig())
	id, err := src.SaveSafetensors(path, "F32")
	require.NoError(t, err)

	cfg := tinyConfig()
	cfg.Seed = 99
	dst := newTestNetwork(t, cfg)

	images, _ := testBatch(t, 7, 2)
	before, err := dst.Forward(images)
	require.NoError(t, err)

	meta, err := dst.LoadSafetensors(path)
	require.NoError(t, err)
	assert.Equal(t, id, meta[MetaModelID])
	_, err = uuid.Parse(meta[MetaModelID])
	require.NoError(t, err)
	assert.Equal(t, "2", meta[MetaRoutingIters])

	want, err := src.Forward(images)
	require.NoError(t, err)
	got, err := dst.Forward(images)
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
	assert.NotEqual(t, before.Data, got.Data)
}

func TestCheckpointHalfPrecision(t *testing.T) {
	for _, dtype := range []string{"F16", "BF16"} {
		t.Run(dtype, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "capsnet.safetensors")
			src := newTestNetwork(t, tinyConfig())
			_, err := src.SaveSafetensors(path, dtype)
			require.NoError(t, err)

			cfg := tinyConfig()
			cfg.Seed = 3
			dst := newTestNetwork(t, cfg)
			_, err = dst.LoadSafetensors(path)
			require.NoError(t, err)

			w := src.Router().Weight.Value
			for i, x := range dst.Router().Weight.Value {
				assert.InDelta(t, w[i], x, 1e-2)
			}
		})
	}
}

func TestCheckpointShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capsnet.safetensors")
	src := newTestNetwork(t, tinyConfig())
	_, err := src.SaveSafetensors(path, "F32")
	require.NoError(t, err)

	cfg := tinyConfig()
	cfg.OutputCapsDim = 5
	dst := newTestNetwork(t, cfg)
	_, err = dst.LoadSafetensors(path)
	require.ErrorIs(t, err, ErrShapeMismatch)

	cfg = tinyConfig()
	cfg.Reconstruct = false
	partial := newTestNetwork(t, cfg)
	_, err = partial.LoadSafetensors(path)
	require.NoError(t, err, "extra tensors are ignored")
}
