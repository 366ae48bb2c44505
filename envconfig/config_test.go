package envconfig

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	t.Setenv("CAPSNET_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("CAPSNET_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("CAPSNET_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)
	require.Equal(t, 1, DebugLevel)
	t.Setenv("CAPSNET_DEBUG", "2")
	LoadConfig()
	require.Equal(t, 2, DebugLevel)
}

func TestDefaults(t *testing.T) {
	for _, k := range []string{"CAPSNET_DEVICE", "CAPSNET_ROUTING_ITERS", "CAPSNET_NUM_PARALLEL", "CAPSNET_NO_RECONSTRUCT"} {
		t.Setenv(k, "")
	}
	LoadConfig()
	assert.Equal(t, -1, Device)
	assert.Equal(t, 3, RoutingIters)
	assert.Equal(t, runtime.NumCPU(), NumParallel)
	assert.False(t, NoReconstruct)
}

func TestIntSettings(t *testing.T) {
	cases := map[string]struct {
		key    string
		value  string
		got    func() int
		expect int
	}{
		"device":           {"CAPSNET_DEVICE", "1", func() int { return Device }, 1},
		"device quoted":    {"CAPSNET_DEVICE", "\" 0 \"", func() int { return Device }, 0},
		"device invalid":   {"CAPSNET_DEVICE", "gpu", func() int { return Device }, -1},
		"device too small": {"CAPSNET_DEVICE", "-2", func() int { return Device }, -1},
		"iters":            {"CAPSNET_ROUTING_ITERS", "5", func() int { return RoutingIters }, 5},
		"iters zero":       {"CAPSNET_ROUTING_ITERS", "0", func() int { return RoutingIters }, 3},
		"parallel":         {"CAPSNET_NUM_PARALLEL", "4", func() int { return NumParallel }, 4},
		"parallel invalid": {"CAPSNET_NUM_PARALLEL", "-1", func() int { return NumParallel }, runtime.NumCPU()},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			LoadConfig()
			assert.Equal(t, tt.expect, tt.got())
		})
	}
}

func TestNoReconstruct(t *testing.T) {
	t.Setenv("CAPSNET_NO_RECONSTRUCT", "true")
	LoadConfig()
	assert.True(t, NoReconstruct)

	t.Setenv("CAPSNET_NO_RECONSTRUCT", "0")
	LoadConfig()
	assert.False(t, NoReconstruct)
}

func TestValues(t *testing.T) {
	LoadConfig()
	vals := Values()
	assert.Len(t, vals, len(AsMap()))
	assert.Contains(t, vals, "CAPSNET_ROUTING_ITERS")
}
