package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var (
	// Set via CAPSNET_DEBUG in the environment
	Debug bool
	// Set via CAPSNET_DEVICE in the environment; -1 means CPU
	Device int
	// Set via CAPSNET_ROUTING_ITERS in the environment
	RoutingIters int
	// Set via CAPSNET_NUM_PARALLEL in the environment
	NumParallel int
	// Set via CAPSNET_NO_RECONSTRUCT in the environment
	NoReconstruct bool
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CAPSNET_DEBUG":          {"CAPSNET_DEBUG", Debug, "Show additional debug information (e.g. CAPSNET_DEBUG=1, 2 for routing traces)"},
		"CAPSNET_DEVICE":         {"CAPSNET_DEVICE", Device, "GPU adapter index for predictions (default -1, CPU)"},
		"CAPSNET_ROUTING_ITERS":  {"CAPSNET_ROUTING_ITERS", RoutingIters, "Dynamic routing iterations (default 3)"},
		"CAPSNET_NUM_PARALLEL":   {"CAPSNET_NUM_PARALLEL", NumParallel, "Maximum number of samples processed in parallel (default number of CPUs)"},
		"CAPSNET_NO_RECONSTRUCT": {"CAPSNET_NO_RECONSTRUCT", NoReconstruct, "Build networks without the reconstruction decoder"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// DebugLevel is 0 when debugging is off, 1 for CAPSNET_DEBUG=1/true and the
// numeric value for larger integers.
var DebugLevel int

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

// LoadConfig resets every setting to its default and applies the
// environment. Invalid values are logged and ignored.
func LoadConfig() {
	Debug = false
	DebugLevel = 0
	Device = -1
	RoutingIters = 3
	NumParallel = runtime.NumCPU()
	NoReconstruct = false

	if debug := clean("CAPSNET_DEBUG"); debug != "" {
		if n, err := strconv.Atoi(debug); err == nil {
			DebugLevel = max(n, 0)
		} else if d, err := strconv.ParseBool(debug); err == nil {
			if d {
				DebugLevel = 1
			}
		} else {
			DebugLevel = 1
		}
		Debug = DebugLevel > 0
	}

	if dev := clean("CAPSNET_DEVICE"); dev != "" {
		val, err := strconv.Atoi(dev)
		if err != nil || val < -1 {
			slog.Error("invalid setting", "CAPSNET_DEVICE", dev, "error", err)
		} else {
			Device = val
		}
	}

	if iters := clean("CAPSNET_ROUTING_ITERS"); iters != "" {
		val, err := strconv.Atoi(iters)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "CAPSNET_ROUTING_ITERS", iters, "error", err)
		} else {
			RoutingIters = val
		}
	}

	if onp := clean("CAPSNET_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "CAPSNET_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	if nr := clean("CAPSNET_NO_RECONSTRUCT"); nr != "" {
		d, err := strconv.ParseBool(nr)
		NoReconstruct = err != nil || d
	}
}
