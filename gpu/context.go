// Package gpu is the WebGPU compute context used when a capsule network is
// placed on an accelerator. It owns adapter selection by index, buffer
// transfer helpers and the WGSL kernel that computes routing predictions.
package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

// ErrNoAdapter is returned when no WebGPU adapter matches the request.
var ErrNoAdapter = errors.New("gpu: no adapter available")

// Context holds the WebGPU resources bound to one adapter.
type Context struct {
	Index    int
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
}

// Open creates a context on the adapter at position index of the
// instance's adapter list.
func Open(index int) (*Context, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("failed to create WebGPU instance")
	}

	adapters := inst.EnumerateAdapters(nil)
	if index < 0 || index >= len(adapters) {
		for _, a := range adapters {
			a.Release()
		}
		inst.Release()
		return nil, fmt.Errorf("%w: index %d, %d adapters found", ErrNoAdapter, index, len(adapters))
	}

	adapter := adapters[index]
	for i, a := range adapters {
		if i != index {
			a.Release()
		}
	}

	info := adapter.GetInfo()
	slog.Info("using gpu adapter", "index", index, "name", strings.TrimSpace(info.Name), "vendor", info.VendorName)

	device, err := adapter.RequestDevice(nil)
	if err != nil || device == nil {
		adapter.Release()
		inst.Release()
		return nil, fmt.Errorf("request device: %w", err)
	}

	return &Context{
		Index:    index,
		Instance: inst,
		Adapter:  adapter,
		Device:   device,
		Queue:    device.GetQueue(),
	}, nil
}

// Release frees the device, adapter and instance.
func (c *Context) Release() {
	if c.Device != nil {
		c.Device.Release()
		c.Device = nil
	}
	if c.Adapter != nil {
		c.Adapter.Release()
		c.Adapter = nil
	}
	if c.Instance != nil {
		c.Instance.Release()
		c.Instance = nil
	}
}
