package gpu

import (
	"fmt"
	"strings"

	"github.com/openfluke/webgpu/wgpu"
)

// AdapterInfo is a portable summary of one WebGPU adapter.
type AdapterInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Vendor      string `json:"vendor"`
	Backend     string `json:"backend"`
	AdapterType string `json:"adapter_type"`
	VendorID    string `json:"vendor_id_hex"`
	DeviceID    string `json:"device_id_hex"`
	Driver      string `json:"driver"`

	MaxComputeWorkgroupsPerDimension uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize      uint64 `json:"max_storage_buffer_binding_size"`
}

// Adapters lists the adapters visible to WebGPU in the order Open indexes them.
func Adapters() ([]AdapterInfo, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	var out []AdapterInfo
	for i, a := range inst.EnumerateAdapters(nil) {
		info := a.GetInfo()
		limits := a.GetLimits()
		out = append(out, AdapterInfo{
			Index:       i,
			Name:        strings.TrimSpace(info.Name),
			Vendor:      strings.TrimSpace(info.VendorName),
			Backend:     info.BackendType.String(),
			AdapterType: info.AdapterType.String(),
			VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
			DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
			Driver:      strings.TrimSpace(info.DriverDescription),

			MaxComputeWorkgroupsPerDimension: limits.Limits.MaxComputeWorkgroupsPerDimension,
			MaxStorageBufferBindingSize:      limits.Limits.MaxStorageBufferBindingSize,
		})
		a.Release()
	}

	return out, nil
}
