//go:build linux && cgo

package resource

import (
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// gpuProbe reads used GPU memory across all devices through NVML. NVML
// initialization is attempted once; if it fails (no driver, no GPU) every
// read returns zero.
type gpuProbe struct {
	initOnce  sync.Once
	available bool
}

func newGPUProbe() *gpuProbe {
	return &gpuProbe{}
}

func (g *gpuProbe) memoryUsedMB() float64 {
	g.initOnce.Do(func() {
		g.available = nvml.Init() == nvml.SUCCESS
	})
	if !g.available {
		return 0
	}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0
	}

	var usedBytes uint64
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		memInfo, ret := device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			continue
		}
		usedBytes += memInfo.Used
	}

	return float64(usedBytes) / bytesPerMB
}
