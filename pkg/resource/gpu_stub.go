//go:build !linux || !cgo

package resource

// gpuProbe without NVML support always reads zero GPU memory.
type gpuProbe struct{}

func newGPUProbe() *gpuProbe {
	return &gpuProbe{}
}

func (g *gpuProbe) memoryUsedMB() float64 {
	return 0
}
