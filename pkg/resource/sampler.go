package resource

import (
	"fmt"
	"os"
	"time"

	"github.com/pared2021/taskcore/pkg/models"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"
)

const bytesPerMB = 1024 * 1024

// Provider supplies one host resource measurement per call. It is an injected
// dependency of the Manager so tests and embedders can substitute their own
// metrics source.
type Provider interface {
	Sample() (models.ResourceUsage, error)
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func() (models.ResourceUsage, error)

func (f ProviderFunc) Sample() (models.ResourceUsage, error) { return f() }

// SystemProvider measures the host through gopsutil: total CPU percent, the
// current process's resident memory, and free disk at a configured path.
// GPU memory comes from NVML when available and reads zero otherwise.
type SystemProvider struct {
	diskPath string
	proc     *process.Process
	gpu      *gpuProbe
}

// NewSystemProvider builds a provider for the current process. diskPath is
// the mount point whose free space is reported.
func NewSystemProvider(diskPath string) (*SystemProvider, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open own process for sampling: %w", err)
	}

	return &SystemProvider{
		diskPath: diskPath,
		proc:     proc,
		gpu:      newGPUProbe(),
	}, nil
}

// Sample takes one measurement. CPU percent is computed against the previous
// call, so the very first sample reports zero CPU.
func (p *SystemProvider) Sample() (models.ResourceUsage, error) {
	usage := models.ResourceUsage{Timestamp: time.Now()}

	percents, err := cpu.Percent(0, false)
	if err != nil {
		return usage, fmt.Errorf("cpu sample failed: %w", err)
	}
	if len(percents) > 0 {
		usage.CPUPercent = percents[0]
	}

	memInfo, err := p.proc.MemoryInfo()
	if err != nil {
		return usage, fmt.Errorf("memory sample failed: %w", err)
	}
	usage.MemoryMB = float64(memInfo.RSS) / bytesPerMB

	diskInfo, err := disk.Usage(p.diskPath)
	if err != nil {
		return usage, fmt.Errorf("disk sample failed: %w", err)
	}
	usage.FreeDiskMB = float64(diskInfo.Free) / bytesPerMB

	// GPU memory is advisory; absence of a GPU library reads as zero.
	usage.GPUMemoryMB = p.gpu.memoryUsedMB()

	return usage, nil
}
