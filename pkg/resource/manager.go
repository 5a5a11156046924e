package resource

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pared2021/taskcore/pkg/logger"
	"github.com/pared2021/taskcore/pkg/models"
)

// Stats map keys. The scheduler projects these names into its scheduling
// context, so resource conditions reference the same vocabulary.
const (
	StatCPU       = "cpu"
	StatMemory    = "memory"
	StatGPUMemory = "gpu_memory"
	StatDiskFree  = "disk_free"
)

const stopMonitorTimeout = 5 * time.Second

// Manager owns the resource sampling loop: it measures host usage on a fixed
// interval through an injected Provider, keeps a bounded rolling history,
// warns when advisory limits are exceeded, and performs best-effort
// optimization in response. All of its output is advisory; a sampling failure
// is logged and skipped, never propagated.
type Manager struct {
	provider   Provider
	logger     *logger.Logger
	interval   time.Duration
	maxHistory int

	mu      sync.Mutex
	limits  models.ResourceLimits
	history []models.ResourceUsage
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a resource manager. The provider is required; limits may
// be updated later through SetLimits.
func NewManager(provider Provider, limits models.ResourceLimits, interval time.Duration, maxHistory int, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		provider:   provider,
		logger:     log,
		interval:   interval,
		maxHistory: maxHistory,
		limits:     limits,
	}
}

// StartMonitoring launches the background sampling loop. Calling it while the
// loop is already running is a no-op.
func (m *Manager) StartMonitoring() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	m.logger.Info("Resource monitoring started",
		logger.Duration("interval", m.interval),
		logger.Int("history_max", m.maxHistory),
	)

	go m.monitorLoop(stopCh, doneCh)
}

// StopMonitoring stops the sampling loop and waits for it to exit, bounded by
// a fixed timeout. Calling it when the loop is not running is a no-op.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(stopMonitorTimeout):
		m.logger.Warn("Resource monitor did not stop in time")
	}

	m.logger.Info("Resource monitoring stopped")
}

func (m *Manager) monitorLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	// Sample immediately so the first scheduler ticks see data.
	m.sampleOnce()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sampleOnce()
		case <-stopCh:
			return
		}
	}
}

// sampleOnce takes one measurement, records it and reacts to limit warnings.
// Sampling errors are logged and the cycle is skipped.
func (m *Manager) sampleOnce() {
	usage, err := m.provider.Sample()
	if err != nil {
		m.logger.Warn("Resource sample failed", logger.Error(err))
		return
	}

	m.mu.Lock()
	m.history = append(m.history, usage)
	if len(m.history) > m.maxHistory {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	warnings := m.CheckLimits(usage)
	for _, w := range warnings {
		m.logger.Warn("Resource limit exceeded", logger.String("warning", w))
	}
	if len(warnings) > 0 {
		m.Optimize()
	}
}

// CheckLimits compares a measurement against the configured limits and
// returns a human-readable warning per exceeded limit. Purely advisory.
func (m *Manager) CheckLimits(usage models.ResourceUsage) []string {
	m.mu.Lock()
	limits := m.limits
	m.mu.Unlock()

	var warnings []string
	if limits.MaxCPUPercent > 0 && usage.CPUPercent > limits.MaxCPUPercent {
		warnings = append(warnings, fmt.Sprintf("cpu usage %.1f%% exceeds limit %.1f%%", usage.CPUPercent, limits.MaxCPUPercent))
	}
	if limits.MaxMemoryMB > 0 && usage.MemoryMB > limits.MaxMemoryMB {
		warnings = append(warnings, fmt.Sprintf("memory usage %.0fMB exceeds limit %.0fMB", usage.MemoryMB, limits.MaxMemoryMB))
	}
	if limits.MaxGPUMemoryMB > 0 && usage.GPUMemoryMB > limits.MaxGPUMemoryMB {
		warnings = append(warnings, fmt.Sprintf("gpu memory usage %.0fMB exceeds limit %.0fMB", usage.GPUMemoryMB, limits.MaxGPUMemoryMB))
	}
	if limits.MinFreeDiskMB > 0 && usage.FreeDiskMB < limits.MinFreeDiskMB {
		warnings = append(warnings, fmt.Sprintf("free disk %.0fMB below minimum %.0fMB", usage.FreeDiskMB, limits.MinFreeDiskMB))
	}
	return warnings
}

// SetLimits replaces the advisory limits.
func (m *Manager) SetLimits(limits models.ResourceLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

// Limits returns the current advisory limits.
func (m *Manager) Limits() models.ResourceLimits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Latest returns the most recent sample, if any.
func (m *Manager) Latest() (models.ResourceUsage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return models.ResourceUsage{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns a copy of the retained samples, oldest first.
func (m *Manager) History() []models.ResourceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ResourceUsage, len(m.history))
	copy(out, m.history)
	return out
}

// Stats aggregates the history into current/mean/max/min figures for cpu,
// memory and gpu memory plus current free disk. Returns an empty map when no
// samples have been taken yet.
func (m *Manager) Stats() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[string]float64)
	if len(m.history) == 0 {
		return stats
	}

	latest := m.history[len(m.history)-1]
	stats[StatCPU] = latest.CPUPercent
	stats[StatMemory] = latest.MemoryMB
	stats[StatGPUMemory] = latest.GPUMemoryMB
	stats[StatDiskFree] = latest.FreeDiskMB

	aggregate(stats, StatCPU, m.history, func(u models.ResourceUsage) float64 { return u.CPUPercent })
	aggregate(stats, StatMemory, m.history, func(u models.ResourceUsage) float64 { return u.MemoryMB })
	aggregate(stats, StatGPUMemory, m.history, func(u models.ResourceUsage) float64 { return u.GPUMemoryMB })

	return stats
}

func aggregate(stats map[string]float64, key string, history []models.ResourceUsage, value func(models.ResourceUsage) float64) {
	min, max, sum := value(history[0]), value(history[0]), 0.0
	for _, u := range history {
		v := value(u)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	stats[key+"_mean"] = sum / float64(len(history))
	stats[key+"_max"] = max
	stats[key+"_min"] = min
}

// Optimize performs best-effort remediation: a forced GC cycle and, on
// supporting platforms, a drop of the process scheduling priority. Failures
// are logged and swallowed; this is a courtesy action.
func (m *Manager) Optimize() {
	runtime.GC()

	if err := lowerProcessPriority(); err != nil {
		m.logger.Warn("Failed to lower process priority", logger.Error(err))
	}

	m.logger.Debug("Resource optimization performed")
}
