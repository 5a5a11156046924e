package resource

import (
	"errors"
	"testing"
	"time"

	"github.com/pared2021/taskcore/pkg/logger"
	"github.com/pared2021/taskcore/pkg/models"
)

func testLimits() models.ResourceLimits {
	return models.ResourceLimits{
		MaxCPUPercent:  80,
		MaxMemoryMB:    2048,
		MaxGPUMemoryMB: 4096,
		MinFreeDiskMB:  1024,
	}
}

func staticProvider(usage models.ResourceUsage) Provider {
	return ProviderFunc(func() (models.ResourceUsage, error) {
		usage.Timestamp = time.Now()
		return usage, nil
	})
}

func TestHistoryBounded(t *testing.T) {
	cpu := 0.0
	provider := ProviderFunc(func() (models.ResourceUsage, error) {
		cpu++
		return models.ResourceUsage{Timestamp: time.Now(), CPUPercent: cpu}, nil
	})

	m := NewManager(provider, testLimits(), time.Second, 5, logger.NewNop())
	for i := 0; i < 12; i++ {
		m.sampleOnce()
	}

	history := m.History()
	if len(history) != 5 {
		t.Fatalf("Expected history capped at 5, got %d", len(history))
	}

	// Oldest evicted first: the retained samples are the last five.
	if history[0].CPUPercent != 8 {
		t.Errorf("Expected oldest retained sample cpu=8, got %f", history[0].CPUPercent)
	}
	if history[4].CPUPercent != 12 {
		t.Errorf("Expected newest sample cpu=12, got %f", history[4].CPUPercent)
	}
}

func TestCheckLimits(t *testing.T) {
	m := NewManager(staticProvider(models.ResourceUsage{}), testLimits(), time.Second, 10, logger.NewNop())

	tests := []struct {
		name     string
		usage    models.ResourceUsage
		warnings int
	}{
		{
			name:     "all within limits",
			usage:    models.ResourceUsage{CPUPercent: 50, MemoryMB: 1024, GPUMemoryMB: 2048, FreeDiskMB: 9000},
			warnings: 0,
		},
		{
			name:     "cpu over limit",
			usage:    models.ResourceUsage{CPUPercent: 95, MemoryMB: 1024, GPUMemoryMB: 0, FreeDiskMB: 9000},
			warnings: 1,
		},
		{
			name:     "memory and disk exceeded",
			usage:    models.ResourceUsage{CPUPercent: 10, MemoryMB: 4000, GPUMemoryMB: 0, FreeDiskMB: 100},
			warnings: 2,
		},
		{
			name:     "everything exceeded",
			usage:    models.ResourceUsage{CPUPercent: 99, MemoryMB: 4000, GPUMemoryMB: 9000, FreeDiskMB: 10},
			warnings: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.CheckLimits(tt.usage)
			if len(got) != tt.warnings {
				t.Errorf("CheckLimits() returned %d warnings (%v), want %d", len(got), got, tt.warnings)
			}
		})
	}
}

func TestStatsAggregation(t *testing.T) {
	samples := []models.ResourceUsage{
		{CPUPercent: 10, MemoryMB: 100, GPUMemoryMB: 0, FreeDiskMB: 5000},
		{CPUPercent: 30, MemoryMB: 200, GPUMemoryMB: 0, FreeDiskMB: 4500},
		{CPUPercent: 20, MemoryMB: 300, GPUMemoryMB: 0, FreeDiskMB: 4000},
	}

	i := 0
	provider := ProviderFunc(func() (models.ResourceUsage, error) {
		u := samples[i]
		i++
		return u, nil
	})

	m := NewManager(provider, testLimits(), time.Second, 10, logger.NewNop())
	for range samples {
		m.sampleOnce()
	}

	stats := m.Stats()
	checks := map[string]float64{
		StatCPU:             20,
		StatCPU + "_mean":   20,
		StatCPU + "_max":    30,
		StatCPU + "_min":    10,
		StatMemory:          300,
		StatMemory + "_max": 300,
		StatMemory + "_min": 100,
		StatDiskFree:        4000,
	}
	for key, want := range checks {
		if got := stats[key]; got != want {
			t.Errorf("stats[%q] = %f, want %f", key, got, want)
		}
	}
}

func TestStatsEmptyWithoutSamples(t *testing.T) {
	m := NewManager(staticProvider(models.ResourceUsage{}), testLimits(), time.Second, 10, logger.NewNop())

	if stats := m.Stats(); len(stats) != 0 {
		t.Errorf("Expected empty stats before sampling, got %v", stats)
	}
	if _, ok := m.Latest(); ok {
		t.Error("Expected no latest sample before sampling")
	}
}

func TestSampleErrorsAreSkipped(t *testing.T) {
	calls := 0
	provider := ProviderFunc(func() (models.ResourceUsage, error) {
		calls++
		if calls%2 == 0 {
			return models.ResourceUsage{}, errors.New("metrics backend unavailable")
		}
		return models.ResourceUsage{Timestamp: time.Now(), CPUPercent: float64(calls)}, nil
	})

	m := NewManager(provider, testLimits(), time.Second, 10, logger.NewNop())
	for i := 0; i < 6; i++ {
		m.sampleOnce()
	}

	// Half the samples failed; the other half must have been recorded.
	if got := len(m.History()); got != 3 {
		t.Errorf("Expected 3 recorded samples, got %d", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	m := NewManager(staticProvider(models.ResourceUsage{CPUPercent: 1, FreeDiskMB: 9000, MemoryMB: 10}), testLimits(), 10*time.Millisecond, 10, logger.NewNop())

	m.StartMonitoring()
	m.StartMonitoring()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Latest(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Monitoring loop never produced a sample")
		}
		time.Sleep(time.Millisecond)
	}

	m.StopMonitoring()
	m.StopMonitoring()

	// Restart works after a stop.
	m.StartMonitoring()
	m.StopMonitoring()
}

func TestSetLimits(t *testing.T) {
	m := NewManager(staticProvider(models.ResourceUsage{}), testLimits(), time.Second, 10, logger.NewNop())

	usage := models.ResourceUsage{CPUPercent: 85, MemoryMB: 100, FreeDiskMB: 9000}
	if got := m.CheckLimits(usage); len(got) != 1 {
		t.Fatalf("Expected 1 warning before update, got %v", got)
	}

	limits := m.Limits()
	limits.MaxCPUPercent = 90
	m.SetLimits(limits)

	if got := m.CheckLimits(usage); len(got) != 0 {
		t.Errorf("Expected no warnings after raising cpu limit, got %v", got)
	}
}
