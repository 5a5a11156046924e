package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pared2021/taskcore/pkg/logger"
	"github.com/pared2021/taskcore/pkg/models"
	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultCheckIntervalS     = 5
	DefaultHistoryMaxSize     = 1000
	DefaultDiskPath           = "/"
	DefaultMaxCPUPercent      = 80
	DefaultMaxMemoryMB        = 2048
	DefaultMaxGPUMemoryMB     = 4096
	DefaultMinFreeDiskMB      = 1024
	DefaultTickMS             = 100
	DefaultTaskTimeoutS       = 3600
	DefaultTerminalRetentionS = 86400
)

// Config holds all configuration for the daemon
type Config struct {
	Monitor   MonitorConfig         `yaml:"monitor"`
	Limits    models.ResourceLimits `yaml:"limits"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Logging   logger.Config         `yaml:"logging"`
	Tasks     []TaskDefinition      `yaml:"tasks"`
}

// MonitorConfig configures the resource sampling loop
type MonitorConfig struct {
	CheckIntervalS int    `yaml:"check_interval"`
	HistoryMaxSize int    `yaml:"history_max_size"`
	DiskPath       string `yaml:"disk_path"`
}

// CheckInterval returns the sampling interval as a duration.
func (m MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalS) * time.Second
}

// SchedulerConfig configures the scheduling loop
type SchedulerConfig struct {
	TickMS             int `yaml:"tick_ms"`
	TaskTimeoutS       int `yaml:"task_timeout_s"`
	TerminalRetentionS int `yaml:"terminal_retention_s"`
}

// Tick returns the scheduler tick interval as a duration.
func (s SchedulerConfig) Tick() time.Duration {
	return time.Duration(s.TickMS) * time.Millisecond
}

// TaskTimeout returns the running-task timeout as a duration.
func (s SchedulerConfig) TaskTimeout() time.Duration {
	return time.Duration(s.TaskTimeoutS) * time.Second
}

// TerminalRetention returns how long terminal tasks are kept before GC.
func (s SchedulerConfig) TerminalRetention() time.Duration {
	return time.Duration(s.TerminalRetentionS) * time.Second
}

// TaskDefinition declares a task to submit at startup. The type must match a
// registered handler factory.
type TaskDefinition struct {
	Name       string                `yaml:"name"`
	Type       string                `yaml:"type"`
	Priority   string                `yaml:"priority"`
	RetryLimit int                   `yaml:"retry_limit"`
	Params     map[string]string     `yaml:"params"`
	Conditions []ConditionDefinition `yaml:"conditions"`
}

// ConditionDefinition is the yaml form of a dispatch condition
type ConditionDefinition struct {
	Kind      string             `yaml:"kind"`
	Required  map[string]float64 `yaml:"required,omitempty"`
	NotBefore string             `yaml:"not_before,omitempty"`
	NotAfter  string             `yaml:"not_after,omitempty"`
	Requires  []string           `yaml:"requires,omitempty"`
}

// Condition converts the definition to a models.Condition. Time bounds are
// RFC3339.
func (c ConditionDefinition) Condition() (models.Condition, error) {
	switch models.ConditionKind(c.Kind) {
	case models.ConditionResource:
		return models.ResourceCondition(c.Required), nil

	case models.ConditionTime:
		var notBefore, notAfter *time.Time
		if c.NotBefore != "" {
			t, err := time.Parse(time.RFC3339, c.NotBefore)
			if err != nil {
				return models.Condition{}, fmt.Errorf("invalid not_before: %w", err)
			}
			notBefore = &t
		}
		if c.NotAfter != "" {
			t, err := time.Parse(time.RFC3339, c.NotAfter)
			if err != nil {
				return models.Condition{}, fmt.Errorf("invalid not_after: %w", err)
			}
			notAfter = &t
		}
		return models.TimeWindow(notBefore, notAfter), nil

	case models.ConditionDependency:
		return models.DependsOn(c.Requires...), nil

	default:
		return models.Condition{}, fmt.Errorf("unknown condition kind: %q", c.Kind)
	}
}

// Load reads, defaults and validates configuration from a yaml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no tasks.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Monitor.CheckIntervalS == 0 {
		cfg.Monitor.CheckIntervalS = DefaultCheckIntervalS
	}
	if cfg.Monitor.HistoryMaxSize == 0 {
		cfg.Monitor.HistoryMaxSize = DefaultHistoryMaxSize
	}
	if cfg.Monitor.DiskPath == "" {
		cfg.Monitor.DiskPath = DefaultDiskPath
	}
	if cfg.Limits.MaxCPUPercent == 0 {
		cfg.Limits.MaxCPUPercent = DefaultMaxCPUPercent
	}
	if cfg.Limits.MaxMemoryMB == 0 {
		cfg.Limits.MaxMemoryMB = DefaultMaxMemoryMB
	}
	if cfg.Limits.MaxGPUMemoryMB == 0 {
		cfg.Limits.MaxGPUMemoryMB = DefaultMaxGPUMemoryMB
	}
	if cfg.Limits.MinFreeDiskMB == 0 {
		cfg.Limits.MinFreeDiskMB = DefaultMinFreeDiskMB
	}
	if cfg.Scheduler.TickMS == 0 {
		cfg.Scheduler.TickMS = DefaultTickMS
	}
	if cfg.Scheduler.TaskTimeoutS == 0 {
		cfg.Scheduler.TaskTimeoutS = DefaultTaskTimeoutS
	}
	if cfg.Scheduler.TerminalRetentionS == 0 {
		cfg.Scheduler.TerminalRetentionS = DefaultTerminalRetentionS
	}
}

func validate(cfg *Config) error {
	if cfg.Monitor.CheckIntervalS < 0 {
		return fmt.Errorf("monitor.check_interval must not be negative")
	}
	if cfg.Monitor.HistoryMaxSize < 1 {
		return fmt.Errorf("monitor.history_max_size must be at least 1")
	}
	if cfg.Scheduler.TickMS < 1 {
		return fmt.Errorf("scheduler.tick_ms must be at least 1")
	}
	if cfg.Scheduler.TaskTimeoutS < 1 {
		return fmt.Errorf("scheduler.task_timeout_s must be at least 1")
	}
	if cfg.Scheduler.TerminalRetentionS < 1 {
		return fmt.Errorf("scheduler.terminal_retention_s must be at least 1")
	}

	for i, def := range cfg.Tasks {
		if def.Name == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		if def.Type == "" {
			return fmt.Errorf("tasks[%d] (%s): type is required", i, def.Name)
		}
		if def.RetryLimit < 0 {
			return fmt.Errorf("tasks[%d] (%s): retry_limit must not be negative", i, def.Name)
		}
		if def.Priority != "" {
			if _, err := models.ParsePriority(def.Priority); err != nil {
				return fmt.Errorf("tasks[%d] (%s): %w", i, def.Name, err)
			}
		}
		for j, cond := range def.Conditions {
			if _, err := cond.Condition(); err != nil {
				return fmt.Errorf("tasks[%d] (%s) conditions[%d]: %w", i, def.Name, j, err)
			}
		}
	}

	return nil
}
