package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pared2021/taskcore/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "taskd.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	content := `
monitor:
  check_interval: 10
  history_max_size: 200
  disk_path: "/var"

limits:
  max_cpu_percent: 90
  max_memory_mb: 4096
  max_gpu_memory_mb: 8192
  min_free_disk_mb: 2048

scheduler:
  tick_ms: 250
  task_timeout_s: 600
  terminal_retention_s: 3600

logging:
  level: "debug"
  format: "json"
  output: "stderr"

tasks:
  - name: nightly-capture
    type: shell
    priority: low
    retry_limit: 2
    params:
      command: "echo done"
    conditions:
      - kind: resource
        required:
          cpu: 50
      - kind: dependency
        requires: ["warmup"]
`

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Monitor.CheckIntervalS != 10 {
		t.Errorf("Expected check_interval 10, got %d", cfg.Monitor.CheckIntervalS)
	}
	if cfg.Monitor.DiskPath != "/var" {
		t.Errorf("Expected disk_path /var, got %s", cfg.Monitor.DiskPath)
	}
	if cfg.Limits.MaxCPUPercent != 90 {
		t.Errorf("Expected max_cpu_percent 90, got %f", cfg.Limits.MaxCPUPercent)
	}
	if cfg.Scheduler.TickMS != 250 {
		t.Errorf("Expected tick_ms 250, got %d", cfg.Scheduler.TickMS)
	}
	if len(cfg.Tasks) != 1 {
		t.Fatalf("Expected 1 task definition, got %d", len(cfg.Tasks))
	}
	if cfg.Tasks[0].Params["command"] != "echo done" {
		t.Errorf("Unexpected task params: %v", cfg.Tasks[0].Params)
	}
	if len(cfg.Tasks[0].Conditions) != 2 {
		t.Errorf("Expected 2 conditions, got %d", len(cfg.Tasks[0].Conditions))
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Monitor.CheckIntervalS != DefaultCheckIntervalS {
		t.Errorf("Expected default check_interval, got %d", cfg.Monitor.CheckIntervalS)
	}
	if cfg.Monitor.HistoryMaxSize != DefaultHistoryMaxSize {
		t.Errorf("Expected default history_max_size, got %d", cfg.Monitor.HistoryMaxSize)
	}
	if cfg.Limits.MaxMemoryMB != DefaultMaxMemoryMB {
		t.Errorf("Expected default max_memory_mb, got %f", cfg.Limits.MaxMemoryMB)
	}
	if cfg.Scheduler.TickMS != DefaultTickMS {
		t.Errorf("Expected default tick_ms, got %d", cfg.Scheduler.TickMS)
	}
	if cfg.Scheduler.TaskTimeoutS != DefaultTaskTimeoutS {
		t.Errorf("Expected default task_timeout_s, got %d", cfg.Scheduler.TaskTimeoutS)
	}
	if cfg.Scheduler.TerminalRetentionS != DefaultTerminalRetentionS {
		t.Errorf("Expected default terminal_retention_s, got %d", cfg.Scheduler.TerminalRetentionS)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "task without type",
			content: "tasks:\n  - name: broken\n",
		},
		{
			name:    "unknown priority",
			content: "tasks:\n  - name: t\n    type: shell\n    priority: urgent\n",
		},
		{
			name:    "unknown condition kind",
			content: "tasks:\n  - name: t\n    type: shell\n    conditions:\n      - kind: weather\n",
		},
		{
			name:    "bad time bound",
			content: "tasks:\n  - name: t\n    type: shell\n    conditions:\n      - kind: time\n        not_before: yesterday\n",
		},
		{
			name:    "negative retry limit",
			content: "tasks:\n  - name: t\n    type: shell\n    retry_limit: -1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}

func TestConditionDefinitionConversion(t *testing.T) {
	def := ConditionDefinition{
		Kind:      "time",
		NotBefore: "2026-03-15T09:00:00Z",
		NotAfter:  "2026-03-15T17:00:00Z",
	}

	cond, err := def.Condition()
	if err != nil {
		t.Fatalf("Condition() failed: %v", err)
	}
	if cond.Kind != models.ConditionTime {
		t.Errorf("Expected time condition, got %s", cond.Kind)
	}
	if cond.NotBefore == nil || cond.NotAfter == nil {
		t.Fatal("Expected both window bounds to be set")
	}
	if !cond.NotBefore.Before(*cond.NotAfter) {
		t.Error("Expected not_before earlier than not_after")
	}
}
