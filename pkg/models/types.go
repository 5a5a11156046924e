package models

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TaskPriority orders tasks in the scheduling queue. Lower values are more
// urgent.
type TaskPriority int

const (
	PriorityCritical TaskPriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

var priorityNames = map[TaskPriority]string{
	PriorityCritical:   "critical",
	PriorityHigh:       "high",
	PriorityNormal:     "normal",
	PriorityLow:        "low",
	PriorityBackground: "background",
}

func (p TaskPriority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a priority name to a TaskPriority.
func ParsePriority(s string) (TaskPriority, error) {
	for p, name := range priorityNames {
		if name == strings.ToLower(s) {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSuspended TaskStatus = "suspended"
)

// HandlerFunc is the unit of work carried by a task. The scheduler assumes
// handlers are safe to re-invoke: a retried handler re-runs from scratch, it
// does not resume. The context is cancelled when the task times out or the
// scheduler shuts down.
type HandlerFunc func(ctx context.Context) (any, error)

// Task represents a schedulable unit of work
type Task struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Priority   TaskPriority `json:"priority"`
	Handler    HandlerFunc  `json:"-"`
	Conditions []Condition  `json:"conditions,omitempty"`
	RetryLimit int          `json:"retry_limit"`
	RetryCount int          `json:"retry_count"`
	Status     TaskStatus   `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Result     any          `json:"result,omitempty"`
	Err        error        `json:"-"`
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// ResourceUsage is a point-in-time measurement of host resources. Values are
// best-effort; GPUMemoryMB is zero when no GPU library is available.
type ResourceUsage struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryMB    float64   `json:"memory_mb"`
	GPUMemoryMB float64   `json:"gpu_memory_mb"`
	FreeDiskMB  float64   `json:"free_disk_mb"`
}

// ResourceLimits holds the advisory thresholds checked after each sample.
// Exceeding a limit produces a warning, never a hard stop.
type ResourceLimits struct {
	MaxCPUPercent  float64 `yaml:"max_cpu_percent" json:"max_cpu_percent"`
	MaxMemoryMB    float64 `yaml:"max_memory_mb" json:"max_memory_mb"`
	MaxGPUMemoryMB float64 `yaml:"max_gpu_memory_mb" json:"max_gpu_memory_mb"`
	MinFreeDiskMB  float64 `yaml:"min_free_disk_mb" json:"min_free_disk_mb"`
}

// SchedulingContext is the snapshot a scheduler tick evaluates conditions
// against. It is rebuilt once per tick and never shared across ticks.
type SchedulingContext struct {
	Resources      map[string]float64
	CompletedTasks map[string]struct{}
	Now            time.Time
}
