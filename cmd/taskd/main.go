package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pared2021/taskcore/pkg/config"
	"github.com/pared2021/taskcore/pkg/logger"
	"github.com/pared2021/taskcore/pkg/models"
	"github.com/pared2021/taskcore/pkg/resource"
	"github.com/pared2021/taskcore/pkg/scheduler"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const statusLogInterval = 30 * time.Second

func main() {
	var (
		configFile  = flag.String("config", "configs/taskd.yaml", "Path to config file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("taskd\n")
		fmt.Printf("  Version:    %s\n", Version)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting taskd",
		zap.String("version", Version),
		zap.String("config", *configFile),
	)

	provider, err := resource.NewSystemProvider(cfg.Monitor.DiskPath)
	if err != nil {
		log.Fatal("Failed to initialize resource provider", zap.Error(err))
	}

	manager := resource.NewManager(provider, cfg.Limits, cfg.Monitor.CheckInterval(), cfg.Monitor.HistoryMaxSize, log)
	manager.StartMonitoring()

	sched := scheduler.New(manager, log, scheduler.Options{
		Tick:              cfg.Scheduler.Tick(),
		TaskTimeout:       cfg.Scheduler.TaskTimeout(),
		TerminalRetention: cfg.Scheduler.TerminalRetention(),
	})
	sched.RegisterHandler("shell", shellHandler)
	sched.Start()

	if err := submitConfiguredTasks(sched, cfg, log); err != nil {
		log.Fatal("Failed to submit configured tasks", zap.Error(err))
	}

	stopStatus := make(chan struct{})
	go logStatus(sched, manager, log, stopStatus)

	log.Info("taskd started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down taskd...")

	close(stopStatus)
	sched.Stop()
	manager.StopMonitoring()

	log.Info("taskd stopped")
}

// shellHandler runs params["command"] through the shell, honoring worker
// cancellation.
func shellHandler(params map[string]string) models.HandlerFunc {
	command := params["command"]
	return func(ctx context.Context) (any, error) {
		if command == "" {
			return nil, fmt.Errorf("shell task has no command")
		}

		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(output)))
		}
		return strings.TrimSpace(string(output)), nil
	}
}

// submitConfiguredTasks builds and queues the tasks declared in the config
// file through the handler registry.
func submitConfiguredTasks(sched *scheduler.Scheduler, cfg *config.Config, log *logger.Logger) error {
	for _, def := range cfg.Tasks {
		priority := models.PriorityNormal
		if def.Priority != "" {
			p, err := models.ParsePriority(def.Priority)
			if err != nil {
				return fmt.Errorf("task %q: %w", def.Name, err)
			}
			priority = p
		}

		task, err := sched.BuildTask(def.Type, def.Name, priority, def.Params)
		if err != nil {
			return fmt.Errorf("task %q: %w", def.Name, err)
		}
		task.RetryLimit = def.RetryLimit

		for _, condDef := range def.Conditions {
			cond, err := condDef.Condition()
			if err != nil {
				return fmt.Errorf("task %q: %w", def.Name, err)
			}
			task.Conditions = append(task.Conditions, cond)
		}

		if err := sched.Add(task); err != nil {
			return fmt.Errorf("task %q: %w", def.Name, err)
		}

		log.Info("Configured task submitted",
			zap.String("task_id", task.ID),
			zap.String("name", def.Name),
			zap.String("type", def.Type),
		)
	}
	return nil
}

// logStatus periodically logs scheduler counts and the latest resource view.
func logStatus(sched *scheduler.Scheduler, manager *resource.Manager, log *logger.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			counts := sched.Stats()
			fields := []zap.Field{
				zap.Int("pending", counts["pending"]),
				zap.Int("running", counts["running"]),
				zap.Int("completed", counts["completed"]),
				zap.Int("failed", counts["failed"]),
				zap.Int("suspended", counts["suspended"]),
			}
			if usage, ok := manager.Latest(); ok {
				fields = append(fields,
					zap.Float64("cpu_percent", usage.CPUPercent),
					zap.Float64("memory_mb", usage.MemoryMB),
					zap.Float64("free_disk_mb", usage.FreeDiskMB),
				)
			}
			log.Info("Scheduler status", fields...)
		case <-stop:
			return
		}
	}
}
