package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pared2021/taskcore/pkg/logger"
	"github.com/pared2021/taskcore/pkg/models"
)

var (
	// ErrNotRunning is returned by operations invoked before Start.
	ErrNotRunning = errors.New("scheduler is not running")
	// ErrTaskNotFound is returned when an id matches no tracked task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDuplicateTask is returned when adding a task whose id is already tracked.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrNoHandler is returned when adding a task without a handler.
	ErrNoHandler = errors.New("task has no handler")
	// ErrNotPending is returned when suspending a task that is not pending.
	ErrNotPending = errors.New("task is not pending")
	// ErrNotSuspended is returned when resuming a task that is not suspended.
	ErrNotSuspended = errors.New("task is not suspended")
	// ErrTaskTimeout marks a task failed by the timeout sweep.
	ErrTaskTimeout = errors.New("task execution timed out")
)

// StatsSource feeds resource figures into the scheduling context. The
// resource manager satisfies it; a nil source yields an empty resource map.
type StatsSource interface {
	Stats() map[string]float64
}

// HandlerFactory builds a handler from task-type parameters. Registered
// factories let callers construct tasks generically from configuration.
type HandlerFactory func(params map[string]string) models.HandlerFunc

// Options tune the scheduling loop. Zero values fall back to defaults.
type Options struct {
	Tick              time.Duration // scheduling cycle interval
	TaskTimeout       time.Duration // running time before the sweep fails a task
	TerminalRetention time.Duration // how long completed/failed tasks are kept
}

const (
	defaultTick              = 100 * time.Millisecond
	defaultTaskTimeout       = time.Hour
	defaultTerminalRetention = 24 * time.Hour
)

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = defaultTick
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = defaultTaskTimeout
	}
	if o.TerminalRetention <= 0 {
		o.TerminalRetention = defaultTerminalRetention
	}
	return o
}

// Scheduler dispatches condition-gated tasks from a priority queue. One loop
// goroutine drives the ticks; each dispatched task runs on its own goroutine.
// The queue, the state maps and all task mutations are guarded by a single
// scheduler-wide mutex, so a task is observable in exactly one of
// {queued, running, completed, failed, suspended} at any instant.
type Scheduler struct {
	opts      Options
	resources StatsSource
	logger    *logger.Logger

	mu         sync.Mutex
	queue      *taskQueue
	running    map[string]*models.Task
	completed  map[string]*models.Task
	failed     map[string]*models.Task
	suspended  map[string]*models.Task
	cancels    map[string]context.CancelFunc
	attempts   map[string]uint64
	attemptSeq uint64
	started    bool
	stopCh     chan struct{}
	doneCh     chan struct{}

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFactory
}

// New creates a scheduler. resources may be nil, in which case resource
// conditions always see an empty map and fail.
func New(resources StatsSource, log *logger.Logger, opts Options) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Scheduler{
		opts:      opts.withDefaults(),
		resources: resources,
		logger:    log,
		queue:     newTaskQueue(),
		running:   make(map[string]*models.Task),
		completed: make(map[string]*models.Task),
		failed:    make(map[string]*models.Task),
		suspended: make(map[string]*models.Task),
		cancels:   make(map[string]context.CancelFunc),
		attempts:  make(map[string]uint64),
		handlers:  make(map[string]HandlerFactory),
	}
}

// RegisterHandler associates a handler factory with a task type. Registering
// the same type again replaces the previous factory.
func (s *Scheduler) RegisterHandler(taskType string, factory HandlerFactory) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[taskType] = factory
}

// BuildTask constructs a task through the factory registered for taskType.
// The caller may set conditions and retry policy on the result before Add.
func (s *Scheduler) BuildTask(taskType, name string, priority models.TaskPriority, params map[string]string) (*models.Task, error) {
	s.handlersMu.RLock()
	factory, ok := s.handlers[taskType]
	s.handlersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type %q", taskType)
	}

	return &models.Task{
		Name:     name,
		Priority: priority,
		Handler:  factory(params),
	}, nil
}

// Start launches the scheduling loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	s.logger.Info("Scheduler started",
		logger.Duration("tick", s.opts.Tick),
		logger.Duration("task_timeout", s.opts.TaskTimeout),
	)

	go s.run(stopCh, doneCh)
}

// Stop terminates the scheduling loop and waits for it to exit. Running task
// goroutines are not interrupted; their completions are still recorded.
// Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-stopCh:
			return
		}
	}
}

// Add inserts a task into the pending queue. A missing id is generated, a
// zero creation time is stamped now. The task starts with a clean retry
// counter regardless of what the caller set.
//
// Ownership of the Task transfers to the scheduler: the caller must not
// read or write its fields after Add returns. Observe progress through
// Status, which returns a consistent snapshot.
func (s *Scheduler) Add(task *models.Task) error {
	if task.Handler == nil {
		return fmt.Errorf("%w: %q", ErrNoHandler, task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotRunning
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if s.trackedLocked(task.ID) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}

	task.Status = models.TaskStatusPending
	task.RetryCount = 0
	s.queue.push(task)

	s.logger.Info("Task queued",
		logger.String("task_id", task.ID),
		logger.String("name", task.Name),
		logger.String("priority", task.Priority.String()),
		logger.Int("conditions", len(task.Conditions)),
	)

	return nil
}

// Status returns a snapshot of the task with the given id, looked up in
// order running, completed, failed, pending queue, suspended. The snapshot
// is a copy taken under the scheduler lock (with the handler stripped), so
// callers can read it freely while the task keeps executing.
func (s *Scheduler) Status(id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil, ErrNotRunning
	}
	if task := s.trackedLocked(id); task != nil {
		snapshot := *task
		snapshot.Handler = nil
		return &snapshot, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// trackedLocked finds a task in any state map. Caller holds s.mu.
func (s *Scheduler) trackedLocked(id string) *models.Task {
	if task, ok := s.running[id]; ok {
		return task
	}
	if task, ok := s.completed[id]; ok {
		return task
	}
	if task, ok := s.failed[id]; ok {
		return task
	}
	if task := s.queue.get(id); task != nil {
		return task
	}
	if task, ok := s.suspended[id]; ok {
		return task
	}
	return nil
}

// Suspend moves a pending task out of the queue. Only pending tasks may be
// suspended; any other state is reported as an error, never a panic.
func (s *Scheduler) Suspend(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotRunning
	}

	task := s.queue.remove(id)
	if task == nil {
		if s.trackedLocked(id) != nil {
			return fmt.Errorf("%w: %s", ErrNotPending, id)
		}
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	task.Status = models.TaskStatusSuspended
	s.suspended[id] = task

	s.logger.Info("Task suspended", logger.String("task_id", id))
	return nil
}

// Resume returns a suspended task to the pending queue, re-contesting
// ordering with its original creation time.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotRunning
	}

	task, ok := s.suspended[id]
	if !ok {
		if s.trackedLocked(id) != nil {
			return fmt.Errorf("%w: %s", ErrNotSuspended, id)
		}
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	delete(s.suspended, id)
	task.Status = models.TaskStatusPending
	s.queue.push(task)

	s.logger.Info("Task resumed", logger.String("task_id", id))
	return nil
}

// Stats returns a count of tasks per state.
func (s *Scheduler) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]int{
		"pending":   s.queue.len(),
		"running":   len(s.running),
		"completed": len(s.completed),
		"failed":    len(s.failed),
		"suspended": len(s.suspended),
	}
}

// tick runs one scheduling cycle: rebuild the context, test the queue head,
// dispatch at most one task, then sweep timeouts and collect old terminal
// tasks. Only the head task's conditions are evaluated; a blocked head
// starves ready tasks behind it. That head-of-line policy is deliberate.
func (s *Scheduler) tick() {
	// Resource stats live behind the manager's own lock; read them before
	// taking ours.
	resources := map[string]float64{}
	if s.resources != nil {
		resources = s.resources.Stats()
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sc := &models.SchedulingContext{
		Resources:      resources,
		CompletedTasks: make(map[string]struct{}, len(s.completed)),
		Now:            now,
	}
	for id := range s.completed {
		sc.CompletedTasks[id] = struct{}{}
	}

	if head := s.queue.peek(); head != nil {
		if s.conditionsMet(head, sc) {
			s.dispatchLocked(s.queue.pop())
		}
	}

	s.sweepTimeoutsLocked(now)
	s.collectTerminalLocked(now)
}

func (s *Scheduler) conditionsMet(task *models.Task, sc *models.SchedulingContext) bool {
	for i, cond := range task.Conditions {
		if !cond.Met(sc) {
			s.logger.Debug("Task blocked by condition",
				logger.String("task_id", task.ID),
				logger.String("kind", string(cond.Kind)),
				logger.Int("condition", i),
			)
			return false
		}
	}
	return true
}

// dispatchLocked hands a task to a fresh worker goroutine. The loop never
// waits on handler bodies. Each dispatch is stamped with a unique attempt
// token so an outcome from a superseded attempt cannot be mistaken for the
// current one. Caller holds s.mu.
func (s *Scheduler) dispatchLocked(task *models.Task) {
	now := time.Now()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	s.running[task.ID] = task

	s.attemptSeq++
	attempt := s.attemptSeq
	s.attempts[task.ID] = attempt

	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[task.ID] = cancel

	s.logger.Info("Task dispatched",
		logger.String("task_id", task.ID),
		logger.String("name", task.Name),
		logger.String("priority", task.Priority.String()),
		logger.Int("retry_count", task.RetryCount),
	)

	go s.execute(ctx, task, attempt)
}

// execute runs the handler on a worker goroutine and reports the outcome.
func (s *Scheduler) execute(ctx context.Context, task *models.Task, attempt uint64) {
	result, err := s.invoke(ctx, task)
	s.finish(task, attempt, result, err)
}

// invoke calls the handler, converting a panic into an error so a broken
// handler cannot take down the process.
func (s *Scheduler) invoke(ctx context.Context, task *models.Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return task.Handler(ctx)
}

// finish records a worker outcome. An outcome is only accepted if the task is
// still running the same attempt it came from: a result arriving after the
// timeout sweep failed that attempt is discarded, even when the task has
// since been requeued and re-dispatched.
func (s *Scheduler) finish(task *models.Task, attempt uint64, result any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.running[task.ID]; !ok || s.attempts[task.ID] != attempt {
		s.logger.Debug("Discarding outcome of superseded attempt",
			logger.String("task_id", task.ID),
		)
		return
	}

	delete(s.running, task.ID)
	delete(s.attempts, task.ID)
	if cancel, ok := s.cancels[task.ID]; ok {
		cancel()
		delete(s.cancels, task.ID)
	}

	if err == nil {
		now := time.Now()
		task.Status = models.TaskStatusCompleted
		task.FinishedAt = &now
		task.Result = result
		task.Err = nil
		s.completed[task.ID] = task

		s.logger.Info("Task completed",
			logger.String("task_id", task.ID),
			logger.String("name", task.Name),
			logger.Duration("elapsed", now.Sub(*task.StartedAt)),
		)
		return
	}

	s.failLocked(task, err)
}

// failLocked drives the retry/escalate state machine for a failed execution.
// The task keeps its original creation time, so a retry retains its queue
// seniority. Caller holds s.mu.
func (s *Scheduler) failLocked(task *models.Task, err error) {
	task.Err = err

	if task.RetryCount < task.RetryLimit {
		task.RetryCount++
		task.Status = models.TaskStatusPending
		task.StartedAt = nil
		s.queue.push(task)

		s.logger.Warn("Task failed, requeued for retry",
			logger.String("task_id", task.ID),
			logger.String("name", task.Name),
			logger.Int("retry_count", task.RetryCount),
			logger.Int("retry_limit", task.RetryLimit),
			logger.Error(err),
		)
		return
	}

	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.FinishedAt = &now
	s.failed[task.ID] = task

	s.logger.Error("Task failed permanently",
		logger.String("task_id", task.ID),
		logger.String("name", task.Name),
		logger.Int("retry_count", task.RetryCount),
		logger.Error(err),
	)
}

// sweepTimeoutsLocked fails any running task past the timeout. The worker
// context is cancelled so cooperative handlers stop; either way the failure
// is recorded now and a later handler return is ignored. Caller holds s.mu.
func (s *Scheduler) sweepTimeoutsLocked(now time.Time) {
	for id, task := range s.running {
		if task.StartedAt == nil || now.Sub(*task.StartedAt) <= s.opts.TaskTimeout {
			continue
		}

		if cancel, ok := s.cancels[id]; ok {
			cancel()
			delete(s.cancels, id)
		}
		delete(s.running, id)
		delete(s.attempts, id)

		s.logger.Warn("Task timed out",
			logger.String("task_id", id),
			logger.String("name", task.Name),
			logger.Duration("timeout", s.opts.TaskTimeout),
		)

		s.failLocked(task, fmt.Errorf("%w after %s", ErrTaskTimeout, s.opts.TaskTimeout))
	}
}

// collectTerminalLocked evicts terminal tasks past the retention window so
// long-lived processes keep bounded memory. Caller holds s.mu.
func (s *Scheduler) collectTerminalLocked(now time.Time) {
	cutoff := now.Add(-s.opts.TerminalRetention)
	for id, task := range s.completed {
		if task.FinishedAt != nil && task.FinishedAt.Before(cutoff) {
			delete(s.completed, id)
		}
	}
	for id, task := range s.failed {
		if task.FinishedAt != nil && task.FinishedAt.Before(cutoff) {
			delete(s.failed, id)
		}
	}
}
