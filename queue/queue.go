// Package queue admits pending tasks into the pipeline. The store is the
// only source of truth: admission is a compare-and-swap status transition
// validated by the store, so a dispatcher crash never loses or duplicates a
// task. A ticker plus a wake channel drives the loop; submitters wake it for
// prompt admission and the ticker covers orphan recovery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/repolens/store"
)

// Runner drives one admitted task to a terminal status. *pipeline.Driver
// satisfies it.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// Config tunes the dispatcher.
type Config struct {
	// MaxRunning is the global cap on tasks in status running.
	MaxRunning int
	// OrphanAfter is the heartbeat staleness beyond which a running task
	// counts as abandoned by its driver.
	OrphanAfter time.Duration
	// Tick is the loop cadence when nothing wakes the dispatcher. It bounds
	// both admission latency after a missed wake and orphan detection
	// latency.
	Tick time.Duration
	// FallbackTaskDuration seeds wait estimates before any task has
	// completed.
	FallbackTaskDuration time.Duration
	// ResumeInterrupted re-dispatches orphaned tasks from their stored step
	// when true and fails them when false.
	ResumeInterrupted bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRunning:           1,
		OrphanAfter:          60 * time.Second,
		Tick:                 2 * time.Second,
		FallbackTaskDuration: 5 * time.Minute,
		ResumeInterrupted:    true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxRunning < 1 {
		return fmt.Errorf("max_running must be at least 1, got %d", c.MaxRunning)
	}
	if c.OrphanAfter <= 0 {
		return fmt.Errorf("orphan_after must be positive, got %s", c.OrphanAfter)
	}
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %s", c.Tick)
	}
	if c.FallbackTaskDuration <= 0 {
		return fmt.Errorf("fallback_task_duration must be positive, got %s", c.FallbackTaskDuration)
	}
	return nil
}

// Dispatcher owns task admission. Exactly one loop goroutine reads the
// store and promotes tasks; each admitted task gets its own drive
// goroutine. Multiple dispatchers may share a store: the CAS admission
// makes racing promotions safe, the loser just re-reads.
type Dispatcher struct {
	store  store.Store
	runner Runner
	cfg    Config
	logger *slog.Logger

	// Lifecycle management
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	wake      chan struct{}

	// active tracks the task ids this process is currently driving, so an
	// orphan sweep never double-drives a local task and local capacity
	// stays bounded by MaxRunning.
	activeMu sync.Mutex
	active   map[string]struct{}

	// Metrics
	admitted    atomic.Int64
	reclaimed   atomic.Int64
	interrupted atomic.Int64
	driveErrors atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New builds a Dispatcher.
func New(st store.Store, runner Runner, cfg Config, opts ...Option) (*Dispatcher, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	d := &Dispatcher{
		store:  st,
		runner: runner,
		cfg:    cfg,
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
		active: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the dispatch loop. The first pass runs immediately, so
// tasks interrupted by a restart are picked up without waiting a tick.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.startTime = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(runCtx)

	d.logger.Info("dispatcher started",
		"max_running", d.cfg.MaxRunning,
		"orphan_after", d.cfg.OrphanAfter,
		"resume_interrupted", d.cfg.ResumeInterrupted)
	return nil
}

// Wake nudges the dispatch loop. Safe to call from any goroutine at any
// time; a wake while one is already queued is dropped.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and all drives, then waits up to timeout for them
// to unwind. Interrupted tasks keep status running and are reclaimed by the
// next dispatcher through the orphan sweep.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("dispatcher did not stop within %s", timeout)
	}

	d.logger.Info("dispatcher stopped",
		"admitted", d.admitted.Load(),
		"reclaimed", d.reclaimed.Load(),
		"interrupted", d.interrupted.Load(),
		"drive_errors", d.driveErrors.Load())
	return nil
}

// Running reports whether the dispatch loop is live.
func (d *Dispatcher) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	d.dispatchOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
		d.dispatchOnce(ctx)
	}
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.sweepOrphans(ctx)
	d.admitPending(ctx)
}

// sweepOrphans finds running tasks whose heartbeat went stale and either
// re-dispatches them from their stored step or fails them, per config.
// Tasks this process drives stamp their own heartbeats and are skipped.
func (d *Dispatcher) sweepOrphans(ctx context.Context) {
	tasks, err := d.store.ListTasks(ctx, store.TaskFilter{Status: store.TaskRunning})
	if err != nil {
		d.logger.Error("orphan sweep: list running tasks", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, task := range tasks {
		if d.isActive(task.ID) {
			continue
		}
		stale := now.Sub(task.HeartbeatAt)
		if stale <= d.cfg.OrphanAfter {
			continue
		}

		if !d.cfg.ResumeInterrupted {
			_, err := d.store.UpdateTask(ctx, task.ID, store.TaskPatch{
				Status:       store.Ptr(store.TaskFailed),
				EndTime:      &now,
				ErrorMessage: store.Ptr("interrupted: driver heartbeat went stale"),
			})
			if err != nil && !errors.Is(err, store.ErrConflict) {
				d.logger.Error("orphan sweep: fail task", "task_id", task.ID, "error", err)
				continue
			}
			d.interrupted.Add(1)
			d.logger.Warn("orphaned task failed", "task_id", task.ID, "stale", stale)
			continue
		}

		if !d.tryActivate(task.ID) {
			return // local capacity exhausted, next sweep retries
		}
		d.reclaimed.Add(1)
		d.logger.Info("re-dispatching orphaned task",
			"task_id", task.ID, "step", task.CurrentStep.String(), "stale", stale)
		d.wg.Add(1)
		go d.drive(ctx, task.ID)
	}
}

// admitPending promotes pending tasks while a slot is free. Admission is
// strictly FIFO: only the head of the pending order is ever considered, so
// a head waiting for its repository slot is never overtaken.
func (d *Dispatcher) admitPending(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		count, err := d.store.CountRunning(ctx)
		if err != nil {
			d.logger.Error("admission: count running", "error", err)
			return
		}
		if count >= d.cfg.MaxRunning {
			return
		}

		ids, err := d.store.ListPendingTaskIDs(ctx)
		if err != nil {
			d.logger.Error("admission: list pending", "error", err)
			return
		}
		if len(ids) == 0 {
			return
		}

		head, err := d.store.GetTask(ctx, ids[0])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // deleted under us, re-read the order
			}
			d.logger.Error("admission: load head", "task_id", ids[0], "error", err)
			return
		}
		if head.Status != store.TaskPending {
			continue // raced with another dispatcher
		}

		if head.CancelRequested {
			now := time.Now().UTC()
			_, err := d.store.UpdateTask(ctx, head.ID, store.TaskPatch{
				Status:       store.Ptr(store.TaskFailed),
				EndTime:      &now,
				ErrorMessage: store.Ptr("cancelled"),
			})
			if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrInvalidTransition) {
				d.logger.Error("admission: fail cancelled head", "task_id", head.ID, "error", err)
				return
			}
			d.logger.Info("cancelled task removed from queue", "task_id", head.ID)
			continue
		}

		busy, err := d.repositoryBusy(ctx, head.RepositoryID)
		if err != nil {
			d.logger.Error("admission: check repository", "repository_id", head.RepositoryID, "error", err)
			return
		}
		if busy {
			return // head waits for its repository slot
		}

		if !d.tryActivate(head.ID) {
			return
		}
		now := time.Now().UTC()
		if _, err := d.store.UpdateTask(ctx, head.ID, store.TaskPatch{
			Status:      store.Ptr(store.TaskRunning),
			StartTime:   &now,
			HeartbeatAt: &now,
		}); err != nil {
			d.deactivate(head.ID)
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalidTransition) {
				continue // another dispatcher won the CAS
			}
			d.logger.Error("admission: promote task", "task_id", head.ID, "error", err)
			return
		}

		d.admitted.Add(1)
		d.logger.Info("task admitted", "task_id", head.ID, "seq", head.Seq, "repository_id", head.RepositoryID)
		d.wg.Add(1)
		go d.drive(ctx, head.ID)
	}
}

// drive runs one task to its terminal status and frees the local slot.
func (d *Dispatcher) drive(ctx context.Context, taskID string) {
	defer d.wg.Done()
	defer func() {
		d.deactivate(taskID)
		d.Wake()
	}()

	err := d.runner.Run(ctx, taskID)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		d.interrupted.Add(1)
	default:
		d.driveErrors.Add(1)
		d.logger.Warn("task ended with error", "task_id", taskID, "error", err)
	}
}

// repositoryBusy reports whether the repository already has a running task.
func (d *Dispatcher) repositoryBusy(ctx context.Context, repositoryID string) (bool, error) {
	tasks, err := d.store.ListTasks(ctx, store.TaskFilter{
		RepositoryID: repositoryID,
		Status:       store.TaskRunning,
	})
	if err != nil {
		return false, err
	}
	return len(tasks) > 0, nil
}

func (d *Dispatcher) tryActivate(taskID string) bool {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	if len(d.active) >= d.cfg.MaxRunning {
		return false
	}
	if _, ok := d.active[taskID]; ok {
		return false
	}
	d.active[taskID] = struct{}{}
	return true
}

func (d *Dispatcher) deactivate(taskID string) {
	d.activeMu.Lock()
	delete(d.active, taskID)
	d.activeMu.Unlock()
}

func (d *Dispatcher) isActive(taskID string) bool {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	_, ok := d.active[taskID]
	return ok
}

// Stats is a point-in-time counters snapshot.
type Stats struct {
	Admitted     int64
	Reclaimed    int64
	Interrupted  int64
	DriveErrors  int64
	ActiveDrives int
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.activeMu.Lock()
	active := len(d.active)
	d.activeMu.Unlock()
	return Stats{
		Admitted:     d.admitted.Load(),
		Reclaimed:    d.reclaimed.Load(),
		Interrupted:  d.interrupted.Load(),
		DriveErrors:  d.driveErrors.Load(),
		ActiveDrives: active,
	}
}
