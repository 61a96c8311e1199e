// Package health tracks worker liveness and queue introspection and
// exposes both as Prometheus metrics and JSON diagnostics. The registry is
// passive plumbing: the pool and the driver push beats into it, the
// dispatcher is polled for queue state, and the diag server reads it.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/repolens/queue"
)

// QueueIntrospector is the dispatcher surface the registry polls.
// *queue.Dispatcher satisfies it.
type QueueIntrospector interface {
	Snapshot(ctx context.Context) (*queue.Snapshot, error)
	Stats() queue.Stats
	Running() bool
}

// Config tunes the registry.
type Config struct {
	// HeartbeatInterval is the expected worker beat cadence. A worker
	// silent for more than twice this interval reports unhealthy.
	HeartbeatInterval time.Duration
	// PollInterval is the queue gauge refresh cadence.
	PollInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		PollInterval:      5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

// WorkerStatus is the liveness report for one pool worker.
type WorkerStatus struct {
	Name     string    `json:"name"`
	LastBeat time.Time `json:"last_beat"`
	Healthy  bool      `json:"healthy"`
}

// Status is the aggregate health report served by /healthz and the
// orchestrator's introspection call.
type Status struct {
	OK            bool           `json:"ok"`
	Time          time.Time      `json:"time"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Workers       []WorkerStatus `json:"workers"`
	WorkersTotal  int            `json:"workers_total"`
	WorkersOK     int            `json:"workers_ok"`

	Queue      *queue.Snapshot `json:"queue,omitempty"`
	Dispatcher *queue.Stats    `json:"dispatcher,omitempty"`

	Error string `json:"error,omitempty"`
}

// Registry collects beats and counters and refreshes the queue gauges.
type Registry struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics

	// Lifecycle management
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	queueMu sync.RWMutex
	queue   QueueIntrospector

	workerMu sync.Mutex
	workers  map[string]time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New builds a Registry with its own Prometheus registry.
func New(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid health config: %w", err)
	}
	r := &Registry{
		cfg:     cfg,
		logger:  slog.Default(),
		workers: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = newMetrics(r.dispatcherStats)
	return r, nil
}

// SetQueue wires the dispatcher after both sides exist. Must be called
// before Start for the queue gauges to report.
func (r *Registry) SetQueue(q QueueIntrospector) {
	r.queueMu.Lock()
	r.queue = q
	r.queueMu.Unlock()
}

// Start launches the gauge refresh loop.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("health registry already running")
	}
	r.running = true
	r.startTime = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(runCtx)
	return nil
}

// Stop ends the refresh loop.
func (r *Registry) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("health registry did not stop within %s", timeout)
	}
}

// Running reports whether the registry is live.
func (r *Registry) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// WorkerBeat records a liveness beat. The first beat registers the worker.
func (r *Registry) WorkerBeat(worker string) {
	r.workerMu.Lock()
	r.workers[worker] = time.Now()
	r.workerMu.Unlock()
	r.metrics.workerBeats.Inc()
}

// TaskBeat counts a driver liveness stamp. Matches the driver's heartbeat
// callback signature.
func (r *Registry) TaskBeat(string) {
	r.metrics.taskBeats.Inc()
}

// WorkerStatuses reports the tracked workers, sorted by name. A worker is
// healthy while its last beat is within twice the heartbeat interval.
// Workers silent past the retention horizon have been released by their
// pool and drop off the list.
func (r *Registry) WorkerStatuses() []WorkerStatus {
	now := time.Now()
	unhealthyAfter := 2 * r.cfg.HeartbeatInterval
	retention := 10 * r.cfg.HeartbeatInterval

	r.workerMu.Lock()
	out := make([]WorkerStatus, 0, len(r.workers))
	for name, beat := range r.workers {
		silent := now.Sub(beat)
		if silent > retention {
			delete(r.workers, name)
			continue
		}
		out = append(out, WorkerStatus{
			Name:     name,
			LastBeat: beat,
			Healthy:  silent <= unhealthyAfter,
		})
	}
	r.workerMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// releaseWorkers drops all worker entries. Called when an analyze stage
// finishes and the pool's workers exit.
func (r *Registry) releaseWorkers() {
	r.workerMu.Lock()
	r.workers = make(map[string]time.Time)
	r.workerMu.Unlock()
}

// Status assembles the aggregate health report.
func (r *Registry) Status(ctx context.Context) Status {
	r.mu.RLock()
	running := r.running
	started := r.startTime
	r.mu.RUnlock()

	workers := r.WorkerStatuses()
	healthy := 0
	for _, w := range workers {
		if w.Healthy {
			healthy++
		}
	}

	s := Status{
		OK:           running && healthy == len(workers),
		Time:         time.Now().UTC(),
		Workers:      workers,
		WorkersTotal: len(workers),
		WorkersOK:    healthy,
	}
	if running {
		s.UptimeSeconds = time.Since(started).Seconds()
	}

	if q := r.queueSource(); q != nil {
		stats := q.Stats()
		s.Dispatcher = &stats
		snap, err := q.Snapshot(ctx)
		if err != nil {
			s.OK = false
			s.Error = err.Error()
		} else {
			s.Queue = snap
		}
	}
	return s
}

// Ready reports whether the process can accept work: the registry and
// dispatcher are running and the store answers.
func (r *Registry) Ready(ctx context.Context) error {
	if !r.Running() {
		return errors.New("health registry not started")
	}
	q := r.queueSource()
	if q == nil {
		return errors.New("dispatcher not wired")
	}
	if !q.Running() {
		return errors.New("dispatcher not running")
	}
	if _, err := q.Snapshot(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}

func (r *Registry) queueSource() QueueIntrospector {
	r.queueMu.RLock()
	defer r.queueMu.RUnlock()
	return r.queue
}

func (r *Registry) dispatcherStats() *queue.Stats {
	q := r.queueSource()
	if q == nil {
		return nil
	}
	s := q.Stats()
	return &s
}

func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// refresh recomputes the gauges from the worker table and the dispatcher.
func (r *Registry) refresh(ctx context.Context) {
	workers := r.WorkerStatuses()
	healthy := 0
	for _, w := range workers {
		if w.Healthy {
			healthy++
		}
	}
	r.metrics.workersTracked.Set(float64(len(workers)))
	r.metrics.workersHealthy.Set(float64(healthy))

	q := r.queueSource()
	if q == nil {
		return
	}
	snap, err := q.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Debug("queue snapshot failed", "error", err)
		}
		return
	}
	r.metrics.queueDepth.Set(float64(snap.Depth()))
	r.metrics.tasksRunning.Set(float64(snap.Running))
	r.metrics.meanTaskSeconds.Set(snap.MeanTaskDuration.Seconds())

	wait := 0.0
	if n := len(snap.Pending); n > 0 {
		wait = snap.Pending[n-1].EstimatedWait.Seconds()
	}
	r.metrics.queueWaitSeconds.Set(wait)
}
