// Package orchestrator is the service facade. Submission, polling,
// cancellation, repository registration, and deletion all pass through
// Service, which also owns the lifecycle of the dispatcher, the health
// registry, the diagnostics listener, and the change watcher. HTTP
// handlers and CLI commands call Service and never reach into the parts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/repolens/health"
	"github.com/c360studio/repolens/progress"
	"github.com/c360studio/repolens/queue"
	"github.com/c360studio/repolens/repos"
	"github.com/c360studio/repolens/store"
)

// unwindTimeout bounds component shutdown while unwinding a failed start.
const unwindTimeout = 5 * time.Second

// IndexDeleter removes vector indexes during repository deletion.
// *vectorindex.Client satisfies it.
type IndexDeleter interface {
	DeleteIndex(ctx context.Context, index string) error
}

// component is the shared lifecycle of the managed parts.
type component interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// watcherComponent adapts the watcher's timeout-free Stop.
type watcherComponent struct{ w *repos.Watcher }

func (c watcherComponent) Start(ctx context.Context) error { return c.w.Start(ctx) }
func (c watcherComponent) Stop(time.Duration) error        { return c.w.Stop() }

// Service wires the store, the repository manager, the admission queue,
// and the observability parts into one surface.
type Service struct {
	store      store.Store
	repos      *repos.Manager
	dispatcher *queue.Dispatcher

	registry  *health.Registry
	diag      *health.Server
	watcher   *repos.Watcher
	indexes   IndexDeleter
	publisher *progress.Publisher

	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealth wires the health registry. Health() reports through it and
// Start/Stop manage it.
func WithHealth(r *health.Registry) Option {
	return func(s *Service) {
		s.registry = r
	}
}

// WithDiagServer wires the diagnostics HTTP listener.
func WithDiagServer(d *health.Server) Option {
	return func(s *Service) {
		s.diag = d
	}
}

// WithWatcher wires the repository change watcher. Start registers every
// active repository with it.
func WithWatcher(w *repos.Watcher) Option {
	return func(s *Service) {
		s.watcher = w
	}
}

// WithIndexDeleter wires vector-index cleanup into hard deletion.
func WithIndexDeleter(d IndexDeleter) Option {
	return func(s *Service) {
		s.indexes = d
	}
}

// WithPublisher wires progress event publishing for writes made through
// the facade (submission, cancellation, external patches).
func WithPublisher(p *progress.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// New builds a Service.
func New(st store.Store, mgr *repos.Manager, d *queue.Dispatcher, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if mgr == nil {
		return nil, errors.New("repository manager is required")
	}
	if d == nil {
		return nil, errors.New("dispatcher is required")
	}

	s := &Service{
		store:      st,
		repos:      mgr,
		dispatcher: d,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// part is one managed component with its log name.
type part struct {
	name string
	component
}

// parts lists the managed components in start order. Stop runs the same
// list in reverse.
func (s *Service) parts() []part {
	out := make([]part, 0, 4)
	if s.registry != nil {
		out = append(out, part{"health registry", s.registry})
	}
	if s.diag != nil {
		out = append(out, part{"diag server", s.diag})
	}
	out = append(out, part{"dispatcher", s.dispatcher})
	if s.watcher != nil {
		out = append(out, part{"watcher", watcherComponent{s.watcher}})
	}
	return out
}

// Start brings up the managed components. A failure stops whatever
// already started and leaves the service stopped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	s.running = true
	s.mu.Unlock()

	parts := s.parts()
	for i, p := range parts {
		if err := p.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := parts[j].Stop(unwindTimeout); stopErr != nil {
					s.logger.Warn("unwind component", "component", parts[j].name, "error", stopErr)
				}
			}
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("start %s: %w", p.name, err)
		}
	}

	if s.watcher != nil {
		s.watchActive(ctx)
	}
	s.logger.Info("orchestrator started")
	return nil
}

// Stop shuts the components down in reverse start order. All components
// are stopped even when one fails; the errors are joined.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	var errs []error
	parts := s.parts()
	for i := len(parts) - 1; i >= 0; i-- {
		if err := parts[i].Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", parts[i].name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("orchestrator stopped")
	return nil
}

// Running reports whether Start has succeeded and Stop has not run.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Health reports worker liveness and queue state.
func (s *Service) Health(ctx context.Context) health.Status {
	if s.registry == nil {
		return health.Status{OK: s.Running(), Time: time.Now().UTC()}
	}
	return s.registry.Status(ctx)
}

// Ready reports whether the process can accept work: the service and the
// dispatcher are running and the store answers.
func (s *Service) Ready(ctx context.Context) error {
	if !s.Running() {
		return errors.New("orchestrator not started")
	}
	if s.registry != nil {
		return s.registry.Ready(ctx)
	}
	if !s.dispatcher.Running() {
		return errors.New("dispatcher not running")
	}
	if _, err := s.dispatcher.Snapshot(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}

// watchActive registers every active repository with the change watcher.
// Failures are logged per repository; an unwatchable tree does not block
// startup.
func (s *Service) watchActive(ctx context.Context) {
	all, err := s.store.ListRepositories(ctx)
	if err != nil {
		s.logger.Warn("watcher: list repositories", "error", err)
		return
	}
	watched := 0
	for _, repo := range all {
		if repo.Status != store.RepoActive {
			continue
		}
		if err := s.watcher.Watch(repo); err != nil {
			s.logger.Warn("watcher: watch repository", "repository_id", repo.ID, "error", err)
			continue
		}
		watched++
	}
	if watched > 0 {
		s.logger.Info("watching repositories", "count", watched)
	}
}
