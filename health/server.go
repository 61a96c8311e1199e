package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the diagnostics HTTP listener: liveness, readiness, and
// Prometheus metrics. It is observability plumbing, not a control surface;
// nothing served here mutates state.
type Server struct {
	addr     string
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	bound   string
	srv     *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds a diag server bound to addr.
func NewServer(addr string, registry *Registry, opts ...ServerOption) (*Server, error) {
	if addr == "" {
		return nil, errors.New("listen address is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	s := &Server{
		addr:     addr,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start binds the listener and serves in the background. A bind failure is
// returned synchronously.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("diag server already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind diag listener on %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry.Gatherer(), promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running = true
	s.bound = ln.Addr().String()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("diag server failed", "error", err)
		}
	}()

	s.logger.Info("diag server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("diag server shutdown: %w", err)
	}
	s.logger.Info("diag server stopped")
	return nil
}

// handleHealthz reports liveness: 200 while the registry runs, with the
// full status snapshot as the body.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := s.registry.Status(r.Context())
	code := http.StatusOK
	if !s.registry.Running() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleReadyz reports readiness: the dispatcher runs and the store
// answers.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
