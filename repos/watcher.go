package repos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/repolens/scan"
	"github.com/c360studio/repolens/store"
	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is how long the watcher collects filesystem events
// before writing needs_reindex flips.
const defaultDebounce = 500 * time.Millisecond

// Watcher flips needs_reindex on repositories whose working tree
// changes. Each registered root is watched recursively; bursts of
// events debounce into at most one store write per repository per
// flush. Directories the scan would prune are not watched.
type Watcher struct {
	store    store.Store
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	roots   map[string]string // absolute root -> repository id
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	pendingMu sync.Mutex
	pending   map[string]struct{} // repository ids awaiting a flush

	marked atomic.Int64
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce overrides the event debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher builds a Watcher. Roots are added with Watch after Start.
func NewWatcher(st store.Store, opts ...WatcherOption) (*Watcher, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create filesystem watcher: %w", err)
	}
	w := &Watcher{
		store:    st,
		logger:   slog.Default(),
		fsw:      fsw,
		debounce: defaultDebounce,
		roots:    make(map[string]string),
		pending:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins processing filesystem events.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("watcher already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.processEvents(runCtx)

	w.logger.Info("repository watcher started", "debounce", w.debounce)
	return nil
}

// Stop closes the watcher and waits for the event loop to drain.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	err := w.fsw.Close()
	<-done

	w.logger.Info("repository watcher stopped", "repositories_marked", w.marked.Load())
	return err
}

// Running reports whether the watcher is started.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Marked returns how many needs_reindex flips the watcher has written.
func (w *Watcher) Marked() int64 {
	return w.marked.Load()
}

// Watch adds the repository's working tree to the watch set.
func (w *Watcher) Watch(repo *store.Repository) error {
	if repo == nil || repo.LocalPath == "" {
		return errors.New("repository has no local path")
	}
	root, err := filepath.Abs(repo.LocalPath)
	if err != nil {
		return fmt.Errorf("resolve watch root: %w", err)
	}
	if err := w.addRecursive(root); err != nil {
		return err
	}

	w.mu.Lock()
	w.roots[root] = repo.ID
	w.mu.Unlock()

	w.logger.Debug("watching repository", "repository_id", repo.ID, "root", root)
	return nil
}

// Unwatch drops a repository and all of its directory watches.
func (w *Watcher) Unwatch(repositoryID string) {
	w.mu.Lock()
	var root string
	for r, id := range w.roots {
		if id == repositoryID {
			root = r
			delete(w.roots, r)
			break
		}
	}
	w.mu.Unlock()
	if root == "" {
		return
	}

	for _, watched := range w.fsw.WatchList() {
		if watched == root || strings.HasPrefix(watched, root+string(filepath.Separator)) {
			// Best effort; a deleted tree has dropped its watches already.
			_ = w.fsw.Remove(watched)
		}
	}
	w.logger.Debug("unwatched repository", "repository_id", repositoryID, "root", root)
}

// addRecursive walks root adding a watch per directory, pruning the
// directories the scan prunes.
func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && scan.SkipDir(info.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// processEvents consumes filesystem events, accumulating dirty
// repositories and flushing them on a debounce tick.
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// handleEvent attributes one filesystem event to its repository.
// Events for hidden entries, pruned directory names, and extensions the
// scan never reads are dropped.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	base := filepath.Base(path)

	// New directories need their own watch before events under them
	// can arrive. Directory creation alone changes no scanned file.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if !scan.SkipDir(base) {
				if err := w.fsw.Add(path); err != nil {
					w.logger.Warn("failed to watch new directory", "path", path, "error", err)
				}
			}
			return
		}
	}
	if scan.SkipDir(base) || scan.SkipFile(base) {
		return
	}

	repoID, ok := w.resolve(path)
	if !ok {
		return
	}

	w.pendingMu.Lock()
	w.pending[repoID] = struct{}{}
	w.pendingMu.Unlock()

	w.logger.Debug("tree change detected",
		"repository_id", repoID,
		"path", path,
		"op", event.Op.String())
}

// resolve maps an event path to the repository whose root contains it.
func (w *Watcher) resolve(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for root, id := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return id, true
		}
	}
	return "", false
}

// flush writes the needs_reindex flag for every dirty repository.
// Repositories already flagged, missing, or not active cost no write.
func (w *Watcher) flush(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	dirty := w.pending
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	for repoID := range dirty {
		if ctx.Err() != nil {
			return
		}
		repo, err := w.store.GetRepository(ctx, repoID)
		if err != nil {
			w.logger.Debug("skip reindex mark", "repository_id", repoID, "error", err)
			continue
		}
		if repo.NeedsReindex || repo.Status != store.RepoActive {
			continue
		}
		repo.NeedsReindex = true
		repo.UpdatedAt = time.Now().UTC()
		if err := w.store.UpdateRepository(ctx, repo); err != nil {
			w.logger.Warn("failed to mark repository for reindex",
				"repository_id", repoID, "error", err)
			continue
		}
		w.marked.Add(1)
		w.logger.Info("repository tree changed", "repository_id", repoID)
	}
}
