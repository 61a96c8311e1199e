// Package memstore provides an in-memory Store used by tests and by
// single-process runs that do not need durability. It enforces the same
// lifecycle and conflict rules as the durable backend.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/repolens/store"
)

// MemStore is a mutex-guarded in-memory implementation of store.Store.
// Values are deep-copied on the way in and out, so callers can never
// alias internal state.
type MemStore struct {
	mu sync.RWMutex

	repos   map[string]*store.Repository
	tasks   map[string]*store.Task
	files   map[string]map[string]*store.FileAnalysis
	items   map[string][]*store.AnalysisItem
	readmes map[string]*store.ReadmeArtifact

	durations []time.Duration
	seq       uint64
}

var _ store.Store = (*MemStore)(nil)

// New returns an empty MemStore.
func New() *MemStore {
	return &MemStore{
		repos:   make(map[string]*store.Repository),
		tasks:   make(map[string]*store.Task),
		files:   make(map[string]map[string]*store.FileAnalysis),
		items:   make(map[string][]*store.AnalysisItem),
		readmes: make(map[string]*store.ReadmeArtifact),
	}
}

func (m *MemStore) CreateRepository(_ context.Context, repo *store.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.repos[repo.ID]; ok {
		return fmt.Errorf("repository %s: %w", repo.ID, store.ErrConflict)
	}
	for _, existing := range m.repos {
		if existing.UserID == repo.UserID && existing.FullName == repo.FullName && existing.Status != store.RepoDeleted {
			return fmt.Errorf("repository %s/%s: %w", repo.UserID, repo.FullName, store.ErrConflict)
		}
	}
	c := cloneRepo(repo)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	m.repos[c.ID] = c
	return nil
}

func (m *MemStore) GetRepository(_ context.Context, id string) (*store.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	repo, ok := m.repos[id]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", id, store.ErrNotFound)
	}
	return cloneRepo(repo), nil
}

func (m *MemStore) GetRepositoryByFullName(_ context.Context, userID, fullName string) (*store.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, repo := range m.repos {
		if repo.UserID == userID && repo.FullName == fullName && repo.Status != store.RepoDeleted {
			return cloneRepo(repo), nil
		}
	}
	return nil, fmt.Errorf("repository %s/%s: %w", userID, fullName, store.ErrNotFound)
}

func (m *MemStore) ListRepositories(_ context.Context) ([]*store.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*store.Repository, 0, len(m.repos))
	for _, repo := range m.repos {
		out = append(out, cloneRepo(repo))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemStore) UpdateRepository(_ context.Context, repo *store.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.repos[repo.ID]; !ok {
		return fmt.Errorf("repository %s: %w", repo.ID, store.ErrNotFound)
	}
	c := cloneRepo(repo)
	c.UpdatedAt = time.Now().UTC()
	m.repos[c.ID] = c
	return nil
}

func (m *MemStore) CreateTask(_ context.Context, task *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("task %s: %w", task.ID, store.ErrConflict)
	}
	c := cloneTask(task)
	m.seq++
	c.Seq = m.seq
	if c.Status == "" {
		c.Status = store.TaskPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.tasks[c.ID] = c
	task.Seq = c.Seq
	task.CreatedAt = c.CreatedAt
	task.Status = c.Status
	return nil
}

func (m *MemStore) GetTask(_ context.Context, id string) (*store.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return cloneTask(task), nil
}

func (m *MemStore) UpdateTask(_ context.Context, id string, patch store.TaskPatch) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	next, err := patch.Apply(task)
	if err != nil {
		return nil, err
	}
	m.tasks[id] = next
	return cloneTask(next), nil
}

func (m *MemStore) ListTasks(_ context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*store.Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if filter.RepositoryID != "" && task.RepositoryID != filter.RepositoryID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

func (m *MemStore) ListPendingTaskIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pending := make([]*store.Task, 0)
	for _, task := range m.tasks {
		if task.Status == store.TaskPending {
			pending = append(pending, task)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	ids := make([]string, len(pending))
	for i, task := range pending {
		ids[i] = task.ID
	}
	return ids, nil
}

func (m *MemStore) CountRunning(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, task := range m.tasks {
		if task.Status == store.TaskRunning {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) PutFileAnalysis(_ context.Context, fa *store.FileAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPath, ok := m.files[fa.TaskID]
	if !ok {
		byPath = make(map[string]*store.FileAnalysis)
		m.files[fa.TaskID] = byPath
	}
	if existing, ok := byPath[fa.FilePath]; ok {
		// Preserve-success: a settled success row is never downgraded.
		if existing.Status == store.FileSuccess && fa.Status != store.FileSuccess {
			return nil
		}
	}
	byPath[fa.FilePath] = cloneFile(fa)
	return nil
}

func (m *MemStore) GetFileAnalysis(_ context.Context, taskID, path string) (*store.FileAnalysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fa, ok := m.files[taskID][path]
	if !ok {
		return nil, fmt.Errorf("file analysis %s %s: %w", taskID, path, store.ErrNotFound)
	}
	return cloneFile(fa), nil
}

func (m *MemStore) ListFileAnalyses(_ context.Context, taskID string, status store.FileStatus) ([]*store.FileAnalysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*store.FileAnalysis, 0, len(m.files[taskID]))
	for _, fa := range m.files[taskID] {
		if status != "" && fa.Status != status {
			continue
		}
		out = append(out, cloneFile(fa))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

func (m *MemStore) ReplaceAnalysisItems(_ context.Context, fileAnalysisID string, items []*store.AnalysisItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	replaced := make([]*store.AnalysisItem, len(items))
	for i, item := range items {
		replaced[i] = cloneItem(item)
	}
	m.items[fileAnalysisID] = replaced
	return nil
}

func (m *MemStore) ListAnalysisItems(_ context.Context, fileAnalysisID string) ([]*store.AnalysisItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := m.items[fileAnalysisID]
	out := make([]*store.AnalysisItem, len(items))
	for i, item := range items {
		out[i] = cloneItem(item)
	}
	return out, nil
}

func (m *MemStore) UpsertReadme(_ context.Context, artifact *store.ReadmeArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := cloneReadme(artifact)
	now := time.Now().UTC()
	if existing, ok := m.readmes[c.TaskID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.readmes[c.TaskID] = c
	return nil
}

func (m *MemStore) GetReadme(_ context.Context, taskID string) (*store.ReadmeArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	artifact, ok := m.readmes[taskID]
	if !ok {
		return nil, fmt.Errorf("readme %s: %w", taskID, store.ErrNotFound)
	}
	return cloneReadme(artifact), nil
}

func (m *MemStore) DeleteRepositoryCascade(_ context.Context, repositoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.repos, repositoryID)
	for id, task := range m.tasks {
		if task.RepositoryID != repositoryID {
			continue
		}
		for _, fa := range m.files[id] {
			delete(m.items, fa.ID)
		}
		delete(m.files, id)
		delete(m.readmes, id)
		delete(m.tasks, id)
	}
	return nil
}

func (m *MemStore) RecordTaskDuration(_ context.Context, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.durations = append(m.durations, d)
	if len(m.durations) > store.DurationWindow {
		m.durations = m.durations[len(m.durations)-store.DurationWindow:]
	}
	return nil
}

func (m *MemStore) RecentTaskDurations(_ context.Context) ([]time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]time.Duration, len(m.durations))
	copy(out, m.durations)
	return out, nil
}

func (m *MemStore) Close() error { return nil }

func cloneRepo(r *store.Repository) *store.Repository {
	c := *r
	return &c
}

func cloneTask(t *store.Task) *store.Task {
	c := *t
	if t.StartTime != nil {
		st := *t.StartTime
		c.StartTime = &st
	}
	if t.EndTime != nil {
		et := *t.EndTime
		c.EndTime = &et
	}
	if t.Config != nil {
		c.Config = append([]byte(nil), t.Config...)
	}
	return &c
}

func cloneFile(fa *store.FileAnalysis) *store.FileAnalysis {
	c := *fa
	if fa.Dependencies != nil {
		c.Dependencies = append([]string(nil), fa.Dependencies...)
	}
	if fa.AnalyzedAt != nil {
		at := *fa.AnalyzedAt
		c.AnalyzedAt = &at
	}
	return &c
}

func cloneItem(item *store.AnalysisItem) *store.AnalysisItem {
	c := *item
	return &c
}

func cloneReadme(a *store.ReadmeArtifact) *store.ReadmeArtifact {
	c := *a
	return &c
}
