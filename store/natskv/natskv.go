// Package natskv implements the durable Store on NATS JetStream
// key-value buckets. Each entity family lives in its own bucket with
// JSON values; task writes are compare-and-swap on the entry revision,
// so a racing writer gets ErrConflict instead of silently losing its
// update.
package natskv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/repolens/store"
)

// Bucket names, one per entity family.
const (
	BucketRepos   = "REPOLENS_REPOS"
	BucketTasks   = "REPOLENS_TASKS"
	BucketFiles   = "REPOLENS_FILES"
	BucketItems   = "REPOLENS_ITEMS"
	BucketReadmes = "REPOLENS_READMES"
	BucketMeta    = "REPOLENS_META"
)

// Meta bucket keys.
const (
	keyTaskSeq   = "task_seq"
	keyDurations = "task_durations"
)

// bucketHistory keeps recent revisions per key for operator forensics.
const bucketHistory = 5

// durationCASAttempts bounds the read-modify-write loop on the shared
// duration window. The window is advisory, so persistent contention
// surfaces as a conflict instead of spinning.
const durationCASAttempts = 5

// defaultConcurrency bounds the parallel entry fetches behind list
// operations when no override is given.
const defaultConcurrency = 4

// Store is the JetStream KV implementation of store.Store.
type Store struct {
	repos   jetstream.KeyValue
	tasks   jetstream.KeyValue
	files   jetstream.KeyValue
	items   jetstream.KeyValue
	readmes jetstream.KeyValue
	meta    jetstream.KeyValue

	concurrency int
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithConcurrency bounds how many entries a list operation fetches in
// parallel.
func WithConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New opens the KV buckets, creating any that do not exist yet.
func New(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Store, error) {
	s := &Store{concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(s)
	}
	buckets := []struct {
		name string
		desc string
		dst  *jetstream.KeyValue
	}{
		{BucketRepos, "repository records", &s.repos},
		{BucketTasks, "analysis task records", &s.tasks},
		{BucketFiles, "per-file analysis rows", &s.files},
		{BucketItems, "analysis items per file row", &s.items},
		{BucketReadmes, "generated readme artifacts", &s.readmes},
		{BucketMeta, "task sequence and duration window", &s.meta},
	}
	for _, b := range buckets {
		kv, err := getOrCreateBucket(ctx, js, b.name, b.desc)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", b.name, err)
		}
		*b.dst = kv
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name, desc string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: desc,
		History:     bucketHistory,
	})
}

func (s *Store) CreateRepository(ctx context.Context, repo *store.Repository) error {
	all, err := s.loadRepos(ctx)
	if err != nil {
		return err
	}
	for _, existing := range all {
		if existing.UserID == repo.UserID && existing.FullName == repo.FullName && existing.Status != store.RepoDeleted {
			return fmt.Errorf("repository %s/%s: %w", repo.UserID, repo.FullName, store.ErrConflict)
		}
	}

	c := *repo
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal repository: %w", err)
	}
	if _, err := s.repos.Create(ctx, c.ID, data); err != nil {
		if isConflict(err) {
			return fmt.Errorf("repository %s: %w", repo.ID, store.ErrConflict)
		}
		return fmt.Errorf("store repository: %w", err)
	}
	return nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (*store.Repository, error) {
	entry, err := s.repos.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("repository %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get repository: %w", err)
	}
	var repo store.Repository
	if err := json.Unmarshal(entry.Value(), &repo); err != nil {
		return nil, fmt.Errorf("unmarshal repository: %w", err)
	}
	return &repo, nil
}

func (s *Store) GetRepositoryByFullName(ctx context.Context, userID, fullName string) (*store.Repository, error) {
	all, err := s.loadRepos(ctx)
	if err != nil {
		return nil, err
	}
	for _, repo := range all {
		if repo.UserID == userID && repo.FullName == fullName && repo.Status != store.RepoDeleted {
			return repo, nil
		}
	}
	return nil, fmt.Errorf("repository %s/%s: %w", userID, fullName, store.ErrNotFound)
}

func (s *Store) ListRepositories(ctx context.Context) ([]*store.Repository, error) {
	all, err := s.loadRepos(ctx)
	if err != nil {
		return nil, err
	}
	sortReposNewestFirst(all)
	return all, nil
}

func (s *Store) UpdateRepository(ctx context.Context, repo *store.Repository) error {
	if _, err := s.repos.Get(ctx, repo.ID); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("repository %s: %w", repo.ID, store.ErrNotFound)
		}
		return fmt.Errorf("get repository: %w", err)
	}
	c := *repo
	c.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal repository: %w", err)
	}
	if _, err := s.repos.Put(ctx, c.ID, data); err != nil {
		return fmt.Errorf("update repository: %w", err)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}

	c := *task
	c.Seq = seq
	if c.Status == "" {
		c.Status = store.TaskPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.tasks.Create(ctx, c.ID, data); err != nil {
		if isConflict(err) {
			return fmt.Errorf("task %s: %w", task.ID, store.ErrConflict)
		}
		return fmt.Errorf("store task: %w", err)
	}
	task.Seq = c.Seq
	task.CreatedAt = c.CreatedAt
	task.Status = c.Status
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	entry, err := s.tasks.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	var task store.Task
	if err := json.Unmarshal(entry.Value(), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

// UpdateTask validates patch against the stored value and writes the
// result with the read revision. A revision mismatch means another
// writer got there first; the caller re-reads and decides.
func (s *Store) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (*store.Task, error) {
	entry, err := s.tasks.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	var current store.Task
	if err := json.Unmarshal(entry.Value(), &current); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}

	next, err := patch.Apply(&current)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.tasks.Update(ctx, id, data, entry.Revision()); err != nil {
		if isConflict(err) {
			return nil, fmt.Errorf("task %s: %w", id, store.ErrConflict)
		}
		return nil, fmt.Errorf("update task: %w", err)
	}
	return next, nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	all, err := s.loadTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := filterTasks(all, filter)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

func (s *Store) ListPendingTaskIDs(ctx context.Context) ([]string, error) {
	all, err := s.loadTasks(ctx)
	if err != nil {
		return nil, err
	}
	return pendingIDsBySeq(all), nil
}

func (s *Store) CountRunning(ctx context.Context) (int, error) {
	all, err := s.loadTasks(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, task := range all {
		if task.Status == store.TaskRunning {
			n++
		}
	}
	return n, nil
}

func (s *Store) PutFileAnalysis(ctx context.Context, fa *store.FileAnalysis) error {
	key := fileKey(fa.TaskID, fa.FilePath)

	if entry, err := s.files.Get(ctx, key); err == nil {
		var existing store.FileAnalysis
		if err := json.Unmarshal(entry.Value(), &existing); err == nil {
			// Preserve-success: a settled success row is never downgraded.
			if existing.Status == store.FileSuccess && fa.Status != store.FileSuccess {
				return nil
			}
		}
	} else if !isNotFound(err) {
		return fmt.Errorf("read file analysis: %w", err)
	}

	data, err := json.Marshal(fa)
	if err != nil {
		return fmt.Errorf("marshal file analysis: %w", err)
	}
	if _, err := s.files.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store file analysis: %w", err)
	}
	return nil
}

func (s *Store) GetFileAnalysis(ctx context.Context, taskID, path string) (*store.FileAnalysis, error) {
	entry, err := s.files.Get(ctx, fileKey(taskID, path))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("file analysis %s %s: %w", taskID, path, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get file analysis: %w", err)
	}
	var fa store.FileAnalysis
	if err := json.Unmarshal(entry.Value(), &fa); err != nil {
		return nil, fmt.Errorf("unmarshal file analysis: %w", err)
	}
	return &fa, nil
}

func (s *Store) ListFileAnalyses(ctx context.Context, taskID string, status store.FileStatus) ([]*store.FileAnalysis, error) {
	keys, err := s.bucketKeys(ctx, s.files)
	if err != nil {
		return nil, fmt.Errorf("list file analysis keys: %w", err)
	}

	prefix := taskID + "."
	matched := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}

	rows, err := fetchEach[store.FileAnalysis](ctx, s.files, matched, s.concurrency)
	if err != nil {
		return nil, fmt.Errorf("load file analyses: %w", err)
	}
	out := make([]*store.FileAnalysis, 0, len(rows))
	for _, fa := range rows {
		if status != "" && fa.Status != status {
			continue
		}
		out = append(out, fa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

// ReplaceAnalysisItems stores the whole item set as one value, so the
// swap is atomic and a crash-retried file never duplicates items.
func (s *Store) ReplaceAnalysisItems(ctx context.Context, fileAnalysisID string, items []*store.AnalysisItem) error {
	if items == nil {
		items = []*store.AnalysisItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal analysis items: %w", err)
	}
	if _, err := s.items.Put(ctx, fileAnalysisID, data); err != nil {
		return fmt.Errorf("store analysis items: %w", err)
	}
	return nil
}

func (s *Store) ListAnalysisItems(ctx context.Context, fileAnalysisID string) ([]*store.AnalysisItem, error) {
	entry, err := s.items.Get(ctx, fileAnalysisID)
	if err != nil {
		if isNotFound(err) {
			return []*store.AnalysisItem{}, nil
		}
		return nil, fmt.Errorf("get analysis items: %w", err)
	}
	var items []*store.AnalysisItem
	if err := json.Unmarshal(entry.Value(), &items); err != nil {
		return nil, fmt.Errorf("unmarshal analysis items: %w", err)
	}
	return items, nil
}

func (s *Store) UpsertReadme(ctx context.Context, artifact *store.ReadmeArtifact) error {
	c := *artifact
	now := time.Now().UTC()
	if entry, err := s.readmes.Get(ctx, c.TaskID); err == nil {
		var existing store.ReadmeArtifact
		if err := json.Unmarshal(entry.Value(), &existing); err == nil {
			c.CreatedAt = existing.CreatedAt
		}
	} else if !isNotFound(err) {
		return fmt.Errorf("read readme: %w", err)
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal readme: %w", err)
	}
	if _, err := s.readmes.Put(ctx, c.TaskID, data); err != nil {
		return fmt.Errorf("store readme: %w", err)
	}
	return nil
}

func (s *Store) GetReadme(ctx context.Context, taskID string) (*store.ReadmeArtifact, error) {
	entry, err := s.readmes.Get(ctx, taskID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("readme %s: %w", taskID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get readme: %w", err)
	}
	var artifact store.ReadmeArtifact
	if err := json.Unmarshal(entry.Value(), &artifact); err != nil {
		return nil, fmt.Errorf("unmarshal readme: %w", err)
	}
	return &artifact, nil
}

func (s *Store) DeleteRepositoryCascade(ctx context.Context, repositoryID string) error {
	all, err := s.loadTasks(ctx)
	if err != nil {
		return err
	}

	fileKeys, err := s.bucketKeys(ctx, s.files)
	if err != nil {
		return fmt.Errorf("list file analysis keys: %w", err)
	}

	for _, task := range all {
		if task.RepositoryID != repositoryID {
			continue
		}
		rows, err := s.ListFileAnalyses(ctx, task.ID, "")
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := s.purge(ctx, s.items, row.ID); err != nil {
				return err
			}
		}
		prefix := task.ID + "."
		for _, key := range fileKeys {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if err := s.purge(ctx, s.files, key); err != nil {
				return err
			}
		}
		if err := s.purge(ctx, s.readmes, task.ID); err != nil {
			return err
		}
		if err := s.purge(ctx, s.tasks, task.ID); err != nil {
			return err
		}
	}
	return s.purge(ctx, s.repos, repositoryID)
}

func (s *Store) RecordTaskDuration(ctx context.Context, d time.Duration) error {
	for attempt := 0; attempt < durationCASAttempts; attempt++ {
		entry, err := s.meta.Get(ctx, keyDurations)
		if err != nil {
			if !isNotFound(err) {
				return fmt.Errorf("read duration window: %w", err)
			}
			data, err := json.Marshal([]time.Duration{d})
			if err != nil {
				return fmt.Errorf("marshal duration window: %w", err)
			}
			if _, err := s.meta.Create(ctx, keyDurations, data); err != nil {
				if isConflict(err) {
					continue // lost the init race, re-read
				}
				return fmt.Errorf("init duration window: %w", err)
			}
			return nil
		}

		var window []time.Duration
		if err := json.Unmarshal(entry.Value(), &window); err != nil {
			return fmt.Errorf("unmarshal duration window: %w", err)
		}
		window = appendDuration(window, d)
		data, err := json.Marshal(window)
		if err != nil {
			return fmt.Errorf("marshal duration window: %w", err)
		}
		if _, err := s.meta.Update(ctx, keyDurations, data, entry.Revision()); err != nil {
			if isConflict(err) {
				continue
			}
			return fmt.Errorf("store duration window: %w", err)
		}
		return nil
	}
	return fmt.Errorf("duration window: %w", store.ErrConflict)
}

func (s *Store) RecentTaskDurations(ctx context.Context) ([]time.Duration, error) {
	entry, err := s.meta.Get(ctx, keyDurations)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read duration window: %w", err)
	}
	var window []time.Duration
	if err := json.Unmarshal(entry.Value(), &window); err != nil {
		return nil, fmt.Errorf("unmarshal duration window: %w", err)
	}
	return window, nil
}

// Close releases nothing: the NATS connection is owned by the caller.
func (s *Store) Close() error { return nil }

// nextSeq advances the monotone task sequence with a CAS loop.
func (s *Store) nextSeq(ctx context.Context) (uint64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		entry, err := s.meta.Get(ctx, keyTaskSeq)
		if err != nil {
			if !isNotFound(err) {
				return 0, fmt.Errorf("read task sequence: %w", err)
			}
			if _, err := s.meta.Create(ctx, keyTaskSeq, []byte("1")); err != nil {
				if isConflict(err) {
					continue // lost the init race, re-read
				}
				return 0, fmt.Errorf("init task sequence: %w", err)
			}
			return 1, nil
		}

		current, err := strconv.ParseUint(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse task sequence: %w", err)
		}
		next := current + 1
		if _, err := s.meta.Update(ctx, keyTaskSeq, []byte(strconv.FormatUint(next, 10)), entry.Revision()); err != nil {
			if isConflict(err) {
				continue
			}
			return 0, fmt.Errorf("advance task sequence: %w", err)
		}
		return next, nil
	}
}

func (s *Store) loadRepos(ctx context.Context) ([]*store.Repository, error) {
	keys, err := s.bucketKeys(ctx, s.repos)
	if err != nil {
		return nil, fmt.Errorf("list repository keys: %w", err)
	}
	repos, err := fetchEach[store.Repository](ctx, s.repos, keys, s.concurrency)
	if err != nil {
		return nil, fmt.Errorf("load repositories: %w", err)
	}
	return repos, nil
}

func (s *Store) loadTasks(ctx context.Context) ([]*store.Task, error) {
	keys, err := s.bucketKeys(ctx, s.tasks)
	if err != nil {
		return nil, fmt.Errorf("list task keys: %w", err)
	}
	tasks, err := fetchEach[store.Task](ctx, s.tasks, keys, s.concurrency)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return tasks, nil
}

// fetchEach loads and decodes a set of keys with bounded concurrency.
// Entries that raced away since the key listing, and values that no
// longer decode, are skipped; transport failures abort the load.
func fetchEach[T any](ctx context.Context, kv jetstream.KeyValue, keys []string, limit int) ([]*T, error) {
	if limit < 1 {
		limit = 1
	}
	slots := make([]*T, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, key := range keys {
		g.Go(func() error {
			entry, err := kv.Get(gctx, key)
			if err != nil {
				if isNotFound(err) {
					return nil
				}
				return fmt.Errorf("get %s: %w", key, err)
			}
			var v T
			if err := json.Unmarshal(entry.Value(), &v); err != nil {
				return nil
			}
			slots[i] = &v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(keys))
	for _, v := range slots {
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// bucketKeys lists a bucket's keys, treating an empty bucket as empty.
func (s *Store) bucketKeys(ctx context.Context, kv jetstream.KeyValue) ([]string, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

// purge removes a key and its history. Missing keys count as removed.
func (s *Store) purge(ctx context.Context, kv jetstream.KeyValue, key string) error {
	if err := kv.Purge(ctx, key); err != nil && !isNotFound(err) {
		return fmt.Errorf("purge %s: %w", key, err)
	}
	return nil
}

// fileKey derives the KV key for a (task, path) row. Paths hold
// characters KV keys cannot, so the path rides as a digest; lookups
// recompute it.
func fileKey(taskID, path string) string {
	sum := sha256.Sum256([]byte(path))
	return taskID + "." + hex.EncodeToString(sum[:16])
}

// sortReposNewestFirst orders repositories by creation time descending,
// id ascending on ties.
func sortReposNewestFirst(repos []*store.Repository) {
	sort.Slice(repos, func(i, j int) bool {
		if !repos[i].CreatedAt.Equal(repos[j].CreatedAt) {
			return repos[i].CreatedAt.After(repos[j].CreatedAt)
		}
		return repos[i].ID < repos[j].ID
	})
}

// filterTasks applies a TaskFilter.
func filterTasks(tasks []*store.Task, filter store.TaskFilter) []*store.Task {
	out := make([]*store.Task, 0, len(tasks))
	for _, task := range tasks {
		if filter.RepositoryID != "" && task.RepositoryID != filter.RepositoryID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, task)
	}
	return out
}

// pendingIDsBySeq returns pending task ids in admission order.
func pendingIDsBySeq(tasks []*store.Task) []string {
	pending := make([]*store.Task, 0)
	for _, task := range tasks {
		if task.Status == store.TaskPending {
			pending = append(pending, task)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	ids := make([]string, len(pending))
	for i, task := range pending {
		ids[i] = task.ID
	}
	return ids
}

// appendDuration appends d and trims the window to its retention size.
func appendDuration(window []time.Duration, d time.Duration) []time.Duration {
	window = append(window, d)
	if len(window) > store.DurationWindow {
		window = window[len(window)-store.DurationWindow:]
	}
	return window
}

// isNotFound reports whether err indicates a missing key.
func isNotFound(err error) bool {
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "key not found")
}

// isConflict reports whether err indicates a lost create or CAS race.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}
