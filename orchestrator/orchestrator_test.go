package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/repolens/errkind"
	"github.com/c360studio/repolens/health"
	"github.com/c360studio/repolens/progress"
	"github.com/c360studio/repolens/queue"
	"github.com/c360studio/repolens/repos"
	"github.com/c360studio/repolens/store"
	"github.com/c360studio/repolens/store/memstore"
)

// nopRunner satisfies queue.Runner for tests that never admit tasks.
type nopRunner struct{}

func (nopRunner) Run(context.Context, string) error { return nil }

// completingRunner drives every admitted task straight to completed.
type completingRunner struct {
	st store.Store
}

func (r completingRunner) Run(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	_, err := r.st.UpdateTask(ctx, taskID, store.TaskPatch{
		Status:  store.Ptr(store.TaskCompleted),
		EndTime: &now,
	})
	return err
}

// fakeIndexes records index deletions and fails on demand.
type fakeIndexes struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (f *fakeIndexes) DeleteIndex(_ context.Context, index string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, index)
	return nil
}

func (f *fakeIndexes) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func newService(t *testing.T, st store.Store, runner queue.Runner, opts ...Option) *Service {
	t.Helper()
	mgr, err := repos.NewManager(t.TempDir(), st)
	require.NoError(t, err)
	disp, err := queue.New(st, runner, queue.DefaultConfig())
	require.NoError(t, err)
	svc, err := New(st, mgr, disp, opts...)
	require.NoError(t, err)
	return svc
}

func activeRepo(t *testing.T, st store.Store, id string) *store.Repository {
	t.Helper()
	repo := &store.Repository{
		ID:       id,
		UserID:   "u1",
		Name:     id,
		FullName: "u1/" + id,
		Status:   store.RepoActive,
	}
	require.NoError(t, st.CreateRepository(context.Background(), repo))
	return repo
}

func TestSubmitTask(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := newService(t, st, nopRunner{})

	repo := activeRepo(t, st, "repo-1")
	repo.NeedsReindex = true
	require.NoError(t, st.UpdateRepository(ctx, repo))

	cfg := json.RawMessage(`{"depth":"detailed"}`)
	task, err := svc.SubmitTask(ctx, repo.ID, cfg)
	require.NoError(t, err)

	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, uint64(1), task.Seq)
	assert.JSONEq(t, `{"depth":"detailed"}`, string(task.Config))

	t.Run("clears needs_reindex", func(t *testing.T) {
		got, err := st.GetRepository(ctx, repo.ID)
		require.NoError(t, err)
		assert.False(t, got.NeedsReindex)
	})

	t.Run("missing repository", func(t *testing.T) {
		_, err := svc.SubmitTask(ctx, "nope", nil)
		assert.True(t, errkind.IsNotFound(err))
	})

	t.Run("deleted repository", func(t *testing.T) {
		gone := activeRepo(t, st, "repo-gone")
		gone.Status = store.RepoDeleted
		require.NoError(t, st.UpdateRepository(ctx, gone))

		_, err := svc.SubmitTask(ctx, gone.ID, nil)
		assert.True(t, errkind.IsInput(err))
	})
}

func TestTaskDetail(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := newService(t, st, nopRunner{})
	repo := activeRepo(t, st, "repo-1")

	first, err := svc.SubmitTask(ctx, repo.ID, nil)
	require.NoError(t, err)
	second, err := svc.SubmitTask(ctx, repo.ID, nil)
	require.NoError(t, err)

	t.Run("pending task carries queue position and wait", func(t *testing.T) {
		detail, err := svc.TaskDetail(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, progress.StepQueued, detail.Progress.Step)
		assert.Equal(t, 2, detail.QueuePosition)
		assert.Equal(t, 2*queue.DefaultConfig().FallbackTaskDuration, detail.EstimatedWait)
	})

	t.Run("head of the queue is position one", func(t *testing.T) {
		detail, err := svc.TaskDetail(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, detail.QueuePosition)
	})

	t.Run("readme rides along once generated", func(t *testing.T) {
		require.NoError(t, st.UpsertReadme(ctx, &store.ReadmeArtifact{
			TaskID:  first.ID,
			Content: "# Demo",
		}))
		detail, err := svc.TaskDetail(ctx, first.ID)
		require.NoError(t, err)
		require.NotNil(t, detail.Readme)
		assert.Equal(t, "# Demo", detail.Readme.Content)
	})

	t.Run("missing task", func(t *testing.T) {
		_, err := svc.TaskDetail(ctx, "nope")
		assert.True(t, errkind.IsNotFound(err))
	})
}

func TestUpdateTaskExternal(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := newService(t, st, nopRunner{})
	repo := activeRepo(t, st, "repo-1")

	task, err := svc.SubmitTask(ctx, repo.ID, nil)
	require.NoError(t, err)

	t.Run("allowed fields apply", func(t *testing.T) {
		updated, err := svc.UpdateTask(ctx, task.ID, TaskUpdate{
			TotalFiles:      store.Ptr(10),
			CurrentFile:     store.Ptr("src/main.go"),
			VectorIndexName: store.Ptr("idx-1"),
		})
		require.NoError(t, err)
		assert.Equal(t, 10, updated.TotalFiles)
		assert.Equal(t, "src/main.go", updated.CurrentFile)
		assert.Equal(t, "idx-1", updated.VectorIndexName)
	})

	t.Run("lifecycle violations are conflicts", func(t *testing.T) {
		_, err := svc.UpdateTask(ctx, task.ID, TaskUpdate{
			Status: store.Ptr(store.TaskCompleted),
		})
		assert.True(t, errkind.IsConflict(err))
	})

	t.Run("missing task", func(t *testing.T) {
		_, err := svc.UpdateTask(ctx, "nope", TaskUpdate{})
		assert.True(t, errkind.IsNotFound(err))
	})
}

func TestCancelTask(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := newService(t, st, nopRunner{})
	repo := activeRepo(t, st, "repo-1")

	t.Run("pending task fails on the spot", func(t *testing.T) {
		task, err := svc.SubmitTask(ctx, repo.ID, nil)
		require.NoError(t, err)

		cancelled, err := svc.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TaskFailed, cancelled.Status)
		assert.Equal(t, "cancelled", cancelled.ErrorMessage)
		assert.True(t, cancelled.CancelRequested)
		assert.NotNil(t, cancelled.EndTime)
	})

	t.Run("running task keeps running with the flag set", func(t *testing.T) {
		task, err := svc.SubmitTask(ctx, repo.ID, nil)
		require.NoError(t, err)
		now := time.Now().UTC()
		_, err = st.UpdateTask(ctx, task.ID, store.TaskPatch{
			Status:      store.Ptr(store.TaskRunning),
			StartTime:   &now,
			HeartbeatAt: &now,
		})
		require.NoError(t, err)

		cancelled, err := svc.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TaskRunning, cancelled.Status)
		assert.True(t, cancelled.CancelRequested)
	})

	t.Run("terminal task is a no-op", func(t *testing.T) {
		task, err := svc.SubmitTask(ctx, repo.ID, nil)
		require.NoError(t, err)
		now := time.Now().UTC()
		_, err = st.UpdateTask(ctx, task.ID, store.TaskPatch{
			Status:       store.Ptr(store.TaskFailed),
			EndTime:      &now,
			ErrorMessage: store.Ptr("boom"),
		})
		require.NoError(t, err)

		got, err := svc.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TaskFailed, got.Status)
		assert.False(t, got.CancelRequested)
		assert.Equal(t, "boom", got.ErrorMessage)
	})

	t.Run("missing task", func(t *testing.T) {
		_, err := svc.CancelTask(ctx, "nope")
		assert.True(t, errkind.IsNotFound(err))
	})
}

func TestDeleteRepositorySoft(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := newService(t, st, nopRunner{})
	repo := activeRepo(t, st, "repo-1")

	task, err := svc.SubmitTask(ctx, repo.ID, nil)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRepository(ctx, repo.ID, true))

	got, err := st.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RepoDeleted, got.Status)

	t.Run("records survive", func(t *testing.T) {
		_, err := st.GetTask(ctx, task.ID)
		assert.NoError(t, err)
	})

	t.Run("second delete succeeds", func(t *testing.T) {
		assert.NoError(t, svc.DeleteRepository(ctx, repo.ID, true))
	})

	t.Run("missing repository succeeds", func(t *testing.T) {
		assert.NoError(t, svc.DeleteRepository(ctx, "nope", true))
	})
}

func TestDeleteRepositoryHard(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	indexes := &fakeIndexes{}
	svc := newService(t, st, nopRunner{}, WithIndexDeleter(indexes))
	repo := activeRepo(t, st, "repo-1")

	task, err := svc.SubmitTask(ctx, repo.ID, nil)
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = st.UpdateTask(ctx, task.ID, store.TaskPatch{
		Status:      store.Ptr(store.TaskRunning),
		StartTime:   &now,
		HeartbeatAt: &now,
	})
	require.NoError(t, err)
	_, err = st.UpdateTask(ctx, task.ID, store.TaskPatch{
		VectorIndexName: store.Ptr("idx-1"),
	})
	require.NoError(t, err)
	_, err = st.UpdateTask(ctx, task.ID, store.TaskPatch{
		Status:  store.Ptr(store.TaskCompleted),
		EndTime: &now,
	})
	require.NoError(t, err)

	fa := &store.FileAnalysis{
		ID:       "fa-1",
		TaskID:   task.ID,
		FilePath: "main.go",
		Status:   store.FileSuccess,
	}
	require.NoError(t, st.PutFileAnalysis(ctx, fa))
	require.NoError(t, st.ReplaceAnalysisItems(ctx, fa.ID, []*store.AnalysisItem{
		{ID: "it-1", FileAnalysisID: fa.ID, Title: "main"},
	}))
	require.NoError(t, st.UpsertReadme(ctx, &store.ReadmeArtifact{
		TaskID:  task.ID,
		Content: "# Demo",
	}))

	require.NoError(t, svc.DeleteRepository(ctx, repo.ID, false))

	assert.Equal(t, []string{"idx-1"}, indexes.calls())

	_, err = st.GetRepository(ctx, repo.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetReadme(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	t.Run("second delete has no side effects", func(t *testing.T) {
		require.NoError(t, svc.DeleteRepository(ctx, repo.ID, false))
		assert.Equal(t, []string{"idx-1"}, indexes.calls())
	})
}

func TestDeleteRepositoryHardIndexFailure(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	indexes := &fakeIndexes{err: errkind.NewTransient(errors.New("index service down"))}
	svc := newService(t, st, nopRunner{}, WithIndexDeleter(indexes))
	repo := activeRepo(t, st, "repo-1")

	task, err := svc.SubmitTask(ctx, repo.ID, nil)
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = st.UpdateTask(ctx, task.ID, store.TaskPatch{
		Status:      store.Ptr(store.TaskRunning),
		StartTime:   &now,
		HeartbeatAt: &now,
	})
	require.NoError(t, err)
	_, err = st.UpdateTask(ctx, task.ID, store.TaskPatch{
		VectorIndexName: store.Ptr("idx-1"),
	})
	require.NoError(t, err)
	_, err = st.UpdateTask(ctx, task.ID, store.TaskPatch{
		Status:  store.Ptr(store.TaskCompleted),
		EndTime: &now,
	})
	require.NoError(t, err)

	t.Run("transient index failure aborts the delete", func(t *testing.T) {
		err := svc.DeleteRepository(ctx, repo.ID, false)
		require.Error(t, err)

		// Rows survive, so the operation can be retried.
		_, err = st.GetRepository(ctx, repo.ID)
		assert.NoError(t, err)
	})

	t.Run("missing index counts as deleted", func(t *testing.T) {
		indexes.err = errkind.NewNotFound(errors.New("index idx-1 not found"))
		require.NoError(t, svc.DeleteRepository(ctx, repo.ID, false))

		_, err := st.GetRepository(ctx, repo.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestSubmitThroughCompletion(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := newService(t, st, completingRunner{st})
	repo := activeRepo(t, st, "repo-1")

	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { _ = svc.Stop(5 * time.Second) })

	task, err := svc.SubmitTask(ctx, repo.ID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := st.GetTask(ctx, task.ID)
		return err == nil && got.Status == store.TaskCompleted
	}, 5*time.Second, 20*time.Millisecond)

	detail, err := svc.TaskDetail(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(100), detail.Progress.Percent)
	assert.Zero(t, detail.QueuePosition)
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	reg, err := health.New(health.DefaultConfig())
	require.NoError(t, err)
	diag, err := health.NewServer("127.0.0.1:0", reg)
	require.NoError(t, err)
	watcher, err := repos.NewWatcher(st)
	require.NoError(t, err)

	mgr, err := repos.NewManager(t.TempDir(), st)
	require.NoError(t, err)
	disp, err := queue.New(st, nopRunner{}, queue.DefaultConfig())
	require.NoError(t, err)
	svc, err := New(st, mgr, disp,
		WithHealth(reg),
		WithDiagServer(diag),
		WithWatcher(watcher),
	)
	require.NoError(t, err)

	// An active repository on disk is picked up at start.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	repo := &store.Repository{
		ID:        "repo-1",
		UserID:    "u1",
		Name:      "demo",
		FullName:  "u1/demo",
		LocalPath: dir,
		Status:    store.RepoActive,
	}
	require.NoError(t, st.CreateRepository(ctx, repo))

	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.Running())
	assert.True(t, disp.Running())
	assert.True(t, reg.Running())
	assert.True(t, watcher.Running())
	assert.NotEmpty(t, diag.Addr())

	t.Run("double start errors", func(t *testing.T) {
		assert.Error(t, svc.Start(ctx))
	})

	t.Run("health reports through the registry", func(t *testing.T) {
		status := svc.Health(ctx)
		assert.True(t, status.OK)
		require.NotNil(t, status.Queue)
		assert.Equal(t, 0, status.Queue.Depth())
	})

	require.NoError(t, svc.Stop(5*time.Second))
	assert.False(t, svc.Running())
	assert.False(t, disp.Running())
	assert.False(t, watcher.Running())

	t.Run("stop is idempotent", func(t *testing.T) {
		assert.NoError(t, svc.Stop(time.Second))
	})
}
