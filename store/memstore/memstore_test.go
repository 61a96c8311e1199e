package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/repolens/store"
)

func TestRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()

	repo := &store.Repository{
		ID:       "repo-1",
		UserID:   "u1",
		Name:     "demo",
		FullName: "u1/demo",
		Status:   store.RepoActive,
	}
	require.NoError(t, s.CreateRepository(ctx, repo))

	t.Run("duplicate full_name conflicts", func(t *testing.T) {
		dup := &store.Repository{ID: "repo-2", UserID: "u1", FullName: "u1/demo", Status: store.RepoActive}
		err := s.CreateRepository(ctx, dup)
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("same full_name for another user is fine", func(t *testing.T) {
		other := &store.Repository{ID: "repo-3", UserID: "u2", FullName: "u1/demo", Status: store.RepoActive}
		assert.NoError(t, s.CreateRepository(ctx, other))
	})

	t.Run("lookup by full_name", func(t *testing.T) {
		got, err := s.GetRepositoryByFullName(ctx, "u1", "u1/demo")
		require.NoError(t, err)
		assert.Equal(t, "repo-1", got.ID)
	})

	t.Run("missing repository", func(t *testing.T) {
		_, err := s.GetRepository(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("update stamps updated_at", func(t *testing.T) {
		got, err := s.GetRepository(ctx, "repo-1")
		require.NoError(t, err)
		got.NeedsReindex = true
		require.NoError(t, s.UpdateRepository(ctx, got))

		again, err := s.GetRepository(ctx, "repo-1")
		require.NoError(t, err)
		assert.True(t, again.NeedsReindex)
		assert.False(t, again.UpdatedAt.Before(again.CreatedAt))
	})
}

func TestTaskSeqOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, s.CreateTask(ctx, &store.Task{ID: id, RepositoryID: "repo-1"}))
	}

	ids, err := s.ListPendingTaskIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids)

	// Admitting the head removes it from the pending view.
	_, err = s.UpdateTask(ctx, "t1", store.TaskPatch{Status: store.Ptr(store.TaskRunning)})
	require.NoError(t, err)

	ids, err = s.ListPendingTaskIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t3"}, ids)

	n, err := s.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTaskLifecycleEnforced(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTask(ctx, &store.Task{ID: "t1", RepositoryID: "r"}))

	_, err := s.UpdateTask(ctx, "t1", store.TaskPatch{Status: store.Ptr(store.TaskCompleted)})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	// The failed patch must not have touched the stored value.
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, got.Status)
}

func TestPreserveSuccessPolicy(t *testing.T) {
	ctx := context.Background()
	s := New()

	row := &store.FileAnalysis{ID: "fa-1", TaskID: "t1", FilePath: "main.py", Status: store.FileSuccess, Analysis: "kept"}
	require.NoError(t, s.PutFileAnalysis(ctx, row))

	// A later non-success write for the same path is dropped.
	downgrade := &store.FileAnalysis{ID: "fa-1", TaskID: "t1", FilePath: "main.py", Status: store.FileFailed, ErrorMessage: "boom"}
	require.NoError(t, s.PutFileAnalysis(ctx, downgrade))

	got, err := s.GetFileAnalysis(ctx, "t1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, store.FileSuccess, got.Status)
	assert.Equal(t, "kept", got.Analysis)

	// A success write may replace a success row.
	update := &store.FileAnalysis{ID: "fa-1", TaskID: "t1", FilePath: "main.py", Status: store.FileSuccess, Analysis: "updated"}
	require.NoError(t, s.PutFileAnalysis(ctx, update))
	got, err = s.GetFileAnalysis(ctx, "t1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Analysis)
}

func TestReplaceAnalysisItemsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	items := []*store.AnalysisItem{
		{ID: "i1", FileAnalysisID: "fa-1", Title: "first"},
		{ID: "i2", FileAnalysisID: "fa-1", Title: "second"},
	}
	require.NoError(t, s.ReplaceAnalysisItems(ctx, "fa-1", items))
	require.NoError(t, s.ReplaceAnalysisItems(ctx, "fa-1", items))

	got, err := s.ListAnalysisItems(ctx, "fa-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDeleteRepositoryCascade(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateRepository(ctx, &store.Repository{ID: "repo-1", UserID: "u1", FullName: "u1/demo", Status: store.RepoActive}))
	require.NoError(t, s.CreateTask(ctx, &store.Task{ID: "t1", RepositoryID: "repo-1"}))
	require.NoError(t, s.PutFileAnalysis(ctx, &store.FileAnalysis{ID: "fa-1", TaskID: "t1", FilePath: "a.py", Status: store.FileSuccess}))
	require.NoError(t, s.ReplaceAnalysisItems(ctx, "fa-1", []*store.AnalysisItem{{ID: "i1", FileAnalysisID: "fa-1"}}))
	require.NoError(t, s.UpsertReadme(ctx, &store.ReadmeArtifact{TaskID: "t1", Content: "# Demo"}))

	// Unrelated data must survive the cascade.
	require.NoError(t, s.CreateRepository(ctx, &store.Repository{ID: "repo-2", UserID: "u1", FullName: "u1/other", Status: store.RepoActive}))
	require.NoError(t, s.CreateTask(ctx, &store.Task{ID: "t2", RepositoryID: "repo-2"}))

	require.NoError(t, s.DeleteRepositoryCascade(ctx, "repo-1"))

	_, err := s.GetRepository(ctx, "repo-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetFileAnalysis(ctx, "t1", "a.py")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetReadme(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	items, err := s.ListAnalysisItems(ctx, "fa-1")
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = s.GetTask(ctx, "t2")
	assert.NoError(t, err)

	// Deleting again is a no-op, not an error.
	assert.NoError(t, s.DeleteRepositoryCascade(ctx, "repo-1"))
}

func TestDurationWindowTrims(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := 0; i < store.DurationWindow+5; i++ {
		require.NoError(t, s.RecordTaskDuration(ctx, time.Duration(i)*time.Second))
	}
	ds, err := s.RecentTaskDurations(ctx)
	require.NoError(t, err)
	require.Len(t, ds, store.DurationWindow)
	assert.Equal(t, 5*time.Second, ds[0])
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTask(ctx, &store.Task{ID: "t1", RepositoryID: "r"}))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	got.Status = store.TaskFailed
	got.TotalFiles = 99

	again, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, again.Status)
	assert.Zero(t, again.TotalFiles)
}
