package store

import (
	"context"
	"time"
)

// Store is the durable persistence contract. All methods are safe for
// concurrent use. Write methods that race return ErrConflict (wrapped);
// callers retry by re-reading. Missing entities return ErrNotFound.
type Store interface {
	// CreateRepository persists a new repository. FullName must be unique
	// per user; a duplicate returns ErrConflict.
	CreateRepository(ctx context.Context, repo *Repository) error
	// GetRepository returns a repository by id.
	GetRepository(ctx context.Context, id string) (*Repository, error)
	// GetRepositoryByFullName returns the repository registered under
	// (userID, fullName).
	GetRepositoryByFullName(ctx context.Context, userID, fullName string) (*Repository, error)
	// ListRepositories returns all repositories, newest first.
	ListRepositories(ctx context.Context) ([]*Repository, error)
	// UpdateRepository replaces a repository record.
	UpdateRepository(ctx context.Context, repo *Repository) error

	// CreateTask persists a new task, assigning Seq from a monotone
	// counter and stamping CreatedAt when unset.
	CreateTask(ctx context.Context, task *Task) error
	// GetTask returns a task by id.
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTask applies patch to the task atomically. The patch is
	// validated against the current value; lifecycle violations return
	// ErrInvalidTransition and leave the task untouched. The patched
	// task is returned.
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error)
	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	// ListPendingTaskIDs returns ids of pending tasks in admission (Seq)
	// order.
	ListPendingTaskIDs(ctx context.Context) ([]string, error)
	// CountRunning returns the number of running tasks.
	CountRunning(ctx context.Context) (int, error)

	// PutFileAnalysis upserts the row keyed by (TaskID, FilePath). A row
	// in status success is never replaced by a non-success write; such a
	// write is silently dropped.
	PutFileAnalysis(ctx context.Context, fa *FileAnalysis) error
	// GetFileAnalysis returns the row for (taskID, path).
	GetFileAnalysis(ctx context.Context, taskID, path string) (*FileAnalysis, error)
	// ListFileAnalyses returns the rows of a task in path order,
	// optionally filtered by status ("" means all).
	ListFileAnalyses(ctx context.Context, taskID string, status FileStatus) ([]*FileAnalysis, error)
	// ReplaceAnalysisItems swaps the item set owned by a file analysis.
	// Re-running a file after a crash therefore never duplicates items.
	ReplaceAnalysisItems(ctx context.Context, fileAnalysisID string, items []*AnalysisItem) error
	// ListAnalysisItems returns the items of a file analysis in insert
	// order.
	ListAnalysisItems(ctx context.Context, fileAnalysisID string) ([]*AnalysisItem, error)

	// UpsertReadme creates or replaces the task's readme artifact.
	UpsertReadme(ctx context.Context, artifact *ReadmeArtifact) error
	// GetReadme returns the readme artifact of a task.
	GetReadme(ctx context.Context, taskID string) (*ReadmeArtifact, error)

	// DeleteRepositoryCascade removes a repository with all of its tasks,
	// file analyses, items, and readmes. Deleting an absent repository
	// succeeds.
	DeleteRepositoryCascade(ctx context.Context, repositoryID string) error

	// RecordTaskDuration appends a completed-task duration to the recent
	// window used for queue wait estimates.
	RecordTaskDuration(ctx context.Context, d time.Duration) error
	// RecentTaskDurations returns the recorded window, oldest first.
	RecentTaskDurations(ctx context.Context) ([]time.Duration, error)

	// Close releases backend resources.
	Close() error
}

// DurationWindow is the number of completed-task durations retained for
// wait estimation.
const DurationWindow = 20
