package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/repolens/errkind"
	"github.com/c360studio/repolens/progress"
	"github.com/c360studio/repolens/queue"
	"github.com/c360studio/repolens/store"
)

// cancelAttempts bounds the CAS retries when recording a cancellation.
const cancelAttempts = 3

// SubmitTask persists a pending task for a repository and wakes the
// dispatcher. The repository's needs_reindex flag is cleared: the new
// task will index the tree as it stands now.
func (s *Service) SubmitTask(ctx context.Context, repositoryID string, config json.RawMessage) (*store.Task, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errkind.NewNotFound(err)
		}
		return nil, fmt.Errorf("load repository: %w", err)
	}
	if repo.Status != store.RepoActive {
		return nil, errkind.NewInput(fmt.Errorf("repository %s is deleted", repositoryID))
	}

	task := &store.Task{
		ID:           uuid.NewString(),
		RepositoryID: repo.ID,
		Config:       config,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if repo.NeedsReindex {
		repo.NeedsReindex = false
		if err := s.store.UpdateRepository(ctx, repo); err != nil {
			s.logger.Warn("clear needs_reindex", "repository_id", repo.ID, "error", err)
		}
	}

	s.publisher.Publish(ctx, task)
	s.dispatcher.Wake()
	s.logger.Info("task submitted",
		"task_id", task.ID, "repository_id", repo.ID, "seq", task.Seq)
	return task, nil
}

// TaskDetail is the polled view of one task.
type TaskDetail struct {
	Task     *store.Task       `json:"task"`
	Progress progress.Snapshot `json:"progress"`

	// QueuePosition is the 1-based place among pending tasks, zero once
	// admitted.
	QueuePosition int           `json:"queue_position,omitempty"`
	EstimatedWait time.Duration `json:"estimated_wait,omitempty"`

	// Readme is present once the document stage has produced one.
	Readme *store.ReadmeArtifact `json:"readme,omitempty"`
}

// TaskDetail returns one task with its derived progress, its queue
// position while pending, and its readme once generated.
func (s *Service) TaskDetail(ctx context.Context, id string) (*TaskDetail, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errkind.NewNotFound(err)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}

	detail := &TaskDetail{Task: task, Progress: progress.Derive(task)}

	if task.Status == store.TaskPending {
		snap, err := s.dispatcher.Snapshot(ctx)
		if err != nil {
			s.logger.Debug("queue snapshot for detail", "task_id", id, "error", err)
		} else {
			for _, p := range snap.Pending {
				if p.TaskID == id {
					detail.QueuePosition = p.Position
					detail.EstimatedWait = p.EstimatedWait
					break
				}
			}
		}
	}

	readme, err := s.store.GetReadme(ctx, id)
	switch {
	case err == nil:
		detail.Readme = readme
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("load readme: %w", err)
	}
	return detail, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Service) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// TaskFiles returns the per-file rows of a task in path order, optionally
// filtered by status.
func (s *Service) TaskFiles(ctx context.Context, taskID string, status store.FileStatus) ([]*store.FileAnalysis, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errkind.NewNotFound(err)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	return s.store.ListFileAnalyses(ctx, taskID, status)
}

// FileItems returns the findings extracted from one analyzed file.
func (s *Service) FileItems(ctx context.Context, fileAnalysisID string) ([]*store.AnalysisItem, error) {
	return s.store.ListAnalysisItems(ctx, fileAnalysisID)
}

// TaskUpdate is the externally writable subset of a task. Every other
// field is owned by the driver or the dispatcher and cannot be patched
// from outside.
type TaskUpdate struct {
	Status          *store.TaskStatus `json:"status,omitempty"`
	TotalFiles      *int              `json:"total_files,omitempty"`
	SuccessfulFiles *int              `json:"successful_files,omitempty"`
	FailedFiles     *int              `json:"failed_files,omitempty"`
	AnalysisTotal   *int              `json:"analysis_total,omitempty"`
	AnalysisSuccess *int              `json:"analysis_success,omitempty"`
	AnalysisFailed  *int              `json:"analysis_failed,omitempty"`
	CurrentFile     *string           `json:"current_file,omitempty"`
	VectorIndexName *string           `json:"vector_index_name,omitempty"`
	EndTime         *time.Time        `json:"end_time,omitempty"`
}

// UpdateTask applies an external patch under the same lifecycle rules the
// driver writes under. Rejected transitions and racing writes surface as
// conflicts.
func (s *Service) UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*store.Task, error) {
	patch := store.TaskPatch{
		Status:          upd.Status,
		TotalFiles:      upd.TotalFiles,
		SuccessfulFiles: upd.SuccessfulFiles,
		FailedFiles:     upd.FailedFiles,
		AnalysisTotal:   upd.AnalysisTotal,
		AnalysisSuccess: upd.AnalysisSuccess,
		AnalysisFailed:  upd.AnalysisFailed,
		CurrentFile:     upd.CurrentFile,
		VectorIndexName: upd.VectorIndexName,
		EndTime:         upd.EndTime,
	}

	task, err := s.store.UpdateTask(ctx, id, patch)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, errkind.NewNotFound(err)
		case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
			return nil, errkind.NewConflict(err)
		}
		return nil, fmt.Errorf("update task: %w", err)
	}

	s.publisher.Publish(ctx, task)
	return task, nil
}

// CancelTask records the cancellation intent. The flag is sticky and the
// driver observes it at its next suspension point; a task still pending
// is failed on the spot so it never occupies an admission slot. Cancelling
// a terminal task is a no-op.
func (s *Service) CancelTask(ctx context.Context, id string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errkind.NewNotFound(err)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	for attempt := 0; ; attempt++ {
		task, err = s.store.UpdateTask(ctx, id, store.TaskPatch{
			CancelRequested: store.Ptr(true),
		})
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConflict) && attempt < cancelAttempts {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, errkind.NewNotFound(err)
		}
		return nil, fmt.Errorf("request cancel: %w", err)
	}

	if task.Status == store.TaskPending {
		now := time.Now().UTC()
		failed, err := s.store.UpdateTask(ctx, id, store.TaskPatch{
			Status:       store.Ptr(store.TaskFailed),
			EndTime:      &now,
			ErrorMessage: store.Ptr("cancelled"),
		})
		switch {
		case err == nil:
			task = failed
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrInvalidTransition):
			// Admitted while we were cancelling; the sticky flag reaches
			// the driver instead.
		default:
			return nil, fmt.Errorf("fail pending task: %w", err)
		}
	}

	s.publisher.Publish(ctx, task)
	s.dispatcher.Wake()
	s.logger.Info("task cancellation requested", "task_id", id, "status", task.Status)
	return task, nil
}

// QueueSnapshot returns the ordered pending queue with wait estimates.
func (s *Service) QueueSnapshot(ctx context.Context) (*queue.Snapshot, error) {
	return s.dispatcher.Snapshot(ctx)
}
