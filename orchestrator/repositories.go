package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/repolens/errkind"
	"github.com/c360studio/repolens/store"
)

// RegisterUpload extracts an uploaded archive and registers (or revives)
// its repository record, then puts the new tree under watch.
func (s *Service) RegisterUpload(ctx context.Context, userID, name string, data []byte) (*store.Repository, error) {
	repo, err := s.repos.RegisterUpload(ctx, userID, name, data)
	if err != nil {
		return nil, err
	}
	s.watch(repo)
	return repo, nil
}

// RegisterLocal registers a repository already present on disk and puts
// it under watch.
func (s *Service) RegisterLocal(ctx context.Context, userID, name, path string) (*store.Repository, error) {
	repo, err := s.repos.RegisterLocal(ctx, userID, name, path)
	if err != nil {
		return nil, err
	}
	s.watch(repo)
	return repo, nil
}

// ValidateLocalPath checks that a path exists and is a directory, and
// returns its absolute form.
func (s *Service) ValidateLocalPath(path string) (string, error) {
	return s.repos.ValidateLocalPath(path)
}

// GetRepository returns a repository by id.
func (s *Service) GetRepository(ctx context.Context, id string) (*store.Repository, error) {
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errkind.NewNotFound(err)
		}
		return nil, fmt.Errorf("load repository: %w", err)
	}
	return repo, nil
}

// ListRepositories returns all repositories, newest first.
func (s *Service) ListRepositories(ctx context.Context) ([]*store.Repository, error) {
	return s.store.ListRepositories(ctx)
}

// DeleteRepository removes a repository. Soft deletion flips the status
// and keeps every record. Hard deletion cancels outstanding tasks, deletes
// the vector indexes those tasks own, removes all rows including readmes,
// and clears the uploaded tree. Deleting a missing repository succeeds.
func (s *Service) DeleteRepository(ctx context.Context, id string, soft bool) error {
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load repository: %w", err)
	}

	if s.watcher != nil {
		s.watcher.Unwatch(id)
	}

	if soft {
		if repo.Status == store.RepoDeleted {
			return nil
		}
		repo.Status = store.RepoDeleted
		if err := s.store.UpdateRepository(ctx, repo); err != nil {
			return fmt.Errorf("soft delete repository: %w", err)
		}
		s.logger.Info("repository soft deleted", "repository_id", id)
		return nil
	}

	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{RepositoryID: id})
	if err != nil {
		return fmt.Errorf("list repository tasks: %w", err)
	}

	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		if _, err := s.store.UpdateTask(ctx, task.ID, store.TaskPatch{
			CancelRequested: store.Ptr(true),
		}); err != nil {
			s.logger.Warn("cancel task for delete", "task_id", task.ID, "error", err)
		}
	}

	// Indexes go before the rows: if an index delete fails the records
	// survive and the whole operation can be retried.
	for _, task := range tasks {
		if task.VectorIndexName == "" {
			continue
		}
		if err := s.deleteIndex(ctx, task.VectorIndexName); err != nil {
			return fmt.Errorf("delete vector index %s: %w", task.VectorIndexName, err)
		}
	}

	if err := s.store.DeleteRepositoryCascade(ctx, id); err != nil {
		return fmt.Errorf("delete repository rows: %w", err)
	}

	if err := s.repos.RemoveUpload(repo); err != nil {
		s.logger.Warn("remove uploaded tree",
			"repository_id", id, "path", repo.LocalPath, "error", err)
	}

	s.logger.Info("repository deleted", "repository_id", id, "tasks", len(tasks))
	return nil
}

// deleteIndex issues an idempotent index delete. Missing indexes count as
// deleted.
func (s *Service) deleteIndex(ctx context.Context, name string) error {
	if s.indexes == nil {
		return nil
	}
	err := s.indexes.DeleteIndex(ctx, name)
	if err == nil || errkind.IsNotFound(err) {
		return nil
	}
	return err
}

// watch puts a repository under the change watcher when one is wired.
func (s *Service) watch(repo *store.Repository) {
	if s.watcher == nil {
		return
	}
	if err := s.watcher.Watch(repo); err != nil {
		s.logger.Warn("watch repository", "repository_id", repo.ID, "error", err)
	}
}
