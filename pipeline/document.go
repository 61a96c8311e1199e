package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/c360studio/repolens/docgen"
	"github.com/c360studio/repolens/errkind"
	"github.com/c360studio/repolens/store"
)

// runDocument generates the repository README through the remote service:
// archive the working tree, upload, submit a job, poll until it finishes,
// persist the artifact. A recorded job ID makes a resumed task skip
// straight to polling. The failure policy decides whether a generation
// failure ends the task or completes it without an artifact.
func (d *Driver) runDocument(ctx context.Context, task *store.Task, repo *store.Repository) error {
	if task.TotalFiles == 0 && d.cfg.SkipDocOnEmpty {
		d.logger.Info("document stage skipped for empty repository", "task_id", task.ID)
		return nil
	}

	err := d.generateDocument(ctx, task, repo)
	if err == nil {
		return nil
	}
	if isCancelled(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if d.cfg.DocFailurePolicy == DocFailureComplete {
		d.logger.Warn("document generation failed, completing without readme",
			"task_id", task.ID, "error", err)
		return nil
	}
	return err
}

func (d *Driver) generateDocument(ctx context.Context, task *store.Task, repo *store.Repository) error {
	jobID := task.DocJobID
	if jobID == "" {
		remotePath, err := d.uploadTree(ctx, repo)
		if err != nil {
			return err
		}

		jobID, err = d.submitJob(ctx, remotePath, repo.Name)
		if err != nil {
			return err
		}

		updated, err := d.patchTask(ctx, task.ID, store.TaskPatch{
			DocJobID: store.Ptr(jobID),
		})
		if err != nil {
			return fmt.Errorf("record document job: %w", err)
		}
		d.progress.Publish(ctx, updated)
		d.logger.Info("document job submitted", "task_id", task.ID, "job_id", jobID)
	} else {
		d.logger.Info("resuming document job", "task_id", task.ID, "job_id", jobID)
	}

	return d.awaitDocument(ctx, task.ID, jobID)
}

// uploadTree archives the working tree into a temp file and uploads it.
func (d *Driver) uploadTree(ctx context.Context, repo *store.Repository) (string, error) {
	tmp, err := os.CreateTemp("", "repolens-*.zip")
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := d.archiver.Archive(ctx, repo.LocalPath, tmp); err != nil {
		return "", fmt.Errorf("archive repository: %w", err)
	}

	var remotePath string
	err = d.withRetry(ctx, "upload archive", d.cfg.RetryAttempts, func() error {
		if _, serr := tmp.Seek(0, io.SeekStart); serr != nil {
			return serr
		}
		p, uerr := d.docs.UploadZip(ctx, repo.Name, tmp)
		if uerr == nil {
			remotePath = p
		}
		return uerr
	})
	if err != nil {
		return "", fmt.Errorf("upload repository archive: %w", err)
	}
	return remotePath, nil
}

// submitJob retries submission at a fixed cadence until the service
// accepts the job or the attempt budget runs out.
func (d *Driver) submitJob(ctx context.Context, remotePath, projectName string) (string, error) {
	opts := docgen.Options{
		ProjectName: projectName,
		Language:    d.cfg.DocLanguage,
		Provider:    d.cfg.DocProvider,
		Model:       d.cfg.DocModel,
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.DocSubmitAttempts; attempt++ {
		jobID, err := d.docs.Submit(ctx, remotePath, opts)
		if err == nil {
			return jobID, nil
		}
		lastErr = err
		if !errkind.Retryable(err) {
			return "", fmt.Errorf("submit document job: %w", err)
		}
		if attempt == d.cfg.DocSubmitAttempts {
			break
		}
		d.logger.Debug("document submit retry", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.cfg.DocPollInterval):
		}
	}
	return "", fmt.Errorf("submit document job: %d attempts exhausted: %w", d.cfg.DocSubmitAttempts, lastErr)
}

// awaitDocument polls the job until it finishes, forwarding remote
// progress into the task record. Poll errors are tolerated until the
// stage deadline; a failed job or an exceeded deadline is fatal here and
// left to the failure policy.
func (d *Driver) awaitDocument(ctx context.Context, taskID, jobID string) error {
	deadline := time.Now().Add(d.cfg.DocMaxTotal)
	ticker := time.NewTicker(d.cfg.DocPollInterval)
	defer ticker.Stop()

	for {
		if err := d.checkCancelled(ctx, taskID); err != nil {
			return err
		}

		st, err := d.docs.Status(ctx, jobID)
		switch {
		case err != nil:
			if !errkind.Retryable(err) {
				return fmt.Errorf("document status: %w", err)
			}
			d.logger.Debug("document status poll failed", "task_id", taskID, "error", err)
		case st.Failed():
			reason := st.Error
			if reason == "" {
				reason = st.Message
			}
			return errkind.NewFatal(fmt.Errorf("document generation failed: %s", reason))
		case st.Completed():
			return d.storeDocument(ctx, taskID, jobID)
		default:
			updated, uerr := d.patchTask(ctx, taskID, store.TaskPatch{
				DocProgress: store.Ptr(clampPercent(st.Progress)),
			})
			if uerr != nil {
				return fmt.Errorf("record document progress: %w", uerr)
			}
			d.progress.Publish(ctx, updated)
			d.logger.Debug("document in progress", "task_id", taskID,
				"percent", updated.DocProgress, "stage", st.Stage)
		}

		if time.Now().After(deadline) {
			return errkind.NewFatal(fmt.Errorf("document generation timed out after %s", d.cfg.DocMaxTotal))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Driver) storeDocument(ctx context.Context, taskID, jobID string) error {
	var result *docgen.Result
	err := d.withRetry(ctx, "fetch document result", d.cfg.RetryAttempts, func() error {
		r, ferr := d.docs.FetchResult(ctx, jobID)
		if ferr == nil {
			result = r
		}
		return ferr
	})
	if err != nil {
		return fmt.Errorf("fetch document result: %w", err)
	}

	if err := d.store.UpsertReadme(ctx, &store.ReadmeArtifact{
		TaskID:       taskID,
		Content:      result.Markdown,
		RenderedHTML: result.RenderedHTML,
	}); err != nil {
		return fmt.Errorf("persist readme: %w", err)
	}

	updated, err := d.patchTask(ctx, taskID, store.TaskPatch{
		DocProgress: store.Ptr(100),
	})
	if err != nil {
		return fmt.Errorf("record document completion: %w", err)
	}
	d.progress.Publish(ctx, updated)
	d.logger.Info("readme stored", "task_id", taskID, "bytes", len(result.Markdown))
	return nil
}

func clampPercent(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return int(v)
	}
}
