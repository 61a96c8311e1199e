package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/c360studio/repolens/scan"
	"github.com/c360studio/repolens/store"
)

// runScan walks the repository, persists one pending FileAnalysis row per
// candidate file and fixes the task totals. On resume, rows that already
// exist keep their ID and status so settled work is not redone.
func (d *Driver) runScan(ctx context.Context, task *store.Task, repo *store.Repository) error {
	files, stats, err := scan.Scan(ctx, repo.LocalPath, scan.Options{
		IgnoreGlobs:  d.cfg.IgnoreGlobs,
		MaxFileBytes: d.cfg.MaxFileBytes,
	})
	if err != nil {
		return err
	}

	existing, err := d.store.ListFileAnalyses(ctx, task.ID, "")
	if err != nil {
		return fmt.Errorf("list existing file rows: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, row := range existing {
		seen[row.FilePath] = true
	}

	for i := range files {
		f := &files[i]
		if seen[f.Path] {
			continue
		}
		row := &store.FileAnalysis{
			ID:           uuid.New().String(),
			TaskID:       task.ID,
			FilePath:     f.Path,
			Language:     f.Language,
			SizeBytes:    f.Size,
			CodeLines:    f.CodeLines,
			Status:       store.FilePending,
			CodeContent:  f.Content,
			Dependencies: f.Dependencies,
		}
		if err := d.store.PutFileAnalysis(ctx, row); err != nil {
			return fmt.Errorf("persist file row %s: %w", f.Path, err)
		}
	}

	updated, err := d.patchTask(ctx, task.ID, store.TaskPatch{
		TotalFiles:  store.Ptr(stats.TotalFiles),
		CodeLines:   store.Ptr(int(stats.CodeLines)),
		ModuleCount: store.Ptr(moduleCount(files)),
		CurrentStep: store.Ptr(store.StepIndex),
	})
	if err != nil {
		return fmt.Errorf("record scan result: %w", err)
	}
	d.progress.Publish(ctx, updated)
	d.logger.Info("scan finished", "task_id", task.ID,
		"files", stats.TotalFiles, "code_lines", stats.CodeLines, "modules", updated.ModuleCount)
	return nil
}

// moduleCount counts the distinct top-level directories among the
// candidate files. Files at the repository root count as one module
// together.
func moduleCount(files []scan.File) int {
	tops := make(map[string]bool, 8)
	for i := range files {
		top := files[i].Path
		if j := strings.IndexByte(top, '/'); j >= 0 {
			top = top[:j]
		} else {
			top = "."
		}
		tops[top] = true
	}
	return len(tops)
}
