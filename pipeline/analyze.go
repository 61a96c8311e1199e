package pipeline

import (
	"context"
	"fmt"

	"github.com/c360studio/repolens/store"
)

// runAnalyze reseeds the analyze counters from the stored rows and hands
// the pending ones to the worker pool. Recounting at entry self-heals a
// crash that landed between a row write and its counter update.
func (d *Driver) runAnalyze(ctx context.Context, task *store.Task) error {
	rows, err := d.store.ListFileAnalyses(ctx, task.ID, "")
	if err != nil {
		return fmt.Errorf("list file rows: %w", err)
	}
	var succeeded, failed int
	for _, row := range rows {
		switch row.Status {
		case store.FileSuccess:
			succeeded++
		case store.FileFailed:
			failed++
		}
	}

	seeded, err := d.patchTask(ctx, task.ID, store.TaskPatch{
		AnalysisTotal:   store.Ptr(len(rows)),
		AnalysisSuccess: store.Ptr(succeeded),
		AnalysisFailed:  store.Ptr(failed),
	})
	if err != nil {
		return fmt.Errorf("seed analyze counters: %w", err)
	}
	d.progress.Publish(ctx, seeded)

	poolSucceeded, poolFailed, err := d.analyzer.Run(ctx, seeded, seeded.VectorIndexName)
	if err != nil {
		return err
	}
	d.logger.Info("analyze finished", "task_id", task.ID,
		"succeeded", poolSucceeded, "failed", poolFailed, "skipped", succeeded+failed)

	updated, err := d.patchTask(ctx, task.ID, store.TaskPatch{
		CurrentStep: store.Ptr(store.StepDocument),
	})
	if err != nil {
		return fmt.Errorf("advance to document: %w", err)
	}
	d.progress.Publish(ctx, updated)
	return nil
}
