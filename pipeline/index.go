package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/c360studio/repolens/errkind"
	"github.com/c360studio/repolens/store"
	"github.com/c360studio/repolens/vectorindex"
)

// docExtensions mark files indexed under the docs category; everything
// else is code.
var docExtensions = map[string]bool{
	".md":   true,
	".mdx":  true,
	".rst":  true,
	".txt":  true,
	".adoc": true,
}

type fileDocs struct {
	path string
	docs []vectorindex.Document
}

type docBatch struct {
	docs  []vectorindex.Document
	files int
}

// runIndex chunks the captured file contents and delivers them to the
// vector store in batches. The first batch creates the index; later batch
// failures are retried, then counted as failed deliveries without ending
// the stage. Files with no content to deliver settle immediately: empty
// files as successes, unreadable ones as failures.
func (d *Driver) runIndex(ctx context.Context, task *store.Task, repo *store.Repository) error {
	if task.VectorIndexName != "" {
		// A resumed task already built its index.
		return d.advanceToAnalyze(ctx, task.ID)
	}

	rows, err := d.store.ListFileAnalyses(ctx, task.ID, "")
	if err != nil {
		return fmt.Errorf("list file rows: %w", err)
	}

	var (
		groups     []fileDocs
		emptyFiles int
		unreadable int
	)
	for _, row := range rows {
		switch {
		case row.CodeContent == "" && row.SizeBytes > 0:
			// Oversize, binary or unreadable at scan time.
			unreadable++
		case strings.TrimSpace(row.CodeContent) == "":
			emptyFiles++
		default:
			docs := d.documentsFor(row)
			if len(docs) == 0 {
				emptyFiles++
				continue
			}
			groups = append(groups, fileDocs{path: row.FilePath, docs: docs})
		}
	}

	if len(groups) == 0 {
		// Nothing to embed. Record a placeholder name so later stages
		// and resume can tell the index phase is settled.
		updated, err := d.patchTask(ctx, task.ID, store.TaskPatch{
			SuccessfulFiles: store.Ptr(emptyFiles),
			FailedFiles:     store.Ptr(unreadable),
			VectorIndexName: store.Ptr(emptyIndexName(repo)),
			CurrentStep:     store.Ptr(store.StepAnalyze),
		})
		if err != nil {
			return fmt.Errorf("record empty index: %w", err)
		}
		d.progress.Publish(ctx, updated)
		d.logger.Info("nothing to index", "task_id", task.ID, "index", updated.VectorIndexName)
		return nil
	}

	var (
		batches        = packBatches(groups, d.cfg.IndexBatchSize)
		indexName      string
		delivered      int
		failedDelivery int
	)
	for i, batch := range batches {
		if err := d.checkCancelled(ctx, task.ID); err != nil {
			return err
		}

		var derr error
		if indexName == "" {
			derr = d.withRetry(ctx, "create vector index", d.cfg.RetryAttempts, func() error {
				name, cerr := d.indexer.CreateIndex(ctx, batch.docs)
				if cerr == nil {
					indexName = name
				}
				return cerr
			})
			if derr != nil {
				// Without an index nothing later can be delivered.
				return errkind.NewFatal(fmt.Errorf("create vector index: %w", derr))
			}
		} else {
			derr = d.withRetry(ctx, "deliver document batch", d.cfg.RetryAttempts, func() error {
				_, aerr := d.indexer.AddDocuments(ctx, indexName, batch.docs)
				return aerr
			})
			if derr != nil {
				failedDelivery += batch.files
				d.logger.Warn("document batch delivery failed",
					"task_id", task.ID, "batch", i+1, "files", batch.files, "error", derr)
				continue
			}
		}

		delivered += batch.files
		updated, uerr := d.patchTask(ctx, task.ID, store.TaskPatch{
			SuccessfulFiles: store.Ptr(delivered),
		})
		if uerr != nil {
			return fmt.Errorf("record batch delivery: %w", uerr)
		}
		d.progress.Publish(ctx, updated)
	}

	updated, err := d.patchTask(ctx, task.ID, store.TaskPatch{
		SuccessfulFiles: store.Ptr(delivered + emptyFiles),
		FailedFiles:     store.Ptr(unreadable + failedDelivery),
		VectorIndexName: store.Ptr(indexName),
		CurrentStep:     store.Ptr(store.StepAnalyze),
	})
	if err != nil {
		return fmt.Errorf("record index result: %w", err)
	}
	d.progress.Publish(ctx, updated)
	d.logger.Info("index built", "task_id", task.ID, "index", indexName,
		"delivered", delivered, "failed", unreadable+failedDelivery, "batches", len(batches))
	return nil
}

func (d *Driver) advanceToAnalyze(ctx context.Context, taskID string) error {
	updated, err := d.patchTask(ctx, taskID, store.TaskPatch{
		CurrentStep: store.Ptr(store.StepAnalyze),
	})
	if err != nil {
		return fmt.Errorf("advance to analyze: %w", err)
	}
	d.progress.Publish(ctx, updated)
	return nil
}

// documentsFor chunks one file into indexable documents.
func (d *Driver) documentsFor(row *store.FileAnalysis) []vectorindex.Document {
	chunks := d.chunker.File(row.FilePath, row.Language, row.CodeContent)
	docs := make([]vectorindex.Document, 0, len(chunks))
	for _, c := range chunks {
		docs = append(docs, vectorindex.Document{
			Title:     path.Base(row.FilePath),
			File:      row.FilePath,
			Content:   c.Content,
			Category:  categoryFor(row.FilePath),
			Language:  row.Language,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
		})
	}
	return docs
}

func categoryFor(filePath string) string {
	if docExtensions[strings.ToLower(path.Ext(filePath))] {
		return "docs"
	}
	return "code"
}

// packBatches groups per-file documents into delivery batches of roughly
// batchSize documents. A file's chunks stay together, so a file with more
// chunks than batchSize forms an oversized batch of its own.
func packBatches(groups []fileDocs, batchSize int) []docBatch {
	var batches []docBatch
	var cur docBatch
	for _, g := range groups {
		if cur.files > 0 && len(cur.docs)+len(g.docs) > batchSize {
			batches = append(batches, cur)
			cur = docBatch{}
		}
		cur.docs = append(cur.docs, g.docs...)
		cur.files++
	}
	if cur.files > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func emptyIndexName(repo *store.Repository) string {
	name := repo.Name
	if name == "" {
		name = repo.ID
	}
	return fmt.Sprintf("local_%s_empty", name)
}
