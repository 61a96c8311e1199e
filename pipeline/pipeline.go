// Package pipeline drives an admitted task through the four stages: scan,
// index, analyze, document. Every stage records its outcome durably before
// the next one starts, so a crashed or orphaned task resumes from its
// stored current_step and only the remaining work is re-executed. The
// driver is the only writer of stage counters while a task runs; a
// heartbeat goroutine stamps liveness so the dispatcher can spot orphans.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/c360studio/repolens/analysis"
	"github.com/c360studio/repolens/chunk"
	"github.com/c360studio/repolens/docgen"
	"github.com/c360studio/repolens/errkind"
	"github.com/c360studio/repolens/progress"
	"github.com/c360studio/repolens/store"
	"github.com/c360studio/repolens/vectorindex"
)

// DocFailurePolicy decides what a document-stage failure does to the task.
type DocFailurePolicy string

const (
	// DocFailureFail fails the task when document generation fails.
	DocFailureFail DocFailurePolicy = "fail"
	// DocFailureComplete completes the task without a readme artifact.
	DocFailureComplete DocFailurePolicy = "complete"
)

// Config tunes the driver.
type Config struct {
	// MaxFileBytes is the per-file content capture budget for the scan.
	MaxFileBytes int64
	// IgnoreGlobs are extra scan exclusions (doublestar patterns).
	IgnoreGlobs []string

	// IndexBatchSize bounds the number of chunk documents per delivery
	// batch. A file's chunks are never split across batches.
	IndexBatchSize int

	// RetryAttempts and RetryBase drive the driver's own retry loop for
	// adapter calls (index delivery, archive upload, result fetch).
	RetryAttempts int
	RetryBase     time.Duration

	// DocPollInterval is the cadence of document status polls and of
	// submit retries.
	DocPollInterval time.Duration
	// DocMaxTotal bounds the whole polling phase of the document stage.
	DocMaxTotal time.Duration
	// DocSubmitAttempts bounds document job submissions.
	DocSubmitAttempts int
	// DocFailurePolicy decides whether a document failure fails the task.
	DocFailurePolicy DocFailurePolicy
	// SkipDocOnEmpty skips the document stage when the scan found no
	// files.
	SkipDocOnEmpty bool

	// DocLanguage, DocProvider and DocModel are forwarded to the
	// generation service.
	DocLanguage string
	DocProvider string
	DocModel    string

	// HeartbeatInterval is the liveness stamp cadence.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxFileBytes:      1 << 20,
		IndexBatchSize:    100,
		RetryAttempts:     3,
		RetryBase:         2 * time.Second,
		DocPollInterval:   5 * time.Second,
		DocMaxTotal:       5 * time.Minute,
		DocSubmitAttempts: 50,
		DocFailurePolicy:  DocFailureFail,
		SkipDocOnEmpty:    true,
		DocLanguage:       "en",
		HeartbeatInterval: 15 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxFileBytes < 0 {
		return fmt.Errorf("max_file_bytes must not be negative, got %d", c.MaxFileBytes)
	}
	if c.IndexBatchSize < 1 {
		return fmt.Errorf("index_batch_size must be at least 1, got %d", c.IndexBatchSize)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RetryBase <= 0 {
		return fmt.Errorf("retry_base must be positive, got %s", c.RetryBase)
	}
	if c.DocPollInterval <= 0 {
		return fmt.Errorf("doc_poll_interval must be positive, got %s", c.DocPollInterval)
	}
	if c.DocMaxTotal <= 0 {
		return fmt.Errorf("doc_max_total must be positive, got %s", c.DocMaxTotal)
	}
	if c.DocSubmitAttempts < 1 {
		return fmt.Errorf("doc_submit_attempts must be at least 1, got %d", c.DocSubmitAttempts)
	}
	switch c.DocFailurePolicy {
	case DocFailureFail, DocFailureComplete:
	default:
		return fmt.Errorf("unknown doc_failure_policy %q", c.DocFailurePolicy)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	return nil
}

// Indexer delivers chunk documents to the vector store.
// *vectorindex.Client satisfies it.
type Indexer interface {
	CreateIndex(ctx context.Context, docs []vectorindex.Document) (string, error)
	AddDocuments(ctx context.Context, index string, docs []vectorindex.Document) (int, error)
}

// Analyzer runs the per-file analysis fan-out. *analysis.Pool satisfies
// it.
type Analyzer interface {
	Run(ctx context.Context, task *store.Task, indexName string) (succeeded, failed int, err error)
}

// DocGenerator is the remote documentation service. *docgen.Client
// satisfies it.
type DocGenerator interface {
	UploadZip(ctx context.Context, name string, zip io.Reader) (string, error)
	Submit(ctx context.Context, localPath string, opts docgen.Options) (string, error)
	Status(ctx context.Context, jobID string) (*docgen.Status, error)
	FetchResult(ctx context.Context, jobID string) (*docgen.Result, error)
}

// Archiver writes a zip of the repository working tree to w.
// repos.ZipTree satisfies it via ArchiveFunc.
type Archiver interface {
	Archive(ctx context.Context, root string, w io.Writer) error
}

// ArchiveFunc adapts a function to the Archiver interface.
type ArchiveFunc func(ctx context.Context, root string, w io.Writer) error

// Archive calls f.
func (f ArchiveFunc) Archive(ctx context.Context, root string, w io.Writer) error {
	return f(ctx, root, w)
}

// Driver executes tasks. One Run call drives one task; a Driver is safe
// for concurrent Run calls on distinct tasks.
type Driver struct {
	store    store.Store
	indexer  Indexer
	analyzer Analyzer
	docs     DocGenerator
	archiver Archiver

	chunker  *chunk.Chunker
	progress *progress.Publisher
	cfg      Config
	logger   *slog.Logger

	beat         func(taskID string)
	observeStage func(step store.Step, elapsed time.Duration)
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithProgress sets the progress publisher. Nil disables publication.
func WithProgress(pub *progress.Publisher) Option {
	return func(d *Driver) {
		d.progress = pub
	}
}

// WithChunker overrides the default chunker.
func WithChunker(c *chunk.Chunker) Option {
	return func(d *Driver) {
		if c != nil {
			d.chunker = c
		}
	}
}

// WithHeartbeat registers a callback invoked on every liveness stamp.
func WithHeartbeat(beat func(taskID string)) Option {
	return func(d *Driver) {
		d.beat = beat
	}
}

// WithStageObserver registers a callback invoked after every finished
// stage, for metrics.
func WithStageObserver(fn func(step store.Step, elapsed time.Duration)) Option {
	return func(d *Driver) {
		d.observeStage = fn
	}
}

// New builds a Driver. All five dependencies are required.
func New(st store.Store, indexer Indexer, analyzer Analyzer, docs DocGenerator, archiver Archiver, cfg Config, opts ...Option) (*Driver, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if indexer == nil {
		return nil, errors.New("indexer is required")
	}
	if analyzer == nil {
		return nil, errors.New("analyzer is required")
	}
	if docs == nil {
		return nil, errors.New("document generator is required")
	}
	if archiver == nil {
		return nil, errors.New("archiver is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	d := &Driver{
		store:    st,
		indexer:  indexer,
		analyzer: analyzer,
		docs:     docs,
		archiver: archiver,
		chunker:  chunk.NewDefault(),
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run drives the task with the given ID to a terminal status. The task
// must already hold an admission slot (status running). A context
// cancellation leaves the task running so the orphan sweep can hand it to
// another driver; every other stage error fails the task durably.
func (d *Driver) Run(ctx context.Context, taskID string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status.IsTerminal() {
		return nil
	}
	if task.Status != store.TaskRunning {
		return fmt.Errorf("task %s is %s, not running", taskID, task.Status)
	}

	repo, err := d.store.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		return d.fail(ctx, taskID, fmt.Errorf("load repository %s: %w", task.RepositoryID, err))
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	d.stampHeartbeat(ctx, taskID)
	go d.heartbeatLoop(hbCtx, taskID)

	stageErr := d.runStages(ctx, taskID, repo)
	stopHeartbeat()

	if stageErr != nil {
		if errors.Is(stageErr, context.Canceled) || errors.Is(stageErr, context.DeadlineExceeded) {
			// Shutdown, not a task failure. The heartbeat goes stale
			// and the dispatcher re-admits the task later.
			d.logger.Info("task interrupted", "task_id", taskID, "error", stageErr)
			return stageErr
		}
		return d.fail(ctx, taskID, stageErr)
	}
	return d.complete(ctx, taskID)
}

// runStages dispatches on the stored current step until the document
// stage finishes. The task record is reloaded before every stage so a
// cancellation requested between stages is honored.
func (d *Driver) runStages(ctx context.Context, taskID string, repo *store.Repository) error {
	for {
		task, err := d.store.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("reload task: %w", err)
		}
		if task.CancelRequested {
			return analysis.ErrCancelled
		}

		step := task.CurrentStep
		started := time.Now()
		d.logger.Info("stage starting", "task_id", taskID, "step", step.String())

		switch step {
		case store.StepScan:
			err = d.runScan(ctx, task, repo)
		case store.StepIndex:
			err = d.runIndex(ctx, task, repo)
		case store.StepAnalyze:
			err = d.runAnalyze(ctx, task)
		case store.StepDocument:
			err = d.runDocument(ctx, task, repo)
		default:
			err = fmt.Errorf("unknown step %d", step)
		}
		if err != nil {
			if isCancelled(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("%s: %w", step, err)
		}

		elapsed := time.Since(started)
		d.logger.Info("stage finished", "task_id", taskID, "step", step.String(), "elapsed", elapsed)
		if d.observeStage != nil {
			d.observeStage(step, elapsed)
		}
		if step == store.StepDocument {
			return nil
		}
	}
}

// checkCancelled reloads the task and surfaces a pending cancellation.
// Stages call it at every suspension point.
func (d *Driver) checkCancelled(ctx context.Context, taskID string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("read task: %w", err)
	}
	if task.CancelRequested {
		return analysis.ErrCancelled
	}
	return nil
}

func (d *Driver) heartbeatLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.stampHeartbeat(ctx, taskID)
		}
	}
}

func (d *Driver) stampHeartbeat(ctx context.Context, taskID string) {
	now := time.Now().UTC()
	if _, err := d.store.UpdateTask(ctx, taskID, store.TaskPatch{HeartbeatAt: &now}); err != nil {
		if ctx.Err() == nil {
			d.logger.Debug("heartbeat stamp failed", "task_id", taskID, "error", err)
		}
		return
	}
	if d.beat != nil {
		d.beat(taskID)
	}
}

func (d *Driver) complete(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	task, err := d.patchTask(ctx, taskID, store.TaskPatch{
		Status:  store.Ptr(store.TaskCompleted),
		EndTime: &now,
	})
	if err != nil {
		return fmt.Errorf("record task completion: %w", err)
	}
	if task.StartTime != nil {
		if err := d.store.RecordTaskDuration(ctx, now.Sub(*task.StartTime)); err != nil {
			d.logger.Debug("record task duration", "task_id", taskID, "error", err)
		}
	}
	d.progress.Publish(ctx, task)
	d.logger.Info("task completed", "task_id", taskID,
		"files", task.TotalFiles, "analyzed", task.AnalysisSuccess, "analysis_failed", task.AnalysisFailed)
	return nil
}

// fail records the terminal failure and returns cause so the caller can
// log it. A cancellation writes the literal message "cancelled".
func (d *Driver) fail(ctx context.Context, taskID string, cause error) error {
	msg := cause.Error()
	if isCancelled(cause) {
		msg = "cancelled"
	}
	now := time.Now().UTC()
	task, err := d.patchTask(ctx, taskID, store.TaskPatch{
		Status:       store.Ptr(store.TaskFailed),
		EndTime:      &now,
		ErrorMessage: store.Ptr(msg),
	})
	if err != nil {
		d.logger.Error("record task failure", "task_id", taskID, "cause", cause, "error", err)
		return errors.Join(cause, err)
	}
	d.progress.Publish(ctx, task)
	d.logger.Warn("task failed", "task_id", taskID, "error", msg)
	return cause
}

// patchTask applies a task patch, absorbing the occasional revision race
// against the concurrent heartbeat writer. Stage patches carry absolute
// values, so re-applying one is safe.
func (d *Driver) patchTask(ctx context.Context, taskID string, patch store.TaskPatch) (*store.Task, error) {
	const attempts = 5
	var task *store.Task
	var err error
	for i := 0; i < attempts; i++ {
		task, err = d.store.UpdateTask(ctx, taskID, patch)
		if err == nil || !errors.Is(err, store.ErrConflict) {
			return task, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	return nil, err
}

// withRetry runs fn up to attempts times with doubling backoff, honoring
// upstream retry-after hints. Non-retryable errors return immediately.
func (d *Driver) withRetry(ctx context.Context, op string, attempts int, fn func() error) error {
	delay := d.cfg.RetryBase
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errkind.Retryable(lastErr) || attempt == attempts {
			return lastErr
		}
		if hint := errkind.RetryAfter(lastErr); hint > delay {
			delay = hint
		}
		d.logger.Debug("retrying", "op", op, "attempt", attempt, "delay", delay, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

func isCancelled(err error) bool {
	return errors.Is(err, analysis.ErrCancelled)
}
