// Package analysis runs the per-file fan-out of the Analyze stage: a
// bounded worker pool that takes pending file rows through outline
// extraction, context retrieval, one rate-limited model call, tolerant
// parsing, and durable row/item/counter writes.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360studio/repolens/errkind"
	"github.com/c360studio/repolens/llm"
	"github.com/c360studio/repolens/store"
	"github.com/c360studio/repolens/structure"
	"github.com/c360studio/repolens/vectorindex"
)

// ErrCancelled aborts the stage when the task's cancellation flag is
// observed between files.
var ErrCancelled = errors.New("cancellation requested")

// Config tunes the pool.
type Config struct {
	// Workers is the number of concurrent file workers.
	Workers int

	// Prefetch is how many queued files each worker may hold beyond its
	// active one. Zero keeps the feed fully synchronous.
	Prefetch int

	// RPM caps model calls per minute across all workers.
	RPM int

	// MaxAttempts bounds model calls per file, the first included.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration

	// JitterFrac spreads each delay by +/- the given fraction.
	JitterFrac float64

	// HardTimeout caps one file end to end, retries included. Zero
	// disables the cap.
	HardTimeout time.Duration

	// TopK is the number of context chunks retrieved per file.
	TopK int
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		Prefetch:    2,
		RPM:         500,
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		JitterFrac:  0.25,
		HardTimeout: 5 * time.Minute,
		TopK:        5,
	}
}

// Validate checks pool configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch must not be negative, got %d", c.Prefetch)
	}
	if c.RPM < 1 {
		return fmt.Errorf("rpm must be at least 1, got %d", c.RPM)
	}
	if c.HardTimeout < 0 {
		return fmt.Errorf("hard timeout must not be negative, got %s", c.HardTimeout)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.JitterFrac < 0 || c.JitterFrac >= 1 {
		return fmt.Errorf("jitter fraction must be in [0, 1), got %v", c.JitterFrac)
	}
	return nil
}

// Completer is the model call the pool depends on.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ContextQuerier retrieves similar chunks for prompt context.
type ContextQuerier interface {
	Query(ctx context.Context, index, query string, topK int) ([]vectorindex.Scored, error)
}

// Pool fans pending file rows out to workers.
type Pool struct {
	store     store.Store
	completer Completer
	querier   ContextQuerier
	cfg       Config
	limiter   *rate.Limiter
	logger    *slog.Logger
	heartbeat func(worker string)
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithHeartbeat registers a callback invoked by each worker as it picks
// up a file, for liveness tracking.
func WithHeartbeat(beat func(worker string)) Option {
	return func(p *Pool) {
		p.heartbeat = beat
	}
}

// New creates a pool. The querier may be nil when no vector index is
// available; workers then analyze without retrieved context.
func New(st store.Store, completer Completer, querier ContextQuerier, cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	p := &Pool{
		store:     st,
		completer: completer,
		querier:   querier,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.RPM)/60.0), cfg.Workers),
		logger:    slog.Default(),
		heartbeat: func(string) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// fileResult reports one settled file back to the collector.
type fileResult struct {
	path string
	ok   bool
}

// Run processes every pending file row of the task and returns the
// number of rows settled as success and failed. Per-file failures are
// recorded on their rows; the returned error is reserved for conditions
// that abort the stage (cancellation, store failure).
func (p *Pool) Run(ctx context.Context, task *store.Task, indexName string) (succeeded, failed int, err error) {
	rows, err := p.store.ListFileAnalyses(ctx, task.ID, store.FilePending)
	if err != nil {
		return 0, 0, fmt.Errorf("list pending files: %w", err)
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan *store.FileAnalysis, p.cfg.Workers*p.cfg.Prefetch)
	results := make(chan fileResult)

	g.Go(func() error {
		defer close(jobs)
		for _, row := range rows {
			select {
			case jobs <- row:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < p.cfg.Workers; w++ {
		worker := fmt.Sprintf("analysis-%d", w)
		g.Go(func() error {
			for row := range jobs {
				p.heartbeat(worker)

				// Cancellation is observed between files.
				fresh, err := p.store.GetTask(gctx, task.ID)
				if err != nil {
					return fmt.Errorf("read task: %w", err)
				}
				if fresh.CancelRequested {
					return ErrCancelled
				}

				ok, err := p.processFile(gctx, task, row, indexName)
				if err != nil {
					return err
				}
				select {
				case results <- fileResult{path: row.FilePath, ok: ok}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	// The collector is the only writer of task counters, so concurrent
	// workers cannot lose increments.
	g.Go(func() error {
		for n := 0; n < len(rows); n++ {
			select {
			case r := <-results:
				if r.ok {
					succeeded++
				} else {
					failed++
				}
				if err := p.recordCompletion(gctx, task.ID, r); err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return succeeded, failed, err
	}
	return succeeded, failed, nil
}

// recordCompletion advances the analyze counters and current_file after
// one settled row. The heartbeat writer shares the task record, so a
// lost revision race re-reads and re-applies the increment.
func (p *Pool) recordCompletion(ctx context.Context, taskID string, r fileResult) error {
	const attempts = 5
	var lastErr error
	for i := 0; i < attempts; i++ {
		t, err := p.store.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("read task for counters: %w", err)
		}
		patch := store.TaskPatch{CurrentFile: store.Ptr(r.path)}
		if r.ok {
			patch.AnalysisSuccess = store.Ptr(t.AnalysisSuccess + 1)
		} else {
			patch.AnalysisFailed = store.Ptr(t.AnalysisFailed + 1)
		}
		if _, lastErr = p.store.UpdateTask(ctx, taskID, patch); lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, store.ErrConflict) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	return fmt.Errorf("update counters: %w", lastErr)
}

// processFile settles one row: success with analysis and items, or
// failed with an error message. The returned error aborts the stage.
func (p *Pool) processFile(ctx context.Context, task *store.Task, row *store.FileAnalysis, indexName string) (bool, error) {
	switch {
	case row.CodeContent == "" && row.SizeBytes == 0:
		// Genuinely empty file: a placeholder analysis, no model call.
		return true, p.settleSuccess(ctx, row, emptyFileReport(row), nil)

	case row.CodeContent == "":
		// Content was not captured at scan time: binary or over the
		// input budget. The row fails, the stage continues.
		err := errkind.NewInput(fmt.Errorf("file content unavailable (binary or exceeds input budget)"))
		return false, p.settleFailure(ctx, row, err)
	}

	// The hard timeout covers outline, retrieval and the model call with
	// its retries. Settlement writes use the parent context so a timed-out
	// file still records its failure.
	fctx := ctx
	if p.cfg.HardTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, p.cfg.HardTimeout)
		defer cancel()
	}

	outline := p.extractOutline(fctx, row)
	snippets := p.retrieveContext(fctx, indexName, row)

	report, err := p.analyze(fctx, row, outline, snippets)
	if err != nil {
		if ctx.Err() != nil {
			// The stage itself is ending; the row stays pending for the
			// resume.
			return false, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("analysis exceeded the per-file budget of %s", p.cfg.HardTimeout)
		}
		return false, p.settleFailure(ctx, row, err)
	}

	return true, p.settleSuccess(ctx, row, report, outline)
}

// analyze makes the model call with retry. Transient and rate-limit
// failures back off and retry up to the attempt budget; a soft timeout
// earns one extra attempt with a reduced prompt.
func (p *Pool) analyze(ctx context.Context, row *store.FileAnalysis, outline *structure.Outline, snippets []vectorindex.Scored) (*fileReport, error) {
	reduced := false
	usedReducedRetry := false
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := p.completer.Complete(ctx, llm.Request{
			Messages: buildPrompt(row, outline, snippets, reduced),
		})
		if err == nil {
			report, perr := parseReport(resp.Content)
			if perr != nil {
				return nil, errkind.NewInput(fmt.Errorf("unusable model output: %w", perr))
			}
			return report, nil
		}
		lastErr = err

		if errors.Is(err, llm.ErrSoftTimeout) && !usedReducedRetry {
			usedReducedRetry = true
			reduced = true
			attempt-- // The reduced-prompt retry does not consume an attempt.
			p.logger.Debug("soft timeout, retrying with reduced prompt", "file", row.FilePath)
			continue
		}
		if !errkind.Retryable(err) {
			return nil, err
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}

		delay := p.backoff(attempt)
		if hint := errkind.RetryAfter(err); hint > delay {
			delay = hint
		}
		p.logger.Debug("model call failed, backing off",
			"file", row.FilePath,
			"attempt", attempt,
			"max_attempts", p.cfg.MaxAttempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

// backoff computes the jittered exponential delay for an attempt.
func (p *Pool) backoff(attempt int) time.Duration {
	delay := float64(p.cfg.BackoffBase)
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	jitter := delay * p.cfg.JitterFrac * (rand.Float64()*2 - 1)
	return time.Duration(delay + jitter)
}

// extractOutline parses the file structure. Best effort: unsupported
// languages and parse failures yield nil and analysis proceeds.
func (p *Pool) extractOutline(ctx context.Context, row *store.FileAnalysis) *structure.Outline {
	if !structure.Supported(row.Language) {
		return nil
	}
	outline, err := structure.Extract(ctx, row.FilePath, row.Language, []byte(row.CodeContent))
	if err != nil {
		p.logger.Debug("outline extraction failed", "file", row.FilePath, "error", err)
		return nil
	}
	return outline
}

// retrieveContext queries the vector index for chunks related to the
// file. Best effort: failures log and return nothing.
func (p *Pool) retrieveContext(ctx context.Context, indexName string, row *store.FileAnalysis) []vectorindex.Scored {
	if p.querier == nil || indexName == "" {
		return nil
	}
	query := fmt.Sprintf("%s %s", row.FilePath, row.Language)
	snippets, err := p.querier.Query(ctx, indexName, query, p.cfg.TopK)
	if err != nil {
		p.logger.Debug("context retrieval failed", "file", row.FilePath, "error", err)
		return nil
	}
	// The file's own chunks carry no new information.
	filtered := snippets[:0]
	for _, s := range snippets {
		if s.Document.File != row.FilePath {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// settleSuccess writes items first, then the success row. A crash
// between the two leaves items under a pending row; the retried file
// replaces them wholesale, so nothing is duplicated or lost.
func (p *Pool) settleSuccess(ctx context.Context, row *store.FileAnalysis, report *fileReport, outline *structure.Outline) error {
	items := buildItems(row, report, outline)
	if err := p.store.ReplaceAnalysisItems(ctx, row.ID, items); err != nil {
		return fmt.Errorf("write analysis items: %w", err)
	}

	analysisJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}

	now := time.Now().UTC()
	settled := *row
	settled.Status = store.FileSuccess
	settled.Analysis = string(analysisJSON)
	settled.AnalyzedAt = &now
	settled.ErrorMessage = ""
	if err := p.store.PutFileAnalysis(ctx, &settled); err != nil {
		return fmt.Errorf("write success row: %w", err)
	}
	return nil
}

// settleFailure records the failure on the row. The preserve-success
// policy in the store keeps an earlier success row intact if one exists.
func (p *Pool) settleFailure(ctx context.Context, row *store.FileAnalysis, cause error) error {
	p.logger.Warn("file analysis failed", "file", row.FilePath, "error", cause)

	settled := *row
	settled.Status = store.FileFailed
	settled.ErrorMessage = cause.Error()
	if err := p.store.PutFileAnalysis(ctx, &settled); err != nil {
		return fmt.Errorf("write failed row: %w", err)
	}
	return nil
}

// buildItems converts the model report into durable analysis items: one
// file-level item from the summary, then one per reported element with
// line ranges anchored to the outline when the element is known.
func buildItems(row *store.FileAnalysis, report *fileReport, outline *structure.Outline) []*store.AnalysisItem {
	lineCount := row.CodeLines
	if lineCount < 1 {
		lineCount = 1
	}
	base := path.Base(row.FilePath)

	items := make([]*store.AnalysisItem, 0, len(report.Items)+1)
	items = append(items, &store.AnalysisItem{
		ID:             uuid.New().String(),
		FileAnalysisID: row.ID,
		Title:          report.Summary.Title,
		Description:    report.Summary.Description,
		TargetType:     "file",
		TargetName:     base,
		Source:         fmt.Sprintf("%s:%d-%d", row.FilePath, 1, lineCount),
		Language:       row.Language,
		StartLine:      1,
		EndLine:        lineCount,
	})

	lines := strings.Split(row.CodeContent, "\n")
	for _, it := range report.Items {
		if it.TargetName == "" && it.Title == "" {
			continue
		}

		start, end := it.StartLine, it.EndLine
		targetType := strings.ToLower(strings.TrimSpace(it.TargetType))
		if sym := outline.Find(it.TargetName); sym != nil {
			// The parsed outline is authoritative over model-reported
			// line numbers.
			start, end = sym.StartLine, sym.EndLine
			targetType = sym.Kind
		}
		start, end = clampRange(start, end, lineCount)
		if targetType == "" {
			targetType = "function"
		}

		items = append(items, &store.AnalysisItem{
			ID:             uuid.New().String(),
			FileAnalysisID: row.ID,
			Title:          it.Title,
			Description:    it.Description,
			TargetType:     targetType,
			TargetName:     it.TargetName,
			Source:         fmt.Sprintf("%s:%d-%d", row.FilePath, start, end),
			Language:       row.Language,
			Code:           strings.Join(lines[start-1:end], "\n"),
			StartLine:      start,
			EndLine:        end,
		})
	}
	return items
}

// clampRange forces a line range into [1, lineCount] with start <= end.
func clampRange(start, end, lineCount int) (int, int) {
	if start < 1 {
		start = 1
	}
	if start > lineCount {
		start = lineCount
	}
	if end < start {
		end = start
	}
	if end > lineCount {
		end = lineCount
	}
	return start, end
}
