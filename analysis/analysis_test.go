package analysis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/repolens/errkind"
	"github.com/c360studio/repolens/llm"
	"github.com/c360studio/repolens/store"
	"github.com/c360studio/repolens/store/memstore"
	"github.com/c360studio/repolens/vectorindex"
)

const greetContent = "def greet(name):\n    return \"hi \" + name\n"

const greetReport = `{
  "summary": {"title": "Greeting helpers", "description": "Builds greeting strings for display."},
  "items": [
    {"title": "greet", "description": "Formats a greeting.", "target_type": "function", "target_name": "greet", "start_line": 1, "end_line": 2}
  ]
}`

const constantsReport = `{
  "summary": {"title": "Version constant", "description": "Pins the package version string."},
  "items": []
}`

// scriptedCompleter answers model calls from a test-provided function and
// records every request it saw.
type scriptedCompleter struct {
	mu       sync.Mutex
	calls    int
	requests []llm.Request
	fn       func(call int, req llm.Request) (*llm.Response, error)
}

func (s *scriptedCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.fn(call, req)
}

func (s *scriptedCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedCompleter) userPrompt(call int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.requests[call-1]
	return req.Messages[len(req.Messages)-1].Content
}

type fakeQuerier struct {
	results []vectorindex.Scored
	err     error
}

func (f *fakeQuerier) Query(context.Context, string, string, int) ([]vectorindex.Scored, error) {
	return f.results, f.err
}

// promptFile extracts the file path a request is about.
func promptFile(req llm.Request) string {
	user := req.Messages[len(req.Messages)-1].Content
	for _, line := range strings.Split(user, "\n") {
		if after, ok := strings.CutPrefix(line, "File path: "); ok {
			return after
		}
	}
	return ""
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.RPM = 60000
	cfg.BackoffBase = time.Millisecond
	return cfg
}

func createTask(t *testing.T, st store.Store, task *store.Task) *store.Task {
	t.Helper()
	if task.Status == "" {
		task.Status = store.TaskRunning
	}
	require.NoError(t, st.CreateTask(context.Background(), task))
	return task
}

func createRow(t *testing.T, st store.Store, row *store.FileAnalysis) *store.FileAnalysis {
	t.Helper()
	if row.Status == "" {
		row.Status = store.FilePending
	}
	require.NoError(t, st.PutFileAnalysis(context.Background(), row))
	return row
}

func TestPoolAnalyzesPendingFiles(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 2})

	createRow(t, st, &store.FileAnalysis{
		ID: "fa-greet", TaskID: task.ID, FilePath: "pkg/greet.py", Language: "python",
		SizeBytes: int64(len(greetContent)), CodeLines: 2, CodeContent: greetContent,
	})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-version", TaskID: task.ID, FilePath: "pkg/version.py", Language: "python",
		SizeBytes: 16, CodeLines: 1, CodeContent: "VERSION = \"1.0\"\n",
	})

	completer := &scriptedCompleter{fn: func(_ int, req llm.Request) (*llm.Response, error) {
		if promptFile(req) == "pkg/greet.py" {
			return &llm.Response{Content: greetReport}, nil
		}
		return &llm.Response{Content: constantsReport}, nil
	}}

	pool, err := New(st, completer, nil, testConfig())
	require.NoError(t, err)

	succeeded, failed, err := pool.Run(ctx, task, "idx-test")
	require.NoError(t, err)
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 2, completer.callCount())

	row, err := st.GetFileAnalysis(ctx, task.ID, "pkg/greet.py")
	require.NoError(t, err)
	assert.Equal(t, store.FileSuccess, row.Status)
	assert.Contains(t, row.Analysis, "Greeting helpers")
	require.NotNil(t, row.AnalyzedAt)
	assert.Empty(t, row.ErrorMessage)

	items, err := st.ListAnalysisItems(ctx, "fa-greet")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "file", items[0].TargetType)
	assert.Equal(t, "greet.py", items[0].TargetName)
	assert.Equal(t, "Greeting helpers", items[0].Title)
	assert.Equal(t, "pkg/greet.py:1-2", items[0].Source)
	assert.Equal(t, 1, items[0].StartLine)
	assert.Equal(t, 2, items[0].EndLine)

	assert.Equal(t, "function", items[1].TargetType)
	assert.Equal(t, "greet", items[1].TargetName)
	assert.Equal(t, "def greet(name):\n    return \"hi \" + name", items[1].Code)

	// The file with no declarations carries only the file-level item.
	items, err = st.ListAnalysisItems(ctx, "fa-version")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "file", items[0].TargetType)
	assert.Equal(t, "pkg/version.py:1-1", items[0].Source)

	fresh, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.AnalysisSuccess)
	assert.Equal(t, 0, fresh.AnalysisFailed)
	assert.NotEmpty(t, fresh.CurrentFile)
}

func TestPoolOutlineOverridesModelLines(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 1})

	content := "# helpers\n\ndef greet(name):\n    return \"hi \" + name\n"
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-1", TaskID: task.ID, FilePath: "greet.py", Language: "python",
		SizeBytes: int64(len(content)), CodeLines: 4, CodeContent: content,
	})

	// The model misreports both the range and the kind.
	lying := `{
  "summary": {"title": "Greeting helpers", "description": "Builds greeting strings."},
  "items": [
    {"title": "greet", "description": "Formats a greeting.", "target_type": "class", "target_name": "greet", "start_line": 1, "end_line": 1}
  ]
}`
	completer := &scriptedCompleter{fn: func(int, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: lying}, nil
	}}

	pool, err := New(st, completer, nil, testConfig())
	require.NoError(t, err)
	_, _, err = pool.Run(ctx, task, "")
	require.NoError(t, err)

	items, err := st.ListAnalysisItems(ctx, "fa-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "function", items[1].TargetType)
	assert.Equal(t, 3, items[1].StartLine)
	assert.Equal(t, 4, items[1].EndLine)
	assert.Equal(t, "def greet(name):\n    return \"hi \" + name", items[1].Code)
}

func TestPoolRetriesTransient(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 1})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-1", TaskID: task.ID, FilePath: "greet.py", Language: "python",
		SizeBytes: 40, CodeLines: 2, CodeContent: greetContent,
	})

	completer := &scriptedCompleter{fn: func(call int, _ llm.Request) (*llm.Response, error) {
		if call < 3 {
			return nil, errkind.NewTransient(fmt.Errorf("upstream 503"))
		}
		return &llm.Response{Content: greetReport}, nil
	}}

	cfg := testConfig()
	cfg.Workers = 1
	pool, err := New(st, completer, nil, cfg)
	require.NoError(t, err)

	succeeded, failed, err := pool.Run(ctx, task, "")
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 3, completer.callCount())
}

func TestPoolExhaustedRetriesFailRowOnly(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 2})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-bad", TaskID: task.ID, FilePath: "bad.py", Language: "python",
		SizeBytes: 40, CodeLines: 2, CodeContent: greetContent,
	})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-good", TaskID: task.ID, FilePath: "good.py", Language: "python",
		SizeBytes: 40, CodeLines: 2, CodeContent: greetContent,
	})

	completer := &scriptedCompleter{fn: func(_ int, req llm.Request) (*llm.Response, error) {
		if promptFile(req) == "bad.py" {
			return nil, errkind.NewTransient(fmt.Errorf("upstream 503"))
		}
		return &llm.Response{Content: greetReport}, nil
	}}

	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 2
	pool, err := New(st, completer, nil, cfg)
	require.NoError(t, err)

	succeeded, failed, err := pool.Run(ctx, task, "")
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)

	row, err := st.GetFileAnalysis(ctx, task.ID, "bad.py")
	require.NoError(t, err)
	assert.Equal(t, store.FileFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "retries exhausted after 2 attempts")

	fresh, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.AnalysisSuccess)
	assert.Equal(t, 1, fresh.AnalysisFailed)
}

func TestPoolFatalErrorDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 1})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-1", TaskID: task.ID, FilePath: "greet.py", Language: "python",
		SizeBytes: 40, CodeLines: 2, CodeContent: greetContent,
	})

	completer := &scriptedCompleter{fn: func(int, llm.Request) (*llm.Response, error) {
		return nil, errkind.NewFatal(fmt.Errorf("invalid api key"))
	}}

	pool, err := New(st, completer, nil, testConfig())
	require.NoError(t, err)

	succeeded, failed, err := pool.Run(ctx, task, "")
	require.NoError(t, err)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, completer.callCount())

	row, err := st.GetFileAnalysis(ctx, task.ID, "greet.py")
	require.NoError(t, err)
	assert.Equal(t, store.FileFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "invalid api key")
}

func TestPoolEmptyFilePlaceholder(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 1})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-1", TaskID: task.ID, FilePath: "pkg/__init__.py", Language: "python",
		SizeBytes: 0, CodeLines: 0, CodeContent: "",
	})

	completer := &scriptedCompleter{fn: func(int, llm.Request) (*llm.Response, error) {
		t.Fatal("empty file must not reach the model")
		return nil, nil
	}}

	pool, err := New(st, completer, nil, testConfig())
	require.NoError(t, err)

	succeeded, failed, err := pool.Run(ctx, task, "")
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)

	row, err := st.GetFileAnalysis(ctx, task.ID, "pkg/__init__.py")
	require.NoError(t, err)
	assert.Equal(t, store.FileSuccess, row.Status)
	assert.Contains(t, row.Analysis, "(empty file)")

	items, err := st.ListAnalysisItems(ctx, "fa-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "file", items[0].TargetType)
	assert.Equal(t, "__init__.py", items[0].TargetName)
	assert.Equal(t, 1, items[0].StartLine)
	assert.Equal(t, 1, items[0].EndLine)
}

func TestPoolUnavailableContentFailsRow(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 1})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-1", TaskID: task.ID, FilePath: "big.bin", Language: "binary",
		SizeBytes: 4 << 20, CodeLines: 0, CodeContent: "",
	})

	completer := &scriptedCompleter{fn: func(int, llm.Request) (*llm.Response, error) {
		t.Fatal("unreadable file must not reach the model")
		return nil, nil
	}}

	pool, err := New(st, completer, nil, testConfig())
	require.NoError(t, err)

	succeeded, failed, err := pool.Run(ctx, task, "")
	require.NoError(t, err)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 1, failed)

	row, err := st.GetFileAnalysis(ctx, task.ID, "big.bin")
	require.NoError(t, err)
	assert.Equal(t, store.FileFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "content unavailable")
}

func TestPoolResumeProcessesOnlyPending(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{
		ID: "task-1", RepositoryID: "repo-1",
		AnalysisTotal: 3, AnalysisSuccess: 1, AnalysisFailed: 1,
	})

	createRow(t, st, &store.FileAnalysis{
		ID: "fa-done", TaskID: task.ID, FilePath: "done.py", Language: "python",
		Status: store.FileSuccess, SizeBytes: 40, CodeLines: 2, CodeContent: greetContent,
		Analysis: `{"summary":{"title":"done"}}`,
	})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-failed", TaskID: task.ID, FilePath: "failed.py", Language: "python",
		Status: store.FileFailed, SizeBytes: 40, CodeLines: 2, CodeContent: greetContent,
		ErrorMessage: "earlier failure",
	})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-pending", TaskID: task.ID, FilePath: "pending.py", Language: "python",
		SizeBytes: 40, CodeLines: 2, CodeContent: greetContent,
	})

	completer := &scriptedCompleter{fn: func(_ int, req llm.Request) (*llm.Response, error) {
		assert.Equal(t, "pending.py", promptFile(req))
		return &llm.Response{Content: greetReport}, nil
	}}

	pool, err := New(st, completer, nil, testConfig())
	require.NoError(t, err)

	succeeded, failed, err := pool.Run(ctx, task, "")
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, completer.callCount())

	fresh, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.AnalysisSuccess)
	assert.Equal(t, 1, fresh.AnalysisFailed)
}

func TestPoolCancellationAbortsStage(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{
		ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 2, CancelRequested: true,
	})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-1", TaskID: task.ID, FilePath: "a.py", Language: "python",
		SizeBytes: 40, CodeLines: 2, CodeContent: greetContent,
	})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-2", TaskID: task.ID, FilePath: "b.py", Language: "python",
		SizeBytes: 40, CodeLines: 2, CodeContent: greetContent,
	})

	completer := &scriptedCompleter{fn: func(int, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: greetReport}, nil
	}}

	pool, err := New(st, completer, nil, testConfig())
	require.NoError(t, err)

	_, _, err = pool.Run(ctx, task, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, completer.callCount())

	// Unprocessed rows stay pending for the next run.
	rows, err := st.ListFileAnalyses(ctx, task.ID, store.FilePending)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestPoolReducedPromptAfterSoftTimeout(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 1})

	big := strings.Repeat("x = 1\n", 6000)
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-1", TaskID: task.ID, FilePath: "big.py", Language: "python",
		SizeBytes: int64(len(big)), CodeLines: 6000, CodeContent: big,
	})

	querier := &fakeQuerier{results: []vectorindex.Scored{
		{Document: vectorindex.Document{Title: "other helpers", File: "other.py", Content: "def other():\n    pass"}},
	}}

	completer := &scriptedCompleter{fn: func(call int, _ llm.Request) (*llm.Response, error) {
		if call == 1 {
			return nil, errkind.NewTransient(fmt.Errorf("%w after 100ms", llm.ErrSoftTimeout))
		}
		return &llm.Response{Content: constantsReport}, nil
	}}

	cfg := testConfig()
	cfg.Workers = 1
	cfg.MaxAttempts = 1 // the reduced retry must not consume the budget
	pool, err := New(st, completer, querier, cfg)
	require.NoError(t, err)

	succeeded, failed, err := pool.Run(ctx, task, "idx-test")
	require.NoError(t, err)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)
	require.Equal(t, 2, completer.callCount())

	first := completer.userPrompt(1)
	second := completer.userPrompt(2)
	assert.Contains(t, first, "Related code from elsewhere")
	assert.Contains(t, first, "other helpers")
	assert.NotContains(t, second, "Related code from elsewhere")
	assert.Contains(t, second, "... (truncated)")
	assert.Less(t, len(second), len(first))
}

func TestPoolFiltersOwnFileFromContext(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 1})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-1", TaskID: task.ID, FilePath: "greet.py", Language: "python",
		SizeBytes: 40, CodeLines: 2, CodeContent: greetContent,
	})

	querier := &fakeQuerier{results: []vectorindex.Scored{
		{Document: vectorindex.Document{Title: "own chunk", File: "greet.py", Content: "OWN_SNIPPET"}},
		{Document: vectorindex.Document{Title: "other chunk", File: "other.py", Content: "OTHER_SNIPPET"}},
	}}
	completer := &scriptedCompleter{fn: func(int, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: greetReport}, nil
	}}

	cfg := testConfig()
	cfg.Workers = 1
	pool, err := New(st, completer, querier, cfg)
	require.NoError(t, err)

	_, _, err = pool.Run(ctx, task, "idx-test")
	require.NoError(t, err)

	prompt := completer.userPrompt(1)
	assert.Contains(t, prompt, "OTHER_SNIPPET")
	assert.NotContains(t, prompt, "OWN_SNIPPET")
}

func TestPoolUnusableOutputFailsRow(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 1})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-1", TaskID: task.ID, FilePath: "greet.py", Language: "python",
		SizeBytes: 40, CodeLines: 2, CodeContent: greetContent,
	})

	completer := &scriptedCompleter{fn: func(int, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: "I could not produce JSON for this file."}, nil
	}}

	pool, err := New(st, completer, nil, testConfig())
	require.NoError(t, err)

	succeeded, failed, err := pool.Run(ctx, task, "")
	require.NoError(t, err)
	assert.Equal(t, 0, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, completer.callCount())

	row, err := st.GetFileAnalysis(ctx, task.ID, "greet.py")
	require.NoError(t, err)
	assert.Contains(t, row.ErrorMessage, "unusable model output")
}

// slowCompleter parks requests for one file until the call context
// expires and answers everything else immediately.
type slowCompleter struct {
	slowFile string
}

func (s *slowCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if promptFile(req) == s.slowFile {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &llm.Response{Content: constantsReport}, nil
}

func TestPoolHardTimeoutFailsSlowFile(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	task := createTask(t, st, &store.Task{ID: "task-1", RepositoryID: "repo-1", AnalysisTotal: 2})

	createRow(t, st, &store.FileAnalysis{
		ID: "fa-slow", TaskID: task.ID, FilePath: "pkg/slow.py", Language: "python",
		SizeBytes: int64(len(greetContent)), CodeLines: 2, CodeContent: greetContent,
	})
	createRow(t, st, &store.FileAnalysis{
		ID: "fa-fast", TaskID: task.ID, FilePath: "pkg/version.py", Language: "python",
		SizeBytes: 16, CodeLines: 1, CodeContent: "VERSION = \"1.0\"\n",
	})

	cfg := testConfig()
	cfg.HardTimeout = 30 * time.Millisecond

	pool, err := New(st, &slowCompleter{slowFile: "pkg/slow.py"}, nil, cfg)
	require.NoError(t, err)

	succeeded, failed, err := pool.Run(ctx, task, "idx-test")
	require.NoError(t, err, "a timed-out file must not abort the stage")
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)

	slow, err := st.GetFileAnalysis(ctx, task.ID, "pkg/slow.py")
	require.NoError(t, err)
	assert.Equal(t, store.FileFailed, slow.Status)
	assert.Contains(t, slow.ErrorMessage, "per-file budget")

	fast, err := st.GetFileAnalysis(ctx, task.ID, "pkg/version.py")
	require.NoError(t, err)
	assert.Equal(t, store.FileSuccess, fast.Status)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AnalysisSuccess)
	assert.Equal(t, 1, got.AnalysisFailed)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "zero workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: "workers"},
		{name: "negative prefetch", mutate: func(c *Config) { c.Prefetch = -1 }, wantErr: "prefetch"},
		{name: "zero rpm", mutate: func(c *Config) { c.RPM = 0 }, wantErr: "rpm"},
		{name: "zero attempts", mutate: func(c *Config) { c.MaxAttempts = 0 }, wantErr: "max attempts"},
		{name: "jitter out of range", mutate: func(c *Config) { c.JitterFrac = 1.0 }, wantErr: "jitter"},
		{name: "negative hard timeout", mutate: func(c *Config) { c.HardTimeout = -time.Second }, wantErr: "hard timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseReport(t *testing.T) {
	report, err := parseReport("```json\n" + greetReport + "\n```")
	require.NoError(t, err)
	assert.Equal(t, "Greeting helpers", report.Summary.Title)
	require.Len(t, report.Items, 1)
	assert.Equal(t, "greet", report.Items[0].TargetName)
}

func TestParseReport_FlatShape(t *testing.T) {
	report, err := parseReport(`{"title": "Flat summary", "description": "Model skipped the envelope."}`)
	require.NoError(t, err)
	assert.Equal(t, "Flat summary", report.Summary.Title)
	assert.Empty(t, report.Items)
}

func TestParseReport_Invalid(t *testing.T) {
	_, err := parseReport("no json here")
	require.Error(t, err)

	_, err = parseReport(`{"items": []}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summary title")
}

func TestClampRange(t *testing.T) {
	tests := []struct {
		start, end, lines  int
		wantStart, wantEnd int
	}{
		{1, 10, 5, 1, 5},
		{0, 3, 5, 1, 3},
		{4, 2, 5, 4, 4},
		{9, 12, 5, 5, 5},
		{-3, -1, 5, 1, 1},
	}
	for _, tt := range tests {
		gotStart, gotEnd := clampRange(tt.start, tt.end, tt.lines)
		assert.Equal(t, tt.wantStart, gotStart, "start for %+v", tt)
		assert.Equal(t, tt.wantEnd, gotEnd, "end for %+v", tt)
	}
}
