// Package store defines the durable entities of the analysis orchestrator
// and the Store contract their persistence must satisfy. The store is the
// source of truth for admission ordering, progress, and crash resume;
// backends live in store/natskv and store/memstore.
package store

import (
	"encoding/json"
	"time"
)

// RepoStatus is the lifecycle state of a repository.
type RepoStatus string

const (
	// RepoActive marks a repository available for analysis.
	RepoActive RepoStatus = "active"
	// RepoDeleted marks a soft-deleted repository.
	RepoDeleted RepoStatus = "deleted"
)

// TaskStatus is the lifecycle state of an analysis task.
type TaskStatus string

const (
	// TaskPending means the task awaits admission.
	TaskPending TaskStatus = "pending"
	// TaskRunning means the task holds an admission slot and is being
	// driven through the pipeline.
	TaskRunning TaskStatus = "running"
	// TaskCompleted means all stages finished successfully.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed means an unrecoverable error ended the task.
	TaskFailed TaskStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Valid reports whether the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// canTransition reports whether from -> to is an allowed status move.
// Same-status writes are allowed as no-ops.
func canTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskFailed
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed
	default:
		return false
	}
}

// Step identifies a pipeline stage.
type Step int

const (
	// StepScan walks the repository and creates pending file rows.
	StepScan Step = 0
	// StepIndex builds the vector index.
	StepIndex Step = 1
	// StepAnalyze fans out per-file LLM analysis.
	StepAnalyze Step = 2
	// StepDocument generates the repository README.
	StepDocument Step = 3
)

// String returns the stage name.
func (s Step) String() string {
	switch s {
	case StepScan:
		return "scan"
	case StepIndex:
		return "index"
	case StepAnalyze:
		return "analyze"
	case StepDocument:
		return "document"
	default:
		return "unknown"
	}
}

// FileStatus is the lifecycle state of a per-file analysis row.
type FileStatus string

const (
	// FilePending means the file awaits analysis.
	FilePending FileStatus = "pending"
	// FileSuccess means analysis succeeded and content is persisted.
	FileSuccess FileStatus = "success"
	// FileFailed means analysis failed after exhausting retries.
	FileFailed FileStatus = "failed"
)

// Repository is a registered code repository.
type Repository struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// Name is the display name.
	Name string `json:"name"`
	// FullName is unique per user.
	FullName string `json:"full_name"`
	// LocalPath is the content-addressed upload directory.
	LocalPath string     `json:"local_path"`
	Status    RepoStatus `json:"status"`
	// NeedsReindex is flipped by the change watcher when the working tree
	// changes after the last analysis.
	NeedsReindex bool      `json:"needs_reindex"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Task is one end-to-end analysis run for a repository version.
type Task struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repository_id"`
	// Seq is the admission order, assigned at creation from a monotone
	// counter. FIFO admission orders by Seq.
	Seq uint64 `json:"seq"`

	Status      TaskStatus `json:"status"`
	CurrentStep Step       `json:"current_step"`

	CreatedAt time.Time `json:"created_at"`
	// StartTime is set once, on first admission.
	StartTime *time.Time `json:"start_time,omitempty"`
	// EndTime is set if and only if Status is terminal.
	EndTime *time.Time `json:"end_time,omitempty"`

	// Ingestion counters: files discovered by Scan and delivered to the
	// vector index during Index.
	TotalFiles      int `json:"total_files"`
	SuccessfulFiles int `json:"successful_files"`
	FailedFiles     int `json:"failed_files"`

	CodeLines   int `json:"code_lines"`
	ModuleCount int `json:"module_count"`

	// VectorIndexName is set after Index; non-empty implies Scan is done.
	VectorIndexName string `json:"vector_index_name,omitempty"`
	// CurrentFile is the most recently completed file, for UI polling.
	CurrentFile string `json:"current_file,omitempty"`

	// Analyze-stage counters over FileAnalysis rows.
	AnalysisTotal   int `json:"analysis_total"`
	AnalysisSuccess int `json:"analysis_success"`
	AnalysisFailed  int `json:"analysis_failed"`

	// DocJobID is the remote document-generation job handle.
	DocJobID string `json:"doc_job_id,omitempty"`
	// DocProgress is the last reported remote progress (0-100).
	DocProgress int `json:"doc_progress"`

	// CancelRequested is the operator cancellation intent; the driver
	// observes it at every suspension point.
	CancelRequested bool `json:"cancel_requested"`
	// HeartbeatAt is stamped by the driver while the task runs; stale
	// heartbeats make the task a candidate for orphan recovery.
	HeartbeatAt time.Time `json:"heartbeat_at"`

	ErrorMessage string `json:"error_message,omitempty"`

	// Config is the per-task configuration blob recorded at submission.
	Config json.RawMessage `json:"config,omitempty"`
}

// FileAnalysis is the per-file unit of work and its outcome. One row exists
// per (task, path); a non-success write never replaces a success row.
type FileAnalysis struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	FilePath string `json:"file_path"`
	Language string `json:"language"`

	SizeBytes int64 `json:"size_bytes"`
	CodeLines int   `json:"code_lines"`

	Status FileStatus `json:"status"`

	// CodeContent is the file content captured at scan time.
	CodeContent string `json:"code_content,omitempty"`
	// Analysis is the LLM output for the file.
	Analysis string `json:"analysis,omitempty"`
	// Dependencies is the extracted import/dependency list.
	Dependencies []string `json:"dependencies,omitempty"`

	AnalyzedAt   *time.Time `json:"analyzed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// AnalysisItem is one extracted finding within a successfully analyzed
// file. Items are append-only.
type AnalysisItem struct {
	ID             string `json:"id"`
	FileAnalysisID string `json:"file_analysis_id"`

	Title       string `json:"title"`
	Description string `json:"description"`
	// TargetType is "file", "class", or "function".
	TargetType string `json:"target_type"`
	TargetName string `json:"target_name"`

	Source   string `json:"source,omitempty"`
	Language string `json:"language,omitempty"`
	Code     string `json:"code,omitempty"`

	// StartLine <= EndLine when both are set (non-zero).
	StartLine int `json:"start_line,omitempty"`
	EndLine   int `json:"end_line,omitempty"`
}

// ReadmeArtifact is the generated documentation for a task (1:1). It
// exists iff the Document stage completed successfully.
type ReadmeArtifact struct {
	TaskID string `json:"task_id"`
	// Content is canonical markdown.
	Content string `json:"content"`
	// RenderedHTML is kept when the generation service returned HTML.
	RenderedHTML string    `json:"rendered_html,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	// RepositoryID filters by owning repository when non-empty.
	RepositoryID string
	// Status filters by task status when non-empty.
	Status TaskStatus
}
