package store

import (
	"fmt"
	"time"
)

// TaskPatch is a partial update applied to a Task under compare-and-swap.
// Nil fields are left untouched. Apply enforces the lifecycle rules, so a
// patch that validates against the current value is safe to persist.
type TaskPatch struct {
	Status      *TaskStatus
	CurrentStep *Step

	StartTime *time.Time
	EndTime   *time.Time

	TotalFiles      *int
	SuccessfulFiles *int
	FailedFiles     *int

	CodeLines   *int
	ModuleCount *int

	VectorIndexName *string
	CurrentFile     *string

	AnalysisTotal   *int
	AnalysisSuccess *int
	AnalysisFailed  *int

	DocJobID    *string
	DocProgress *int

	CancelRequested *bool
	HeartbeatAt     *time.Time

	ErrorMessage *string
}

// Apply validates the patch against t and returns the patched copy.
// t is not modified. A violation returns ErrInvalidTransition wrapped with
// the specific rule that failed.
func (p TaskPatch) Apply(t *Task) (*Task, error) {
	next := *t

	if p.Status != nil {
		if !p.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *p.Status)
		}
		if !canTransition(t.Status, *p.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, *p.Status)
		}
		next.Status = *p.Status
	}

	if p.CurrentStep != nil {
		if *p.CurrentStep < StepScan || *p.CurrentStep > StepDocument {
			return nil, fmt.Errorf("%w: unknown step %d", ErrInvalidTransition, *p.CurrentStep)
		}
		if *p.CurrentStep < t.CurrentStep {
			return nil, fmt.Errorf("%w: step moved backwards %s -> %s", ErrInvalidTransition, t.CurrentStep, *p.CurrentStep)
		}
		next.CurrentStep = *p.CurrentStep
	}

	if p.StartTime != nil {
		if t.StartTime != nil && !t.StartTime.Equal(*p.StartTime) {
			return nil, fmt.Errorf("%w: start_time already set", ErrInvalidTransition)
		}
		st := *p.StartTime
		next.StartTime = &st
	}
	if p.EndTime != nil {
		et := *p.EndTime
		next.EndTime = &et
	}

	// end_time exists iff the task is terminal, and both must land in the
	// same patch.
	if next.Status.IsTerminal() && next.EndTime == nil {
		return nil, fmt.Errorf("%w: terminal status without end_time", ErrInvalidTransition)
	}
	if !next.Status.IsTerminal() && next.EndTime != nil {
		return nil, fmt.Errorf("%w: end_time on non-terminal status %s", ErrInvalidTransition, next.Status)
	}

	// successful_files and failed_files are re-derived from scratch when an
	// interrupted Index stage re-runs, so they are not monotone.
	if err := applyCounter(&next.TotalFiles, p.TotalFiles, "total_files", false); err != nil {
		return nil, err
	}
	if err := applyCounter(&next.SuccessfulFiles, p.SuccessfulFiles, "successful_files", false); err != nil {
		return nil, err
	}
	if err := applyCounter(&next.FailedFiles, p.FailedFiles, "failed_files", false); err != nil {
		return nil, err
	}
	if err := applyCounter(&next.AnalysisTotal, p.AnalysisTotal, "analysis_total", false); err != nil {
		return nil, err
	}
	if err := applyCounter(&next.AnalysisSuccess, p.AnalysisSuccess, "analysis_success", true); err != nil {
		return nil, err
	}
	if err := applyCounter(&next.AnalysisFailed, p.AnalysisFailed, "analysis_failed", true); err != nil {
		return nil, err
	}

	if next.SuccessfulFiles+next.FailedFiles > next.TotalFiles {
		return nil, fmt.Errorf("%w: file counters exceed total (%d+%d > %d)",
			ErrInvalidTransition, next.SuccessfulFiles, next.FailedFiles, next.TotalFiles)
	}
	if next.AnalysisSuccess+next.AnalysisFailed > next.AnalysisTotal {
		return nil, fmt.Errorf("%w: analysis counters exceed total (%d+%d > %d)",
			ErrInvalidTransition, next.AnalysisSuccess, next.AnalysisFailed, next.AnalysisTotal)
	}

	if p.CodeLines != nil {
		if *p.CodeLines < 0 {
			return nil, fmt.Errorf("%w: negative code_lines", ErrInvalidTransition)
		}
		next.CodeLines = *p.CodeLines
	}
	if p.ModuleCount != nil {
		if *p.ModuleCount < 0 {
			return nil, fmt.Errorf("%w: negative module_count", ErrInvalidTransition)
		}
		next.ModuleCount = *p.ModuleCount
	}

	if p.VectorIndexName != nil {
		if *p.VectorIndexName == "" && t.VectorIndexName != "" {
			return nil, fmt.Errorf("%w: vector_index_name cleared", ErrInvalidTransition)
		}
		next.VectorIndexName = *p.VectorIndexName
	}
	if p.CurrentFile != nil {
		next.CurrentFile = *p.CurrentFile
	}

	if p.DocJobID != nil {
		next.DocJobID = *p.DocJobID
	}
	if p.DocProgress != nil {
		if *p.DocProgress < 0 || *p.DocProgress > 100 {
			return nil, fmt.Errorf("%w: doc_progress %d out of range", ErrInvalidTransition, *p.DocProgress)
		}
		next.DocProgress = *p.DocProgress
	}

	if p.CancelRequested != nil {
		// Cancellation intent is sticky; it cannot be withdrawn.
		if t.CancelRequested && !*p.CancelRequested {
			return nil, fmt.Errorf("%w: cancel_requested cleared", ErrInvalidTransition)
		}
		next.CancelRequested = *p.CancelRequested
	}
	if p.HeartbeatAt != nil {
		next.HeartbeatAt = *p.HeartbeatAt
	}

	if p.ErrorMessage != nil {
		next.ErrorMessage = *p.ErrorMessage
	}

	return &next, nil
}

// applyCounter validates a counter update. Counters never go negative and,
// when monotone, never decrease.
func applyCounter(dst *int, src *int, name string, monotone bool) error {
	if src == nil {
		return nil
	}
	if *src < 0 {
		return fmt.Errorf("%w: negative %s", ErrInvalidTransition, name)
	}
	if monotone && *src < *dst {
		return fmt.Errorf("%w: %s decreased %d -> %d", ErrInvalidTransition, name, *dst, *src)
	}
	*dst = *src
	return nil
}

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T { return &v }
