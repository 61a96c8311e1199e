// Package progress derives UI-facing step and percent values from the
// durable Task record. There is no separate progress cache: polling reads
// the store, derivation is pure, and the publisher mirrors every durable
// write as a NATS event.
package progress

import (
	"github.com/c360studio/repolens/store"
)

// StepQueued labels a task that has not been admitted yet.
const StepQueued = "queued"

// Snapshot is the derived progress view of one task.
type Snapshot struct {
	TaskID string           `json:"task_id"`
	Status store.TaskStatus `json:"status"`

	// Step is queued, scan, index, analyze, or document.
	Step string `json:"step"`
	// StepIndex is the numeric stage, -1 while queued.
	StepIndex int `json:"step_index"`

	Percent float64 `json:"percent"`

	CurrentFile string `json:"current_file,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Derive computes the snapshot for a task.
//
// The percent bands: ingestion counters drive 0-25 (scan fixes the total,
// index delivery settles files), a finished index pins 25, the analyze
// counters drive 25-75, and the remote document progress drives 75-100.
// Each band advances on settled files, success and failed alike, so files
// that cannot be delivered or analyzed never wedge the bar below the next
// band. Completed is always 100. A failed task freezes at the values its
// counters last reached.
func Derive(t *store.Task) Snapshot {
	s := Snapshot{
		TaskID:      t.ID,
		Status:      t.Status,
		CurrentFile: t.CurrentFile,
		Error:       t.ErrorMessage,
	}

	switch t.Status {
	case store.TaskPending:
		s.Step, s.StepIndex = StepQueued, -1
		return s

	case store.TaskCompleted:
		s.Step, s.StepIndex = t.CurrentStep.String(), int(t.CurrentStep)
		s.Percent = 100
		return s

	case store.TaskFailed:
		if t.StartTime == nil {
			// Failed before admission (cancelled while queued).
			s.Step, s.StepIndex = StepQueued, -1
			return s
		}
		_, pct := band(t)
		s.Step, s.StepIndex = t.CurrentStep.String(), int(t.CurrentStep)
		s.Percent = pct
		return s
	}

	step, pct := band(t)
	s.Step, s.StepIndex = step.String(), int(step)
	s.Percent = pct
	return s
}

// band maps counters to (stage, percent) for a task that is or was running.
func band(t *store.Task) (store.Step, float64) {
	settled := t.SuccessfulFiles + t.FailedFiles
	analyzed := t.AnalysisSuccess + t.AnalysisFailed
	switch {
	case t.TotalFiles > 0 && settled < t.TotalFiles:
		return store.StepScan, 25 * float64(settled) / float64(t.TotalFiles)
	case t.VectorIndexName == "":
		return store.StepIndex, 25
	case t.AnalysisTotal > 0 && analyzed < t.AnalysisTotal:
		return store.StepAnalyze, 25 + 50*float64(analyzed)/float64(t.AnalysisTotal)
	default:
		return store.StepDocument, 75 + float64(t.DocProgress)*0.25
	}
}
