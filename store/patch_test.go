package store

import (
	"errors"
	"testing"
	"time"
)

func TestTaskStatusTransitions(t *testing.T) {
	t.Run("pending to running", func(t *testing.T) {
		task := &Task{Status: TaskPending}
		next, err := TaskPatch{Status: Ptr(TaskRunning)}.Apply(task)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next.Status != TaskRunning {
			t.Errorf("expected running, got %s", next.Status)
		}
	})

	t.Run("running to completed requires end_time", func(t *testing.T) {
		task := &Task{Status: TaskRunning}
		_, err := TaskPatch{Status: Ptr(TaskCompleted)}.Apply(task)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}

		now := time.Now()
		next, err := TaskPatch{Status: Ptr(TaskCompleted), EndTime: &now}.Apply(task)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next.EndTime == nil {
			t.Error("expected end_time to be set")
		}
	})

	t.Run("terminal states are sealed", func(t *testing.T) {
		now := time.Now()
		for _, status := range []TaskStatus{TaskCompleted, TaskFailed} {
			task := &Task{Status: status, EndTime: &now}
			_, err := TaskPatch{Status: Ptr(TaskRunning)}.Apply(task)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> running: expected ErrInvalidTransition, got %v", status, err)
			}
		}
	})

	t.Run("completed to failed rejected", func(t *testing.T) {
		now := time.Now()
		task := &Task{Status: TaskCompleted, EndTime: &now}
		_, err := TaskPatch{Status: Ptr(TaskFailed)}.Apply(task)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("end_time on non-terminal rejected", func(t *testing.T) {
		now := time.Now()
		task := &Task{Status: TaskPending}
		_, err := TaskPatch{EndTime: &now}.Apply(task)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("same status is a no-op", func(t *testing.T) {
		task := &Task{Status: TaskRunning}
		next, err := TaskPatch{Status: Ptr(TaskRunning)}.Apply(task)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next.Status != TaskRunning {
			t.Errorf("expected running, got %s", next.Status)
		}
	})
}

func TestTaskStepMonotone(t *testing.T) {
	task := &Task{Status: TaskRunning, CurrentStep: StepAnalyze}

	if _, err := (TaskPatch{CurrentStep: Ptr(StepIndex)}).Apply(task); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("step decrease: expected ErrInvalidTransition, got %v", err)
	}
	next, err := TaskPatch{CurrentStep: Ptr(StepDocument)}.Apply(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.CurrentStep != StepDocument {
		t.Errorf("expected document, got %s", next.CurrentStep)
	}
}

func TestTaskCounterRules(t *testing.T) {
	t.Run("success plus failed bounded by total", func(t *testing.T) {
		task := &Task{Status: TaskRunning, TotalFiles: 3, SuccessfulFiles: 2, FailedFiles: 0}
		_, err := TaskPatch{SuccessfulFiles: Ptr(3), FailedFiles: Ptr(1)}.Apply(task)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("analyze counters cannot decrease", func(t *testing.T) {
		task := &Task{Status: TaskRunning, AnalysisTotal: 5, AnalysisSuccess: 3}
		_, err := TaskPatch{AnalysisSuccess: Ptr(2)}.Apply(task)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("delivery counters may be re-derived downward", func(t *testing.T) {
		// An index rebuild after a crash starts its batch count over.
		task := &Task{Status: TaskRunning, TotalFiles: 3, SuccessfulFiles: 2}
		next, err := TaskPatch{SuccessfulFiles: Ptr(1)}.Apply(task)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next.SuccessfulFiles != 1 {
			t.Errorf("expected 1, got %d", next.SuccessfulFiles)
		}
	})

	t.Run("negative counters rejected", func(t *testing.T) {
		task := &Task{Status: TaskRunning}
		_, err := TaskPatch{TotalFiles: Ptr(-1)}.Apply(task)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("valid increment accepted", func(t *testing.T) {
		task := &Task{Status: TaskRunning, AnalysisTotal: 5, AnalysisSuccess: 3, AnalysisFailed: 1}
		next, err := TaskPatch{AnalysisSuccess: Ptr(4)}.Apply(task)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next.AnalysisSuccess != 4 {
			t.Errorf("expected 4, got %d", next.AnalysisSuccess)
		}
	})
}

func TestTaskPatchFieldRules(t *testing.T) {
	t.Run("start_time set once", func(t *testing.T) {
		started := time.Now().Add(-time.Minute)
		task := &Task{Status: TaskRunning, StartTime: &started}

		later := time.Now()
		if _, err := (TaskPatch{StartTime: &later}).Apply(task); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		// Re-writing the identical value is tolerated.
		if _, err := (TaskPatch{StartTime: &started}).Apply(task); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("cancel_requested is sticky", func(t *testing.T) {
		task := &Task{Status: TaskRunning, CancelRequested: true}
		if _, err := (TaskPatch{CancelRequested: Ptr(false)}).Apply(task); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("vector_index_name cannot be cleared", func(t *testing.T) {
		task := &Task{Status: TaskRunning, VectorIndexName: "idx-1"}
		if _, err := (TaskPatch{VectorIndexName: Ptr("")}).Apply(task); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		// Re-pointing at a fresh index is allowed.
		next, err := TaskPatch{VectorIndexName: Ptr("idx-2")}.Apply(task)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next.VectorIndexName != "idx-2" {
			t.Errorf("expected idx-2, got %s", next.VectorIndexName)
		}
	})

	t.Run("doc_progress range", func(t *testing.T) {
		task := &Task{Status: TaskRunning}
		if _, err := (TaskPatch{DocProgress: Ptr(101)}).Apply(task); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("apply does not mutate the input", func(t *testing.T) {
		task := &Task{Status: TaskPending, TotalFiles: 1}
		_, err := TaskPatch{Status: Ptr(TaskRunning), TotalFiles: Ptr(9)}.Apply(task)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if task.Status != TaskPending || task.TotalFiles != 1 {
			t.Error("input task was mutated")
		}
	})
}

func TestStepString(t *testing.T) {
	steps := map[Step]string{
		StepScan:     "scan",
		StepIndex:    "index",
		StepAnalyze:  "analyze",
		StepDocument: "document",
	}
	for step, want := range steps {
		if got := step.String(); got != want {
			t.Errorf("step %d: expected %s, got %s", step, want, got)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if TaskPending.IsTerminal() || TaskRunning.IsTerminal() {
		t.Error("pending/running must not be terminal")
	}
	if !TaskCompleted.IsTerminal() || !TaskFailed.IsTerminal() {
		t.Error("completed/failed must be terminal")
	}
}
