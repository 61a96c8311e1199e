package queue

import (
	"context"
	"fmt"
	"time"
)

// PendingTask is one queued task in a Snapshot.
type PendingTask struct {
	TaskID string `json:"task_id"`
	// Position is 1-based: the head of the queue is position 1.
	Position int `json:"position"`
	// EstimatedWait is position times the mean recent task duration: the
	// head still waits for the running task to finish.
	EstimatedWait time.Duration `json:"estimated_wait"`
}

// Snapshot is a point-in-time queue view for introspection endpoints. It is
// computed from the store, not from dispatcher internals, so any process
// sharing the store reports the same queue.
type Snapshot struct {
	Pending []PendingTask `json:"pending"`
	Running int           `json:"running"`
	// MeanTaskDuration is the basis of the wait estimates: the mean of the
	// recent completed-task window, or the configured fallback before any
	// task has completed.
	MeanTaskDuration time.Duration `json:"mean_task_duration"`
}

// Depth returns the number of pending tasks.
func (s *Snapshot) Depth() int {
	return len(s.Pending)
}

// Snapshot reads the current queue state.
func (d *Dispatcher) Snapshot(ctx context.Context) (*Snapshot, error) {
	ids, err := d.store.ListPendingTaskIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	running, err := d.store.CountRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("count running tasks: %w", err)
	}

	mean := d.meanTaskDuration(ctx)
	snap := &Snapshot{
		Pending:          make([]PendingTask, 0, len(ids)),
		Running:          running,
		MeanTaskDuration: mean,
	}
	for i, id := range ids {
		snap.Pending = append(snap.Pending, PendingTask{
			TaskID:        id,
			Position:      i + 1,
			EstimatedWait: time.Duration(i+1) * mean,
		})
	}
	return snap, nil
}

// EstimateWait returns the estimated wait for the task with the given id,
// or zero when the task is not pending.
func (d *Dispatcher) EstimateWait(ctx context.Context, taskID string) (time.Duration, error) {
	snap, err := d.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range snap.Pending {
		if p.TaskID == taskID {
			return p.EstimatedWait, nil
		}
	}
	return 0, nil
}

func (d *Dispatcher) meanTaskDuration(ctx context.Context) time.Duration {
	durations, err := d.store.RecentTaskDurations(ctx)
	if err != nil || len(durations) == 0 {
		return d.cfg.FallbackTaskDuration
	}
	var total time.Duration
	for _, dur := range durations {
		total += dur
	}
	return total / time.Duration(len(durations))
}
