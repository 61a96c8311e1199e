package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360studio/repolens/store"
)

// SubjectPrefix is the NATS subject root for progress events; the task id
// is the final token.
const SubjectPrefix = "repolens.task.progress"

// Subject returns the progress subject for a task.
func Subject(taskID string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, taskID)
}

// Sink is the transport events are published to. natsclient.Client
// satisfies it.
type Sink interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Publisher mirrors durable progress writes as fire-and-forget events.
// Pollers never depend on it; the store stays the source of truth.
type Publisher struct {
	sink   Sink
	logger *slog.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher. A nil sink disables publishing, which
// keeps single-process runs working without a broker.
func NewPublisher(sink Sink, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		sink:   sink,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish derives the snapshot for task and emits it on the task's
// subject. Failures are logged, never surfaced: losing an event is fine
// because the next durable write emits a fresher one.
func (p *Publisher) Publish(ctx context.Context, task *store.Task) {
	if p == nil || p.sink == nil {
		return
	}

	snap := Derive(task)
	data, err := json.Marshal(snap)
	if err != nil {
		p.logger.Warn("marshal progress event", "task_id", task.ID, "error", err)
		return
	}
	if err := p.sink.Publish(ctx, Subject(task.ID), data); err != nil {
		p.logger.Debug("publish progress event", "task_id", task.ID, "error", err)
	}
}
