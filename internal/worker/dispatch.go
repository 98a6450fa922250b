// Package worker moves tasks from submission to execution. Dispatch is
// fire-and-forget from the submitter's point of view: in-process it detaches
// onto a bounded goroutine pool, across processes it rides an NSQ topic.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"patentdesk/backend/internal/middleware"
	"patentdesk/backend/internal/runner"
)

type JobRunner interface {
	Run(ctx context.Context, task runner.Task) error
}

// DispatchPayload is the wire form of a task. The correlation id travels with
// it so logs on the consuming side join up with the submitting request.
type DispatchPayload struct {
	runner.Task
	CorrelationID string `json:"correlation_id,omitempty"`
}

// GoDispatcher executes tasks on detached goroutines. The job context is
// deliberately not the request context: the submitting request finishes long
// before the job does.
type GoDispatcher struct {
	runner JobRunner
	slots  chan struct{}
}

func NewGoDispatcher(r JobRunner, concurrency int) *GoDispatcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &GoDispatcher{runner: r, slots: make(chan struct{}, concurrency)}
}

func (d *GoDispatcher) Dispatch(ctx context.Context, task runner.Task) error {
	correlationID := middleware.GetCorrelationID(ctx)
	go func() {
		d.slots <- struct{}{}
		defer func() { <-d.slots }()

		jobCtx := context.Background()
		if correlationID != "" {
			jobCtx = middleware.WithCorrelationID(jobCtx, correlationID)
		}
		// Run reports its own outcome through the tracker and job row.
		if err := d.runner.Run(jobCtx, task); err != nil {
			slog.ErrorContext(jobCtx, "dispatched job failed", "job_id", task.JobID, "error", err)
		}
	}()
	return nil
}

type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQDispatcher hands tasks to the queue instead of running them locally.
type NSQDispatcher struct {
	pub   Publisher
	topic string
}

func NewNSQDispatcher(pub Publisher, topic string) *NSQDispatcher {
	return &NSQDispatcher{pub: pub, topic: topic}
}

func (d *NSQDispatcher) Dispatch(ctx context.Context, task runner.Task) error {
	payload := DispatchPayload{Task: task, CorrelationID: middleware.GetCorrelationID(ctx)}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode dispatch payload: %w", err)
	}
	if err := d.pub.Publish(d.topic, body); err != nil {
		return fmt.Errorf("publish dispatch: %w", err)
	}
	slog.InfoContext(ctx, "task published", "job_id", task.JobID, "topic", d.topic)
	return nil
}
