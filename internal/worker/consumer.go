package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nsqio/go-nsq"

	"patentdesk/backend/internal/middleware"
)

// DispatchConsumer drains the dispatch topic and runs each task. It always
// acks: an unparseable message is a poison pill, and a failed job has already
// recorded its terminal state, so requeueing would only run it twice.
type DispatchConsumer struct {
	runner JobRunner
}

func NewDispatchConsumer(r JobRunner) *DispatchConsumer {
	return &DispatchConsumer{runner: r}
}

func (c *DispatchConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload DispatchPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison pill: invalid JSON, don't retry
		slog.Error("poison pill: invalid dispatch payload", "error", err)
		return nil
	}
	if payload.JobID == "" {
		slog.Error("poison pill: dispatch payload without job id")
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}

	if err := c.runner.Run(ctx, payload.Task); err != nil {
		slog.ErrorContext(ctx, "consumed job failed", "job_id", payload.JobID, "error", err)
	}
	return nil
}
