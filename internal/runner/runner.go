// Package runner executes dispatched jobs to completion. Each job is owned by
// exactly one runner invocation: it marks the row running, streams progress
// through the tracker, and ends in exactly one terminal update. A panic inside
// a workflow is converted into a terminal failure rather than taking the
// process down.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"patentdesk/backend/internal/chain"
	"patentdesk/backend/internal/llm"
	"patentdesk/backend/internal/progress"
	"patentdesk/backend/internal/storage"
)

type JobStore interface {
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, resultRef string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
}

// ExtractedRecord is one structured entity parsed from the processing
// service's output, before it is persisted.
type ExtractedRecord struct {
	Category string
	Name     string
	Payload  json.RawMessage
}

type RecordStore interface {
	SaveBatch(ctx context.Context, jobID, ownerID string, records []ExtractedRecord) error
}

// Extractor is the document-processing service client surface the workflows
// need.
type Extractor interface {
	Submit(ctx context.Context, filePath string) (*chain.Result, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
	MirrorTree(ctx context.Context, remotePath, localDir string) ([]string, error)
}

type Config struct {
	Models              []llm.ModelRef
	MaxTokensPerSegment int
	OverlapTokens       int
	LLMTimeout          time.Duration
	SummaryLLMTimeout   time.Duration
}

type Runner struct {
	jobs      JobStore
	records   RecordStore
	tracker   *progress.Tracker
	artifacts *storage.Artifacts
	ext       Extractor
	router    *llm.Router
	cfg       Config
}

func New(jobs JobStore, records RecordStore, tracker *progress.Tracker, artifacts *storage.Artifacts, ext Extractor, router *llm.Router, cfg Config) *Runner {
	return &Runner{
		jobs:      jobs,
		records:   records,
		tracker:   tracker,
		artifacts: artifacts,
		ext:       ext,
		router:    router,
		cfg:       cfg,
	}
}

// SegmentError marks which segment of a rewrite pipeline failed so the
// surfaced message tells the user where processing stopped.
type SegmentError struct {
	Index int
	Total int
	Err   error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d/%d: %v", e.Index+1, e.Total, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// Run executes one task end to end. The returned error has already been
// reported through the tracker and the job row; callers use it only to decide
// queue semantics.
func (r *Runner) Run(ctx context.Context, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "job panicked", "job_id", task.JobID, "kind", task.Kind, "panic", rec)
			err = fmt.Errorf("job panicked: %v", rec)
		}
		if err != nil {
			r.fail(ctx, task.JobID, err)
		}
	}()

	slog.InfoContext(ctx, "job starting", "job_id", task.JobID, "kind", task.Kind, "owner", task.OwnerID)

	if err := r.jobs.MarkRunning(ctx, task.JobID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	r.step(ctx, task.JobID, progress.StatusStarting, 1, "starting")

	switch task.Kind {
	case progress.KindExtraction:
		err = r.runExtraction(ctx, task)
	case progress.KindPDFConversion:
		err = r.runConversion(ctx, task)
	case progress.KindOptimization:
		err = r.runOptimization(ctx, task)
	case progress.KindSummarization:
		err = r.runSummarization(ctx, task)
	default:
		err = fmt.Errorf("unknown job kind %q", task.Kind)
	}
	return err
}

// step records an intermediate progress update. Step failures are logged and
// swallowed: losing one observable update must not fail the job itself.
func (r *Runner) step(ctx context.Context, jobID string, status progress.Status, percent int, message string) {
	upd := progress.Update{
		Status:  progress.StatusPtr(status),
		Percent: progress.IntPtr(percent),
		Message: progress.StrPtr(message),
	}
	if err := r.tracker.Update(ctx, jobID, upd); err != nil {
		slog.WarnContext(ctx, "progress update failed", "job_id", jobID, "status", status, "error", err)
	}
}

// fail records the terminal failure. No percent is passed: the snapshot keeps
// the last value reached, preserving how far the job got.
func (r *Runner) fail(ctx context.Context, jobID string, cause error) {
	slog.ErrorContext(ctx, "job failed", "job_id", jobID, "error", cause)

	upd := progress.Update{
		Status:  progress.StatusPtr(progress.StatusFailed),
		Message: progress.StrPtr("job failed"),
		Error:   progress.StrPtr(cause.Error()),
	}
	if err := r.tracker.Update(ctx, jobID, upd); err != nil {
		slog.ErrorContext(ctx, "failed to record failure", "job_id", jobID, "error", err)
	}
	if err := r.jobs.MarkFailed(ctx, jobID, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "failed to mark job failed", "job_id", jobID, "error", err)
	}
}

func (r *Runner) complete(ctx context.Context, jobID, resultRef, message string) error {
	if err := r.jobs.MarkCompleted(ctx, jobID, resultRef); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	upd := progress.Update{
		Status:    progress.StatusPtr(progress.StatusCompleted),
		Percent:   progress.IntPtr(100),
		Message:   progress.StrPtr(message),
		ResultRef: progress.StrPtr(resultRef),
	}
	if err := r.tracker.Update(ctx, jobID, upd); err != nil {
		slog.ErrorContext(ctx, "failed to record completion", "job_id", jobID, "error", err)
	}
	slog.InfoContext(ctx, "job completed", "job_id", jobID, "result", resultRef)
	return nil
}

// chat walks the model chain in order until one model returns a non-empty
// reply. A per-model timeout bounds each attempt; the chain order is the
// caller's preference order, not a load-balancing set.
func (r *Runner) chat(ctx context.Context, override string, timeout time.Duration, messages []llm.Message) (string, error) {
	models := r.cfg.Models
	if override != "" {
		parsed, err := llm.ParseModelChain(override)
		if err != nil {
			return "", fmt.Errorf("model override: %w", err)
		}
		models = parsed
	}
	if len(models) == 0 {
		return "", fmt.Errorf("no models configured")
	}
	if timeout <= 0 {
		timeout = r.cfg.LLMTimeout
	}

	var causes []error
	for _, ref := range models {
		mctx, cancel := context.WithTimeout(ctx, timeout)
		reply, err := r.router.Chat(mctx, ref, messages)
		cancel()
		if err != nil {
			slog.WarnContext(ctx, "model failed", "model", ref.String(), "error", err)
			causes = append(causes, fmt.Errorf("%s: %w", ref.String(), err))
			continue
		}
		if strings.TrimSpace(reply.Text) == "" {
			causes = append(causes, fmt.Errorf("%s: empty reply", ref.String()))
			continue
		}
		return reply.Text, nil
	}
	return "", fmt.Errorf("all models failed: %w", errors.Join(causes...))
}
