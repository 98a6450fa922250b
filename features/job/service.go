package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"patentdesk/backend/internal/llm"
	"patentdesk/backend/internal/progress"
	"patentdesk/backend/internal/runner"
	"patentdesk/backend/internal/storage"
)

var (
	ErrValidation = errors.New("invalid submission")
	ErrNotFound   = errors.New("job not found")
	ErrNotReady   = errors.New("job result not ready")
)

// Dispatcher hands a task off for asynchronous execution. Submission does not
// wait for the task to start, let alone finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, task runner.Task) error
}

type Service struct {
	repo       Repository
	tracker    *progress.Tracker
	artifacts  *storage.Artifacts
	dispatcher Dispatcher
}

func NewService(repo Repository, tracker *progress.Tracker, artifacts *storage.Artifacts, dispatcher Dispatcher) *Service {
	return &Service{repo: repo, tracker: tracker, artifacts: artifacts, dispatcher: dispatcher}
}

type SubmitRequest struct {
	OwnerID  string
	Kind     string
	FileName string
	File     []byte
	Content  string
	Model    string
}

// Submit validates synchronously, persists the job, and dispatches it. The
// returned job is already pending; everything after validation is reported
// through the progress tracker, not the submission response.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	kind, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	j := &Job{
		ID:      uuid.NewString(),
		OwnerID: req.OwnerID,
		Kind:    kind,
		Model:   req.Model,
		Status:  progress.StatusPending,
	}

	if len(req.File) > 0 {
		j.FileName = filepath.Base(req.FileName)
		path, err := s.artifacts.WriteFile(j.ID, "upload/"+j.FileName, req.File)
		if err != nil {
			return nil, fmt.Errorf("store upload: %w", err)
		}
		j.FilePath = path
	}

	if err := s.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	if err := s.tracker.Create(ctx, j.ID); err != nil {
		return nil, fmt.Errorf("create progress record: %w", err)
	}

	task := runner.Task{
		JobID:    j.ID,
		OwnerID:  j.OwnerID,
		Kind:     j.Kind,
		FilePath: j.FilePath,
		FileName: j.FileName,
		Content:  req.Content,
		Model:    req.Model,
	}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		slog.ErrorContext(ctx, "dispatch failed", "job_id", j.ID, "error", err)
		if markErr := s.repo.MarkFailed(ctx, j.ID, "dispatch failed"); markErr != nil {
			slog.ErrorContext(ctx, "failed to mark job failed", "job_id", j.ID, "error", markErr)
		}
		return nil, fmt.Errorf("dispatch job: %w", err)
	}

	return j, nil
}

func (s *Service) validate(req SubmitRequest) (progress.Kind, error) {
	if req.OwnerID == "" {
		return "", fmt.Errorf("%w: owner is required", ErrValidation)
	}
	kind, err := progress.ParseKind(req.Kind)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch kind {
	case progress.KindExtraction, progress.KindPDFConversion:
		if len(req.File) == 0 || req.FileName == "" {
			return "", fmt.Errorf("%w: %s requires a file upload", ErrValidation, kind)
		}
	case progress.KindOptimization, progress.KindSummarization:
		if req.Content == "" {
			return "", fmt.Errorf("%w: %s requires document content", ErrValidation, kind)
		}
	}

	if req.Model != "" {
		if _, err := llm.ParseModelChain(req.Model); err != nil {
			return "", fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return kind, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]Job, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// Job ids are always UUIDs. Anything else can never match a row and would
// only trip the uuid column, so treat it as not found without a query.
func validJobID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// GetProgress returns the live snapshot for a job the owner can see. Ownership
// is checked against the job row, not the snapshot; snapshots carry no owner.
func (s *Service) GetProgress(ctx context.Context, id, ownerID string) (*progress.Snapshot, error) {
	if !validJobID(id) {
		return nil, ErrNotFound
	}
	j, err := s.repo.Get(ctx, id, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	snap, err := s.tracker.Read(ctx, id)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// The job row is authoritative for terminal state. Startup recovery fails
	// orphaned rows without touching snapshots, so a crashed job's snapshot can
	// still read as live; overlay the row so pollers see the job end.
	if j.Status.Terminal() && !snap.Status.Terminal() {
		snap.Status = j.Status
		if j.Error != "" {
			snap.Error = j.Error
		}
		if j.ResultRef != "" {
			snap.ResultRef = j.ResultRef
		}
		if snap.EndedAt == nil {
			ended := j.UpdatedAt
			snap.EndedAt = &ended
		}
	}
	return snap, nil
}

type Result struct {
	FileName string
	Data     []byte
}

// GetResult returns the final artifact. Valid only once the job row says
// completed; a running or failed job yields ErrNotReady with no partial data.
func (s *Service) GetResult(ctx context.Context, id, ownerID string) (*Result, error) {
	if !validJobID(id) {
		return nil, ErrNotFound
	}
	j, err := s.repo.Get(ctx, id, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if j.Status != progress.StatusCompleted || j.ResultRef == "" {
		return nil, fmt.Errorf("%w: status is %s", ErrNotReady, j.Status)
	}

	data, err := s.artifacts.ReadFile(j.ID, j.ResultRef)
	if err != nil {
		return nil, fmt.Errorf("read result artifact: %w", err)
	}
	return &Result{FileName: filepath.Base(j.ResultRef), Data: data}, nil
}
