// Package progress is the durable state machine for long-running jobs.
// Exactly one runner writes a given job's snapshot; any number of polling
// readers observe it. Every update is persisted before the call returns so a
// restarted poller never sees state the writer has already moved past.
//
// Percent is monotonically non-decreasing while the job is live. On terminal
// failure the percent is left frozen at its last value rather than reset to
// zero: resetting discards observable history for no benefit.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("progress record not found")

type Kind string

const (
	KindExtraction    Kind = "extraction"
	KindPDFConversion Kind = "pdf-conversion"
	KindOptimization  Kind = "optimization"
	KindSummarization Kind = "summarization"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindExtraction, KindPDFConversion, KindOptimization, KindSummarization:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// Staged substates of "running" used by the optimization and
	// summarization pipelines. They are informational, not independently
	// resumable.
	StatusStarting    Status = "starting"
	StatusReading     Status = "reading"
	StatusPreparing   Status = "preparing"
	StatusProcessing  Status = "processing"
	StatusAIWork      Status = "ai_processing"
	StatusSaving      Status = "saving"
	StatusReplacing   Status = "replacing_placeholders"
	StatusErrorStaged Status = "error"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusErrorStaged:
		return true
	}
	return false
}

func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusErrorStaged
}

// Snapshot is the full persisted progress record for one job.
type Snapshot struct {
	JobID     string     `json:"job_id"`
	Status    Status     `json:"status"`
	Percent   int        `json:"percent"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
	ResultRef string     `json:"result_ref,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store is the durable backing for snapshots. Write must not return before
// the snapshot is persisted.
type Store interface {
	Write(ctx context.Context, jobID string, snap *Snapshot) error
	Read(ctx context.Context, jobID string) (*Snapshot, error)
}

// Update is a partial overwrite; nil fields keep their current values.
// Last-write-wins is safe because a single runner owns each job.
type Update struct {
	Status    *Status
	Percent   *int
	Message   *string
	Error     *string
	ResultRef *string
}

type Tracker struct {
	store Store
	now   func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// NewTrackerWithClock exists so tests can drive time explicitly.
func NewTrackerWithClock(store Store, now func() time.Time) *Tracker {
	return &Tracker{store: store, now: now}
}

func (t *Tracker) Create(ctx context.Context, jobID string) error {
	now := t.now()
	snap := &Snapshot{
		JobID:     jobID,
		Status:    StatusPending,
		Percent:   0,
		StartedAt: now,
		UpdatedAt: now,
	}
	return t.store.Write(ctx, jobID, snap)
}

func (t *Tracker) Update(ctx context.Context, jobID string, upd Update) error {
	snap, err := t.store.Read(ctx, jobID)
	if err != nil {
		return err
	}

	if upd.Status != nil {
		snap.Status = *upd.Status
	}
	if upd.Percent != nil {
		// Monotonic: a stale lower value is clamped, not applied. On failure
		// the runner passes no percent at all, freezing the last value.
		if *upd.Percent > snap.Percent {
			snap.Percent = *upd.Percent
		}
	}
	if upd.Message != nil {
		snap.Message = *upd.Message
	}
	if upd.Error != nil {
		snap.Error = *upd.Error
	}
	if upd.ResultRef != nil {
		snap.ResultRef = *upd.ResultRef
	}

	snap.UpdatedAt = t.now()
	if snap.Status.Terminal() && snap.EndedAt == nil {
		ended := snap.UpdatedAt
		snap.EndedAt = &ended
	}
	return t.store.Write(ctx, jobID, snap)
}

func (t *Tracker) Read(ctx context.Context, jobID string) (*Snapshot, error) {
	return t.store.Read(ctx, jobID)
}

// PollInterval suggests how often a client should re-read this snapshot:
// tight while work is moving, relaxed once pending or terminal.
func PollInterval(snap *Snapshot) time.Duration {
	if snap == nil {
		return 10 * time.Second
	}
	if snap.Status.Terminal() || snap.Status == StatusPending {
		return 10 * time.Second
	}
	return 2 * time.Second
}

// Convenience pointer helpers for building Updates.
func StatusPtr(s Status) *Status { return &s }
func IntPtr(i int) *int          { return &i }
func StrPtr(s string) *string    { return &s }
