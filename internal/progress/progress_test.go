package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewTracker(store)
}

func TestTracker_CreateAndRead(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Create(ctx, "job-1"))

	snap, err := tr.Read(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, 0, snap.Percent)
	assert.Nil(t, snap.EndedAt)
}

func TestTracker_ReadUnknown(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.Read(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTracker_PartialUpdate(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Create(ctx, "job-1"))

	require.NoError(t, tr.Update(ctx, "job-1", Update{
		Status:  StatusPtr(StatusRunning),
		Percent: IntPtr(30),
		Message: StrPtr("processing segment 3/10"),
	}))
	require.NoError(t, tr.Update(ctx, "job-1", Update{Percent: IntPtr(40)}))

	snap, err := tr.Read(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, 40, snap.Percent)
	// Message survives the percent-only update.
	assert.Equal(t, "processing segment 3/10", snap.Message)
}

func TestTracker_PercentMonotonic(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Create(ctx, "job-1"))

	require.NoError(t, tr.Update(ctx, "job-1", Update{Status: StatusPtr(StatusRunning), Percent: IntPtr(50)}))
	require.NoError(t, tr.Update(ctx, "job-1", Update{Percent: IntPtr(20)}))

	snap, err := tr.Read(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 50, snap.Percent, "lower percent must be clamped")
}

func TestTracker_PercentFrozenOnFailure(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Create(ctx, "job-1"))

	require.NoError(t, tr.Update(ctx, "job-1", Update{Status: StatusPtr(StatusRunning), Percent: IntPtr(70)}))
	require.NoError(t, tr.Update(ctx, "job-1", Update{
		Status: StatusPtr(StatusFailed),
		Error:  StrPtr("endpoint timeout"),
	}))

	snap, err := tr.Read(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, 70, snap.Percent)
	assert.Equal(t, "endpoint timeout", snap.Error)
	require.NotNil(t, snap.EndedAt)
}

func TestTracker_TerminalSetsEndedAtOnce(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := base
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	tr := NewTrackerWithClock(store, func() time.Time { return clock })

	ctx := context.Background()
	require.NoError(t, tr.Create(ctx, "job-1"))

	clock = base.Add(time.Minute)
	require.NoError(t, tr.Update(ctx, "job-1", Update{Status: StatusPtr(StatusCompleted), Percent: IntPtr(100)}))

	clock = base.Add(2 * time.Minute)
	require.NoError(t, tr.Update(ctx, "job-1", Update{Message: StrPtr("late note")}))

	snap, err := tr.Read(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, snap.EndedAt)
	assert.Equal(t, base.Add(time.Minute), snap.EndedAt.UTC())
}

func TestTracker_ObservedSequenceNonDecreasing(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.Create(ctx, "job-1"))

	writes := []int{10, 20, 20, 35, 5, 60, 100}
	last := 0
	for _, p := range writes {
		require.NoError(t, tr.Update(ctx, "job-1", Update{Percent: IntPtr(p)}))
		snap, err := tr.Read(ctx, "job-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, snap.Percent, last)
		last = snap.Percent
	}
	assert.Equal(t, 100, last)
}

func TestPollInterval(t *testing.T) {
	assert.Equal(t, 2*time.Second, PollInterval(&Snapshot{Status: StatusRunning}))
	assert.Equal(t, 2*time.Second, PollInterval(&Snapshot{Status: StatusAIWork}))
	assert.Equal(t, 10*time.Second, PollInterval(&Snapshot{Status: StatusPending}))
	assert.Equal(t, 10*time.Second, PollInterval(&Snapshot{Status: StatusCompleted}))
	assert.Equal(t, 10*time.Second, PollInterval(nil))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("optimization")
	require.NoError(t, err)
	assert.Equal(t, KindOptimization, k)

	_, err = ParseKind("mystery")
	assert.Error(t, err)
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	tr := NewTracker(store)
	ctx := context.Background()

	require.NoError(t, tr.Create(ctx, "job-1"))
	require.NoError(t, tr.Update(ctx, "job-1", Update{Status: StatusPtr(StatusRunning), Percent: IntPtr(42)}))

	// A restarted polling client opens its own store over the same dir.
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	snap, err := reopened.Read(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 42, snap.Percent)
}
