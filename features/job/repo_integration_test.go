package job_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patentdesk/backend/features/job"
	"patentdesk/backend/features/record"
	"patentdesk/backend/internal/progress"
	"patentdesk/backend/internal/testutils"
)

func TestJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	jobRepo := job.NewPostgresRepo(s.DB)
	recordRepo := record.NewPostgresRepo(s.DB)
	ctx := context.Background()

	j1 := &job.Job{
		ID:      uuid.NewString(),
		OwnerID: "owner-1",
		Kind:    progress.KindExtraction,
		Status:  progress.StatusPending,
	}
	require.NoError(t, jobRepo.Create(ctx, j1))

	time.Sleep(100 * time.Millisecond)

	j2 := &job.Job{
		ID:      uuid.NewString(),
		OwnerID: "owner-1",
		Kind:    progress.KindOptimization,
		Status:  progress.StatusPending,
	}
	require.NoError(t, jobRepo.Create(ctx, j2))

	// Newest first, owner-scoped.
	jobs, err := jobRepo.ListByOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, j2.ID, jobs[0].ID)

	other, err := jobRepo.ListByOwner(ctx, "owner-2")
	require.NoError(t, err)
	assert.Empty(t, other)

	// Lifecycle transitions round-trip through the row.
	require.NoError(t, jobRepo.MarkRunning(ctx, j1.ID))
	require.NoError(t, jobRepo.MarkCompleted(ctx, j1.ID, "records.json"))

	got, err := jobRepo.Get(ctx, j1.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, got.Status)
	assert.Equal(t, "records.json", got.ResultRef)

	_, err = jobRepo.Get(ctx, j1.ID, "owner-2")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	// Records cascade with their job.
	require.NoError(t, recordRepo.BulkInsert(ctx, []record.Record{
		{ID: uuid.NewString(), JobID: j1.ID, OwnerID: "owner-1", Category: record.CategoryMolecule, Name: "aspirin", Payload: []byte(`{"formula":"C9H8O4"}`)},
	}))
	records, err := recordRepo.ListByJob(ctx, j1.ID, "owner-1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = s.DB.ExecContext(ctx, "DELETE FROM jobs WHERE id = $1", j1.ID)
	require.NoError(t, err)

	records, err = recordRepo.ListByJob(ctx, j1.ID, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, records, "records must cascade when the job is deleted")
}

func TestJobRepo_ResetStuck_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	jobRepo := job.NewPostgresRepo(s.DB)
	ctx := context.Background()

	stuck := &job.Job{ID: uuid.NewString(), OwnerID: "owner-1", Kind: progress.KindOptimization, Status: progress.StatusRunning}
	require.NoError(t, jobRepo.Create(ctx, stuck))
	_, err := s.DB.ExecContext(ctx, "UPDATE jobs SET status = 'running', updated_at = NOW() - INTERVAL '2 hours' WHERE id = $1", stuck.ID)
	require.NoError(t, err)

	fresh := &job.Job{ID: uuid.NewString(), OwnerID: "owner-1", Kind: progress.KindOptimization, Status: progress.StatusRunning}
	require.NoError(t, jobRepo.Create(ctx, fresh))
	require.NoError(t, jobRepo.MarkRunning(ctx, fresh.ID))

	n, err := jobRepo.ResetStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := jobRepo.Get(ctx, stuck.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, got.Status)

	got, err = jobRepo.Get(ctx, fresh.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusRunning, got.Status)
}
