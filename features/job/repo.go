package job

import (
	"context"
	"database/sql"
	"time"

	"patentdesk/backend/internal/progress"
)

type Repository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id, ownerID string) (*Job, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Job, error)
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, resultRef string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Create(ctx context.Context, job *Job) error {
	query := `INSERT INTO jobs (id, owner_id, kind, file_name, file_path, model, status) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, job.ID, job.OwnerID, job.Kind, job.FileName, job.FilePath, job.Model, job.Status).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id, ownerID string) (*Job, error) {
	j := &Job{}
	query := `SELECT id, owner_id, kind, file_name, file_path, model, status, result_ref, error, created_at, updated_at FROM jobs WHERE id = $1 AND owner_id = $2`
	err := r.db.QueryRowContext(ctx, query, id, ownerID).Scan(&j.ID, &j.OwnerID, &j.Kind, &j.FileName, &j.FilePath, &j.Model, &j.Status, &j.ResultRef, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (r *PostgresRepo) ListByOwner(ctx context.Context, ownerID string) ([]Job, error) {
	query := `SELECT id, owner_id, kind, file_name, file_path, model, status, result_ref, error, created_at, updated_at FROM jobs WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.OwnerID, &j.Kind, &j.FileName, &j.FilePath, &j.Model, &j.Status, &j.ResultRef, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) MarkRunning(ctx context.Context, id string) error {
	query := `UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, progress.StatusRunning)
	return err
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, id, resultRef string) error {
	query := `UPDATE jobs SET status = $2, result_ref = $3, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, progress.StatusCompleted, resultRef)
	return err
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id, errMsg string) error {
	query := `UPDATE jobs SET status = $2, error = $3, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, progress.StatusFailed, errMsg)
	return err
}

// ResetStuck fails jobs that have sat in a non-terminal state longer than
// olderThan. Run at startup: a crashed process never finishes its jobs, and
// leaving them "running" would make clients poll forever.
func (r *PostgresRepo) ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `UPDATE jobs SET status = $1, error = 'interrupted by restart', updated_at = NOW() WHERE status NOT IN ($2, $3) AND updated_at < NOW() - ($4 * INTERVAL '1 second')`
	res, err := r.db.ExecContext(ctx, query, progress.StatusFailed, progress.StatusCompleted, progress.StatusFailed, int64(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
