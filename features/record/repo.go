package record

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

type Repository interface {
	BulkInsert(ctx context.Context, records []Record) error
	ListByJob(ctx context.Context, jobID, ownerID string) ([]Record, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// BulkInsert writes a whole extraction batch in one statement. Extraction
// produces hundreds of records per document; row-at-a-time inserts were the
// dominant cost of the save phase.
func (r *PostgresRepo) BulkInsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	ins := psql.Insert("patent_records").
		Columns("id", "job_id", "owner_id", "category", "name", "payload")
	for _, rec := range records {
		ins = ins.Values(rec.ID, rec.JobID, rec.OwnerID, rec.Category, rec.Name, []byte(rec.Payload))
	}

	query, args, err := ins.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert records: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListByJob(ctx context.Context, jobID, ownerID string) ([]Record, error) {
	query, args, err := psql.Select("id", "job_id", "owner_id", "category", "name", "payload", "created_at").
		From("patent_records").
		Where(sq.Eq{"job_id": jobID, "owner_id": ownerID}).
		OrderBy("category", "name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.OwnerID, &rec.Category, &rec.Name, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Payload = payload
		records = append(records, rec)
	}
	return records, rows.Err()
}
