package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sifan077/PowerTrack/internal/app/model"
)

// RetentionRepository performs the bulk reads and deletes of the retention
// janitor. Tables are addressed by name (model.PageViewsTable,
// model.SessionsTable); each is aged by its own timestamp column.
type RetentionRepository interface {
	Count(ctx context.Context, table string) (int64, error)
	CountOlderThan(ctx context.Context, table string, cutoff time.Time) (int64, error)
	// DeleteOlderThan removes at most limit rows strictly older than cutoff
	// and reports how many went.
	DeleteOlderThan(ctx context.Context, table string, cutoff time.Time, limit int) (int64, error)
}

// AgeColumn maps each retained table to the column its age is measured by.
var AgeColumn = map[string]string{
	model.PageViewsTable: "viewed_at",
	model.SessionsTable:  "session_started_at",
}

type retentionRepository struct {
	pool *pgxpool.Pool
}

// NewRetentionRepository returns a pgx-backed RetentionRepository.
func NewRetentionRepository(pool *pgxpool.Pool) RetentionRepository {
	return &retentionRepository{pool: pool}
}

func (r *retentionRepository) Count(ctx context.Context, table string) (int64, error) {
	if _, err := ageColumn(table); err != nil {
		return 0, err
	}

	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (r *retentionRepository) CountOlderThan(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	column, err := ageColumn(table)
	if err != nil {
		return 0, err
	}

	var n int64
	sql := `SELECT count(*) FROM ` + table + ` WHERE ` + column + ` < $1`
	if err := r.pool.QueryRow(ctx, sql, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count expired %s: %w", table, err)
	}
	return n, nil
}

func (r *retentionRepository) DeleteOlderThan(ctx context.Context, table string, cutoff time.Time, limit int) (int64, error) {
	column, err := ageColumn(table)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, fmt.Errorf("delete expired %s: batch size must be positive", table)
	}

	// Postgres has no DELETE ... LIMIT; bound the batch through the primary key.
	sql := `DELETE FROM ` + table + ` WHERE id IN (
		SELECT id FROM ` + table + ` WHERE ` + column + ` < $1 ORDER BY id LIMIT $2
	)`
	tag, err := r.pool.Exec(ctx, sql, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func ageColumn(table string) (string, error) {
	column, ok := AgeColumn[table]
	if !ok {
		return "", fmt.Errorf("table %q is not subject to retention", table)
	}
	return column, nil
}
