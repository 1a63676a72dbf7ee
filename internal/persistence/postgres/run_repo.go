package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/persistence"
)

// runStore implements RunStore for PostgreSQL.
type runStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunStore creates a PostgreSQL run store.
func NewRunStore(db *sqlx.DB, timeout time.Duration) persistence.RunStore {
	return &runStore{db: db, timeout: timeout}
}

// Record writes a run record. Run ids are unique; a duplicate write fails.
func (r *runStore) Record(ctx context.Context, rec *persistence.RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO engine_runs
		(run_id, "window", snapshot_id, started_at, completed_at, status,
		 created, updated, archived, errors, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	if _, err := r.db.ExecContext(ctx, query,
		rec.RunID, rec.Window, rec.SnapshotID, rec.StartedAt, rec.CompletedAt,
		rec.Status, rec.Stats.Created, rec.Stats.Updated, rec.Stats.Archived,
		rec.Stats.Errors, rec.Error); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// List returns recent runs for a window, newest first.
func (r *runStore) List(ctx context.Context, window domain.Window, limit int) ([]*persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []struct {
		RunID       string    `db:"run_id"`
		Window      string    `db:"window"`
		SnapshotID  string    `db:"snapshot_id"`
		StartedAt   time.Time `db:"started_at"`
		CompletedAt time.Time `db:"completed_at"`
		Status      string    `db:"status"`
		Created     int       `db:"created"`
		Updated     int       `db:"updated"`
		Archived    int       `db:"archived"`
		Errors      int       `db:"errors"`
		Error       string    `db:"error"`
	}
	query := `
		SELECT run_id, "window", snapshot_id, started_at, completed_at, status,
		       created, updated, archived, errors, error
		FROM engine_runs WHERE "window" = $1 ORDER BY started_at DESC LIMIT $2`
	if err := r.db.SelectContext(ctx, &rows, query, window, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]*persistence.RunRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, &persistence.RunRecord{
			RunID:       row.RunID,
			Window:      domain.Window(row.Window),
			SnapshotID:  row.SnapshotID,
			StartedAt:   row.StartedAt,
			CompletedAt: row.CompletedAt,
			Status:      persistence.RunStatus(row.Status),
			Stats: persistence.RunStats{
				Created:  row.Created,
				Updated:  row.Updated,
				Archived: row.Archived,
				Errors:   row.Errors,
			},
			Error: row.Error,
		})
	}
	return out, nil
}
