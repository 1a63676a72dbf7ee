package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/persistence"
)

// snapshotStore implements SnapshotStore for PostgreSQL. The full snapshot
// is stored as a JSONB body; window and built_at are duplicated as indexed
// columns for latest/previous scans.
type snapshotStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSnapshotStore creates a PostgreSQL snapshot store.
func NewSnapshotStore(db *sqlx.DB, timeout time.Duration) persistence.SnapshotStore {
	return &snapshotStore{db: db, timeout: timeout}
}

// Put stores a snapshot. Snapshots are content-addressed, so a second write
// of the same id is a no-op.
func (r *snapshotStore) Put(ctx context.Context, snap *domain.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO snapshots (snapshot_id, "window", network, built_at, from_ts, to_ts, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (snapshot_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query,
		snap.SnapshotID, snap.Window, snap.Network,
		snap.BuiltAt, snap.From, snap.To, body); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// GetLatest returns the most recent snapshot for a window.
func (r *snapshotStore) GetLatest(ctx context.Context, window domain.Window) (*domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT body FROM snapshots WHERE "window" = $1 ORDER BY built_at DESC LIMIT 1`
	return r.getOne(ctx, query, window)
}

// GetPrevious returns the snapshot immediately before the given time.
func (r *snapshotStore) GetPrevious(ctx context.Context, window domain.Window, before time.Time) (*domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT body FROM snapshots
		WHERE "window" = $1 AND built_at < $2
		ORDER BY built_at DESC LIMIT 1`
	return r.getOne(ctx, query, window, before)
}

// GetByID retrieves a snapshot by content id.
func (r *snapshotStore) GetByID(ctx context.Context, id string) (*domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT body FROM snapshots WHERE snapshot_id = $1`
	return r.getOne(ctx, query, id)
}

// List returns up to limit snapshots for a window, newest first.
func (r *snapshotStore) List(ctx context.Context, window domain.Window, limit int) ([]*domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT body FROM snapshots WHERE "window" = $1 ORDER BY built_at DESC LIMIT $2`
	var bodies [][]byte
	if err := r.db.SelectContext(ctx, &bodies, query, window, limit); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	out := make([]*domain.Snapshot, 0, len(bodies))
	for _, b := range bodies {
		var snap domain.Snapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		out = append(out, &snap)
	}
	return out, nil
}

func (r *snapshotStore) getOne(ctx context.Context, query string, args ...interface{}) (*domain.Snapshot, error) {
	var body []byte
	if err := r.db.GetContext(ctx, &body, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
