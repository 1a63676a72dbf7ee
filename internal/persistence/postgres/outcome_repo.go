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

// outcomeStore implements OutcomeStore for PostgreSQL.
type outcomeStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOutcomeStore creates a PostgreSQL outcome store.
func NewOutcomeStore(db *sqlx.DB, timeout time.Duration) persistence.OutcomeStore {
	return &outcomeStore{db: db, timeout: timeout}
}

// PutSnapshot writes an outcome snapshot. Snapshots are immutable; a second
// write for the same id is a no-op.
func (r *outcomeStore) PutSnapshot(ctx context.Context, snap *domain.OutcomeSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO outcome_snapshots
		(snapshot_id, entity_addr, chain_id, bucket, composite, price_usd, decided_at, drift_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (snapshot_id) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query,
		snap.SnapshotID, snap.EntityAddr, snap.ChainID, snap.Bucket,
		snap.Composite, snap.PriceUSD, snap.DecidedAt, snap.DriftLevel); err != nil {
		return fmt.Errorf("failed to insert outcome snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves one outcome snapshot.
func (r *outcomeStore) GetSnapshot(ctx context.Context, snapshotID string) (*domain.OutcomeSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT snapshot_id, entity_addr, chain_id, bucket, composite, price_usd, decided_at, drift_level
		FROM outcome_snapshots WHERE snapshot_id = $1`

	var snap domain.OutcomeSnapshot
	if err := r.db.GetContext(ctx, &snap, query, snapshotID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get outcome snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns up to limit outcome snapshots, newest first.
func (r *outcomeStore) ListSnapshots(ctx context.Context, limit int) ([]*domain.OutcomeSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT snapshot_id, entity_addr, chain_id, bucket, composite, price_usd, decided_at, drift_level
		FROM outcome_snapshots ORDER BY decided_at DESC LIMIT $1`

	var out []*domain.OutcomeSnapshot
	if err := r.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list outcome snapshots: %w", err)
	}
	return out, nil
}

// FindPendingForOutcome returns snapshots whose horizon deadline has passed
// without an observation for that horizon.
func (r *outcomeStore) FindPendingForOutcome(ctx context.Context, horizon domain.Horizon, asOf time.Time) ([]*domain.OutcomeSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	deadline := asOf.Add(-horizon.Duration())
	query := `
		SELECT s.snapshot_id, s.entity_addr, s.chain_id, s.bucket, s.composite,
		       s.price_usd, s.decided_at, s.drift_level
		FROM outcome_snapshots s
		LEFT JOIN outcome_observations o
		  ON o.snapshot_id = s.snapshot_id AND o.horizon = $1
		WHERE s.decided_at <= $2 AND o.snapshot_id IS NULL
		ORDER BY s.decided_at ASC`

	var out []*domain.OutcomeSnapshot
	if err := r.db.SelectContext(ctx, &out, query, horizon, deadline); err != nil {
		return nil, fmt.Errorf("failed to find pending outcomes: %w", err)
	}
	return out, nil
}

// PutObservation records a realized outcome. One observation per snapshot
// and horizon; re-resolution overwrites.
func (r *outcomeStore) PutObservation(ctx context.Context, obs *domain.OutcomeObservation) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO outcome_observations
		(snapshot_id, horizon, verdict, realized_pct, observed_price, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (snapshot_id, horizon) DO UPDATE SET
			verdict = EXCLUDED.verdict,
			realized_pct = EXCLUDED.realized_pct,
			observed_price = EXCLUDED.observed_price,
			resolved_at = EXCLUDED.resolved_at`

	if _, err := r.db.ExecContext(ctx, query,
		obs.SnapshotID, obs.Horizon, obs.Verdict, obs.RealizedPct,
		obs.ObservedPrice, obs.ResolvedAt); err != nil {
		return fmt.Errorf("failed to put observation: %w", err)
	}
	return nil
}

// ListObservations returns all observations for a snapshot.
func (r *outcomeStore) ListObservations(ctx context.Context, snapshotID string) ([]*domain.OutcomeObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT snapshot_id, horizon, verdict, realized_pct, observed_price, resolved_at
		FROM outcome_observations WHERE snapshot_id = $1 ORDER BY horizon ASC`

	var out []*domain.OutcomeObservation
	if err := r.db.SelectContext(ctx, &out, query, snapshotID); err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	return out, nil
}

// PutTrendValidation upserts the per-snapshot trend validation.
func (r *outcomeStore) PutTrendValidation(ctx context.Context, tv *domain.TrendValidation) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	labels, err := json.Marshal(tv.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal trend labels: %w", err)
	}

	query := `
		INSERT INTO trend_validations (snapshot_id, labels, validated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (snapshot_id) DO UPDATE SET
			labels = EXCLUDED.labels,
			validated_at = EXCLUDED.validated_at`

	if _, err := r.db.ExecContext(ctx, query, tv.SnapshotID, labels, tv.ValidatedAt); err != nil {
		return fmt.Errorf("failed to put trend validation: %w", err)
	}
	return nil
}

// GetTrendValidation retrieves the trend validation for a snapshot.
func (r *outcomeStore) GetTrendValidation(ctx context.Context, snapshotID string) (*domain.TrendValidation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row struct {
		SnapshotID  string    `db:"snapshot_id"`
		Labels      []byte    `db:"labels"`
		ValidatedAt time.Time `db:"validated_at"`
	}
	query := `SELECT snapshot_id, labels, validated_at FROM trend_validations WHERE snapshot_id = $1`
	if err := r.db.GetContext(ctx, &row, query, snapshotID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get trend validation: %w", err)
	}

	tv := &domain.TrendValidation{SnapshotID: row.SnapshotID, ValidatedAt: row.ValidatedAt}
	if err := json.Unmarshal(row.Labels, &tv.Labels); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trend labels: %w", err)
	}
	return tv, nil
}

// PutAttributionLink upserts the attribution link for a snapshot/horizon.
func (r *outcomeStore) PutAttributionLink(ctx context.Context, link *domain.AttributionLink) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	keys, err := json.Marshal(link.SignalKeys)
	if err != nil {
		return fmt.Errorf("failed to marshal signal keys: %w", err)
	}

	query := `
		INSERT INTO attribution_links (snapshot_id, horizon, signal_keys, linked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (snapshot_id, horizon) DO UPDATE SET
			signal_keys = EXCLUDED.signal_keys,
			linked_at = EXCLUDED.linked_at`

	if _, err := r.db.ExecContext(ctx, query, link.SnapshotID, link.Horizon, keys, link.LinkedAt); err != nil {
		return fmt.Errorf("failed to put attribution link: %w", err)
	}
	return nil
}

// ListAttributionLinks returns all attribution links for a snapshot.
func (r *outcomeStore) ListAttributionLinks(ctx context.Context, snapshotID string) ([]*domain.AttributionLink, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []struct {
		SnapshotID string    `db:"snapshot_id"`
		Horizon    string    `db:"horizon"`
		SignalKeys []byte    `db:"signal_keys"`
		LinkedAt   time.Time `db:"linked_at"`
	}
	query := `SELECT snapshot_id, horizon, signal_keys, linked_at FROM attribution_links WHERE snapshot_id = $1`
	if err := r.db.SelectContext(ctx, &rows, query, snapshotID); err != nil {
		return nil, fmt.Errorf("failed to list attribution links: %w", err)
	}

	out := make([]*domain.AttributionLink, 0, len(rows))
	for _, row := range rows {
		link := &domain.AttributionLink{
			SnapshotID: row.SnapshotID,
			Horizon:    domain.Horizon(row.Horizon),
			LinkedAt:   row.LinkedAt,
		}
		if err := json.Unmarshal(row.SignalKeys, &link.SignalKeys); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal keys: %w", err)
		}
		out = append(out, link)
	}
	return out, nil
}
