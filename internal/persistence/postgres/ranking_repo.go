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

// rankingStore implements RankingStore for PostgreSQL.
type rankingStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRankingStore creates a PostgreSQL ranking store.
func NewRankingStore(db *sqlx.DB, timeout time.Duration) persistence.RankingStore {
	return &rankingStore{db: db, timeout: timeout}
}

type rankingRow struct {
	EntityAddr       string    `db:"entity_addr"`
	ChainID          int64     `db:"chain_id"`
	Composite        float64   `db:"composite"`
	Bucket           string    `db:"bucket"`
	Confidence       float64   `db:"confidence"`
	RiskScore        float64   `db:"risk_score"`
	StabilityPenalty float64   `db:"stability_penalty"`
	ConflictLock     bool      `db:"conflict_lock"`
	DecidedAt        time.Time `db:"decided_at"`
	Breakdown        []byte    `db:"breakdown"`
}

const rankingColumns = `entity_addr, chain_id, composite, bucket, confidence,
	risk_score, stability_penalty, conflict_lock, decided_at, breakdown`

// BulkUpsert writes rankings atomically, keyed by (entityAddr, chainId).
func (r *rankingStore) BulkUpsert(ctx context.Context, rankings []*domain.Ranking) error {
	if len(rankings) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(rankings)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rankings
		(entity_addr, chain_id, composite, bucket, confidence, risk_score,
		 stability_penalty, conflict_lock, decided_at, breakdown)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (entity_addr, chain_id) DO UPDATE SET
			composite = EXCLUDED.composite,
			bucket = EXCLUDED.bucket,
			confidence = EXCLUDED.confidence,
			risk_score = EXCLUDED.risk_score,
			stability_penalty = EXCLUDED.stability_penalty,
			conflict_lock = EXCLUDED.conflict_lock,
			decided_at = EXCLUDED.decided_at,
			breakdown = EXCLUDED.breakdown`)
	if err != nil {
		return fmt.Errorf("failed to prepare ranking upsert: %w", err)
	}
	defer stmt.Close()

	for _, rk := range rankings {
		breakdown, err := json.Marshal(rk.Breakdown)
		if err != nil {
			return fmt.Errorf("failed to marshal breakdown: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			rk.EntityAddr, rk.ChainID, rk.Composite, rk.Bucket, rk.Confidence,
			rk.RiskScore, rk.StabilityPenalty, rk.ConflictLock, rk.DecidedAt,
			breakdown); err != nil {
			return fmt.Errorf("failed to upsert ranking %s: %w", rk.EntityAddr, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ranking upsert: %w", err)
	}
	return nil
}

// Get retrieves the current ranking for an entity.
func (r *rankingStore) Get(ctx context.Context, entityAddr string, chainID int64) (*domain.Ranking, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + rankingColumns + ` FROM rankings WHERE entity_addr = $1 AND chain_id = $2`
	var row rankingRow
	if err := r.db.GetContext(ctx, &row, query, entityAddr, chainID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ranking: %w", err)
	}
	return row.toDomain()
}

// ReadByBucket returns up to limit rankings in a bucket, composite
// descending.
func (r *rankingStore) ReadByBucket(ctx context.Context, bucket domain.Bucket, limit int) ([]*domain.Ranking, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + rankingColumns + ` FROM rankings WHERE bucket = $1 ORDER BY composite DESC LIMIT $2`
	var rows []rankingRow
	if err := r.db.SelectContext(ctx, &rows, query, bucket, limit); err != nil {
		return nil, fmt.Errorf("failed to read bucket %s: %w", bucket, err)
	}

	out := make([]*domain.Ranking, 0, len(rows))
	for i := range rows {
		rk, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rk)
	}
	return out, nil
}

// AppendTransition records a bucket change. Append-only.
func (r *rankingStore) AppendTransition(ctx context.Context, tr *domain.BucketTransition) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO ranking_transitions
		(transition_id, entity_addr, chain_id, from_bucket, to_bucket, reason,
		 previous_id, composite, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	if _, err := r.db.ExecContext(ctx, query,
		tr.TransitionID, tr.EntityAddr, tr.ChainID, tr.From, tr.To,
		tr.Reason, tr.PreviousID, tr.Composite, tr.OccurredAt); err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// ListTransitions returns recent transitions for an entity, newest first.
func (r *rankingStore) ListTransitions(ctx context.Context, entityAddr string, chainID int64, limit int) ([]*domain.BucketTransition, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT transition_id, entity_addr, chain_id, from_bucket, to_bucket,
		       reason, previous_id, composite, occurred_at
		FROM ranking_transitions
		WHERE entity_addr = $1 AND chain_id = $2
		ORDER BY occurred_at DESC LIMIT $3`

	var out []*domain.BucketTransition
	if err := r.db.SelectContext(ctx, &out, query, entityAddr, chainID, limit); err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	return out, nil
}

func (row *rankingRow) toDomain() (*domain.Ranking, error) {
	var breakdown map[string]float64
	if len(row.Breakdown) > 0 {
		if err := json.Unmarshal(row.Breakdown, &breakdown); err != nil {
			return nil, fmt.Errorf("failed to unmarshal breakdown: %w", err)
		}
	}
	return &domain.Ranking{
		EntityAddr:       row.EntityAddr,
		ChainID:          row.ChainID,
		Composite:        row.Composite,
		Bucket:           domain.Bucket(row.Bucket),
		Confidence:       row.Confidence,
		RiskScore:        row.RiskScore,
		StabilityPenalty: row.StabilityPenalty,
		ConflictLock:     row.ConflictLock,
		DecidedAt:        row.DecidedAt,
		Breakdown:        breakdown,
	}, nil
}
