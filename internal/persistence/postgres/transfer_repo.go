package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/persistence"
)

// transferSource implements TransferSource for PostgreSQL.
type transferSource struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTransferSource creates a PostgreSQL transfer source.
func NewTransferSource(db *sqlx.DB, timeout time.Duration) persistence.TransferSource {
	return &transferSource{db: db, timeout: timeout}
}

// List returns transfers for a chain in [From, To), timestamp ascending.
func (r *transferSource) List(ctx context.Context, chain string, tr persistence.TimeRange) ([]domain.Transfer, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT chain, tx_hash, log_index, from_addr, to_addr, asset_address,
		       amount_raw, amount_usd, ts, from_actor, to_actor,
		       from_attribution, to_attribution, bridge
		FROM transfers
		WHERE chain = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts ASC, tx_hash ASC, log_index ASC`

	var transfers []domain.Transfer
	if err := r.db.SelectContext(ctx, &transfers, query, chain, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return transfers, nil
}

// Count returns the number of transfers in the range.
func (r *transferSource) Count(ctx context.Context, chain string, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int64
	query := `SELECT COUNT(*) FROM transfers WHERE chain = $1 AND ts >= $2 AND ts < $3`
	if err := r.db.GetContext(ctx, &n, query, chain, tr.From, tr.To); err != nil {
		return 0, fmt.Errorf("failed to count transfers: %w", err)
	}
	return n, nil
}
