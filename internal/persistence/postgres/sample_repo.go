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

// sampleStore implements SampleStore for PostgreSQL.
type sampleStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSampleStore creates a PostgreSQL learning-sample store.
func NewSampleStore(db *sqlx.DB, timeout time.Duration) persistence.SampleStore {
	return &sampleStore{db: db, timeout: timeout}
}

// Upsert writes a sample keyed by SampleID.
func (r *sampleStore) Upsert(ctx context.Context, sample *domain.LearningSample) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	features, err := json.Marshal(sample.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	quality, err := json.Marshal(sample.Quality)
	if err != nil {
		return fmt.Errorf("failed to marshal quality: %w", err)
	}

	query := `
		INSERT INTO learning_samples
		(sample_id, snapshot_id, horizon, features, label, quality, train_eligible, built_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sample_id) DO UPDATE SET
			features = EXCLUDED.features,
			label = EXCLUDED.label,
			quality = EXCLUDED.quality,
			train_eligible = EXCLUDED.train_eligible,
			built_at = EXCLUDED.built_at`

	if _, err := r.db.ExecContext(ctx, query,
		sample.SampleID, sample.SnapshotID, sample.Horizon, features,
		sample.Label, quality, sample.TrainEligible, sample.BuiltAt); err != nil {
		return fmt.Errorf("failed to upsert sample: %w", err)
	}
	return nil
}

type sampleRow struct {
	SampleID      string    `db:"sample_id"`
	SnapshotID    string    `db:"snapshot_id"`
	Horizon       string    `db:"horizon"`
	Features      []byte    `db:"features"`
	Label         string    `db:"label"`
	Quality       []byte    `db:"quality"`
	TrainEligible bool      `db:"train_eligible"`
	BuiltAt       time.Time `db:"built_at"`
}

func (row sampleRow) toDomain() (*domain.LearningSample, error) {
	sample := &domain.LearningSample{
		SampleID:      row.SampleID,
		SnapshotID:    row.SnapshotID,
		Horizon:       domain.Horizon(row.Horizon),
		Label:         domain.TrendLabel(row.Label),
		TrainEligible: row.TrainEligible,
		BuiltAt:       row.BuiltAt,
	}
	if err := json.Unmarshal(row.Features, &sample.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal features: %w", err)
	}
	if err := json.Unmarshal(row.Quality, &sample.Quality); err != nil {
		return nil, fmt.Errorf("failed to unmarshal quality: %w", err)
	}
	return sample, nil
}

// Get returns the materialized sample for an id.
func (r *sampleStore) Get(ctx context.Context, sampleID string) (*domain.LearningSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row sampleRow
	query := `
		SELECT sample_id, snapshot_id, horizon, features, label, quality, train_eligible, built_at
		FROM learning_samples WHERE sample_id = $1`
	if err := r.db.GetContext(ctx, &row, query, sampleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sample: %w", err)
	}
	return row.toDomain()
}

// ListEligible returns up to limit train-eligible samples, newest first.
func (r *sampleStore) ListEligible(ctx context.Context, limit int) ([]*domain.LearningSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []sampleRow
	query := `
		SELECT sample_id, snapshot_id, horizon, features, label, quality, train_eligible, built_at
		FROM learning_samples WHERE train_eligible ORDER BY built_at DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list eligible samples: %w", err)
	}

	out := make([]*domain.LearningSample, 0, len(rows))
	for _, row := range rows {
		sample, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	return out, nil
}
