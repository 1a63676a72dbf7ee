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

// signalStore implements SignalStore for PostgreSQL. Lifecycle writes are
// compare-and-set on the state column; a lost race surfaces as ErrConflict.
type signalStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSignalStore creates a PostgreSQL signal store.
func NewSignalStore(db *sqlx.DB, timeout time.Duration) persistence.SignalStore {
	return &signalStore{db: db, timeout: timeout}
}

// signalPayload is the JSONB slice of a signal that has no indexed column.
type signalPayload struct {
	Primary []string       `json:"primary"`
	EdgeIDs []string       `json:"edge_ids,omitempty"`
	Metrics domain.Metrics `json:"metrics"`
	Summary domain.Summary `json:"summary"`
	Trace   *domain.Trace  `json:"trace,omitempty"`
}

// signalRow maps one signals table row.
type signalRow struct {
	Key             string     `db:"signal_key"`
	Type            string     `db:"type"`
	Severity        string     `db:"severity"`
	Scope           string     `db:"scope"`
	Window          string     `db:"window"`
	State           string     `db:"state"`
	ConfidenceScore float64    `db:"confidence_score"`
	Label           string     `db:"label"`
	SnapshotID      string     `db:"snapshot_id"`
	FirstTriggered  time.Time  `db:"first_triggered_at"`
	LastTriggered   time.Time  `db:"last_triggered_at"`
	WithoutTrigger  int        `db:"snapshots_without_trigger"`
	ResolveReason   string     `db:"resolve_reason"`
	ResolvedAt      *time.Time `db:"resolved_at"`
	Payload         []byte     `db:"payload"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

const signalColumns = `signal_key, type, severity, scope, "window", state,
	confidence_score, label, snapshot_id, first_triggered_at, last_triggered_at,
	snapshots_without_trigger, resolve_reason, resolved_at, payload, created_at, updated_at`

// FindActiveByWindow returns every non-terminal signal for a window.
func (r *signalStore) FindActiveByWindow(ctx context.Context, window domain.Window) (map[domain.SignalKey]*domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + signalColumns + ` FROM signals WHERE "window" = $1 AND state != $2`
	var rows []signalRow
	if err := r.db.SelectContext(ctx, &rows, query, window, domain.StateResolved); err != nil {
		return nil, fmt.Errorf("failed to find active signals: %w", err)
	}

	out := make(map[domain.SignalKey]*domain.Signal, len(rows))
	for i := range rows {
		sig, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out[sig.Key] = sig
	}
	return out, nil
}

// UpsertByKey inserts or replaces the live record for a key.
func (r *signalStore) UpsertByKey(ctx context.Context, sig *domain.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(signalPayload{
		Primary: sig.Primary,
		EdgeIDs: sig.EdgeIDs,
		Metrics: sig.Metrics,
		Summary: sig.Summary,
		Trace:   sig.Trace,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal signal payload: %w", err)
	}

	query := `
		INSERT INTO signals
		(signal_key, type, severity, scope, "window", state, confidence_score,
		 label, snapshot_id, first_triggered_at, last_triggered_at,
		 snapshots_without_trigger, resolve_reason, resolved_at, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		ON CONFLICT (signal_key) DO UPDATE SET
			severity = EXCLUDED.severity,
			state = EXCLUDED.state,
			confidence_score = EXCLUDED.confidence_score,
			label = EXCLUDED.label,
			snapshot_id = EXCLUDED.snapshot_id,
			last_triggered_at = EXCLUDED.last_triggered_at,
			snapshots_without_trigger = EXCLUDED.snapshots_without_trigger,
			resolve_reason = EXCLUDED.resolve_reason,
			resolved_at = EXCLUDED.resolved_at,
			payload = EXCLUDED.payload,
			updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query,
		sig.Key, sig.Type, sig.Severity, sig.Scope, sig.Window, sig.State,
		sig.ConfidenceScore, sig.Label, sig.SnapshotID,
		sig.FirstTriggeredAt, sig.LastTriggeredAt, sig.SnapshotsWithoutTrigger,
		sig.ResolveReason, sig.ResolvedAt, payload); err != nil {
		return fmt.Errorf("failed to upsert signal: %w", err)
	}
	return nil
}

// UpdateLifecycle applies a patch if the stored state still matches
// expectState. Zero rows affected means a concurrent writer won.
func (r *signalStore) UpdateLifecycle(ctx context.Context, key domain.SignalKey, expectState domain.LifecycleState, patch persistence.LifecyclePatch) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	set := []string{"updated_at = now()"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if patch.State != nil {
		set = append(set, "state = "+arg(*patch.State))
	}
	if patch.SnapshotsWithoutTrigger != nil {
		set = append(set, "snapshots_without_trigger = "+arg(*patch.SnapshotsWithoutTrigger))
	}
	if patch.LastTriggeredAt != nil {
		set = append(set, "last_triggered_at = "+arg(*patch.LastTriggeredAt))
	}
	if patch.FirstTriggeredAt != nil {
		set = append(set, "first_triggered_at = "+arg(*patch.FirstTriggeredAt))
	}
	if patch.ConfidenceScore != nil {
		set = append(set, "confidence_score = "+arg(*patch.ConfidenceScore))
	}
	if patch.Label != nil {
		set = append(set, "label = "+arg(*patch.Label))
	}
	if patch.Severity != nil {
		set = append(set, "severity = "+arg(*patch.Severity))
	}
	if patch.ResolveReason != nil {
		set = append(set, "resolve_reason = "+arg(*patch.ResolveReason))
	}
	if patch.ResolvedAt != nil {
		set = append(set, "resolved_at = "+arg(*patch.ResolvedAt))
	}

	query := "UPDATE signals SET "
	for i, s := range set {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE signal_key = " + arg(key) + " AND state = " + arg(expectState)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update signal lifecycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return persistence.ErrConflict
	}
	return nil
}

// GetByKey retrieves the live record for a key.
func (r *signalStore) GetByKey(ctx context.Context, key domain.SignalKey) (*domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + signalColumns + ` FROM signals WHERE signal_key = $1`
	var row signalRow
	if err := r.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return row.toDomain()
}

// List returns recent signals, newest first; empty state means all states.
func (r *signalStore) List(ctx context.Context, state domain.LifecycleState, limit int) ([]*domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		rows []signalRow
		err  error
	)
	if state == "" {
		query := `SELECT ` + signalColumns + ` FROM signals ORDER BY updated_at DESC LIMIT $1`
		err = r.db.SelectContext(ctx, &rows, query, limit)
	} else {
		query := `SELECT ` + signalColumns + ` FROM signals WHERE state = $1 ORDER BY updated_at DESC LIMIT $2`
		err = r.db.SelectContext(ctx, &rows, query, state, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}

	out := make([]*domain.Signal, 0, len(rows))
	for i := range rows {
		sig, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func (row *signalRow) toDomain() (*domain.Signal, error) {
	var payload signalPayload
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signal payload: %w", err)
	}
	return &domain.Signal{
		Key:                     domain.SignalKey(row.Key),
		Type:                    domain.SignalType(row.Type),
		Severity:                domain.Severity(row.Severity),
		Scope:                   domain.Scope(row.Scope),
		Window:                  domain.Window(row.Window),
		State:                   domain.LifecycleState(row.State),
		ConfidenceScore:         row.ConfidenceScore,
		Label:                   domain.ConfidenceLabel(row.Label),
		Primary:                 payload.Primary,
		EdgeIDs:                 payload.EdgeIDs,
		Metrics:                 payload.Metrics,
		Summary:                 payload.Summary,
		Trace:                   payload.Trace,
		SnapshotID:              row.SnapshotID,
		FirstTriggeredAt:        row.FirstTriggered,
		LastTriggeredAt:         row.LastTriggered,
		SnapshotsWithoutTrigger: row.WithoutTrigger,
		ResolveReason:           row.ResolveReason,
		ResolvedAt:              row.ResolvedAt,
		CreatedAt:               row.CreatedAt,
		UpdatedAt:               row.UpdatedAt,
	}, nil
}
