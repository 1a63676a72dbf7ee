package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied idempotently at startup. Production deployments run the
// same statements through their migration tooling.
const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	chain            TEXT        NOT NULL,
	tx_hash          TEXT        NOT NULL,
	log_index        INTEGER     NOT NULL,
	from_addr        TEXT        NOT NULL,
	to_addr          TEXT        NOT NULL,
	asset_address    TEXT        NOT NULL,
	amount_raw       TEXT        NOT NULL,
	amount_usd       DOUBLE PRECISION NOT NULL,
	ts               TIMESTAMPTZ NOT NULL,
	from_actor       TEXT        NOT NULL DEFAULT '',
	to_actor         TEXT        NOT NULL DEFAULT '',
	from_attribution TEXT        NOT NULL DEFAULT 'unknown',
	to_attribution   TEXT        NOT NULL DEFAULT 'unknown',
	bridge           BOOLEAN     NOT NULL DEFAULT FALSE,
	PRIMARY KEY (chain, tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS idx_transfers_chain_ts ON transfers (chain, ts);

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id TEXT        PRIMARY KEY,
	"window"    TEXT        NOT NULL,
	network     TEXT        NOT NULL,
	built_at    TIMESTAMPTZ NOT NULL,
	from_ts     TIMESTAMPTZ NOT NULL,
	to_ts       TIMESTAMPTZ NOT NULL,
	body        JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_window_built ON snapshots ("window", built_at DESC);

CREATE TABLE IF NOT EXISTS signals (
	signal_key                TEXT        PRIMARY KEY,
	type                      TEXT        NOT NULL,
	severity                  TEXT        NOT NULL,
	scope                     TEXT        NOT NULL,
	"window"                  TEXT        NOT NULL,
	state                     TEXT        NOT NULL,
	confidence_score          DOUBLE PRECISION NOT NULL,
	label                     TEXT        NOT NULL,
	snapshot_id               TEXT        NOT NULL,
	first_triggered_at        TIMESTAMPTZ NOT NULL,
	last_triggered_at         TIMESTAMPTZ NOT NULL,
	snapshots_without_trigger INTEGER     NOT NULL DEFAULT 0,
	resolve_reason            TEXT        NOT NULL DEFAULT '',
	resolved_at               TIMESTAMPTZ,
	payload                   JSONB       NOT NULL,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_signals_window_state ON signals ("window", state);

CREATE TABLE IF NOT EXISTS rankings (
	entity_addr       TEXT        NOT NULL,
	chain_id          BIGINT      NOT NULL,
	composite         DOUBLE PRECISION NOT NULL,
	bucket            TEXT        NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL,
	risk_score        DOUBLE PRECISION NOT NULL,
	stability_penalty DOUBLE PRECISION NOT NULL,
	conflict_lock     BOOLEAN     NOT NULL,
	decided_at        TIMESTAMPTZ NOT NULL,
	breakdown         JSONB       NOT NULL,
	PRIMARY KEY (entity_addr, chain_id)
);
CREATE INDEX IF NOT EXISTS idx_rankings_bucket ON rankings (bucket, composite DESC);

CREATE TABLE IF NOT EXISTS ranking_transitions (
	transition_id TEXT        PRIMARY KEY,
	entity_addr   TEXT        NOT NULL,
	chain_id      BIGINT      NOT NULL,
	from_bucket   TEXT        NOT NULL,
	to_bucket     TEXT        NOT NULL,
	reason        TEXT        NOT NULL,
	previous_id   TEXT        NOT NULL DEFAULT '',
	composite     DOUBLE PRECISION NOT NULL,
	occurred_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_entity ON ranking_transitions (entity_addr, chain_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS outcome_snapshots (
	snapshot_id TEXT        PRIMARY KEY,
	entity_addr TEXT        NOT NULL,
	chain_id    BIGINT      NOT NULL,
	bucket      TEXT        NOT NULL,
	composite   DOUBLE PRECISION NOT NULL,
	price_usd   DOUBLE PRECISION NOT NULL,
	decided_at  TIMESTAMPTZ NOT NULL,
	drift_level TEXT        NOT NULL DEFAULT 'NONE'
);
CREATE INDEX IF NOT EXISTS idx_outcome_snapshots_decided ON outcome_snapshots (decided_at);

CREATE TABLE IF NOT EXISTS outcome_observations (
	snapshot_id    TEXT        NOT NULL REFERENCES outcome_snapshots (snapshot_id),
	horizon        TEXT        NOT NULL,
	verdict        TEXT        NOT NULL,
	realized_pct   DOUBLE PRECISION NOT NULL,
	observed_price DOUBLE PRECISION NOT NULL,
	resolved_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (snapshot_id, horizon)
);

CREATE TABLE IF NOT EXISTS trend_validations (
	snapshot_id  TEXT        PRIMARY KEY REFERENCES outcome_snapshots (snapshot_id),
	labels       JSONB       NOT NULL,
	validated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS attribution_links (
	snapshot_id TEXT        NOT NULL REFERENCES outcome_snapshots (snapshot_id),
	horizon     TEXT        NOT NULL,
	signal_keys JSONB       NOT NULL,
	linked_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (snapshot_id, horizon)
);

CREATE TABLE IF NOT EXISTS learning_samples (
	sample_id      TEXT        PRIMARY KEY,
	snapshot_id    TEXT        NOT NULL,
	horizon        TEXT        NOT NULL,
	features       JSONB       NOT NULL,
	label          TEXT        NOT NULL DEFAULT '',
	quality        JSONB       NOT NULL,
	train_eligible BOOLEAN     NOT NULL,
	built_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_eligible ON learning_samples (train_eligible, built_at DESC);

CREATE TABLE IF NOT EXISTS engine_runs (
	run_id       TEXT        PRIMARY KEY,
	"window"     TEXT        NOT NULL,
	snapshot_id  TEXT        NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	status       TEXT        NOT NULL,
	created      INTEGER     NOT NULL DEFAULT 0,
	updated      INTEGER     NOT NULL DEFAULT 0,
	archived     INTEGER     NOT NULL DEFAULT 0,
	errors       INTEGER     NOT NULL DEFAULT 0,
	error        TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_window_started ON engine_runs ("window", started_at DESC);
`

// EnsureSchema creates all tables and indexes if missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
