package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// TimeRange represents a half-open [From, To) query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Store-level sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("persistence: not found")

	// ErrConflict is returned when a compare-and-set write loses to a
	// concurrent writer. Callers retry the upsert once, then skip.
	ErrConflict = errors.New("persistence: write conflict")
)

// TransferSource provides read-only access to the append-only transfer log.
// Transfers are idempotent by (chain, txHash, logIndex).
type TransferSource interface {
	// List retrieves transfers for a chain within the time range, ordered
	// by timestamp ascending.
	List(ctx context.Context, chain string, tr TimeRange) ([]domain.Transfer, error)

	// Count returns the number of transfers in the range.
	Count(ctx context.Context, chain string, tr TimeRange) (int64, error)
}

// SnapshotStore persists immutable window snapshots.
type SnapshotStore interface {
	// Put stores a snapshot. Writing the same snapshot id twice is a no-op.
	Put(ctx context.Context, snap *domain.Snapshot) error

	// GetLatest returns the most recent snapshot for a window.
	GetLatest(ctx context.Context, window domain.Window) (*domain.Snapshot, error)

	// GetPrevious returns the snapshot immediately before the given time in
	// the same window.
	GetPrevious(ctx context.Context, window domain.Window, before time.Time) (*domain.Snapshot, error)

	// GetByID retrieves a snapshot by content id.
	GetByID(ctx context.Context, id string) (*domain.Snapshot, error)

	// List returns up to limit snapshots for a window, newest first.
	List(ctx context.Context, window domain.Window, limit int) ([]*domain.Snapshot, error)
}

// LifecyclePatch is the mutable slice of a signal a lifecycle transition
// touches. Nil fields are left unchanged.
type LifecyclePatch struct {
	State                   *domain.LifecycleState
	SnapshotsWithoutTrigger *int
	LastTriggeredAt         *time.Time
	FirstTriggeredAt        *time.Time
	ConfidenceScore         *float64
	Label                   *domain.ConfidenceLabel
	Severity                *domain.Severity
	ResolveReason           *string
	ResolvedAt              *time.Time
}

// SignalStore owns the durable signal records. It is the authoritative
// concurrency boundary: lifecycle writes are compare-and-set on the state
// the caller read inside the same engine run.
type SignalStore interface {
	// FindActiveByWindow returns every non-terminal signal for a window,
	// keyed by signal key.
	FindActiveByWindow(ctx context.Context, window domain.Window) (map[domain.SignalKey]*domain.Signal, error)

	// UpsertByKey inserts a new signal or replaces the live record for its
	// key. Exactly one live record per key is maintained.
	UpsertByKey(ctx context.Context, sig *domain.Signal) error

	// UpdateLifecycle applies a lifecycle patch if the stored state still
	// equals expectState; otherwise ErrConflict.
	UpdateLifecycle(ctx context.Context, key domain.SignalKey, expectState domain.LifecycleState, patch LifecyclePatch) error

	// GetByKey retrieves the live record for a key.
	GetByKey(ctx context.Context, key domain.SignalKey) (*domain.Signal, error)

	// List returns recent signals, newest first, optionally filtered by
	// state; an empty state means all states.
	List(ctx context.Context, state domain.LifecycleState, limit int) ([]*domain.Signal, error)
}

// RankingStore owns per-entity rankings and their transition history.
type RankingStore interface {
	// BulkUpsert writes rankings keyed by (entityAddr, chainId).
	BulkUpsert(ctx context.Context, rankings []*domain.Ranking) error

	// Get retrieves the current ranking for an entity.
	Get(ctx context.Context, entityAddr string, chainID int64) (*domain.Ranking, error)

	// ReadByBucket returns up to limit rankings in a bucket, by composite
	// descending.
	ReadByBucket(ctx context.Context, bucket domain.Bucket, limit int) ([]*domain.Ranking, error)

	// AppendTransition records a bucket change. Append-only.
	AppendTransition(ctx context.Context, tr *domain.BucketTransition) error

	// ListTransitions returns recent transitions for an entity, newest first.
	ListTransitions(ctx context.Context, entityAddr string, chainID int64, limit int) ([]*domain.BucketTransition, error)
}

// OutcomeStore owns outcome snapshots, observations, trend validations and
// attribution links.
type OutcomeStore interface {
	PutSnapshot(ctx context.Context, snap *domain.OutcomeSnapshot) error
	GetSnapshot(ctx context.Context, snapshotID string) (*domain.OutcomeSnapshot, error)

	// ListSnapshots returns up to limit outcome snapshots, newest first.
	ListSnapshots(ctx context.Context, limit int) ([]*domain.OutcomeSnapshot, error)

	// FindPendingForOutcome returns outcome snapshots whose horizon deadline
	// has passed without an observation.
	FindPendingForOutcome(ctx context.Context, horizon domain.Horizon, asOf time.Time) ([]*domain.OutcomeSnapshot, error)

	PutObservation(ctx context.Context, obs *domain.OutcomeObservation) error
	ListObservations(ctx context.Context, snapshotID string) ([]*domain.OutcomeObservation, error)

	PutTrendValidation(ctx context.Context, tv *domain.TrendValidation) error
	GetTrendValidation(ctx context.Context, snapshotID string) (*domain.TrendValidation, error)

	PutAttributionLink(ctx context.Context, link *domain.AttributionLink) error
	ListAttributionLinks(ctx context.Context, snapshotID string) ([]*domain.AttributionLink, error)
}

// SampleStore owns learning samples produced by the dataset builder.
type SampleStore interface {
	// Upsert writes a sample keyed by SampleID.
	Upsert(ctx context.Context, sample *domain.LearningSample) error

	// Get returns the materialized sample for an id, or ErrNotFound.
	Get(ctx context.Context, sampleID string) (*domain.LearningSample, error)

	// ListEligible returns up to limit train-eligible samples, newest first.
	ListEligible(ctx context.Context, limit int) ([]*domain.LearningSample, error)
}

// RunStatus is the terminal status of an engine run record.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// RunStats aggregates per-run mutation counts.
type RunStats struct {
	Created  int `json:"created" db:"created"`
	Updated  int `json:"updated" db:"updated"`
	Archived int `json:"archived" db:"archived"`
	Errors   int `json:"errors" db:"errors"`
}

// RunRecord is written exactly once per engine run.
type RunRecord struct {
	RunID       string        `json:"run_id" db:"run_id"`
	Window      domain.Window `json:"window" db:"window"`
	SnapshotID  string        `json:"snapshot_id" db:"snapshot_id"`
	StartedAt   time.Time     `json:"started_at" db:"started_at"`
	CompletedAt time.Time     `json:"completed_at" db:"completed_at"`
	Status      RunStatus     `json:"status" db:"status"`
	Stats       RunStats      `json:"stats" db:"-"`
	Error       string        `json:"error,omitempty" db:"error"`
}

// RunStore records engine run outcomes.
type RunStore interface {
	// Record writes a run record; run ids are unique, a second write for
	// the same id fails.
	Record(ctx context.Context, rec *RunRecord) error

	// List returns recent runs for a window, newest first.
	List(ctx context.Context, window domain.Window, limit int) ([]*RunRecord, error)
}

// Repository aggregates every persistence contract the engine needs.
type Repository struct {
	Transfers TransferSource
	Snapshots SnapshotStore
	Signals   SignalStore
	Rankings  RankingStore
	Outcomes  OutcomeStore
	Samples   SampleStore
	Runs      RunStore
}
