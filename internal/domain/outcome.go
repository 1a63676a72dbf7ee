package domain

import (
	"fmt"
	"time"
)

// Horizon is the evaluation window for outcome resolution.
type Horizon string

const (
	Horizon1d  Horizon = "1d"
	Horizon7d  Horizon = "7d"
	Horizon30d Horizon = "30d"
)

// Duration returns the wall-clock span of the horizon.
func (h Horizon) Duration() time.Duration {
	switch h {
	case Horizon1d:
		return 24 * time.Hour
	case Horizon7d:
		return 7 * 24 * time.Hour
	case Horizon30d:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// AllHorizons lists supported horizons in ascending order.
func AllHorizons() []Horizon {
	return []Horizon{Horizon1d, Horizon7d, Horizon30d}
}

// Verdict is the resolved outcome of a ranked prediction.
type Verdict string

const (
	VerdictConfirmed    Verdict = "confirmed"
	VerdictRejected     Verdict = "rejected"
	VerdictInconclusive Verdict = "inconclusive"
)

// TrendLabel is the realized price direction over a horizon.
type TrendLabel string

const (
	TrendUp   TrendLabel = "up"
	TrendDown TrendLabel = "down"
	TrendFlat TrendLabel = "flat"
)

// OutcomeSnapshot anchors a realized outcome to the decision state that
// produced it. Immutable once written.
type OutcomeSnapshot struct {
	SnapshotID string    `json:"snapshot_id" db:"snapshot_id"`
	EntityAddr string    `json:"entity_addr" db:"entity_addr"`
	ChainID    int64     `json:"chain_id" db:"chain_id"`
	Bucket     Bucket    `json:"bucket" db:"bucket"`
	Composite  float64   `json:"composite" db:"composite"`
	PriceUSD   float64   `json:"price_usd" db:"price_usd"`
	DecidedAt  time.Time `json:"decided_at" db:"decided_at"`
	DriftLevel string    `json:"drift_level" db:"drift_level"`
}

// OutcomeObservation records the realized result for one snapshot at one
// horizon.
type OutcomeObservation struct {
	SnapshotID    string    `json:"snapshot_id" db:"snapshot_id"`
	Horizon       Horizon   `json:"horizon" db:"horizon"`
	Verdict       Verdict   `json:"verdict" db:"verdict"`
	RealizedPct   float64   `json:"realized_pct" db:"realized_pct"`
	ObservedPrice float64   `json:"observed_price" db:"observed_price"`
	ResolvedAt    time.Time `json:"resolved_at" db:"resolved_at"`
}

// TrendValidation assigns realized trend labels per horizon.
type TrendValidation struct {
	SnapshotID  string                 `json:"snapshot_id" db:"snapshot_id"`
	Labels      map[Horizon]TrendLabel `json:"labels" db:"-"`
	ValidatedAt time.Time              `json:"validated_at" db:"validated_at"`
}

// AttributionLink joins a ranking decision to its outcome for one horizon.
type AttributionLink struct {
	SnapshotID string    `json:"snapshot_id" db:"snapshot_id"`
	Horizon    Horizon   `json:"horizon" db:"horizon"`
	SignalKeys []string  `json:"signal_keys" db:"-"`
	LinkedAt   time.Time `json:"linked_at" db:"linked_at"`
}

// DriftLevel values used by the dataset soft gate.
const (
	DriftNone     = "NONE"
	DriftLow      = "LOW"
	DriftModerate = "MODERATE"
	DriftCritical = "CRITICAL"
)

// SampleQuality records which gates a learning sample passed and why it was
// or was not admitted to training.
type SampleQuality struct {
	HardGatesPassed bool     `json:"hard_gates_passed"`
	Reasons         []string `json:"reasons,omitempty"`
	DriftLevel      string   `json:"drift_level"`
}

// LearningSample is one trainable example joined from snapshot, outcome and
// attribution. Identity is SnapshotID:Horizon; writes are upserts.
type LearningSample struct {
	SampleID      string             `json:"sample_id" db:"sample_id"`
	SnapshotID    string             `json:"snapshot_id" db:"snapshot_id"`
	Horizon       Horizon            `json:"horizon" db:"horizon"`
	Features      map[string]float64 `json:"features" db:"-"`
	Label         TrendLabel         `json:"label" db:"label"`
	Quality       SampleQuality      `json:"quality" db:"-"`
	TrainEligible bool               `json:"train_eligible" db:"train_eligible"`
	BuiltAt       time.Time          `json:"built_at" db:"built_at"`
}

// SampleID builds the canonical learning-sample identity.
func SampleID(snapshotID string, horizon Horizon) string {
	return fmt.Sprintf("%s:%s", snapshotID, horizon)
}
