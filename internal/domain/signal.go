package domain

import (
	"time"
)

// SignalType identifies which detector produced a signal.
type SignalType string

const (
	SignalNewCorridor        SignalType = "NEW_CORRIDOR"
	SignalDensitySpike       SignalType = "DENSITY_SPIKE"
	SignalDirectionImbalance SignalType = "DIRECTION_IMBALANCE"
	SignalActorRegimeChange  SignalType = "ACTOR_REGIME_CHANGE"
	SignalNewBridge          SignalType = "NEW_BRIDGE"
)

// Severity grades the structural weight of a signal.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Scope names the structural level a signal describes.
type Scope string

const (
	ScopeActor    Scope = "actor"
	ScopeCorridor Scope = "corridor"
	ScopeBridge   Scope = "bridge"
)

// Metrics carries the detector measurements behind a signal. Fields are
// pointers so that absent measurements stay distinguishable from zero.
type Metrics struct {
	Density        *int     `json:"density,omitempty"`
	PrevDensity    *int     `json:"prev_density,omitempty"`
	SpikeRatio     *float64 `json:"spike_ratio,omitempty"`
	Weight         *float64 `json:"weight,omitempty"`
	EdgeConfidence *float64 `json:"edge_confidence,omitempty"`
	InflowUSD      *float64 `json:"inflow_usd,omitempty"`
	OutflowUSD     *float64 `json:"outflow_usd,omitempty"`
	NetFlowUSD     *float64 `json:"net_flow_usd,omitempty"`
	ImbalanceRatio *float64 `json:"imbalance_ratio,omitempty"`
	TemporalSync   *float64 `json:"temporal_sync,omitempty"`
	PrevTrend      *string  `json:"prev_trend,omitempty"`
	CurrTrend      *string  `json:"curr_trend,omitempty"`
	AvgCoverage    *float64 `json:"avg_coverage,omitempty"`
}

// Keys returns the names of the metrics that are present, in declaration
// order. The evidence subscore scales with this count.
func (m Metrics) Keys() []string {
	var keys []string
	add := func(name string, present bool) {
		if present {
			keys = append(keys, name)
		}
	}
	add("density", m.Density != nil)
	add("prev_density", m.PrevDensity != nil)
	add("spike_ratio", m.SpikeRatio != nil)
	add("weight", m.Weight != nil)
	add("edge_confidence", m.EdgeConfidence != nil)
	add("inflow_usd", m.InflowUSD != nil)
	add("outflow_usd", m.OutflowUSD != nil)
	add("net_flow_usd", m.NetFlowUSD != nil)
	add("imbalance_ratio", m.ImbalanceRatio != nil)
	add("temporal_sync", m.TemporalSync != nil)
	add("prev_trend", m.PrevTrend != nil)
	add("curr_trend", m.CurrTrend != nil)
	add("avg_coverage", m.AvgCoverage != nil)
	return keys
}

// Summary is the three-part human explanation attached to every signal.
type Summary struct {
	What   string `json:"what"`
	WhyNow string `json:"why_now"`
	SoWhat string `json:"so_what"`
}

// SignalCandidate is the ephemeral output of one detector in one run. It
// becomes a Signal only after scoring and lifecycle reconciliation.
type SignalCandidate struct {
	Type      SignalType `json:"type"`
	Severity  Severity   `json:"severity"`
	Scope     Scope      `json:"scope"`
	Window    Window     `json:"window"`
	Primary   []string   `json:"primary"`             // actor ids
	Secondary []string   `json:"secondary,omitempty"` // supporting actor ids
	EdgeIDs   []string   `json:"edge_ids,omitempty"`
	Metrics   Metrics    `json:"metrics"`
	Evidence  int        `json:"evidence"`
	Summary   Summary    `json:"summary"`
	Key       SignalKey  `json:"signal_key"`
}

// LifecycleState is the persistence state of a signal.
type LifecycleState string

const (
	StateNew      LifecycleState = "NEW"
	StateActive   LifecycleState = "ACTIVE"
	StateCooldown LifecycleState = "COOLDOWN"
	StateResolved LifecycleState = "RESOLVED"
)

// Terminal reports whether no further transition is permitted.
func (s LifecycleState) Terminal() bool { return s == StateResolved }

// ConfidenceLabel buckets a confidence score for display and dispatch gating.
type ConfidenceLabel string

const (
	LabelHigh   ConfidenceLabel = "HIGH"
	LabelMedium ConfidenceLabel = "MEDIUM"
	LabelLow    ConfidenceLabel = "LOW"
	LabelHidden ConfidenceLabel = "HIDDEN"
)

// Rank orders labels for monotonicity checks; higher is stronger.
func (l ConfidenceLabel) Rank() int {
	switch l {
	case LabelHigh:
		return 3
	case LabelMedium:
		return 2
	case LabelLow:
		return 1
	default:
		return 0
	}
}

// Signal is the durable, deduplicated alert derived from snapshot deltas.
// Exactly one live record exists per Key.
type Signal struct {
	Key             SignalKey       `json:"signal_key" db:"signal_key"`
	Type            SignalType      `json:"type" db:"type"`
	Severity        Severity        `json:"severity" db:"severity"`
	Scope           Scope           `json:"scope" db:"scope"`
	Window          Window          `json:"window" db:"window"`
	State           LifecycleState  `json:"state" db:"state"`
	ConfidenceScore float64         `json:"confidence_score" db:"confidence_score"`
	Label           ConfidenceLabel `json:"label" db:"label"`
	Primary         []string        `json:"primary" db:"-"`
	EdgeIDs         []string        `json:"edge_ids,omitempty" db:"-"`
	Metrics         Metrics         `json:"metrics" db:"-"`
	Summary         Summary         `json:"summary" db:"-"`
	Trace           *Trace          `json:"trace,omitempty" db:"-"`

	SnapshotID              string     `json:"snapshot_id" db:"snapshot_id"`
	FirstTriggeredAt        time.Time  `json:"first_triggered_at" db:"first_triggered_at"`
	LastTriggeredAt         time.Time  `json:"last_triggered_at" db:"last_triggered_at"`
	SnapshotsWithoutTrigger int        `json:"snapshots_without_trigger" db:"snapshots_without_trigger"`
	ResolveReason           string     `json:"resolve_reason,omitempty" db:"resolve_reason"`
	ResolvedAt              *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt               time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at" db:"updated_at"`
}

// Dispatchable reports whether the signal satisfies the dispatch policy:
// high severity with a HIGH or MEDIUM confidence label. HIDDEN is never
// visible outside the engine.
func (s *Signal) Dispatchable() bool {
	if s.Severity != SeverityHigh {
		return false
	}
	return s.Label == LabelHigh || s.Label == LabelMedium
}

// Penalty records one multiplicative reduction applied during scoring.
type Penalty struct {
	Type       string  `json:"type"`
	Reason     string  `json:"reason"`
	Multiplier float64 `json:"multiplier"`
	Impact     float64 `json:"impact"` // points removed
}

// TraceComponent is one weighted subscore inside a confidence computation.
type TraceComponent struct {
	Name     string  `json:"name"`
	Subscore float64 `json:"subscore"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
}

// Trace reproduces a confidence computation end to end. Replaying the
// components, penalties and decay against Replay() must yield FinalScore.
type Trace struct {
	Components  []TraceComponent `json:"components"`
	RawScore    float64          `json:"raw_score"`
	Penalties   []Penalty        `json:"penalties"`
	DecayFactor float64          `json:"decay_factor"`
	CapApplied  bool             `json:"cap_applied"`
	CapValue    float64          `json:"cap_value,omitempty"`
	FinalScore  float64          `json:"final_score"`
	Label       ConfidenceLabel  `json:"label"`
}
