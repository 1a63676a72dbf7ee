package domain

import "time"

// Bucket is the action class the ranking engine assigns to an entity.
type Bucket string

const (
	BucketBuy   Bucket = "BUY"
	BucketWatch Bucket = "WATCH"
	BucketSell  Bucket = "SELL"
)

// TransitionReason is the closed set of causes for a bucket change.
type TransitionReason string

const (
	ReasonScoreIncrease       TransitionReason = "score_increase"
	ReasonScoreDecrease       TransitionReason = "score_decrease"
	ReasonConflictLock        TransitionReason = "conflict_lock"
	ReasonRiskSpike           TransitionReason = "risk_spike"
	ReasonActorSignalPositive TransitionReason = "actor_signal_positive"
	ReasonActorSignalNegative TransitionReason = "actor_signal_negative"
	ReasonEngineGuard         TransitionReason = "engine_guard"
	ReasonInitial             TransitionReason = "initial"
)

// RankingInput carries the normalized per-entity scores feeding the
// composite. All score fields are 0-100.
type RankingInput struct {
	EntityAddr     string  `json:"entity_addr"`
	ChainID        int64   `json:"chain_id"`
	MarketCapScore float64 `json:"market_cap_score"`
	VolumeScore    float64 `json:"volume_score"`
	MomentumScore  float64 `json:"momentum_score"`

	// EngineConfidence is the confidence of the strongest live signal
	// touching the entity; 50 is neutral.
	EngineConfidence float64 `json:"engine_confidence"`

	// ActorSignalScore is the net actor-signal contribution in [-100,100]
	// before capping.
	ActorSignalScore float64 `json:"actor_signal_score"`

	RiskScore    float64 `json:"risk_score"`
	ConflictLock bool    `json:"conflict_lock"`

	// RecentFlips counts bucket changes inside the stability window.
	RecentFlips int `json:"recent_flips"`
}

// Ranking is the current composite assessment of one entity.
type Ranking struct {
	EntityAddr       string    `json:"entity_addr" db:"entity_addr"`
	ChainID          int64     `json:"chain_id" db:"chain_id"`
	Composite        float64   `json:"composite" db:"composite"`
	Bucket           Bucket    `json:"bucket" db:"bucket"`
	Confidence       float64   `json:"confidence" db:"confidence"`
	RiskScore        float64   `json:"risk_score" db:"risk_score"`
	StabilityPenalty float64   `json:"stability_penalty" db:"stability_penalty"`
	ConflictLock     bool      `json:"conflict_lock" db:"conflict_lock"`
	DecidedAt        time.Time `json:"decided_at" db:"decided_at"`

	// Breakdown keeps the weighted contributions for explainability.
	Breakdown map[string]float64 `json:"breakdown" db:"-"`
}

// BucketTransition is the append-only record of a bucket change.
type BucketTransition struct {
	TransitionID string           `json:"transition_id" db:"transition_id"`
	EntityAddr   string           `json:"entity_addr" db:"entity_addr"`
	ChainID      int64            `json:"chain_id" db:"chain_id"`
	From         Bucket           `json:"from_bucket" db:"from_bucket"`
	To           Bucket           `json:"to_bucket" db:"to_bucket"`
	Reason       TransitionReason `json:"reason" db:"reason"`
	PreviousID   string           `json:"previous_id,omitempty" db:"previous_id"`
	Composite    float64          `json:"composite" db:"composite"`
	OccurredAt   time.Time        `json:"occurred_at" db:"occurred_at"`
}
