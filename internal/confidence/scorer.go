// Package confidence maps signal candidates plus snapshot context to a
// 0-100 confidence score with a fully replayable trace. The scorer is
// rules-only: a fixed weighted sum over five subscores, followed by cluster
// confirmation, the actor-quality cap and temporal decay, in that order.
package confidence

import (
	"math"
	"time"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// Weights are the fixed subscore weights. They must sum to 1.
type Weights struct {
	Coverage float64 `yaml:"coverage" json:"coverage"`
	Actors   float64 `yaml:"actors" json:"actors"`
	Flow     float64 `yaml:"flow" json:"flow"`
	Temporal float64 `yaml:"temporal" json:"temporal"`
	Evidence float64 `yaml:"evidence" json:"evidence"`
}

// DefaultWeights returns the production weighting.
func DefaultWeights() Weights {
	return Weights{Coverage: 0.30, Actors: 0.25, Flow: 0.20, Temporal: 0.15, Evidence: 0.10}
}

// LabelThresholds map a final score to a confidence label. Values must be
// strictly increasing: Low < Medium < High.
type LabelThresholds struct {
	Low    float64 `yaml:"low" json:"low"`
	Medium float64 `yaml:"medium" json:"medium"`
	High   float64 `yaml:"high" json:"high"`
}

// DefaultLabelThresholds returns the production label cut points.
func DefaultLabelThresholds() LabelThresholds {
	return LabelThresholds{Low: 40, Medium: 60, High: 80}
}

// Label maps a score to its confidence label.
func (t LabelThresholds) Label(score float64) domain.ConfidenceLabel {
	switch {
	case score >= t.High:
		return domain.LabelHigh
	case score >= t.Medium:
		return domain.LabelMedium
	case score >= t.Low:
		return domain.LabelLow
	default:
		return domain.LabelHidden
	}
}

// Actor-quality scoring constants.
const (
	actorWeightExchange     = 0.4
	actorWeightFlowShare    = 0.3
	actorWeightConnectivity = 0.2
	actorWeightHistory      = 0.1

	actorBaseCap          = 80.0
	actorBaseScale        = 40.0
	multiActorBonus       = 20.0
	countOnlyBonus        = 10.0
	confirmWeightFloor    = 1.2
	singleTypeMultiplier  = 0.85
	actorCapThreshold     = 50.0 // actors subscore below this engages the cap
	actorCapCeiling       = 79.0
)

// Flow subscore anchors: 20 points minimum, linear between the floor and
// ceiling in |netFlowUsd|.
const (
	flowScoreFloor = 20.0
	flowUSDFloor   = 100_000.0
	flowUSDCeiling = 50_000_000.0
)

// Evidence subscore: 30 base plus 25 per present metric key.
const (
	evidenceBase   = 30.0
	evidencePerKey = 25.0
)

// DefaultDecayHalfLifeHours is the single temporal decay half-life τ. The
// originating modules disagreed on τ; it is reconciled here and is the only
// decay constant in the scorer.
const DefaultDecayHalfLifeHours = 72.0

// ActorContext is the per-actor quality input for scoring. Cluster inputs
// arrive pre-typed; the scorer never digs into loose metadata.
type ActorContext struct {
	ActorID        string           `json:"actor_id"`
	Type           domain.ActorType `json:"type"`
	IsExchangeOrMM bool             `json:"is_exchange_or_mm"`
	FlowShare      float64          `json:"flow_share"`
	Connectivity   float64          `json:"connectivity"`
	History        float64          `json:"history"`
	SourceID       string           `json:"source_id"`
	Cluster        ClusterInput     `json:"cluster"`
}

// weight is the actor-quality weight w_i, clamped to [0,1].
func (a ActorContext) weight() float64 {
	w := 0.0
	if a.IsExchangeOrMM {
		w += actorWeightExchange
	}
	w += actorWeightFlowShare * math.Min(1, a.FlowShare)
	w += actorWeightConnectivity * math.Min(1, a.Connectivity)
	w += actorWeightHistory * math.Min(1, a.History)
	return clamp01(w)
}

// Input is everything one scoring call consumes.
type Input struct {
	Candidate       domain.SignalCandidate
	Snapshot        *domain.Snapshot
	Actors          []ActorContext
	Has7dSupport    bool
	LastTriggeredAt *time.Time
	Now             time.Time
}

// Result is the scored outcome with its replayable trace.
type Result struct {
	Score     float64                `json:"score"`
	Label     domain.ConfidenceLabel `json:"label"`
	Breakdown map[string]float64     `json:"breakdown"`
	Reasons   []string               `json:"reasons"`
	Penalties []domain.Penalty       `json:"penalties"`
	Trace     domain.Trace           `json:"trace"`
}

// Scorer computes confidence scores under a fixed weight and policy set.
type Scorer struct {
	weights    Weights
	thresholds LabelThresholds
	cluster    ClusterPolicy
	decayTau   float64 // hours
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithWeights overrides the subscore weights.
func WithWeights(w Weights) Option { return func(s *Scorer) { s.weights = w } }

// WithLabelThresholds overrides the label cut points.
func WithLabelThresholds(t LabelThresholds) Option { return func(s *Scorer) { s.thresholds = t } }

// WithClusterPolicy overrides the cluster confirmation policy.
func WithClusterPolicy(p ClusterPolicy) Option { return func(s *Scorer) { s.cluster = p } }

// WithDecayHalfLife overrides the decay half-life in hours.
func WithDecayHalfLife(hours float64) Option { return func(s *Scorer) { s.decayTau = hours } }

// NewScorer builds a scorer with production defaults.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		weights:    DefaultWeights(),
		thresholds: DefaultLabelThresholds(),
		cluster:    DefaultClusterPolicy(),
		decayTau:   DefaultDecayHalfLifeHours,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score computes the confidence result for one candidate.
func (s *Scorer) Score(in Input) Result {
	sub := s.subscores(in)

	raw := math.Round(
		s.weights.Coverage*sub.coverage +
			s.weights.Actors*sub.actors +
			s.weights.Flow*sub.flow +
			s.weights.Temporal*sub.temporal +
			s.weights.Evidence*sub.evidence)

	trace := domain.Trace{
		Components: []domain.TraceComponent{
			{Name: "coverage", Subscore: sub.coverage, Weight: s.weights.Coverage, Weighted: s.weights.Coverage * sub.coverage},
			{Name: "actors", Subscore: sub.actors, Weight: s.weights.Actors, Weighted: s.weights.Actors * sub.actors},
			{Name: "flow", Subscore: sub.flow, Weight: s.weights.Flow, Weighted: s.weights.Flow * sub.flow},
			{Name: "temporal", Subscore: sub.temporal, Weight: s.weights.Temporal, Weighted: s.weights.Temporal * sub.temporal},
			{Name: "evidence", Subscore: sub.evidence, Weight: s.weights.Evidence, Weighted: s.weights.Evidence * sub.evidence},
		},
		RawScore:    raw,
		DecayFactor: 1.0,
	}

	score := raw
	var penalties []domain.Penalty
	var reasons []string

	// 1. Cluster confirmation (anti-manipulation).
	clusterPenalties, clusterReasons := s.clusterConfirmation(in.Actors, score)
	for _, p := range clusterPenalties {
		score *= p.Multiplier
	}
	penalties = append(penalties, clusterPenalties...)
	reasons = append(reasons, clusterReasons...)

	// 2. Actor-quality cap: thin actor evidence cannot carry a score past
	// the ceiling no matter how strong the other subscores are.
	if sub.actors < actorCapThreshold && score > actorCapCeiling {
		mult := actorCapCeiling / score
		penalties = append(penalties, domain.Penalty{
			Type:       "actor_cap",
			Reason:     "actor quality below confirmation floor",
			Multiplier: mult,
			Impact:     score - actorCapCeiling,
		})
		reasons = append(reasons, "actor_cap")
		score = actorCapCeiling
		trace.CapApplied = true
		trace.CapValue = actorCapCeiling
	}

	// 3. Temporal decay on stale re-triggers.
	if in.LastTriggeredAt != nil {
		hours := in.Now.Sub(*in.LastTriggeredAt).Hours()
		factor := domain.DecayFactor(hours, s.decayTau)
		trace.DecayFactor = factor
		if factor < 1 {
			before := score
			score *= factor
			penalties = append(penalties, domain.Penalty{
				Type:       "temporal_decay",
				Reason:     "time since last trigger",
				Multiplier: factor,
				Impact:     before - score,
			})
			reasons = append(reasons, "temporal_decay")
		}
	}

	trace.Penalties = penalties
	trace.FinalScore = score
	trace.Label = s.thresholds.Label(score)

	return Result{
		Score: score,
		Label: trace.Label,
		Breakdown: map[string]float64{
			"coverage": sub.coverage,
			"actors":   sub.actors,
			"flow":     sub.flow,
			"temporal": sub.temporal,
			"evidence": sub.evidence,
		},
		Reasons:   reasons,
		Penalties: penalties,
		Trace:     trace,
	}
}

type subscoreSet struct {
	coverage, actors, flow, temporal, evidence float64
}

func (s *Scorer) subscores(in Input) subscoreSet {
	var sub subscoreSet
	if in.Snapshot != nil {
		sub.coverage = clampRange(in.Snapshot.Coverage.ActorsCoveragePct, 0, 100)
	}
	sub.actors = s.actorQualityScore(in.Actors)
	sub.flow = flowStrengthScore(in.Candidate.Metrics)
	sub.temporal = temporalScore(in.Candidate.Window, in.Has7dSupport)
	sub.evidence = math.Min(100, evidenceBase+evidencePerKey*float64(len(in.Candidate.Metrics.Keys())))
	return sub
}

// actorQualityScore implements the actor subscore: per-actor weights, the
// multi-actor confirmation bonus and the single-type diversity penalty.
func (s *Scorer) actorQualityScore(actors []ActorContext) float64 {
	if len(actors) == 0 {
		return 0
	}

	totalWeight := 0.0
	sources := make(map[string]struct{})
	types := make(map[domain.ActorType]struct{})
	for _, a := range actors {
		totalWeight += a.weight()
		if a.SourceID != "" {
			sources[a.SourceID] = struct{}{}
		}
		types[a.Type] = struct{}{}
	}

	score := math.Min(actorBaseCap, totalWeight*actorBaseScale)

	switch {
	case len(actors) >= 2 && totalWeight >= confirmWeightFloor && len(sources) >= 2:
		score += multiActorBonus
	case len(actors) >= 2:
		score += countOnlyBonus
	}

	if len(types) == 1 {
		score *= singleTypeMultiplier
	}
	return clampRange(score, 0, 100)
}

// flowStrengthScore scales |netFlowUsd| into [20,100]. The subscore is a
// function of net flow only; a missing measurement reads as the floor.
func flowStrengthScore(m domain.Metrics) float64 {
	if m.NetFlowUSD == nil {
		return flowScoreFloor
	}
	net := math.Abs(*m.NetFlowUSD)
	if net <= flowUSDFloor {
		return flowScoreFloor
	}
	if net >= flowUSDCeiling {
		return 100
	}
	frac := (net - flowUSDFloor) / (flowUSDCeiling - flowUSDFloor)
	return flowScoreFloor + frac*(100-flowScoreFloor)
}

// temporalScore rewards windows whose span has had time to confirm.
func temporalScore(window domain.Window, has7dSupport bool) float64 {
	switch window {
	case domain.Window7d:
		return 90
	case domain.Window30d:
		return 85
	case domain.Window24h:
		if has7dSupport {
			return 80
		}
		return 60
	default:
		return 50
	}
}

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }

func clampRange(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }
