// Package ranking computes the per-entity composite score, assigns
// BUY/WATCH/SELL buckets under strict ordered rules and records bucket
// transitions append-only.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/persistence"
)

// Weights are the composite term weights plus the contribution caps and
// bucket cut points.
type Weights struct {
	MarketCap   float64 `yaml:"market_cap" json:"market_cap"`
	Volume      float64 `yaml:"volume" json:"volume"`
	Momentum    float64 `yaml:"momentum" json:"momentum"`
	Engine      float64 `yaml:"engine" json:"engine"`
	ActorSignal float64 `yaml:"actor_signal" json:"actor_signal"`

	// EngineCap bounds the engine-confidence contribution to neutral ± cap.
	EngineCap float64 `yaml:"engine_cap" json:"engine_cap"`
	// ActorSignalCap bounds the actor-signal term to ± cap.
	ActorSignalCap float64 `yaml:"actor_signal_cap" json:"actor_signal_cap"`

	// FlipPenalty is the stability penalty per recent bucket flip, bounded
	// by MaxStabilityPenalty.
	FlipPenalty         float64 `yaml:"flip_penalty" json:"flip_penalty"`
	MaxStabilityPenalty float64 `yaml:"max_stability_penalty" json:"max_stability_penalty"`

	// Bucket cut points, evaluated strictly and in order.
	BuyScore      float64 `yaml:"buy_score" json:"buy_score"`
	BuyConfidence float64 `yaml:"buy_confidence" json:"buy_confidence"`
	BuyMaxRisk    float64 `yaml:"buy_max_risk" json:"buy_max_risk"`
	SellScore     float64 `yaml:"sell_score" json:"sell_score"`
	SellRisk      float64 `yaml:"sell_risk" json:"sell_risk"`
}

// DefaultWeights returns the production ranking configuration.
func DefaultWeights() Weights {
	return Weights{
		MarketCap:           0.20,
		Volume:              0.15,
		Momentum:            0.15,
		Engine:              0.30,
		ActorSignal:         0.20,
		EngineCap:           15,
		ActorSignalCap:      20,
		FlipPenalty:         5,
		MaxStabilityPenalty: 15,
		BuyScore:            60,
		BuyConfidence:       50,
		BuyMaxRisk:          45,
		SellScore:           40,
		SellRisk:            60,
	}
}

const neutralConfidence = 50.0

// InputProvider supplies the per-entity normalized inputs for one ranking
// pass.
type InputProvider interface {
	ListInputs(ctx context.Context) ([]domain.RankingInput, error)
}

// Result summarizes one full ranking pass.
type Result struct {
	Rankings    []*domain.Ranking
	Transitions []*domain.BucketTransition
	Errors      int
}

// Engine recomputes all rankings and records bucket transitions.
type Engine struct {
	store  persistence.RankingStore
	inputs InputProvider
	now    func() time.Time
}

// NewEngine builds a ranking engine.
func NewEngine(store persistence.RankingStore, inputs InputProvider) *Engine {
	return &Engine{store: store, inputs: inputs, now: time.Now}
}

// SetClock overrides the time source, used by tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// RankAll recomputes the composite for every known entity under the given
// weights, persists the rankings and appends transitions for every bucket
// change.
func (e *Engine) RankAll(ctx context.Context, w Weights) (*Result, error) {
	inputs, err := e.inputs.ListInputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ranking inputs: %v", domain.ErrInputMissing, err)
	}

	now := e.now().UTC()
	res := &Result{}

	for _, in := range inputs {
		r := Compute(in, w, now)

		prev, err := e.store.Get(ctx, in.EntityAddr, in.ChainID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			res.Errors++
			continue
		}

		res.Rankings = append(res.Rankings, r)

		prevBucket := domain.Bucket("")
		if prev != nil {
			prevBucket = prev.Bucket
		}
		if prevBucket == r.Bucket {
			continue
		}
		prevID := ""
		if last, err := e.store.ListTransitions(ctx, in.EntityAddr, in.ChainID, 1); err == nil && len(last) > 0 {
			prevID = last[0].TransitionID
		}
		tr := &domain.BucketTransition{
			TransitionID: uuid.NewString(),
			EntityAddr:   in.EntityAddr,
			ChainID:      in.ChainID,
			From:         prevBucket,
			To:           r.Bucket,
			Reason:       transitionReason(prev, r, in, w),
			PreviousID:   prevID,
			Composite:    r.Composite,
			OccurredAt:   now,
		}
		if err := e.store.AppendTransition(ctx, tr); err != nil {
			log.Warn().Err(err).Str("component", "ranking").Str("entity", in.EntityAddr).Msg("transition append failed")
			res.Errors++
			continue
		}
		res.Transitions = append(res.Transitions, tr)
	}

	if len(res.Rankings) > 0 {
		if err := e.store.BulkUpsert(ctx, res.Rankings); err != nil {
			return res, fmt.Errorf("ranking bulk upsert: %w", err)
		}
	}

	log.Info().
		Str("component", "ranking").
		Int("entities", len(res.Rankings)).
		Int("transitions", len(res.Transitions)).
		Int("errors", res.Errors).
		Msg("ranking pass complete")
	return res, nil
}

// Compute derives one entity's composite, bucket and breakdown. Pure.
func Compute(in domain.RankingInput, w Weights, now time.Time) *domain.Ranking {
	engineTerm := neutralConfidence + clampAbs(in.EngineConfidence-neutralConfidence, w.EngineCap)
	actorTerm := neutralConfidence + clampAbs(in.ActorSignalScore, w.ActorSignalCap)

	stability := math.Min(w.MaxStabilityPenalty, float64(in.RecentFlips)*w.FlipPenalty)

	composite := w.MarketCap*in.MarketCapScore +
		w.Volume*in.VolumeScore +
		w.Momentum*in.MomentumScore +
		w.Engine*engineTerm +
		w.ActorSignal*actorTerm -
		stability
	composite = math.Max(0, math.Min(100, composite))

	bucket := assignBucket(in, w, composite)

	// Engine confidence alone must not carry an entity into BUY: with the
	// engine term set back to neutral, the composite has to clear the SELL
	// floor or the entity is held at WATCH.
	if bucket == domain.BucketBuy {
		withoutEngine := composite - w.Engine*engineTerm + w.Engine*neutralConfidence
		if withoutEngine < w.SellScore {
			bucket = domain.BucketWatch
		}
	}

	return &domain.Ranking{
		EntityAddr:       in.EntityAddr,
		ChainID:          in.ChainID,
		Composite:        composite,
		Bucket:           bucket,
		Confidence:       in.EngineConfidence,
		RiskScore:        in.RiskScore,
		StabilityPenalty: stability,
		ConflictLock:     in.ConflictLock,
		DecidedAt:        now,
		Breakdown: map[string]float64{
			"market_cap":        w.MarketCap * in.MarketCapScore,
			"volume":            w.Volume * in.VolumeScore,
			"momentum":          w.Momentum * in.MomentumScore,
			"engine":            w.Engine * engineTerm,
			"actor_signal":      w.ActorSignal * actorTerm,
			"stability_penalty": stability,
		},
	}
}

// assignBucket applies the strict ordered bucket rules.
func assignBucket(in domain.RankingInput, w Weights, composite float64) domain.Bucket {
	switch {
	case in.ConflictLock:
		return domain.BucketWatch
	case composite >= w.BuyScore && in.EngineConfidence >= w.BuyConfidence && in.RiskScore <= w.BuyMaxRisk:
		return domain.BucketBuy
	case composite < w.SellScore || in.RiskScore >= w.SellRisk:
		return domain.BucketSell
	default:
		return domain.BucketWatch
	}
}

// transitionReason picks the closed-set cause for a bucket change.
func transitionReason(prev *domain.Ranking, curr *domain.Ranking, in domain.RankingInput, w Weights) domain.TransitionReason {
	switch {
	case prev == nil:
		return domain.ReasonInitial
	case in.ConflictLock:
		return domain.ReasonConflictLock
	case curr.Bucket == domain.BucketSell && in.RiskScore >= w.SellRisk:
		return domain.ReasonRiskSpike
	case curr.Bucket == domain.BucketWatch && prev.Bucket == domain.BucketBuy && curr.Composite >= prev.Composite:
		return domain.ReasonEngineGuard
	case in.ActorSignalScore > 0 && curr.Composite > prev.Composite:
		return domain.ReasonActorSignalPositive
	case in.ActorSignalScore < 0 && curr.Composite < prev.Composite:
		return domain.ReasonActorSignalNegative
	case curr.Composite > prev.Composite:
		return domain.ReasonScoreIncrease
	default:
		return domain.ReasonScoreDecrease
	}
}

func clampAbs(v, bound float64) float64 {
	return math.Max(-bound, math.Min(bound, v))
}
