// Package dataset materializes learning samples by joining outcome
// snapshots, trend validations and attribution links. Samples that fail the
// hard gates are still written with train_eligible=false and reason codes,
// so gate failures are auditable.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/metrics"
	"github.com/corridorlab/corridorscope/internal/persistence"
)

// Gate failure reason codes attached to ineligible samples.
const (
	ReasonNoTrendValidation = "NO_TREND_VALIDATION"
	ReasonNoHorizonTrend    = "NO_HORIZON_TREND"
	ReasonNoAttributionLink = "NO_ATTRIBUTION_LINK"
	ReasonCriticalDrift     = "CRITICAL_DRIFT"
)

// Mode selects how much of the corpus a build pass covers.
type Mode string

const (
	// ModeIncremental skips snapshot/horizon pairs whose materialized
	// sample is already train-eligible. Ineligible samples are rebuilt, so
	// a gate input that arrives late, such as an attribution link written
	// after the first pass, upgrades the sample on the next pass.
	ModeIncremental Mode = "incremental"

	// ModeFull rebuilds every pair, overwriting existing samples.
	ModeFull Mode = "full"
)

// Options tune a build pass.
type Options struct {
	Mode Mode `yaml:"mode" json:"mode"`

	// IncludeCriticalDrift admits samples whose decision snapshot carries
	// CRITICAL drift. Off by default; such samples are written but marked
	// ineligible.
	IncludeCriticalDrift bool `yaml:"include_critical_drift" json:"include_critical_drift"`
}

// DefaultOptions returns the standard incremental build.
func DefaultOptions() Options {
	return Options{Mode: ModeIncremental}
}

// Report summarizes one build pass.
type Report struct {
	Built           int      `json:"built"`
	Eligible        int      `json:"eligible"`
	Ineligible      int      `json:"ineligible"`
	SkippedExisting int      `json:"skipped_existing"`
	Errors          []string `json:"errors,omitempty"`
}

// Builder joins the outcome corpus into learning samples.
type Builder struct {
	outcomes persistence.OutcomeStore
	samples  persistence.SampleStore
	metrics  *metrics.Registry
	now      func() time.Time
}

// NewBuilder wires the builder. Metrics may be nil.
func NewBuilder(outcomes persistence.OutcomeStore, samples persistence.SampleStore, m *metrics.Registry) *Builder {
	return &Builder{outcomes: outcomes, samples: samples, metrics: m, now: time.Now}
}

// SetClock overrides the time source, used by tests.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// BuildFor materializes samples for one decision snapshot across every
// horizon that has an observation. Pairs without an observation are not yet
// resolvable and are left for a later pass.
func (b *Builder) BuildFor(ctx context.Context, snapshotID string, opts Options) (Report, error) {
	var rep Report

	snap, err := b.outcomes.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return rep, fmt.Errorf("outcome snapshot %s: %w", snapshotID, err)
	}
	observations, err := b.outcomes.ListObservations(ctx, snapshotID)
	if err != nil {
		return rep, fmt.Errorf("observations for %s: %w", snapshotID, err)
	}

	tv, err := b.outcomes.GetTrendValidation(ctx, snapshotID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return rep, fmt.Errorf("trend validation for %s: %w", snapshotID, err)
	}

	for _, obs := range observations {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		id := domain.SampleID(snapshotID, obs.Horizon)

		if opts.Mode == ModeIncremental {
			existing, err := b.samples.Get(ctx, id)
			if err != nil && !errors.Is(err, persistence.ErrNotFound) {
				rep.Errors = append(rep.Errors, fmt.Sprintf("%s: read existing: %v", id, err))
				continue
			}
			if existing != nil && existing.TrainEligible {
				rep.SkippedExisting++
				continue
			}
		}

		links, err := b.outcomes.ListAttributionLinks(ctx, snapshotID)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: attribution links: %v", id, err))
			continue
		}

		sample := b.assemble(snap, obs, tv, links, opts)
		if err := b.samples.Upsert(ctx, sample); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: upsert: %v", id, err))
			continue
		}

		rep.Built++
		if sample.TrainEligible {
			rep.Eligible++
		} else {
			rep.Ineligible++
		}
		if b.metrics != nil {
			b.metrics.SamplesBuilt.WithLabelValues(fmt.Sprintf("%t", sample.TrainEligible)).Inc()
		}
	}

	log.Debug().
		Str("component", "dataset").
		Str("snapshot_id", snapshotID).
		Int("built", rep.Built).
		Int("eligible", rep.Eligible).
		Msg("dataset build for snapshot complete")
	return rep, nil
}

// assemble builds one sample and applies the gates. Hard gates: a trend
// validation must exist and carry a label for the sample's horizon, and at
// least one attribution link must cover the snapshot. Soft gate: CRITICAL
// drift excludes the sample unless explicitly included.
func (b *Builder) assemble(snap *domain.OutcomeSnapshot, obs *domain.OutcomeObservation, tv *domain.TrendValidation, links []*domain.AttributionLink, opts Options) *domain.LearningSample {
	quality := domain.SampleQuality{
		HardGatesPassed: true,
		DriftLevel:      snap.DriftLevel,
	}

	var label domain.TrendLabel
	switch {
	case tv == nil:
		quality.HardGatesPassed = false
		quality.Reasons = append(quality.Reasons, ReasonNoTrendValidation)
	default:
		var ok bool
		label, ok = tv.Labels[obs.Horizon]
		if !ok {
			quality.HardGatesPassed = false
			quality.Reasons = append(quality.Reasons, ReasonNoHorizonTrend)
		}
	}

	if !hasLink(links, obs.Horizon) {
		quality.HardGatesPassed = false
		quality.Reasons = append(quality.Reasons, ReasonNoAttributionLink)
	}

	eligible := quality.HardGatesPassed
	if snap.DriftLevel == domain.DriftCritical && !opts.IncludeCriticalDrift {
		eligible = false
		quality.Reasons = append(quality.Reasons, ReasonCriticalDrift)
	}

	return &domain.LearningSample{
		SampleID:   domain.SampleID(snap.SnapshotID, obs.Horizon),
		SnapshotID: snap.SnapshotID,
		Horizon:    obs.Horizon,
		Features: map[string]float64{
			"composite":      snap.Composite,
			"decision_price": snap.PriceUSD,
			"realized_pct":   obs.RealizedPct,
			"bucket_buy":     boolFeature(snap.Bucket == domain.BucketBuy),
			"bucket_sell":    boolFeature(snap.Bucket == domain.BucketSell),
		},
		Label:         label,
		Quality:       quality,
		TrainEligible: eligible,
		BuiltAt:       b.now().UTC(),
	}
}

func hasLink(links []*domain.AttributionLink, horizon domain.Horizon) bool {
	for _, l := range links {
		if l.Horizon == horizon && len(l.SignalKeys) > 0 {
			return true
		}
	}
	return false
}

func boolFeature(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
