// Package outcome closes the loop on ranking decisions: it anchors each
// decision in an immutable outcome snapshot, then resolves it against
// realized prices at fixed horizons and records trend validations and
// attribution links for the dataset builder.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/persistence"
)

// FlatBandPct is the realized-move band treated as "flat". Moves within
// ±2% resolve inconclusive rather than confirming or rejecting.
const FlatBandPct = 2.0

// PriceProvider returns the current USD price of an entity.
type PriceProvider interface {
	PriceUSD(ctx context.Context, entityAddr string, chainID int64) (float64, error)
}

// ResolveReport summarizes one resolution pass.
type ResolveReport struct {
	Resolved  int      `json:"resolved"`
	Confirmed int      `json:"confirmed"`
	Rejected  int      `json:"rejected"`
	Skipped   int      `json:"skipped"`
	Relinked  int      `json:"relinked"`
	Errors    []string `json:"errors,omitempty"`
}

// Tracker records decisions and resolves them when their horizons mature.
type Tracker struct {
	outcomes persistence.OutcomeStore
	signals  persistence.SignalStore
	prices   PriceProvider
	now      func() time.Time
}

// NewTracker wires the tracker.
func NewTracker(outcomes persistence.OutcomeStore, signals persistence.SignalStore, prices PriceProvider) *Tracker {
	return &Tracker{outcomes: outcomes, signals: signals, prices: prices, now: time.Now}
}

// SetClock overrides the time source, used by tests.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// RecordDecision anchors one ranking decision. The snapshot is immutable;
// later drift or config changes never rewrite it.
func (t *Tracker) RecordDecision(ctx context.Context, r *domain.Ranking, driftLevel string) (*domain.OutcomeSnapshot, error) {
	price, err := t.prices.PriceUSD(ctx, r.EntityAddr, r.ChainID)
	if err != nil {
		return nil, fmt.Errorf("decision price: %w", err)
	}
	snap := &domain.OutcomeSnapshot{
		SnapshotID: uuid.NewString(),
		EntityAddr: r.EntityAddr,
		ChainID:    r.ChainID,
		Bucket:     r.Bucket,
		Composite:  r.Composite,
		PriceUSD:   price,
		DecidedAt:  t.now().UTC(),
		DriftLevel: driftLevel,
	}
	if err := t.outcomes.PutSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("put outcome snapshot: %w", err)
	}
	return snap, nil
}

// ResolveDue resolves every outcome snapshot whose horizon deadline has
// passed without an observation. Per-snapshot failures are reported, not
// fatal; the next pass retries them.
func (t *Tracker) ResolveDue(ctx context.Context, horizon domain.Horizon) (ResolveReport, error) {
	var rep ResolveReport

	asOf := t.now().UTC()
	pending, err := t.outcomes.FindPendingForOutcome(ctx, horizon, asOf)
	if err != nil {
		return rep, fmt.Errorf("find pending outcomes: %w", err)
	}

	for _, snap := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		obs, err := t.resolveOne(ctx, snap, horizon)
		if err != nil {
			rep.Skipped++
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s/%s: %v", snap.SnapshotID, horizon, err))
			continue
		}
		rep.Resolved++
		switch obs.Verdict {
		case domain.VerdictConfirmed:
			rep.Confirmed++
		case domain.VerdictRejected:
			rep.Rejected++
		}
	}

	if err := t.relinkUnattributed(ctx, horizon, &rep); err != nil {
		return rep, err
	}

	log.Info().
		Str("component", "outcome").
		Str("horizon", string(horizon)).
		Int("resolved", rep.Resolved).
		Int("confirmed", rep.Confirmed).
		Int("rejected", rep.Rejected).
		Int("skipped", rep.Skipped).
		Int("relinked", rep.Relinked).
		Msg("outcome resolution pass complete")
	return rep, nil
}

// relinkBatchSize bounds how many recent snapshots one resolution pass
// revisits for missing attribution links.
const relinkBatchSize = 500

// relinkUnattributed retries attribution for snapshots already observed at
// this horizon but still unlinked. A signal that goes live for the entity
// after resolution can then attribute the outcome, and the dataset builder
// upgrades the sample on its next incremental pass.
func (t *Tracker) relinkUnattributed(ctx context.Context, horizon domain.Horizon, rep *ResolveReport) error {
	snaps, err := t.outcomes.ListSnapshots(ctx, relinkBatchSize)
	if err != nil {
		return fmt.Errorf("list snapshots for relink: %w", err)
	}
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		observed, linked, err := t.linkState(ctx, snap.SnapshotID, horizon)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s/%s: relink: %v", snap.SnapshotID, horizon, err))
			continue
		}
		if !observed || linked {
			continue
		}
		wrote, err := t.linkAttribution(ctx, snap, horizon)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s/%s: relink: %v", snap.SnapshotID, horizon, err))
			continue
		}
		if wrote {
			rep.Relinked++
		}
	}
	return nil
}

// linkState reports whether a snapshot has an observation and an
// attribution link for the horizon.
func (t *Tracker) linkState(ctx context.Context, snapshotID string, horizon domain.Horizon) (observed, linked bool, err error) {
	obs, err := t.outcomes.ListObservations(ctx, snapshotID)
	if err != nil {
		return false, false, fmt.Errorf("list observations: %w", err)
	}
	for _, o := range obs {
		if o.Horizon == horizon {
			observed = true
			break
		}
	}
	if !observed {
		return false, false, nil
	}

	links, err := t.outcomes.ListAttributionLinks(ctx, snapshotID)
	if err != nil {
		return true, false, fmt.Errorf("list attribution links: %w", err)
	}
	for _, l := range links {
		if l.Horizon == horizon {
			linked = true
			break
		}
	}
	return observed, linked, nil
}

func (t *Tracker) resolveOne(ctx context.Context, snap *domain.OutcomeSnapshot, horizon domain.Horizon) (*domain.OutcomeObservation, error) {
	price, err := t.prices.PriceUSD(ctx, snap.EntityAddr, snap.ChainID)
	if err != nil {
		return nil, fmt.Errorf("realized price: %w", err)
	}
	if snap.PriceUSD <= 0 {
		return nil, fmt.Errorf("decision price %.4f not usable", snap.PriceUSD)
	}

	realizedPct := (price - snap.PriceUSD) / snap.PriceUSD * 100
	trend := Classify(realizedPct)
	obs := &domain.OutcomeObservation{
		SnapshotID:    snap.SnapshotID,
		Horizon:       horizon,
		Verdict:       verdict(snap.Bucket, trend),
		RealizedPct:   realizedPct,
		ObservedPrice: price,
		ResolvedAt:    t.now().UTC(),
	}
	if err := t.outcomes.PutObservation(ctx, obs); err != nil {
		return nil, fmt.Errorf("put observation: %w", err)
	}

	if err := t.mergeTrendValidation(ctx, snap.SnapshotID, horizon, trend); err != nil {
		return nil, err
	}
	if _, err := t.linkAttribution(ctx, snap, horizon); err != nil {
		return nil, err
	}
	return obs, nil
}

// mergeTrendValidation updates the per-snapshot trend validation with the
// label for one horizon, preserving labels already assigned for others.
func (t *Tracker) mergeTrendValidation(ctx context.Context, snapshotID string, horizon domain.Horizon, trend domain.TrendLabel) error {
	tv, err := t.outcomes.GetTrendValidation(ctx, snapshotID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("get trend validation: %w", err)
		}
		tv = &domain.TrendValidation{
			SnapshotID: snapshotID,
			Labels:     make(map[domain.Horizon]domain.TrendLabel),
		}
	}
	if tv.Labels == nil {
		tv.Labels = make(map[domain.Horizon]domain.TrendLabel)
	}
	tv.Labels[horizon] = trend
	tv.ValidatedAt = t.now().UTC()
	if err := t.outcomes.PutTrendValidation(ctx, tv); err != nil {
		return fmt.Errorf("put trend validation: %w", err)
	}
	return nil
}

// linkAttribution joins the outcome to the signals currently live for the
// entity. No live signals means no link yet; later passes retry through
// relinkUnattributed. Reports whether a link was written.
func (t *Tracker) linkAttribution(ctx context.Context, snap *domain.OutcomeSnapshot, horizon domain.Horizon) (bool, error) {
	live, err := t.signals.List(ctx, domain.StateActive, 1000)
	if err != nil {
		return false, fmt.Errorf("list signals for attribution: %w", err)
	}
	var keys []string
	for _, sig := range live {
		if touchesEntity(sig, snap.EntityAddr) {
			keys = append(keys, string(sig.Key))
		}
	}
	if len(keys) == 0 {
		return false, nil
	}
	link := &domain.AttributionLink{
		SnapshotID: snap.SnapshotID,
		Horizon:    horizon,
		SignalKeys: keys,
		LinkedAt:   t.now().UTC(),
	}
	if err := t.outcomes.PutAttributionLink(ctx, link); err != nil {
		return false, fmt.Errorf("put attribution link: %w", err)
	}
	return true, nil
}

// Classify maps a realized percentage move to a trend label using the flat
// band.
func Classify(realizedPct float64) domain.TrendLabel {
	switch {
	case math.Abs(realizedPct) <= FlatBandPct:
		return domain.TrendFlat
	case realizedPct > 0:
		return domain.TrendUp
	default:
		return domain.TrendDown
	}
}

// verdict grades the decision bucket against the realized trend. WATCH is a
// non-prediction and always resolves inconclusive; a flat move resolves
// inconclusive for every bucket.
func verdict(bucket domain.Bucket, trend domain.TrendLabel) domain.Verdict {
	if trend == domain.TrendFlat || bucket == domain.BucketWatch {
		return domain.VerdictInconclusive
	}
	switch bucket {
	case domain.BucketBuy:
		if trend == domain.TrendUp {
			return domain.VerdictConfirmed
		}
		return domain.VerdictRejected
	case domain.BucketSell:
		if trend == domain.TrendDown {
			return domain.VerdictConfirmed
		}
		return domain.VerdictRejected
	default:
		return domain.VerdictInconclusive
	}
}

func touchesEntity(sig *domain.Signal, entityAddr string) bool {
	for _, p := range sig.Primary {
		if strings.EqualFold(p, entityAddr) {
			return true
		}
	}
	return false
}
