// Package snapshot materializes immutable windowed actor/edge projections
// from the append-only transfer log.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/persistence"
)

// ErrSnapshotUnavailable is returned when the transfer store cannot be
// reached; no partial snapshot is ever published.
var ErrSnapshotUnavailable = errors.New("snapshot: transfer store unavailable")

// Attribution confidence grades feeding edge confidence.
const (
	confVerified   = 1.0
	confAttributed = 0.7
	confWeak       = 0.3
)

// Normalization anchors for edge weight.
const (
	evidenceNormCeiling  = 50
	magnitudeNormCeiling = 10_000_000 // $10M
)

// Trend band: tx-count changes within ±10% of previous count stay "stable".
const trendBand = 0.10

// ActorProfile is the directory view of a known actor.
type ActorProfile struct {
	Type             domain.ActorType `yaml:"type" json:"type"`
	EntityID         string           `yaml:"entity_id" json:"entity_id,omitempty"`
	OwnerID          string           `yaml:"owner_id" json:"owner_id,omitempty"`
	CommunityID      string           `yaml:"community_id" json:"community_id,omitempty"`
	InfrastructureID string           `yaml:"infrastructure_id" json:"infrastructure_id,omitempty"`
}

// Directory resolves actor ids to attributed profiles.
type Directory interface {
	Lookup(actorID string) (ActorProfile, bool)
}

// StaticDirectory is a map-backed Directory, typically loaded from config.
type StaticDirectory map[string]ActorProfile

// Lookup implements Directory.
func (d StaticDirectory) Lookup(actorID string) (ActorProfile, bool) {
	p, ok := d[actorID]
	return p, ok
}

// Builder aggregates transfers into window snapshots.
type Builder struct {
	transfers persistence.TransferSource
	snapshots persistence.SnapshotStore
	directory Directory
	network   string
	now       func() time.Time
}

// NewBuilder creates a snapshot builder over the given stores.
func NewBuilder(transfers persistence.TransferSource, snapshots persistence.SnapshotStore, directory Directory, network string) *Builder {
	return &Builder{
		transfers: transfers,
		snapshots: snapshots,
		directory: directory,
		network:   network,
		now:       time.Now,
	}
}

// SetClock overrides the time source, used by tests and replays.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// Build materializes the snapshot for a window, publishes it to the snapshot
// store and returns it. Identical transfer input yields an identical
// snapshot id across runs.
func (b *Builder) Build(ctx context.Context, window domain.Window) (*domain.Snapshot, error) {
	now := b.now().UTC()
	tr := persistence.TimeRange{From: now.Add(-window.Duration()), To: now}

	transfers, err := b.transfers.List(ctx, b.network, tr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	prev, err := b.snapshots.GetLatest(ctx, window)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	snap := b.assemble(window, now, tr, transfers, prev)
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: snapshot invariant: %v", domain.ErrFatal, err)
	}

	if err := b.snapshots.Put(ctx, snap); err != nil {
		return nil, fmt.Errorf("publish snapshot: %w", err)
	}

	log.Info().
		Str("component", "snapshot").
		Str("window", string(window)).
		Str("snapshot_id", snap.SnapshotID).
		Int("actors", len(snap.Actors)).
		Int("edges", len(snap.Edges)).
		Float64("coverage_pct", snap.Coverage.ActorsCoveragePct).
		Msg("snapshot built")

	return snap, nil
}

type actorAccum struct {
	profile        ActorProfile
	inflowUSD      float64
	outflowUSD     float64
	txCount        int
	counterparties map[string]struct{}
	coveredTx      int
}

type edgeAccum struct {
	a, b       string
	bridge     bool
	evidence   int
	totalUSD   float64
	netUSD     float64 // signed a→b
	confSum    float64
	timestamps []time.Time
}

// assemble is the pure aggregation core; it touches no stores.
func (b *Builder) assemble(window domain.Window, now time.Time, tr persistence.TimeRange, transfers []domain.Transfer, prev *domain.Snapshot) *domain.Snapshot {
	actors := make(map[string]*actorAccum)
	edges := make(map[string]*edgeAccum)

	covered := 0
	totalUSD := 0.0

	getActor := func(id string) *actorAccum {
		acc, ok := actors[id]
		if !ok {
			acc = &actorAccum{counterparties: make(map[string]struct{})}
			if b.directory != nil {
				acc.profile, _ = b.directory.Lookup(id)
			}
			if acc.profile.Type == "" {
				acc.profile.Type = domain.ActorTrader
			}
			actors[id] = acc
		}
		return acc
	}

	for _, t := range transfers {
		fromStrong := t.FromAttribution.Strong() && t.FromActor != ""
		toStrong := t.ToAttribution.Strong() && t.ToActor != ""
		if fromStrong && toStrong {
			covered++
		}
		totalUSD += t.AmountUSD

		if fromStrong {
			acc := getActor(t.FromActor)
			acc.outflowUSD += t.AmountUSD
			acc.txCount++
			if toStrong {
				acc.counterparties[t.ToActor] = struct{}{}
				acc.coveredTx++
			}
		}
		if toStrong {
			acc := getActor(t.ToActor)
			acc.inflowUSD += t.AmountUSD
			acc.txCount++
			if fromStrong {
				acc.counterparties[t.FromActor] = struct{}{}
				acc.coveredTx++
			}
		}

		if fromStrong && toStrong && t.FromActor != t.ToActor {
			id := domain.EdgeID(t.FromActor, t.ToActor)
			e, ok := edges[id]
			if !ok {
				a, bb := t.FromActor, t.ToActor
				if bb < a {
					a, bb = bb, a
				}
				e = &edgeAccum{a: a, b: bb}
				edges[id] = e
			}
			e.evidence++
			e.totalUSD += t.AmountUSD
			if t.FromActor == e.a {
				e.netUSD += t.AmountUSD
			} else {
				e.netUSD -= t.AmountUSD
			}
			e.confSum += (attributionConfidence(t.FromAttribution) + attributionConfidence(t.ToAttribution)) / 2
			e.bridge = e.bridge || t.Bridge
			e.timestamps = append(e.timestamps, t.Timestamp)
		}
	}

	snap := &domain.Snapshot{
		Window:  window,
		Network: b.network,
		BuiltAt: now,
		From:    tr.From,
		To:      tr.To,
	}

	for id, acc := range actors {
		as := domain.ActorSnapshot{
			ActorID:           id,
			Type:              acc.profile.Type,
			InflowUSD:         acc.inflowUSD,
			OutflowUSD:        acc.outflowUSD,
			NetFlowUSD:        acc.inflowUSD - acc.outflowUSD,
			TxCount:           acc.txCount,
			CounterpartyCount: len(acc.counterparties),
			EntityID:          acc.profile.EntityID,
			OwnerID:           acc.profile.OwnerID,
			CommunityID:       acc.profile.CommunityID,
			InfrastructureID:  acc.profile.InfrastructureID,
		}
		if totalUSD > 0 {
			as.FlowShare = (acc.inflowUSD + acc.outflowUSD) / (2 * totalUSD)
		}
		if acc.txCount > 0 {
			as.Coverage = float64(acc.coveredTx) / float64(acc.txCount)
		}
		as.ParticipationTrend = participationTrend(prev, id, acc.txCount)
		snap.Actors = append(snap.Actors, as)
	}
	sort.Slice(snap.Actors, func(i, j int) bool { return snap.Actors[i].ActorID < snap.Actors[j].ActorID })

	for id, e := range edges {
		es := domain.EdgeSnapshot{
			EdgeID:        id,
			ActorA:        e.a,
			ActorB:        e.b,
			EdgeType:      domain.EdgeTransfer,
			EvidenceCount: e.evidence,
			TotalUSD:      e.totalUSD,
			NetUSD:        e.netUSD,
			Weight:        edgeWeight(e.evidence, e.totalUSD),
			Confidence:    e.confSum / float64(e.evidence),
			TemporalSync:  temporalSync(e.timestamps),
		}
		if e.bridge {
			es.EdgeType = domain.EdgeBridge
		}
		snap.Edges = append(snap.Edges, es)
	}
	sort.Slice(snap.Edges, func(i, j int) bool { return snap.Edges[i].EdgeID < snap.Edges[j].EdgeID })

	snap.Coverage = domain.Coverage{
		TransfersTotal:   len(transfers),
		TransfersCovered: covered,
	}
	if len(transfers) > 0 {
		snap.Coverage.ActorsCoveragePct = 100 * float64(covered) / float64(len(transfers))
	}

	snap.SnapshotID = contentID(window, transfers)
	return snap
}

// participationTrend compares the actor's tx count against the previous
// comparable snapshot. Unknown actors and missing previous snapshots read as
// stable.
func participationTrend(prev *domain.Snapshot, actorID string, txCount int) domain.ParticipationTrend {
	if prev == nil {
		return domain.TrendStable
	}
	pa := prev.Actor(actorID)
	if pa == nil || pa.TxCount == 0 {
		return domain.TrendStable
	}
	delta := float64(txCount-pa.TxCount) / float64(pa.TxCount)
	switch {
	case delta > trendBand:
		return domain.TrendIncreasing
	case delta < -trendBand:
		return domain.TrendDecreasing
	default:
		return domain.TrendStable
	}
}

func attributionConfidence(level domain.AttributionLevel) float64 {
	switch level {
	case domain.AttributionVerified:
		return confVerified
	case domain.AttributionAttributed:
		return confAttributed
	default:
		return confWeak
	}
}

// edgeWeight combines observation density and dollar magnitude into [0,1].
func edgeWeight(evidence int, totalUSD float64) float64 {
	evidenceNorm := math.Min(1, float64(evidence)/evidenceNormCeiling)
	magnitudeNorm := math.Min(1, totalUSD/magnitudeNormCeiling)
	return clamp01(0.6*evidenceNorm + 0.4*magnitudeNorm)
}

// temporalSync measures how tightly the edge's transfers cluster in time:
// the share of transfers that land in a 10-minute bucket containing at least
// one other transfer.
func temporalSync(timestamps []time.Time) float64 {
	if len(timestamps) < 2 {
		return 0
	}
	buckets := make(map[int64]int)
	for _, ts := range timestamps {
		buckets[ts.Unix()/600]++
	}
	synced := 0
	for _, n := range buckets {
		if n >= 2 {
			synced += n
		}
	}
	return float64(synced) / float64(len(timestamps))
}

// contentID hashes the window plus the sorted transfer identities, so two
// builds over the same input produce the same snapshot id.
func contentID(window domain.Window, transfers []domain.Transfer) string {
	ids := make([]string, 0, len(transfers))
	for _, t := range transfers {
		ids = append(ids, t.ID())
	}
	sort.Strings(ids)
	h := sha256.New()
	h.Write([]byte(string(window)))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
