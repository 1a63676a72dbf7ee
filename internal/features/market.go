package features

import (
	"math"
	"time"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// MarketBucket is the aggregation interval for market features.
const MarketBucket = 5 * time.Minute

// Spike thresholds on |pressure_5m − pressure_1h|.
const (
	SpikeMediumThreshold = 0.15
	SpikeHighThreshold   = 0.30
)

// ZoneHalfLifeDays controls the exponential decay of zone persistence.
const ZoneHalfLifeDays = 3.0

// PressureZone classifies the prevailing CEX flow direction.
type PressureZone string

const (
	ZoneAccumulation PressureZone = "accumulation"
	ZoneDistribution PressureZone = "distribution"
	ZoneNeutral      PressureZone = "neutral"
)

// SpikeLevel grades a detected pressure spike.
type SpikeLevel string

const (
	SpikeNone   SpikeLevel = "none"
	SpikeMedium SpikeLevel = "medium"
	SpikeHigh   SpikeLevel = "high"
)

// MarketFeatures is the 5-minute market feature vector for one network.
type MarketFeatures struct {
	Network         string    `json:"network"`
	BucketTimestamp time.Time `json:"bucket_ts"`

	// Pressure is (in−out)/(in+out) over exchange-touching flow; positive
	// means net inflow to exchanges.
	Pressure5m float64 `json:"pressure_5m"`
	Pressure1h float64 `json:"pressure_1h"`
	Pressure1d float64 `json:"pressure_1d"`

	SpikeLevel      SpikeLevel   `json:"spike_level"`
	Zone            PressureZone `json:"zone"`
	ZonePersistence float64      `json:"zone_persistence"`
	ZoneDecay       float64      `json:"zone_decay"`
}

// FlowWindow is one pre-aggregated exchange in/out pair.
type FlowWindow struct {
	InUSD  float64 `json:"in_usd"`
	OutUSD float64 `json:"out_usd"`
}

// Pressure returns (in−out)/(in+out), or 0 for an empty window.
func (f FlowWindow) Pressure() float64 {
	total := f.InUSD + f.OutUSD
	if total <= 0 {
		return 0
	}
	return (f.InUSD - f.OutUSD) / total
}

// MarketInput carries the three pressure windows plus zone history needed
// for one bucket's market features.
type MarketInput struct {
	Network         string
	BucketTimestamp time.Time
	Flow5m          FlowWindow
	Flow1h          FlowWindow
	Flow1d          FlowWindow

	// ZoneEnteredAt is when the current zone was first observed; zero when
	// no zone history exists.
	ZoneEnteredAt time.Time

	// ConsecutiveBuckets is the number of buckets the zone has held.
	ConsecutiveBuckets int
}

// BuildMarketFeatures derives CEX pressure, spike detection and zone
// persistence for one bucket.
func BuildMarketFeatures(in MarketInput) MarketFeatures {
	f := MarketFeatures{
		Network:         in.Network,
		BucketTimestamp: in.BucketTimestamp,
		Pressure5m:      in.Flow5m.Pressure(),
		Pressure1h:      in.Flow1h.Pressure(),
		Pressure1d:      in.Flow1d.Pressure(),
	}

	f.SpikeLevel = detectSpike(f.Pressure5m, f.Pressure1h)
	f.Zone = classifyZone(f.Pressure1h)

	// Persistence saturates over a day of 5-minute buckets.
	f.ZonePersistence = math.Min(1, float64(in.ConsecutiveBuckets)/288.0)

	f.ZoneDecay = 1.0
	if !in.ZoneEnteredAt.IsZero() {
		days := in.BucketTimestamp.Sub(in.ZoneEnteredAt).Hours() / 24
		f.ZoneDecay = domain.DecayFactor(days, ZoneHalfLifeDays)
	}
	return f
}

func detectSpike(p5m, p1h float64) SpikeLevel {
	delta := math.Abs(p5m - p1h)
	switch {
	case delta >= SpikeHighThreshold:
		return SpikeHigh
	case delta >= SpikeMediumThreshold:
		return SpikeMedium
	default:
		return SpikeNone
	}
}

func classifyZone(pressure float64) PressureZone {
	switch {
	case pressure >= 0.1:
		return ZoneAccumulation
	case pressure <= -0.1:
		return ZoneDistribution
	default:
		return ZoneNeutral
	}
}

// ExchangeFlow sums exchange-touching flow from raw transfers, usable to
// feed FlowWindow when pre-aggregates are not available.
func ExchangeFlow(transfers []domain.Transfer, directory func(string) (domain.ActorType, bool)) FlowWindow {
	var fw FlowWindow
	isExchange := func(actor string) bool {
		if actor == "" || directory == nil {
			return false
		}
		t, ok := directory(actor)
		return ok && t == domain.ActorExchange
	}
	for _, t := range transfers {
		if isExchange(t.ToActor) {
			fw.InUSD += t.AmountUSD
		}
		if isExchange(t.FromActor) {
			fw.OutUSD += t.AmountUSD
		}
	}
	return fw
}
