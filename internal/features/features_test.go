package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corridorlab/corridorscope/internal/domain"
)

var testRoles = map[string]domain.ActorType{
	"binance":    domain.ActorExchange,
	"wintermute": domain.ActorMarketMaker,
}

func roleLookup(id string) (domain.ActorType, bool) {
	t, ok := testRoles[id]
	return t, ok
}

func strongTransfer(from, to string, usd float64, ts time.Time) domain.Transfer {
	return domain.Transfer{
		From:            from,
		To:              to,
		FromActor:       from,
		ToActor:         to,
		FromAttribution: domain.AttributionVerified,
		ToAttribution:   domain.AttributionAttributed,
		AmountUSD:       usd,
		Timestamp:       ts,
	}
}

func TestBuildActorFeatures(t *testing.T) {
	ts := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	transfers := []domain.Transfer{
		strongTransfer("binance", "wintermute", 300_000, ts),
		strongTransfer("binance", "trader-a", 50, ts),
		strongTransfer("trader-a", "binance", 100_000, ts),
	}

	out := BuildActorFeatures("ethereum", ts, transfers, roleLookup)
	require.Len(t, out, 3)

	// Output is sorted by actor id.
	assert.Equal(t, "binance", out[0].ActorID)
	assert.Equal(t, "trader-a", out[1].ActorID)
	assert.Equal(t, "wintermute", out[2].ActorID)

	binance := out[0]
	assert.Equal(t, domain.ActorExchange, binance.Type)
	assert.InDelta(t, 300_050, binance.OutflowUSD, 1e-6)
	assert.InDelta(t, 100_000, binance.InflowUSD, 1e-6)
	assert.InDelta(t, -200_050, binance.NetFlowUSD, 1e-6)
	assert.Equal(t, 3, binance.TxCount)
	assert.Equal(t, 2, binance.FanOut)
	assert.Equal(t, 1, binance.FanIn)
	assert.Equal(t, 2, binance.UniqueCtparts)

	// One of three tx clears the whale floor; one is dust.
	assert.Positive(t, binance.WhaleScore)
	assert.InDelta(t, 1.0/3.0, binance.NoiseScore, 1e-9)

	// Unattributed role falls back to trader.
	assert.Equal(t, domain.ActorTrader, out[1].Type)
}

func TestBuildActorFeatures_WeakAttributionIgnored(t *testing.T) {
	ts := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	weak := strongTransfer("binance", "mystery", 1_000_000, ts)
	weak.ToAttribution = domain.AttributionWeak

	out := BuildActorFeatures("ethereum", ts, []domain.Transfer{weak}, roleLookup)
	require.Len(t, out, 1)
	assert.Equal(t, "binance", out[0].ActorID)
	// The weak endpoint contributes no counterparty.
	assert.Zero(t, out[0].FanOut)
	assert.Zero(t, out[0].UniqueCtparts)
}

func TestShannonEntropy(t *testing.T) {
	assert.Zero(t, shannonEntropy(nil))
	assert.Zero(t, shannonEntropy(map[string]float64{"a": 100}))
	assert.InDelta(t, 1.0, shannonEntropy(map[string]float64{"a": 50, "b": 50}), 1e-9)

	skewed := shannonEntropy(map[string]float64{"a": 99, "b": 1})
	assert.Greater(t, skewed, 0.0)
	assert.Less(t, skewed, 0.5)
}

func TestFlowWindowPressure(t *testing.T) {
	assert.Zero(t, FlowWindow{}.Pressure())
	assert.InDelta(t, 1.0, FlowWindow{InUSD: 100}.Pressure(), 1e-9)
	assert.InDelta(t, -1.0, FlowWindow{OutUSD: 100}.Pressure(), 1e-9)
	assert.InDelta(t, 0.5, FlowWindow{InUSD: 75, OutUSD: 25}.Pressure(), 1e-9)
}

func TestBuildMarketFeatures(t *testing.T) {
	ts := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		flow5m    FlowWindow
		flow1h    FlowWindow
		wantSpike SpikeLevel
		wantZone  PressureZone
	}{
		{
			name:      "steady accumulation",
			flow5m:    FlowWindow{InUSD: 60, OutUSD: 40},
			flow1h:    FlowWindow{InUSD: 60, OutUSD: 40},
			wantSpike: SpikeNone,
			wantZone:  ZoneAccumulation,
		},
		{
			name:      "medium spike against the hour",
			flow5m:    FlowWindow{InUSD: 60, OutUSD: 40},
			flow1h:    FlowWindow{InUSD: 50, OutUSD: 50},
			wantSpike: SpikeMedium,
			wantZone:  ZoneNeutral,
		},
		{
			name:      "high spike on a flip",
			flow5m:    FlowWindow{InUSD: 80, OutUSD: 20},
			flow1h:    FlowWindow{InUSD: 30, OutUSD: 70},
			wantSpike: SpikeHigh,
			wantZone:  ZoneDistribution,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := BuildMarketFeatures(MarketInput{
				Network:         "ethereum",
				BucketTimestamp: ts,
				Flow5m:          tt.flow5m,
				Flow1h:          tt.flow1h,
			})
			assert.Equal(t, tt.wantSpike, f.SpikeLevel)
			assert.Equal(t, tt.wantZone, f.Zone)
		})
	}
}

func TestBuildMarketFeatures_ZonePersistenceAndDecay(t *testing.T) {
	ts := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	f := BuildMarketFeatures(MarketInput{
		Network:            "ethereum",
		BucketTimestamp:    ts,
		Flow1h:             FlowWindow{InUSD: 70, OutUSD: 30},
		ZoneEnteredAt:      ts.Add(-3 * 24 * time.Hour),
		ConsecutiveBuckets: 144,
	})
	// 144 of 288 daily buckets held the zone.
	assert.InDelta(t, 0.5, f.ZonePersistence, 1e-9)
	// Three days at a three-day half-life.
	assert.InDelta(t, 0.5, f.ZoneDecay, 1e-9)

	saturated := BuildMarketFeatures(MarketInput{BucketTimestamp: ts, ConsecutiveBuckets: 1000})
	assert.InDelta(t, 1.0, saturated.ZonePersistence, 1e-9)
	assert.InDelta(t, 1.0, saturated.ZoneDecay, 1e-9, "no zone history means no decay")
}

func TestExchangeFlow(t *testing.T) {
	ts := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	transfers := []domain.Transfer{
		strongTransfer("trader-a", "binance", 100, ts),
		strongTransfer("binance", "trader-b", 40, ts),
		strongTransfer("trader-a", "trader-b", 1000, ts),
	}

	fw := ExchangeFlow(transfers, roleLookup)
	assert.InDelta(t, 100, fw.InUSD, 1e-9)
	assert.InDelta(t, 40, fw.OutUSD, 1e-9)

	assert.Zero(t, ExchangeFlow(transfers, nil))
}

func TestBuildCorridorFeatures(t *testing.T) {
	ts := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	key := CorridorKey{FromType: domain.ActorFund, ToType: domain.ActorExchange, Direction: "in"}

	in := CorridorInput{
		Key:             key,
		Network:         "ethereum",
		BucketTimestamp: ts,
		Transfers: []domain.Transfer{
			strongTransfer("fund-a", "binance", 1000, ts),
			strongTransfer("fund-a", "binance", 500, ts),
			strongTransfer("fund-b", "binance", 500, ts),
		},
		DailyCounts: []int{0, 1, 2, 3},
		KnownActors: map[string]struct{}{"fund-a": {}},
		RepeatPairs: 1,
		TotalPairs:  2,
	}

	f := BuildCorridorFeatures(in)
	assert.Equal(t, 3, f.TransferCount)
	assert.InDelta(t, 2000, f.TotalUSD, 1e-9)
	assert.InDelta(t, 2000, f.NetFlowUSD, 1e-9)

	// Three of four lookback days were active.
	assert.InDelta(t, 0.75, f.Persistence, 1e-9)
	// Daily counts 0,1,2,3 have unit slope.
	assert.InDelta(t, 1.0, f.NetFlowSlope, 1e-9)
	assert.InDelta(t, 0.5, f.RepeatRate, 1e-9)
	// fund-b is new among the two senders.
	assert.InDelta(t, 0.5, f.NewActorRate, 1e-9)
	// fund-a sent 1500 of 2000.
	assert.InDelta(t, 0.75, f.TopActorShare, 1e-9)

	assert.Greater(t, f.QualityScore, 0.0)
	assert.LessOrEqual(t, f.QualityScore, 1.0)

	// Outbound direction flips the net flow sign.
	in.Key.Direction = "out"
	out := BuildCorridorFeatures(in)
	assert.InDelta(t, -2000, out.NetFlowUSD, 1e-9)
}

func TestRegressionSlope(t *testing.T) {
	assert.Zero(t, regressionSlope(nil))
	assert.Zero(t, regressionSlope([]int{5}))
	assert.Zero(t, regressionSlope([]int{4, 4, 4}))
	assert.InDelta(t, -2.0, regressionSlope([]int{6, 4, 2}), 1e-9)
}

func TestCorridorKeyString(t *testing.T) {
	key := CorridorKey{FromType: domain.ActorFund, ToType: domain.ActorExchange, Direction: "in"}
	assert.Equal(t, "fund->exchange:in", key.String())
}
