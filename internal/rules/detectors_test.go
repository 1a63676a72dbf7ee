package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corridorlab/corridorscope/internal/domain"
)

func coveredActor(id string) domain.ActorSnapshot {
	return domain.ActorSnapshot{ActorID: id, Type: domain.ActorExchange, Coverage: 0.9}
}

func transferEdge(a, b string, evidence int, weight, confidence float64) domain.EdgeSnapshot {
	return domain.EdgeSnapshot{
		EdgeID:        domain.EdgeID(a, b),
		ActorA:        a,
		ActorB:        b,
		EdgeType:      domain.EdgeTransfer,
		EvidenceCount: evidence,
		Weight:        weight,
		Confidence:    confidence,
	}
}

func detectCtx(current, previous *domain.Snapshot) DetectContext {
	return DetectContext{
		Current:    current,
		Previous:   previous,
		Thresholds: DefaultThresholds(domain.Window24h),
		Window:     domain.Window24h,
	}
}

func TestNewCorridor_NoBaseline(t *testing.T) {
	d := &NewCorridorDetector{}
	cur := &domain.Snapshot{
		Actors: []domain.ActorSnapshot{coveredActor("a"), coveredActor("b")},
		Edges:  []domain.EdgeSnapshot{transferEdge("a", "b", 45, 0.8, 0.8)},
	}
	assert.Nil(t, d.Detect(detectCtx(cur, nil)))
}

func TestNewCorridor_SeverityGrading(t *testing.T) {
	d := &NewCorridorDetector{}
	cur := &domain.Snapshot{
		Actors: []domain.ActorSnapshot{
			coveredActor("a"), coveredActor("b"), coveredActor("c"),
			coveredActor("d"), coveredActor("e"), coveredActor("f"),
		},
		Edges: []domain.EdgeSnapshot{
			transferEdge("a", "b", 45, 0.8, 0.8), // high: dense and confident
			transferEdge("c", "d", 12, 0.6, 0.7), // medium
			transferEdge("e", "f", 10, 0.6, 0.7), // low: exactly at the density floor
		},
	}
	prev := &domain.Snapshot{
		Edges: []domain.EdgeSnapshot{transferEdge("x", "y", 20, 0.6, 0.7)},
	}

	got := d.Detect(detectCtx(cur, prev))
	require.Len(t, got, 3)

	bySeverity := map[domain.Severity]domain.SignalCandidate{}
	for _, c := range got {
		bySeverity[c.Severity] = c
		assert.Equal(t, domain.SignalNewCorridor, c.Type)
		assert.Equal(t, domain.ScopeCorridor, c.Scope)
		assert.NotEmpty(t, c.Key)
	}
	assert.Equal(t, []string{"a", "b"}, bySeverity[domain.SeverityHigh].Primary)
	assert.Equal(t, []string{"c", "d"}, bySeverity[domain.SeverityMedium].Primary)
	assert.Equal(t, []string{"e", "f"}, bySeverity[domain.SeverityLow].Primary)
}

func TestNewCorridor_Gates(t *testing.T) {
	d := &NewCorridorDetector{}
	prev := &domain.Snapshot{}

	tests := []struct {
		name string
		edge domain.EdgeSnapshot
	}{
		{"below density floor", transferEdge("a", "b", 9, 0.8, 0.8)},
		{"below weight floor", transferEdge("a", "b", 20, 0.4, 0.8)},
		{"below confidence floor", transferEdge("a", "b", 20, 0.8, 0.6)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := &domain.Snapshot{
				Actors: []domain.ActorSnapshot{coveredActor("a"), coveredActor("b")},
				Edges:  []domain.EdgeSnapshot{tt.edge},
			}
			assert.Empty(t, d.Detect(detectCtx(cur, prev)))
		})
	}
}

func TestNewCorridor_CoverageGate(t *testing.T) {
	d := &NewCorridorDetector{}
	cur := &domain.Snapshot{
		Actors: []domain.ActorSnapshot{
			{ActorID: "a", Coverage: 0.5},
			{ActorID: "b", Coverage: 0.5},
		},
		Edges: []domain.EdgeSnapshot{transferEdge("a", "b", 45, 0.8, 0.8)},
	}
	assert.Empty(t, d.Detect(detectCtx(cur, &domain.Snapshot{})))
}

func TestNewCorridor_ExistingEdgeIgnored(t *testing.T) {
	d := &NewCorridorDetector{}
	edge := transferEdge("a", "b", 45, 0.8, 0.8)
	cur := &domain.Snapshot{
		Actors: []domain.ActorSnapshot{coveredActor("a"), coveredActor("b")},
		Edges:  []domain.EdgeSnapshot{edge},
	}
	prev := &domain.Snapshot{Edges: []domain.EdgeSnapshot{edge}}
	assert.Empty(t, d.Detect(detectCtx(cur, prev)))
}

func TestDensitySpike(t *testing.T) {
	d := &DensitySpikeDetector{}

	tests := []struct {
		name         string
		prevEvidence int
		curEvidence  int
		wantCount    int
		wantSeverity domain.Severity
	}{
		{"three x over baseline", 10, 40, 1, domain.SeverityMedium},
		{"five x and dense", 10, 60, 1, domain.SeverityHigh},
		{"sharp but thin", 5, 29, 1, domain.SeverityMedium},
		{"below ratio floor", 10, 25, 0, ""},
		{"baseline too thin", 4, 40, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := &domain.Snapshot{
				Actors: []domain.ActorSnapshot{coveredActor("a"), coveredActor("b")},
				Edges:  []domain.EdgeSnapshot{transferEdge("a", "b", tt.curEvidence, 0.7, 0.8)},
			}
			prev := &domain.Snapshot{
				Edges: []domain.EdgeSnapshot{transferEdge("a", "b", tt.prevEvidence, 0.7, 0.8)},
			}

			got := d.Detect(detectCtx(cur, prev))
			require.Len(t, got, tt.wantCount)
			if tt.wantCount > 0 {
				c := got[0]
				assert.Equal(t, domain.SignalDensitySpike, c.Type)
				assert.Equal(t, tt.wantSeverity, c.Severity)
				assert.Equal(t, tt.prevEvidence, *c.Metrics.PrevDensity)
				assert.Equal(t, tt.curEvidence, *c.Metrics.Density)
			}
		})
	}
}

func TestDirectionImbalance(t *testing.T) {
	d := &DirectionImbalanceDetector{}

	tests := []struct {
		name         string
		inflow       float64
		outflow      float64
		coverage     float64
		wantCount    int
		wantSeverity domain.Severity
		wantTrend    string
	}{
		{"strong inflow", 5_000_000, 500_000, 0.9, 1, domain.SeverityHigh, "inflow"},
		{"strong outflow", 500_000, 5_000_000, 0.9, 1, domain.SeverityHigh, "outflow"},
		{"moderate imbalance", 1_700_000, 300_000, 0.9, 1, domain.SeverityMedium, "inflow"},
		{"balanced flow", 3_000_000, 2_900_000, 0.9, 0, "", ""},
		{"too small in total", 400_000, 100_000, 0.9, 0, "", ""},
		{"weak coverage", 5_000_000, 500_000, 0.3, 0, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := &domain.Snapshot{
				Actors: []domain.ActorSnapshot{{
					ActorID:    "whale",
					InflowUSD:  tt.inflow,
					OutflowUSD: tt.outflow,
					NetFlowUSD: tt.inflow - tt.outflow,
					TxCount:    40,
					Coverage:   tt.coverage,
				}},
			}

			got := d.Detect(detectCtx(cur, nil))
			require.Len(t, got, tt.wantCount)
			if tt.wantCount > 0 {
				c := got[0]
				assert.Equal(t, tt.wantSeverity, c.Severity)
				assert.Equal(t, tt.wantTrend, *c.Metrics.CurrTrend)
				assert.Equal(t, domain.ScopeActor, c.Scope)
			}
		})
	}
}

func TestActorRegimeChange(t *testing.T) {
	d := &ActorRegimeChangeDetector{}

	tests := []struct {
		name         string
		prevTrend    domain.ParticipationTrend
		curTrend     domain.ParticipationTrend
		wantCount    int
		wantSeverity domain.Severity
	}{
		{"stable to increasing", domain.TrendStable, domain.TrendIncreasing, 1, domain.SeverityMedium},
		{"stable to decreasing", domain.TrendStable, domain.TrendDecreasing, 1, domain.SeverityMedium},
		{"increasing to decreasing", domain.TrendIncreasing, domain.TrendDecreasing, 1, domain.SeverityHigh},
		{"decreasing to increasing unrecognized", domain.TrendDecreasing, domain.TrendIncreasing, 0, ""},
		{"unchanged", domain.TrendIncreasing, domain.TrendIncreasing, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := &domain.Snapshot{
				Actors: []domain.ActorSnapshot{{ActorID: "mm", Coverage: 0.9, ParticipationTrend: tt.curTrend}},
			}
			prev := &domain.Snapshot{
				Actors: []domain.ActorSnapshot{{ActorID: "mm", Coverage: 0.9, ParticipationTrend: tt.prevTrend}},
			}

			got := d.Detect(detectCtx(cur, prev))
			require.Len(t, got, tt.wantCount)
			if tt.wantCount > 0 {
				c := got[0]
				assert.Equal(t, domain.SignalActorRegimeChange, c.Type)
				assert.Equal(t, tt.wantSeverity, c.Severity)
				assert.Equal(t, string(tt.prevTrend), *c.Metrics.PrevTrend)
				assert.Equal(t, string(tt.curTrend), *c.Metrics.CurrTrend)
			}
		})
	}
}

func TestNewBridge(t *testing.T) {
	d := &NewBridgeDetector{}
	bridge := domain.EdgeSnapshot{
		EdgeID:        domain.EdgeID("arb-gw", "cex"),
		ActorA:        "arb-gw",
		ActorB:        "cex",
		EdgeType:      domain.EdgeBridge,
		EvidenceCount: 15,
		Weight:        0.6,
		TemporalSync:  0.8,
	}

	cur := &domain.Snapshot{
		Actors: []domain.ActorSnapshot{coveredActor("arb-gw"), coveredActor("cex")},
		Edges:  []domain.EdgeSnapshot{bridge},
	}

	got := d.Detect(detectCtx(cur, &domain.Snapshot{}))
	require.Len(t, got, 1)
	assert.Equal(t, domain.SignalNewBridge, got[0].Type)
	assert.Equal(t, domain.ScopeBridge, got[0].Scope)
	assert.Equal(t, domain.SeverityMedium, got[0].Severity)

	// Severity never exceeds medium even at extreme evidence.
	cur.Edges[0].EvidenceCount = 500
	got = d.Detect(detectCtx(cur, &domain.Snapshot{}))
	require.Len(t, got, 1)
	assert.Equal(t, domain.SeverityMedium, got[0].Severity)

	// Weak temporal sync does not qualify.
	cur.Edges[0].TemporalSync = 0.2
	assert.Empty(t, d.Detect(detectCtx(cur, &domain.Snapshot{})))

	// A pre-existing bridge edge is not new.
	cur.Edges[0].TemporalSync = 0.8
	prev := &domain.Snapshot{Edges: []domain.EdgeSnapshot{bridge}}
	assert.Empty(t, d.Detect(detectCtx(cur, prev)))
}

func TestDefaultThresholds_WindowOverrides(t *testing.T) {
	base := DefaultThresholds(domain.Window24h)
	hourly := DefaultThresholds(domain.Window1h)
	monthly := DefaultThresholds(domain.Window30d)

	assert.Less(t, hourly.MinDensity, base.MinDensity)
	assert.Less(t, hourly.MinNetFlowUSD, base.MinNetFlowUSD)
	assert.Greater(t, monthly.MinDensity, base.MinDensity)
	assert.Greater(t, monthly.MinPrevDensity, base.MinPrevDensity)
	assert.Equal(t, base.MaxSignalsPerRun, hourly.MaxSignalsPerRun)
}
