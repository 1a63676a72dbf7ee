package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchable(t *testing.T) {
	tests := []struct {
		name     string
		severity Severity
		label    ConfidenceLabel
		want     bool
	}{
		{"high severity high label", SeverityHigh, LabelHigh, true},
		{"high severity medium label", SeverityHigh, LabelMedium, true},
		{"high severity low label", SeverityHigh, LabelLow, false},
		{"high severity hidden", SeverityHigh, LabelHidden, false},
		{"medium severity high label", SeverityMedium, LabelHigh, false},
		{"low severity medium label", SeverityLow, LabelMedium, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := &Signal{Severity: tt.severity, Label: tt.label}
			assert.Equal(t, tt.want, sig.Dispatchable())
		})
	}
}

func TestMetricsKeys(t *testing.T) {
	assert.Empty(t, Metrics{}.Keys())

	density := 5
	ratio := 3.2
	net := -1_200_000.0
	m := Metrics{Density: &density, SpikeRatio: &ratio, NetFlowUSD: &net}
	assert.Equal(t, []string{"density", "spike_ratio", "net_flow_usd"}, m.Keys())
}

func TestEdgeID_Canonical(t *testing.T) {
	assert.Equal(t, EdgeID("a", "b"), EdgeID("b", "a"))
	assert.Equal(t, "alameda~binance", EdgeID("binance", "alameda"))
}

func TestLifecycleStateTerminal(t *testing.T) {
	assert.True(t, StateResolved.Terminal())
	assert.False(t, StateNew.Terminal())
	assert.False(t, StateActive.Terminal())
	assert.False(t, StateCooldown.Terminal())
}

func TestAttributionLevelStrong(t *testing.T) {
	assert.True(t, AttributionVerified.Strong())
	assert.True(t, AttributionAttributed.Strong())
	assert.False(t, AttributionWeak.Strong())
	assert.False(t, AttributionUnknown.Strong())
}

func TestSnapshotValidate(t *testing.T) {
	snap := &Snapshot{
		Window:   Window24h,
		Coverage: Coverage{ActorsCoveragePct: 82},
		Edges:    []EdgeSnapshot{{EdgeID: "a~b", Weight: 0.4, Confidence: 0.9, EvidenceCount: 3}},
	}
	assert.NoError(t, snap.Validate())

	snap.Edges[0].Weight = 1.5
	assert.Error(t, snap.Validate())

	snap.Edges[0].Weight = 0.4
	snap.Window = Window("2h")
	assert.Error(t, snap.Validate())
}
