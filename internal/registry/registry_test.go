package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corridorlab/corridorscope/internal/confidence"
	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/lifecycle"
	"github.com/corridorlab/corridorscope/internal/rules"
)

func TestNew_Defaults(t *testing.T) {
	r := New()
	snap := r.Current()

	assert.Equal(t, confidence.DefaultWeights(), snap.ConfidenceWeights)
	assert.Equal(t, confidence.DefaultLabelThresholds(), snap.LabelThresholds)
	assert.Equal(t, lifecycle.DefaultConfig(), snap.Lifecycle)
	assert.Equal(t, FreezeInactive, snap.Freeze)
	assert.False(t, r.Frozen())
	for _, w := range domain.AllWindows() {
		assert.Equal(t, rules.DefaultThresholds(w), snap.RuleThresholds[w], w)
	}
}

func TestCurrent_ReturnsCopy(t *testing.T) {
	r := New()
	snap := r.Current()
	snap.RuleThresholds[domain.Window24h] = rules.Thresholds{MinDensity: 999}

	assert.NotEqual(t, 999, r.Thresholds(domain.Window24h).MinDensity,
		"mutating a snapshot must not leak into the registry")
}

func TestSetConfidenceWeights_Validation(t *testing.T) {
	r := New()

	err := r.SetConfidenceWeights("ops", confidence.Weights{Coverage: 0.5, Actors: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.5, r.Current().ConfidenceWeights.Coverage)

	err = r.SetConfidenceWeights("ops", confidence.Weights{Coverage: 0.9})
	assert.Error(t, err, "weights must sum to one")
}

func TestSetLabelThresholds_Validation(t *testing.T) {
	r := New()
	err := r.SetLabelThresholds("ops", confidence.LabelThresholds{Low: 60, Medium: 50, High: 80})
	assert.Error(t, err)

	err = r.SetLabelThresholds("ops", confidence.LabelThresholds{Low: 30, Medium: 55, High: 75})
	require.NoError(t, err)
	assert.Equal(t, 75.0, r.Current().LabelThresholds.High)
}

func TestFreeze_RejectsGuardedWrites(t *testing.T) {
	r := New()
	r.SetFreeze("ops", FreezeActive)
	require.True(t, r.Frozen())

	tests := []struct {
		name string
		call func() error
	}{
		{"confidence weights", func() error { return r.SetConfidenceWeights("ops", confidence.DefaultWeights()) }},
		{"label thresholds", func() error { return r.SetLabelThresholds("ops", confidence.DefaultLabelThresholds()) }},
		{"rule thresholds", func() error {
			return r.SetRuleThresholds("ops", domain.Window24h, rules.DefaultThresholds(domain.Window24h))
		}},
		{"lifecycle", func() error { return r.SetLifecycle("ops", lifecycle.DefaultConfig()) }},
		{"decay", func() error { return r.SetDecayHalfLife("ops", 48) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrFrozen)
			assert.ErrorIs(t, err, domain.ErrPolicyViolation)
		})
	}

	// Unfreezing restores writes.
	r.SetFreeze("ops", FreezeInactive)
	assert.NoError(t, r.SetDecayHalfLife("ops", 48))
	assert.Equal(t, 48.0, r.Current().DecayHalfLifeHours)
}

func TestAuditLog(t *testing.T) {
	r := New()

	require.NoError(t, r.SetDecayHalfLife("admin", 96))
	r.SetFreeze("admin", FreezeActive)
	err := r.SetDecayHalfLife("intruder", 1)
	require.Error(t, err)

	audit := r.AuditLog()
	require.Len(t, audit, 3)

	assert.Equal(t, "decay.update", audit[0].Action)
	assert.Equal(t, "admin", audit[0].Actor)
	assert.False(t, audit[0].Rejected)

	assert.Equal(t, "freeze.ACTIVE", audit[1].Action)

	assert.Equal(t, "decay.update", audit[2].Action)
	assert.Equal(t, "intruder", audit[2].Actor)
	assert.True(t, audit[2].Rejected, "rejected writes are audited too")
}

func TestSetDecayHalfLife_Validation(t *testing.T) {
	r := New()
	assert.Error(t, r.SetDecayHalfLife("ops", 0))
	assert.Error(t, r.SetDecayHalfLife("ops", -10))
}

func TestThresholds_UnknownWindowFallsBack(t *testing.T) {
	r := New()
	custom := rules.DefaultThresholds(domain.Window24h)
	custom.MinDensity = 99
	require.NoError(t, r.SetRuleThresholds("ops", domain.Window24h, custom))

	assert.Equal(t, 99, r.Thresholds(domain.Window24h).MinDensity)
	assert.Equal(t, rules.DefaultThresholds(domain.Window1h), r.Thresholds(domain.Window1h))
}
