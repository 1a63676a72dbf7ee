// Package rules runs the deterministic structural detectors over snapshot
// pairs and emits signal candidates with stable deduplication keys.
package rules

import "github.com/corridorlab/corridorscope/internal/domain"

// Thresholds gates detector emissions for one window. Loaded from config;
// zero values never pass by accident because defaults are applied first.
type Thresholds struct {
	// Corridor gates
	MinDensity     int     `yaml:"min_density" json:"min_density"`
	HighDensity    int     `yaml:"high_density" json:"high_density"`
	MinWeight      float64 `yaml:"min_weight" json:"min_weight"`
	MinConfidence  float64 `yaml:"min_confidence" json:"min_confidence"`
	HighConfidence float64 `yaml:"high_confidence" json:"high_confidence"`

	// Density spike gates
	MinPrevDensity      int     `yaml:"min_prev_density" json:"min_prev_density"`
	MinSpikeRatio       float64 `yaml:"min_spike_ratio" json:"min_spike_ratio"`
	HighSpikeRatio      float64 `yaml:"high_spike_ratio" json:"high_spike_ratio"`
	HighSpikeMinDensity int     `yaml:"high_spike_min_density" json:"high_spike_min_density"`

	// Direction imbalance gates
	MinImbalanceRatio float64 `yaml:"min_imbalance_ratio" json:"min_imbalance_ratio"`
	MinNetFlowUSD     float64 `yaml:"min_net_flow_usd" json:"min_net_flow_usd"`
	MinTotalFlowUSD   float64 `yaml:"min_total_flow_usd" json:"min_total_flow_usd"`

	// Bridge gates
	MinTemporalSync float64 `yaml:"min_temporal_sync" json:"min_temporal_sync"`

	// Shared gates
	CoverageRequired float64 `yaml:"coverage_required" json:"coverage_required"`
	MaxSignalsPerRun int     `yaml:"max_signals_per_run" json:"max_signals_per_run"`
}

// DefaultThresholds returns the production defaults for a window. Longer
// windows demand more evidence before a corridor counts as structural.
func DefaultThresholds(window domain.Window) Thresholds {
	t := Thresholds{
		MinDensity:          10,
		HighDensity:         40,
		MinWeight:           0.5,
		MinConfidence:       0.7,
		HighConfidence:      0.75,
		MinPrevDensity:      5,
		MinSpikeRatio:       2.0,
		HighSpikeRatio:      4.0,
		HighSpikeMinDensity: 30,
		MinImbalanceRatio:   0.6,
		MinNetFlowUSD:       500_000,
		MinTotalFlowUSD:     1_000_000,
		MinTemporalSync:     0.5,
		CoverageRequired:    0.6,
		MaxSignalsPerRun:    50,
	}
	switch window {
	case domain.Window1h:
		t.MinDensity = 5
		t.HighDensity = 20
		t.MinNetFlowUSD = 250_000
		t.MinTotalFlowUSD = 500_000
	case domain.Window30d:
		t.MinDensity = 20
		t.HighDensity = 80
		t.MinPrevDensity = 10
	}
	return t
}
