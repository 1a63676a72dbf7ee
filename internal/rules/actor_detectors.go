package rules

import (
	"fmt"
	"math"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// DirectionImbalanceDetector flags actors whose flow is strongly one-sided
// within the window.
type DirectionImbalanceDetector struct{}

func (d *DirectionImbalanceDetector) Name() string { return "direction_imbalance" }

func (d *DirectionImbalanceDetector) Detect(dc DetectContext) []domain.SignalCandidate {
	th := dc.Thresholds

	var out []domain.SignalCandidate
	for _, a := range dc.Current.Actors {
		total := a.InflowUSD + a.OutflowUSD
		net := a.NetFlowUSD
		if total < th.MinTotalFlowUSD || math.Abs(net) < th.MinNetFlowUSD {
			continue
		}
		ratio := math.Abs(net) / total
		if ratio < th.MinImbalanceRatio || a.Coverage < th.CoverageRequired {
			continue
		}

		direction := "inflow"
		if net < 0 {
			direction = "outflow"
		}

		// Strong one-sidedness with large absolute flow reads high.
		severity := domain.SeverityMedium
		if ratio >= th.MinImbalanceRatio+0.2 && math.Abs(net) >= 5*th.MinNetFlowUSD {
			severity = domain.SeverityHigh
		}

		actors := []string{a.ActorID}
		out = append(out, domain.SignalCandidate{
			Type:     domain.SignalDirectionImbalance,
			Severity: severity,
			Scope:    domain.ScopeActor,
			Window:   dc.Window,
			Primary:  actors,
			Evidence: a.TxCount,
			Metrics: domain.Metrics{
				InflowUSD:      fptr(a.InflowUSD),
				OutflowUSD:     fptr(a.OutflowUSD),
				NetFlowUSD:     fptr(net),
				ImbalanceRatio: fptr(ratio),
				AvgCoverage:    fptr(a.Coverage),
				CurrTrend:      sptr(direction),
			},
			Summary: domain.Summary{
				What:   fmt.Sprintf("One-sided %s at %s (%.0f%% of flow)", direction, a.ActorID, ratio*100),
				WhyNow: fmt.Sprintf("Net %s of $%.0f against $%.0f total this window", direction, math.Abs(net), total),
				SoWhat: "Sustained directional pressure often precedes inventory or position shifts",
			},
			Key: domain.NewSignalKey(domain.SignalDirectionImbalance, dc.Window, domain.ScopeActor, actors, nil),
		})
	}
	return out
}

// regimeTransitions is the closed set of participation-trend changes that
// count as a regime change; any other pair is ignored.
var regimeTransitions = map[domain.ParticipationTrend]map[domain.ParticipationTrend]domain.Severity{
	domain.TrendStable: {
		domain.TrendIncreasing: domain.SeverityMedium,
		domain.TrendDecreasing: domain.SeverityMedium,
	},
	domain.TrendIncreasing: {
		domain.TrendDecreasing: domain.SeverityHigh,
	},
}

// ActorRegimeChangeDetector flags actors whose participation trend moved
// through one of the recognized transitions between snapshots.
type ActorRegimeChangeDetector struct{}

func (d *ActorRegimeChangeDetector) Name() string { return "actor_regime_change" }

func (d *ActorRegimeChangeDetector) Detect(dc DetectContext) []domain.SignalCandidate {
	if dc.Previous == nil {
		return nil
	}

	var out []domain.SignalCandidate
	for _, a := range dc.Current.Actors {
		prev := dc.Previous.Actor(a.ActorID)
		if prev == nil || prev.ParticipationTrend == a.ParticipationTrend {
			continue
		}
		severity, ok := regimeTransitions[prev.ParticipationTrend][a.ParticipationTrend]
		if !ok {
			continue
		}
		if a.Coverage < dc.Thresholds.CoverageRequired {
			continue
		}

		actors := []string{a.ActorID}
		out = append(out, domain.SignalCandidate{
			Type:     domain.SignalActorRegimeChange,
			Severity: severity,
			Scope:    domain.ScopeActor,
			Window:   dc.Window,
			Primary:  actors,
			Evidence: a.TxCount,
			Metrics: domain.Metrics{
				PrevTrend:   sptr(string(prev.ParticipationTrend)),
				CurrTrend:   sptr(string(a.ParticipationTrend)),
				NetFlowUSD:  fptr(a.NetFlowUSD),
				AvgCoverage: fptr(a.Coverage),
			},
			Summary: domain.Summary{
				What:   fmt.Sprintf("Participation regime change at %s", a.ActorID),
				WhyNow: fmt.Sprintf("Trend moved %s to %s between snapshots", prev.ParticipationTrend, a.ParticipationTrend),
				SoWhat: "A behavioral break on an attributed actor, independent of flow size",
			},
			Key: domain.NewSignalKey(domain.SignalActorRegimeChange, dc.Window, domain.ScopeActor, actors, nil),
		})
	}
	return out
}
