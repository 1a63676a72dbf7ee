package rules

import (
	"fmt"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// NewCorridorDetector flags transfer edges present in the current snapshot
// but absent from the previous one. With no previous snapshot the detector
// emits nothing: the first run of a window establishes the baseline.
type NewCorridorDetector struct{}

func (d *NewCorridorDetector) Name() string { return "new_corridor" }

func (d *NewCorridorDetector) Detect(dc DetectContext) []domain.SignalCandidate {
	if dc.Previous == nil {
		return nil
	}
	th := dc.Thresholds

	var out []domain.SignalCandidate
	for _, e := range dc.Current.Edges {
		if e.EdgeType != domain.EdgeTransfer {
			continue
		}
		if dc.Previous.Edge(e.EdgeID) != nil {
			continue
		}
		avgCov := avgActorCoverage(dc.Current, e.ActorA, e.ActorB)
		if e.EvidenceCount < th.MinDensity || e.Weight < th.MinWeight ||
			e.Confidence < th.MinConfidence || avgCov < th.CoverageRequired {
			continue
		}

		severity := domain.SeverityLow
		switch {
		case e.EvidenceCount >= th.HighDensity && e.Confidence >= th.HighConfidence:
			severity = domain.SeverityHigh
		case e.EvidenceCount > th.MinDensity:
			severity = domain.SeverityMedium
		}

		actors := []string{e.ActorA, e.ActorB}
		edgeIDs := []string{e.EdgeID}
		out = append(out, domain.SignalCandidate{
			Type:     domain.SignalNewCorridor,
			Severity: severity,
			Scope:    domain.ScopeCorridor,
			Window:   dc.Window,
			Primary:  actors,
			EdgeIDs:  edgeIDs,
			Evidence: e.EvidenceCount,
			Metrics: domain.Metrics{
				Density:        iptr(e.EvidenceCount),
				Weight:         fptr(e.Weight),
				EdgeConfidence: fptr(e.Confidence),
				NetFlowUSD:     fptr(e.NetUSD),
				AvgCoverage:    fptr(avgCov),
			},
			Summary: domain.Summary{
				What:   fmt.Sprintf("New corridor between %s and %s", e.ActorA, e.ActorB),
				WhyNow: fmt.Sprintf("%d transfers this window on a pair with no prior relation", e.EvidenceCount),
				SoWhat: "A fresh structural flow relation formed; counterparties may be repositioning",
			},
			Key: domain.NewSignalKey(domain.SignalNewCorridor, dc.Window, domain.ScopeCorridor, actors, edgeIDs),
		})
	}
	return out
}

// DensitySpikeDetector flags edges whose evidence count jumped sharply
// between snapshots. Requires a previous snapshot by construction.
type DensitySpikeDetector struct{}

func (d *DensitySpikeDetector) Name() string { return "density_spike" }

func (d *DensitySpikeDetector) Detect(dc DetectContext) []domain.SignalCandidate {
	if dc.Previous == nil {
		return nil
	}
	th := dc.Thresholds

	var out []domain.SignalCandidate
	for _, e := range dc.Current.Edges {
		prev := dc.Previous.Edge(e.EdgeID)
		if prev == nil || prev.EvidenceCount < th.MinPrevDensity {
			continue
		}
		denom := prev.EvidenceCount
		if denom < 1 {
			denom = 1
		}
		ratio := float64(e.EvidenceCount-prev.EvidenceCount) / float64(denom)
		if ratio < th.MinSpikeRatio {
			continue
		}
		avgCov := avgActorCoverage(dc.Current, e.ActorA, e.ActorB)
		if avgCov < th.CoverageRequired {
			continue
		}

		severity := domain.SeverityMedium
		if ratio >= th.HighSpikeRatio && e.EvidenceCount >= th.HighSpikeMinDensity {
			severity = domain.SeverityHigh
		}

		actors := []string{e.ActorA, e.ActorB}
		edgeIDs := []string{e.EdgeID}
		out = append(out, domain.SignalCandidate{
			Type:     domain.SignalDensitySpike,
			Severity: severity,
			Scope:    domain.ScopeCorridor,
			Window:   dc.Window,
			Primary:  actors,
			EdgeIDs:  edgeIDs,
			Evidence: e.EvidenceCount,
			Metrics: domain.Metrics{
				Density:     iptr(e.EvidenceCount),
				PrevDensity: iptr(prev.EvidenceCount),
				SpikeRatio:  fptr(ratio),
				Weight:      fptr(e.Weight),
				AvgCoverage: fptr(avgCov),
			},
			Summary: domain.Summary{
				What:   fmt.Sprintf("Transfer density spike on %s~%s", e.ActorA, e.ActorB),
				WhyNow: fmt.Sprintf("Evidence jumped from %d to %d (%.1fx over baseline)", prev.EvidenceCount, e.EvidenceCount, ratio),
				SoWhat: "An established corridor is suddenly much busier than its baseline",
			},
			Key: domain.NewSignalKey(domain.SignalDensitySpike, dc.Window, domain.ScopeCorridor, actors, edgeIDs),
		})
	}
	return out
}

// NewBridgeDetector flags newly formed bridge edges with tight temporal
// synchronization. Severity is capped at medium by policy: bridge
// attribution confidence does not support high-severity claims.
type NewBridgeDetector struct{}

func (d *NewBridgeDetector) Name() string { return "new_bridge" }

func (d *NewBridgeDetector) Detect(dc DetectContext) []domain.SignalCandidate {
	if dc.Previous == nil {
		return nil
	}
	th := dc.Thresholds

	var out []domain.SignalCandidate
	for _, e := range dc.Current.Edges {
		if e.EdgeType != domain.EdgeBridge {
			continue
		}
		if prev := dc.Previous.Edge(e.EdgeID); prev != nil && prev.EdgeType == domain.EdgeBridge {
			continue
		}
		if e.TemporalSync < th.MinTemporalSync {
			continue
		}

		severity := domain.SeverityLow
		if e.EvidenceCount > th.MinDensity {
			severity = domain.SeverityMedium
		}

		actors := []string{e.ActorA, e.ActorB}
		edgeIDs := []string{e.EdgeID}
		out = append(out, domain.SignalCandidate{
			Type:     domain.SignalNewBridge,
			Severity: severity,
			Scope:    domain.ScopeBridge,
			Window:   dc.Window,
			Primary:  actors,
			EdgeIDs:  edgeIDs,
			Evidence: e.EvidenceCount,
			Metrics: domain.Metrics{
				Density:      iptr(e.EvidenceCount),
				TemporalSync: fptr(e.TemporalSync),
				Weight:       fptr(e.Weight),
			},
			Summary: domain.Summary{
				What:   fmt.Sprintf("New bridge path between %s and %s", e.ActorA, e.ActorB),
				WhyNow: fmt.Sprintf("Bridge transfers with %.0f%% temporal sync appeared this window", e.TemporalSync*100),
				SoWhat: "Cross-chain movement is being coordinated through a new route",
			},
			Key: domain.NewSignalKey(domain.SignalNewBridge, dc.Window, domain.ScopeBridge, actors, edgeIDs),
		})
	}
	return out
}
