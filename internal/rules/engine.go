package rules

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// DetectContext carries everything one engine run hands to the detectors.
type DetectContext struct {
	Current    *domain.Snapshot
	Previous   *domain.Snapshot
	Thresholds Thresholds
	Window     domain.Window
}

// Detector is one deterministic structural rule. Detectors see the same
// context and must not mutate it.
type Detector interface {
	Name() string
	Detect(dc DetectContext) []domain.SignalCandidate
}

// DetectorFailure records a detector that crashed during a run. The run
// continues; failures count toward run stats as runtime errors.
type DetectorFailure struct {
	Detector string `json:"detector"`
	Err      string `json:"error"`
}

// Engine runs the detector set sequentially in fixed order.
type Engine struct {
	detectors []Detector
}

// NewEngine builds the engine with the standard detector ordering. Order
// matters: on a key collision within one run, the earliest detector wins.
func NewEngine() *Engine {
	return &Engine{
		detectors: []Detector{
			&NewCorridorDetector{},
			&DensitySpikeDetector{},
			&DirectionImbalanceDetector{},
			&ActorRegimeChangeDetector{},
			&NewBridgeDetector{},
		},
	}
}

// Detect runs every detector over the snapshot pair, deduplicates candidates
// by signal key (first emission wins) and applies the per-run cap. A
// panicking detector is absorbed into the failure list; the others continue.
func (e *Engine) Detect(ctx context.Context, dc DetectContext) ([]domain.SignalCandidate, []DetectorFailure) {
	var (
		out      []domain.SignalCandidate
		failures []DetectorFailure
		seen     = make(map[domain.SignalKey]struct{})
	)

	for _, d := range e.detectors {
		if ctx.Err() != nil {
			break
		}
		candidates := runDetector(d, dc, &failures)
		for _, c := range candidates {
			if _, dup := seen[c.Key]; dup {
				continue
			}
			seen[c.Key] = struct{}{}
			out = append(out, c)
		}
	}

	if limit := dc.Thresholds.MaxSignalsPerRun; limit > 0 && len(out) > limit {
		log.Warn().
			Str("component", "rules").
			Int("candidates", len(out)).
			Int("cap", limit).
			Msg("per-run signal cap applied")
		out = out[:limit]
	}
	return out, failures
}

func runDetector(d Detector, dc DetectContext, failures *[]DetectorFailure) (candidates []domain.SignalCandidate) {
	defer func() {
		if r := recover(); r != nil {
			*failures = append(*failures, DetectorFailure{
				Detector: d.Name(),
				Err:      fmt.Sprintf("runtime_error: %v", r),
			})
			log.Error().
				Str("component", "rules").
				Str("detector", d.Name()).
				Interface("panic", r).
				Msg("detector crashed, continuing run")
			candidates = nil
		}
	}()
	return d.Detect(dc)
}

// avgActorCoverage averages the snapshot coverage of the named actors;
// unknown actors read as zero coverage.
func avgActorCoverage(snap *domain.Snapshot, actorIDs ...string) float64 {
	if len(actorIDs) == 0 {
		return 0
	}
	sum := 0.0
	for _, id := range actorIDs {
		if a := snap.Actor(id); a != nil {
			sum += a.Coverage
		}
	}
	return sum / float64(len(actorIDs))
}

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }
func sptr(v string) *string   { return &v }
