// Package engine orchestrates one atomic per-window run: snapshot pair →
// detectors → confidence scoring → lifecycle reconciliation → dispatch →
// run record. Runs for the same window never overlap.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/confidence"
	"github.com/corridorlab/corridorscope/internal/dispatch"
	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/lifecycle"
	"github.com/corridorlab/corridorscope/internal/metrics"
	"github.com/corridorlab/corridorscope/internal/persistence"
	"github.com/corridorlab/corridorscope/internal/registry"
	"github.com/corridorlab/corridorscope/internal/rules"
)

// ErrRunInProgress is returned when a run for the same window is already
// executing.
var ErrRunInProgress = errors.New("engine: run already in progress for window")

// defaultCallTimeout bounds every external call inside a run.
const defaultCallTimeout = 30 * time.Second

// Engine drives the signal pipeline for all windows.
type Engine struct {
	repo       *persistence.Repository
	rules      *rules.Engine
	registry   *registry.Registry
	dispatcher dispatch.Dispatcher
	metrics    *metrics.Registry
	now        func() time.Time

	mu      sync.Mutex
	running map[domain.Window]bool
}

// New wires the engine. The dispatcher may be nil for headless runs.
func New(repo *persistence.Repository, reg *registry.Registry, dispatcher dispatch.Dispatcher, m *metrics.Registry) *Engine {
	return &Engine{
		repo:       repo,
		rules:      rules.NewEngine(),
		registry:   reg,
		dispatcher: dispatcher,
		metrics:    m,
		now:        time.Now,
		running:    make(map[domain.Window]bool),
	}
}

// SetClock overrides the time source, used by tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// RunWindow executes one engine run for a window. The run is atomic with
// respect to the window: a concurrent call for the same window fails with
// ErrRunInProgress and mutates nothing.
func (e *Engine) RunWindow(ctx context.Context, window domain.Window) (*persistence.RunRecord, error) {
	if !e.acquire(window) {
		return nil, ErrRunInProgress
	}
	defer e.release(window)

	started := e.now().UTC()
	rec := &persistence.RunRecord{
		RunID:     uuid.NewString(),
		Window:    window,
		StartedAt: started,
	}

	err := e.run(ctx, window, rec)
	rec.CompletedAt = e.now().UTC()
	switch {
	case err != nil:
		rec.Status = persistence.RunFailed
		rec.Error = err.Error()
	case rec.Stats.Errors > 0:
		rec.Status = persistence.RunPartial
	default:
		rec.Status = persistence.RunCompleted
	}

	e.observeRun(rec)
	if recErr := e.recordRun(ctx, rec); recErr != nil {
		log.Error().Err(recErr).Str("run_id", rec.RunID).Msg("run record write failed")
	}
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// run performs the pipeline body. Any returned error marks the run failed;
// recoverable detector and store problems are absorbed into rec.Stats.
func (e *Engine) run(ctx context.Context, window domain.Window, rec *persistence.RunRecord) error {
	current, previous, err := e.loadSnapshots(ctx, window)
	if err != nil {
		return err
	}
	rec.SnapshotID = current.SnapshotID

	cfg := e.registry.Current()
	dc := rules.DetectContext{
		Current:    current,
		Previous:   previous,
		Thresholds: cfg.RuleThresholds[window],
		Window:     window,
	}

	candidates, failures := e.rules.Detect(ctx, dc)
	rec.Stats.Errors += len(failures)
	for _, f := range failures {
		if e.metrics != nil {
			e.metrics.DetectorErrors.WithLabelValues(f.Detector).Inc()
		}
	}
	if e.metrics != nil {
		for _, c := range candidates {
			e.metrics.DetectorEmits.WithLabelValues(string(c.Type)).Inc()
		}
	}

	if err := ctx.Err(); err != nil {
		// Cooperative cancellation: abort before any store write so the
		// previously published signal set stays intact.
		return fmt.Errorf("run cancelled: %w", err)
	}

	active, err := e.findActive(ctx, window)
	if err != nil {
		return fmt.Errorf("%w: active signals: %v", domain.ErrInputMissing, err)
	}

	scorer := confidence.NewScorer(
		confidence.WithWeights(cfg.ConfidenceWeights),
		confidence.WithLabelThresholds(cfg.LabelThresholds),
		confidence.WithClusterPolicy(cfg.ClusterPolicy),
		confidence.WithDecayHalfLife(cfg.DecayHalfLifeHours),
	)

	has7d := e.has7dSupport(ctx, window)
	now := e.now().UTC()

	scored := make([]lifecycle.ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		in := confidence.Input{
			Candidate:    c,
			Snapshot:     current,
			Actors:       actorContexts(current, previous, c),
			Has7dSupport: has7d,
			Now:          now,
		}
		if existing, ok := active[c.Key]; ok {
			last := existing.LastTriggeredAt
			in.LastTriggeredAt = &last
		}
		scored = append(scored, lifecycle.ScoredCandidate{
			Candidate:  c,
			Confidence: scorer.Score(in),
		})
	}

	manager := lifecycle.NewManager(e.repo.Signals, cfg.Lifecycle)
	manager.SetClock(e.now)
	lres := manager.Reconcile(ctx, window, current.SnapshotID, scored, active)

	rec.Stats.Created += lres.Created
	rec.Stats.Updated += lres.Updated
	rec.Stats.Archived += lres.Archived
	rec.Stats.Errors += lres.Errors

	if e.metrics != nil {
		for _, s := range lres.Dispatchable {
			e.metrics.SignalsCreated.WithLabelValues(string(s.Type), string(s.Severity)).Inc()
		}
		e.metrics.ActiveSignals.WithLabelValues(string(window)).Set(float64(len(active) + lres.Created - lres.Archived))
	}

	// Dispatch after persistence; failure keeps signals ACTIVE and never
	// fails the run.
	if e.dispatcher != nil && len(lres.Dispatchable) > 0 {
		dctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
		rep, derr := e.dispatcher.Dispatch(dctx, lres.Dispatchable)
		cancel()
		if e.metrics != nil {
			e.metrics.DispatchSent.Add(float64(rep.Sent))
			e.metrics.DispatchFailed.Add(float64(rep.Failed))
		}
		if derr != nil {
			log.Warn().Err(derr).Str("window", string(window)).Msg("dispatch failed, signals stay active")
			rec.Stats.Errors++
		}
	}

	log.Info().
		Str("component", "engine").
		Str("run_id", rec.RunID).
		Str("window", string(window)).
		Int("candidates", len(candidates)).
		Int("created", lres.Created).
		Int("updated", lres.Updated).
		Int("archived", lres.Archived).
		Int("errors", rec.Stats.Errors).
		Msg("engine run complete")
	return nil
}

func (e *Engine) loadSnapshots(ctx context.Context, window domain.Window) (*domain.Snapshot, *domain.Snapshot, error) {
	cctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	current, err := e.repo.Snapshots.GetLatest(cctx, window)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: no snapshot for window %s", domain.ErrInputMissing, window)
		}
		return nil, nil, fmt.Errorf("%w: snapshot store: %v", domain.ErrFatal, err)
	}

	previous, err := e.repo.Snapshots.GetPrevious(cctx, window, current.BuiltAt)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: snapshot store: %v", domain.ErrFatal, err)
	}
	return current, previous, nil
}

func (e *Engine) findActive(ctx context.Context, window domain.Window) (map[domain.SignalKey]*domain.Signal, error) {
	cctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	return e.repo.Signals.FindActiveByWindow(cctx, window)
}

// has7dSupport reports whether a 7d snapshot exists to corroborate a 24h
// signal.
func (e *Engine) has7dSupport(ctx context.Context, window domain.Window) bool {
	if window != domain.Window24h {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	snap, err := e.repo.Snapshots.GetLatest(cctx, domain.Window7d)
	return err == nil && snap != nil
}

func (e *Engine) recordRun(ctx context.Context, rec *persistence.RunRecord) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCallTimeout)
	defer cancel()
	return e.repo.Runs.Record(cctx, rec)
}

func (e *Engine) observeRun(rec *persistence.RunRecord) {
	if e.metrics == nil {
		return
	}
	status := string(rec.Status)
	e.metrics.RunsTotal.WithLabelValues(string(rec.Window), status).Inc()
	e.metrics.RunDuration.WithLabelValues(string(rec.Window), status).
		Observe(rec.CompletedAt.Sub(rec.StartedAt).Seconds())
}

func (e *Engine) acquire(window domain.Window) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[window] {
		return false
	}
	e.running[window] = true
	return true
}

func (e *Engine) release(window domain.Window) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, window)
}

// actorContexts builds the scorer's per-actor quality inputs from the
// snapshot pair. History credits actors already present in the previous
// snapshot; the source id falls back to the actor id so distinct actors
// count as distinct sources unless clustered together.
func actorContexts(current, previous *domain.Snapshot, c domain.SignalCandidate) []confidence.ActorContext {
	out := make([]confidence.ActorContext, 0, len(c.Primary))
	for _, id := range c.Primary {
		a := current.Actor(id)
		if a == nil {
			continue
		}
		history := 0.3
		if previous != nil && previous.Actor(id) != nil {
			history = 1.0
		}
		source := a.EntityID
		if source == "" {
			source = a.ActorID
		}
		out = append(out, confidence.ActorContext{
			ActorID:        a.ActorID,
			Type:           a.Type,
			IsExchangeOrMM: a.IsExchangeOrMM(),
			FlowShare:      a.FlowShare,
			Connectivity:   float64(a.CounterpartyCount) / 25.0,
			History:        history,
			SourceID:       source,
			Cluster: confidence.ClusterInput{
				EntityID:         a.EntityID,
				OwnerID:          a.OwnerID,
				CommunityID:      a.CommunityID,
				InfrastructureID: a.InfrastructureID,
			},
		})
	}
	return out
}
