// Package lifecycle reconciles scored candidates against the durable signal
// store and drives the NEW → ACTIVE → COOLDOWN → RESOLVED state machine.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/confidence"
	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/persistence"
)

// ResolveReasonInactivity marks signals resolved for not re-triggering.
const ResolveReasonInactivity = "inactivity"

// Config tunes the state machine.
type Config struct {
	// MinConfidence is the floor below which a candidate is HIDDEN and
	// never persisted.
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`

	// CooldownAfter (N) is the missed-run count moving ACTIVE → COOLDOWN.
	CooldownAfter int `yaml:"cooldown_after" json:"cooldown_after"`

	// ResolveAfter (M) is the additional missed-run count moving
	// COOLDOWN → RESOLVED.
	ResolveAfter int `yaml:"resolve_after" json:"resolve_after"`
}

// DefaultConfig returns the production lifecycle tuning.
func DefaultConfig() Config {
	return Config{MinConfidence: 40, CooldownAfter: 3, ResolveAfter: 6}
}

// ScoredCandidate pairs a detector candidate with its confidence result.
type ScoredCandidate struct {
	Candidate  domain.SignalCandidate
	Confidence confidence.Result
}

// Result summarizes one reconcile pass.
type Result struct {
	Created      int
	Updated      int
	Archived     int
	Errors       int
	Dispatchable []*domain.Signal
}

// Manager applies lifecycle transitions at each engine run. Transitions are
// monotone per key; RESOLVED is terminal.
type Manager struct {
	signals persistence.SignalStore
	cfg     Config
	now     func() time.Time
}

// NewManager creates a lifecycle manager over the signal store.
func NewManager(signals persistence.SignalStore, cfg Config) *Manager {
	return &Manager{signals: signals, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source, used by tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Reconcile processes one engine run: re-triggers and creates signals for
// the scored candidates, then ages every active signal the run did not
// touch. The active map must come from a store read inside the same run.
func (m *Manager) Reconcile(ctx context.Context, window domain.Window, snapshotID string, scored []ScoredCandidate, active map[domain.SignalKey]*domain.Signal) Result {
	var res Result
	now := m.now().UTC()
	triggered := make(map[domain.SignalKey]struct{}, len(scored))

	for _, sc := range scored {
		if ctx.Err() != nil {
			return res
		}
		if sc.Confidence.Label == domain.LabelHidden || sc.Confidence.Score < m.cfg.MinConfidence {
			continue
		}
		key := sc.Candidate.Key
		triggered[key] = struct{}{}

		if existing, ok := active[key]; ok {
			if m.retrigger(ctx, existing, sc, now) {
				res.Updated++
				existing.State = domain.StateActive
				existing.ConfidenceScore = sc.Confidence.Score
				existing.Label = sc.Confidence.Label
				existing.Severity = sc.Candidate.Severity
				existing.LastTriggeredAt = now
				existing.SnapshotsWithoutTrigger = 0
				if existing.Dispatchable() {
					res.Dispatchable = append(res.Dispatchable, existing)
				}
			} else {
				res.Errors++
			}
			continue
		}

		sig := m.newSignal(sc, snapshotID, now)
		if err := m.signals.UpsertByKey(ctx, sig); err != nil {
			log.Error().Err(err).Str("component", "lifecycle").Str("key", string(key)).Msg("signal upsert failed")
			res.Errors++
			continue
		}
		res.Created++
		if sig.Dispatchable() {
			res.Dispatchable = append(res.Dispatchable, sig)
		}
	}

	// Age every live signal the run did not re-trigger.
	for key, sig := range active {
		if ctx.Err() != nil {
			return res
		}
		if _, ok := triggered[key]; ok {
			continue
		}
		updated, archived := m.age(ctx, sig, now)
		res.Updated += updated
		res.Archived += archived
		if updated == 0 && archived == 0 {
			res.Errors++
		}
	}
	return res
}

// newSignal builds a fresh signal; it is born NEW and promoted to ACTIVE in
// the same run because its confidence cleared the floor.
func (m *Manager) newSignal(sc ScoredCandidate, snapshotID string, now time.Time) *domain.Signal {
	trace := sc.Confidence.Trace
	return &domain.Signal{
		Key:              sc.Candidate.Key,
		Type:             sc.Candidate.Type,
		Severity:         sc.Candidate.Severity,
		Scope:            sc.Candidate.Scope,
		Window:           sc.Candidate.Window,
		State:            domain.StateActive,
		ConfidenceScore:  sc.Confidence.Score,
		Label:            sc.Confidence.Label,
		Primary:          sc.Candidate.Primary,
		EdgeIDs:          sc.Candidate.EdgeIDs,
		Metrics:          sc.Candidate.Metrics,
		Summary:          sc.Candidate.Summary,
		Trace:            &trace,
		SnapshotID:       snapshotID,
		FirstTriggeredAt: now,
		LastTriggeredAt:  now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// retrigger moves an existing signal back to ACTIVE and resets its counter.
// Store conflicts are retried once against a fresh read, then skipped.
func (m *Manager) retrigger(ctx context.Context, existing *domain.Signal, sc ScoredCandidate, now time.Time) bool {
	state := domain.StateActive
	zero := 0
	patch := persistence.LifecyclePatch{
		State:                   &state,
		SnapshotsWithoutTrigger: &zero,
		LastTriggeredAt:         &now,
		ConfidenceScore:         &sc.Confidence.Score,
		Label:                   &sc.Confidence.Label,
		Severity:                &sc.Candidate.Severity,
	}

	err := m.signals.UpdateLifecycle(ctx, existing.Key, existing.State, patch)
	if errors.Is(err, persistence.ErrConflict) {
		fresh, gerr := m.signals.GetByKey(ctx, existing.Key)
		if gerr != nil || fresh == nil || fresh.State.Terminal() {
			return false
		}
		err = m.signals.UpdateLifecycle(ctx, existing.Key, fresh.State, patch)
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "lifecycle").Str("key", string(existing.Key)).Msg("retrigger skipped")
		return false
	}
	return true
}

// age increments the missed-run counter and applies the ACTIVE → COOLDOWN →
// RESOLVED ladder. Returns (updated, archived) counts of 0 or 1.
func (m *Manager) age(ctx context.Context, sig *domain.Signal, now time.Time) (int, int) {
	if sig.State.Terminal() {
		return 0, 0
	}
	count := sig.SnapshotsWithoutTrigger + 1
	state := sig.State
	patch := persistence.LifecyclePatch{SnapshotsWithoutTrigger: &count}

	archived := false
	switch {
	case sig.State == domain.StateActive && count >= m.cfg.CooldownAfter:
		state = domain.StateCooldown
		patch.State = &state
	case sig.State == domain.StateCooldown && count >= m.cfg.CooldownAfter+m.cfg.ResolveAfter:
		state = domain.StateResolved
		reason := ResolveReasonInactivity
		patch.State = &state
		patch.ResolveReason = &reason
		patch.ResolvedAt = &now
		archived = true
	}

	err := m.signals.UpdateLifecycle(ctx, sig.Key, sig.State, patch)
	if errors.Is(err, persistence.ErrConflict) {
		// A concurrent writer re-triggered or advanced the signal; the
		// aging pass defers to it.
		return 0, 0
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "lifecycle").Str("key", string(sig.Key)).Msg("aging update failed")
		return 0, 0
	}

	sig.SnapshotsWithoutTrigger = count
	sig.State = state
	if archived {
		sig.ResolveReason = ResolveReasonInactivity
		sig.ResolvedAt = &now
		return 0, 1
	}
	return 1, 0
}
