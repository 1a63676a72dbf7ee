// Package registry holds the process-wide runtime configuration: scoring
// weights, rule thresholds, lifecycle tuning and the freeze flag. It is
// initialized once at startup and mutated only through the admin contract;
// every mutation is audited.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/confidence"
	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/lifecycle"
	"github.com/corridorlab/corridorscope/internal/ranking"
	"github.com/corridorlab/corridorscope/internal/rules"
)

// FreezeStatus is the state of the global configuration freeze.
type FreezeStatus string

const (
	FreezeInactive FreezeStatus = "INACTIVE"
	FreezeActive   FreezeStatus = "ACTIVE"
)

// ErrFrozen is returned for any guarded write while the freeze is active.
// It wraps domain.ErrPolicyViolation so run-boundary classification holds.
var ErrFrozen = fmt.Errorf("%w: configuration freeze is active", domain.ErrPolicyViolation)

// AuditEvent records one admin interaction with the registry.
type AuditEvent struct {
	At       time.Time `json:"at"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail,omitempty"`
	Rejected bool      `json:"rejected"`
}

// Snapshot is a copy of the full runtime configuration.
type Snapshot struct {
	ConfidenceWeights  confidence.Weights                 `json:"confidence_weights"`
	LabelThresholds    confidence.LabelThresholds         `json:"label_thresholds"`
	ClusterPolicy      confidence.ClusterPolicy           `json:"cluster_policy"`
	DecayHalfLifeHours float64                            `json:"decay_half_life_hours"`
	RuleThresholds     map[domain.Window]rules.Thresholds `json:"rule_thresholds"`
	Lifecycle          lifecycle.Config                   `json:"lifecycle"`
	RankingWeights     ranking.Weights                    `json:"ranking_weights"`
	Freeze             FreezeStatus                       `json:"freeze"`
}

// Registry is the mutable runtime configuration store.
type Registry struct {
	mu    sync.RWMutex
	state Snapshot
	audit []AuditEvent
	now   func() time.Time
}

// New builds a registry with production defaults.
func New() *Registry {
	thresholds := make(map[domain.Window]rules.Thresholds, len(domain.AllWindows()))
	for _, w := range domain.AllWindows() {
		thresholds[w] = rules.DefaultThresholds(w)
	}
	return &Registry{
		state: Snapshot{
			ConfidenceWeights:  confidence.DefaultWeights(),
			LabelThresholds:    confidence.DefaultLabelThresholds(),
			ClusterPolicy:      confidence.DefaultClusterPolicy(),
			DecayHalfLifeHours: confidence.DefaultDecayHalfLifeHours,
			RuleThresholds:     thresholds,
			Lifecycle:          lifecycle.DefaultConfig(),
			RankingWeights:     ranking.DefaultWeights(),
			Freeze:             FreezeInactive,
		},
		now: time.Now,
	}
}

// Current returns a copy of the full runtime configuration.
func (r *Registry) Current() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.state
	out.RuleThresholds = make(map[domain.Window]rules.Thresholds, len(r.state.RuleThresholds))
	for w, t := range r.state.RuleThresholds {
		out.RuleThresholds[w] = t
	}
	return out
}

// Thresholds returns the rule thresholds for a window.
func (r *Registry) Thresholds(window domain.Window) rules.Thresholds {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.state.RuleThresholds[window]; ok {
		return t
	}
	return rules.DefaultThresholds(window)
}

// Frozen reports whether the configuration freeze is active.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Freeze == FreezeActive
}

// SetFreeze toggles the freeze flag. Both directions are audited;
// deactivation is the sensitive one and carries the actor in the log.
func (r *Registry) SetFreeze(actor string, status FreezeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.state.Freeze
	r.state.Freeze = status
	r.record(actor, "freeze."+string(status), fmt.Sprintf("previous=%s", prev), false)
	log.Warn().
		Str("component", "registry").
		Str("actor", actor).
		Str("from", string(prev)).
		Str("to", string(status)).
		Msg("freeze flag changed")
}

// guarded rejects the write when frozen, recording the violation.
func (r *Registry) guarded(actor, action, detail string) error {
	if r.state.Freeze == FreezeActive {
		r.record(actor, action, detail, true)
		log.Error().
			Str("component", "registry").
			Str("actor", actor).
			Str("action", action).
			Msg("config write rejected by freeze")
		return ErrFrozen
	}
	return nil
}

// SetConfidenceWeights replaces the scoring weights. Frozen → rejected.
func (r *Registry) SetConfidenceWeights(actor string, w confidence.Weights) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guarded(actor, "confidence_weights.update", ""); err != nil {
		return err
	}
	sum := w.Coverage + w.Actors + w.Flow + w.Temporal + w.Evidence
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("confidence weights sum %.3f, want 1.0", sum)
	}
	r.state.ConfidenceWeights = w
	r.record(actor, "confidence_weights.update", "", false)
	return nil
}

// SetLabelThresholds replaces the label cut points. Frozen → rejected.
func (r *Registry) SetLabelThresholds(actor string, t confidence.LabelThresholds) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guarded(actor, "label_thresholds.update", ""); err != nil {
		return err
	}
	if !(t.Low < t.Medium && t.Medium < t.High) {
		return fmt.Errorf("label thresholds must be strictly increasing")
	}
	r.state.LabelThresholds = t
	r.record(actor, "label_thresholds.update", "", false)
	return nil
}

// SetRuleThresholds replaces one window's rule thresholds. Frozen → rejected.
func (r *Registry) SetRuleThresholds(actor string, window domain.Window, t rules.Thresholds) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guarded(actor, "rule_thresholds.update", string(window)); err != nil {
		return err
	}
	r.state.RuleThresholds[window] = t
	r.record(actor, "rule_thresholds.update", string(window), false)
	return nil
}

// SetRankingWeights replaces the ranking weights. Frozen → rejected.
func (r *Registry) SetRankingWeights(actor string, w ranking.Weights) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guarded(actor, "ranking_weights.update", ""); err != nil {
		return err
	}
	r.state.RankingWeights = w
	r.record(actor, "ranking_weights.update", "", false)
	return nil
}

// SetLifecycle replaces the lifecycle tuning. Frozen → rejected.
func (r *Registry) SetLifecycle(actor string, cfg lifecycle.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guarded(actor, "lifecycle.update", ""); err != nil {
		return err
	}
	r.state.Lifecycle = cfg
	r.record(actor, "lifecycle.update", "", false)
	return nil
}

// SetDecayHalfLife replaces the decay τ in hours. Frozen → rejected.
func (r *Registry) SetDecayHalfLife(actor string, hours float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guarded(actor, "decay.update", ""); err != nil {
		return err
	}
	if hours <= 0 {
		return fmt.Errorf("decay half-life must be positive")
	}
	r.state.DecayHalfLifeHours = hours
	r.record(actor, "decay.update", "", false)
	return nil
}

// AuditLog returns a copy of the audit trail, oldest first.
func (r *Registry) AuditLog() []AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AuditEvent(nil), r.audit...)
}

func (r *Registry) record(actor, action, detail string, rejected bool) {
	r.audit = append(r.audit, AuditEvent{
		At:       r.now().UTC(),
		Actor:    actor,
		Action:   action,
		Detail:   detail,
		Rejected: rejected,
	})
}
