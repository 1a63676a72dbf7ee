// Package dispatch delivers dispatch-eligible signals to external sinks.
// Delivery never blocks signal persistence: a failed dispatch leaves the
// signal ACTIVE and the next run retries it.
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/corridorlab/corridorscope/internal/domain"
)

// Report summarizes one dispatch attempt.
type Report struct {
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

// Dispatcher delivers signals to an external sink. Implementations are
// replaceable (webhook, chat, log).
type Dispatcher interface {
	Dispatch(ctx context.Context, signals []*domain.Signal) (Report, error)
}

// Gate filters a signal set down to the dispatch policy: high severity with
// a HIGH or MEDIUM label. HIDDEN never reaches a dispatcher.
func Gate(signals []*domain.Signal) []*domain.Signal {
	var out []*domain.Signal
	for _, s := range signals {
		if s.Dispatchable() {
			out = append(out, s)
		}
	}
	return out
}

// Gated wraps a dispatcher with the policy gate so callers cannot bypass it.
type Gated struct {
	inner Dispatcher
}

// NewGated wraps a dispatcher.
func NewGated(inner Dispatcher) *Gated { return &Gated{inner: inner} }

// Dispatch applies the gate, then delegates. An empty gated set is a no-op.
func (g *Gated) Dispatch(ctx context.Context, signals []*domain.Signal) (Report, error) {
	eligible := Gate(signals)
	if len(eligible) == 0 {
		return Report{}, nil
	}
	rep, err := g.inner.Dispatch(ctx, eligible)
	if err != nil {
		// Dispatch failure is recoverable: signals stay ACTIVE.
		return rep, fmt.Errorf("%w: %v", domain.ErrDispatcherError, err)
	}
	return rep, nil
}

// Fanout delivers to several sinks. Every sink sees the batch; the first
// error is returned after all sinks ran.
type Fanout []Dispatcher

// Dispatch implements Dispatcher.
func (f Fanout) Dispatch(ctx context.Context, signals []*domain.Signal) (Report, error) {
	var (
		total Report
		first error
	)
	for _, d := range f {
		rep, err := d.Dispatch(ctx, signals)
		total.Sent += rep.Sent
		total.Failed += rep.Failed
		total.Errors = append(total.Errors, rep.Errors...)
		if err != nil && first == nil {
			first = err
		}
	}
	return total, first
}

// LogDispatcher writes signals to the structured log; the default sink for
// environments without a webhook.
type LogDispatcher struct{}

// Dispatch implements Dispatcher.
func (LogDispatcher) Dispatch(_ context.Context, signals []*domain.Signal) (Report, error) {
	for _, s := range signals {
		log.Info().
			Str("component", "dispatch").
			Str("key", string(s.Key)).
			Str("type", string(s.Type)).
			Str("severity", string(s.Severity)).
			Str("label", string(s.Label)).
			Float64("confidence", s.ConfidenceScore).
			Str("what", s.Summary.What).
			Msg("signal dispatched")
	}
	return Report{Sent: len(signals)}, nil
}
