package ranking

import (
	"context"
	"time"

	"github.com/corridorlab/corridorscope/internal/domain"
	"github.com/corridorlab/corridorscope/internal/persistence"
)

// DefaultStabilityWindow bounds how far back flips count against an entity.
const DefaultStabilityWindow = 24 * time.Hour

// TransitionFlipCounter counts recent bucket flips from the transition log.
type TransitionFlipCounter struct {
	store  persistence.RankingStore
	window time.Duration
	now    func() time.Time
}

// NewTransitionFlipCounter builds a counter over the transition history. A
// non-positive window falls back to the default.
func NewTransitionFlipCounter(store persistence.RankingStore, window time.Duration) *TransitionFlipCounter {
	if window <= 0 {
		window = DefaultStabilityWindow
	}
	return &TransitionFlipCounter{store: store, window: window, now: time.Now}
}

// SetClock overrides the time source, used by tests.
func (c *TransitionFlipCounter) SetClock(now func() time.Time) { c.now = now }

// RecentFlips implements RecentFlipCounter. The initial assignment does not
// count as a flip.
func (c *TransitionFlipCounter) RecentFlips(ctx context.Context, entityAddr string, chainID int64) (int, error) {
	transitions, err := c.store.ListTransitions(ctx, entityAddr, chainID, 50)
	if err != nil {
		return 0, err
	}
	cutoff := c.now().Add(-c.window)
	flips := 0
	for _, tr := range transitions {
		if tr.OccurredAt.Before(cutoff) {
			break
		}
		if tr.Reason != domain.ReasonInitial {
			flips++
		}
	}
	return flips, nil
}
