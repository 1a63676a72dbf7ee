package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// SignalKey is the stable deduplication identity of a structural event.
// It is a SHA-256 digest truncated to 16 hex characters (64 bits): for the
// volume of signals this system produces, the birthday-collision probability
// at 64 bits is negligible, and the short form keeps store keys and log
// lines readable.
type SignalKey string

// NewSignalKey derives the key from the structural identity of a candidate.
// Actor and edge id order does not matter; everything else does.
func NewSignalKey(sigType SignalType, window Window, scope Scope, actorIDs, edgeIDs []string) SignalKey {
	actors := append([]string(nil), actorIDs...)
	edges := append([]string(nil), edgeIDs...)
	sort.Strings(actors)
	sort.Strings(edges)

	var b strings.Builder
	b.WriteString(string(sigType))
	b.WriteByte('|')
	b.WriteString(string(window))
	b.WriteByte('|')
	b.WriteString(string(scope))
	b.WriteByte('|')
	b.WriteString(strings.Join(actors, ","))
	b.WriteByte('|')
	b.WriteString(strings.Join(edges, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return SignalKey(hex.EncodeToString(sum[:])[:16])
}

// Replay recomputes the final score from the recorded trace: weighted raw
// score, then every penalty multiplier in recorded order. The actor cap and
// temporal decay appear in the penalty list like any other multiplier, so
// the list alone determines the final score. A trace is valid iff Replay
// matches FinalScore.
func (t *Trace) Replay() float64 {
	score := t.RawScore
	for _, p := range t.Penalties {
		score *= p.Multiplier
	}
	return score
}
