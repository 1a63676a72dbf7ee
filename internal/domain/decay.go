package domain

import "math"

// DecayFactor is the single temporal decay used across scoring and
// features: exp(−ln2·Δ/τ) for elapsed Δ and half-life τ in the same unit.
// Non-positive inputs yield no decay.
func DecayFactor(elapsed, halfLife float64) float64 {
	if elapsed <= 0 || halfLife <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * elapsed / halfLife)
}
