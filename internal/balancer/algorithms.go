package balancer

import (
	"math/rand"

	"github.com/alicia-home/alicia/internal/fault"
)

// Algorithm names a selection strategy.
type Algorithm string

const (
	RoundRobin         Algorithm = "round_robin"
	LeastConnections   Algorithm = "least_connections"
	WeightedRoundRobin Algorithm = "weighted_round_robin"
	Random             Algorithm = "random"
)

// ParseAlgorithm validates an algorithm name from config or the API.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case RoundRobin, LeastConnections, WeightedRoundRobin, Random:
		return Algorithm(s), nil
	default:
		return "", fault.Newf(fault.Validation, "unknown algorithm %q", s)
	}
}

// pickLocked selects one instance from candidates, which is non-empty and
// sorted by instance id. Caller holds b.mu.
func (b *Balancer) pickLocked(algo Algorithm, service string, candidates []*instance) *instance {
	switch algo {
	case LeastConnections:
		return pickLeastConnections(candidates)
	case WeightedRoundRobin:
		return pickSmoothWeighted(candidates)
	case Random:
		return candidates[rand.Intn(len(candidates))]
	default: // round robin
		idx := b.cursors[service] % len(candidates)
		b.cursors[service]++
		return candidates[idx]
	}
}

// pickLeastConnections returns the instance with the fewest active
// connections; candidates are sorted by id, so ties break on the lowest id.
func pickLeastConnections(candidates []*instance) *instance {
	best := candidates[0]
	for _, inst := range candidates[1:] {
		if inst.ActiveConnections < best.ActiveConnections {
			best = inst
		}
	}
	return best
}

// pickSmoothWeighted implements smooth weighted round-robin: every pass each
// candidate gains its weight, the leader is chosen and pays back the total.
// Over Σweight consecutive picks each instance is selected weight times, and
// the sequence interleaves rather than bursting per instance.
func pickSmoothWeighted(candidates []*instance) *instance {
	total := 0
	var best *instance
	for _, inst := range candidates {
		inst.swrr += inst.Weight
		total += inst.Weight
		if best == nil || inst.swrr > best.swrr {
			best = inst
		}
	}
	best.swrr -= total
	return best
}
