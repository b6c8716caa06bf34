package balancer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/bulwarkhq/bulwark/internal/config"
)

// ErrNoEligibleTarget is returned when every target is unhealthy or rejected
// by its circuit breaker.
var ErrNoEligibleTarget = errors.New("no eligible target")

// Pool selects among registered targets using the configured algorithm.
// Registration order is fixed at construction and is the tiebreak everywhere
// a tie can occur, so selection is deterministic for a given pool state.
type Pool struct {
	algorithm string

	mu      sync.Mutex
	targets []*Target
	cursor  int // round robin position
}

// NewPool creates a pool over targets, which are kept in the given order.
func NewPool(algorithm string, targets []*Target) (*Pool, error) {
	switch algorithm {
	case config.AlgorithmRoundRobin, config.AlgorithmWeightedRoundRobin,
		config.AlgorithmIPHash, config.AlgorithmLeastConnections:
	default:
		return nil, fmt.Errorf("unknown balancing algorithm %q", algorithm)
	}
	for i, t := range targets {
		t.index = i
	}
	return &Pool{algorithm: algorithm, targets: targets}, nil
}

// Algorithm returns the configured selection algorithm.
func (p *Pool) Algorithm() string { return p.algorithm }

// Targets returns the pool members in registration order.
func (p *Pool) Targets() []*Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Target, len(p.targets))
	copy(out, p.targets)
	return out
}

// Get returns a target by name.
func (p *Pool) Get(name string) (*Target, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.targets {
		if t.name == name {
			return t, true
		}
	}
	return nil, false
}

// Select picks the next target for a request. clientID is only consulted by
// ip_hash; other algorithms ignore it.
func (p *Pool) Select(clientID string) (*Target, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := p.eligibleLocked()
	if len(eligible) == 0 {
		return nil, ErrNoEligibleTarget
	}

	switch p.algorithm {
	case config.AlgorithmRoundRobin:
		return p.roundRobinLocked(eligible), nil
	case config.AlgorithmWeightedRoundRobin:
		return p.weightedLocked(eligible), nil
	case config.AlgorithmIPHash:
		return hashPick(eligible, clientID), nil
	case config.AlgorithmLeastConnections:
		return leastConnections(eligible), nil
	default:
		return nil, fmt.Errorf("unknown balancing algorithm %q", p.algorithm)
	}
}

func (p *Pool) eligibleLocked() []*Target {
	out := make([]*Target, 0, len(p.targets))
	for _, t := range p.targets {
		if t.Eligible() {
			out = append(out, t)
		}
	}
	return out
}

// roundRobinLocked advances a shared cursor over the full target list,
// skipping members absent from the eligibility snapshot without burning their
// turn. The snapshot, not a live Eligible() read, decides membership: the
// health flag is flipped lock-free by probe callbacks, and re-reading it here
// could leave no pickable target after the caller's non-empty check.
func (p *Pool) roundRobinLocked(eligible []*Target) *Target {
	member := make(map[*Target]bool, len(eligible))
	for _, t := range eligible {
		member[t] = true
	}
	n := len(p.targets)
	for i := 0; i < n; i++ {
		t := p.targets[p.cursor%n]
		p.cursor = (p.cursor + 1) % n
		if member[t] {
			return t
		}
	}
	return eligible[0] // unreachable: eligible is a non-empty subset of targets
}

// weightedLocked implements smooth weighted round robin: every eligible
// target earns its weight in credit, the richest target is picked, and the
// pick pays the total weight back. Over a full cycle each target is chosen
// in proportion to its weight, without bursts.
func (p *Pool) weightedLocked(eligible []*Target) *Target {
	total := 0
	var best *Target
	for _, t := range eligible {
		t.credit += t.weight
		total += t.weight
		if best == nil || t.credit > best.credit {
			best = t
		}
	}
	best.credit -= total
	return best
}

// hashPick maps a client id onto the eligible list so a client sticks to one
// target for as long as the eligible set is stable.
func hashPick(eligible []*Target, clientID string) *Target {
	sum := blake3.Sum256([]byte(clientID))
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(eligible))
	return eligible[idx]
}

// leastConnections picks the eligible target with the fewest in-flight
// requests, breaking ties by registration order.
func leastConnections(eligible []*Target) *Target {
	best := eligible[0]
	for _, t := range eligible[1:] {
		if t.InFlight() < best.InFlight() {
			best = t
		}
	}
	return best
}
