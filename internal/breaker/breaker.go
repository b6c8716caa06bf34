package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Admit when the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the breaker position for one entity.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config defines breaker thresholds and timing.
type Config struct {
	// FailureThreshold is the consecutive failure count that trips the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing trials.
	RecoveryTimeout time.Duration

	// HalfOpenTrials is the number of concurrent trial calls admitted while
	// half-open, and the consecutive successes required to close again.
	HalfOpenTrials int
}

// Defaults mirror the host-level defaults; individual entities may override.
func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenTrials <= 0 {
		c.HalfOpenTrials = 1
	}
	return c
}

// StateChangeFunc is invoked after a completed state transition. The breaker's
// lock is not held during the callback.
type StateChangeFunc func(name string, from, to State)

// Snapshot is a read-only view of breaker state for observability.
type Snapshot struct {
	State     State
	Failures  int
	ChangedAt time.Time
}

// Breaker tracks failures for a single entity. Open -> HalfOpen is evaluated
// lazily on Admit, not by a background timer. Each entity owns its breaker,
// so one entity's lock never serializes traffic to another.
type Breaker struct {
	name     string
	cfg      Config
	onChange StateChangeFunc

	mu             sync.Mutex
	state          State
	failures       int
	trialSuccesses int
	trialInFlight  int
	changedAt      time.Time

	now func() time.Time // overridable in tests
}

// New creates a closed breaker for the named entity. onChange may be nil.
func New(name string, cfg Config, onChange StateChangeFunc) *Breaker {
	b := &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		onChange: onChange,
		state:    StateClosed,
		now:      time.Now,
	}
	b.changedAt = b.now()
	return b
}

// Admit decides whether a call may proceed. While half-open it reserves one of
// the limited trial slots; the caller must follow up with exactly one Record.
func (b *Breaker) Admit() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.now().Sub(b.changedAt) < b.cfg.RecoveryTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		// Recovery window elapsed: this caller becomes the first trial.
		from := b.state
		b.state = StateHalfOpen
		b.changedAt = b.now()
		b.trialSuccesses = 0
		b.trialInFlight = 1
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if b.trialInFlight >= b.cfg.HalfOpenTrials {
			b.mu.Unlock()
			return ErrOpen
		}
		b.trialInFlight++
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// Allows reports whether Admit would currently succeed, without reserving a
// trial slot. Used by the load balancer eligibility filter.
func (b *Breaker) Allows() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.changedAt) >= b.cfg.RecoveryTimeout
	case StateHalfOpen:
		return b.trialInFlight < b.cfg.HalfOpenTrials
	}
	return false
}

// Record applies the outcome of an admitted call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			b.mu.Unlock()
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			from := b.state
			b.state = StateOpen
			b.changedAt = b.now()
			b.mu.Unlock()
			b.notify(from, StateOpen)
			return
		}
		b.mu.Unlock()

	case StateHalfOpen:
		if b.trialInFlight > 0 {
			b.trialInFlight--
		}
		if !success {
			// First trial failure reopens and restarts the recovery timer.
			from := b.state
			b.state = StateOpen
			b.changedAt = b.now()
			b.trialSuccesses = 0
			b.mu.Unlock()
			b.notify(from, StateOpen)
			return
		}
		b.trialSuccesses++
		if b.trialSuccesses >= b.cfg.HalfOpenTrials {
			from := b.state
			b.state = StateClosed
			b.changedAt = b.now()
			b.failures = 0
			b.trialSuccesses = 0
			b.mu.Unlock()
			b.notify(from, StateClosed)
			return
		}
		b.mu.Unlock()

	case StateOpen:
		// Late completion from a call admitted before the breaker opened.
		// The open state already reflects the failure pattern; ignore.
		b.mu.Unlock()

	default:
		b.mu.Unlock()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the observable breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:     b.state,
		Failures:  b.failures,
		ChangedAt: b.changedAt,
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}
