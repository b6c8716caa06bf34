package balancer

import (
	"sync/atomic"
	"time"

	"github.com/bulwarkhq/bulwark/internal/breaker"
	"github.com/bulwarkhq/bulwark/internal/exec"
	"github.com/bulwarkhq/bulwark/internal/metrics"
)

// TargetOptions carries the resolved per-target bounds.
type TargetOptions struct {
	Weight           int
	HealthPath       string
	MaxExecutionTime time.Duration
	MaxConcurrent    int
	Breaker          breaker.Config
}

// Target is one backend in a pool: an entity with a weight, a health flag
// maintained by background probes, and an in-flight count maintained by the
// dispatch path. Selection never mutates health; probes never select.
type Target struct {
	name       string
	url        string
	weight     int
	healthPath string
	index      int // registration order, used as the deterministic tiebreak

	brk     *breaker.Breaker
	rec     *metrics.Record
	maxTime time.Duration
	slots   *exec.Semaphore

	healthy  atomic.Bool
	inFlight atomic.Int64

	// credit is the smooth weighted round robin accumulator. Guarded by the
	// pool's mutex, not by the target.
	credit int
}

// NewTarget creates a pool member. Targets start healthy; the health checker
// demotes them only after consecutive probe failures.
func NewTarget(name, url string, opts TargetOptions, onBreakerChange breaker.StateChangeFunc) *Target {
	weight := opts.Weight
	if weight <= 0 {
		weight = 1
	}
	t := &Target{
		name:       name,
		url:        url,
		weight:     weight,
		healthPath: opts.HealthPath,
		brk:        breaker.New(name, opts.Breaker, onBreakerChange),
		rec:        metrics.NewRecord(0),
		maxTime:    opts.MaxExecutionTime,
		slots:      exec.NewSemaphore(opts.MaxConcurrent),
	}
	t.healthy.Store(true)
	return t
}

// exec.Entity implementation.

func (t *Target) Name() string                    { return t.name }
func (t *Target) Breaker() *breaker.Breaker       { return t.brk }
func (t *Target) Metrics() *metrics.Record        { return t.rec }
func (t *Target) MaxExecutionTime() time.Duration { return t.maxTime }
func (t *Target) Slots() *exec.Semaphore          { return t.slots }

// URL returns the backend base URL.
func (t *Target) URL() string { return t.url }

// Weight returns the configured selection weight.
func (t *Target) Weight() int { return t.weight }

// HealthPath returns the probe path, if configured.
func (t *Target) HealthPath() string { return t.healthPath }

// Healthy reports the probe-maintained health flag.
func (t *Target) Healthy() bool { return t.healthy.Load() }

// SetHealthy updates the health flag. Returns true when the value changed.
func (t *Target) SetHealthy(v bool) bool {
	return t.healthy.Swap(v) != v
}

// Eligible reports whether the target may receive new requests: healthy and
// its breaker admits traffic. The breaker peek does not consume a half-open
// trial slot; that happens at execution time.
func (t *Target) Eligible() bool {
	return t.healthy.Load() && t.brk.Allows()
}

// InFlight returns the number of requests currently dispatched to this target.
func (t *Target) InFlight() int64 { return t.inFlight.Load() }

// Acquire marks one request in flight. Paired with Release.
func (t *Target) Acquire() { t.inFlight.Add(1) }

// Release marks one request complete.
func (t *Target) Release() { t.inFlight.Add(-1) }
