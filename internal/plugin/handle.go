package plugin

import (
	"sync"
	"time"

	"github.com/bulwarkhq/bulwark/internal/breaker"
	"github.com/bulwarkhq/bulwark/internal/exec"
	"github.com/bulwarkhq/bulwark/internal/metrics"
)

// LifecycleState tracks a handle through its managed lifetime.
type LifecycleState int

const (
	StateRegistered LifecycleState = iota
	StateInitializing
	StateActive
	StateDegraded
	StateStopping
	StateStopped
	StateFailed
)

func (s LifecycleState) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HandleOptions carries the resolved per-entity bounds for a handle.
type HandleOptions struct {
	Version          string
	Critical         bool
	MaxExecutionTime time.Duration
	MaxConcurrent    int
	Breaker          breaker.Config
	Config           map[string]any
}

// Handle is the entity wrapper around one Handler: lifecycle state, breaker,
// metrics record, and execution bounds. Only the orchestrator mutates
// lifecycle state; everything else reads it.
type Handle struct {
	name     string
	version  string
	critical bool
	conf     map[string]any
	handler  Handler

	brk     *breaker.Breaker
	rec     *metrics.Record
	maxTime time.Duration
	slots   *exec.Semaphore

	mu    sync.Mutex
	state LifecycleState
}

// NewHandle wraps handler as a managed entity. Zero-valued options fall back
// to the handler's own declarations.
func NewHandle(handler Handler, opts HandleOptions, onBreakerChange breaker.StateChangeFunc) *Handle {
	name := handler.Name()

	maxTime := opts.MaxExecutionTime
	if maxTime <= 0 {
		maxTime = handler.MaxExecutionTime()
	}
	critical := opts.Critical || handler.Critical()

	return &Handle{
		name:     name,
		version:  opts.Version,
		critical: critical,
		conf:     opts.Config,
		handler:  handler,
		brk:      breaker.New(name, opts.Breaker, onBreakerChange),
		rec:      metrics.NewRecord(0),
		maxTime:  maxTime,
		slots:    exec.NewSemaphore(opts.MaxConcurrent),
		state:    StateRegistered,
	}
}

// exec.Entity implementation.

func (h *Handle) Name() string                    { return h.name }
func (h *Handle) Breaker() *breaker.Breaker       { return h.brk }
func (h *Handle) Metrics() *metrics.Record        { return h.rec }
func (h *Handle) MaxExecutionTime() time.Duration { return h.maxTime }
func (h *Handle) Slots() *exec.Semaphore          { return h.slots }

// Version returns the plugin version string, if declared.
func (h *Handle) Version() string { return h.version }

// Critical reports whether this plugin's failure aborts the request chain.
func (h *Handle) Critical() bool { return h.critical }

// Config returns the plugin's configuration blob.
func (h *Handle) Config() map[string]any { return h.conf }

// Handler returns the wrapped implementation.
func (h *Handle) Handler() Handler { return h.handler }

// State returns the current lifecycle state.
func (h *Handle) State() LifecycleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s LifecycleState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// MarkDegraded flips between Active and Degraded based on health probes.
// Degradation is observability-only: a degraded handle stays dispatch
// eligible. Other lifecycle states are left alone.
func (h *Handle) MarkDegraded(degraded bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case degraded && h.state == StateActive:
		h.state = StateDegraded
		return true
	case !degraded && h.state == StateDegraded:
		h.state = StateActive
		return true
	}
	return false
}

// DispatchEligible reports whether hooks may run against this handle.
// Only lifecycle excludes a plugin here; breaker state is enforced per call
// by the executor.
func (h *Handle) DispatchEligible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == StateActive || h.state == StateDegraded
}
