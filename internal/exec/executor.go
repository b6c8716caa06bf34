package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bulwarkhq/bulwark/internal/breaker"
	"github.com/bulwarkhq/bulwark/internal/log"
	"github.com/bulwarkhq/bulwark/internal/metrics"
)

// Typed failure classes for one bounded call to an untrusted entity.
var (
	ErrCircuitOpen       = breaker.ErrOpen
	ErrTimeout           = errors.New("execution deadline exceeded")
	ErrResourceExhausted = errors.New("entity concurrency limit reached")
)

// RejectionError marks a call the executor refused before attempting it,
// carrying the entity that rejected it. errors.Is still matches the wrapped
// sentinel.
type RejectionError struct {
	Entity string
	Err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("entity %q: %v", e.Entity, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// Operation is the unit of work run under resilience bounds. It must honor
// ctx cancellation; past the deadline its side effects are undefined and the
// executor discards any late completion.
type Operation func(ctx context.Context) error

// Entity is anything the executor can call with bounded blast radius: a
// plugin handle or an upstream target.
type Entity interface {
	Name() string
	Breaker() *breaker.Breaker
	Metrics() *metrics.Record
	MaxExecutionTime() time.Duration
	Slots() *Semaphore
}

// Outcome is the classified result of one Execute call.
type Outcome struct {
	Kind     metrics.Kind
	Duration time.Duration
	Err      error
}

// Success reports whether the underlying operation completed without error.
func (o Outcome) Success() bool {
	return o.Kind == metrics.KindSuccess
}

// Executor wraps calls to entities with circuit-breaker admission, a
// concurrency ceiling, a deadline, and panic confinement. Exactly one
// metrics observation happens per call; admitted calls additionally produce
// exactly one breaker record.
type Executor struct {
	logger *slog.Logger
}

// New creates an Executor.
func New() *Executor {
	return &Executor{logger: log.WithComponent("exec")}
}

// Execute runs op on behalf of ent and classifies the result. A panic inside
// op never escapes to the caller; it is converted to an application error.
func (e *Executor) Execute(ctx context.Context, ent Entity, op Operation) Outcome {
	start := time.Now()

	if err := ent.Breaker().Admit(); err != nil {
		// The call is never attempted; no breaker record for a rejection.
		out := Outcome{
			Kind: metrics.KindCircuitOpen,
			Err:  &RejectionError{Entity: ent.Name(), Err: err},
		}
		ent.Metrics().Observe(out.Kind, 0)
		e.logger.Debug("call rejected, circuit open", "entity", ent.Name())
		return out
	}

	if !ent.Slots().TryAcquire() {
		out := Outcome{
			Kind: metrics.KindResourceExhausted,
			Err:  &RejectionError{Entity: ent.Name(), Err: ErrResourceExhausted},
		}
		// Admitted by the breaker, so the outcome must be recorded to keep
		// half-open trial accounting exact.
		ent.Breaker().Record(false)
		ent.Metrics().Observe(out.Kind, 0)
		e.logger.Warn("call rejected, concurrency ceiling", "entity", ent.Name())
		return out
	}
	defer ent.Slots().Release()

	out := e.run(ctx, ent, op)
	out.Duration = time.Since(start)

	ent.Breaker().Record(out.Success())
	ent.Metrics().Observe(out.Kind, out.Duration)

	if !out.Success() {
		e.logger.Warn("call failed", "entity", ent.Name(), "kind", string(out.Kind), "error", out.Err, "duration", out.Duration)
	}
	return out
}

// run races op against the entity's deadline. The operation runs in its own
// goroutine so a stuck callee cannot pin the caller past the deadline.
func (e *Executor) run(ctx context.Context, ent Entity, op Operation) Outcome {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if maxTime := ent.MaxExecutionTime(); maxTime > 0 {
		callCtx, cancel = context.WithTimeout(ctx, maxTime)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- op(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return Outcome{
				Kind: metrics.KindApplicationError,
				Err:  fmt.Errorf("entity %q: %w", ent.Name(), err),
			}
		}
		return Outcome{Kind: metrics.KindSuccess}

	case <-callCtx.Done():
		// The operation is abandoned: at-most-once, possibly incomplete.
		// A late completion on the buffered channel is discarded.
		return Outcome{
			Kind: metrics.KindTimeout,
			Err:  fmt.Errorf("entity %q after %v: %w", ent.Name(), ent.MaxExecutionTime(), ErrTimeout),
		}
	}
}

// Semaphore is a non-blocking concurrency ceiling. A nil or unlimited
// semaphore always admits.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore admitting up to n concurrent holders.
// n <= 0 means unlimited.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

// TryAcquire claims a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	if s == nil || s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a previously acquired slot.
func (s *Semaphore) Release() {
	if s == nil || s.ch == nil {
		return
	}
	select {
	case <-s.ch:
	default:
	}
}

// InFlight returns the number of currently held slots.
func (s *Semaphore) InFlight() int {
	if s == nil || s.ch == nil {
		return 0
	}
	return len(s.ch)
}
