package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bulwarkhq/bulwark/internal/exec"
	"github.com/bulwarkhq/bulwark/internal/log"
	"github.com/bulwarkhq/bulwark/internal/protocol"
)

// reloadGracePeriod bounds how long a replaced handle may finish in-flight
// calls before shutdown is invoked.
const reloadGracePeriod = 5 * time.Second

// LifecycleFunc is notified after every handle lifecycle transition.
type LifecycleFunc func(name string, state LifecycleState)

// CriticalError reports that a critical plugin failed, aborting the hook chain.
type CriticalError struct {
	Plugin  string
	Outcome exec.Outcome
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("critical plugin %q failed: %v", e.Plugin, e.Outcome.Err)
}

func (e *CriticalError) Unwrap() error {
	return e.Outcome.Err
}

// Orchestrator owns the plugin registry and runs hooks through the resilient
// executor. Before-hooks run in registration order; after-hooks run in the
// exact reverse order, so the last plugin to see a request is the first to
// see its response.
type Orchestrator struct {
	executor    *exec.Executor
	onLifecycle LifecycleFunc
	logger      *slog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
	order   []string
}

// NewOrchestrator creates an empty orchestrator. onLifecycle may be nil.
func NewOrchestrator(executor *exec.Executor, onLifecycle LifecycleFunc) *Orchestrator {
	return &Orchestrator{
		executor:    executor,
		onLifecycle: onLifecycle,
		logger:      log.WithComponent("plugin"),
		handles:     make(map[string]*Handle),
	}
}

func (o *Orchestrator) transition(h *Handle, s LifecycleState) {
	h.setState(s)
	if o.onLifecycle != nil {
		o.onLifecycle(h.Name(), s)
	}
}

// Register initializes the handle and, on success, appends it to the hook
// chain. A failed initialize leaves the handle registered in Failed state,
// excluded from dispatch until an explicit Reload; for critical plugins the
// failure is also returned to the caller.
func (o *Orchestrator) Register(ctx context.Context, h *Handle) error {
	o.mu.Lock()
	if _, exists := o.handles[h.Name()]; exists {
		o.mu.Unlock()
		return fmt.Errorf("plugin %q already registered", h.Name())
	}
	o.handles[h.Name()] = h
	o.order = append(o.order, h.Name())
	o.mu.Unlock()

	o.transition(h, StateInitializing)
	out := o.executor.Execute(ctx, h, func(ctx context.Context) error {
		return h.Handler().Initialize(ctx, h.Config())
	})
	if !out.Success() {
		o.transition(h, StateFailed)
		o.logger.Error("plugin initialize failed", "plugin", h.Name(), "kind", string(out.Kind), "error", out.Err)
		if h.Critical() {
			return fmt.Errorf("critical plugin %q failed to initialize: %w", h.Name(), out.Err)
		}
		return nil
	}

	o.transition(h, StateActive)
	o.logger.Info("plugin registered", "plugin", h.Name(), "critical", h.Critical())
	return nil
}

// Unregister shuts the handle down and removes it from the chain. Shutdown
// failures are logged, not fatal.
func (o *Orchestrator) Unregister(ctx context.Context, name string) error {
	o.mu.Lock()
	h, ok := o.handles[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("plugin %q not registered", name)
	}
	delete(o.handles, name)
	for i, n := range o.order {
		if n == name {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	o.shutdownHandle(ctx, h)
	return nil
}

// Reload initializes fresh as a replacement for the handle of the same name.
// Only once its initialize succeeds is the registry pointer swapped; the old
// handle then gets a bounded grace period to finish in-flight calls before
// shutdown.
func (o *Orchestrator) Reload(ctx context.Context, fresh *Handle) error {
	name := fresh.Name()
	o.mu.RLock()
	old, ok := o.handles[name]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %q not registered", name)
	}

	o.transition(fresh, StateInitializing)
	out := o.executor.Execute(ctx, fresh, func(ctx context.Context) error {
		return fresh.Handler().Initialize(ctx, fresh.Config())
	})
	if !out.Success() {
		o.transition(fresh, StateFailed)
		return fmt.Errorf("reload of plugin %q failed: %w", name, out.Err)
	}

	o.mu.Lock()
	o.handles[name] = fresh
	o.mu.Unlock()
	o.transition(fresh, StateActive)
	o.logger.Info("plugin reloaded", "plugin", name)

	// Retire the old handle off the request path.
	go func() {
		deadline := time.Now().Add(reloadGracePeriod)
		for old.Slots().InFlight() > 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), reloadGracePeriod)
		defer cancel()
		o.shutdownHandle(shutdownCtx, old)
	}()

	return nil
}

// DispatchBefore runs before-hooks in registration order. Non-critical
// failures are recorded and skipped; a critical failure aborts the chain.
func (o *Orchestrator) DispatchBefore(ctx context.Context, req *protocol.HTTPRequest) error {
	for _, h := range o.Handles() {
		if !h.DispatchEligible() {
			continue
		}
		out := o.executor.Execute(ctx, h, func(ctx context.Context) error {
			return h.Handler().BeforeRequest(ctx, req)
		})
		if out.Success() {
			continue
		}
		if h.Critical() {
			return &CriticalError{Plugin: h.Name(), Outcome: out}
		}
		// The plugin's contribution to this request is simply absent.
		o.logger.Warn("before hook failed, continuing", "plugin", h.Name(), "kind", string(out.Kind))
	}
	return nil
}

// DispatchAfter runs after-hooks in reverse registration order.
func (o *Orchestrator) DispatchAfter(ctx context.Context, res *protocol.HTTPResponse) error {
	handles := o.Handles()
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		if !h.DispatchEligible() {
			continue
		}
		out := o.executor.Execute(ctx, h, func(ctx context.Context) error {
			return h.Handler().AfterResponse(ctx, res)
		})
		if out.Success() {
			continue
		}
		if h.Critical() {
			return &CriticalError{Plugin: h.Name(), Outcome: out}
		}
		o.logger.Warn("after hook failed, continuing", "plugin", h.Name(), "kind", string(out.Kind))
	}
	return nil
}

// Get returns a handle by name.
func (o *Orchestrator) Get(name string) (*Handle, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handles[name]
	return h, ok
}

// Handles returns current handles in registration order.
func (o *Orchestrator) Handles() []*Handle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Handle, 0, len(o.order))
	for _, name := range o.order {
		if h, ok := o.handles[name]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Shutdown stops all plugins in reverse registration order.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	handles := o.Handles()
	o.mu.Lock()
	o.handles = make(map[string]*Handle)
	o.order = nil
	o.mu.Unlock()

	for i := len(handles) - 1; i >= 0; i-- {
		o.shutdownHandle(ctx, handles[i])
	}
	o.logger.Info("all plugins shut down")
}

func (o *Orchestrator) shutdownHandle(ctx context.Context, h *Handle) {
	if h.State() == StateStopped {
		return
	}
	o.transition(h, StateStopping)
	out := o.executor.Execute(ctx, h, func(ctx context.Context) error {
		return h.Handler().Shutdown(ctx)
	})
	if !out.Success() {
		o.logger.Warn("plugin shutdown failed", "plugin", h.Name(), "error", out.Err)
	}
	o.transition(h, StateStopped)
}
