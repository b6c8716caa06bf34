package engine

import (
	"github.com/bulwarkhq/bulwark/internal/api"
	"github.com/bulwarkhq/bulwark/internal/balancer"
	"github.com/bulwarkhq/bulwark/internal/plugin"
)

// Entities returns the status of every managed entity: plugins in
// registration order, then targets in pool order.
func (e *Engine) Entities() []api.EntityStatus {
	var out []api.EntityStatus
	for _, h := range e.orch.Handles() {
		out = append(out, e.pluginStatus(h))
	}
	if e.pool != nil {
		for _, t := range e.pool.Targets() {
			out = append(out, e.targetStatus(t))
		}
	}
	return out
}

// Entity returns the status of one entity by name.
func (e *Engine) Entity(name string) (api.EntityStatus, bool) {
	if h, ok := e.orch.Get(name); ok {
		return e.pluginStatus(h), true
	}
	if e.pool != nil {
		if t, ok := e.pool.Get(name); ok {
			return e.targetStatus(t), true
		}
	}
	return api.EntityStatus{}, false
}

func (e *Engine) pluginStatus(h *plugin.Handle) api.EntityStatus {
	state := h.State()
	return api.EntityStatus{
		Name:     h.Name(),
		Kind:     "plugin",
		State:    state.String(),
		Healthy:  state == plugin.StateActive,
		Breaker:  h.Breaker().Snapshot().State.String(),
		Critical: h.Critical(),
		InFlight: int64(h.Slots().InFlight()),
		Metrics:  h.Metrics().Snapshot(),
	}
}

func (e *Engine) targetStatus(t *balancer.Target) api.EntityStatus {
	state := "active"
	if !t.Healthy() {
		state = "unhealthy"
	}
	return api.EntityStatus{
		Name:     t.Name(),
		Kind:     "target",
		State:    state,
		Healthy:  t.Healthy(),
		Breaker:  t.Breaker().Snapshot().State.String(),
		Weight:   t.Weight(),
		InFlight: t.InFlight(),
		Metrics:  t.Metrics().Snapshot(),
	}
}
