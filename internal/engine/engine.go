package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bulwarkhq/bulwark/internal/api"
	"github.com/bulwarkhq/bulwark/internal/balancer"
	"github.com/bulwarkhq/bulwark/internal/breaker"
	"github.com/bulwarkhq/bulwark/internal/config"
	"github.com/bulwarkhq/bulwark/internal/events"
	"github.com/bulwarkhq/bulwark/internal/exec"
	"github.com/bulwarkhq/bulwark/internal/health"
	"github.com/bulwarkhq/bulwark/internal/log"
	"github.com/bulwarkhq/bulwark/internal/metrics"
	"github.com/bulwarkhq/bulwark/internal/plugin"
	"github.com/bulwarkhq/bulwark/internal/proxy"
	"github.com/bulwarkhq/bulwark/internal/storage"
)

// snapshotInterval is how often entity metrics summaries are persisted.
const snapshotInterval = time.Minute

// Engine wires configuration into a running host: the plugin orchestrator,
// the balanced proxy, health checking, the event hub, the audit store, and
// the HTTP surface.
type Engine struct {
	cfg      *config.Config
	hub      *events.Hub
	executor *exec.Executor
	orch     *plugin.Orchestrator
	pool     *balancer.Pool
	proxy    *proxy.Proxy
	checker  *health.Checker
	store    *storage.AuditStore // nil when storage is disabled
	registry *metrics.Registry
	logger   *slog.Logger

	plugins []config.PluginConf // resolved at RegisterPlugins
}

// New builds an engine from validated configuration. Invalid entities must
// already have been pruned by config.Validate.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		hub:      events.NewHub(256),
		executor: exec.New(),
		registry: metrics.NewRegistry(0),
		logger:   log.WithComponent("engine"),
	}

	if cfg.Storage.Path != "" {
		store, err := storage.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		e.store = store
	}

	e.checker = health.NewChecker(health.Options{
		Interval:           cfg.Health.Interval,
		Timeout:            cfg.Health.Timeout,
		HealthyThreshold:   cfg.Health.HealthyThreshold,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
	})

	e.orch = plugin.NewOrchestrator(e.executor, e.onPluginLifecycle)

	if cfg.Proxy != nil {
		if err := e.buildPool(cfg.Proxy); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Hub returns the event hub.
func (e *Engine) Hub() *events.Hub { return e.hub }

// Orchestrator returns the plugin orchestrator.
func (e *Engine) Orchestrator() *plugin.Orchestrator { return e.orch }

// Proxy returns the balanced forwarder, or nil when no pool is configured.
func (e *Engine) Proxy() *proxy.Proxy { return e.proxy }

func (e *Engine) buildPool(pc *config.ProxyConfig) error {
	targets := make([]*balancer.Target, 0, len(pc.Targets))
	for _, tc := range pc.Targets {
		threshold, recovery, trials := e.cfg.BreakerSettings(tc.CircuitBreaker)
		t := balancer.NewTarget(tc.Name, tc.URL, balancer.TargetOptions{
			Weight:           tc.Weight,
			HealthPath:       tc.HealthPath,
			MaxExecutionTime: e.cfg.Defaults.MaxExecutionTime,
			MaxConcurrent:    e.cfg.Defaults.MaxConcurrent,
			Breaker: breaker.Config{
				FailureThreshold: threshold,
				RecoveryTimeout:  recovery,
				HalfOpenTrials:   trials,
			},
		}, e.onBreakerChange(tc.Name))
		targets = append(targets, t)
		e.registry.Attach(t.Name(), t.Metrics())
	}

	pool, err := balancer.NewPool(pc.Algorithm, targets)
	if err != nil {
		return err
	}
	e.pool = pool
	e.proxy = proxy.New(pool, e.executor, nil, pc.Retries)

	for _, t := range targets {
		target := t
		prober := health.NewHTTPProber(nil, target.URL(), target.HealthPath())
		e.checker.Watch(target.Name(), prober, func(healthy bool) {
			target.SetHealthy(healthy)
			e.publishHealthChange(target.Name(), healthy)
		})
	}
	return nil
}

// RegisterPlugins resolves configured plugins against manifest discovery and
// registers a subprocess handle per plugin, in configuration order. Plugins
// found only on disk register after the configured ones. A critical plugin
// that fails to initialize aborts startup; non-critical failures leave the
// plugin in failed state and startup continues.
func (e *Engine) RegisterPlugins(ctx context.Context) error {
	resolved, err := e.resolvePlugins()
	if err != nil {
		return err
	}
	e.plugins = resolved

	for _, pc := range resolved {
		h := e.newHandle(pc)
		if err := e.orch.Register(ctx, h); err != nil {
			return err
		}
		e.registry.Attach(h.Name(), h.Metrics())
		e.watchPlugin(h)
	}
	return nil
}

// resolvePlugins merges plugin configuration with manifests discovered under
// service.plugins_dir. A manifest fills in entrypoint and execution bounds the
// configuration leaves unset; manifests with no configuration entry become
// plugins of their own with manifest defaults.
func (e *Engine) resolvePlugins() ([]config.PluginConf, error) {
	resolved := append([]config.PluginConf(nil), e.cfg.Plugins...)

	if e.cfg.Service.PluginsDir == "" {
		return resolved, nil
	}

	disc, err := plugin.Discover(e.cfg.Service.PluginsDir, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			e.logger.Debug(msg, args...)
		case "warn":
			e.logger.Warn(msg, args...)
		case "error":
			e.logger.Error(msg, args...)
		default:
			e.logger.Info(msg, args...)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("plugin discovery: %w", err)
	}

	configured := make(map[string]bool, len(resolved))
	for i := range resolved {
		pc := &resolved[i]
		configured[pc.Name] = true
		d, ok := disc.Get(pc.Name)
		if !ok {
			continue
		}
		if pc.Entrypoint == "" {
			pc.Entrypoint = d.Entrypoint
		}
		if pc.MaxExecutionTime == 0 {
			pc.MaxExecutionTime = d.MaxExecutionTime
		}
		pc.Critical = pc.Critical || d.Critical
		if missing := d.ValidateConfig(pc.Config); len(missing) > 0 {
			if pc.Critical {
				return nil, fmt.Errorf("plugin %q missing required config keys %v", pc.Name, missing)
			}
			e.logger.Warn("plugin missing required config keys", "plugin", pc.Name, "keys", missing)
		}
	}

	names := make([]string, 0, len(disc.All()))
	for name := range disc.All() {
		if !configured[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		d, _ := disc.Get(name)
		if missing := d.ValidateConfig(nil); len(missing) > 0 {
			if d.Critical {
				return nil, fmt.Errorf("plugin %q missing required config keys %v", name, missing)
			}
			e.logger.Warn("discovered plugin skipped, required config keys missing", "plugin", name, "keys", missing)
			continue
		}
		resolved = append(resolved, config.PluginConf{
			Name:             d.Name,
			Critical:         d.Critical,
			MaxExecutionTime: d.MaxExecutionTime,
			Entrypoint:       d.Entrypoint,
		})
	}

	return resolved, nil
}

func (e *Engine) newHandle(pc config.PluginConf) *plugin.Handle {
	maxTime, maxConcurrent := e.cfg.ExecutionBounds(pc)
	threshold, recovery, trials := e.cfg.BreakerSettings(pc.CircuitBreaker)
	handler := plugin.NewProcHandler(pc.Name, pc.Entrypoint, pc.Critical, maxTime)
	return plugin.NewHandle(handler, plugin.HandleOptions{
		Critical:         pc.Critical,
		MaxExecutionTime: maxTime,
		MaxConcurrent:    maxConcurrent,
		Breaker: breaker.Config{
			FailureThreshold: threshold,
			RecoveryTimeout:  recovery,
			HalfOpenTrials:   trials,
		},
		Config: pc.Config,
	}, e.onBreakerChange(pc.Name))
}

// watchPlugin probes the plugin's health hook in the background. A degraded
// or unhealthy self-report counts as a failed probe; threshold crossings flip
// the handle between active and degraded.
func (e *Engine) watchPlugin(h *plugin.Handle) {
	name := h.Name()
	e.checker.Watch(name, health.ProbeFunc(func(ctx context.Context) error {
		status, err := h.Handler().HealthCheck(ctx)
		if err != nil {
			return err
		}
		if status != plugin.HealthHealthy {
			return fmt.Errorf("plugin reports %s", status)
		}
		return nil
	}), func(healthy bool) {
		if h.MarkDegraded(!healthy) {
			e.publishHealthChange(name, healthy)
		}
	})
}

// ReloadPlugins hot-swaps every registered plugin: fresh subprocess handles
// are initialized and atomically replace the old ones, which drain and shut
// down in the background. The resolved set is fixed at registration; plugins
// added to the plugins directory later require a restart.
func (e *Engine) ReloadPlugins(ctx context.Context) error {
	var firstErr error
	for _, pc := range e.plugins {
		fresh := e.newHandle(pc)
		if err := e.orch.Reload(ctx, fresh); err != nil {
			e.logger.Error("plugin reload failed", "plugin", pc.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.registry.Attach(fresh.Name(), fresh.Metrics())
	}
	e.hub.Publish(events.TypeConfigReloaded, nil)
	return firstErr
}

// Run starts background machinery and the HTTP server, then blocks until ctx
// is cancelled. Shutdown order: HTTP surface first, probes next, plugins
// last, so in-flight requests finish against a full hook chain.
func (e *Engine) Run(ctx context.Context) error {
	e.checker.Start(ctx)
	defer e.checker.Stop()

	if e.store != nil {
		go e.snapshotLoop(ctx)
		defer e.store.Close()
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.orch.Shutdown(shutdownCtx)
	}()

	if !e.cfg.API.Enabled {
		e.logger.Info("API disabled, running headless")
		<-ctx.Done()
		return ctx.Err()
	}

	server := api.New(api.Config{
		Listen: e.cfg.API.Listen,
		APIKey: e.cfg.API.APIKey,
	}, e.orch, e.forwarder(), e, e.hub)
	return server.Start(ctx)
}

// forwarder returns the proxy as an api.Forwarder, or a typed nil-free
// absence when no pool is configured.
func (e *Engine) forwarder() api.Forwarder {
	if e.proxy == nil {
		return nil
	}
	return e.proxy
}

func (e *Engine) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sum := range e.registry.Snapshots() {
				if err := e.store.RecordSnapshot(ctx, name, sum); err != nil {
					e.logger.Warn("failed to persist metrics snapshot", "entity", name, "error", err)
				}
			}
		}
	}
}

func (e *Engine) onBreakerChange(entity string) breaker.StateChangeFunc {
	return func(_ string, from, to breaker.State) {
		e.hub.Publish(events.TypeBreakerStateChanged, events.BreakerStateChange{
			Entity: entity,
			From:   from.String(),
			To:     to.String(),
		})
		e.audit(entity, "breaker", from.String(), to.String())
	}
}

func (e *Engine) onPluginLifecycle(name string, state plugin.LifecycleState) {
	e.hub.Publish(events.TypePluginLifecycle, events.PluginLifecycle{
		Plugin: name,
		State:  state.String(),
	})
	e.audit(name, "lifecycle", "", state.String())
}

func (e *Engine) publishHealthChange(entity string, healthy bool) {
	e.hub.Publish(events.TypeEntityHealthChanged, events.EntityHealthChange{
		Entity:  entity,
		Healthy: healthy,
	})
	status := "unhealthy"
	prev := "healthy"
	if healthy {
		status, prev = "healthy", "unhealthy"
	}
	e.audit(entity, "health", prev, status)
}

// audit writes one transition to the store. The audit trail is best effort;
// failures are logged and the host keeps running.
func (e *Engine) audit(entity, kind, from, to string) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.store.RecordTransition(ctx, entity, kind, from, to); err != nil {
		e.logger.Warn("failed to record transition", "entity", entity, "error", err)
	}
}
