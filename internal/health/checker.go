package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bulwarkhq/bulwark/internal/log"
)

// Prober performs one health probe. An error return counts as a failed probe;
// probe cost must stay off the request path, so implementations are called
// only from the checker's background loops.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// Options configures probe cadence and flap damping.
type Options struct {
	Interval           time.Duration // time between probes per subject
	Timeout            time.Duration // per-probe deadline
	HealthyThreshold   int           // consecutive successes to mark healthy
	UnhealthyThreshold int           // consecutive failures to mark unhealthy
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.HealthyThreshold <= 0 {
		o.HealthyThreshold = 3
	}
	if o.UnhealthyThreshold <= 0 {
		o.UnhealthyThreshold = 2
	}
	return o
}

// subject is one monitored entity and its streak counters.
type subject struct {
	name     string
	prober   Prober
	onStatus func(healthy bool)

	mu       sync.Mutex
	healthy  bool
	consecOK int
	consecKO int
}

// observe folds one probe result into the streak counters and fires the
// status callback on a transition. A single success or failure never flips
// status on its own; the thresholds damp flapping.
func (s *subject) observe(err error, opts Options, logger *slog.Logger) {
	s.mu.Lock()
	var flipped, nowHealthy bool
	if err != nil {
		s.consecKO++
		s.consecOK = 0
		if s.healthy && s.consecKO >= opts.UnhealthyThreshold {
			s.healthy = false
			flipped, nowHealthy = true, false
		}
	} else {
		s.consecOK++
		s.consecKO = 0
		if !s.healthy && s.consecOK >= opts.HealthyThreshold {
			s.healthy = true
			flipped, nowHealthy = true, true
		}
	}
	s.mu.Unlock()

	if err != nil {
		logger.Debug("probe failed", "entity", s.name, "error", err)
	}
	if flipped {
		if nowHealthy {
			logger.Info("entity recovered", "entity", s.name)
		} else {
			logger.Warn("entity marked unhealthy", "entity", s.name)
		}
		if s.onStatus != nil {
			s.onStatus(nowHealthy)
		}
	}
}

func (s *subject) isHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// Checker probes registered subjects on independent background loops and
// reports status transitions through per-subject callbacks.
type Checker struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	subjects map[string]*subject
	cancels  map[string]context.CancelFunc
	running  bool
	baseCtx  context.Context
	wg       sync.WaitGroup
}

// NewChecker creates a checker with the given cadence options.
func NewChecker(opts Options) *Checker {
	return &Checker{
		opts:     opts.withDefaults(),
		logger:   log.WithComponent("health"),
		subjects: make(map[string]*subject),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Watch registers an entity for background probing. onStatus is invoked on
// every healthy/unhealthy transition. Entities start healthy; demotion takes
// UnhealthyThreshold consecutive failures. If the checker is already running
// the probe loop starts immediately.
func (c *Checker) Watch(name string, prober Prober, onStatus func(healthy bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subjects[name]; exists {
		return
	}
	s := &subject{name: name, prober: prober, onStatus: onStatus, healthy: true}
	c.subjects[name] = s
	if c.running {
		c.startLoopLocked(s)
	}
}

// Unwatch stops probing an entity.
func (c *Checker) Unwatch(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.cancels[name]; ok {
		cancel()
		delete(c.cancels, name)
	}
	delete(c.subjects, name)
}

// Healthy reports the current status of a watched entity. Unknown entities
// report false.
func (c *Checker) Healthy(name string) bool {
	c.mu.Lock()
	s, ok := c.subjects[name]
	c.mu.Unlock()
	return ok && s.isHealthy()
}

// Start launches a probe loop per registered subject. Loops run until ctx is
// cancelled or Stop is called.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.baseCtx = ctx
	for _, s := range c.subjects {
		c.startLoopLocked(s)
	}
	c.logger.Info("health checker started", "subjects", len(c.subjects), "interval", c.opts.Interval)
}

func (c *Checker) startLoopLocked(s *subject) {
	loopCtx, cancel := context.WithCancel(c.baseCtx)
	c.cancels[s.name] = cancel
	c.wg.Add(1)
	go c.loop(loopCtx, s)
}

// Stop cancels all probe loops and waits for them to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	for name, cancel := range c.cancels {
		cancel()
		delete(c.cancels, name)
	}
	c.running = false
	c.mu.Unlock()
	c.wg.Wait()
	c.logger.Info("health checker stopped")
}

func (c *Checker) loop(ctx context.Context, s *subject) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.probeOnce(ctx, s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOnce(ctx, s)
		}
	}
}

func (c *Checker) probeOnce(ctx context.Context, s *subject) {
	probeCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	s.observe(s.prober.Probe(probeCtx), c.opts, c.logger)
}
