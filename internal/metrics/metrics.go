package metrics

import (
	"sort"
	"sync"
	"time"
)

// Kind classifies a completed execution for aggregation purposes.
type Kind string

const (
	KindSuccess           Kind = "success"
	KindTimeout           Kind = "timeout"
	KindResourceExhausted Kind = "resource_exhausted"
	KindApplicationError  Kind = "application_error"
	KindCircuitOpen       Kind = "circuit_open"
)

const (
	defaultWindowSize = 256
	throughputWindow  = time.Minute
)

type sample struct {
	at   time.Time
	dur  time.Duration
	kind Kind
}

// Summary is a point-in-time view of one entity's rolling statistics.
type Summary struct {
	Total       uint64          `json:"total"`
	Errors      uint64          `json:"errors"`
	ErrorRate   float64         `json:"error_rate"`
	P50         time.Duration   `json:"p50"`
	P95         time.Duration   `json:"p95"`
	Throughput  float64         `json:"throughput"` // completions per second, last minute
	ByKind      map[Kind]uint64 `json:"by_kind"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Record holds a bounded rolling window of recent outcomes for one entity.
// Appends are cheap and never block the execution path beyond the lock; the
// percentile math happens only on Snapshot.
type Record struct {
	mu     sync.Mutex
	ring   []sample
	start  int
	size   int
	counts map[Kind]uint64
	total  uint64
	last   time.Time

	now func() time.Time // overridable in tests
}

// NewRecord creates a record with the given window size (samples kept for
// latency percentiles). Non-positive sizes fall back to the default.
func NewRecord(windowSize int) *Record {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	return &Record{
		ring:   make([]sample, windowSize),
		counts: make(map[Kind]uint64),
		now:    time.Now,
	}
}

// Observe appends one completed execution outcome.
func (r *Record) Observe(kind Kind, dur time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := sample{at: r.now(), dur: dur, kind: kind}
	capacity := len(r.ring)
	if r.size < capacity {
		r.ring[(r.start+r.size)%capacity] = s
		r.size++
	} else {
		r.ring[r.start] = s
		r.start = (r.start + 1) % capacity
	}

	r.counts[kind]++
	r.total++
	r.last = s.at
}

// Snapshot computes derived statistics from the current window.
func (r *Record) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Summary{
		Total:       r.total,
		ByKind:      make(map[Kind]uint64, len(r.counts)),
		LastUpdated: r.last,
	}
	for k, v := range r.counts {
		out.ByKind[k] = v
		if k != KindSuccess {
			out.Errors += v
		}
	}
	if out.Total > 0 {
		out.ErrorRate = float64(out.Errors) / float64(out.Total)
	}

	if r.size > 0 {
		durs := make([]time.Duration, 0, r.size)
		cutoff := r.now().Add(-throughputWindow)
		recent := 0
		for i := 0; i < r.size; i++ {
			s := r.ring[(r.start+i)%len(r.ring)]
			durs = append(durs, s.dur)
			if s.at.After(cutoff) {
				recent++
			}
		}
		sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })
		out.P50 = percentile(durs, 50)
		out.P95 = percentile(durs, 95)
		out.Throughput = float64(recent) / throughputWindow.Seconds()
	}

	return out
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Registry maps entity names to their metrics records. Lookup takes a read
// lock only; each record has its own lock so entities never contend on
// observation.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	window  int
}

// NewRegistry creates an empty registry. windowSize applies to records it creates.
func NewRegistry(windowSize int) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		window:  windowSize,
	}
}

// Register creates (or returns) the record for an entity.
func (g *Registry) Register(name string) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.records[name]; ok {
		return r
	}
	r := NewRecord(g.window)
	g.records[name] = r
	return r
}

// Attach binds an existing record to an entity name, replacing any previous
// record. Used when the entity owns its record and the registry only serves
// aggregated views.
func (g *Registry) Attach(name string, r *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records[name] = r
}

// Get returns the record for an entity, if registered.
func (g *Registry) Get(name string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[name]
	return r, ok
}

// Remove drops an entity's record (entity unregistered or replaced).
func (g *Registry) Remove(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, name)
}

// Snapshots returns summaries for all registered entities.
func (g *Registry) Snapshots() map[string]Summary {
	g.mu.RLock()
	names := make([]string, 0, len(g.records))
	records := make([]*Record, 0, len(g.records))
	for name, r := range g.records {
		names = append(names, name)
		records = append(records, r)
	}
	g.mu.RUnlock()

	out := make(map[string]Summary, len(names))
	for i, name := range names {
		out[name] = records[i].Snapshot()
	}
	return out
}
