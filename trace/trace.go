// Package trace implements the build-time cache-tracing and
// allocation-tracing knobs that instrument the memory core at the cost of a
// flag check when disabled: counters that do nothing unless enabled, an
// allocation-site recorder (file/function/line) that can be dumped as a
// pprof profile, and a Prometheus metrics facade for the slab and zone
// layers.
package trace

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
)

// CacheTracing and AllocTracing gate the two tracing facilities below.
// Both default off and are checked at run time: Counter_t's Inc/Add,
// CallerSite and AllocProfile.Record do nothing while their gate is off.
var (
	CacheTracing = false
	AllocTracing = false
)

// Counter_t is a statistical counter that is a no-op unless CacheTracing is
// enabled.
type Counter_t int64

// Inc increments the counter when cache tracing is enabled.
func (c *Counter_t) Inc() {
	if CacheTracing {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add adds n to the counter when cache tracing is enabled.
func (c *Counter_t) Add(n int64) {
	if CacheTracing {
		atomic.AddInt64((*int64)(c), n)
	}
}

// Get returns the counter's current value regardless of tracing state, so
// tests can assert on it deterministically.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// AllocSite identifies the call site of an allocation for cache tracing.
type AllocSite struct {
	File string
	Line int
	Func string
}

// CallerSite captures the call site `skip` frames above its caller. It
// returns the zero AllocSite when AllocTracing is disabled, so callers can
// unconditionally call it without paying for runtime.Caller in the common
// case being checked twice.
func CallerSite(skip int) AllocSite {
	if !AllocTracing {
		return AllocSite{}
	}
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return AllocSite{}
	}
	name := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
	}
	return AllocSite{File: file, Line: line, Func: name}
}

// AllocProfile accumulates allocation-site counts for a single slab cache
// and can render them as a pprof profile for `go tool pprof`.
type AllocProfile struct {
	mu      sync.Mutex
	samples map[AllocSite]int64
	start   time.Time
}

// NewAllocProfile returns an empty profile recorder.
func NewAllocProfile() *AllocProfile {
	return &AllocProfile{samples: make(map[AllocSite]int64), start: time.Now()}
}

// Record adds one allocation of the given size at site to the profile. It is
// a no-op when AllocTracing is disabled or site is the zero value.
func (p *AllocProfile) Record(site AllocSite, size int64) {
	if !AllocTracing || site == (AllocSite{}) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples[site] += size
}

// Build renders the accumulated samples as a pprof *profile.Profile with a
// single "alloc_bytes" sample type, one Location/Function per distinct call
// site.
func (p *AllocProfile) Build() *profile.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "alloc_bytes", Unit: "bytes"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
		TimeNanos:  p.start.UnixNano(),
	}

	var nextID uint64
	for site, total := range p.samples {
		nextID++
		fn := &profile.Function{
			ID:         nextID,
			Name:       site.Func,
			SystemName: site.Func,
			Filename:   site.File,
		}
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn, Line: int64(site.Line)}},
		}
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{total},
		})
	}
	return prof
}

// Metrics exposes slab/zone counters as Prometheus collectors. A nil
// *Metrics is valid and every method on it is a no-op, so callers that never
// wire in a registry pay nothing.
type Metrics struct {
	FreeFrames   prometheus.Gauge
	SlabFull     prometheus.Gauge
	SlabPartial  prometheus.Gauge
	SlabFree     prometheus.Gauge
	FaultsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers the memory-core collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FreeFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mentos", Subsystem: "zone", Name: "free_frames",
			Help: "Free physical frames known to the zone allocator.",
		}),
		SlabFull: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mentos", Subsystem: "slab", Name: "full_slabs",
			Help: "Slab pages with no free objects.",
		}),
		SlabPartial: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mentos", Subsystem: "slab", Name: "partial_slabs",
			Help: "Slab pages with some free objects.",
		}),
		SlabFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mentos", Subsystem: "slab", Name: "free_slabs",
			Help: "Slab pages with no allocated objects.",
		}),
		FaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentos", Subsystem: "fault", Name: "total",
			Help: "Page faults handled, labeled by resolution kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.FreeFrames, m.SlabFull, m.SlabPartial, m.SlabFree, m.FaultsTotal)
	return m
}

func (m *Metrics) setFreeFrames(n int) {
	if m == nil {
		return
	}
	m.FreeFrames.Set(float64(n))
}

func (m *Metrics) setSlabCounts(full, partial, free int) {
	if m == nil {
		return
	}
	m.SlabFull.Set(float64(full))
	m.SlabPartial.Set(float64(partial))
	m.SlabFree.Set(float64(free))
}

func (m *Metrics) incFault(kind string) {
	if m == nil {
		return
	}
	m.FaultsTotal.WithLabelValues(kind).Inc()
}

// SetFreeFrames reports the zone allocator's current free-frame count.
func (m *Metrics) SetFreeFrames(n int) { m.setFreeFrames(n) }

// SetSlabCounts reports a cache's full/partial/free slab-list lengths.
func (m *Metrics) SetSlabCounts(full, partial, free int) { m.setSlabCounts(full, partial, free) }

// IncFault records one page fault resolved as kind (e.g. "cow", "accessed",
// "sigsegv").
func (m *Metrics) IncFault(kind string) { m.incFault(kind) }
