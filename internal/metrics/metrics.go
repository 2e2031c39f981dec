// Package metrics registers Prometheus collectors for the storage and
// memory subsystems, grounded on the pack's systemd_exporter and gcsfuse
// convention of exposing internal counters via
// github.com/prometheus/client_golang rather than hand-rolled counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Cache counts buffer-cache hits and misses.
type Cache struct {
	hits   prometheus.Counter
	misses prometheus.Counter
}

// NewCache registers and returns a Cache metrics bundle on reg.
func NewCache(reg prometheus.Registerer) *Cache {
	c := &Cache{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "bcache",
			Name:      "hits_total",
			Help:      "Cached-group lookups satisfied without device I/O.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "bcache",
			Name:      "misses_total",
			Help:      "Cached-group lookups that required a device read.",
		}),
	}
	reg.MustRegister(c.hits, c.misses)
	return c
}

// NewCacheUnregistered is used by packages (and tests) that don't want to
// share a global registry.
func NewCacheUnregistered() *Cache {
	return NewCache(prometheus.NewRegistry())
}

func (c *Cache) Hit()  { c.hits.Inc() }
func (c *Cache) Miss() { c.misses.Inc() }

// Frame counts page-frame evictions per pool.
type Frame struct {
	evictions *prometheus.CounterVec
	faults    prometheus.Counter
}

// NewFrame registers and returns a Frame metrics bundle on reg.
func NewFrame(reg prometheus.Registerer) *Frame {
	f := &Frame{
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "frame",
			Name:      "evictions_total",
			Help:      "Clock-evictor victim selections, by pool.",
		}, []string{"pool"}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "frame",
			Name:      "page_faults_total",
			Help:      "Page faults handled by the demand pager.",
		}),
	}
	reg.MustRegister(f.evictions, f.faults)
	return f
}

func NewFrameUnregistered() *Frame {
	return NewFrame(prometheus.NewRegistry())
}

func (f *Frame) Evict(pool string) { f.evictions.WithLabelValues(pool).Inc() }
func (f *Frame) Fault()            { f.faults.Inc() }

// Swap counts swap-out (write) and swap-in (read) operations.
type Swap struct {
	writes prometheus.Counter
	reads  prometheus.Counter
}

func NewSwap(reg prometheus.Registerer) *Swap {
	s := &Swap{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "swap",
			Name:      "writes_total",
			Help:      "Pages written to the swap device.",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kcore",
			Subsystem: "swap",
			Name:      "reads_total",
			Help:      "Pages read back from the swap device.",
		}),
	}
	reg.MustRegister(s.writes, s.reads)
	return s
}

func NewSwapUnregistered() *Swap {
	return NewSwap(prometheus.NewRegistry())
}

func (s *Swap) Write() { s.writes.Inc() }
func (s *Swap) Read()  { s.reads.Inc() }
