// Package telemetry keeps ingestion counters, gauges and histograms in
// memory and exposes them in the Prometheus text format at /metrics.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/labstack/echo/v4"
)

// Metric names.
const (
	FilesTotal        = "claims_ingest_files_total"
	FileRetriesTotal  = "claims_ingest_file_retries_total"
	ClaimsTotal       = "claims_ingest_claims_total"
	FilesInFlight     = "claims_ingest_files_in_flight"
	WorkerCapacity    = "claims_ingest_worker_capacity"
	FileDurationSecs  = "claims_ingest_file_duration_seconds"
	DBPoolActiveConns = "claims_ingest_db_pool_active_connections"
	DBPoolIdleConns   = "claims_ingest_db_pool_idle_connections"
)

var help = map[string]string{
	FilesTotal:        "Files processed by outcome.",
	FileRetriesTotal:  "Processing attempts retried after a transient failure.",
	ClaimsTotal:       "Claims seen by result (persisted or deduplicated).",
	FilesInFlight:     "Files currently being processed.",
	WorkerCapacity:    "Size of the worker pool.",
	FileDurationSecs:  "Wall time per processing attempt in seconds.",
	DBPoolActiveConns: "Acquired database pool connections.",
	DBPoolIdleConns:   "Idle database pool connections.",
}

// DurationBuckets are the file duration histogram boundaries in seconds.
var DurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// histogram stores non-cumulative bucket counts; export makes them
// cumulative.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// series is a metric name plus one optional label pair.
type series struct {
	name  string
	label string
	value string
}

func (s series) String() string {
	if s.label == "" {
		return s.name
	}
	return fmt.Sprintf("%s{%s=%q}", s.name, s.label, s.value)
}

// Registry is safe for concurrent use. The zero value is not; use New.
type Registry struct {
	mu         sync.RWMutex
	counters   map[series]*int64
	gauges     map[series]*int64
	histograms map[string]*histogram
}

func New() *Registry {
	return &Registry{
		counters:   make(map[series]*int64),
		gauges:     make(map[series]*int64),
		histograms: make(map[string]*histogram),
	}
}

func (r *Registry) cell(m map[series]*int64, s series) *int64 {
	r.mu.RLock()
	p, ok := m[s]
	r.mu.RUnlock()
	if ok {
		return p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = m[s]; !ok {
		p = new(int64)
		m[s] = p
	}
	return p
}

// Add increments a counter. label and value may be empty.
func (r *Registry) Add(name, label, value string, delta int64) {
	atomic.AddInt64(r.cell(r.counters, series{name, label, value}), delta)
}

// Counter returns the current value of a counter.
func (r *Registry) Counter(name, label, value string) int64 {
	return atomic.LoadInt64(r.cell(r.counters, series{name, label, value}))
}

func (r *Registry) SetGauge(name string, v int64) {
	atomic.StoreInt64(r.cell(r.gauges, series{name: name}), v)
}

func (r *Registry) AddGauge(name string, delta int64) {
	atomic.AddInt64(r.cell(r.gauges, series{name: name}), delta)
}

func (r *Registry) Gauge(name string) int64 {
	return atomic.LoadInt64(r.cell(r.gauges, series{name: name}))
}

// Observe records v in the named histogram, creating it with
// DurationBuckets on first use.
func (r *Registry) Observe(name string, v float64) {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if h, ok = r.histograms[name]; !ok {
			h = newHistogram(DurationBuckets)
			r.histograms[name] = h
		}
		r.mu.Unlock()
	}
	h.observe(v)
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, r.Expose())
	}
}

// Expose renders every metric, sorted by name for stable output.
func (r *Registry) Expose() string {
	var b strings.Builder
	writeScalars(&b, "counter", r.snapshot(r.counters))
	writeScalars(&b, "gauge", r.snapshot(r.gauges))

	r.mu.RLock()
	names := make([]string, 0, len(r.histograms))
	for n := range r.histograms {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	for _, n := range names {
		r.mu.RLock()
		h := r.histograms[n]
		r.mu.RUnlock()
		writeHistogram(&b, n, h)
	}
	return b.String()
}

func (r *Registry) snapshot(m map[series]*int64) map[series]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[series]int64, len(m))
	for s, p := range m {
		out[s] = atomic.LoadInt64(p)
	}
	return out
}

func writeScalars(b *strings.Builder, typ string, snap map[series]int64) {
	keys := make([]series, 0, len(snap))
	for s := range snap {
		keys = append(keys, s)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	last := ""
	for _, s := range keys {
		if s.name != last {
			if last != "" {
				b.WriteByte('\n')
			}
			writeHeader(b, s.name, typ)
			last = s.name
		}
		fmt.Fprintf(b, "%s %d\n", s, snap[s])
	}
	if last != "" {
		b.WriteByte('\n')
	}
}

func writeHeader(b *strings.Builder, name, typ string) {
	if h, ok := help[name]; ok {
		fmt.Fprintf(b, "# HELP %s %s\n", name, h)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeHistogram(b *strings.Builder, name string, h *histogram) {
	writeHeader(b, name, "histogram")
	cum := h.cumulative()
	total := atomic.LoadInt64(&h.count)
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", name, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, total)
	fmt.Fprintf(b, "%s_sum %g\n", name, math.Float64frombits(atomic.LoadUint64(&h.sum)))
	fmt.Fprintf(b, "%s_count %d\n\n", name, total)
}
