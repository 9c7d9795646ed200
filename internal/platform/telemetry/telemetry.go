// Package telemetry collects operational metrics — HTTP server timings, EMR
// call counts, sync and screening throughput, job-runtime activity — and
// serves them in Prometheus text exposition format. Counters and gauges are
// plain atomics behind copy-on-read maps; no collector SDK is involved.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// defaultDurationBuckets are histogram boundaries in seconds for HTTP
// request duration.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// ---------------------------------------------------------------------------
// histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			h.mu.Unlock()
			return
		}
	}
	// Beyond all boundaries: counted only in +Inf at export.
	h.mu.Unlock()
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// counter / gauge stores
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	if p, ok = s.items[key]; !ok {
		v := delta
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Config identifies the service on the /metrics labels.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "healthprep"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// Provider owns all metric state. The zero-adjacent constructor form is the
// only way to get one; its methods are safe for concurrent use.
type Provider struct {
	cfg Config

	counters *counterStore
	gauges   *counterStore // same structure; set semantics via Store

	httpDurations   map[string]*histogram // keyed method|route|status
	httpDurationsMu sync.RWMutex
}

func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		cfg:           cfg,
		counters:      newCounterStore(),
		gauges:        newCounterStore(),
		httpDurations: make(map[string]*histogram),
	}
}

func (p *Provider) setGauge(name string, v int64) {
	p.gauges.mu.Lock()
	ptr, ok := p.gauges.items[name]
	if !ok {
		val := v
		p.gauges.items[name] = &val
		p.gauges.mu.Unlock()
		return
	}
	p.gauges.mu.Unlock()
	atomic.StoreInt64(ptr, v)
}

// Gauge returns the current value of a gauge, 0 if never set.
func (p *Provider) Gauge(name string) int64 { return p.gauges.get(name) }

// Counter returns the current value of a counter key, 0 if never touched.
func (p *Provider) Counter(key string) int64 { return p.counters.get(key) }

// ---------------------------------------------------------------------------
// Domain instruments
// ---------------------------------------------------------------------------

// EMRCall counts one outbound FHIR call by resource and outcome
// ("ok", "error", "rate_limited").
func (p *Provider) EMRCall(resource, outcome string) {
	p.counters.add("emr_fhir_calls_total|"+resource+"|"+outcome, 1)
}

// PatientSynced counts one completed per-patient sync.
func (p *Provider) PatientSynced() { p.counters.add("sync_patients_total|ok", 1) }

// PatientSyncFailed counts one failed per-patient sync.
func (p *Provider) PatientSyncFailed() { p.counters.add("sync_patients_total|error", 1) }

// ScreeningRefreshed counts one screening-engine refresh, split by whether
// the selective-refresh preflight skipped the recompute.
func (p *Provider) ScreeningRefreshed(skipped bool) {
	if skipped {
		p.counters.add("screening_refreshes_total|skipped", 1)
		return
	}
	p.counters.add("screening_refreshes_total|computed", 1)
}

// DocumentProcessed counts one document through the OCR/PHI pipeline by
// terminal status ("processed", "failed").
func (p *Provider) DocumentProcessed(status string) {
	p.counters.add("documents_processed_total|"+status, 1)
}

// SetDBPool records connection-pool occupancy.
func (p *Provider) SetDBPool(active, idle int64) {
	p.setGauge("db_pool_active_connections", active)
	p.setGauge("db_pool_idle_connections", idle)
}

// SetQueueDepth records the number of queued jobs.
func (p *Provider) SetQueueDepth(n int64) { p.setGauge("job_queue_depth", n) }

// ---------------------------------------------------------------------------
// Job runtime hooks
// ---------------------------------------------------------------------------

// JobStarted counts a claimed job by kind.
func (p *Provider) JobStarted(kind string) {
	p.counters.add("jobs_started_total|"+kind, 1)
}

// JobFinished counts a terminal job by kind and status.
func (p *Provider) JobFinished(kind, status string) {
	p.counters.add("jobs_finished_total|"+kind+"|"+status, 1)
}

// WorkersBusy tracks workers currently executing a job.
func (p *Provider) WorkersBusy(delta int) {
	p.gauges.add("job_workers_busy", int64(delta))
}

// ---------------------------------------------------------------------------
// HTTP middleware
// ---------------------------------------------------------------------------

// HTTPMetrics is an Echo middleware recording request duration per
// (method, route, status) and tracking in-flight requests.
func (p *Provider) HTTPMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.gauges.add("http_active_requests", 1)
			start := time.Now()

			err := next(c)

			elapsed := time.Since(start).Seconds()
			p.gauges.add("http_active_requests", -1)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := c.Request().Method + "|" + route + "|" + fmt.Sprintf("%d", c.Response().Status)
			p.durationHistogram(key).Observe(elapsed)
			return err
		}
	}
}

func (p *Provider) durationHistogram(key string) *histogram {
	p.httpDurationsMu.RLock()
	h, ok := p.httpDurations[key]
	p.httpDurationsMu.RUnlock()
	if ok {
		return h
	}
	p.httpDurationsMu.Lock()
	h, ok = p.httpDurations[key]
	if !ok {
		h = newHistogram(defaultDurationBuckets)
		p.httpDurations[key] = h
	}
	p.httpDurationsMu.Unlock()
	return h
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// Handler serves the metrics page in Prometheus text format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		fmt.Fprintf(&b, "# HELP healthprep_build_info Build and deployment identity.\n")
		fmt.Fprintf(&b, "# TYPE healthprep_build_info gauge\n")
		fmt.Fprintf(&b, "healthprep_build_info{service=%q,version=%q,environment=%q} 1\n\n",
			p.cfg.ServiceName, p.cfg.ServiceVersion, p.cfg.Environment)

		p.writeHTTPDurations(&b)

		writeGauge(&b, "http_active_requests", "HTTP requests currently in flight.", p.gauges.get("http_active_requests"))

		counters := p.counters.snapshot()
		writeCounterFamily(&b, counters, "emr_fhir_calls_total",
			"Outbound FHIR calls by resource and outcome.", "resource", "outcome")
		writeCounterFamily(&b, counters, "sync_patients_total",
			"Per-patient EMR syncs by outcome.", "outcome")
		writeCounterFamily(&b, counters, "screening_refreshes_total",
			"Screening engine refreshes by disposition.", "disposition")
		writeCounterFamily(&b, counters, "documents_processed_total",
			"Documents through the extraction pipeline by terminal status.", "status")
		writeCounterFamily(&b, counters, "jobs_started_total",
			"Background jobs claimed by kind.", "kind")
		writeCounterFamily(&b, counters, "jobs_finished_total",
			"Background jobs finished by kind and status.", "kind", "status")

		writeGauge(&b, "job_workers_busy", "Workers currently executing a job.", p.gauges.get("job_workers_busy"))
		writeGauge(&b, "job_queue_depth", "Jobs waiting in the queue.", p.gauges.get("job_queue_depth"))
		writeGauge(&b, "db_pool_active_connections", "Active database pool connections.", p.gauges.get("db_pool_active_connections"))
		writeGauge(&b, "db_pool_idle_connections", "Idle database pool connections.", p.gauges.get("db_pool_idle_connections"))

		return c.String(http.StatusOK, b.String())
	}
}

func (p *Provider) writeHTTPDurations(b *strings.Builder) {
	p.httpDurationsMu.RLock()
	snap := make(map[string]*histogram, len(p.httpDurations))
	for k, v := range p.httpDurations {
		snap[k] = v
	}
	p.httpDurationsMu.RUnlock()

	b.WriteString("# HELP http_request_duration_seconds Duration of HTTP requests.\n")
	b.WriteString("# TYPE http_request_duration_seconds histogram\n")

	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		parts := strings.SplitN(key, "|", 3)
		if len(parts) != 3 {
			continue
		}
		h := snap[key]
		labels := fmt.Sprintf("method=%q,route=%q,status=%q", parts[0], parts[1], parts[2])
		cum := h.cumulative()
		for i, boundary := range h.boundaries {
			fmt.Fprintf(b, "http_request_duration_seconds_bucket{%s,le=\"%g\"} %d\n", labels, boundary, cum[i])
		}
		fmt.Fprintf(b, "http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, h.Count())
		fmt.Fprintf(b, "http_request_duration_seconds_sum{%s} %g\n", labels, h.Sum())
		fmt.Fprintf(b, "http_request_duration_seconds_count{%s} %d\n", labels, h.Count())
	}
	b.WriteByte('\n')
}

func writeGauge(b *strings.Builder, name, help string, val int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %d\n\n", name, val)
}

// writeCounterFamily emits every counter key under the given family name,
// mapping the pipe-separated key segments onto label names.
func writeCounterFamily(b *strings.Builder, counters map[string]int64, family, help string, labelNames ...string) {
	fmt.Fprintf(b, "# HELP %s %s\n", family, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", family)

	keys := make([]string, 0)
	for k := range counters {
		if strings.HasPrefix(k, family+"|") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		segs := strings.Split(strings.TrimPrefix(k, family+"|"), "|")
		if len(segs) != len(labelNames) {
			continue
		}
		pairs := make([]string, len(segs))
		for i, seg := range segs {
			pairs[i] = fmt.Sprintf("%s=%q", labelNames[i], seg)
		}
		fmt.Fprintf(b, "%s{%s} %d\n", family, strings.Join(pairs, ","), counters[k])
	}
	b.WriteByte('\n')
}
