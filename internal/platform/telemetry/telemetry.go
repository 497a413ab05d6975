// Package telemetry provides observability for the register API using only
// standard library constructs: span-like tracing records, counters, gauges,
// and histograms, with a Prometheus text exposition endpoint. Every custody
// movement a home records is visible here without shipping data to an
// external collector.
package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/careledger/careledger/internal/platform/auditlog"
)

// Config holds the telemetry provider configuration.
type Config struct {
	ServiceName     string        `json:"service_name"`
	ServiceVersion  string        `json:"service_version"`
	Environment     string        `json:"environment"`
	MetricsEnabled  *bool         `json:"metrics_enabled"` // nil = enabled
	TracingEnabled  *bool         `json:"tracing_enabled"` // nil = enabled
	MetricsInterval time.Duration `json:"metrics_interval"`
}

func (c *Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *Config) tracingOn() bool {
	return c.TracingEnabled == nil || *c.TracingEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "careledger-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 15 * time.Second
	}
}

// BoolPtr builds a *bool for the optional Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// SpanStatus is the status of a completed span.
type SpanStatus int

const (
	SpanStatusUnset SpanStatus = iota
	SpanStatusOK
	SpanStatusError
)

// Span captures one request's tracing record.
type Span struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	Name       string            `json:"name"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	Duration   time.Duration     `json:"duration_ns"`
	StatusCode SpanStatus        `json:"status_code"`
	Attributes map[string]string `json:"attributes"`
}

// JSON serialises the span for structured logging.
func (s *Span) JSON() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// histogram is a thread-safe histogram with fixed bucket boundaries. Bucket
// counts are stored non-cumulative; cumulative counts are computed at export.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64     // math.Float64bits for atomic add
	mu           sync.Mutex // protects bucketCounts
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
	// Beyond every boundary; counted in +Inf at export.
	h.mu.Unlock()
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
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
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// labeledHistogramStore keys histograms by (method, route, status_code).
type labeledHistogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newLabeledHistogramStore() *labeledHistogramStore {
	return &labeledHistogramStore{items: make(map[string]*histogram)}
}

func (s *labeledHistogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	h, ok = s.items[key]
	if !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	s.mu.Unlock()
	return h
}

func (s *labeledHistogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

// LabelsKey builds the map key for a labeled histogram. Exported so tests
// can construct the same key.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, 1)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := int64(1)
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, 1)
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

type gaugeStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newGaugeStore() *gaugeStore {
	return &gaugeStore{items: make(map[string]*int64)}
}

func (s *gaugeStore) set(name string, val int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.StoreInt64(p, val)
		return
	}
	s.mu.Lock()
	p, ok = s.items[name]
	if !ok {
		v := val
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.StoreInt64(p, val)
}

func (s *gaugeStore) add(name string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	p, ok = s.items[name]
	if !ok {
		v := delta
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *gaugeStore) get(name string) int64 {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// defaultDurationBuckets are the request duration boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// defaultSizeBuckets are the request/response size boundaries in bytes.
var defaultSizeBuckets = []float64{
	100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000,
}

// Provider manages all observability state for the server.
type Provider struct {
	cfg Config

	spans   []*Span
	spansMu sync.Mutex

	histograms        map[string]*histogram
	labeledHistograms map[string]*labeledHistogramStore
	histMu            sync.RWMutex

	counters *counterStore
	gauges   *gaugeStore

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewProvider creates and initialises the telemetry provider.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()

	return &Provider{
		cfg:               cfg,
		histograms:        make(map[string]*histogram),
		labeledHistograms: make(map[string]*labeledHistogramStore),
		counters:          newCounterStore(),
		gauges:            newGaugeStore(),
		done:              make(chan struct{}),
	}
}

// Shutdown stops background consumers of the provider, such as the pool
// stats sampler listening on Done.
func (tp *Provider) Shutdown(_ context.Context) error {
	tp.shutdownOnce.Do(func() {
		close(tp.done)
	})
	return nil
}

// Done is closed when the provider shuts down.
func (tp *Provider) Done() <-chan struct{} {
	return tp.done
}

// MetricsInterval is how often background samplers should refresh gauges.
func (tp *Provider) MetricsInterval() time.Duration {
	return tp.cfg.MetricsInterval
}

// Resource returns the service identity attributes.
func (tp *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           tp.cfg.ServiceName,
		"service.version":        tp.cfg.ServiceVersion,
		"deployment.environment": tp.cfg.Environment,
	}
}

// GetRecordedSpans returns a copy of all recorded spans.
func (tp *Provider) GetRecordedSpans() []*Span {
	tp.spansMu.Lock()
	defer tp.spansMu.Unlock()
	cp := make([]*Span, len(tp.spans))
	copy(cp, tp.spans)
	return cp
}

func (tp *Provider) recordSpan(s *Span) {
	tp.spansMu.Lock()
	tp.spans = append(tp.spans, s)
	tp.spansMu.Unlock()
}

// GetHistogram returns the named histogram, or nil.
func (tp *Provider) GetHistogram(name string) *histogram {
	tp.histMu.RLock()
	defer tp.histMu.RUnlock()
	return tp.histograms[name]
}

func (tp *Provider) getOrCreateHistogram(name string, boundaries []float64) *histogram {
	tp.histMu.RLock()
	h, ok := tp.histograms[name]
	tp.histMu.RUnlock()
	if ok {
		return h
	}
	tp.histMu.Lock()
	h, ok = tp.histograms[name]
	if !ok {
		h = newHistogram(boundaries)
		tp.histograms[name] = h
	}
	tp.histMu.Unlock()
	return h
}

func (tp *Provider) getOrCreateLabeledStore(name string) *labeledHistogramStore {
	tp.histMu.RLock()
	s, ok := tp.labeledHistograms[name]
	tp.histMu.RUnlock()
	if ok {
		return s
	}
	tp.histMu.Lock()
	s, ok = tp.labeledHistograms[name]
	if !ok {
		s = newLabeledHistogramStore()
		tp.labeledHistograms[name] = s
	}
	tp.histMu.Unlock()
	return s
}

// GetLabeledHistogram returns a specific labeled histogram, or nil.
func (tp *Provider) GetLabeledHistogram(name, key string) *histogram {
	tp.histMu.RLock()
	s, ok := tp.labeledHistograms[name]
	tp.histMu.RUnlock()
	if !ok {
		return nil
	}
	s.mu.RLock()
	h := s.items[key]
	s.mu.RUnlock()
	return h
}

// GetGauge returns the current value of the named gauge.
func (tp *Provider) GetGauge(name string) int64 {
	return tp.gauges.get(name)
}

// GetCounter returns the value of a counter with the given name and label
// values (transaction type, tenant).
func (tp *Provider) GetCounter(name, txType, tenant string) int64 {
	return tp.counters.get(name + "|" + txType + "|" + tenant)
}

// LedgerTransactionCounter increments the ledger.transaction.count metric
// for one accepted register transaction.
func (tp *Provider) LedgerTransactionCounter(txType, tenant string) {
	tp.counters.inc("ledger.transaction.count|" + txType + "|" + tenant)
}

// AuditRecorder adapts the provider into an audit sink so every accepted
// transaction is counted alongside being logged.
func (tp *Provider) AuditRecorder() auditlog.Recorder {
	return auditlog.RecorderFunc(func(_ context.Context, ev auditlog.Event) {
		tp.LedgerTransactionCounter(ev.Type, ev.TenantID)
	})
}

// HealthMetricsRecorder updates health-related gauges.
type HealthMetricsRecorder struct {
	tp *Provider
}

// HealthMetrics returns a recorder for health-related metrics.
func (tp *Provider) HealthMetrics() *HealthMetricsRecorder {
	return &HealthMetricsRecorder{tp: tp}
}

// SetDBPoolActive sets the db.pool.active_connections gauge.
func (h *HealthMetricsRecorder) SetDBPoolActive(n int64) {
	h.tp.gauges.set("db.pool.active_connections", n)
}

// SetDBPoolIdle sets the db.pool.idle_connections gauge.
func (h *HealthMetricsRecorder) SetDBPoolIdle(n int64) {
	h.tp.gauges.set("db.pool.idle_connections", n)
}

// SetDBPoolTotal sets the db.pool.total_connections gauge.
func (h *HealthMetricsRecorder) SetDBPoolTotal(n int64) {
	h.tp.gauges.set("db.pool.total_connections", n)
}

// TracingMiddleware creates a span-like record for every HTTP request.
func (tp *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.tracingOn() {
				return next(c)
			}

			start := time.Now()
			req := c.Request()

			err := next(c)

			end := time.Now()
			statusCode := c.Response().Status

			// Route pattern, not the actual path, keeps cardinality down.
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			var status SpanStatus
			if statusCode >= 500 {
				status = SpanStatusError
			} else {
				status = SpanStatusOK
			}

			attrs := map[string]string{
				"http.method":      req.Method,
				"http.route":       route,
				"http.status_code": fmt.Sprintf("%d", statusCode),
				"http.url":         req.URL.String(),
			}
			if action := extractRegisterAction(req.URL.Path); action != "" {
				attrs["register.action"] = action
			}
			if tid, ok := c.Get("tenant_id").(string); ok && tid != "" {
				attrs["tenant.id"] = tid
			}

			tp.recordSpan(&Span{
				TraceID:    generateID(16),
				SpanID:     generateID(8),
				Name:       "HTTP " + req.Method + " " + route,
				StartTime:  start,
				EndTime:    end,
				Duration:   end.Sub(start),
				StatusCode: status,
				Attributes: attrs,
			})

			return err
		}
	}
}

// MetricsMiddleware records HTTP server metrics for every request.
func (tp *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.gauges.add("http.server.active_requests", 1)

			start := time.Now()
			req := c.Request()

			err := next(c)

			duration := time.Since(start).Seconds()
			resp := c.Response()
			tp.gauges.add("http.server.active_requests", -1)

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			statusStr := fmt.Sprintf("%d", resp.Status)

			tp.getOrCreateHistogram("http.server.request.duration", defaultDurationBuckets).Observe(duration)

			store := tp.getOrCreateLabeledStore("http.server.request.duration")
			store.getOrCreate(LabelsKey(req.Method, route, statusStr), defaultDurationBuckets).Observe(duration)

			if req.ContentLength > 0 {
				tp.getOrCreateHistogram("http.server.request.size", defaultSizeBuckets).Observe(float64(req.ContentLength))
			}
			if resp.Size > 0 {
				tp.getOrCreateHistogram("http.server.response.size", defaultSizeBuckets).Observe(float64(resp.Size))
			}

			return err
		}
	}
}

// PrometheusHandler serves metrics in Prometheus text exposition format.
func (tp *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		tp.histMu.RLock()
		durationHist := tp.histograms["http.server.request.duration"]
		durationStore := tp.labeledHistograms["http.server.request.duration"]
		reqSizeHist := tp.histograms["http.server.request.size"]
		respSizeHist := tp.histograms["http.server.response.size"]
		tp.histMu.RUnlock()

		writeHistogramMetric(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", "histogram",
			durationHist, durationStore, defaultDurationBuckets)

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n", tp.gauges.get("http.server.active_requests"))
		b.WriteByte('\n')

		writeSimpleHistogram(&b, "http_server_request_size_bytes",
			"Size of HTTP request bodies in bytes.", reqSizeHist, defaultSizeBuckets)

		writeSimpleHistogram(&b, "http_server_response_size_bytes",
			"Size of HTTP response bodies in bytes.", respSizeHist, defaultSizeBuckets)

		counters := tp.counters.snapshot()
		b.WriteString("# HELP ledger_transaction_count Total accepted register transactions by type and tenant.\n")
		b.WriteString("# TYPE ledger_transaction_count counter\n")
		for key, val := range counters {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) == 3 && parts[0] == "ledger.transaction.count" {
				fmt.Fprintf(&b, "ledger_transaction_count{type=%q,tenant=%q} %d\n",
					parts[1], parts[2], val)
			}
		}
		b.WriteByte('\n')

		poolGauges := []struct {
			promName string
			name     string
			help     string
		}{
			{"db_pool_active_connections", "db.pool.active_connections", "Number of acquired database pool connections."},
			{"db_pool_idle_connections", "db.pool.idle_connections", "Number of idle database pool connections."},
			{"db_pool_total_connections", "db.pool.total_connections", "Total number of database pool connections."},
		}
		for _, g := range poolGauges {
			fmt.Fprintf(&b, "# HELP %s %s\n", g.promName, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", g.promName)
			fmt.Fprintf(&b, "%s %d\n", g.promName, tp.gauges.get(g.name))
			b.WriteByte('\n')
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogramMetric(b *strings.Builder, name, help, typ string,
	global *histogram, labeled *labeledHistogramStore, boundaries []float64) {

	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)

	if labeled != nil {
		for key, h := range labeled.snapshot() {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeSingleHistogram(b, name, labels, h, boundaries)
		}
	} else if global != nil {
		writeSingleHistogram(b, name, "", global, boundaries)
	}
	b.WriteByte('\n')
}

func writeSimpleHistogram(b *strings.Builder, name, help string,
	h *histogram, boundaries []float64) {

	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	if h != nil {
		writeSingleHistogram(b, name, "", h, boundaries)
	}
	b.WriteByte('\n')
}

func writeSingleHistogram(b *strings.Builder, name, labels string,
	h *histogram, boundaries []float64) {

	cum := h.cumulativeBuckets()
	total := h.Count()

	labelsPrefix := ""
	labelsSuffix := ""
	if labels != "" {
		labelsPrefix = labels + ","
		labelsSuffix = "{" + labels + "}"
	}

	for i, boundary := range boundaries {
		if labels != "" {
			fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, labelsPrefix, boundary, cum[i])
		} else {
			fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", name, boundary, cum[i])
		}
	}

	if labels != "" {
		fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, labelsPrefix, total)
	} else {
		fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, total)
	}

	fmt.Fprintf(b, "%s_sum%s %g\n", name, labelsSuffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, labelsSuffix, total)
}

// extractRegisterAction parses the register action from a controlled-drugs
// URL path: "administer", "destroy", "reconcile", "resolve". Returns "" for
// paths outside the register surface or plain CRUD paths.
func extractRegisterAction(path string) string {
	const prefix = "/controlled-drugs/"
	idx := strings.Index(path, prefix)
	if idx < 0 {
		return ""
	}

	rest := strings.Trim(path[idx+len(prefix):], "/")
	if rest == "" {
		return ""
	}

	segments := strings.Split(rest, "/")
	last := segments[len(segments)-1]
	switch last {
	case "administer", "destroy", "reconcile", "resolve", "deactivate", "reactivate":
		return last
	}
	return ""
}

// generateID produces a random hex string of n bytes (2n hex chars).
func generateID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
