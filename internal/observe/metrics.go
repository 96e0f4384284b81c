package observe

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds both the Prometheus collectors scraped at /metrics and an
// in-process table that backs the JSON snapshot endpoint. The two views are
// fed by the same Observe calls so they can never disagree.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec
	ActiveSSE       prometheus.Gauge
	RateLimitHits   *prometheus.CounterVec
	IdempotencyHits *prometheus.CounterVec
	WebhooksTotal   *prometheus.CounterVec

	mu         sync.RWMutex
	opCounts   map[string]int64
	opErrors   map[string]int64
	opLatency  map[string][]float64 // milliseconds, bounded
	maxSamples int
	startTime  time.Time
}

// NewMetrics creates and registers the gateway collectors on the given
// registerer. Pass prometheus.DefaultRegisterer in production and a fresh
// registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrack",
			Name:      "requests_total",
			Help:      "HTTP requests by surface, operation, and status code.",
		}, []string{"surface", "operation", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "unitrack",
			Name:      "request_duration_seconds",
			Help:      "Request latency by surface and operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"surface", "operation"}),
		RequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "unitrack",
			Name:      "request_size_bytes",
			Help:      "Request body size.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"surface"}),
		ResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "unitrack",
			Name:      "response_size_bytes",
			Help:      "Response body size.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"surface"}),
		ActiveSSE: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "unitrack",
			Name:      "sse_connections_active",
			Help:      "Currently open SSE streams.",
		}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrack",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the per-instance rate limiter.",
		}, []string{"instance"}),
		IdempotencyHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrack",
			Name:      "idempotency_replays_total",
			Help:      "Write invocations answered from the idempotency store.",
		}, []string{"operation", "status"}),
		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrack",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by backend and outcome.",
		}, []string{"backend", "outcome"}),

		opCounts:   make(map[string]int64),
		opErrors:   make(map[string]int64),
		opLatency:  make(map[string][]float64),
		maxSamples: 1000,
		startTime:  time.Now(),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.RequestSize, m.ResponseSize,
		m.ActiveSSE, m.RateLimitHits, m.IdempotencyHits, m.WebhooksTotal,
	)
	return m
}

// ObserveOperation records one completed operation in the in-process table.
func (m *Metrics) ObserveOperation(operation string, latency time.Duration, failed bool) {
	ms := float64(latency) / float64(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.opCounts[operation]++
	if failed {
		m.opErrors[operation]++
	}
	samples := m.opLatency[operation]
	if len(samples) >= m.maxSamples {
		samples = samples[1:]
	}
	m.opLatency[operation] = append(samples, ms)
}

// OperationStats is the JSON view of one operation's counters.
type OperationStats struct {
	Operation    string  `json:"operation"`
	TotalCount   int64   `json:"total_count"`
	ErrorCount   int64   `json:"error_count"`
	SuccessCount int64   `json:"success_count"`
	P50MS        float64 `json:"p50_ms"`
	P90MS        float64 `json:"p90_ms"`
	P95MS        float64 `json:"p95_ms"`
	P99MS        float64 `json:"p99_ms"`
}

// Snapshot is a point-in-time JSON view of the in-process metrics table.
type Snapshot struct {
	Timestamp     time.Time        `json:"timestamp"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Operations    []OperationStats `json:"operations"`
}

// Snapshot returns the current in-process metrics. Percentiles are computed
// at read time from the bounded latency samples.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	counts := make(map[string]int64, len(m.opCounts))
	errs := make(map[string]int64, len(m.opErrors))
	lat := make(map[string][]float64, len(m.opLatency))
	for op, c := range m.opCounts {
		counts[op] = c
	}
	for op, c := range m.opErrors {
		errs[op] = c
	}
	for op, samples := range m.opLatency {
		lat[op] = append([]float64(nil), samples...)
	}
	m.mu.RUnlock()

	ops := make([]OperationStats, 0, len(counts))
	for op, count := range counts {
		stats := OperationStats{
			Operation:    op,
			TotalCount:   count,
			ErrorCount:   errs[op],
			SuccessCount: count - errs[op],
		}
		if samples := lat[op]; len(samples) > 0 {
			sorted := append([]float64(nil), samples...)
			sort.Float64s(sorted)
			stats.P50MS = percentile(sorted, 50)
			stats.P90MS = percentile(sorted, 90)
			stats.P95MS = percentile(sorted, 95)
			stats.P99MS = percentile(sorted, 99)
		}
		ops = append(ops, stats)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].TotalCount > ops[j].TotalCount })

	return Snapshot{
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Operations:    ops,
	}
}

// percentile returns the pth percentile from an ascending-sorted slice.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
