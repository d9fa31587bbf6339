package metrics

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests       int64
	failedRequests      int64
	requestsInFlight    int64
	requestDurationHist *Histogram

	// Pipeline outcomes
	authRejections  int64
	quotaRejections int64
	routeMisses     int64
	mockResponses   int64
	fallbacks       int64
	globalErrors    int64

	// Upstream metrics
	upstreamAttempts  int64
	upstreamFailures  int64
	upstreamDuration  *Histogram
	breakerRejections int64

	// Cache metrics
	cacheHits   int64
	cacheMisses int64
	cacheErrors int64

	// Transform and monitoring
	transformsRun    int64
	transformsFailed int64
	schemaDrifts     int64
	incidentsOpened  int64
	exceptions       int64

	// System metrics
	goroutineCount int
	heapAllocMB    uint64
	numGC          uint32

	startTime time.Time
}

// Histogram buckets are powers of two in milliseconds: bucket i holds
// observations below 2^i ms.
type Histogram struct {
	counts []int64
	sum    int64
	count  int64
}

var globalMetrics = New()

func New() *Metrics {
	return &Metrics{
		requestDurationHist: NewHistogram(),
		upstreamDuration:    NewHistogram(),
		startTime:           time.Now(),
	}
}

func NewHistogram() *Histogram {
	return &Histogram{
		counts: make([]int64, 20),
	}
}

func (h *Histogram) Observe(duration time.Duration) {
	ms := duration.Milliseconds()
	atomic.AddInt64(&h.count, 1)
	atomic.AddInt64(&h.sum, ms)

	bucket := 0
	for ms > 0 && bucket < len(h.counts)-1 {
		ms /= 2
		bucket++
	}
	atomic.AddInt64(&h.counts[bucket], 1)
}

// Quantile returns the upper bound in ms of the bucket holding quantile q.
func (h *Histogram) Quantile(q float64) float64 {
	total := atomic.LoadInt64(&h.count)
	if total == 0 {
		return 0
	}
	target := int64(q * float64(total))
	if target < 1 {
		target = 1
	}
	var seen int64
	for i := range h.counts {
		seen += atomic.LoadInt64(&h.counts[i])
		if seen >= target {
			if i == 0 {
				return 0
			}
			return float64(int64(1) << i)
		}
	}
	return float64(int64(1) << (len(h.counts) - 1))
}

func (h *Histogram) GetStats() (p50, p95, p99, avg float64) {
	count := atomic.LoadInt64(&h.count)
	if count == 0 {
		return 0, 0, 0, 0
	}
	avg = float64(atomic.LoadInt64(&h.sum)) / float64(count)
	return h.Quantile(0.5), h.Quantile(0.95), h.Quantile(0.99), avg
}

func (h *Histogram) Count() int64 { return atomic.LoadInt64(&h.count) }
func (h *Histogram) Sum() int64   { return atomic.LoadInt64(&h.sum) }

func GetMetrics() *Metrics {
	return globalMetrics
}

// Request metrics
func (m *Metrics) RecordRequest(duration time.Duration, success bool) {
	atomic.AddInt64(&m.totalRequests, 1)
	if !success {
		atomic.AddInt64(&m.failedRequests, 1)
	}
	m.requestDurationHist.Observe(duration)
}

func (m *Metrics) IncrementRequestsInFlight() {
	atomic.AddInt64(&m.requestsInFlight, 1)
}

func (m *Metrics) DecrementRequestsInFlight() {
	atomic.AddInt64(&m.requestsInFlight, -1)
}

// Pipeline outcomes
func (m *Metrics) RecordAuthRejection()  { atomic.AddInt64(&m.authRejections, 1) }
func (m *Metrics) RecordQuotaRejection() { atomic.AddInt64(&m.quotaRejections, 1) }
func (m *Metrics) RecordRouteMiss()      { atomic.AddInt64(&m.routeMisses, 1) }
func (m *Metrics) RecordMock()           { atomic.AddInt64(&m.mockResponses, 1) }
func (m *Metrics) RecordFallback()       { atomic.AddInt64(&m.fallbacks, 1) }
func (m *Metrics) RecordGlobalError()    { atomic.AddInt64(&m.globalErrors, 1) }

// Upstream metrics
func (m *Metrics) RecordUpstreamAttempt(duration time.Duration, success bool) {
	atomic.AddInt64(&m.upstreamAttempts, 1)
	if !success {
		atomic.AddInt64(&m.upstreamFailures, 1)
	}
	m.upstreamDuration.Observe(duration)
}

func (m *Metrics) RecordBreakerRejection() {
	atomic.AddInt64(&m.breakerRejections, 1)
}

// Cache metrics
func (m *Metrics) RecordCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
}

func (m *Metrics) RecordCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
}

func (m *Metrics) RecordCacheError() {
	atomic.AddInt64(&m.cacheErrors, 1)
}

func (m *Metrics) RecordTransform(success bool) {
	atomic.AddInt64(&m.transformsRun, 1)
	if !success {
		atomic.AddInt64(&m.transformsFailed, 1)
	}
}

func (m *Metrics) RecordSchemaDrift()    { atomic.AddInt64(&m.schemaDrifts, 1) }
func (m *Metrics) RecordIncidentOpened() { atomic.AddInt64(&m.incidentsOpened, 1) }
func (m *Metrics) RecordException()      { atomic.AddInt64(&m.exceptions, 1) }

// System metrics
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.goroutineCount = runtime.NumGoroutine()
	m.heapAllocMB = memStats.Alloc / 1024 / 1024
	m.numGC = memStats.NumGC
}

type promMetric struct {
	name  string
	help  string
	kind  string
	value any
}

// ToPrometheus renders the text exposition format.
func (m *Metrics) ToPrometheus() string {
	m.UpdateSystemMetrics()

	reqP50, reqP95, reqP99, _ := m.requestDurationHist.GetStats()
	upP50, upP95, upP99, _ := m.upstreamDuration.GetStats()
	cacheHits, cacheMisses, cacheHitRate := m.cacheStats()

	m.mu.RLock()
	goroutines, heapMB, gcRuns := m.goroutineCount, m.heapAllocMB, m.numGC
	m.mu.RUnlock()

	gauges := []promMetric{
		{"api200_uptime_seconds", "Time since server started", "gauge", time.Since(m.startTime).Seconds()},
		{"api200_requests_total", "Total number of gateway requests", "counter", atomic.LoadInt64(&m.totalRequests)},
		{"api200_requests_failed", "Gateway requests answered with status >= 400", "counter", atomic.LoadInt64(&m.failedRequests)},
		{"api200_requests_in_flight", "Current number of requests being processed", "gauge", atomic.LoadInt64(&m.requestsInFlight)},
		{"api200_auth_rejections_total", "Requests rejected for a missing or invalid API key", "counter", atomic.LoadInt64(&m.authRejections)},
		{"api200_quota_rejections_total", "Requests rejected for exceeding the monthly quota", "counter", atomic.LoadInt64(&m.quotaRejections)},
		{"api200_route_misses_total", "Requests with no matching endpoint", "counter", atomic.LoadInt64(&m.routeMisses)},
		{"api200_mock_responses_total", "Mock responses served", "counter", atomic.LoadInt64(&m.mockResponses)},
		{"api200_fallback_responses_total", "Fallback responses served", "counter", atomic.LoadInt64(&m.fallbacks)},
		{"api200_global_errors_total", "Requests ending in the global error path", "counter", atomic.LoadInt64(&m.globalErrors)},
		{"api200_upstream_attempts_total", "Upstream call attempts", "counter", atomic.LoadInt64(&m.upstreamAttempts)},
		{"api200_upstream_failures_total", "Failed upstream call attempts", "counter", atomic.LoadInt64(&m.upstreamFailures)},
		{"api200_breaker_rejections_total", "Attempts refused by an open circuit breaker", "counter", atomic.LoadInt64(&m.breakerRejections)},
		{"api200_cache_hits", "Response cache hits", "counter", cacheHits},
		{"api200_cache_misses", "Response cache misses", "counter", cacheMisses},
		{"api200_cache_errors", "Cache operations that failed softly", "counter", atomic.LoadInt64(&m.cacheErrors)},
		{"api200_cache_hit_rate", "Cache hit rate percentage", "gauge", cacheHitRate},
		{"api200_transforms_total", "Transform sandbox executions", "counter", atomic.LoadInt64(&m.transformsRun)},
		{"api200_transforms_failed", "Failed transform sandbox executions", "counter", atomic.LoadInt64(&m.transformsFailed)},
		{"api200_schema_drifts_total", "Detected response schema changes", "counter", atomic.LoadInt64(&m.schemaDrifts)},
		{"api200_incidents_opened_total", "Incidents opened", "counter", atomic.LoadInt64(&m.incidentsOpened)},
		{"api200_exceptions_total", "Exceptions reported to the observability sink", "counter", atomic.LoadInt64(&m.exceptions)},
		{"api200_goroutines", "Number of goroutines", "gauge", goroutines},
		{"api200_memory_heap_alloc_mb", "Heap memory allocated in MB", "gauge", heapMB},
		{"api200_gc_total", "Number of GC runs", "counter", gcRuns},
	}

	var b strings.Builder
	for _, g := range gauges {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", g.name, g.help, g.name, g.kind)
		switch v := g.value.(type) {
		case float64:
			fmt.Fprintf(&b, "%s %f\n\n", g.name, v)
		default:
			fmt.Fprintf(&b, "%s %d\n\n", g.name, v)
		}
	}

	writeSummary(&b, "api200_request_duration_milliseconds", "Gateway request duration", m.requestDurationHist, reqP50, reqP95, reqP99)
	writeSummary(&b, "api200_upstream_duration_milliseconds", "Upstream attempt duration", m.upstreamDuration, upP50, upP95, upP99)

	return b.String()
}

func writeSummary(b *strings.Builder, name, help string, h *Histogram, p50, p95, p99 float64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s summary\n", name, help, name)
	fmt.Fprintf(b, "%s{quantile=\"0.5\"} %f\n", name, p50)
	fmt.Fprintf(b, "%s{quantile=\"0.95\"} %f\n", name, p95)
	fmt.Fprintf(b, "%s{quantile=\"0.99\"} %f\n", name, p99)
	fmt.Fprintf(b, "%s_sum %d\n", name, h.Sum())
	fmt.Fprintf(b, "%s_count %d\n\n", name, h.Count())
}

func (m *Metrics) cacheStats() (hits, misses int64, rate float64) {
	hits = atomic.LoadInt64(&m.cacheHits)
	misses = atomic.LoadInt64(&m.cacheMisses)
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses) * 100
	}
	return hits, misses, rate
}

// Export as JSON
func (m *Metrics) ToJSON() map[string]interface{} {
	m.UpdateSystemMetrics()

	reqP50, reqP95, reqP99, reqAvg := m.requestDurationHist.GetStats()
	upP50, upP95, upP99, upAvg := m.upstreamDuration.GetStats()

	totalReqs := atomic.LoadInt64(&m.totalRequests)
	failedReqs := atomic.LoadInt64(&m.failedRequests)
	successRate := float64(0)
	if totalReqs > 0 {
		successRate = float64(totalReqs-failedReqs) / float64(totalReqs) * 100
	}

	cacheHits, cacheMisses, cacheHitRate := m.cacheStats()

	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"requests": map[string]interface{}{
			"total":        totalReqs,
			"failed":       failedReqs,
			"in_flight":    atomic.LoadInt64(&m.requestsInFlight),
			"success_rate": successRate,
			"duration": map[string]interface{}{
				"p50_ms": reqP50,
				"p95_ms": reqP95,
				"p99_ms": reqP99,
				"avg_ms": reqAvg,
			},
		},
		"outcomes": map[string]interface{}{
			"auth_rejections":  atomic.LoadInt64(&m.authRejections),
			"quota_rejections": atomic.LoadInt64(&m.quotaRejections),
			"route_misses":     atomic.LoadInt64(&m.routeMisses),
			"mock":             atomic.LoadInt64(&m.mockResponses),
			"fallback":         atomic.LoadInt64(&m.fallbacks),
			"global_errors":    atomic.LoadInt64(&m.globalErrors),
		},
		"upstream": map[string]interface{}{
			"attempts":           atomic.LoadInt64(&m.upstreamAttempts),
			"failures":           atomic.LoadInt64(&m.upstreamFailures),
			"breaker_rejections": atomic.LoadInt64(&m.breakerRejections),
			"duration": map[string]interface{}{
				"p50_ms": upP50,
				"p95_ms": upP95,
				"p99_ms": upP99,
				"avg_ms": upAvg,
			},
		},
		"cache": map[string]interface{}{
			"hits":     cacheHits,
			"misses":   cacheMisses,
			"errors":   atomic.LoadInt64(&m.cacheErrors),
			"hit_rate": cacheHitRate,
		},
		"monitoring": map[string]interface{}{
			"transforms":        atomic.LoadInt64(&m.transformsRun),
			"transforms_failed": atomic.LoadInt64(&m.transformsFailed),
			"schema_drifts":     atomic.LoadInt64(&m.schemaDrifts),
			"incidents_opened":  atomic.LoadInt64(&m.incidentsOpened),
			"exceptions":        atomic.LoadInt64(&m.exceptions),
		},
		"system": map[string]interface{}{
			"goroutines":    m.goroutineCount,
			"heap_alloc_mb": m.heapAllocMB,
			"gc_runs":       m.numGC,
		},
	}
}

// Start background metrics collection
func (m *Metrics) StartCollection(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}
