package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHistogram_Quantiles(t *testing.T) {
	h := NewHistogram()
	for i := 0; i < 90; i++ {
		h.Observe(3 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		h.Observe(900 * time.Millisecond)
	}

	p50, p95, p99, avg := h.GetStats()
	assert.Equal(t, float64(4), p50)
	assert.Equal(t, float64(1024), p95)
	assert.Equal(t, float64(1024), p99)
	assert.InDelta(t, 92.7, avg, 0.01)
	assert.Equal(t, int64(100), h.Count())
}

func TestHistogram_Empty(t *testing.T) {
	p50, p95, p99, avg := NewHistogram().GetStats()
	assert.Zero(t, p50)
	assert.Zero(t, p95)
	assert.Zero(t, p99)
	assert.Zero(t, avg)
}

func TestMetrics_Export(t *testing.T) {
	m := New()
	m.RecordRequest(10*time.Millisecond, true)
	m.RecordRequest(20*time.Millisecond, false)
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheMiss()
	m.RecordCacheMiss()
	m.RecordUpstreamAttempt(5*time.Millisecond, false)
	m.RecordIncidentOpened()

	text := m.ToPrometheus()
	assert.Contains(t, text, "api200_requests_total 2\n")
	assert.Contains(t, text, "api200_requests_failed 1\n")
	assert.Contains(t, text, "api200_cache_hit_rate 25.000000\n")
	assert.Contains(t, text, "api200_upstream_failures_total 1\n")
	assert.Contains(t, text, "api200_incidents_opened_total 1\n")
	assert.Contains(t, text, "# TYPE api200_request_duration_milliseconds summary")
	assert.Contains(t, text, "api200_request_duration_milliseconds_count 2\n")

	out := m.ToJSON()
	requests := out["requests"].(map[string]interface{})
	assert.Equal(t, int64(2), requests["total"])
	assert.Equal(t, float64(50), requests["success_rate"])
	cache := out["cache"].(map[string]interface{})
	assert.Equal(t, int64(3), cache["misses"])
}
