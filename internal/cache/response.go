package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/metrics"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/observe"
)

// ResponseCache is the read-through cache for upstream responses of
// cache-enabled endpoints. Every failure is soft: it is reported and the
// caller sees a miss.
type ResponseCache struct {
	cache   Cache
	sink    observe.Sink
	metrics *metrics.Metrics
}

func NewResponseCache(c Cache, sink observe.Sink, m *metrics.Metrics) *ResponseCache {
	if sink == nil {
		sink = observe.Nop()
	}
	if m == nil {
		m = metrics.GetMetrics()
	}
	return &ResponseCache{cache: c, sink: sink, metrics: m}
}

func (r *ResponseCache) Lookup(ctx context.Context, endpointID, rawQuery string) (*models.CacheEntry, bool) {
	key := ResponseKey(endpointID, rawQuery)

	var entry models.CacheEntry
	err := GetJSON(ctx, r.cache, key, &entry)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			r.metrics.RecordCacheError()
			r.sink.CaptureException(ctx, err, logging.CacheKey(key))
		}
		r.metrics.RecordCacheMiss()
		return nil, false
	}

	r.metrics.RecordCacheHit()
	return &entry, true
}

// Store caches a successful response with a non-empty body for ttl.
func (r *ResponseCache) Store(ctx context.Context, endpointID, rawQuery string, status int, header http.Header, body []byte, ttl time.Duration) {
	if status < 200 || status > 299 || len(body) == 0 || ttl <= 0 {
		return
	}

	key := ResponseKey(endpointID, rawQuery)
	entry := models.CacheEntry{
		Status:  status,
		Headers: NormalizeHeaders(header),
		Body:    body,
	}
	if err := SetJSON(ctx, r.cache, key, entry, ttl); err != nil {
		r.metrics.RecordCacheError()
		r.sink.CaptureException(ctx, err, logging.CacheKey(key))
	}
}

// NormalizeHeaders flattens multi-valued headers into one comma-joined string
// per lower-cased name.
func NormalizeHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

// Invalidator busts cached routes and responses after configuration edits.
type Invalidator struct {
	cache Cache
}

func NewInvalidator(c Cache) *Invalidator {
	return &Invalidator{cache: c}
}

// Route drops every cached route bundle of one service.
func (i *Invalidator) Route(ctx context.Context, tenantID, service string) error {
	return i.cache.DeletePrefix(ctx, RoutePrefix(tenantID, service))
}

// Responses drops every cached response of one endpoint.
func (i *Invalidator) Responses(ctx context.Context, endpointID string) error {
	return i.cache.DeletePrefix(ctx, ResponsePrefix(endpointID))
}

// APIKey drops one cached key lookup.
func (i *Invalidator) APIKey(ctx context.Context, keyHash string) error {
	return i.cache.DeletePrefix(ctx, APIKeyKey(keyHash))
}
