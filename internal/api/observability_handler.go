package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/api200/gateway/internal/cache"
	"github.com/api200/gateway/internal/database"
	"github.com/api200/gateway/internal/metrics"
)

type ObservabilityHandler struct {
	db      database.Conn
	redis   *database.RedisClient
	cache   *cache.MultiLayerCache
	metrics *metrics.Metrics
}

// NewObservabilityHandler wires health and metrics endpoints. redis and
// layered may be nil when the gateway runs without Redis.
func NewObservabilityHandler(db database.Conn, redis *database.RedisClient, layered *cache.MultiLayerCache, m *metrics.Metrics) *ObservabilityHandler {
	if m == nil {
		m = metrics.GetMetrics()
	}
	return &ObservabilityHandler{
		db:      db,
		redis:   redis,
		cache:   layered,
		metrics: m,
	}
}

// HandleMetrics returns Prometheus-formatted metrics
func (h *ObservabilityHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, h.metrics.ToPrometheus())
}

// HandleStats returns JSON-formatted statistics
func (h *ObservabilityHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.metrics.ToJSON()
	if h.cache != nil {
		stats["cache_layers"] = map[string]interface{}{
			"stats":    h.cache.Stats(),
			"hit_rate": h.cache.HitRate(),
		}
	}
	respondJSON(w, http.StatusOK, stats)
}

// HandleHealth pings the database and, when configured, Redis.
func (h *ObservabilityHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]interface{}{
		"database": h.checkDatabaseHealth(ctx),
	}
	healthy := checks["database"].(map[string]interface{})["healthy"].(bool)

	if h.redis != nil {
		redisHealth := h.checkRedisHealth(ctx)
		checks["redis"] = redisHealth
		healthy = healthy && redisHealth["healthy"].(bool)
	}

	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}

	status := http.StatusOK
	if !healthy {
		health["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

func (h *ObservabilityHandler) checkDatabaseHealth(ctx context.Context) map[string]interface{} {
	start := time.Now()

	err := h.db.Ping(ctx)
	duration := time.Since(start).Milliseconds()

	health := map[string]interface{}{
		"healthy":          err == nil,
		"response_time_ms": duration,
	}

	if pg, ok := h.db.(*database.PostgresDB); ok {
		stats := pg.Pool.Stat()
		health["total_connections"] = stats.TotalConns()
		health["idle_connections"] = stats.IdleConns()
		health["max_connections"] = stats.MaxConns()
	}

	if err != nil {
		health["error"] = err.Error()
	}

	return health
}

func (h *ObservabilityHandler) checkRedisHealth(ctx context.Context) map[string]interface{} {
	start := time.Now()

	err := h.redis.Client.Ping(ctx).Err()
	duration := time.Since(start).Milliseconds()

	poolStats := h.redis.Client.PoolStats()

	health := map[string]interface{}{
		"healthy":           err == nil,
		"response_time_ms":  duration,
		"total_connections": poolStats.TotalConns,
		"idle_connections":  poolStats.IdleConns,
		"stale_connections": poolStats.StaleConns,
	}

	if err != nil {
		health["error"] = err.Error()
	}

	return health
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
