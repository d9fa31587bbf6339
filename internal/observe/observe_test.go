package observe

import (
	"context"
	"errors"
	"testing"

	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReporter_CaptureException(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := metrics.New()
	r := NewReporter(zap.New(core), m)

	ctx := logging.WithCorrelationID(context.Background(), "corr-1")
	r.CaptureException(ctx, errors.New("redis down"), logging.CacheKey("route:t:s:e"))
	r.CaptureException(ctx, nil)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "captured exception", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, "corr-1", fields["correlation_id"])
	assert.Equal(t, "route:t:s:e", fields["cache_key"])
	assert.Equal(t, "redis down", fields["error"])
	assert.Equal(t, "observe", fields["component"])

	stats := m.ToJSON()["monitoring"].(map[string]interface{})
	assert.Equal(t, int64(1), stats["exceptions"])
}
