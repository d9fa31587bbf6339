// Package logging builds the zap logger shared by the gateway and provides
// field constructors for the keys the gateway logs.
package logging

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

var (
	mu     sync.RWMutex
	global = zap.NewNop()
)

// New creates a configured zap logger tagged with the service name.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	var zcfg zap.Config
	if strings.ToLower(cfg.Format) == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "api200-gateway")), nil
}

// SetGlobal replaces the process-wide logger used by L.
func SetGlobal(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = logger
}

// L returns the process-wide logger. It is a no-op logger until SetGlobal is called.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

func NewRequestID() string {
	return uuid.New().String()
}

type correlationKey struct{}

// WithCorrelationID attaches the request's correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func Component(name string) zap.Field { return zap.String("component", name) }

func CorrelationID(id string) zap.Field { return zap.String("correlation_id", id) }

func TenantID(id string) zap.Field { return zap.String("tenant_id", id) }

func EndpointID(id string) zap.Field { return zap.String("endpoint_id", id) }

func Service(name string) zap.Field { return zap.String("service_name", name) }

func Method(method string) zap.Field { return zap.String("method", method) }

func Path(path string) zap.Field { return zap.String("path", path) }

func Status(code int) zap.Field { return zap.Int("status_code", code) }

func Duration(d time.Duration) zap.Field { return zap.Int64("duration_ms", d.Milliseconds()) }

func Attempt(n int) zap.Field { return zap.Int("attempt", n) }

func CacheKey(key string) zap.Field { return zap.String("cache_key", key) }

func RemoteAddr(addr string) zap.Field { return zap.String("remote_addr", addr) }

// Upstream logs the upstream host only; query strings may carry injected credentials.
func Upstream(rawURL string) zap.Field {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	return zap.String("upstream", rawURL)
}
