// Package auth validates tenant API keys, enforces the monthly call quota and
// issues admin tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/api200/gateway/internal/apierr"
	"github.com/api200/gateway/internal/cache"
	"github.com/api200/gateway/internal/logging"
	"github.com/api200/gateway/internal/models"
	"github.com/api200/gateway/internal/observe"
	"github.com/api200/gateway/internal/store"
)

// KeyStore is the slice of the persistent store the gate reads.
type KeyStore interface {
	TenantForKey(ctx context.Context, keyHash string) (string, error)
	IncrementUsage(ctx context.Context, tenantID string, now time.Time) (models.Usage, error)
}

type Gate struct {
	store           KeyStore
	cache           cache.Cache
	sink            observe.Sink
	usageAccounting bool
	now             func() time.Time
}

type GateOption func(*Gate)

// WithUsageAccounting turns on the monthly quota check.
func WithUsageAccounting(enabled bool) GateOption {
	return func(g *Gate) { g.usageAccounting = enabled }
}

func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

func NewGate(s KeyStore, c cache.Cache, sink observe.Sink, opts ...GateOption) *Gate {
	if sink == nil {
		sink = observe.Nop()
	}
	g := &Gate{store: s, cache: c, sink: sink, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate maps a raw API key to its tenant id.
func (g *Gate) Authenticate(ctx context.Context, rawKey string) (string, error) {
	if rawKey == "" {
		return "", apierr.ErrMissingAPIKey
	}

	hash := store.HashKey(rawKey)
	key := cache.APIKeyKey(hash)

	cached, err := g.cache.Get(ctx, key)
	switch {
	case err == nil && len(cached) > 0:
		return string(cached), nil
	case err != nil && !errors.Is(err, cache.ErrCacheMiss):
		g.sink.CaptureException(ctx, err, logging.Component("auth"))
	}

	tenantID, err := g.store.TenantForKey(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return "", apierr.ErrInvalidAPIKey
	}
	if err != nil {
		return "", fmt.Errorf("api key lookup: %w", err)
	}

	if err := g.cache.Set(ctx, key, []byte(tenantID), cache.LookupTTL); err != nil {
		g.sink.CaptureException(ctx, err, logging.Component("auth"))
	}
	return tenantID, nil
}

// CheckQuota counts this call against the tenant's monthly limit. It is a
// no-op unless usage accounting is enabled.
func (g *Gate) CheckQuota(ctx context.Context, tenantID string) error {
	if !g.usageAccounting {
		return nil
	}

	usage, err := g.store.IncrementUsage(ctx, tenantID, g.now())
	if err != nil {
		return fmt.Errorf("usage increment: %w", err)
	}
	if usage.Exceeded() {
		return apierr.Quota(usage.Current, usage.Limit)
	}
	return nil
}

// InvalidateKey drops the cached lookup for rawKey.
func (g *Gate) InvalidateKey(ctx context.Context, rawKey string) error {
	return g.cache.DeletePrefix(ctx, cache.APIKeyKey(store.HashKey(rawKey)))
}
