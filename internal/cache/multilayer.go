package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss indicates the key was not found in any cache layer
var ErrCacheMiss = errors.New("cache miss")

// Cache is the key/value contract the gateway depends on. Values are opaque
// bytes; expiry is per key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// MultiLayerCache implements a 2-tier caching strategy:
// 1. Local in-memory cache (bigcache), only for namespaces listed in LocalPrefixes
// 2. Redis distributed cache, authoritative for expiry
//
// A local entry can outlive an invalidation on another node by at most LocalTTL.
type MultiLayerCache struct {
	local  *bigcache.BigCache
	redis  *redis.Client
	config Config
	stats  Stats
}

// Config defines cache behavior
type Config struct {
	LocalEnabled  bool
	LocalSizeMB   int
	LocalTTL      time.Duration
	LocalEviction time.Duration
	LocalPrefixes []string

	KeyPrefix string
}

// Stats tracks cache performance counters
type Stats struct {
	LocalHits     atomic.Int64
	LocalMisses   atomic.Int64
	RedisHits     atomic.Int64
	RedisMisses   atomic.Int64
	TotalRequests atomic.Int64
}

type StatsSnapshot struct {
	LocalHits     int64 `json:"local_hits"`
	LocalMisses   int64 `json:"local_misses"`
	RedisHits     int64 `json:"redis_hits"`
	RedisMisses   int64 `json:"redis_misses"`
	TotalRequests int64 `json:"total_requests"`
}

// NewMultiLayerCache creates a new multi-layer cache. A nil redis client
// yields a cache that always misses.
func NewMultiLayerCache(redisClient *redis.Client, config Config) (*MultiLayerCache, error) {
	c := &MultiLayerCache{
		redis:  redisClient,
		config: config,
	}

	if config.LocalEnabled {
		localConfig := bigcache.Config{
			Shards:             1024,
			LifeWindow:         config.LocalTTL,
			CleanWindow:        config.LocalEviction,
			MaxEntriesInWindow: 1000 * 10 * 60,
			MaxEntrySize:       4096,
			HardMaxCacheSize:   config.LocalSizeMB,
			Verbose:            false,
		}

		local, err := bigcache.New(context.Background(), localConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create local cache: %w", err)
		}
		c.local = local
	}

	return c, nil
}

func (c *MultiLayerCache) useLocal(key string) bool {
	if c.local == nil {
		return false
	}
	for _, p := range c.config.LocalPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Get retrieves a value from cache (local → Redis)
func (c *MultiLayerCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.stats.TotalRequests.Add(1)

	fullKey := c.config.KeyPrefix + key
	local := c.useLocal(key)

	if local {
		data, err := c.local.Get(fullKey)
		if err == nil {
			c.stats.LocalHits.Add(1)
			return data, nil
		}
		c.stats.LocalMisses.Add(1)
	}

	if c.redis == nil {
		return nil, ErrCacheMiss
	}

	data, err := c.redis.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		c.stats.RedisMisses.Add(1)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	c.stats.RedisHits.Add(1)

	if local {
		_ = c.local.Set(fullKey, data)
	}
	return data, nil
}

// Set stores a value in all cache layers. A non-positive ttl is ignored.
func (c *MultiLayerCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	fullKey := c.config.KeyPrefix + key

	if c.useLocal(key) {
		// Local failures (entry too big, shard full) only cost a Redis round trip later.
		_ = c.local.Set(fullKey, value)
	}

	if c.redis == nil {
		return nil
	}
	if err := c.redis.Set(ctx, fullKey, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a value from all cache layers
func (c *MultiLayerCache) Delete(ctx context.Context, key string) error {
	fullKey := c.config.KeyPrefix + key

	if c.local != nil {
		_ = c.local.Delete(fullKey)
	}

	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, fullKey).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix from both layers.
func (c *MultiLayerCache) DeletePrefix(ctx context.Context, prefix string) error {
	fullPrefix := c.config.KeyPrefix + prefix

	if c.local != nil {
		it := c.local.Iterator()
		for it.SetNext() {
			entry, err := it.Value()
			if err != nil {
				continue
			}
			if strings.HasPrefix(entry.Key(), fullPrefix) {
				_ = c.local.Delete(entry.Key())
			}
		}
	}

	if c.redis == nil {
		return nil
	}

	iter := c.redis.Scan(ctx, 0, escapeGlob(fullPrefix)+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := c.redis.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis del batch: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan error: %w", err)
	}
	if len(batch) > 0 {
		if err := c.redis.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del batch: %w", err)
		}
	}
	return nil
}

// Stats returns cache performance statistics
func (c *MultiLayerCache) Stats() StatsSnapshot {
	return StatsSnapshot{
		LocalHits:     c.stats.LocalHits.Load(),
		LocalMisses:   c.stats.LocalMisses.Load(),
		RedisHits:     c.stats.RedisHits.Load(),
		RedisMisses:   c.stats.RedisMisses.Load(),
		TotalRequests: c.stats.TotalRequests.Load(),
	}
}

// HitRate returns the overall cache hit rate
func (c *MultiLayerCache) HitRate() float64 {
	s := c.Stats()
	if s.TotalRequests == 0 {
		return 0.0
	}
	return float64(s.LocalHits+s.RedisHits) / float64(s.TotalRequests)
}

// Close releases cache resources
func (c *MultiLayerCache) Close() error {
	if c.local != nil {
		if err := c.local.Close(); err != nil {
			return fmt.Errorf("failed to close local cache: %w", err)
		}
	}
	return nil
}

// DefaultConfig returns production-ready defaults
func DefaultConfig() Config {
	return Config{
		LocalEnabled:  true,
		LocalSizeMB:   64,
		LocalTTL:      30 * time.Second,
		LocalEviction: 1 * time.Minute,
		LocalPrefixes: []string{NamespaceAPIKey, NamespaceRoute},
	}
}

// GetJSON decodes a cached JSON value into dest.
func GetJSON(ctx context.Context, c Cache, key string, dest any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	return nil
}

func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.Set(ctx, key, data, ttl)
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
