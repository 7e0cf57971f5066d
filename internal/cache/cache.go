package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a cache based on configuration.
// "memory" gives a local LRU, "redis" a shared Redis cache, and
// enableTwoPhase layers the LRU in front of Redis.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		redisCache, err := NewRedisCache(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating redis cache: %w", err)
		}

		if cfg.EnableTwoPhase {
			local := NewLRUCache(cfg.LocalMaxSize)
			return NewTwoPhaseCache(local, redisCache, cfg.LocalTTL), nil
		}
		return redisCache, nil

	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache checks a local LRU first, then Redis. Writes go to both.
// Counters are remote-only so velocity stays consistent across replicas.
type TwoPhaseCache struct {
	local    *LRUCache
	remote   *RedisCache
	localTTL time.Duration
}

// NewTwoPhaseCache creates a two-phase cache.
func NewTwoPhaseCache(local *LRUCache, remote *RedisCache, localTTL time.Duration) *TwoPhaseCache {
	if localTTL <= 0 {
		localTTL = 30 * time.Second
	}
	return &TwoPhaseCache{
		local:    local,
		remote:   remote,
		localTTL: localTTL,
	}
}

// Get checks local cache first, falls back to remote.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, key); err == nil && val != nil {
		return val, nil
	}

	val, err := c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if val != nil {
		// Populate local cache for subsequent reads
		_ = c.local.Set(ctx, key, val, c.localTTL)
	}
	return val, nil
}

// Set writes to both caches. The local copy gets a shorter TTL so
// stale entries age out quickly after remote invalidation.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	localTTL := c.localTTL
	if ttl < localTTL {
		localTTL = ttl
	}
	_ = c.local.Set(ctx, key, value, localTTL)
	return c.remote.Set(ctx, key, value, ttl)
}

// Delete removes from both caches.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	return c.remote.Delete(ctx, key)
}

// IncrementCounter always uses the remote cache for consistency.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, key, window)
}

// Ping checks the remote cache.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	return c.remote.Ping(ctx)
}

// Close closes both caches.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}
