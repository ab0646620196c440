package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultConfigTTL = 30 * time.Second
	MaxConfigTTL     = time.Minute
)

type configEntry struct {
	cfg       LimitConfig
	expiresAt time.Time
}

type configShard struct {
	mu      sync.RWMutex
	entries map[string]map[string]configEntry // key -> path -> entry
}

// LimitCache is the in-process view of resolved limit configs plus the live
// counters. It is disposable: dropping it loses nothing the key store cannot rebuild.
type LimitCache struct {
	shards     []*configShard
	mask       uint64
	counters   Counters
	defaultTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

type CacheOption func(*LimitCache)

func WithConfigTTL(ttl time.Duration) CacheOption {
	return func(c *LimitCache) { c.defaultTTL = clampTTL(ttl, DefaultConfigTTL) }
}

func WithClock(now func() time.Time) CacheOption {
	return func(c *LimitCache) { c.now = now }
}

func WithShards(n int) CacheOption {
	return func(c *LimitCache) {
		size := shardCount(n)
		c.shards = newConfigShards(size)
		c.mask = uint64(size - 1)
	}
}

func WithLogger(logger *zap.Logger) CacheOption {
	return func(c *LimitCache) { c.logger = logger }
}

func NewLimitCache(counters Counters, opts ...CacheOption) *LimitCache {
	size := shardCount(defaultShards)
	c := &LimitCache{
		shards:     newConfigShards(size),
		mask:       uint64(size - 1),
		counters:   counters,
		defaultTTL: DefaultConfigTTL,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newConfigShards(n int) []*configShard {
	shards := make([]*configShard, n)
	for i := range shards {
		shards[i] = &configShard{entries: make(map[string]map[string]configEntry)}
	}
	return shards
}

func (c *LimitCache) shard(key string) *configShard {
	return c.shards[shardIndex(key, c.mask)]
}

// Returns the cached config for (key, path). Entries past their TTL or past the
// key's own expiry count as a miss.
func (c *LimitCache) ResolveConfig(key, path string) (LimitConfig, bool) {
	now := c.now()
	sh := c.shard(key)

	sh.mu.RLock()
	e, ok := sh.entries[key][path]
	sh.mu.RUnlock()

	if !ok || !now.Before(e.expiresAt) || !e.cfg.ExpiresAt.After(now) {
		c.misses.Add(1)
		metrics.ConfigLookupsTotal.WithLabelValues("miss").Inc()
		return LimitConfig{}, false
	}

	c.hits.Add(1)
	metrics.ConfigLookupsTotal.WithLabelValues("hit").Inc()
	return e.cfg, true
}

// Stores cfg for ttl, clamped to (0, 1m]. Zero uses the cache default
func (c *LimitCache) Populate(key, path string, cfg LimitConfig, ttl time.Duration) {
	ttl = clampTTL(ttl, c.defaultTTL)
	sh := c.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	paths, ok := sh.entries[key]
	if !ok {
		paths = make(map[string]configEntry)
		sh.entries[key] = paths
	}
	paths[path] = configEntry{cfg: cfg, expiresAt: c.now().Add(ttl)}
}

func (c *LimitCache) TryAdmit(ctx context.Context, key, path string, cfg LimitConfig) (AdmitResult, error) {
	return c.counters.TryAdmit(ctx, key, path, cfg, c.now())
}

func (c *LimitCache) TryAcquireConcurrency(ctx context.Context, key string, limit uint) (Slot, bool, error) {
	return c.counters.TryAcquire(ctx, key, limit)
}

func (c *LimitCache) ReleaseConcurrency(ctx context.Context, key string) error {
	return c.counters.Release(ctx, key)
}

func (c *LimitCache) InFlight(ctx context.Context, key string) (int64, error) {
	return c.counters.InFlight(ctx, key)
}

// Removes every cached config and counter for key
func (c *LimitCache) Evict(ctx context.Context, key string) error {
	sh := c.shard(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()

	return c.counters.Evict(ctx, key)
}

// Drops expired config entries and prunes idle counters. Returns the number of config entries removed
func (c *LimitCache) Cleanup() int {
	now := c.now()
	removed := 0

	for _, sh := range c.shards {
		sh.mu.Lock()
		for key, paths := range sh.entries {
			for path, e := range paths {
				if !now.Before(e.expiresAt) || !e.cfg.ExpiresAt.After(now) {
					delete(paths, path)
					removed++
				}
			}
			if len(paths) == 0 {
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}

	if cl, ok := c.counters.(cleaner); ok {
		cl.Cleanup(now)
	}

	return removed
}

// Runs Cleanup every interval until ctx is done
func (c *LimitCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Cleanup(); n > 0 {
					c.logger.Debug("limit cache cleanup", zap.Int("config_entries_removed", n))
				}
			}
		}
	}()
}

type CacheStats struct {
	Backend       string `json:"backend"`
	Shards        int    `json:"shards"`
	ConfigEntries int    `json:"config_entries"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
}

func (c *LimitCache) Stats() CacheStats {
	entries := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		for _, paths := range sh.entries {
			entries += len(paths)
		}
		sh.mu.RUnlock()
	}

	return CacheStats{
		Backend:       c.counters.Name(),
		Shards:        len(c.shards),
		ConfigEntries: entries,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
	}
}

func clampTTL(ttl, fallback time.Duration) time.Duration {
	if ttl <= 0 {
		return fallback
	}
	if ttl > MaxConfigTTL {
		return MaxConfigTTL
	}
	return ttl
}
