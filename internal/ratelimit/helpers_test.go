package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/aman-churiwal/tiered-gateway/internal/repository"
	"github.com/aman-churiwal/tiered-gateway/internal/tiers"
	"go.uber.org/zap"
)

// 12:00:10 UTC, fifty seconds before the window resets
var testEpoch = time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: testEpoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Counts lookups and optionally blocks them on a gate
type countingStore struct {
	inner   KeyStore
	lookups atomic.Int64
	gate    chan struct{}
	err     error
}

func (s *countingStore) Lookup(ctx context.Context, fp string) (*models.APIKey, error) {
	s.lookups.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.Lookup(ctx, fp)
}

type testEnv struct {
	engine *Engine
	cache  *LimitCache
	store  *repository.MemoryKeyStore
	clock  *testClock
}

func newTestEnv(t *testing.T, store KeyStore, cfg EngineConfig) *testEnv {
	t.Helper()

	catalog, err := tiers.NewCatalog(tiers.DefaultTiers()...)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	clock := newTestClock()
	mem := repository.NewMemoryKeyStore()
	if store == nil {
		store = mem
	}
	if cs, ok := store.(*countingStore); ok && cs.inner == nil {
		cs.inner = mem
	}

	cache := NewLimitCache(NewMemoryCounters(8, zap.NewNop()), WithClock(clock.Now), WithShards(8))
	cfg.Clock = clock.Now
	engine := NewEngine(cache, store, catalog, cfg)

	return &testEnv{engine: engine, cache: cache, store: mem, clock: clock}
}

func (e *testEnv) issue(t *testing.T, plain, tier string, ttl time.Duration) *models.APIKey {
	t.Helper()

	rec := &models.APIKey{
		KeyHash:   models.Fingerprint(plain),
		Name:      plain,
		Tier:      tier,
		IsActive:  true,
		ExpiresAt: e.clock.Now().Add(ttl),
	}
	if err := e.store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create key: %v", err)
	}
	return rec
}
