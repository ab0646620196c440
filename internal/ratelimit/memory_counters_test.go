package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMemoryCounters_ConcurrentAdmitsNeverExceedBudget(t *testing.T) {
	m := NewMemoryCounters(4, zap.NewNop())
	cfg := LimitConfig{RequestsPerMinute: 30, BurstLimit: 5}
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.TryAdmit(ctx, "fp", "/api/heavy-operation", cfg, testEpoch)
			if err == nil && res.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(35), admitted.Load())
}

func TestMemoryCounters_PathsAreIndependent(t *testing.T) {
	m := NewMemoryCounters(4, zap.NewNop())
	cfg := LimitConfig{RequestsPerMinute: 1}
	ctx := context.Background()

	res, _ := m.TryAdmit(ctx, "fp", "/a", cfg, testEpoch)
	require.True(t, res.Admitted)
	res, _ = m.TryAdmit(ctx, "fp", "/a", cfg, testEpoch)
	require.False(t, res.Admitted)

	res, _ = m.TryAdmit(ctx, "fp", "/b", cfg, testEpoch)
	assert.True(t, res.Admitted)
}

func TestMemoryCounters_ConcurrencyAcquireRelease(t *testing.T) {
	m := NewMemoryCounters(4, zap.NewNop())
	ctx := context.Background()

	var slots []Slot
	for i := 0; i < 3; i++ {
		slot, ok, err := m.TryAcquire(ctx, "fp", 3)
		require.NoError(t, err)
		require.True(t, ok)
		slots = append(slots, slot)
	}

	_, ok, err := m.TryAcquire(ctx, "fp", 3)
	require.NoError(t, err)
	assert.False(t, ok, "fourth acquire must be rejected")

	slots[0].Release()
	n, _ := m.InFlight(ctx, "fp")
	assert.Equal(t, int64(2), n)

	_, ok, _ = m.TryAcquire(ctx, "fp", 3)
	assert.True(t, ok)
}

func TestMemoryCounters_DoubleReleaseIsLoggedAndIgnored(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewMemoryCounters(4, zap.New(core))
	ctx := context.Background()

	a, _, _ := m.TryAcquire(ctx, "fp", 5)
	_, _, _ = m.TryAcquire(ctx, "fp", 5)

	a.Release()
	a.Release()

	n, _ := m.InFlight(ctx, "fp")
	assert.Equal(t, int64(1), n, "second release of the same slot must not decrement again")
	assert.Equal(t, 1, logs.FilterMessage("concurrency slot released twice").Len())
}

func TestMemoryCounters_ReleaseFloorsAtZero(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewMemoryCounters(4, zap.New(core))
	ctx := context.Background()

	slot, _, _ := m.TryAcquire(ctx, "fp", 1)
	slot.Release()

	require.NoError(t, m.Release(ctx, "fp"))

	n, _ := m.InFlight(ctx, "fp")
	assert.Equal(t, int64(0), n)
	assert.Equal(t, 1, logs.FilterMessage("concurrency counter already at zero, clamping").Len())
}

func TestMemoryCounters_EvictWhileInFlight(t *testing.T) {
	m := NewMemoryCounters(4, zap.NewNop())
	ctx := context.Background()

	old, ok, _ := m.TryAcquire(ctx, "fp", 1)
	require.True(t, ok)

	require.NoError(t, m.Evict(ctx, "fp"))

	n, _ := m.InFlight(ctx, "fp")
	assert.Equal(t, int64(0), n, "evicted counters start fresh")

	fresh, ok, _ := m.TryAcquire(ctx, "fp", 1)
	require.True(t, ok)

	// The old slot settles against the state it came from
	old.Release()
	n, _ = m.InFlight(ctx, "fp")
	assert.Equal(t, int64(1), n)

	fresh.Release()
	n, _ = m.InFlight(ctx, "fp")
	assert.Equal(t, int64(0), n)
}

func TestMemoryCounters_Cleanup(t *testing.T) {
	m := NewMemoryCounters(4, zap.NewNop())
	ctx := context.Background()
	cfg := LimitConfig{RequestsPerMinute: 10}

	_, _ = m.TryAdmit(ctx, "idle", "/a", cfg, testEpoch)
	_, _ = m.TryAdmit(ctx, "busy", "/a", cfg, testEpoch)
	slot, _, _ := m.TryAcquire(ctx, "busy", 1)

	assert.Equal(t, 0, m.Cleanup(testEpoch), "nothing expires inside the window")

	removed := m.Cleanup(testEpoch.Add(time.Minute))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.Len())

	slot.Release()
	assert.Equal(t, 1, m.Cleanup(testEpoch.Add(time.Minute)))
	assert.Equal(t, 0, m.Len())
}
