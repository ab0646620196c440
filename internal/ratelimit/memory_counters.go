package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type keyState struct {
	mu       sync.Mutex
	windows  map[string]*window
	inflight int64
	// Set once the state is unlinked from its shard; callers must look the key up again
	dead bool
}

type counterShard struct {
	mu   sync.RWMutex
	keys map[string]*keyState
}

// MemoryCounters keeps counters in process memory, spread over independently
// locked shards. Each key has its own mutex, so unrelated keys never contend.
type MemoryCounters struct {
	shards []*counterShard
	mask   uint64
	logger *zap.Logger
}

func NewMemoryCounters(shards int, logger *zap.Logger) *MemoryCounters {
	if logger == nil {
		logger = zap.NewNop()
	}

	n := shardCount(shards)
	m := &MemoryCounters{
		shards: make([]*counterShard, n),
		mask:   uint64(n - 1),
		logger: logger,
	}
	for i := range m.shards {
		m.shards[i] = &counterShard{keys: make(map[string]*keyState)}
	}

	return m
}

func (m *MemoryCounters) Name() string { return "memory" }

func (m *MemoryCounters) shard(key string) *counterShard {
	return m.shards[shardIndex(key, m.mask)]
}

func (m *MemoryCounters) state(key string) *keyState {
	sh := m.shard(key)

	sh.mu.RLock()
	st, ok := sh.keys[key]
	sh.mu.RUnlock()
	if ok {
		return st
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if st, ok = sh.keys[key]; ok {
		return st
	}
	st = &keyState{windows: make(map[string]*window)}
	sh.keys[key] = st
	return st
}

// Runs fn with the key's state locked, retrying if the state was unlinked concurrently
func (m *MemoryCounters) withState(key string, fn func(st *keyState)) {
	for {
		st := m.state(key)
		st.mu.Lock()
		if st.dead {
			st.mu.Unlock()
			continue
		}
		fn(st)
		st.mu.Unlock()
		return
	}
}

func (m *MemoryCounters) TryAdmit(ctx context.Context, key, path string, cfg LimitConfig, now time.Time) (AdmitResult, error) {
	var res AdmitResult
	m.withState(key, func(st *keyState) {
		w, ok := st.windows[path]
		if !ok {
			w = &window{}
			st.windows[path] = w
		}
		res = w.admit(cfg, now)
	})
	return res, nil
}

func (m *MemoryCounters) TryAcquire(ctx context.Context, key string, limit uint) (Slot, bool, error) {
	var slot Slot
	m.withState(key, func(st *keyState) {
		if st.inflight >= int64(limit) {
			return
		}
		st.inflight++
		slot = &memorySlot{counters: m, state: st, key: key}
	})
	return slot, slot != nil, nil
}

// Gives back one unit of the key's current concurrency counter
func (m *MemoryCounters) Release(ctx context.Context, key string) error {
	sh := m.shard(key)
	sh.mu.RLock()
	st, ok := sh.keys[key]
	sh.mu.RUnlock()

	if !ok {
		m.logger.Warn("concurrency release for untracked key", zap.String("key", key))
		return nil
	}

	m.release(st, key)
	return nil
}

func (m *MemoryCounters) release(st *keyState, key string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inflight <= 0 {
		m.logger.Warn("concurrency counter already at zero, clamping", zap.String("key", key))
		st.inflight = 0
		return
	}
	st.inflight--
}

func (m *MemoryCounters) InFlight(ctx context.Context, key string) (int64, error) {
	sh := m.shard(key)
	sh.mu.RLock()
	st, ok := sh.keys[key]
	sh.mu.RUnlock()

	if !ok {
		return 0, nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inflight, nil
}

// Drops all counters for key. Slots already handed out keep pointing at the old state
func (m *MemoryCounters) Evict(ctx context.Context, key string) error {
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if st, ok := sh.keys[key]; ok {
		st.mu.Lock()
		st.dead = true
		st.mu.Unlock()
		delete(sh.keys, key)
	}
	return nil
}

// Removes keys with nothing in flight whose windows have all ended. Returns how many were removed
func (m *MemoryCounters) Cleanup(now time.Time) int {
	removed := 0

	for _, sh := range m.shards {
		sh.mu.Lock()
		for key, st := range sh.keys {
			st.mu.Lock()
			if st.inflight == 0 && allExpired(st.windows, now) {
				st.dead = true
				delete(sh.keys, key)
				removed++
			}
			st.mu.Unlock()
		}
		sh.mu.Unlock()
	}

	return removed
}

func (m *MemoryCounters) Len() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		total += len(sh.keys)
		sh.mu.RUnlock()
	}
	return total
}

func allExpired(windows map[string]*window, now time.Time) bool {
	for _, w := range windows {
		if !w.expired(now) {
			return false
		}
	}
	return true
}

type memorySlot struct {
	counters *MemoryCounters
	state    *keyState
	key      string
	released atomic.Bool
}

func (s *memorySlot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		s.counters.logger.Warn("concurrency slot released twice", zap.String("key", s.key))
		return
	}
	s.counters.release(s.state, s.key)
}
