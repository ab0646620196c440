package ratelimit

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Slot is one acquired unit of a key's concurrency budget. Release is safe to
// call more than once; only the first call gives the unit back.
type Slot interface {
	Release()
}

// Counters holds the live window and concurrency counters. Every operation is
// atomic for a single key.
type Counters interface {
	TryAdmit(ctx context.Context, key, path string, cfg LimitConfig, now time.Time) (AdmitResult, error)
	TryAcquire(ctx context.Context, key string, limit uint) (Slot, bool, error)
	Release(ctx context.Context, key string) error
	InFlight(ctx context.Context, key string) (int64, error)
	Evict(ctx context.Context, key string) error
	Name() string
}

// Implemented by backends that hold state needing periodic pruning
type cleaner interface {
	Cleanup(now time.Time) int
}

const defaultShards = 64

// Rounds n up to a power of two so the shard index is a mask
func shardCount(n int) int {
	if n <= 0 {
		n = defaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	return size
}

func shardIndex(key string, mask uint64) uint64 {
	return xxhash.Sum64String(key) & mask
}
