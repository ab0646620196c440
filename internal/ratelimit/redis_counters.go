package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	windowKeyFmt  = "ratelimit:win:%s:%d:%s" // fingerprint, window index, path
	windowKeyScan = "ratelimit:win:%s:*"
	concKeyFmt    = "ratelimit:conc:%s"

	releaseTimeout = 2 * time.Second
)

// KEYS[1] window hash; ARGV: requests per minute, burst limit, ttl ms
var admitScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
local burst = tonumber(redis.call('HGET', KEYS[1], 'burst') or '0')
local limit = tonumber(ARGV[1])
local burstLimit = tonumber(ARGV[2])
local admitted, fromBurst = 0, 0
if used < limit then
  used = redis.call('HINCRBY', KEYS[1], 'used', 1)
  admitted = 1
elseif burst < burstLimit then
  burst = redis.call('HINCRBY', KEYS[1], 'burst', 1)
  admitted = 1
  fromBurst = 1
end
if admitted == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {admitted, fromBurst, math.max(limit - used, 0) + math.max(burstLimit - burst, 0)}
`)

// KEYS[1] concurrency counter; ARGV: limit, ttl ms
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// Returns the new count, or -1 when the counter was already at zero
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  return -1
end
return redis.call('DECR', KEYS[1])
`)

// RedisCounters shares counters between gateway processes. Each check-and-increment
// runs as one Lua script, so it is atomic on the server.
type RedisCounters struct {
	redis   *storage.RedisClient
	slotTTL time.Duration
	logger  *zap.Logger
}

// slotTTL bounds how long a slot leaked by a crashed process keeps counting
func NewRedisCounters(redis *storage.RedisClient, slotTTL time.Duration, logger *zap.Logger) *RedisCounters {
	if slotTTL <= 0 {
		slotTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisCounters{
		redis:   redis,
		slotTTL: slotTTL,
		logger:  logger,
	}
}

func (r *RedisCounters) Name() string { return "redis" }

func (r *RedisCounters) TryAdmit(ctx context.Context, key, path string, cfg LimitConfig, now time.Time) (AdmitResult, error) {
	start := windowStart(now)
	reset := start.Add(Window)
	index := start.Unix() / int64(Window/time.Second)
	redisKey := fmt.Sprintf(windowKeyFmt, key, index, path)

	// Outlive the window by a second so a late request cannot recreate it empty
	ttl := reset.Sub(now) + time.Second

	vals, err := admitScript.Run(ctx, r.redis.Client, []string{redisKey},
		cfg.RequestsPerMinute, cfg.BurstLimit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return AdmitResult{}, fmt.Errorf("admit script: %w", err)
	}
	if len(vals) != 3 {
		return AdmitResult{}, fmt.Errorf("admit script: unexpected reply %v", vals)
	}

	res := AdmitResult{
		Admitted:  vals[0] == 1,
		Burst:     vals[1] == 1,
		Remaining: uint(vals[2]),
		ResetAt:   reset,
	}
	if !res.Admitted {
		res.RetryAfter = retryAfter(now, reset)
	}

	return res, nil
}

func (r *RedisCounters) TryAcquire(ctx context.Context, key string, limit uint) (Slot, bool, error) {
	redisKey := fmt.Sprintf(concKeyFmt, key)

	ok, err := acquireScript.Run(ctx, r.redis.Client, []string{redisKey}, limit, r.slotTTL.Milliseconds()).Int64()
	if err != nil {
		return nil, false, fmt.Errorf("acquire script: %w", err)
	}
	if ok != 1 {
		return nil, false, nil
	}

	return &redisSlot{counters: r, key: key}, true, nil
}

func (r *RedisCounters) Release(ctx context.Context, key string) error {
	left, err := releaseScript.Run(ctx, r.redis.Client, []string{fmt.Sprintf(concKeyFmt, key)}).Int64()
	if err != nil {
		return fmt.Errorf("release script: %w", err)
	}
	if left < 0 {
		r.logger.Warn("concurrency counter already at zero, clamping", zap.String("key", key))
	}
	return nil
}

func (r *RedisCounters) InFlight(ctx context.Context, key string) (int64, error) {
	n, err := r.redis.Client.Get(ctx, fmt.Sprintf(concKeyFmt, key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisCounters) Evict(ctx context.Context, key string) error {
	keys := []string{fmt.Sprintf(concKeyFmt, key)}

	iter := r.redis.Client.Scan(ctx, 0, fmt.Sprintf(windowKeyScan, key), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan window keys: %w", err)
	}

	return r.redis.Client.Del(ctx, keys...).Err()
}

type redisSlot struct {
	counters *RedisCounters
	key      string
	released atomic.Bool
}

// Runs on its own context so a cancelled request still gives its slot back
func (s *redisSlot) Release() {
	if !s.released.CompareAndSwap(false, true) {
		s.counters.logger.Warn("concurrency slot released twice", zap.String("key", s.key))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := s.counters.Release(ctx, s.key); err != nil {
		s.counters.logger.Error("failed to release concurrency slot", zap.String("key", s.key), zap.Error(err))
	}
}
