package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/tiered-gateway/internal/metrics"
	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/aman-churiwal/tiered-gateway/internal/tiers"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultLookupTimeout = 250 * time.Millisecond

var ErrBackendUnavailable = errors.New("key store unavailable")

// Source of truth consulted on cache miss. Unknown fingerprints return nil, nil
type KeyStore interface {
	Lookup(ctx context.Context, fingerprint string) (*models.APIKey, error)
}

type EngineConfig struct {
	LookupTimeout time.Duration
	ConfigTTL     time.Duration
	// Optional; guards key store lookups
	Breaker *circuitbreaker.CircuitBreaker
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Engine decides whether a request may proceed. It is safe for concurrent use.
type Engine struct {
	cache         *LimitCache
	store         KeyStore
	catalog       *tiers.Catalog
	breaker       *circuitbreaker.CircuitBreaker
	group         singleflight.Group
	lookupTimeout time.Duration
	configTTL     time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

func NewEngine(cache *LimitCache, store KeyStore, catalog *tiers.Catalog, cfg EngineConfig) *Engine {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Engine{
		cache:         cache,
		store:         store,
		catalog:       catalog,
		breaker:       cfg.Breaker,
		lookupTimeout: cfg.LookupTimeout,
		configTTL:     cfg.ConfigTTL,
		now:           cfg.Clock,
		logger:        cfg.Logger,
	}
}

// Check decides on one request for the plain API key. An allowed decision holds a
// concurrency slot that must be released once the request is done.
func (e *Engine) Check(ctx context.Context, key, path string) Decision {
	if key == "" {
		return e.reject(ReasonKeyInvalid, LimitConfig{}, 0)
	}
	return e.CheckFingerprint(ctx, models.Fingerprint(key), path)
}

func (e *Engine) CheckFingerprint(ctx context.Context, fp, path string) Decision {
	cfg, reason := e.resolve(ctx, fp, path)
	switch reason {
	case ReasonNone:
	case ReasonBackendUnavailable:
		return e.reject(reason, cfg, time.Second)
	default:
		return e.reject(reason, cfg, 0)
	}

	slot, ok, err := e.cache.TryAcquireConcurrency(ctx, fp, cfg.ConcurrentRequests)
	if err != nil {
		e.logger.Error("concurrency counter failed", zap.Error(err))
		return e.reject(ReasonBackendUnavailable, cfg, time.Second)
	}
	if !ok {
		return e.reject(ReasonConcurrencyExceeded, cfg, time.Second)
	}

	res, err := e.cache.TryAdmit(ctx, fp, path, cfg)
	if err != nil {
		slot.Release()
		e.logger.Error("window counter failed", zap.Error(err))
		return e.reject(ReasonBackendUnavailable, cfg, time.Second)
	}
	if !res.Admitted {
		// Nothing proceeds, so the slot goes back right away
		slot.Release()
		d := e.reject(ReasonRateExceeded, cfg, res.RetryAfter)
		d.ResetAt = res.ResetAt
		return d
	}

	metrics.DecisionsTotal.WithLabelValues("allow", "", cfg.Tier).Inc()
	metrics.InFlight.WithLabelValues(cfg.Tier).Inc()

	return Decision{
		Allowed:    true,
		KeyID:      cfg.KeyID,
		Tier:       cfg.Tier,
		Limit:      cfg.RequestsPerMinute,
		BurstLimit: cfg.BurstLimit,
		Remaining:  res.Remaining,
		ResetAt:    res.ResetAt,
		Burst:      res.Burst,
		slot:       &trackedSlot{Slot: slot, tier: cfg.Tier},
	}
}

// Release is the counterpart of an allowed Check
func (e *Engine) Release(d Decision) {
	d.Release()
}

func (e *Engine) reject(reason Reason, cfg LimitConfig, retry time.Duration) Decision {
	metrics.DecisionsTotal.WithLabelValues("reject", reason.String(), cfg.Tier).Inc()

	return Decision{
		Reason:     reason,
		RetryAfter: retry,
		KeyID:      cfg.KeyID,
		Tier:       cfg.Tier,
		Limit:      cfg.RequestsPerMinute,
		BurstLimit: cfg.BurstLimit,
	}
}

func (e *Engine) resolve(ctx context.Context, fp, path string) (LimitConfig, Reason) {
	if cfg, ok := e.cache.ResolveConfig(fp, path); ok {
		return cfg, ReasonNone
	}

	record, err := e.lookup(ctx, fp)
	if err != nil {
		e.logger.Warn("key lookup failed, rejecting", zap.Error(err))
		return LimitConfig{}, ReasonBackendUnavailable
	}

	if record == nil || !record.Usable(e.now()) {
		// Drop anything still cached for a key that can no longer be used
		if err := e.cache.Evict(ctx, fp); err != nil {
			e.logger.Warn("failed to evict invalid key", zap.Error(err))
		}
		return LimitConfig{}, ReasonKeyInvalid
	}

	tier, err := e.catalog.GetTier(record.Tier)
	if err != nil {
		e.logger.Error("key references a tier missing from the catalog",
			zap.String("key_id", record.ID.String()),
			zap.String("tier", record.Tier),
			zap.Error(err),
		)
		return LimitConfig{KeyID: record.ID, Tier: record.Tier}, ReasonUnknownTier
	}

	cfg := LimitConfig{
		KeyID:              record.ID,
		Tier:               tier.Name,
		RequestsPerMinute:  tier.LimitFor(path),
		BurstLimit:         tier.BurstLimit,
		ConcurrentRequests: tier.ConcurrentRequests,
		ExpiresAt:          record.ExpiresAt,
	}
	e.cache.Populate(fp, path, cfg, e.configTTL)

	return cfg, ReasonNone
}

// Loads the record once per fingerprint no matter how many requests miss at the same time.
// The wait is bounded by the lookup timeout even if the store ignores its context.
func (e *Engine) lookup(ctx context.Context, fp string) (*models.APIKey, error) {
	v, err, _ := e.group.Do(fp, func() (interface{}, error) {
		// Shared by every waiter, so one caller's cancellation must not fail the others
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.lookupTimeout)
		defer cancel()

		type result struct {
			record *models.APIKey
			err    error
		}
		done := make(chan result, 1)

		go func() {
			start := time.Now()
			var record *models.APIKey
			call := func(ctx context.Context) error {
				var err error
				record, err = e.store.Lookup(ctx, fp)
				return err
			}

			var err error
			if e.breaker != nil {
				err = e.breaker.Call(lctx, call)
			} else {
				err = call(lctx)
			}

			metrics.KeyStoreLookupSeconds.Observe(time.Since(start).Seconds())
			done <- result{record: record, err: err}
		}()

		select {
		case r := <-done:
			if r.err != nil {
				return nil, errors.Join(ErrBackendUnavailable, r.err)
			}
			return r.record, nil
		case <-lctx.Done():
			return nil, errors.Join(ErrBackendUnavailable, lctx.Err())
		}
	})
	if err != nil {
		return nil, err
	}

	record, _ := v.(*models.APIKey)
	return record, nil
}

// Keeps the in-flight gauge in step with the underlying slot
type trackedSlot struct {
	Slot
	tier string
	done atomic.Bool
}

func (s *trackedSlot) Release() {
	if s.done.CompareAndSwap(false, true) {
		metrics.InFlight.WithLabelValues(s.tier).Dec()
	}
	s.Slot.Release()
}
