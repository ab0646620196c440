package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aman-churiwal/tiered-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/tiered-gateway/internal/config"
	"github.com/aman-churiwal/tiered-gateway/internal/events"
	"github.com/aman-churiwal/tiered-gateway/internal/lifecycle"
	"github.com/aman-churiwal/tiered-gateway/internal/logger"
	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/aman-churiwal/tiered-gateway/internal/ratelimit"
	"github.com/aman-churiwal/tiered-gateway/internal/storage"
	"github.com/aman-churiwal/tiered-gateway/internal/tiers"
	"go.uber.org/zap"
)

type tierLoader interface {
	LoadAll(ctx context.Context) ([]models.RateLimitTier, error)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.Log.Level, !cfg.IsProduction())
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}

func openPostgres(cfg *config.Config) (*storage.Postgres, error) {
	db, err := storage.NewPostgres(storage.PostgresOptions{
		DSN:             cfg.Postgres.DSN,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		LogLevel:        cfg.Postgres.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	return db, nil
}

// Returns nil when redis is disabled
func openRedis(cfg *config.Config) (*storage.RedisClient, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}

	rdb, err := storage.NewRedis(storage.RedisOptions{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return rdb, nil
}

// Converts configured tiers, falling back to the built-in set when none are configured
func tiersFromConfig(list []config.TierConfig) []tiers.Tier {
	if len(list) == 0 {
		return tiers.DefaultTiers()
	}

	out := make([]tiers.Tier, 0, len(list))
	for _, tc := range list {
		limits := make(map[string]uint, len(tc.EndpointLimits))
		for path, limit := range tc.EndpointLimits {
			limits[path] = limit
		}
		out = append(out, tiers.Tier{
			Name:               tc.Name,
			RequestsPerMinute:  tc.RequestsPerMinute,
			BurstLimit:         tc.BurstLimit,
			ConcurrentRequests: tc.ConcurrentRequests,
			EndpointLimits:     limits,
		})
	}
	return out
}

// Tiers stored in the database win over the config file. loader may be nil
func loadCatalog(ctx context.Context, loader tierLoader, fallback []config.TierConfig, log *zap.Logger) (*tiers.Catalog, error) {
	if loader != nil {
		rows, err := loader.LoadAll(ctx)
		if err != nil {
			log.Warn("failed to load tiers from database, using config", zap.Error(err))
		} else if len(rows) > 0 {
			catalog, err := tiers.FromModels(rows)
			if err != nil {
				return nil, fmt.Errorf("stored tiers: %w", err)
			}
			log.Info("loaded tiers from database", zap.Strings("tiers", catalog.Names()))
			return catalog, nil
		}
	}

	catalog, err := tiers.NewCatalog(tiersFromConfig(fallback)...)
	if err != nil {
		return nil, fmt.Errorf("configured tiers: %w", err)
	}
	log.Info("loaded tiers from config", zap.Strings("tiers", catalog.Names()))
	return catalog, nil
}

func newCounters(cfg *config.Config, redis *storage.RedisClient, log *zap.Logger) (ratelimit.Counters, error) {
	switch cfg.Limiter.Backend {
	case "redis":
		if redis == nil {
			return nil, errors.New("redis limiter backend needs a redis connection")
		}
		return ratelimit.NewRedisCounters(redis, cfg.Limiter.SlotTTL, log), nil
	default:
		return ratelimit.NewMemoryCounters(cfg.Limiter.Shards, log), nil
	}
}

func newLimitCache(cfg *config.Config, counters ratelimit.Counters, log *zap.Logger) *ratelimit.LimitCache {
	return ratelimit.NewLimitCache(counters,
		ratelimit.WithConfigTTL(cfg.Limiter.ConfigTTL),
		ratelimit.WithShards(cfg.Limiter.Shards),
		ratelimit.WithLogger(log),
	)
}

func newKeyStoreBreaker(cfg *config.Config, log *zap.Logger) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Config{
		MaxFailures:     cfg.Breaker.MaxFailures,
		Timeout:         cfg.Breaker.Timeout,
		HalfOpenSuccess: cfg.Breaker.HalfOpenSuccess,
		OnStateChange: func(from, to circuitbreaker.State) {
			log.Warn("key store circuit changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Fans deactivation events out to every enabled sink
func newPublisher(cfg *config.Config, redis *storage.RedisClient) events.Multi {
	var pubs events.Multi
	if redis != nil {
		pubs = append(pubs, events.NewRedisPublisher(redis, cfg.Redis.EvictionChannel))
	}
	if cfg.Kafka.Enabled {
		pubs = append(pubs, events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}))
	}
	return pubs
}

// Manager for commands that deactivate keys and exit. Running gateways learn of
// the change through the publisher; the local cache only matters for shared counters
func newOneShotManager(cfg *config.Config, store lifecycle.KeyStore, redis *storage.RedisClient, log *zap.Logger) (*lifecycle.Manager, events.Multi, error) {
	counters, err := newCounters(cfg, redis, log)
	if err != nil {
		return nil, nil, err
	}

	publisher := newPublisher(cfg, redis)
	manager := lifecycle.NewManager(store, newLimitCache(cfg, counters, log), lifecycle.Config{
		BatchSize: cfg.Lifecycle.BatchSize,
		Publisher: publisher,
		Logger:    log,
	})
	return manager, publisher, nil
}
