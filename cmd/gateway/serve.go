package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aman-churiwal/tiered-gateway/internal/events"
	"github.com/aman-churiwal/tiered-gateway/internal/lifecycle"
	"github.com/aman-churiwal/tiered-gateway/internal/metrics"
	"github.com/aman-churiwal/tiered-gateway/internal/middleware"
	"github.com/aman-churiwal/tiered-gateway/internal/ratelimit"
	"github.com/aman-churiwal/tiered-gateway/internal/repository"
	"github.com/aman-churiwal/tiered-gateway/internal/server"
	"github.com/aman-churiwal/tiered-gateway/internal/service"
	"github.com/aman-churiwal/tiered-gateway/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var memoryStore bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var (
			db     *storage.Postgres
			keys   repository.KeyStore
			loader tierLoader
		)
		if memoryStore {
			log.Warn("using in-memory key store; keys are lost on restart")
			keys = repository.NewMemoryKeyStore()
		} else {
			db, err = openPostgres(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			log.Info("connected to postgres")
			keys = repository.NewAPIKeyRepository(db)
			loader = repository.NewTierRepository(db)
		}

		redis, err := openRedis(cfg)
		if err != nil {
			return err
		}
		if redis != nil {
			defer func() { _ = redis.Close() }()
			log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		}

		catalog, err := loadCatalog(ctx, loader, cfg.Tiers, log)
		if err != nil {
			return err
		}

		counters, err := newCounters(cfg, redis, log)
		if err != nil {
			return err
		}
		cache := newLimitCache(cfg, counters, log)
		cache.StartJanitor(ctx, cfg.Limiter.JanitorInterval)

		breaker := newKeyStoreBreaker(cfg, log)
		engine := ratelimit.NewEngine(cache, keys, catalog, ratelimit.EngineConfig{
			LookupTimeout: cfg.Limiter.LookupTimeout,
			ConfigTTL:     cfg.Limiter.ConfigTTL,
			Breaker:       breaker,
			Logger:        log.Named("ratelimit"),
		})

		publisher := newPublisher(cfg, redis)
		defer func() { _ = publisher.Close() }()

		if redis != nil {
			sub := events.NewRedisSubscriber(redis, cfg.Redis.EvictionChannel, cache, log.Named("events"))
			go func() {
				if err := sub.Run(ctx, nil); err != nil {
					log.Error("eviction subscriber stopped", zap.Error(err))
				}
			}()
		}

		manager := lifecycle.NewManager(keys, cache, lifecycle.Config{
			Interval:  cfg.Lifecycle.Interval,
			BatchSize: cfg.Lifecycle.BatchSize,
			Publisher: publisher,
			Logger:    log.Named("lifecycle"),
		})
		if cfg.Lifecycle.Enabled {
			manager.Start()
			defer manager.Stop()
		}

		deps := server.Deps{
			Config:     cfg,
			Logger:     log,
			Catalog:    catalog,
			Engine:     engine,
			Cache:      cache,
			Sweeper:    manager,
			KeyBreaker: breaker,
			APIKeys:    service.NewAPIKeyService(keys, catalog, manager),
			Auth:       service.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
			Postgres:   db,
			Redis:      redis,
		}

		if db != nil {
			decisions := repository.NewDecisionLogRepository(db)
			deps.Analytics = service.NewAnalyticsService(decisions)

			if cfg.Audit.Enabled {
				recorder := middleware.NewDecisionRecorder(decisions, keys, middleware.RecorderConfig{
					BufferSize:    cfg.Audit.BufferSize,
					BatchSize:     cfg.Audit.BatchSize,
					FlushInterval: cfg.Audit.FlushInterval,
					Logger:        log.Named("audit"),
				})
				recorder.Start()
				defer recorder.Stop()
				deps.Recorder = recorder
			}
		}

		srv, err := server.New(deps)
		if err != nil {
			return fmt.Errorf("build server: %w", err)
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(ctx)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
		}

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
		}

		log.Info("gateway exited")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&memoryStore, "memory-store", false, "keep API keys in memory instead of postgres")
}
