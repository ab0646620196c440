package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/tiered-gateway/internal/config"
	"github.com/aman-churiwal/tiered-gateway/internal/handler"
	"github.com/aman-churiwal/tiered-gateway/internal/healthcheck"
	"github.com/aman-churiwal/tiered-gateway/internal/middleware"
	"github.com/aman-churiwal/tiered-gateway/internal/proxy"
	"github.com/aman-churiwal/tiered-gateway/internal/service"
	"github.com/aman-churiwal/tiered-gateway/internal/storage"
	"github.com/aman-churiwal/tiered-gateway/internal/tiers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Everything the HTTP layer needs. Postgres, Redis, Analytics and Recorder are optional
type Deps struct {
	Config  *config.Config
	Logger  *zap.Logger
	Catalog *tiers.Catalog

	Engine     middleware.Checker
	Cache      handler.CacheStatser
	Sweeper    handler.Sweeper
	KeyBreaker *circuitbreaker.CircuitBreaker

	APIKeys   *service.APIKeyService
	Auth      *service.AuthService
	Analytics *service.AnalyticsService
	Recorder  *middleware.DecisionRecorder

	Postgres *storage.Postgres
	Redis    *storage.RedisClient
	Gatherer prometheus.Gatherer
}

type Server struct {
	router        *gin.Engine
	deps          Deps
	proxies       map[string]*proxy.Proxy
	throttle      *middleware.IPThrottle
	apiKeyHandler *handler.APIKeyHandler
	systemHandler *handler.SystemHandler
	upstreams     *healthcheck.Checker
	httpServer    *http.Server
}

func New(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Engine == nil || deps.Cache == nil || deps.Catalog == nil {
		return nil, errors.New("server: config, engine, cache and catalog are required")
	}
	if deps.Auth == nil || deps.APIKeys == nil {
		return nil, errors.New("server: auth and api key services are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	if deps.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:        gin.New(),
		deps:          deps,
		proxies:       make(map[string]*proxy.Proxy),
		throttle:      middleware.NewIPThrottle(deps.Config.Admin.RPS, deps.Config.Admin.Burst),
		apiKeyHandler: handler.NewAPIKeyHandler(deps.APIKeys),
	}

	if err := s.initializeProxies(); err != nil {
		return nil, err
	}

	if up := deps.Config.Upstreams; up.HealthCheck && len(s.proxies) > 0 {
		targets := make([]string, 0, len(s.proxies))
		for _, p := range s.proxies {
			targets = append(targets, p.Target())
		}
		s.upstreams = healthcheck.NewChecker(healthcheck.Config{
			Targets:     targets,
			Endpoint:    up.HealthEndpoint,
			Interval:    up.Interval,
			Timeout:     up.Timeout,
			MaxFailures: up.MaxFailures,
			Logger:      deps.Logger.Named("upstreams"),
		})
	}

	breakers := map[string]handler.Breaker{}
	if deps.KeyBreaker != nil {
		breakers["keystore"] = deps.KeyBreaker
	}
	for path, p := range s.proxies {
		breakers[path] = p.CircuitBreaker()
	}
	s.systemHandler = handler.NewSystemHandler(deps.Sweeper, deps.Cache, deps.Catalog, deps.APIKeys, breakers)

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) initializeProxies() error {
	br := s.deps.Config.Breaker

	for _, svc := range s.deps.Config.Services {
		p, err := proxy.New(proxy.Config{
			Target: svc.Target,
			CircuitBreaker: circuitbreaker.Config{
				MaxFailures:     br.MaxFailures,
				Timeout:         br.Timeout,
				HalfOpenSuccess: br.HalfOpenSuccess,
			},
			Logger: s.deps.Logger.With(zap.String("service", svc.Path)),
		})
		if err != nil {
			return fmt.Errorf("proxy for %s: %w", svc.Path, err)
		}

		s.proxies[svc.Path] = p
		s.deps.Logger.Info("initialized proxy", zap.String("path", svc.Path), zap.String("target", p.Target()))
	}

	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.deps.Logger))
	s.router.Use(middleware.Recovery(s.deps.Logger))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	admin := s.router.Group("/admin")
	admin.Use(s.throttle.Middleware(), middleware.RequireAdmin(s.deps.Auth))
	{
		admin.POST("/keys", s.apiKeyHandler.Create)
		admin.GET("/keys", s.apiKeyHandler.List)
		admin.GET("/keys/:id", s.apiKeyHandler.Get)
		admin.DELETE("/keys/:id", s.apiKeyHandler.Revoke)

		admin.GET("/tiers", s.systemHandler.Tiers)
		admin.GET("/status", s.systemHandler.Status)
		admin.GET("/circuit-breakers", s.systemHandler.CircuitBreakerStatus)
		admin.POST("/circuit-breakers/reset", s.systemHandler.ResetCircuitBreaker)

		if s.deps.Sweeper != nil {
			admin.POST("/sweep", s.systemHandler.Sweep)
		}
		if s.deps.Analytics != nil {
			analytics := handler.NewAnalyticsHandler(s.deps.Analytics)
			admin.GET("/decisions/summary", analytics.DecisionSummary)
		}
	}

	s.setupProxyRoutes()
}

func (s *Server) setupProxyRoutes() {
	limited := []gin.HandlerFunc{}
	if s.deps.Recorder != nil {
		limited = append(limited, s.deps.Recorder.Middleware())
	}
	limited = append(limited, middleware.RateLimit(s.deps.Engine))

	for path, p := range s.proxies {
		group := s.router.Group(path, limited...)
		group.Any("", p.Handle)
		group.Any("/*proxyPath", p.Handle)

		s.deps.Logger.Info("registered proxy route", zap.String("path", path))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if s.deps.Postgres != nil {
		ok := s.deps.Postgres.Ping(ctx) == nil
		checks["database"] = ok
		healthy = healthy && ok
	}
	if s.deps.Redis != nil {
		ok := s.deps.Redis.Ping(ctx) == nil
		checks["redis"] = ok
		healthy = healthy && ok
	}

	// Upstream health is reported but does not fail the gateway's own check
	if s.upstreams != nil {
		checks["upstreams"] = s.upstreams.Overall().String()
		checks["upstream_targets"] = s.upstreams.Statuses()
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
		s.deps.Logger.Warn("health check failed", zap.Any("checks", checks))
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "tiered-gateway",
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

// Serves until Shutdown is called. Admin throttle state is pruned while running
func (s *Server) Run(ctx context.Context) error {
	cfg := s.deps.Config.Server
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.throttle.StartJanitor(ctx, 5*time.Minute)
	if s.upstreams != nil {
		s.upstreams.Start()
	}

	s.deps.Logger.Info("starting gateway",
		zap.String("addr", cfg.Addr),
		zap.String("environment", cfg.Environment),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Logger.Info("shutting down server")

	if s.upstreams != nil {
		s.upstreams.Stop()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
