package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/tiered-gateway/internal/config"
	"github.com/aman-churiwal/tiered-gateway/internal/lifecycle"
	"github.com/aman-churiwal/tiered-gateway/internal/metrics"
	"github.com/aman-churiwal/tiered-gateway/internal/ratelimit"
	"github.com/aman-churiwal/tiered-gateway/internal/repository"
	"github.com/aman-churiwal/tiered-gateway/internal/service"
	"github.com/aman-churiwal/tiered-gateway/internal/tiers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testGateway struct {
	router *gin.Engine
	token  string
	cache  *ratelimit.LimitCache
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(upstream.Close)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Services = []config.ServiceConfig{{Path: "/api", Target: upstream.URL}}
	cfg.Admin.RPS = 1000
	cfg.Admin.Burst = 1000

	catalog, err := tiers.NewCatalog(tiers.DefaultTiers()...)
	require.NoError(t, err)

	store := repository.NewMemoryKeyStore()
	cache := ratelimit.NewLimitCache(ratelimit.NewMemoryCounters(8, zap.NewNop()))
	breaker := circuitbreaker.New(circuitbreaker.Config{})
	engine := ratelimit.NewEngine(cache, store, catalog, ratelimit.EngineConfig{Breaker: breaker})
	manager := lifecycle.NewManager(store, cache, lifecycle.Config{})

	auth := service.NewAuthService(cfg.Auth.JWTSecret, time.Hour)
	token, err := auth.IssueToken("ops", service.RoleAdmin)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	srv, err := New(Deps{
		Config:     cfg,
		Catalog:    catalog,
		Engine:     engine,
		Cache:      cache,
		Sweeper:    manager,
		KeyBreaker: breaker,
		APIKeys:    service.NewAPIKeyService(store, catalog, manager),
		Auth:       auth,
		Gatherer:   registry,
	})
	require.NoError(t, err)

	return &testGateway{router: srv.Router(), token: token, cache: cache}
}

func (g *testGateway) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

func (g *testGateway) admin(method, path string, body any) *httptest.ResponseRecorder {
	return g.do(method, path, body, map[string]string{"Authorization": "Bearer " + g.token})
}

func TestGateway_KeyLifecycleEndToEnd(t *testing.T) {
	g := newTestGateway(t)

	w := g.do(http.MethodPost, "/admin/keys", map[string]string{"name": "x", "tier": "bronze"}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = g.admin(http.MethodPost, "/admin/keys", map[string]string{"name": "reporting", "tier": "bronze", "expires_in": "1h"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Key    string `json:"key"`
		APIKey struct {
			ID        string `json:"id"`
			CreatedBy string `json:"created_by"`
		} `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Key)
	assert.Equal(t, "ops", created.APIKey.CreatedBy)

	w = g.do(http.MethodGet, "/api/heavy-operation", nil, map[string]string{"X-API-Key": created.Key})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"path":"/api/heavy-operation"}`, w.Body.String())
	assert.Equal(t, "bronze", w.Header().Get("X-RateLimit-Tier"))
	assert.Equal(t, "30", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Burst"))
	assert.Equal(t, "34", w.Header().Get("X-RateLimit-Remaining"))

	w = g.admin(http.MethodGet, "/admin/keys/"+created.APIKey.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = g.admin(http.MethodDelete, "/admin/keys/"+created.APIKey.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = g.do(http.MethodGet, "/api/heavy-operation", nil, map[string]string{"X-API-Key": created.Key})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "revocation evicts the cached config immediately")

	w = g.admin(http.MethodGet, "/admin/keys", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"is_active":false`)
}

func TestGateway_RejectsMissingAndUnknownKeys(t *testing.T) {
	g := newTestGateway(t)

	w := g.do(http.MethodGet, "/api/light-operation", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = g.do(http.MethodGet, "/api/light-operation", nil, map[string]string{"X-API-Key": "gw_unknown"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGateway_AdminEndpoints(t *testing.T) {
	g := newTestGateway(t)

	w := g.admin(http.MethodPost, "/admin/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deactivated":0}`, w.Body.String())

	w = g.admin(http.MethodPost, "/admin/keys", map[string]string{"name": "counted", "tier": "gold"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = g.admin(http.MethodGet, "/admin/tiers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 3)

	activeKeys := map[string]any{}
	for _, tier := range list {
		activeKeys[tier["name"].(string)] = tier["active_keys"]
	}
	assert.Equal(t, map[string]any{"bronze": float64(0), "gold": float64(1), "silver": float64(0)}, activeKeys)

	w = g.admin(http.MethodGet, "/admin/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"backend":"memory"`)
	assert.Contains(t, w.Body.String(), `"keystore"`)

	w = g.admin(http.MethodPost, "/admin/circuit-breakers/reset?name=keystore", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = g.admin(http.MethodPost, "/admin/circuit-breakers/reset?name=nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = g.admin(http.MethodPost, "/admin/keys", map[string]string{"name": "x", "tier": "platinum"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = g.admin(http.MethodGet, "/admin/keys/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = g.admin(http.MethodGet, "/admin/decisions/summary", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "summary is only served with a decision log")
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	g := newTestGateway(t)

	w := g.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), `"upstreams":"healthy"`)

	g.do(http.MethodGet, "/api/light-operation", nil, map[string]string{"X-API-Key": "gw_unknown"})

	w = g.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gateway_ratelimit_decisions_total")
}
