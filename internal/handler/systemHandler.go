package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/aman-churiwal/tiered-gateway/internal/ratelimit"
	"github.com/aman-churiwal/tiered-gateway/internal/tiers"
	"github.com/gin-gonic/gin"
)

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type CacheStatser interface {
	Stats() ratelimit.CacheStats
}

type KeyCounter interface {
	CountByTier(ctx context.Context, tier string) (int64, error)
}

type Breaker interface {
	Metrics() circuitbreaker.Metrics
	Reset()
}

// Handles system-related endpoints
type SystemHandler struct {
	sweeper  Sweeper
	cache    CacheStatser
	catalog  *tiers.Catalog
	keys     KeyCounter
	breakers map[string]Breaker
	started  time.Time
}

type tierView struct {
	models.RateLimitTier
	ActiveKeys *int64 `json:"active_keys,omitempty"`
}

// breakers is keyed by a display name, e.g. "keystore" or an upstream path
// keys may be nil, in which case tiers are listed without key counts
func NewSystemHandler(sweeper Sweeper, cache CacheStatser, catalog *tiers.Catalog, keys KeyCounter, breakers map[string]Breaker) *SystemHandler {
	if breakers == nil {
		breakers = map[string]Breaker{}
	}
	return &SystemHandler{
		sweeper:  sweeper,
		cache:    cache,
		catalog:  catalog,
		keys:     keys,
		breakers: breakers,
		started:  time.Now(),
	}
}

// Handles POST /admin/sweep
func (h *SystemHandler) Sweep(c *gin.Context) {
	n, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":       err.Error(),
			"deactivated": n,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deactivated": n})
}

// Handles GET /admin/tiers
func (h *SystemHandler) Tiers(c *gin.Context) {
	list := h.catalog.Tiers()
	out := make([]tierView, 0, len(list))
	for _, t := range list {
		view := tierView{RateLimitTier: t.Model()}
		if h.keys != nil {
			n, err := h.keys.CountByTier(c.Request.Context(), t.Name)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count keys"})
				return
			}
			view.ActiveKeys = &n
		}
		out = append(out, view)
	}

	c.JSON(http.StatusOK, out)
}

// Handles GET /admin/status
func (h *SystemHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":   int64(time.Since(h.started).Seconds()),
		"cache":            h.cache.Stats(),
		"circuit_breakers": h.breakerMetrics(),
		"tiers":            h.catalog.Names(),
	})
}

// Returns the status of all circuit breakers
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.breakerMetrics())
}

// Manually resets a circuit breaker named by the "name" query parameter
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	name := c.Query("name")

	breaker, exists := h.breakers[name]
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error":     "Circuit breaker not found",
			"available": h.breakerNames(),
		})
		return
	}

	breaker.Reset()

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"name":    name,
	})
}

func (h *SystemHandler) breakerMetrics() map[string]circuitbreaker.Metrics {
	out := make(map[string]circuitbreaker.Metrics, len(h.breakers))
	for name, b := range h.breakers {
		out[name] = b.Metrics()
	}
	return out
}

func (h *SystemHandler) breakerNames() []string {
	names := make([]string, 0, len(h.breakers))
	for name := range h.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
