package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type ipEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// IPThrottle keeps one token bucket per client IP. It guards the admin API,
// which is not subject to API key tiers.
type IPThrottle struct {
	mu      sync.Mutex
	entries map[string]*ipEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

func NewIPThrottle(rps float64, burst int) *IPThrottle {
	if burst <= 0 {
		burst = 1
	}
	return &IPThrottle{
		entries: make(map[string]*ipEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 15 * time.Minute,
		now:     time.Now,
	}
}

func (t *IPThrottle) Allow(ip string) bool {
	now := t.now()

	t.mu.Lock()
	ent, ok := t.entries[ip]
	if !ok {
		ent = &ipEntry{lim: rate.NewLimiter(t.rps, t.burst)}
		t.entries[ip] = ent
	}
	ent.lastSeen = now
	t.mu.Unlock()

	return ent.lim.AllowN(now, 1)
}

// Drops clients idle longer than the idle TTL
func (t *IPThrottle) Cleanup() {
	cutoff := t.now().Add(-t.idleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	for ip, ent := range t.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(t.entries, ip)
		}
	}
}

// Runs Cleanup every interval until ctx is done
func (t *IPThrottle) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Cleanup()
			}
		}
	}()
}

func (t *IPThrottle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !t.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests",
			})
			return
		}
		c.Next()
	}
}
