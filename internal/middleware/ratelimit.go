package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

const DecisionKey = "ratelimit_decision"

type Checker interface {
	Check(ctx context.Context, key, path string) ratelimit.Decision
}

// Admits or rejects each request by API key. An admitted request holds its
// concurrency slot until every later handler has returned.
func RateLimit(engine Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ExtractAPIKey(c)
		if key == "" {
			c.Set(DecisionKey, ratelimit.Decision{Reason: ratelimit.ReasonKeyInvalid})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "API key required",
				"reason": ratelimit.ReasonKeyInvalid.String(),
			})
			return
		}

		d := engine.Check(c.Request.Context(), key, c.Request.URL.Path)
		defer d.Release()

		c.Set(DecisionKey, d)
		setLimitHeaders(c, d)

		if d.Allowed {
			c.Next()
			return
		}

		status, message := rejection(d.Reason)
		body := gin.H{
			"error":  message,
			"reason": d.Reason.String(),
		}
		if d.Reason.Retryable() {
			secs := retryAfterSeconds(d.RetryAfter)
			c.Header("Retry-After", strconv.Itoa(secs))
			body["retry_after"] = secs
		}
		if d.Tier != "" && status == http.StatusTooManyRequests {
			body["tier"] = d.Tier
			body["limit"] = d.Limit
		}

		c.AbortWithStatusJSON(status, body)
	}
}

// Returns the decision made for this request, if any
func DecisionFrom(c *gin.Context) (ratelimit.Decision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return ratelimit.Decision{}, false
	}
	d, ok := v.(ratelimit.Decision)
	return d, ok
}

func setLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	if d.Tier == "" || d.Limit == 0 {
		return
	}

	c.Header("X-RateLimit-Limit", strconv.FormatUint(uint64(d.Limit), 10))
	// Remaining spans the quota plus the burst bucket, so the burst size is reported alongside
	c.Header("X-RateLimit-Burst", strconv.FormatUint(uint64(d.BurstLimit), 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatUint(uint64(d.Remaining), 10))
	c.Header("X-RateLimit-Tier", d.Tier)
	if !d.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

func rejection(reason ratelimit.Reason) (int, string) {
	switch reason {
	case ratelimit.ReasonKeyInvalid:
		return http.StatusUnauthorized, "Invalid API key"
	case ratelimit.ReasonConcurrencyExceeded:
		return http.StatusTooManyRequests, "Too many concurrent requests"
	case ratelimit.ReasonRateExceeded:
		return http.StatusTooManyRequests, "Rate limit exceeded"
	case ratelimit.ReasonBackendUnavailable:
		return http.StatusServiceUnavailable, "Rate limiter temporarily unavailable"
	default:
		return http.StatusInternalServerError, "Rate limit configuration error"
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
