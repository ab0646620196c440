package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errUpstream = errors.New("upstream error")

// Forwards admitted requests to one upstream, behind its own circuit breaker
type Proxy struct {
	target         *url.URL
	reverseProxy   *httputil.ReverseProxy
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

type Config struct {
	Target         string
	CircuitBreaker circuitbreaker.Config
	// Optional; defaults to http.DefaultTransport
	Transport http.RoundTripper
	Logger    *zap.Logger
}

func New(cfg Config) (*Proxy, error) {
	if cfg.Target == "" {
		return nil, errors.New("target is required")
	}
	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", cfg.Target, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("target %q must be an absolute URL", cfg.Target)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CircuitBreaker.Timeout <= 0 {
		cfg.CircuitBreaker.Timeout = 30 * time.Second
	}

	p := &Proxy{
		target:         target,
		circuitBreaker: circuitbreaker.New(cfg.CircuitBreaker),
		logger:         cfg.Logger,
	}

	p.reverseProxy = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
		},
		Transport:    cfg.Transport,
		ErrorHandler: p.handleError,
	}

	return p, nil
}

// Forwards the request to the upstream
func (p *Proxy) Handle(c *gin.Context) {
	err := p.circuitBreaker.Call(c.Request.Context(), func(ctx context.Context) error {
		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			statusCode:     http.StatusOK,
		}

		c.Header("X-Backend-Server", p.target.Host)
		p.reverseProxy.ServeHTTP(recorder, c.Request.WithContext(ctx))

		if recorder.statusCode >= 500 {
			return errUpstream
		}
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		p.logger.Warn("circuit breaker open", zap.String("target", p.target.String()))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
	}
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Error("upstream request failed",
		zap.String("target", p.target.String()),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(`{"error":"Bad gateway"}`))
}

func (p *Proxy) Target() string {
	return p.target.String()
}

// Exposes the upstream circuit breaker for status and manual reset
func (p *Proxy) CircuitBreaker() *circuitbreaker.CircuitBreaker {
	return p.circuitBreaker
}

// Captures the response status code. It wraps a plain http.ResponseWriter so the
// reverse proxy never sees gin's CloseNotify, which panics on writers without it
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Lets http.ResponseController reach the underlying writer for flushing
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
