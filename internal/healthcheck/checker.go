package healthcheck

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probes the upstream services behind the gateway
type Checker struct {
	mu           sync.RWMutex
	targets      []string
	healthStatus map[string]*Status
	endpoint     string
	interval     time.Duration
	timeout      time.Duration
	maxFailures  int
	client       *http.Client
	now          func() time.Time
	logger       *zap.Logger

	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

type Config struct {
	Targets     []string
	Endpoint    string        // Probe path appended to each target. Default: "/health"
	Interval    time.Duration // Default: 10s
	Timeout     time.Duration // Per probe. Default: 5s
	MaxFailures int           // Consecutive failures before a target is unhealthy. Default: 3
	Client      *http.Client
	Logger      *zap.Logger
	Clock       func() time.Time
}

func NewChecker(cfg Config) *Checker {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/health"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &Checker{
		healthStatus: make(map[string]*Status, len(cfg.Targets)),
		endpoint:     cfg.Endpoint,
		interval:     cfg.Interval,
		timeout:      cfg.Timeout,
		maxFailures:  cfg.MaxFailures,
		client:       cfg.Client,
		now:          cfg.Clock,
		logger:       cfg.Logger,
	}

	// Targets start healthy so traffic flows before the first probe
	for _, target := range cfg.Targets {
		target = strings.TrimRight(target, "/")
		if _, dup := c.healthStatus[target]; dup {
			continue
		}
		c.targets = append(c.targets, target)
		c.healthStatus[target] = &Status{Target: target, IsHealthy: true}
	}

	return c
}

// Probes once right away, then every interval until Stop
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stopChan, c.done
	c.mu.Unlock()

	c.logger.Info("starting upstream health checks",
		zap.Int("targets", len(c.targets)),
		zap.Duration("interval", c.interval),
	)

	go func() {
		defer close(done)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stop
			cancel()
		}()

		c.CheckNow(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.CheckNow(ctx)
			case <-stop:
				return
			}
		}
	}()
}

// Stops the checker and waits for an in-flight round to finish
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	done := c.done
	c.mu.Unlock()

	<-done
	c.logger.Info("upstream health checker stopped")
}

// Probes every target concurrently and waits for all of them
func (c *Checker) CheckNow(ctx context.Context) {
	var wg sync.WaitGroup

	for _, target := range c.targets {
		wg.Add(1)
		go func(t string) {
			defer wg.Done()
			c.checkTarget(ctx, t)
		}(target)
	}

	wg.Wait()
}

func (c *Checker) checkTarget(ctx context.Context, target string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+c.endpoint, nil)
	if err != nil {
		c.recordFailure(target, err)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure(target, err)
		return
	}
	defer resp.Body.Close()

	// 2xx and 3xx count as healthy
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		c.recordSuccess(target)
	} else {
		c.recordFailure(target, nil)
	}
}

func (c *Checker) recordSuccess(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.healthStatus[target]
	status.LastCheck = now
	status.LastSuccess = now
	status.FailureCount = 0

	if !status.IsHealthy {
		c.logger.Info("upstream recovered", zap.String("target", target))
		status.IsHealthy = true
	}
}

func (c *Checker) recordFailure(target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	status := c.healthStatus[target]
	status.LastCheck = now
	status.LastFailure = now
	status.FailureCount++

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		c.logger.Warn("upstream is unhealthy",
			zap.String("target", target),
			zap.Int("failures", status.FailureCount),
			zap.Error(err),
		)
		status.IsHealthy = false
	}
}

// Returns a copy of every target's status
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Status, 0, len(c.targets))
	for _, target := range c.targets {
		out = append(out, *c.healthStatus[target])
	}
	return out
}

func (c *Checker) Status(target string) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status, ok := c.healthStatus[strings.TrimRight(target, "/")]
	if !ok {
		return Status{}, false
	}
	return *status, true
}

// Healthy with no targets configured
func (c *Checker) Overall() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthy := 0
	for _, target := range c.targets {
		if c.healthStatus[target].IsHealthy {
			healthy++
		}
	}

	switch {
	case healthy == len(c.targets):
		return Healthy
	case healthy == 0:
		return Unhealthy
	default:
		return Degraded
	}
}
