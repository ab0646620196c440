package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/events"
	"github.com/aman-churiwal/tiered-gateway/internal/metrics"
	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"go.uber.org/zap"
)

type KeyStore interface {
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.APIKey, error)
	Deactivate(ctx context.Context, fingerprint string) (bool, error)
}

type Evictor interface {
	Evict(ctx context.Context, key string) error
}

// Deactivates expired keys on a schedule and on demand
type Manager struct {
	store     KeyStore
	cache     Evictor
	publisher events.Publisher
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *zap.Logger

	// Serializes sweeps so the ticker and an admin request never overlap
	sweepMu sync.Mutex

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

type Config struct {
	Interval  time.Duration // default 1m
	BatchSize int           // default 500
	// Optional; defaults to events.Nop
	Publisher events.Publisher
	Logger    *zap.Logger
	Clock     func() time.Time
}

func NewManager(store KeyStore, cache Evictor, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Manager{
		store:     store,
		cache:     cache,
		publisher: cfg.Publisher,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		now:       cfg.Clock,
		logger:    cfg.Logger,
	}
}

// Begins periodic sweeps. Calling Start on a running manager does nothing
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stopChan, m.done
	m.mu.Unlock()

	m.logger.Info("key lifecycle manager started", zap.Duration("interval", m.interval))

	go func() {
		defer close(done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.runScheduled()
			case <-stop:
				return
			}
		}
	}()
}

// Stops the loop and waits for an in-progress sweep to finish
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	done := m.done
	m.mu.Unlock()

	<-done
	m.logger.Info("key lifecycle manager stopped")
}

func (m *Manager) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	n, err := m.Sweep(ctx)
	if err != nil {
		m.logger.Error("scheduled sweep failed", zap.Int("deactivated", n), zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Info("scheduled sweep finished", zap.Int("deactivated", n))
	}
}

// Sweep deactivates every active key whose expiry has passed and returns how many
// this call changed. The durable write happens before the cache eviction and the event.
func (m *Manager) Sweep(ctx context.Context) (total int, err error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	// Keys deactivated before a failure still count
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.SweepsTotal.WithLabelValues(result).Inc()
		metrics.KeysDeactivatedTotal.WithLabelValues("sweep").Add(float64(total))
	}()

	now := m.now()

	for {
		batch, err := m.store.ListExpiredActive(ctx, now, m.batchSize)
		if err != nil {
			return total, fmt.Errorf("list expired keys: %w", err)
		}

		changed := 0
		for _, rec := range batch {
			ok, err := m.deactivate(ctx, rec, events.ReasonExpired)
			if err != nil {
				return total, err
			}
			if ok {
				changed++
				total++
			}
		}

		// A short page is the last one; a page with no changes would repeat forever
		if len(batch) < m.batchSize || changed == 0 {
			break
		}
	}

	return total, nil
}

// Deactivates one key on request. Reports whether this call changed it
func (m *Manager) Revoke(ctx context.Context, rec models.APIKey) (bool, error) {
	ok, err := m.deactivate(ctx, rec, events.ReasonRevoked)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.KeysDeactivatedTotal.WithLabelValues("revoke").Inc()
	}
	return ok, nil
}

func (m *Manager) deactivate(ctx context.Context, rec models.APIKey, reason string) (bool, error) {
	changed, err := m.store.Deactivate(ctx, rec.KeyHash)
	if err != nil {
		return false, fmt.Errorf("deactivate key %s: %w", rec.ID, err)
	}

	// Evict even when another caller got there first; the local cache may still hold it
	if err := m.cache.Evict(ctx, rec.KeyHash); err != nil {
		m.logger.Warn("failed to evict deactivated key", zap.String("key_id", rec.ID.String()), zap.Error(err))
	}

	if !changed {
		return false, nil
	}

	ev := events.KeyDeactivated{
		Fingerprint: rec.KeyHash,
		KeyID:       rec.ID.String(),
		Reason:      reason,
		At:          m.now().UTC(),
	}
	if err := m.publisher.PublishDeactivated(ctx, ev); err != nil {
		m.logger.Warn("failed to publish key deactivation", zap.String("key_id", rec.ID.String()), zap.Error(err))
	}

	m.logger.Info("key deactivated", zap.String("key_id", rec.ID.String()), zap.String("reason", reason))
	return true, nil
}
