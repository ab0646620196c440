package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/metrics"
	"github.com/aman-churiwal/tiered-gateway/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AuditSink interface {
	CreateBatch(ctx context.Context, logs []models.DecisionLog) error
}

type UsageToucher interface {
	TouchLastUsed(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

type RecorderConfig struct {
	BufferSize    int           // default 10000
	BatchSize     int           // default 100
	FlushInterval time.Duration // default 5s
	Logger        *zap.Logger
}

// DecisionRecorder writes one audit row per rate-limited request in batches and
// bumps last_used_at for the keys that were admitted. Requests never wait on it.
type DecisionRecorder struct {
	logs          chan models.DecisionLog
	sink          AuditSink
	toucher       UsageToucher
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func NewDecisionRecorder(sink AuditSink, toucher UsageToucher, cfg RecorderConfig) *DecisionRecorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &DecisionRecorder{
		logs:          make(chan models.DecisionLog, cfg.BufferSize),
		sink:          sink,
		toucher:       toucher,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Starts the background writer
func (r *DecisionRecorder) Start() {
	r.startOnce.Do(func() { go r.run() })
}

// Flushes what is buffered and stops the writer
func (r *DecisionRecorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.startOnce.Do(func() { close(r.done) })
		<-r.done
	})
}

func (r *DecisionRecorder) run() {
	defer close(r.done)

	batch := make([]models.DecisionLog, 0, r.batchSize)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-r.logs:
			batch = append(batch, entry)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = make([]models.DecisionLog, 0, r.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = make([]models.DecisionLog, 0, r.batchSize)
			}
		case <-r.quit:
			for {
				select {
				case entry := <-r.logs:
					batch = append(batch, entry)
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

func (r *DecisionRecorder) flush(batch []models.DecisionLog) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.sink.CreateBatch(ctx, batch); err != nil {
		r.logger.Error("failed to insert decision logs", zap.Int("count", len(batch)), zap.Error(err))
	}

	if r.toucher == nil {
		return
	}

	seen := make(map[uuid.UUID]struct{})
	ids := make([]uuid.UUID, 0)
	var last time.Time
	for _, entry := range batch {
		if !entry.Allowed || entry.APIKeyID == nil {
			continue
		}
		if _, ok := seen[*entry.APIKeyID]; !ok {
			seen[*entry.APIKeyID] = struct{}{}
			ids = append(ids, *entry.APIKeyID)
		}
		if entry.Timestamp.After(last) {
			last = entry.Timestamp
		}
	}
	if len(ids) == 0 {
		return
	}

	if err := r.toucher.TouchLastUsed(ctx, ids, last); err != nil {
		r.logger.Warn("failed to update last_used_at", zap.Int("keys", len(ids)), zap.Error(err))
	}
}

// Queues an entry without blocking. Returns false when the buffer is full
func (r *DecisionRecorder) Record(entry models.DecisionLog) bool {
	select {
	case r.logs <- entry:
		return true
	default:
		metrics.AuditDroppedTotal.Inc()
		return false
	}
}

// Records the rate limit decision of every request that reached RateLimit
func (r *DecisionRecorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		d, ok := DecisionFrom(c)
		if !ok {
			return
		}

		entry := models.DecisionLog{
			Timestamp:      start.UTC(),
			Tier:           d.Tier,
			Method:         c.Request.Method,
			Path:           c.Request.URL.Path,
			Allowed:        d.Allowed,
			Reason:         d.Reason.String(),
			StatusCode:     c.Writer.Status(),
			ResponseTimeMs: int(time.Since(start).Milliseconds()),
			IPAddress:      c.ClientIP(),
		}
		if d.KeyID != uuid.Nil {
			id := d.KeyID
			entry.APIKeyID = &id
		}
		if !d.Allowed {
			entry.RetryAfterSec = retryAfterSeconds(d.RetryAfter)
			if !d.Reason.Retryable() {
				entry.RetryAfterSec = 0
			}
		}

		if !r.Record(entry) {
			r.logger.Warn("decision log buffer full, dropping entry", zap.String("path", entry.Path))
		}
	}
}
