package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aman-churiwal/tiered-gateway/internal/metrics"
	"github.com/aman-churiwal/tiered-gateway/internal/storage"
	"go.uber.org/zap"
)

const DefaultEvictionChannel = "gateway:keys:deactivated"

// Broadcasts deactivations to every gateway process over redis pub/sub
type RedisPublisher struct {
	redis   *storage.RedisClient
	channel string
}

func NewRedisPublisher(redis *storage.RedisClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultEvictionChannel
	}
	return &RedisPublisher{redis: redis, channel: channel}
}

func (p *RedisPublisher) PublishDeactivated(ctx context.Context, ev KeyDeactivated) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.redis.Client.Publish(ctx, p.channel, payload).Err(); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("redis", "error").Inc()
		return fmt.Errorf("publish to redis: %w", err)
	}

	metrics.EventsPublishedTotal.WithLabelValues("redis", "ok").Inc()
	return nil
}

// The client is shared with the rest of the process and closed by its owner
func (p *RedisPublisher) Close() error { return nil }

// Evictor drops everything cached for a fingerprint
type Evictor interface {
	Evict(ctx context.Context, key string) error
}

// Listens for deactivations published by any process and evicts them locally
type RedisSubscriber struct {
	redis   *storage.RedisClient
	channel string
	evictor Evictor
	logger  *zap.Logger
}

func NewRedisSubscriber(redis *storage.RedisClient, channel string, evictor Evictor, logger *zap.Logger) *RedisSubscriber {
	if channel == "" {
		channel = DefaultEvictionChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSubscriber{redis: redis, channel: channel, evictor: evictor, logger: logger}
}

// Blocks until ctx is done. The subscription is confirmed before ready is closed
func (s *RedisSubscriber) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := s.redis.Client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var ev KeyDeactivated
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn("dropping malformed eviction message", zap.String("channel", s.channel), zap.Error(err))
				continue
			}
			if ev.Fingerprint == "" {
				continue
			}

			if err := s.evictor.Evict(ctx, ev.Fingerprint); err != nil {
				s.logger.Error("failed to evict key", zap.String("key_id", ev.KeyID), zap.Error(err))
				continue
			}
			s.logger.Debug("evicted key on broadcast", zap.String("key_id", ev.KeyID), zap.String("reason", ev.Reason))
		}
	}
}
