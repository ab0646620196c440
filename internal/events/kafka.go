package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/metrics"
	"github.com/segmentio/kafka-go"
)

const DefaultLifecycleTopic = "gateway.key-lifecycle"

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration // default 50ms
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writes lifecycle events to kafka for audit consumers, keyed by fingerprint
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(c KafkaConfig) *KafkaPublisher {
	topic := c.Topic
	if topic == "" {
		topic = DefaultLifecycleTopic
	}
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 50 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           bt,
		AllowAutoTopicCreation: true,
	}

	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) PublishDeactivated(ctx context.Context, ev KeyDeactivated) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.Fingerprint),
		Value: payload,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("key.deactivated")},
		},
	}

	if err := p.w.WriteMessages(ctx, msg); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("write to kafka: %w", err)
	}

	metrics.EventsPublishedTotal.WithLabelValues("kafka", "ok").Inc()
	return nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }
