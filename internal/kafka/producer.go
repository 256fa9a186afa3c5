package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

const publishTimeout = 10 * time.Second

// Producer publishes messages to the execution queue. The dispatcher submits
// task invocations through it; delivery is at-least-once.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Kafka producer connected to the given brokers.
// Messages are hash-balanced on their key, so all invocations for one task
// land on the same partition and preserve order.
func NewProducer(brokers []string) Producer {
	return &producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           publishTimeout,
		ReadTimeout:            publishTimeout,
		AllowAutoTopicCreation: true,
	}}
}

// Publish writes one message, carrying the active trace context in the
// message headers so the runner can continue the trace.
func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}

	var headers HeaderCarrier
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s (key %s): %w", topic, key, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
