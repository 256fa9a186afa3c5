package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message wraps a Kafka message with the fields the runner needs.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// HandlerFunc processes a single message. Return nil to commit the offset;
// return an error to leave it uncommitted so the broker redelivers.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic within a consumer group.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader    *kafka.Reader
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewConsumer creates a consumer for topic within groupID. Offsets are
// committed manually, one message at a time, for at-least-once delivery.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	return &consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			MinBytes:    1,
			MaxBytes:    10 << 20,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.FirstOffset,
		}),
		logger: logger.With(slog.String("topic", topic), slog.String("group_id", groupID)),
	}
}

// Subscribe fetches and dispatches messages until ctx is cancelled. A handler
// error skips the commit; a handler nil commits the single message.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		c.dispatch(ctx, raw, handler)
	}
}

func (c *consumer) dispatch(ctx context.Context, raw kafka.Message, handler HandlerFunc) {
	// The producer injects trace context into the headers; extract it so this
	// consumption continues the dispatch trace.
	carrier := HeaderCarrier(raw.Headers)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

	msg := Message{
		Topic:   raw.Topic,
		Key:     raw.Key,
		Value:   raw.Value,
		Offset:  raw.Offset,
		Headers: raw.Headers,
	}
	if err := handler(msgCtx, msg); err != nil {
		c.logger.Error("handler failed, offset not committed",
			slog.Int64("offset", raw.Offset),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := c.reader.CommitMessages(ctx, raw); err != nil {
		c.logger.Error("offset commit failed",
			slog.Int64("offset", raw.Offset),
			slog.String("error", err.Error()),
		)
	}
}

func (c *consumer) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.reader.Close() })
	return c.closeErr
}
