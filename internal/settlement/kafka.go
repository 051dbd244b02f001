package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes events as JSON messages keyed by asset id, so every
// event of one asset lands on the same partition in commit order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a synchronous writer acknowledged by all
// in-sync replicas.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events []Event) error {
	msgs, err := encode(events)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encode(events []Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("settlement: encode %s %s: %w", e.Kind, e.Key(), err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.AssetID),
			Value: value,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(e.Kind)},
				{Key: "event-key", Value: []byte(e.Key())},
			},
		})
	}
	return msgs, nil
}

// LogPublisher logs events instead of delivering them. Used when no broker
// is configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, events []Event) error {
	for _, e := range events {
		p.Logger.Info("settlement event",
			zap.String("kind", string(e.Kind)),
			zap.String("asset_id", e.AssetID),
			zap.String("key", e.Key()),
			zap.Int64("burned", e.Burned),
		)
	}
	return nil
}

func (LogPublisher) Close() error { return nil }
