package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the forwarder uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder republishes bus events to a Kafka topic, keyed by the
// aggregate id so one payment's events stay ordered within a partition.
type KafkaForwarder struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func NewKafkaForwarder(writer MessageWriter, logger *slog.Logger) *KafkaForwarder {
	return &KafkaForwarder{writer: writer, logger: logger}
}

// Register subscribes the forwarder to every lifecycle event type.
func (f *KafkaForwarder) Register(bus *EventBus) {
	for _, t := range AllEventTypes {
		bus.Subscribe(t, f.Forward)
	}
}

func (f *KafkaForwarder) Forward(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID(), err)
	}

	msg := kafka.Message{
		Key:   []byte(aggregateKey(event)),
		Value: value,
		Time:  event.OccurredAt(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType())},
			{Key: "event_id", Value: []byte(event.EventID())},
		},
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		f.logger.Error("failed to forward event to kafka",
			"error", err,
			"event_type", event.EventType(),
			"event_id", event.EventID())
		return err
	}
	f.logger.Debug("event forwarded to kafka", "event_type", event.EventType(), "event_id", event.EventID())
	return nil
}

func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}

func aggregateKey(event Event) string {
	switch e := event.(type) {
	case *PaymentStatusChangedEvent:
		return e.PaymentID
	case *BatchStatusChangedEvent:
		return e.BatchID
	}
	return event.EventID()
}
