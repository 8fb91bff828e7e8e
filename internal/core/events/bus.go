package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is a status notification carried on the bus and forwarded to kafka.
type Event interface {
	EventType() string
	EventID() string
	OccurredAt() time.Time
	Payload() interface{}
}

type BaseEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func (e BaseEvent) EventType() string     { return e.Type }
func (e BaseEvent) EventID() string       { return e.ID }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) Payload() interface{}  { return e.Data }

type Handler func(ctx context.Context, event Event) error

// EventBus fans events out to in-process subscribers keyed by event type.
// Handlers run in subscription order.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	logger      *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string][]Handler),
		logger:      logger,
	}
}

func (eb *EventBus) Subscribe(eventType string, handler Handler) {
	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], handler)
	count := len(eb.subscribers[eventType])
	eb.mu.Unlock()

	eb.logger.Debug("event subscriber added", "event_type", eventType, "subscribers", count)
}

func (eb *EventBus) handlersFor(eventType string) []Handler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	list := eb.subscribers[eventType]
	out := make([]Handler, len(list))
	copy(out, list)
	return out
}

// Publish hands the event to every subscriber on its own goroutine and
// returns at once. Handler errors and panics are logged.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	handlers := eb.handlersFor(event.EventType())
	if len(handlers) == 0 {
		eb.logger.Debug("event dropped, no subscribers", "event_type", event.EventType())
		return nil
	}

	for _, h := range handlers {
		go eb.deliver(ctx, h, event)
	}
	return nil
}

// PublishSync runs subscribers in order on the caller's goroutine and stops
// at the first error.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) error {
	for _, h := range eb.handlersFor(event.EventType()) {
		if err := h(ctx, event); err != nil {
			eb.logger.Error("event subscriber failed",
				"event_type", event.EventType(),
				"event_id", event.EventID(),
				"error", err)
			return fmt.Errorf("handler failed for event %s: %w", event.EventType(), err)
		}
	}
	return nil
}

func (eb *EventBus) deliver(ctx context.Context, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event subscriber panicked",
				"event_type", event.EventType(),
				"event_id", event.EventID(),
				"panic", r)
		}
	}()

	if err := h(ctx, event); err != nil {
		eb.logger.Error("event subscriber failed",
			"event_type", event.EventType(),
			"event_id", event.EventID(),
			"error", err)
	}
}
