package domain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"keel.dev/keel/internal/pkg/logger"
)

// EventHandler processes an applied event, e.g. a projection updating a
// read model.
type EventHandler func(ctx context.Context, event RecordedEvent) error

// EventDispatcher routes recorded events to handlers registered by event name.
// The wildcard name "*" receives every event.
type EventDispatcher struct {
	handlers map[string][]EventHandler
	mu       sync.RWMutex
}

// AllEvents subscribes a handler to every event.
const AllEvents = "*"

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[string][]EventHandler),
	}
}

// Register registers a handler for an event name.
func (d *EventDispatcher) Register(eventName string, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventName] = append(d.handlers[eventName], handler)
}

// Dispatch calls every handler registered for the event, then every wildcard
// handler. Handlers run sequentially; a failing handler is logged and the
// rest still run. The first failure is returned.
func (d *EventDispatcher) Dispatch(ctx context.Context, event RecordedEvent) error {
	d.mu.RLock()
	handlers := append(append([]EventHandler(nil), d.handlers[event.Event.Name]...), d.handlers[AllEvents]...)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		logger.Debug("No handlers registered for event",
			zap.String("event", event.Event.Name),
			zap.String("aggregate_type", event.AggregateType),
		)
		return nil
	}

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("Event handler failed",
				zap.String("event", event.Event.Name),
				zap.String("aggregate_type", event.AggregateType),
				zap.String("aggregate_id", event.AggregateID),
				zap.Int64("version", event.Version),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("handler for %s failed: %w", event.Event.Name, err)
			}
		}
	}

	return firstErr
}
