// Package bus provides a small in-process pub/sub used to decouple the
// stream session manager from observers (metrics, logging) of exchange
// lifecycle events.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Well-known event types.
const (
	EventExchangeStarted   = "exchange.started"
	EventExchangeCompleted = "exchange.completed"
	EventExchangeFailed    = "exchange.failed"
	EventExchangeRejected  = "exchange.rejected"
)

// Event describes one exchange lifecycle notification.
type Event struct {
	Type           string
	ConversationID string
	ExchangeID     string
	Chunks         int
	Reason         string // failure or rejection reason, if any
	Timestamp      time.Time
}

// Handler is a callback for events.
type Handler func(Event)

// EventBus dispatches events to registered handlers. Use "*" to listen to
// all event types. Dispatch is synchronous and panic-safe.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	logger   *slog.Logger
	nextID   int
}

type namedHandler struct {
	id      string
	handler Handler
}

func New(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
	}
}

// On registers a handler for the given event type and returns an id usable
// with Off.
func (eb *EventBus) On(eventType string, handler Handler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := fmt.Sprintf("%s-%d", eventType, eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{id: id, handler: handler})
	return id
}

// Off removes a handler by its id.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.id == handlerID {
			eb.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit dispatches the event to all handlers registered for its type and to
// wildcard handlers, in registration order.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.RUnlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.id, "panic", r)
				}
			}()
			nh.handler(event)
		}(h)
	}
}

// EmitAsync dispatches the event on a new goroutine.
func (eb *EventBus) EmitAsync(event Event) {
	go eb.Emit(event)
}
