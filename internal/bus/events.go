// Package bus fans pipeline lifecycle events out to observers such as the
// terminal surface, the Telegram notifier and the history recorder.
package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is one pipeline lifecycle notification.
type Event struct {
	Type         string         // one of the Event* constants
	InvocationID string         // empty for session-level events
	Payload      map[string]any // event-specific data
	Timestamp    time.Time
}

// Text returns the "text" payload entry, if any.
func (e Event) Text() string {
	s, _ := e.Payload["text"].(string)
	return s
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe hub with wildcard
// subscriptions and a bounded replay buffer.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     int
	logger     *slog.Logger
	history    []Event
	maxHistory int
	now        func() time.Time
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 500,
		now:        time.Now,
	}
}

// On registers a handler for the given event type. Use "*" to receive
// every event. The returned ID unsubscribes via Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to every matching handler, synchronously and in
// registration order. A panicking handler is logged and skipped. Handlers
// run on the emitter's goroutine, which for pipeline events is the event
// loop, so they must not block.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = eb.now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// EmitAsync publishes the event from a new goroutine.
func (eb *EventBus) EmitAsync(event Event) {
	go eb.Emit(event)
}

// Replay returns buffered events of the given type ("*" for all) emitted
// at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the number of buffered events.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// --- Well-known event types ---
const (
	EventSubmitted      = "delivery.submitted"
	EventRejected       = "delivery.rejected"
	EventInjected       = "delivery.injected"
	EventEchoed         = "delivery.echoed"
	EventEchoAssumed    = "delivery.echo_assumed"
	EventAborted        = "delivery.aborted"
	EventCancelled      = "delivery.cancelled"
	EventReplyCompleted = "reply.completed"
	EventReplyTimeout   = "reply.timeout"
	EventMessageAdded   = "history.message_added"
	EventLocatorsLoaded = "locators.reloaded"
	EventSessionReady   = "session.ready"
)
