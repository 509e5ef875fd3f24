package events

import (
	"sync"
	"time"

	"signal-engine/internal/strategy"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalGenerated    EventType = "SIGNAL_GENERATED"
	EventSessionStarted     EventType = "SESSION_STARTED"
	EventSessionStopped     EventType = "SESSION_STOPPED"
	EventStreamStateChanged EventType = "STREAM_STATE_CHANGED"
	EventError              EventType = "ERROR"
)

// Event represents a system event. UserID is empty for events every
// subscriber may see.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
	Signal    *strategy.Signal       `json:"signal,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish hands event to every matching subscriber on its own goroutine so
// a slow subscriber never blocks the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sub := range eb.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignal announces a durably stored signal to its owner.
func (eb *EventBus) PublishSignal(sig *strategy.Signal) {
	cp := *sig
	eb.Publish(Event{
		Type:   EventSignalGenerated,
		UserID: sig.UserID,
		Signal: &cp,
	})
}

// PublishSession announces a monitoring session starting or stopping.
func (eb *EventBus) PublishSession(userID, sessionID, exchange string, started bool) {
	t := EventSessionStopped
	if started {
		t = EventSessionStarted
	}
	eb.Publish(Event{
		Type:   t,
		UserID: userID,
		Data: map[string]interface{}{
			"session_id": sessionID,
			"exchange":   exchange,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
