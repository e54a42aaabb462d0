package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventConnected          EventType = "connection.connected"
	EventDisconnected       EventType = "connection.disconnected"
	EventReconnecting       EventType = "connection.reconnecting"
	EventReconnected        EventType = "connection.reconnected"
	EventReconnectFailed    EventType = "connection.reconnect_failed"
	EventConnectionError    EventType = "connection.error"
	EventKeepAliveTimeout   EventType = "connection.keepalive_timeout"
	EventSessionInitialized EventType = "session.initialized"

	// Faults detected by the receiver loop. They never reach a caller's stack,
	// so the bus is the only place they surface.
	EventProtocolViolation EventType = "frame.protocol_violation"
	EventMalformedFrame    EventType = "frame.malformed"

	EventSubscriptionStarted   EventType = "subscription.started"
	EventSubscriptionStopped   EventType = "subscription.stopped"
	EventSubscriptionCompleted EventType = "subscription.completed"
	EventSubscriptionResumed   EventType = "subscription.resumed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	OperationID string          `json:"operation_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Err         error           `json:"-"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for client events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
