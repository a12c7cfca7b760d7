package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event
type EventType string

// Standard event types
const (
	// Node lifecycle events
	EventNodeStarted   EventType = "node_started"
	EventNodeCompleted EventType = "node_completed"
	EventNodeFailed    EventType = "node_failed"
	EventNodeBypassed  EventType = "node_bypassed"
	EventNodeCanceled  EventType = "node_canceled"
	EventNodeCacheHit  EventType = "node_cache_hit"
	EventNodeSlow      EventType = "node_slow"

	// Line lifecycle events
	EventLineStarted   EventType = "line_started"
	EventLineCompleted EventType = "line_completed"
	EventLineFailed    EventType = "line_failed"

	// Aggregation events
	EventAggregationCompleted EventType = "aggregation_completed"

	// Batch events
	EventBatchStarted   EventType = "batch_started"
	EventBatchCompleted EventType = "batch_completed"
	EventBatchCanceled  EventType = "batch_canceled"
	EventWorkerCrashed  EventType = "worker_crashed"
	EventWorkerReplaced EventType = "worker_replaced"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the engine
type Event interface {
	Type() EventType
	Payload() interface{}
	Metadata() map[string]interface{}
	// Timestamp returns when the event occurred, in Unix nanoseconds
	Timestamp() int64
	// Source names the component that generated the event
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish queues an event for every matching subscriber
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types and returns a
	// subscription ID that can be used to unsubscribe
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types
	SubscribeAll(handler EventHandler) (string, error)

	Unsubscribe(subscriptionID string) error

	// Close stops dispatching; queued events still unprocessed are dropped
	Close() error
}

// BaseEvent is a simple implementation of the Event interface
type BaseEvent struct {
	eventType  EventType
	payload    interface{}
	metadata   map[string]interface{}
	timestamp  int64
	sourceInfo string
}

// NewEvent creates a new BaseEvent
func NewEvent(eventType EventType, payload interface{}, source string, metadata map[string]interface{}) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

func (e *BaseEvent) Type() EventType                  { return e.eventType }
func (e *BaseEvent) Payload() interface{}             { return e.payload }
func (e *BaseEvent) Metadata() map[string]interface{} { return e.metadata }
func (e *BaseEvent) Timestamp() int64                 { return e.timestamp }
func (e *BaseEvent) Source() string                   { return e.sourceInfo }

// WithMetadata adds or updates metadata and returns the same event
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata[key] = value
	return e
}

// Publisher is the narrow publishing side used by engine components.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
