package dragonflow

import (
	"context"
	"errors"

	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
)

// Lifecycle event types re-exported for subscribers.
type (
	Event        = eventbus.Event
	EventType    = eventbus.EventType
	EventHandler = eventbus.EventHandler
	// EventPublisher receives every lifecycle event an engine emits.
	EventPublisher = eventbus.Publisher
)

const (
	EventNodeStarted          = eventbus.EventNodeStarted
	EventNodeCompleted        = eventbus.EventNodeCompleted
	EventNodeFailed           = eventbus.EventNodeFailed
	EventNodeBypassed         = eventbus.EventNodeBypassed
	EventNodeCanceled         = eventbus.EventNodeCanceled
	EventNodeCacheHit         = eventbus.EventNodeCacheHit
	EventNodeSlow             = eventbus.EventNodeSlow
	EventLineStarted          = eventbus.EventLineStarted
	EventLineCompleted        = eventbus.EventLineCompleted
	EventLineFailed           = eventbus.EventLineFailed
	EventAggregationCompleted = eventbus.EventAggregationCompleted
	EventBatchStarted         = eventbus.EventBatchStarted
	EventBatchCompleted       = eventbus.EventBatchCompleted
	EventBatchCanceled        = eventbus.EventBatchCanceled
	EventWorkerCrashed        = eventbus.EventWorkerCrashed
	EventWorkerReplaced       = eventbus.EventWorkerReplaced
)

// ErrNoEventBus is returned by Subscribe when the engine does not own an
// event bus, because events.enabled is false or WithEventBus was given.
var ErrNoEventBus = errors.New("dragonflow: engine has no event bus")

// WithEventBus publishes node, line and batch lifecycle events to pub instead
// of the engine's own bus. The engine does not close it.
func WithEventBus(pub EventPublisher) Option {
	return func(e *Engine) {
		e.events = pub
		e.externalEvents = true
	}
}

// openEventBus starts the bus configured under events and subscribes the
// metrics counter and, when events.log is set, the debug log. The bus is
// closed last among the engine's components.
func (e *Engine) openEventBus() {
	cfg := e.cfg.Events
	if e.externalEvents || !cfg.Enabled {
		return
	}
	bus := eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(cfg.BufferSize),
		eventbus.WithWorkerCount(cfg.Workers),
		eventbus.WithRetries(cfg.Retries, cfg.RetryDelay),
		eventbus.WithLogger(e.log),
	)
	_, _ = bus.SubscribeAll(func(_ context.Context, event Event) error {
		e.metrics.ObserveEvent(string(event.Type()))
		return nil
	})
	if cfg.Log {
		_, _ = bus.SubscribeAll(eventbus.LogHandler(e.log))
	}
	e.bus = bus
	e.events = bus
	e.deps.closers = append(e.deps.closers, bus.Close)
}

// Subscribe registers handler for the given event types, or for every event
// when none are given. It returns the subscription id.
func (e *Engine) Subscribe(handler EventHandler, types ...EventType) (string, error) {
	if e.bus == nil {
		return "", ErrNoEventBus
	}
	if len(types) == 0 {
		return e.bus.SubscribeAll(handler)
	}
	return e.bus.Subscribe(types, handler)
}

// Unsubscribe removes a subscription made with Subscribe.
func (e *Engine) Unsubscribe(id string) error {
	if e.bus == nil {
		return ErrNoEventBus
	}
	return e.bus.Unsubscribe(id)
}
