// Package eventbus fans engine lifecycle events out to subscribers.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
	"github.com/ZanzyTHEbar/dragonflow/internal/retry"
)

// ChannelEventBus is an implementation of EventBus using Go channels
type ChannelEventBus struct {
	subscribers    map[EventType]map[string]EventHandler
	allSubscribers map[string]EventHandler

	eventChan chan eventWithContext
	done      chan struct{}
	closed    bool
	wg        sync.WaitGroup
	mutex     sync.RWMutex

	bufferSize  int
	workerCount int
	policy      retry.Policy
	log         *logging.Logger
}

type eventWithContext struct {
	ctx   context.Context
	event Event
}

// ChannelEventBusOption configures the channel-based event bus
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.bufferSize = size
	}
}

// WithWorkerCount sets the number of event processing workers
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.workerCount = count
	}
}

// WithRetries configures how often a failing handler is retried
func WithRetries(maxRetries int, retryInterval time.Duration) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.policy = retry.Policy{Tries: maxRetries + 1, Delay: retryInterval, Backoff: 1}
	}
}

// WithLogger sets the logger handler failures are reported on
func WithLogger(log *logging.Logger) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.log = log.WithComponent("eventbus")
	}
}

// NewChannelEventBus creates a new channel-based event bus
func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		subscribers:    make(map[EventType]map[string]EventHandler),
		allSubscribers: make(map[string]EventHandler),
		done:           make(chan struct{}),
		bufferSize:     256,
		workerCount:    2,
		policy:         retry.Policy{Tries: 4, Delay: 100 * time.Millisecond, Backoff: 1},
		log:            logging.Nop(),
	}
	for _, option := range options {
		option(eb)
	}
	eb.eventChan = make(chan eventWithContext, eb.bufferSize)
	for i := 0; i < eb.workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

func (eb *ChannelEventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.done:
			return
		case evt := <-eb.eventChan:
			eb.processEvent(evt)
		}
	}
}

func (eb *ChannelEventBus) processEvent(evt eventWithContext) {
	// Copy handlers so they may subscribe or unsubscribe without deadlocking.
	eb.mutex.RLock()
	handlers := make([]EventHandler, 0, len(eb.allSubscribers)+1)
	for _, h := range eb.subscribers[evt.event.Type()] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allSubscribers {
		handlers = append(handlers, h)
	}
	eb.mutex.RUnlock()

	for _, h := range handlers {
		eb.executeHandler(evt.ctx, evt.event, h)
	}
}

func (eb *ChannelEventBus) executeHandler(ctx context.Context, event Event, handler EventHandler) {
	policy := eb.policy
	policy.RetryIf = func(error) bool { return true }
	err := retry.DoErr(ctx, policy, func(ctx context.Context) error {
		return handler(ctx, event)
	})
	if err != nil {
		eb.log.Warn("Event handler failed", logging.Fields(
			"event_type", string(event.Type()),
			"tries", policy.Tries,
			logging.FieldError, err,
		))
	}
}

// Publish queues event. Handlers run detached from ctx's cancellation so
// events published at the end of a line are still delivered.
func (eb *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	eb.mutex.RLock()
	closed := eb.closed
	eb.mutex.RUnlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-eb.done:
		return fmt.Errorf("event bus is closed")
	case eb.eventChan <- eventWithContext{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	}
}

// Subscribe registers a handler for specific event types
func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return "", fmt.Errorf("at least one event type is required")
	}
	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	if eb.closed {
		return "", fmt.Errorf("event bus is closed")
	}
	subscriptionID := uuid.New().String()
	for _, eventType := range eventTypes {
		if _, exists := eb.subscribers[eventType]; !exists {
			eb.subscribers[eventType] = make(map[string]EventHandler)
		}
		eb.subscribers[eventType][subscriptionID] = handler
	}
	return subscriptionID, nil
}

// SubscribeAll registers a handler for all event types
func (eb *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	if eb.closed {
		return "", fmt.Errorf("event bus is closed")
	}
	subscriptionID := uuid.New().String()
	eb.allSubscribers[subscriptionID] = handler
	return subscriptionID, nil
}

// Unsubscribe removes a subscription by ID
func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	if eb.closed {
		return fmt.Errorf("event bus is closed")
	}
	delete(eb.allSubscribers, subscriptionID)
	for eventType := range eb.subscribers {
		delete(eb.subscribers[eventType], subscriptionID)
	}
	return nil
}

// Close shuts down the event bus
func (eb *ChannelEventBus) Close() error {
	eb.mutex.Lock()
	if eb.closed {
		eb.mutex.Unlock()
		return nil
	}
	eb.closed = true
	eb.mutex.Unlock()

	close(eb.done)
	eb.wg.Wait()
	return nil
}

// LogHandler writes each event with its metadata to log at debug level.
func LogHandler(log *logging.Logger) EventHandler {
	log = log.WithComponent("events")
	return func(_ context.Context, event Event) error {
		fields := logging.Fields("event_type", string(event.Type()), "source", event.Source())
		for k, v := range event.Metadata() {
			fields[k] = v
		}
		log.Debug("Event", fields)
		return nil
	}
}
