// internal/handler/event_bus.go
package handler

import (
	"sync"

	"go.uber.org/zap"

	"potentiostat-service/internal/model"
)

// allEvents subscribes to every event type
const allEvents model.EventType = "*"

// EventBus manages event distribution
type EventBus struct {
	subscribers map[model.EventType][]chan *model.InstrumentEvent
	events      chan *model.InstrumentEvent
	mutex       sync.RWMutex
	logger      *zap.Logger
	closeOnce   sync.Once
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[model.EventType][]chan *model.InstrumentEvent),
		events:      make(chan *model.InstrumentEvent, 1000),
		logger:      logger,
	}
}

// Start distributes events until Stop is called
func (eb *EventBus) Start() {
	for event := range eb.events {
		eb.distributeEvent(event)
	}

	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	for _, subs := range eb.subscribers {
		for _, sub := range subs {
			close(sub)
		}
	}
	eb.subscribers = make(map[model.EventType][]chan *model.InstrumentEvent)
}

// Stop ends distribution and closes every subscriber channel
func (eb *EventBus) Stop() {
	eb.closeOnce.Do(func() {
		eb.mutex.Lock()
		close(eb.events)
		eb.events = nil
		eb.mutex.Unlock()
	})
}

// Publish publishes an event without blocking. It is safe to call from the
// controller loop.
func (eb *EventBus) Publish(event *model.InstrumentEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	if eb.events == nil {
		return
	}

	select {
	case eb.events <- event:
	default:
		if eb.logger != nil {
			eb.logger.Warn("Event bus full, dropping event",
				zap.String("event_type", string(event.EventType)),
			)
		}
	}
}

// Subscribe subscribes to events of a specific type
func (eb *EventBus) Subscribe(eventType model.EventType) <-chan *model.InstrumentEvent {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan *model.InstrumentEvent, 100)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
	return subscriber
}

// SubscribeAll subscribes to every event
func (eb *EventBus) SubscribeAll() <-chan *model.InstrumentEvent {
	return eb.Subscribe(allEvents)
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event *model.InstrumentEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	deliver := func(subs []chan *model.InstrumentEvent) {
		for _, subscriber := range subs {
			select {
			case subscriber <- event:
			default:
				// Subscriber is slow, skip
			}
		}
	}
	deliver(eb.subscribers[event.EventType])
	deliver(eb.subscribers[allEvents])
}
