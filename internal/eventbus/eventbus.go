// Package eventbus implements an in-process, typed publish/subscribe bus
// for domain events such as "ExecutionCompleted" or "SingleLegDetected".
// It generalizes the single hardcoded dashboard-event channel of earlier
// designs into a registry keyed by event-type string, with no persistence,
// no retries, and no fan-out beyond direct subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope every publish carries: identity, occurrence time,
// the event-type string subscribers register against, and a payload.
type Event struct {
	EventID    string
	OccurredOn time.Time
	EventType  string
	Payload    any
}

// Handler processes one event. A handler that panics is recovered and
// logged; it does not abort the dispatch loop for other subscribers.
type Handler func(ctx context.Context, ev Event)

// Bus is a sequential, registration-ordered publish/subscribe dispatcher.
// All methods are safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]subscription
	logger   *slog.Logger
	seq      uint64
}

type subscription struct {
	id      uint64
	handler Handler
}

// New creates an empty Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

// SubscriptionID identifies a registered handler for later Unsubscribe.
type SubscriptionID struct {
	eventType string
	id        uint64
}

// Subscribe registers handler for eventType. Delivery order across
// subscribers for a given event type matches registration order.
func (b *Bus) Subscribe(eventType string, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := b.seq
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	return SubscriptionID{eventType: eventType, id: id}
}

// Unsubscribe removes a previously registered handler. It is a no-op if
// the subscription no longer exists.
func (b *Bus) Unsubscribe(sub SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[sub.eventType]
	for i, s := range subs {
		if s.id == sub.id {
			b.handlers[sub.eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish fills in EventID/OccurredOn if unset, then dispatches to every
// subscriber of ev.EventType sequentially, in registration order. Each
// handler runs to completion before the next begins; a handler panic is
// caught and logged, not propagated, so one bad subscriber cannot block
// delivery to the others.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredOn.IsZero() {
		ev.OccurredOn = time.Now()
	}

	b.mu.Lock()
	subs := make([]subscription, len(b.handlers[ev.EventType]))
	copy(subs, b.handlers[ev.EventType])
	b.mu.Unlock()

	for _, s := range subs {
		b.dispatchOne(ctx, s.handler, ev)
	}
}

func (b *Bus) dispatchOne(ctx context.Context, handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", ev.EventType, "event_id", ev.EventID, "panic", r)
		}
	}()
	handler(ctx, ev)
}

// Well-known event-type strings published by the core.
const (
	EventExecutionCompleted = "ExecutionCompleted"
	EventSingleLegDetected  = "SingleLegDetected"
	EventSliceCompleted     = "SliceCompleted"
	EventRollbackFailed     = "RollbackFailed"
	EventOrderRegistered    = "OrderRegistered"
	EventOrderTerminal      = "OrderTerminal"
)
