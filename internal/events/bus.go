// Package events provides the in-process event bus that decouples the
// component owning a relay socket from the UI surfaces reacting to it. The
// bus is a live signal path only: delivery is synchronous, handlers that
// panic are isolated, and there is no replay. A subscriber that attaches
// after an event was published never sees it; components needing last-known
// state fetch it over REST first and rely on the bus for deltas.
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Topics published by the relay core.
const (
	TopicConnectionState  = "connection-state-changed"
	TopicMessageReceived  = "new-message-received"
	TopicAISupportChanged = "ai-support-changed"
	TopicSocketControl    = "websocket-control"
	TopicNotifications    = "notifications-changed"
)

// Handler receives the event detail published on a topic.
type Handler func(detail any)

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// Bus fans events out to subscribed handlers. One instance is constructed
// per application session and passed by reference to consumers; it is never
// ambient global state.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	byID   map[string]*subscription
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]*subscription),
		byID:   make(map[string]*subscription),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a handler for a topic and returns a function that
// removes the registration. The returned function is idempotent.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	sub := &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.byID[sub.id] = sub
	b.mu.Unlock()

	return func() { b.unsubscribe(sub.id) }
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)

	handlers := b.subs[sub.topic]
	for i, s := range handlers {
		if s.id == id {
			b.subs[sub.topic] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
}

// Publish delivers detail to every handler subscribed to topic, in
// registration order. Delivery is synchronous and fire-and-forget: a handler
// that panics is logged and skipped, and never prevents later handlers from
// running or propagates to the publisher.
func (b *Bus) Publish(topic string, detail any) {
	b.mu.RLock()
	handlers := make([]*subscription, len(b.subs[topic]))
	copy(handlers, b.subs[topic])
	b.mu.RUnlock()

	for _, sub := range handlers {
		b.call(sub, detail)
	}
}

func (b *Bus) call(sub *subscription, detail any) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Warn("event handler panicked",
				"topic", sub.topic,
				"subscription_id", sub.id,
				"panic", p)
		}
	}()
	sub.handler(detail)
}

// SubscriberCount returns the number of handlers registered for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
