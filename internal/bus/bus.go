// Package bus provides an instance-scoped publish/subscribe event bus.
// Consumers construct a Bus per process (or per test) rather than relying
// on package-level state, so isolated instances can be wired in tests.
package bus

import (
	"sync"
	"time"

	. "github.com/voxqueue/voxqueue/internal/logging"
)

// Topics emitted by the transcription core.
const (
	TopicJobProgress = "job.progress"
	TopicJobList     = "job.list"
)

// Event represents a notification broadcast to subscribers.
type Event struct {
	Topic     string    // Event topic: "job.progress", "job.list", etc.
	Data      any       // Optional payload data
	Timestamp time.Time // When the event was published
}

// Handler processes an event (no return value - fire and forget).
// Delivery is at-least-once; handlers de-duplicate against last-seen values.
type Handler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

// subscription holds a single event handler
type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus routes published events to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID SubscriptionID
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for an event topic.
// Returns a SubscriptionID that can be used to unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})

	L_debug("bus: subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// Unsubscribe removes a subscription by its ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				if len(b.subs[topic]) == 0 {
					delete(b.subs, topic)
				}
				return true
			}
		}
	}
	return false
}

// Publish broadcasts an event to all subscribers of the topic.
// Handlers are called asynchronously in separate goroutines.
func (b *Bus) Publish(topic string, data any) {
	event := Event{
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	subs := b.subs[topic]
	// Copy slice to avoid holding lock during handler execution
	subsCopy := make([]subscription, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	for _, sub := range subsCopy {
		go func(s subscription) {
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: event handler panic", "topic", topic, "subscriptionID", s.id, "panic", r)
				}
			}()
			s.handler(event)
		}(sub)
	}
}

// Subscribers returns the number of subscribers for a topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
