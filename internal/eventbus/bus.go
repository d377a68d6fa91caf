// Package eventbus is a small in-process pub/sub used to nudge the API
// layer when new order events land, so connected clients see fresh data
// without waiting for the next periodic broadcast.
package eventbus

import (
	"sync"
	"time"
)

// Topics published by the collector.
const (
	TopicOrdersStored = "orders.stored"
	TopicProgress     = "collection.progress"
)

// Event is one notification. Data carries a topic-specific payload;
// subscribers type-assert what they care about.
type Event struct {
	Topic     string
	Slot      uint64
	Timestamp time.Time
	Data      interface{}
}

// Bus routes events to subscribers by topic. Delivery is best effort:
// a subscriber whose channel is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan<- Event
	closed      bool
}

func New() *Bus {
	return &Bus{subscribers: make(map[string][]chan<- Event)}
}

// Subscribe registers a channel for one topic. The caller sizes the
// buffer; an unbuffered channel will drop everything under load.
func (b *Bus) Subscribe(topic string, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
}

// Publish delivers to every subscriber of the event's topic without
// blocking. No-op after Close.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[evt.Topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close stops delivery. Subscriber channels stay open; their owners
// close them.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
