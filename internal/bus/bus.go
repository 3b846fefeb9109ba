package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with prefix filtering.
// The store change feed and view lifecycle notifications both travel on it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	next   int
	onDrop func(kind string)
}

type subscription struct {
	prefix string
	ch     chan Event
	onDrop func(Event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHook registers fn to be called, with the event kind, whenever an
// event is dropped because a subscriber's buffer is full.
func WithDropHook(fn func(kind string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// Publishing never blocks: a full subscriber misses the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			if sub.onDrop != nil {
				sub.onDrop(evt)
			}
			if b.onDrop != nil {
				b.onDrop(evt.Kind)
			}
		}
	}
}

// Subscribe returns a channel receiving events whose kind starts with prefix,
// and a function that removes the subscription. The channel is never closed.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	return b.SubscribeWithDrop(prefix, bufSize, nil)
}

// SubscribeWithDrop is Subscribe with onDrop called for every event this
// subscriber misses. onDrop runs on the publisher's goroutine and must not
// block or publish.
func (b *Bus) SubscribeWithDrop(prefix string, bufSize int, onDrop func(Event)) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch, onDrop: onDrop}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers reports how many subscriptions are currently registered.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
