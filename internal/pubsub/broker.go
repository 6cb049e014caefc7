// Package pubsub provides a small generic publish/subscribe broker used to
// fan out orchestration events to background consumers (health daemon,
// snapshot reconciler).
package pubsub

import (
	"context"
	"sync"
	"time"
)

// Event wraps a published payload with its publication time.
type Event[T any] struct {
	Payload     T
	PublishedAt time.Time
}

// Broker fans out events to all active subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event. Consumers that need a
// complete view must reconcile from the store, not from the event stream.
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan Event[T]
	nextID int
	buffer int
	closed bool
}

// NewBroker creates a broker whose subscriber channels buffer up to buffer
// events. A buffer of 0 defaults to 64.
func NewBroker[T any](buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker[T]{
		subs:   make(map[int]chan Event[T]),
		buffer: buffer,
	}
}

// Subscribe returns a channel of events. The subscription ends and the
// channel is closed when ctx is cancelled or the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan Event[T])
		close(ch)
		return ch
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event[T], b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}()

	return ch
}

// Publish delivers the payload to every subscriber with buffer space.
func (b *Broker[T]) Publish(payload T) {
	ev := Event[T]{Payload: payload, PublishedAt: time.Now()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown closes all subscriber channels. Publish becomes a no-op.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
