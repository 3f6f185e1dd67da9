package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Broker fans events out to every active subscriber. Delivery is
// best-effort: a subscriber that stops draining loses events rather than
// stalling publishers.
type Broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[chan Event[T]]struct{}
	closed      bool
	buffer      int
}

// NewBroker creates a broker with the default per-subscriber buffer (64).
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[chan Event[T]]struct{}),
		buffer:      size,
	}
}

// Subscribe registers a channel that receives every subsequent event.
// The subscription ends when ctx is cancelled; on an already-closed
// broker the returned channel is closed immediately.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	sub := make(chan Event[T], b.buffer)
	b.subscribers[sub] = struct{}{}
	go func() {
		<-ctx.Done()
		b.unsubscribe(sub)
	}()
	return sub
}

func (b *Broker[T]) unsubscribe(sub chan Event[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Close already closed every channel.
	if b.closed {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish sends an event to all subscribers without blocking; a full
// subscriber buffer drops the event for that subscriber only.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	ev := Event[T]{Type: eventType, Payload: payload, Timestamp: time.Now()}
	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Close ends every subscription. Safe to call more than once; publishes
// after Close are discarded.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
