package relay

import (
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 256

// Broker fans out values of type T to every subscriber.
type Broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]chan T
	nextID      atomic.Int64
	closed      bool
}

// NewBroker creates an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[int64]chan T),
	}
}

// Subscribe registers a new subscriber. Returns the subscriber ID and a
// channel to receive values on. The channel is buffered; slow consumers will
// have values dropped. Subscribing to a closed broker yields a closed channel.
func (b *Broker[T]) Subscribe() (int64, <-chan T) {
	id := b.nextID.Add(1)
	ch := make(chan T, subscriberBufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker[T]) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends v to all subscribers. Non-blocking: slow subscribers have
// values dropped.
func (b *Broker[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
		}
	}
}

// Close unsubscribes everyone. Later publishes are dropped.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker[T]) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
