// Package events is a small typed publish/subscribe bus. Publishing never
// blocks: a subscriber whose buffer is full misses the event and the drop
// is counted.
package events

import (
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscription channel size.
const DefaultBuffer = 64

// ErrClosed is returned when subscribing to a closed bus.
var ErrClosed = errors.New("event bus closed")

// Bus fans events of type T out to every live subscription.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription[T]
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// NewBus creates a bus. A buffer <= 0 uses DefaultBuffer.
func NewBus[T any](buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus[T]{
		subs:   make(map[uint64]*Subscription[T]),
		buffer: buffer,
	}
}

// Subscribe registers a new listener. Close the returned subscription to
// unsubscribe; events published afterwards are not delivered to it.
func (b *Bus[T]) Subscribe() (*Subscription[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &Subscription[T]{
		bus: b,
		id:  b.nextID,
		out: make(chan T, b.buffer),
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers ev to every subscription with room in its buffer and
// returns how many received it.
func (b *Bus[T]) Publish(ev T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		select {
		case sub.out <- ev:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Bus[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. It is safe to call more than once.
func (b *Bus[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.out)
	}
	return nil
}

func (b *Bus[T]) remove(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.out)
	}
}

// Subscription is one listener on a Bus.
type Subscription[T any] struct {
	bus       *Bus[T]
	id        uint64
	out       chan T
	closeOnce sync.Once
}

// Out returns the event channel. It is closed when the subscription or
// the bus is closed.
func (s *Subscription[T]) Out() <-chan T {
	return s.out
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription[T]) Close() error {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
	})
	return nil
}
