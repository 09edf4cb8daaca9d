package events

import (
	"slices"
	"sync"
)

// Bus delivers published events to subscribers in publish order. Publish never
// blocks: events are buffered and handed to subscribers from a single
// dispatcher goroutine, so a handler may call back into the publisher without
// deadlocking. An event reaches the subscribers registered when it was
// published.
type Bus[E any] struct {
	mu      sync.Mutex
	subs    map[uint64]func(E)
	nextID  uint64
	pending []envelope[E]
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

type envelope[E any] struct {
	event    E
	handlers []func(E)
}

// NewBus creates a bus and starts its dispatcher
func NewBus[E any]() *Bus[E] {
	b := &Bus[E]{
		subs: make(map[uint64]func(E)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers fn and returns a function that removes it
func (b *Bus[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish queues an event for delivery. Events published after Close are dropped.
func (b *Bus[E]) Publish(event E) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.subs) > 0 {
		b.pending = append(b.pending, envelope[E]{event: event, handlers: b.sortedSubs()})
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close delivers already queued events, then stops the dispatcher
func (b *Bus[E]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *Bus[E]) run() {
	defer close(b.done)

	for range b.wake {
		for {
			b.mu.Lock()
			if len(b.pending) == 0 {
				closed := b.closed
				b.mu.Unlock()
				if closed {
					return
				}
				break
			}
			next := b.pending[0]
			b.pending[0] = envelope[E]{}
			b.pending = b.pending[1:]
			b.mu.Unlock()

			for _, fn := range next.handlers {
				fn(next.event)
			}
		}
	}
}

// sortedSubs returns subscribers in registration order. Caller holds mu.
func (b *Bus[E]) sortedSubs() []func(E) {
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(E), len(ids))
	for i, id := range ids {
		fns[i] = b.subs[id]
	}
	return fns
}
