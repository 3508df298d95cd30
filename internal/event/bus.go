package event

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultSubscriberBufferSize = 64

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	MaxSubscribers       int
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose channel is full loses the event, counted in Dropped.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]chan T
	nextSubID   uint64
	closed      bool
	closeOnce   sync.Once
	options     BusOptions
	published   atomic.Int64
	dropped     atomic.Int64
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]chan T),
		options:     opts,
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan T, b.options.SubscriberBufferSize)

	b.mu.Lock()
	if b.closed || (b.options.MaxSubscribers > 0 && len(b.subscribers) >= b.options.MaxSubscribers) {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.removeSubscriber(id)
	}
	return ch, cancel
}

func (b *Bus[T]) Publish(event T) {
	if b == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(b.subscribers))
	channels := make([]chan T, 0, len(b.subscribers))
	for id, ch := range b.subscribers {
		ids = append(ids, id)
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	b.published.Add(1)
	for i, ch := range channels {
		if !b.safeSend(ids[i], ch, event) {
			b.dropped.Add(1)
		}
	}
}

// safeSend tolerates a cancel racing the snapshot taken in Publish: the
// send on the just-closed channel panics, the subscriber is removed, and
// the event counts as dropped.
func (b *Bus[T]) safeSend(id uint64, ch chan T, event T) (delivered bool) {
	defer func() {
		if recover() != nil {
			b.removeSubscriber(id)
			delivered = false
		}
	}()
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	var ch chan T
	b.mu.Lock()
	if existing, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		ch = existing
	}
	b.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for id, ch := range b.subscribers {
			delete(b.subscribers, id)
			close(ch)
		}
		b.mu.Unlock()
	})
}

func (b *Bus[T]) Published() int64 {
	if b == nil {
		return 0
	}
	return b.published.Load()
}

func (b *Bus[T]) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
