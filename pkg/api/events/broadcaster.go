package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ordersaga/ordersaga/pkg/saga"
)

// TypeOrderStatusChanged is sent whenever a saga moves.
const TypeOrderStatusChanged = "order.status_changed"

const defaultBuffer = 16

// Event carries one order view change to in-process subscribers.
type Event struct {
	Type      string
	Timestamp time.Time
	Order     saga.OrderView
}

// Broadcaster fans order view changes out to subscribers. A subscriber whose
// buffer is full misses the event; the next change carries the latest view
// anyway.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	closed  bool
	dropped atomic.Uint64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a feed of events and a function that ends the
// subscription and closes the feed.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(ch) })
	}
}

func (b *Broadcaster) remove(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish emits a status change for view.
func (b *Broadcaster) Publish(view saga.OrderView) {
	event := Event{Type: TypeOrderStatusChanged, Timestamp: view.UpdatedAt, Order: view}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Listener adapts the broadcaster to a saga change callback.
func (b *Broadcaster) Listener() func(*saga.Instance) {
	return func(instance *saga.Instance) {
		b.Publish(saga.ViewOf(instance))
	}
}

// Dropped counts events lost to full subscriber buffers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every subscription. Later subscribers get a closed feed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
