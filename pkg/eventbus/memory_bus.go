package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ordersaga/ordersaga/pkg/logger"
)

// ErrClosed is returned by a closed transport.
var ErrClosed = errors.New("eventbus: transport closed")

// MemoryBus is an in-process Transport. Each consumer group gets one FIFO
// queue per partition and one goroutine draining it, which keeps messages of
// one key ordered while different keys are processed concurrently. Messages
// published to a channel nobody subscribes to are dropped.
type MemoryBus struct {
	partitions int
	retry      RetryConfig
	log        logger.Logger

	mu     sync.RWMutex
	groups map[string]map[string][]*memoryQueue
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryBus creates an in-memory bus with the given partition count.
func NewMemoryBus(partitions int) *MemoryBus {
	if partitions <= 0 {
		partitions = 8
	}
	return &MemoryBus{
		partitions: partitions,
		retry: RetryConfig{
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
			BackoffFactor:  2,
		},
		log:    logger.Global().With("component", "memory_bus"),
		groups: make(map[string]map[string][]*memoryQueue),
		stop:   make(chan struct{}),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channel == "" {
		return fmt.Errorf("eventbus: channel cannot be empty")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	msg := Message{
		Channel:   channel,
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}
	partition := PartitionFor(key, b.partitions)
	for _, queues := range b.groups[channel] {
		queues[partition].push(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel, group string, handler Handler) error {
	if channel == "" || group == "" {
		return fmt.Errorf("eventbus: channel and group are required")
	}
	if handler == nil {
		return fmt.Errorf("eventbus: handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.groups[channel][group]; ok {
		return fmt.Errorf("eventbus: group %s already subscribed to %s", group, channel)
	}
	if b.groups[channel] == nil {
		b.groups[channel] = make(map[string][]*memoryQueue)
	}

	queues := make([]*memoryQueue, b.partitions)
	for i := range queues {
		queues[i] = &memoryQueue{signal: make(chan struct{}, 1)}
		b.wg.Add(1)
		go b.drain(ctx, queues[i], handler)
	}
	b.groups[channel][group] = queues
	return nil
}

func (b *MemoryBus) drain(ctx context.Context, q *memoryQueue, handler Handler) {
	defer b.wg.Done()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		msg, ok := q.peek()
		if !ok {
			select {
			case <-runCtx.Done():
				return
			case <-q.signal:
				continue
			}
		}
		if !deliver(runCtx, handler, msg, b.retry, b.log) {
			return
		}
		q.pop()
	}
}

func (b *MemoryBus) Healthy(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops all consumers and waits for in-flight handlers to return.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

type memoryQueue struct {
	mu     sync.Mutex
	items  []Message
	signal chan struct{}
}

func (q *memoryQueue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) peek() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	return q.items[0], true
}

func (q *memoryQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[0] = Message{}
	q.items = q.items[1:]
}
