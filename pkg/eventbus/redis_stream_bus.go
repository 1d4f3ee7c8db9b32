package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RedisStreamConfig configures the Redis Streams transport.
type RedisStreamConfig struct {
	Partitions int
	Consumer   string
	MaxLen     int64
	Block      time.Duration
	BatchSize  int64
	Retry      RetryConfig
}

// RedisStreamBus is a Transport over Redis Streams. A channel is split into
// one stream per partition; each subscribed group reads every partition with
// a dedicated goroutine, so ordering per key holds.
type RedisStreamBus struct {
	client redis.UniversalClient
	cfg    RedisStreamConfig
	log    logger.Logger

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewRedisStreamBus creates a Redis Streams transport. The caller owns client.
func NewRedisStreamBus(client redis.UniversalClient, cfg RedisStreamConfig) (*RedisStreamBus, error) {
	if client == nil {
		return nil, fmt.Errorf("eventbus: redis client cannot be nil")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 8
	}
	if cfg.Consumer == "" {
		return nil, fmt.Errorf("eventbus: redis consumer name is required")
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &RedisStreamBus{
		client: client,
		cfg:    cfg,
		log:    logger.Global().With("component", "redis_stream_bus"),
		stop:   make(chan struct{}),
	}, nil
}

func streamKey(channel string, partition int) string {
	return channel + ":p" + strconv.Itoa(partition)
}

func (b *RedisStreamBus) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	args := &redis.XAddArgs{
		Stream: streamKey(channel, PartitionFor(key, b.cfg.Partitions)),
		Values: map[string]any{"key": key, "payload": payload},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	return b.client.XAdd(ctx, args).Err()
}

func (b *RedisStreamBus) Subscribe(ctx context.Context, channel, group string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("eventbus: handler cannot be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	for p := 0; p < b.cfg.Partitions; p++ {
		stream := streamKey(channel, p)
		err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("eventbus: create group %s on %s: %w", group, stream, err)
		}
	}
	for p := 0; p < b.cfg.Partitions; p++ {
		b.wg.Add(1)
		go b.consume(ctx, channel, streamKey(channel, p), group, handler)
	}
	return nil
}

// consume first replays entries this consumer read but never acknowledged,
// then switches to new entries.
func (b *RedisStreamBus) consume(ctx context.Context, channel, stream, group string, handler Handler) {
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

	cursor := "0"
	for runCtx.Err() == nil {
		streams, err := b.client.XReadGroup(runCtx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{stream, cursor},
			Count:    b.cfg.BatchSize,
			Block:    b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				cursor = ">"
				continue
			}
			if runCtx.Err() != nil {
				return
			}
			b.log.Warn("stream read failed", "stream", stream, "group", group, "error", err)
			select {
			case <-runCtx.Done():
			case <-time.After(b.cfg.Retry.InitialBackoff):
			}
			continue
		}

		delivered := 0
		for _, s := range streams {
			for _, entry := range s.Messages {
				delivered++
				msg := Message{Channel: channel, Timestamp: time.Now().UTC()}
				if v, ok := entry.Values["key"].(string); ok {
					msg.Key = v
				}
				if v, ok := entry.Values["payload"].(string); ok {
					msg.Payload = []byte(v)
				}
				if !deliver(runCtx, handler, msg, b.cfg.Retry, b.log) {
					return
				}
				if err := b.client.XAck(runCtx, stream, group, entry.ID).Err(); err != nil {
					b.log.Warn("stream ack failed", "stream", stream, "id", entry.ID, "error", err)
				}
			}
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

func (b *RedisStreamBus) Healthy(ctx context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.client.Ping(ctx).Err()
}

// Close stops the consumers. The redis client stays open.
func (b *RedisStreamBus) Close() error {
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

func (b *RedisStreamBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
