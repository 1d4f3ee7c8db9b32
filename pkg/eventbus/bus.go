// Package eventbus carries saga commands and replies between the coordinator
// and the participants. Messages are keyed by saga id; every transport
// delivers messages sharing a key in publish order, at least once.
package eventbus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/ordersaga/ordersaga/pkg/logger"
)

// Message is a delivered message.
type Message struct {
	Channel   string
	Key       string
	Payload   []byte
	Timestamp time.Time
}

// Handler processes one delivered message. A non-nil error leaves the message
// unacknowledged and it is delivered again.
type Handler func(ctx context.Context, msg Message) error

// Transport is a keyed, ordered, at-least-once pub/sub channel.
type Transport interface {
	Publish(ctx context.Context, channel, key string, payload []byte) error
	// Subscribe starts consuming channel as a member of group. It returns once
	// the subscription is established; delivery stops when ctx is done or the
	// transport is closed.
	Subscribe(ctx context.Context, channel, group string, handler Handler) error
	Healthy(ctx context.Context) error
	Close() error
}

// PartitionFor maps an ordering key onto one of n partitions.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// deliver runs handler until it succeeds or ctx is done. Retrying in place
// keeps later messages of the same partition behind the failing one.
func deliver(ctx context.Context, handler Handler, msg Message, retry RetryConfig, log logger.Logger) bool {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, handler(ctx, msg)
	},
		backoff.WithBackOff(retry.backOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("message handler failed, redelivering",
				"channel", msg.Channel,
				"key", msg.Key,
				"attempt", attempt,
				"retry_in", wait,
				"error", err,
			)
		}),
	)
	return err == nil
}
