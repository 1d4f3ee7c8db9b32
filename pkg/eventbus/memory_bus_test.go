package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusKeepsPerKeyOrder(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	var mu sync.Mutex
	received := map[string][]int{}
	var total atomic.Int32
	err := bus.Subscribe(context.Background(), "orders", "coordinator", func(_ context.Context, msg Message) error {
		var n int
		_, _ = fmt.Sscanf(string(msg.Payload), "%d", &n)
		mu.Lock()
		received[msg.Key] = append(received[msg.Key], n)
		mu.Unlock()
		total.Add(1)
		return nil
	})
	require.NoError(t, err)

	keys := []string{"saga-a", "saga-b", "saga-c"}
	for i := 0; i < 50; i++ {
		for _, key := range keys {
			require.NoError(t, bus.Publish(context.Background(), "orders", key, []byte(fmt.Sprint(i))))
		}
	}

	require.Eventually(t, func() bool { return total.Load() == 150 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, key := range keys {
		require.Len(t, received[key], 50)
		for i, n := range received[key] {
			assert.Equal(t, i, n, "key %s out of order", key)
		}
	}
}

func TestMemoryBusRedeliversUntilHandled(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	err := bus.Subscribe(context.Background(), "replies", "g", func(context.Context, Message) error {
		if attempts.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "replies", "saga-1", []byte("x")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

func TestMemoryBusFansOutToGroups(t *testing.T) {
	bus := NewMemoryBus(2)
	defer bus.Close()

	var a, b atomic.Int32
	require.NoError(t, bus.Subscribe(context.Background(), "c", "a", func(context.Context, Message) error { a.Add(1); return nil }))
	require.NoError(t, bus.Subscribe(context.Background(), "c", "b", func(context.Context, Message) error { b.Add(1); return nil }))
	assert.Error(t, bus.Subscribe(context.Background(), "c", "a", func(context.Context, Message) error { return nil }))

	require.NoError(t, bus.Publish(context.Background(), "c", "k", []byte("1")))
	require.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus(1)
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), "c", "k", nil), ErrClosed)
	assert.ErrorIs(t, bus.Healthy(context.Background()), ErrClosed)
	assert.NoError(t, bus.Close())
}

func TestPartitionForIsStable(t *testing.T) {
	p := PartitionFor("saga-42", 16)
	for i := 0; i < 10; i++ {
		assert.Equal(t, p, PartitionFor("saga-42", 16))
	}
	assert.Equal(t, 0, PartitionFor("anything", 1))
}

func TestPublisherSubscribeUnwrapsEnvelopes(t *testing.T) {
	bus := NewMemoryBus(2)
	defer bus.Close()
	publisher, err := NewPublisher("node-1", bus, DefaultRetryConfig(), nil)
	require.NoError(t, err)

	got := make(chan Envelope, 1)
	require.NoError(t, publisher.Subscribe(context.Background(), "saga.coupon.reply", "coordinator", func(_ context.Context, env Envelope) error {
		got <- env
		return nil
	}))
	// malformed bytes are dropped, not redelivered forever
	require.NoError(t, bus.Publish(context.Background(), "saga.coupon.reply", "saga-1", []byte("not json")))
	_, err = publisher.Publish(context.Background(), "saga.coupon.reply", "saga-1", "COUPON_USED", []byte(`{"type":"COUPON_USED"}`))
	require.NoError(t, err)

	select {
	case env := <-got:
		assert.Equal(t, "COUPON_USED", env.EventType)
		assert.Equal(t, "saga.coupon.reply", env.Channel)
		assert.JSONEq(t, `{"type":"COUPON_USED"}`, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}
