package events

import (
	"testing"
	"time"

	"github.com/ordersaga/ordersaga/pkg/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, feed <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-feed:
		if !ok {
			t.Fatal("feed closed")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for order event")
	}
	return Event{}
}

func TestBroadcaster_PublishReachesEverySubscriber(t *testing.T) {
	b := NewBroadcaster()
	first, stopFirst := b.Subscribe(1)
	second, stopSecond := b.Subscribe(1)
	defer stopSecond()

	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.Publish(saga.OrderView{OrderNo: "ord-1", Status: saga.OrderPaymentReady, UpdatedAt: updated})

	for _, feed := range []<-chan Event{first, second} {
		event := receive(t, feed)
		assert.Equal(t, TypeOrderStatusChanged, event.Type)
		assert.Equal(t, updated, event.Timestamp)
		assert.Equal(t, "ord-1", event.Order.OrderNo)
	}

	stopFirst()
	stopFirst()
	if _, ok := <-first; ok {
		t.Fatal("expected feed to be closed after unsubscribe")
	}
}

func TestBroadcaster_StampsMissingTimestamp(t *testing.T) {
	b := NewBroadcaster()
	feed, stop := b.Subscribe(1)
	defer stop()

	b.Publish(saga.OrderView{OrderNo: "ord-2", Status: saga.OrderPending})
	if event := receive(t, feed); event.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be filled")
	}
}

func TestBroadcaster_CountsDroppedEvents(t *testing.T) {
	b := NewBroadcaster()
	feed, stop := b.Subscribe(1)
	defer stop()

	b.Publish(saga.OrderView{OrderNo: "ord-3", Status: saga.OrderPending})
	b.Publish(saga.OrderView{OrderNo: "ord-3", Status: saga.OrderPaymentReady})

	assert.Equal(t, saga.OrderPending, receive(t, feed).Order.Status)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBroadcaster_Listener(t *testing.T) {
	b := NewBroadcaster()
	feed, stop := b.Subscribe(2)
	defer stop()

	payload := saga.Payload{UserID: 1, Items: []saga.Item{{ProductVariantID: 1, Quantity: 1}}}
	instance, err := saga.New("ord-4", payload, saga.StepInventory)
	require.NoError(t, err)

	b.Listener()(instance)

	event := receive(t, feed)
	if event.Order.OrderNo != "ord-4" || event.Order.Status != saga.OrderPending {
		t.Fatalf("unexpected view: %+v", event.Order)
	}
	assert.Equal(t, instance.ID, event.Order.SagaID)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster()
	feed, stop := b.Subscribe(1)
	b.Close()
	stop()

	if _, ok := <-feed; ok {
		t.Fatal("expected feed to be closed by Close")
	}

	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatal("expected subscription after Close to be closed")
	}
	b.Publish(saga.OrderView{OrderNo: "ord-5"})
}
