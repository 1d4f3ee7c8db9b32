package participant

import (
	"context"
	"testing"
	"time"

	"github.com/ordersaga/ordersaga/pkg/eventbus"
	"github.com/ordersaga/ordersaga/pkg/ledger"
	"github.com/ordersaga/ordersaga/pkg/protocol"
	"github.com/ordersaga/ordersaga/pkg/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*eventbus.Publisher, *protocol.Producer) {
	t.Helper()
	bus := eventbus.NewMemoryBus(4)
	t.Cleanup(func() { _ = bus.Close() })
	pub, err := eventbus.NewPublisher("test-node", bus, eventbus.DefaultRetryConfig(), nil)
	require.NoError(t, err)
	return pub, protocol.NewProducer(pub, protocol.Channels{Prefix: "test"})
}

func collectReplies(t *testing.T, pub *eventbus.Publisher, channel string) <-chan protocol.Message {
	t.Helper()
	out := make(chan protocol.Message, 16)
	require.NoError(t, pub.Subscribe(context.Background(), channel, "collector", protocol.Handle(func(_ context.Context, msg protocol.Message) error {
		out <- msg
		return nil
	})))
	return out
}

func receive(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply received")
		return nil
	}
}

func TestServiceRepliesOnReplyChannel(t *testing.T) {
	pub, producer := newTestBus(t)
	store := ledger.NewMemoryStore()
	seedProducts(t, store)

	svc, err := NewService(NewExecutor(Inventory{}, store, nil), producer)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background(), pub))
	replies := collectReplies(t, pub, producer.Channels().Reply(protocol.DomainInventory))

	cmd := stockCommand("svc-1", protocol.TypeInventoryDeduct, saga.Item{ProductVariantID: 1, Quantity: 4})
	require.NoError(t, producer.Send(context.Background(), cmd))
	require.NoError(t, producer.Send(context.Background(), cmd))

	first := receive(t, replies)
	second := receive(t, replies)
	assert.Equal(t, protocol.TypeInventoryDeducted, first.Meta().Type)
	assert.Equal(t, protocol.TypeInventoryDeducted, second.Meta().Type)
	assert.Equal(t, "svc-1", second.Meta().SagaID)
	assert.Equal(t, int64(6), stockOf(t, store, 1))
}

func TestPaymentSimulatorDeclines(t *testing.T) {
	pub, producer := newTestBus(t)
	sim := NewPaymentSimulator(producer, func(req *protocol.PaymentRequested) (bool, string) {
		return req.Amount < 10000, "limit exceeded"
	})
	require.NoError(t, sim.Start(context.Background(), pub))
	replies := collectReplies(t, pub, producer.Channels().Reply(protocol.DomainPayment))

	header := protocol.Header{Type: protocol.TypePaymentRequested, SagaID: "pay-1", OrderNo: "o-1", UserID: 7}
	require.NoError(t, producer.Send(context.Background(), &protocol.PaymentRequested{Header: header, Amount: 7500}))
	approved := receive(t, replies)
	assert.Equal(t, protocol.TypePaymentApproved, approved.Meta().Type)
	assert.Equal(t, int64(7500), approved.(*protocol.PaymentApproved).Amount)

	header.SagaID = "pay-2"
	require.NoError(t, producer.Send(context.Background(), &protocol.PaymentRequested{Header: header, Amount: 20000}))
	declined := receive(t, replies).(*protocol.Failed)
	assert.Equal(t, protocol.TypePaymentDeclined, declined.Type)
	assert.Equal(t, "limit exceeded", declined.Reason)
}
