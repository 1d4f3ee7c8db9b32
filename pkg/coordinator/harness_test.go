package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ordersaga/ordersaga/pkg/aggregator"
	"github.com/ordersaga/ordersaga/pkg/eventbus"
	"github.com/ordersaga/ordersaga/pkg/failure"
	"github.com/ordersaga/ordersaga/pkg/protocol"
	"github.com/ordersaga/ordersaga/pkg/reconcile"
	"github.com/ordersaga/ordersaga/pkg/saga"
	"github.com/stretchr/testify/require"
)

// capture is a protocol.Sender that keeps every message sent.
type capture struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (c *capture) Publish(_ context.Context, channel, key, eventType string, payload []byte) (eventbus.Envelope, error) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		return eventbus.Envelope{}, err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return eventbus.Envelope{EventType: eventType, Channel: channel, OrderingKey: key}, nil
}

// take returns the messages sent since the last call.
func (c *capture) take() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.msgs
	c.msgs = nil
	return out
}

type harness struct {
	t     *testing.T
	coord *Coordinator
	store *saga.MemoryStore
	sent  *capture
}

func newHarness(t *testing.T, mode Mode) *harness {
	t.Helper()
	sent := &capture{}
	store := saga.NewMemoryStore()
	coord := New(store,
		aggregator.New(aggregator.NewMemoryStore(), time.Hour, nil),
		protocol.NewProducer(sent, protocol.Channels{Prefix: "test"}),
		WithMode(mode),
	)
	return &harness{t: t, coord: coord, store: store, sent: sent}
}

func scenarioPayload() saga.Payload {
	coupon := int64(1)
	return saga.Payload{
		UserID:        7,
		Items:         []saga.Item{{ProductVariantID: 1, Quantity: 3}, {ProductVariantID: 2, Quantity: 5}},
		CouponID:      &coupon,
		PointsToUse:   1000,
		ExpectedTotal: 7000,
	}
}

var prices = map[int64][2]int64{1: {2000, 1800}, 2: {800, 720}}

// ok builds the success reply a well-behaved participant sends for cmd.
func ok(t *testing.T, cmd protocol.Message) protocol.Message {
	t.Helper()
	h, err := protocol.ReplyHeader(cmd.Meta(), true, time.Now().UTC())
	require.NoError(t, err)
	switch c := cmd.(type) {
	case *protocol.StockCommand:
		if c.Type == protocol.TypeInventoryRestore {
			return &protocol.Compensated{Header: h}
		}
		lines := make([]reconcile.Line, 0, len(c.Items))
		for _, item := range c.Items {
			p := prices[item.ProductVariantID]
			lines = append(lines, reconcile.Line{ProductVariantID: item.ProductVariantID, Quantity: item.Quantity, UnitPrice: p[0], DiscountedPrice: p[1]})
		}
		return &protocol.StockDeducted{Header: h, Lines: lines}
	case *protocol.CouponCommand:
		if c.Type == protocol.TypeCouponCancel {
			return &protocol.Compensated{Header: h}
		}
		return &protocol.CouponUsed{Header: h, Coupon: reconcile.Coupon{CouponID: c.CouponID, Type: reconcile.DiscountFlat, Value: 1000, MinPurchase: 5000}}
	case *protocol.PointsCommand:
		if c.Type == protocol.TypePointsRefund {
			return &protocol.Compensated{Header: h}
		}
		return &protocol.PointsDeducted{Header: h, PointsUsed: c.PointsUsed}
	case *protocol.PaymentRequested:
		return &protocol.PaymentApproved{Header: h, Amount: c.Amount}
	}
	t.Fatalf("no success reply for %T", cmd)
	return nil
}

func fail(t *testing.T, cmd protocol.Message, code failure.Code, reason string) protocol.Message {
	t.Helper()
	h, err := protocol.ReplyHeader(cmd.Meta(), false, time.Now().UTC())
	require.NoError(t, err)
	return &protocol.Failed{Header: h, ReasonCode: code, Reason: reason}
}

func (h *harness) admit(payload saga.Payload) *saga.Instance {
	h.t.Helper()
	instance, err := h.coord.Admit(context.Background(), "", payload)
	require.NoError(h.t, err)
	return instance
}

func (h *harness) deliver(msg protocol.Message) {
	h.t.Helper()
	require.NoError(h.t, h.coord.HandleReply(context.Background(), msg))
}

func (h *harness) get(id string) *saga.Instance {
	h.t.Helper()
	instance, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return instance
}

// expect takes the sent messages and checks their types.
func (h *harness) expect(types ...protocol.Type) map[protocol.Type]protocol.Message {
	h.t.Helper()
	msgs := h.sent.take()
	got := make(map[protocol.Type]protocol.Message, len(msgs))
	gotTypes := make([]protocol.Type, 0, len(msgs))
	for _, m := range msgs {
		got[m.Meta().Type] = m
		gotTypes = append(gotTypes, m.Meta().Type)
	}
	require.ElementsMatch(h.t, types, gotTypes)
	return got
}
