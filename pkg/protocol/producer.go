package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/ordersaga/ordersaga/pkg/eventbus"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/saga"
)

// Sender publishes an encoded message. *eventbus.Publisher implements it.
type Sender interface {
	Publish(ctx context.Context, channel, key, eventType string, payload []byte) (eventbus.Envelope, error)
}

// Producer builds and sends saga messages keyed by saga id.
type Producer struct {
	sender   Sender
	channels Channels
	now      func() time.Time
}

// NewProducer creates a producer.
func NewProducer(sender Sender, channels Channels) *Producer {
	return &Producer{
		sender:   sender,
		channels: channels,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Channels returns the channel naming in use.
func (p *Producer) Channels() Channels { return p.channels }

// Send encodes msg and publishes it on the channel its type belongs to.
func (p *Producer) Send(ctx context.Context, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	h := msg.Meta()
	channel, err := p.channels.For(h.Type)
	if err != nil {
		return err
	}
	if _, err := p.sender.Publish(ctx, channel, h.SagaID, string(h.Type), payload); err != nil {
		return fmt.Errorf("send %s for saga %s: %w", h.Type, h.SagaID, err)
	}
	return nil
}

// Command builds the forward or compensating command of step for instance.
func (p *Producer) Command(instance *saga.Instance, step saga.Step, dir Direction, correlationID string) (Message, error) {
	t, ok := CommandType(step, dir)
	if !ok {
		return nil, fmt.Errorf("no %s command for step %s", dir, step)
	}
	h := Header{
		Type:          t,
		SagaID:        instance.ID,
		OrderNo:       instance.OrderID,
		UserID:        instance.Payload.UserID,
		CorrelationID: correlationID,
		Timestamp:     p.now(),
	}
	switch step {
	case saga.StepInventory:
		return &StockCommand{Header: h, Items: instance.Payload.Items}, nil
	case saga.StepCoupon:
		if instance.Payload.CouponID == nil {
			return nil, fmt.Errorf("saga %s has no coupon", instance.ID)
		}
		return &CouponCommand{Header: h, CouponID: *instance.Payload.CouponID}, nil
	case saga.StepPoints:
		return &PointsCommand{Header: h, PointsUsed: instance.Payload.PointsToUse}, nil
	case saga.StepPayment:
		return &PaymentRequested{Header: h, Amount: instance.Payload.ExpectedTotal}, nil
	default:
		return nil, fmt.Errorf("%w: %s", saga.ErrInvalidStep, step)
	}
}

// Emit builds and sends a command.
func (p *Producer) Emit(ctx context.Context, instance *saga.Instance, step saga.Step, dir Direction, correlationID string) error {
	msg, err := p.Command(instance, step, dir, correlationID)
	if err != nil {
		return err
	}
	return p.Send(ctx, msg)
}

// ReplyHeader derives the header of the reply to cmd.
func ReplyHeader(cmd Header, success bool, at time.Time) (Header, error) {
	t, ok := ReplyType(cmd.Type, success)
	if !ok {
		return Header{}, fmt.Errorf("%w: no reply for %q", ErrUnknownType, cmd.Type)
	}
	reply := cmd
	reply.Type = t
	reply.Timestamp = at
	return reply, nil
}

// Handle adapts a typed message handler to an envelope handler. Payloads that
// do not decode are logged and dropped.
func Handle(fn func(ctx context.Context, msg Message) error) eventbus.EnvelopeHandler {
	return func(ctx context.Context, envelope eventbus.Envelope) error {
		msg, err := Decode(envelope.Payload)
		if err != nil {
			logger.Global().Error("dropping undecodable message",
				"event_type", envelope.EventType,
				"ordering_key", envelope.OrderingKey,
				"error", err,
			)
			return nil
		}
		return fn(ctx, msg)
	}
}
