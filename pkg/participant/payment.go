package participant

import (
	"context"
	"fmt"
	"time"

	"github.com/ordersaga/ordersaga/pkg/failure"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/protocol"
)

// PaymentDecider decides a payment request. Returning a non-empty reason
// declines it.
type PaymentDecider func(req *protocol.PaymentRequested) (approved bool, reason string)

// ApproveAll approves every request.
func ApproveAll(*protocol.PaymentRequested) (bool, string) { return true, "" }

// PaymentSimulator answers PAYMENT_REQUESTED for deployments without an
// external payment provider. Production setups confirm payments through the
// payment callback endpoint instead.
type PaymentSimulator struct {
	producer *protocol.Producer
	decide   PaymentDecider
	log      logger.Logger
	now      func() time.Time
}

// NewPaymentSimulator creates a simulator. decide defaults to ApproveAll.
func NewPaymentSimulator(producer *protocol.Producer, decide PaymentDecider) *PaymentSimulator {
	if decide == nil {
		decide = ApproveAll
	}
	return &PaymentSimulator{
		producer: producer,
		decide:   decide,
		log:      logger.Global().With("component", "payment_simulator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *PaymentSimulator) Start(ctx context.Context, bus Subscriber) error {
	channel := p.producer.Channels().Request(protocol.DomainPayment)
	if err := bus.Subscribe(ctx, channel, string(protocol.DomainPayment), protocol.Handle(p.Handle)); err != nil {
		return fmt.Errorf("payment simulator: subscribe %s: %w", channel, err)
	}
	return nil
}

func (p *PaymentSimulator) Handle(ctx context.Context, msg protocol.Message) error {
	req, ok := msg.(*protocol.PaymentRequested)
	if !ok {
		p.log.Warn("ignoring unexpected message on payment channel", "type", string(msg.Meta().Type))
		return nil
	}
	approved, reason := p.decide(req)
	header, err := protocol.ReplyHeader(req.Header, approved, p.now())
	if err != nil {
		return err
	}
	if approved {
		return p.producer.Send(ctx, &protocol.PaymentApproved{Header: header, Amount: req.Amount})
	}
	return p.producer.Send(ctx, &protocol.Failed{Header: header, ReasonCode: failure.CodePaymentDeclined, Reason: reason})
}
