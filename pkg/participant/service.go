package participant

import (
	"context"
	"fmt"

	"github.com/ordersaga/ordersaga/pkg/eventbus"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/protocol"
)

// Subscriber registers envelope handlers. *eventbus.Publisher implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, channel, group string, handler eventbus.EnvelopeHandler) error
}

// Service connects an Executor to its domain's request and reply channels.
type Service struct {
	executor *Executor
	producer *protocol.Producer
	domain   protocol.Domain
	log      logger.Logger
}

// NewService creates a participant service for the executor's step.
func NewService(executor *Executor, producer *protocol.Producer) (*Service, error) {
	d, ok := protocol.DomainOf(executor.domain.Step())
	if !ok {
		return nil, fmt.Errorf("participant: no domain for step %s", executor.domain.Step())
	}
	return &Service{
		executor: executor,
		producer: producer,
		domain:   d,
		log:      logger.Global().With("component", "participant_service", "domain", string(d)),
	}, nil
}

// Start subscribes to the request channel. The consumer group is the domain
// name, so several instances of one participant share the work.
func (s *Service) Start(ctx context.Context, bus Subscriber) error {
	channel := s.producer.Channels().Request(s.domain)
	if err := bus.Subscribe(ctx, channel, string(s.domain), protocol.Handle(s.Handle)); err != nil {
		return fmt.Errorf("participant %s: subscribe %s: %w", s.domain, channel, err)
	}
	s.log.Info("participant started", "channel", channel)
	return nil
}

// Handle processes one command and sends its reply. An error makes the
// transport redeliver the command; the ledger turns the redelivery into a
// replay of the stored reply.
func (s *Service) Handle(ctx context.Context, cmd protocol.Message) error {
	result, err := s.executor.Process(ctx, cmd)
	if err != nil {
		h := cmd.Meta()
		logger.ForSaga(s.log, h.SagaID, h.OrderNo).WarnContext(ctx, "command processing failed",
			"command_type", string(h.Type),
			"error", err,
		)
		return err
	}
	if result.Outcome == OutcomeDomainFailure {
		h := result.Reply.Meta()
		if failed, ok := result.Reply.(*protocol.Failed); ok {
			logger.ForSaga(s.log, h.SagaID, h.OrderNo).InfoContext(ctx, "command rejected",
				"reply_type", string(h.Type),
				"reason_code", string(failed.ReasonCode),
			)
		}
	}
	return s.producer.Send(ctx, result.Reply)
}
