package eventbus

import (
	"context"

	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/telemetry/tracing"
)

// EnvelopeHandler processes a decoded envelope.
type EnvelopeHandler func(ctx context.Context, envelope Envelope) error

// Unwrap adapts an EnvelopeHandler to a transport Handler. Messages that are
// not valid envelopes can never succeed, so they are logged and acknowledged
// instead of blocking their partition. The trace carried by the envelope
// continues in the handler's context.
func Unwrap(handler EnvelopeHandler) Handler {
	return func(ctx context.Context, msg Message) error {
		envelope, err := DecodeEnvelope(msg.Payload)
		if err != nil {
			logger.Global().Error("dropping malformed envelope",
				"channel", msg.Channel,
				"key", msg.Key,
				"error", err,
			)
			return nil
		}
		return handler(tracing.Extract(ctx, envelope.TraceContext), envelope)
	}
}
