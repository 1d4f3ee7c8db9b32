package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ordersaga/ordersaga/pkg/telemetry/tracing"
)

// Telemetry records event-bus publish behavior.
type Telemetry interface {
	RecordPublish(channel, status string)
	RecordRetry(channel string)
	SetDegradedMode(active bool)
	RecordOutage()
	RecordRecovery()
}

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(string, string) {}
func (nopTelemetry) RecordRetry(string)           {}
func (nopTelemetry) SetDegradedMode(bool)         {}
func (nopTelemetry) RecordOutage()                {}
func (nopTelemetry) RecordRecovery()              {}

// retryJitter spreads retries of publishers that failed together.
const retryJitter = 0.2

// RetryConfig controls the backoff of publish attempts and of redelivery to a
// failing handler. MaxRetries bounds publish attempts only; redelivery goes on
// until the handler succeeds or the subscription ends.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

func (r RetryConfig) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     r.InitialBackoff,
		RandomizationFactor: retryJitter,
		Multiplier:          r.BackoffFactor,
		MaxInterval:         r.MaxBackoff,
	}
}

func (r RetryConfig) validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("eventbus: max retries cannot be negative")
	}
	if r.InitialBackoff <= 0 || r.MaxBackoff <= 0 || r.BackoffFactor < 1 {
		return fmt.Errorf("eventbus: invalid retry config")
	}
	return nil
}

// Publisher wraps payloads in envelopes and publishes them with retry and
// degraded-mode tracking.
type Publisher struct {
	transport Transport
	nodeID    string
	retry     RetryConfig
	telemetry Telemetry

	sequence atomic.Int64

	mu       sync.Mutex
	degraded bool
}

// NewPublisher creates a publisher over transport.
func NewPublisher(nodeID string, transport Transport, retry RetryConfig, telemetry Telemetry) (*Publisher, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("eventbus: node id cannot be empty")
	}
	if transport == nil {
		return nil, fmt.Errorf("eventbus: transport cannot be nil")
	}
	if err := retry.validate(); err != nil {
		return nil, err
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	return &Publisher{
		transport: transport,
		nodeID:    nodeID,
		retry:     retry,
		telemetry: telemetry,
	}, nil
}

// Publish sends payload on channel keyed by key. Sequence numbers increase
// monotonically per publisher, so they also increase per key.
func (p *Publisher) Publish(ctx context.Context, channel, key, eventType string, payload []byte) (_ Envelope, err error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if channel == "" {
		return Envelope{}, fmt.Errorf("eventbus: channel cannot be empty")
	}
	ctx, span := tracing.Start(ctx, "eventbus", "eventbus.publish",
		tracing.AttrChannel.String(channel),
		tracing.AttrMessageType.String(eventType),
	)
	defer func() { tracing.End(span, err) }()

	envelope, err := BuildEnvelope(BuildEnvelopeInput{
		EventType:    eventType,
		NodeID:       p.nodeID,
		Channel:      channel,
		OrderingKey:  key,
		Sequence:     p.sequence.Add(1),
		TraceContext: tracing.Inject(ctx),
		Payload:      payload,
	})
	if err != nil {
		return Envelope{}, err
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal envelope: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.transport.Publish(ctx, channel, key, body)
	},
		backoff.WithBackOff(p.retry.backOff()),
		backoff.WithMaxTries(uint(p.retry.MaxRetries)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(error, time.Duration) {
			p.telemetry.RecordRetry(channel)
			p.onPublishOutage()
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Envelope{}, ctxErr
		}
		p.telemetry.RecordPublish(channel, "failed")
		p.onPublishOutage()
		return Envelope{}, fmt.Errorf("eventbus: publish to %s failed: %w", channel, err)
	}
	p.telemetry.RecordPublish(channel, "success")
	p.onPublishRecovered()
	return envelope, nil
}

// Subscribe consumes channel, handing decoded envelopes to handler.
func (p *Publisher) Subscribe(ctx context.Context, channel, group string, handler EnvelopeHandler) error {
	return p.transport.Subscribe(ctx, channel, group, Unwrap(handler))
}

// Healthy reports transport health.
func (p *Publisher) Healthy(ctx context.Context) error {
	return p.transport.Healthy(ctx)
}

// Degraded reports whether the publisher currently considers the bus degraded.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Publisher) onPublishOutage() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded {
		return
	}
	p.degraded = true
	p.telemetry.SetDegradedMode(true)
	p.telemetry.RecordOutage()
}

func (p *Publisher) onPublishRecovered() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.degraded {
		return
	}
	p.degraded = false
	p.telemetry.SetDegradedMode(false)
	p.telemetry.RecordRecovery()
}
