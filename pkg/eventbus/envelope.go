package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersionV1 is the initial saga message schema.
	SchemaVersionV1 = "v1"
)

// Envelope wraps every saga message on the wire.
type Envelope struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	Timestamp     time.Time         `json:"timestamp"`
	SchemaVersion string            `json:"schema_version"`
	NodeID        string            `json:"node_id"`
	Channel       string            `json:"channel"`
	OrderingKey   string            `json:"ordering_key"`
	Sequence      int64             `json:"sequence"`
	TraceContext  map[string]string `json:"trace_context,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// BuildEnvelopeInput is used to construct a new envelope.
type BuildEnvelopeInput struct {
	EventType     string
	SchemaVersion string
	NodeID        string
	Channel       string
	OrderingKey   string
	Sequence      int64
	TraceContext  map[string]string
	Payload       []byte
}

// BuildEnvelope creates an envelope with a generated event identity.
func BuildEnvelope(input BuildEnvelopeInput) (Envelope, error) {
	if input.EventType == "" {
		return Envelope{}, fmt.Errorf("eventbus: event type is required")
	}
	if input.NodeID == "" {
		return Envelope{}, fmt.Errorf("eventbus: node id is required")
	}
	if input.OrderingKey == "" {
		return Envelope{}, fmt.Errorf("eventbus: ordering key is required")
	}
	if input.Sequence <= 0 {
		return Envelope{}, fmt.Errorf("eventbus: sequence must be > 0")
	}
	if !json.Valid(input.Payload) {
		return Envelope{}, fmt.Errorf("eventbus: payload must be valid json")
	}
	if input.SchemaVersion == "" {
		input.SchemaVersion = SchemaVersionV1
	}

	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     input.EventType,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: input.SchemaVersion,
		NodeID:        input.NodeID,
		Channel:       input.Channel,
		OrderingKey:   input.OrderingKey,
		Sequence:      input.Sequence,
		TraceContext:  input.TraceContext,
		Payload:       append(json.RawMessage(nil), input.Payload...),
	}, nil
}

// DecodeEnvelope parses and validates a raw envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("eventbus: invalid envelope json: %w", err)
	}
	if envelope.SchemaVersion != SchemaVersionV1 {
		return Envelope{}, fmt.Errorf("eventbus: unsupported schema version %q", envelope.SchemaVersion)
	}
	if envelope.EventType == "" || envelope.OrderingKey == "" {
		return Envelope{}, fmt.Errorf("eventbus: envelope missing event type or ordering key")
	}
	return envelope, nil
}
