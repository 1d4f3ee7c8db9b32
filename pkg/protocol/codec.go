package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned for a message whose discriminator is not known.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Decode parses a message into its concrete variant.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}
	v, ok := registry[head.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	msg := v.new()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", head.Type, err)
	}
	if msg.Meta().SagaID == "" {
		return nil, fmt.Errorf("protocol: %s without sagaId", head.Type)
	}
	return msg, nil
}

// Encode marshals a message after checking its discriminator.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("protocol: nil message")
	}
	h := msg.Meta()
	if _, ok := registry[h.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
	if h.SagaID == "" {
		return nil, fmt.Errorf("protocol: %s without sagaId", h.Type)
	}
	return json.Marshal(msg)
}
