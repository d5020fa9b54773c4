// Package wire encodes gateway messages for broker transports.
package wire

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/glimte/mmate-gateway/contracts"
)

// ContentType is set on published payloads.
const ContentType = "application/json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrEmptyPayload is returned when decoding zero bytes
	ErrEmptyPayload = errors.New("wire: empty payload")
	// ErrUnknownType is returned for envelopes of a foreign type
	ErrUnknownType = errors.New("wire: unknown envelope type")
)

// Encode wraps msg in an envelope addressed to dest.
func Encode(msg *contracts.Message, dest contracts.Destination) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("wire: encode: %w", contracts.ErrInvalidMessage)
	}
	return json.Marshal(contracts.NewEnvelope(msg, dest))
}

// Decode accepts either an envelope or a bare message object and returns the
// carried message. Validation is left to the router.
func Decode(data []byte) (*contracts.Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var probe struct {
		Type string              `json:"type"`
		Body jsoniter.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}

	payload := data
	switch probe.Type {
	case contracts.EnvelopeType:
		payload = probe.Body
	case "":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}

	var msg contracts.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("wire: decode message: %w", err)
	}
	return &msg, nil
}

// Marshal encodes v with the gateway's JSON configuration.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data into v with the gateway's JSON configuration.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
