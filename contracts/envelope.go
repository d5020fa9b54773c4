package contracts

import "time"

// EnvelopeType tags gateway messages on shared brokers.
const EnvelopeType = "gateway.message"

// Envelope wraps a message for broker transports. One envelope is published per
// destination, so Destination names the target the publisher was asked to reach.
type Envelope struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Timestamp   time.Time         `json:"timestamp"`
	Destination *Destination      `json:"destination,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        Message           `json:"body"`
}

// NewEnvelope wraps msg for delivery to dest.
func NewEnvelope(msg *Message, dest Destination) *Envelope {
	d := dest
	return &Envelope{
		ID:          msg.ID,
		Type:        EnvelopeType,
		Timestamp:   time.Now().UTC(),
		Destination: &d,
		Body:        *msg.Clone(),
	}
}
