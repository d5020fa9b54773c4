package contracts

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DestinationType identifies the transport class a destination is delivered through.
// The set is open: adapters may serve types not listed here.
type DestinationType string

const (
	DestinationSMS   DestinationType = "sms"
	DestinationChat  DestinationType = "chat"
	DestinationEmail DestinationType = "email"
	DestinationAMQP  DestinationType = "amqp"
	DestinationNATS  DestinationType = "nats"
)

// Priority orders messages for fairness only. Queues must stay correct under strict FIFO.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Destination is a single delivery target. The address format is validated by the
// port serving the destination type, not by the router.
type Destination struct {
	Type    DestinationType `json:"type"`
	Address string          `json:"address"`
}

func (d Destination) String() string {
	return string(d.Type) + ":" + d.Address
}

// Message is the unit routed between adapters.
type Message struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Sender       string            `json:"sender"`
	Destinations []Destination     `json:"destinations"`
	Priority     Priority          `json:"priority"`
	RetryCount   int               `json:"retryCount"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastRetryAt  *time.Time        `json:"lastRetryAt,omitempty"`
	NextRetryAt  *time.Time        `json:"nextRetryAt,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewMessage creates a message with a generated ID and the current timestamp
func NewMessage(sender, content string, destinations ...Destination) *Message {
	return &Message{
		ID:           uuid.New().String(),
		Content:      content,
		Sender:       sender,
		Destinations: destinations,
		Priority:     PriorityNormal,
		CreatedAt:    time.Now().UTC(),
	}
}

// Normalize fills generated fields that an adapter may have left empty and trims
// whitespace around destination addresses. It never overwrites an existing ID or
// creation time.
func (m *Message) Normalize() {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Priority < PriorityNormal {
		m.Priority = PriorityNormal
	}
	for i := range m.Destinations {
		m.Destinations[i].Address = strings.TrimSpace(m.Destinations[i].Address)
		m.Destinations[i].Type = DestinationType(strings.ToLower(strings.TrimSpace(string(m.Destinations[i].Type))))
	}
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Destinations = append([]Destination(nil), m.Destinations...)
	if m.LastRetryAt != nil {
		t := *m.LastRetryAt
		c.LastRetryAt = &t
	}
	if m.NextRetryAt != nil {
		t := *m.NextRetryAt
		c.NextRetryAt = &t
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// WithDestinations returns a copy of the message carrying only the given destinations.
func (m *Message) WithDestinations(destinations []Destination) *Message {
	c := m.Clone()
	c.Destinations = append([]Destination(nil), destinations...)
	return c
}

// Addresses lists destination addresses in order, for logging.
func (m *Message) Addresses() []string {
	out := make([]string, 0, len(m.Destinations))
	for _, d := range m.Destinations {
		out = append(out, d.Address)
	}
	return out
}

// Preview returns at most n runes of the content.
func (m *Message) Preview(n int) string {
	r := []rune(m.Content)
	if len(r) <= n {
		return m.Content
	}
	return string(r[:n]) + "..."
}

// Receipt acknowledges a single successful delivery to one destination.
type Receipt struct {
	MessageID   string      `json:"messageId"`
	Destination Destination `json:"destination"`
	Port        string      `json:"port"`
	ProviderID  string      `json:"providerId,omitempty"`
	DeliveredAt time.Time   `json:"deliveredAt"`
}

// NewReceipt builds a receipt stamped with the current time.
func NewReceipt(msg *Message, dest Destination, port, providerID string) *Receipt {
	return &Receipt{
		MessageID:   msg.ID,
		Destination: dest,
		Port:        port,
		ProviderID:  providerID,
		DeliveredAt: time.Now().UTC(),
	}
}
