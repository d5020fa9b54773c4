package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMessage is matched by every ValidationError.
var ErrInvalidMessage = errors.New("contracts: invalid message")

// ValidationError describes why a message was rejected before queueing.
type ValidationError struct {
	MessageID string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("invalid message %s: %s %s", e.MessageID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidMessage) match any validation error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidMessage
}

// Validate checks the structural rules the router relies on. Address formats are
// left to the ports.
func (m *Message) Validate() error {
	if m == nil {
		return &ValidationError{Field: "message", Reason: "is nil"}
	}
	if strings.TrimSpace(m.Content) == "" {
		return &ValidationError{MessageID: m.ID, Field: "content", Reason: "is empty"}
	}
	if len(m.Destinations) == 0 {
		return &ValidationError{MessageID: m.ID, Field: "destinations", Reason: "are missing"}
	}
	for i, d := range m.Destinations {
		if d.Type == "" {
			return &ValidationError{MessageID: m.ID, Field: fmt.Sprintf("destinations[%d].type", i), Reason: "is empty"}
		}
		if d.Address == "" {
			return &ValidationError{MessageID: m.ID, Field: fmt.Sprintf("destinations[%d].address", i), Reason: "is empty"}
		}
	}
	if m.RetryCount < 0 {
		return &ValidationError{MessageID: m.ID, Field: "retryCount", Reason: "is negative"}
	}
	return nil
}
