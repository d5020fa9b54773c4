package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/messaging"
)

// DefaultStoreTimeout bounds a single dead-letter write.
const DefaultStoreTimeout = 2 * time.Second

// DeadLetterRecorder is a messaging.EventSink that writes every undelivered
// destination into a reliability.DeadLetterStore.
type DeadLetterRecorder struct {
	store   reliability.DeadLetterStore
	logger  *slog.Logger
	timeout time.Duration
}

// RecorderOption configures a DeadLetterRecorder
type RecorderOption func(*DeadLetterRecorder)

// WithRecorderLogger sets the logger used for store failures
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *DeadLetterRecorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStoreTimeout overrides DefaultStoreTimeout
func WithStoreTimeout(d time.Duration) RecorderOption {
	return func(r *DeadLetterRecorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewDeadLetterRecorder creates a recorder writing into store
func NewDeadLetterRecorder(store reliability.DeadLetterStore, opts ...RecorderOption) *DeadLetterRecorder {
	r := &DeadLetterRecorder{
		store:   store,
		logger:  slog.Default(),
		timeout: DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying dead-letter store
func (r *DeadLetterRecorder) Store() reliability.DeadLetterStore {
	return r.store
}

// Report implements messaging.EventSink. Only events that end a destination's
// life without delivery are recorded.
func (r *DeadLetterRecorder) Report(ev messaging.Event) {
	if ev.MessageID == "" {
		return
	}

	switch ev.Kind {
	case messaging.EventDestinationFailed:
		reason := reliability.ReasonPermanent
		if ev.ErrorKind == messaging.KindAdapterMissing {
			reason = reliability.ReasonNoAdapter
		}
		r.record(ev, reason, ev.Destination)

	case messaging.EventDropped:
		reason := reliability.ReasonExhausted
		if ev.ErrorKind == messaging.KindQueueFull {
			reason = reliability.ReasonQueueFull
		}
		r.record(ev, reason, ev.Destination)

	case messaging.EventRejected:
		r.record(ev, reliability.ReasonInvalid, nil)

	case messaging.EventAbandoned:
		if ev.Message == nil || len(ev.Message.Destinations) == 0 {
			r.record(ev, reliability.ReasonAbandoned, nil)
			return
		}
		for i := range ev.Message.Destinations {
			r.record(ev, reliability.ReasonAbandoned, &ev.Message.Destinations[i])
		}
	}
}

func (r *DeadLetterRecorder) record(ev messaging.Event, reason reliability.DeadLetterReason, dest *contracts.Destination) {
	dl := &reliability.DeadLetter{
		MessageID:  ev.MessageID,
		Reason:     reason,
		RetryCount: ev.RetryCount,
		Message:    ev.Message.Clone(),
		RecordedAt: ev.Time.UTC(),
	}
	if dest != nil {
		dl.Destination = *dest
	}
	if ev.Err != nil {
		dl.Error = ev.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.Store(ctx, dl); err != nil {
		r.logger.Error("failed to record dead letter",
			"messageId", ev.MessageID,
			"destination", dl.Destination.String(),
			"reason", reason,
			"error", err)
		return
	}

	r.logger.Debug("dead letter recorded",
		"id", dl.ID,
		"messageId", ev.MessageID,
		"destination", dl.Destination.String(),
		"reason", reason)
}

var _ messaging.EventSink = (*DeadLetterRecorder)(nil)
