package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
)

// EventKind names a step in a message's life inside the router.
type EventKind string

const (
	EventReceived          EventKind = "received"
	EventEnqueued          EventKind = "enqueued"
	EventRejected          EventKind = "rejected"
	EventBackpressure      EventKind = "backpressure"
	EventDequeued          EventKind = "dequeued"
	EventDelivered         EventKind = "delivered"
	EventDestinationFailed EventKind = "destination_failed"
	EventRetryScheduled    EventKind = "retry_scheduled"
	EventCompleted         EventKind = "completed"
	EventDropped           EventKind = "dropped"
	EventAbandoned         EventKind = "abandoned"
)

// Terminal reports whether the event ends the message's (or destination's) life.
func (k EventKind) Terminal() bool {
	switch k {
	case EventRejected, EventDestinationFailed, EventCompleted, EventDropped, EventAbandoned:
		return true
	}
	return false
}

// Event is reported to an EventSink for every routing decision.
type Event struct {
	Kind        EventKind
	MessageID   string
	Destination *contracts.Destination
	Port        string
	RetryCount  int
	Delay       time.Duration
	Latency     time.Duration
	ErrorKind   ErrorKind
	Err         error
	Message     *contracts.Message
	Time        time.Time
}

// EventSink receives router events. Report must not block for long; it is
// called from the delivery loop.
type EventSink interface {
	Report(ev Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Report(ev Event) { f(ev) }

// NopSink discards events
type NopSink struct{}

func (NopSink) Report(Event) {}

// MultiSink fans events out to several sinks in order
type MultiSink []EventSink

func (m MultiSink) Report(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Report(ev)
		}
	}
}

// LogSink writes events to a slog logger. Terminal failures log at warn,
// routine steps at debug.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink creates a LogSink; a nil logger selects slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Report(ev Event) {
	level := slog.LevelDebug
	switch ev.Kind {
	case EventDropped, EventDestinationFailed, EventRejected, EventAbandoned, EventBackpressure:
		level = slog.LevelWarn
	case EventDelivered, EventRetryScheduled:
		level = slog.LevelInfo
	}

	attrs := []slog.Attr{
		slog.String("event", string(ev.Kind)),
		slog.String("messageId", ev.MessageID),
		slog.Int("retryCount", ev.RetryCount),
	}
	if ev.Destination != nil {
		attrs = append(attrs, slog.String("destination", ev.Destination.String()))
	}
	if ev.Port != "" {
		attrs = append(attrs, slog.String("port", ev.Port))
	}
	if ev.Delay > 0 {
		attrs = append(attrs, slog.Duration("delay", ev.Delay))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("errorKind", string(ev.ErrorKind)), slog.String("error", ev.Err.Error()))
	}

	s.Logger.LogAttrs(context.Background(), level, "message "+string(ev.Kind), attrs...)
}
