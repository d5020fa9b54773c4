package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"transient", Transient("modem", errors.New("timeout")), KindTransient},
		{"wrapped permanent", fmt.Errorf("send: %w", Permanent("smtp", errors.New("550"))), KindPermanent},
		{"validation", &contracts.ValidationError{Field: "content", Reason: "is empty"}, KindValidation},
		{"adapter missing", &AdapterNotFoundError{Type: contracts.DestinationEmail}, KindAdapterMissing},
		{"not initialized", &NotInitializedError{Adapter: "modem", Op: "send"}, KindNotInitialized},
		{"initialization", &InitializationError{Adapter: "modem", Err: errors.New("no device")}, KindInitialization},
		{"queue full", &QueueFullError{Capacity: 1}, KindQueueFull},
		{"canceled", context.Canceled, KindCanceled},
		{"unclassified", errors.New("connection reset"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestDeliveryErrors(t *testing.T) {
	t.Run("constructors keep nil", func(t *testing.T) {
		assert.NoError(t, Transient("x", nil))
		assert.NoError(t, Permanent("x", nil))
	})

	t.Run("unwrap to cause", func(t *testing.T) {
		cause := errors.New("550 mailbox unavailable")
		err := Permanent("smtp", cause)

		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrPermanentDelivery)
		assert.False(t, IsRetryable(err))
		assert.Contains(t, err.Error(), "smtp")
	})

	t.Run("transient is retryable", func(t *testing.T) {
		err := Transient("telegram", errors.New("429"))
		assert.True(t, IsRetryable(err))

		var tErr *TransientDeliveryError
		require.ErrorAs(t, err, &tErr)
		assert.Equal(t, "telegram", tErr.Port)
		assert.True(t, tErr.IsRetryable())
	})
}

func TestLifecycle(t *testing.T) {
	var l Lifecycle
	l.SetName("modem")

	err := l.CheckInitialized("send")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Contains(t, err.Error(), "modem")
	assert.False(t, l.MarkShutdown(), "shutdown before initialize has nothing to release")

	var l2 Lifecycle
	l2.MarkInitialized()
	assert.True(t, l2.Initialized())
	assert.NoError(t, l2.CheckInitialized("send"))

	assert.True(t, l2.MarkShutdown())
	assert.False(t, l2.MarkShutdown())
	assert.ErrorIs(t, l2.CheckInitialized("send"), ErrNotInitialized)
}

func TestSinks(t *testing.T) {
	t.Run("multi sink fans out", func(t *testing.T) {
		a, b := &eventRecorder{}, &eventRecorder{}
		MultiSink{a, nil, b}.Report(Event{Kind: EventDelivered})

		assert.Equal(t, 1, a.count(EventDelivered))
		assert.Equal(t, 1, b.count(EventDelivered))
	})

	t.Run("terminal kinds", func(t *testing.T) {
		assert.True(t, EventDropped.Terminal())
		assert.True(t, EventCompleted.Terminal())
		assert.False(t, EventRetryScheduled.Terminal())
		assert.False(t, EventDelivered.Terminal())
	})

	t.Run("log sink writes structured records", func(t *testing.T) {
		var buf bytes.Buffer
		sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

		dest := contracts.Destination{Type: contracts.DestinationSMS, Address: "+1555"}
		sink.Report(Event{
			Kind:        EventDropped,
			MessageID:   "m1",
			Destination: &dest,
			RetryCount:  5,
			ErrorKind:   KindTransient,
			Err:         errors.New("no signal"),
		})

		out := buf.String()
		assert.Contains(t, out, "level=WARN")
		assert.Contains(t, out, "messageId=m1")
		assert.Contains(t, out, "destination=sms:+1555")
		assert.Contains(t, out, "retryCount=5")
		assert.Contains(t, out, `error="no signal"`)
	})
}
