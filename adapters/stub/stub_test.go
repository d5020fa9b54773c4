package stub

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ messaging.InboundPort = (*Port)(nil)
	_ messaging.HealthPort  = (*Port)(nil)
)

func initPort(t *testing.T, settings map[string]any) *Port {
	t.Helper()
	cfg := messaging.AdapterConfig{Name: "stub", Kind: Kind, Type: contracts.DestinationChat, Enabled: true, Settings: settings}
	p := New(cfg)
	require.NoError(t, p.Initialize(context.Background(), cfg))
	return p
}

func TestInitialize(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := initPort(t, nil)
		assert.Equal(t, DefaultSettings(), p.Settings())
	})

	t.Run("rejects out of range probability", func(t *testing.T) {
		cfg := messaging.AdapterConfig{Name: "stub", Settings: map[string]any{"message_probability": 1.5}}
		err := New(cfg).Initialize(context.Background(), cfg)
		assert.ErrorIs(t, err, messaging.ErrInitialization)
	})

	t.Run("rejects short delay", func(t *testing.T) {
		cfg := messaging.AdapterConfig{Name: "stub", Settings: map[string]any{"delay": "10ms"}}
		err := New(cfg).Initialize(context.Background(), cfg)
		assert.ErrorIs(t, err, messaging.ErrInitialization)
	})
}

func TestSendMessage(t *testing.T) {
	dest := contracts.Destination{Type: contracts.DestinationChat, Address: "42"}
	msg := contracts.NewMessage("+15551234567", "hello", dest)

	t.Run("before initialize", func(t *testing.T) {
		_, err := New(messaging.AdapterConfig{Name: "stub"}).SendMessage(context.Background(), msg, dest)
		assert.ErrorIs(t, err, messaging.ErrNotInitialized)
	})

	t.Run("accepts messages", func(t *testing.T) {
		p := initPort(t, nil)
		receipt, err := p.SendMessage(context.Background(), msg, dest)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, receipt.MessageID)
		assert.Equal(t, "stub", receipt.Port)
		assert.Equal(t, int64(1), p.Sent())
	})

	t.Run("fail modes", func(t *testing.T) {
		p := initPort(t, map[string]any{"fail_mode": FailTransient})
		_, err := p.SendMessage(context.Background(), msg, dest)
		assert.Equal(t, messaging.KindTransient, messaging.ClassifyError(err))

		p = initPort(t, map[string]any{"fail_mode": FailPermanent})
		_, err = p.SendMessage(context.Background(), msg, dest)
		assert.Equal(t, messaging.KindPermanent, messaging.ClassifyError(err))
	})
}

func TestReceive(t *testing.T) {
	p := initPort(t, map[string]any{
		"message_probability": 1.0,
		"delay":               "100ms",
		"target_type":         "sms",
		"target_address":      "+4799999999",
	})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan *contracts.Message, 1)
	done := make(chan error, 1)
	go func() { done <- p.Receive(ctx, out) }()

	select {
	case msg := <-out:
		require.NoError(t, msg.Validate())
		assert.Equal(t, "Test message 1 from stub", msg.Content)
		assert.Equal(t, contracts.DestinationSMS, msg.Destinations[0].Type)
		assert.Equal(t, "+4799999999", msg.Destinations[0].Address)
	case <-time.After(2 * time.Second):
		t.Fatal("no message generated")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReceiveNeverFiresAtZeroProbability(t *testing.T) {
	p := initPort(t, map[string]any{"message_probability": 0, "delay": "100ms"})
	p.random = func() float64 { return 0 }

	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()
	out := make(chan *contracts.Message, 1)

	assert.ErrorIs(t, p.Receive(ctx, out), context.DeadlineExceeded)
	assert.Empty(t, out)
}

func TestShutdown(t *testing.T) {
	p := initPort(t, nil)
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Ping(context.Background()), messaging.ErrNotInitialized)
}
