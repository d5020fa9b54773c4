package nats

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/wire"
	"github.com/glimte/mmate-gateway/messaging"
)

var (
	_ messaging.InboundPort = (*Port)(nil)
	_ messaging.HealthPort  = (*Port)(nil)
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

func newTestPort(t *testing.T, s *server.Server, settings map[string]any) *Port {
	t.Helper()
	merged := map[string]any{"url": s.ClientURL(), "max_reconnects": 0}
	for k, v := range settings {
		merged[k] = v
	}
	cfg := messaging.AdapterConfig{Name: "bus", Kind: Kind, Type: contracts.DestinationNATS, Enabled: true, Settings: merged}
	p := New(cfg)
	require.NoError(t, p.Initialize(context.Background(), cfg))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestSendMessage(t *testing.T) {
	s := runServer(t)
	p := newTestPort(t, s, nil)

	client, err := natsgo.Connect(s.ClientURL())
	require.NoError(t, err)
	defer client.Close()

	t.Run("publishes to the default subject", func(t *testing.T) {
		sub, err := client.SubscribeSync("gateway.messages")
		require.NoError(t, err)
		require.NoError(t, client.Flush())

		dest := contracts.Destination{Type: contracts.DestinationNATS}
		msg := contracts.NewMessage("+4712345678", "tank full", dest)
		receipt, err := p.SendMessage(context.Background(), msg, dest)
		require.NoError(t, err)
		assert.NotEmpty(t, receipt.ProviderID)

		got, err := sub.NextMsg(time.Second)
		require.NoError(t, err)
		assert.Equal(t, receipt.ProviderID, got.Header.Get(HeaderMessageID))
		assert.Equal(t, "+4712345678", got.Header.Get(HeaderSender))

		decoded, err := wire.Decode(got.Data)
		require.NoError(t, err)
		assert.Equal(t, msg.ID, decoded.ID)
		assert.Equal(t, "tank full", decoded.Content)
	})

	t.Run("destination address overrides the subject", func(t *testing.T) {
		sub, err := client.SubscribeSync("alerts.pump")
		require.NoError(t, err)
		require.NoError(t, client.Flush())

		dest := contracts.Destination{Type: contracts.DestinationNATS, Address: "alerts.pump"}
		_, err = p.SendMessage(context.Background(), contracts.NewMessage("a", "b", dest), dest)
		require.NoError(t, err)

		_, err = sub.NextMsg(time.Second)
		assert.NoError(t, err)
	})

	t.Run("classifies publish errors", func(t *testing.T) {
		assert.Equal(t, messaging.KindPermanent, messaging.ClassifyError(p.classify(natsgo.ErrBadSubject)))
		assert.Equal(t, messaging.KindPermanent, messaging.ClassifyError(p.classify(natsgo.ErrMaxPayload)))
		assert.Equal(t, messaging.KindTransient, messaging.ClassifyError(p.classify(natsgo.ErrConnectionClosed)))
	})
}

func TestReceive(t *testing.T) {
	s := runServer(t)
	p := newTestPort(t, s, map[string]any{"inbound_subject": "gateway.inbound", "queue_group": "gateways"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan *contracts.Message)
	done := make(chan error, 1)
	go func() { done <- p.Receive(ctx, out) }()

	client, err := natsgo.Connect(s.ClientURL())
	require.NoError(t, err)
	defer client.Close()

	dest := contracts.Destination{Type: contracts.DestinationSMS, Address: "+4712345678"}
	body, err := wire.Encode(contracts.NewMessage("ops", "restart pump", dest), dest)
	require.NoError(t, err)

	// the subscription is set up asynchronously
	var msg *contracts.Message
	require.Eventually(t, func() bool {
		_ = client.Publish("gateway.inbound", []byte("not json"))
		_ = client.Publish("gateway.inbound", body)
		select {
		case msg = <-out:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "restart pump", msg.Content)
	assert.Equal(t, "gateway.inbound", msg.Metadata["nats_subject"])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPing(t *testing.T) {
	s := runServer(t)
	p := newTestPort(t, s, nil)

	require.NoError(t, p.Ping(context.Background()))

	s.Shutdown()
	require.Eventually(t, func() bool {
		return p.Ping(context.Background()) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInitialize(t *testing.T) {
	t.Run("unreachable server", func(t *testing.T) {
		cfg := messaging.AdapterConfig{Name: "bus", Settings: map[string]any{
			"url":             "nats://127.0.0.1:1",
			"connect_timeout": "100ms",
		}}
		err := New(cfg).Initialize(context.Background(), cfg)
		assert.ErrorIs(t, err, messaging.ErrInitialization)
	})

	t.Run("queue group needs inbound subject", func(t *testing.T) {
		cfg := messaging.AdapterConfig{Name: "bus", Settings: map[string]any{"queue_group": "gateways"}}
		assert.ErrorIs(t, New(cfg).Initialize(context.Background(), cfg), messaging.ErrInitialization)
	})

	t.Run("send before initialize", func(t *testing.T) {
		p := New(messaging.AdapterConfig{Name: "bus"})
		dest := contracts.Destination{Type: contracts.DestinationNATS}
		_, err := p.SendMessage(context.Background(), contracts.NewMessage("a", "b", dest), dest)
		assert.ErrorIs(t, err, messaging.ErrNotInitialized)
	})
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := runServer(t)
	p := newTestPort(t, s, nil)

	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Ping(context.Background()), messaging.ErrNotInitialized)
}
