// Package nats is a port publishing gateway messages on NATS subjects and,
// optionally, receiving them through a queue subscription.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/wire"
	"github.com/glimte/mmate-gateway/messaging"
)

// Kind is the factory key of the nats adapter
const Kind = "nats"

// Header names set on published messages
const (
	HeaderMessageID  = "Nats-Msg-Id"
	HeaderSender     = "Gateway-Sender"
	HeaderRetryCount = "Gateway-Retry-Count"
)

// Settings of a nats adapter
type Settings struct {
	URL            string        `mapstructure:"url"`
	Subject        string        `mapstructure:"subject"`
	InboundSubject string        `mapstructure:"inbound_subject"`
	QueueGroup     string        `mapstructure:"queue_group"`
	ClientName     string        `mapstructure:"client_name"`
	Token          string        `mapstructure:"token"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	FlushTimeout   time.Duration `mapstructure:"flush_timeout"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	InboundBuffer  int           `mapstructure:"inbound_buffer"`
}

// DefaultSettings connects to a local server and flushes every publish.
func DefaultSettings() Settings {
	return Settings{
		URL:            natsgo.DefaultURL,
		Subject:        "gateway.messages",
		ConnectTimeout: 5 * time.Second,
		FlushTimeout:   2 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  60,
		InboundBuffer:  64,
	}
}

// Validate checks required settings
func (s Settings) Validate() error {
	if s.URL == "" {
		return errors.New("url is required")
	}
	if s.Subject == "" {
		return errors.New("subject is required")
	}
	if s.QueueGroup != "" && s.InboundSubject == "" {
		return errors.New("queue_group requires inbound_subject")
	}
	if s.InboundBuffer <= 0 {
		return fmt.Errorf("inbound_buffer must be positive, got %d", s.InboundBuffer)
	}
	return nil
}

func (s Settings) options(name string, logger *slog.Logger) []natsgo.Option {
	clientName := s.ClientName
	if clientName == "" {
		clientName = "gateway-" + name
	}
	opts := []natsgo.Option{
		natsgo.Name(clientName),
		natsgo.Timeout(s.ConnectTimeout),
		natsgo.ReconnectWait(s.ReconnectWait),
		natsgo.MaxReconnects(s.MaxReconnects),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
	}
	if s.Token != "" {
		opts = append(opts, natsgo.Token(s.Token))
	}
	if s.User != "" {
		opts = append(opts, natsgo.UserInfo(s.User, s.Password))
	}
	return opts
}

// Port is the nats adapter
type Port struct {
	messaging.Lifecycle

	name     string
	settings Settings
	logger   *slog.Logger

	mu sync.Mutex
	nc *natsgo.Conn
}

// Option configures a Port
type Option func(*Port)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Port) {
		p.logger = logger
	}
}

// New creates an uninitialized nats port
func New(cfg messaging.AdapterConfig, opts ...Option) *Port {
	p := &Port{name: cfg.Name, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.SetName(cfg.Name)
	return p
}

// Factory returns a messaging.Factory building nats ports
func Factory(logger *slog.Logger) messaging.Factory {
	return func(cfg messaging.AdapterConfig) (messaging.Port, error) {
		return New(cfg, WithLogger(logger)), nil
	}
}

func (p *Port) Name() string { return p.name }

// Initialize connects to the server
func (p *Port) Initialize(ctx context.Context, cfg messaging.AdapterConfig) error {
	s := DefaultSettings()
	if err := cfg.DecodeSettings(&s); err != nil {
		return &messaging.InitializationError{Adapter: p.name, Err: err}
	}
	if err := s.Validate(); err != nil {
		return &messaging.InitializationError{Adapter: p.name, Err: err}
	}
	p.settings = s
	p.logger = p.logger.With("adapter", p.name)

	nc, err := natsgo.Connect(s.URL, s.options(p.name, p.logger)...)
	if err != nil {
		return &messaging.InitializationError{Adapter: p.name, Err: err}
	}

	p.mu.Lock()
	p.nc = nc
	p.mu.Unlock()
	p.MarkInitialized()
	p.logger.Info("nats adapter initialized", "url", nc.ConnectedUrlRedacted(), "subject", s.Subject)
	return nil
}

func (p *Port) conn(op string) (*natsgo.Conn, error) {
	if err := p.CheckInitialized(op); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc == nil {
		return nil, &messaging.NotInitializedError{Adapter: p.name, Op: op}
	}
	return p.nc, nil
}

func (p *Port) subject(dest contracts.Destination) string {
	if dest.Address != "" {
		return dest.Address
	}
	return p.settings.Subject
}

// SendMessage publishes one envelope and flushes it to the server. The
// destination address, when set, is the subject.
func (p *Port) SendMessage(ctx context.Context, msg *contracts.Message, dest contracts.Destination) (*contracts.Receipt, error) {
	nc, err := p.conn("send")
	if err != nil {
		return nil, err
	}

	body, err := wire.Encode(msg, dest)
	if err != nil {
		return nil, messaging.Permanent(p.name, err)
	}

	id := nuid.Next()
	out := natsgo.NewMsg(p.subject(dest))
	out.Data = body
	out.Header.Set(HeaderMessageID, id)
	out.Header.Set(HeaderSender, msg.Sender)
	out.Header.Set(HeaderRetryCount, strconv.Itoa(msg.RetryCount))

	if err := nc.PublishMsg(out); err != nil {
		return nil, p.classify(err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, p.settings.FlushTimeout)
	defer cancel()
	if err := nc.FlushWithContext(flushCtx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, messaging.Transient(p.name, fmt.Errorf("flush: %w", err))
	}

	p.logger.Debug("published message", "messageId", msg.ID, "subject", out.Subject, "natsId", id)
	return contracts.NewReceipt(msg, dest, p.name, id), nil
}

func (p *Port) classify(err error) error {
	switch {
	case errors.Is(err, natsgo.ErrBadSubject),
		errors.Is(err, natsgo.ErrMaxPayload),
		errors.Is(err, natsgo.ErrHeadersNotSupported):
		return messaging.Permanent(p.name, err)
	}
	return messaging.Transient(p.name, err)
}

// Receive subscribes to the inbound subject, in the queue group when one is
// configured, and decodes each payload. Without an inbound subject it only
// waits for ctx. Undecodable payloads are logged and skipped.
func (p *Port) Receive(ctx context.Context, out chan<- *contracts.Message) error {
	nc, err := p.conn("receive")
	if err != nil {
		return err
	}
	if p.settings.InboundSubject == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	ch := make(chan *natsgo.Msg, p.settings.InboundBuffer)
	var sub *natsgo.Subscription
	if p.settings.QueueGroup != "" {
		sub, err = nc.ChanQueueSubscribe(p.settings.InboundSubject, p.settings.QueueGroup, ch)
	} else {
		sub, err = nc.ChanSubscribe(p.settings.InboundSubject, ch)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p.settings.InboundSubject, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
			p.logger.Warn("unsubscribe failed", "error", err)
		}
	}()

	p.logger.Info("subscribed", "subject", p.settings.InboundSubject, "queueGroup", p.settings.QueueGroup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-ch:
			msg, err := wire.Decode(m.Data)
			if err != nil {
				p.logger.Warn("discarding undecodable payload", "subject", m.Subject, "error", err)
				continue
			}
			if msg.Metadata == nil {
				msg.Metadata = map[string]string{}
			}
			msg.Metadata["nats_subject"] = m.Subject

			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Ping checks the connection status and round-trips a flush
func (p *Port) Ping(ctx context.Context) error {
	nc, err := p.conn("ping")
	if err != nil {
		return err
	}
	if status := nc.Status(); status != natsgo.CONNECTED {
		return fmt.Errorf("nats: connection %s", status)
	}
	return nc.FlushTimeout(p.settings.FlushTimeout)
}

// Shutdown drains subscriptions and closes the connection
func (p *Port) Shutdown(ctx context.Context) error {
	if !p.MarkShutdown() {
		return nil
	}
	p.mu.Lock()
	nc := p.nc
	p.nc = nil
	p.mu.Unlock()

	if nc == nil {
		return nil
	}
	defer nc.Close()
	if err := nc.FlushTimeout(p.settings.FlushTimeout); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
		return fmt.Errorf("nats: flush on shutdown: %w", err)
	}
	p.logger.Info("nats adapter shut down")
	return nil
}
