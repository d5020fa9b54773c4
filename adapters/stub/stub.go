// Package stub provides a port that generates test traffic and logs what it
// is asked to send.
package stub

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
)

// Kind is the factory key of the stub adapter
const Kind = "stub"

// Failure modes for SendMessage
const (
	FailNone      = "none"
	FailTransient = "transient"
	FailPermanent = "permanent"
)

// Settings of a stub adapter
type Settings struct {
	MessageProbability float64       `mapstructure:"message_probability"`
	Delay              time.Duration `mapstructure:"delay"`
	TargetType         string        `mapstructure:"target_type"`
	TargetAddress      string        `mapstructure:"target_address"`
	FailMode           string        `mapstructure:"fail_mode"`
}

// DefaultSettings mirrors the generator defaults: one message in ten, one
// attempt per second, addressed to a chat.
func DefaultSettings() Settings {
	return Settings{
		MessageProbability: 0.1,
		Delay:              time.Second,
		TargetType:         string(contracts.DestinationChat),
		TargetAddress:      "1234567890",
		FailMode:           FailNone,
	}
}

// Validate checks setting bounds
func (s Settings) Validate() error {
	if s.MessageProbability < 0 || s.MessageProbability > 1 {
		return fmt.Errorf("message_probability must be within [0, 1], got %v", s.MessageProbability)
	}
	if s.Delay < 100*time.Millisecond {
		return fmt.Errorf("delay must be at least 100ms, got %s", s.Delay)
	}
	switch s.FailMode {
	case FailNone, FailTransient, FailPermanent:
	default:
		return fmt.Errorf("unknown fail_mode %q", s.FailMode)
	}
	return nil
}

// Port is the stub adapter
type Port struct {
	messaging.Lifecycle

	name     string
	settings Settings
	logger   *slog.Logger
	random   func() float64
	counter  atomic.Int64
	sent     atomic.Int64
}

// Option configures a Port
type Option func(*Port)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Port) {
		p.logger = logger
	}
}

// New creates an uninitialized stub port
func New(cfg messaging.AdapterConfig, opts ...Option) *Port {
	p := &Port{
		name:   cfg.Name,
		logger: slog.Default(),
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.SetName(cfg.Name)
	return p
}

// Factory returns a messaging.Factory building stub ports
func Factory(logger *slog.Logger) messaging.Factory {
	return func(cfg messaging.AdapterConfig) (messaging.Port, error) {
		return New(cfg, WithLogger(logger)), nil
	}
}

func (p *Port) Name() string { return p.name }

// Settings returns the decoded settings
func (p *Port) Settings() Settings { return p.settings }

// Sent returns how many messages were accepted by SendMessage
func (p *Port) Sent() int64 { return p.sent.Load() }

// Initialize decodes and validates the settings
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
	p.MarkInitialized()
	p.logger.Info("stub adapter initialized",
		"messageProbability", s.MessageProbability,
		"delay", s.Delay)
	return nil
}

// SendMessage logs the message, or fails as configured by fail_mode
func (p *Port) SendMessage(ctx context.Context, msg *contracts.Message, dest contracts.Destination) (*contracts.Receipt, error) {
	if err := p.CheckInitialized("send"); err != nil {
		return nil, err
	}

	switch p.settings.FailMode {
	case FailTransient:
		return nil, messaging.Transient(p.name, fmt.Errorf("simulated failure for %s", dest))
	case FailPermanent:
		return nil, messaging.Permanent(p.name, fmt.Errorf("simulated rejection of %s", dest))
	}

	p.sent.Add(1)
	p.logger.Info("sending message",
		"messageId", msg.ID,
		"sender", msg.Sender,
		"destination", dest.String(),
		"content", msg.Preview(80))
	return contracts.NewReceipt(msg, dest, p.name, ""), nil
}

// Receive generates a message with the configured probability every delay.
func (p *Port) Receive(ctx context.Context, out chan<- *contracts.Message) error {
	if err := p.CheckInitialized("receive"); err != nil {
		return err
	}

	ticker := time.NewTicker(p.settings.Delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if p.random() >= p.settings.MessageProbability {
			continue
		}

		msg := p.generate()
		select {
		case out <- msg:
			p.logger.Debug("generated message", "messageId", msg.ID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Port) generate() *contracts.Message {
	n := p.counter.Add(1)
	return contracts.NewMessage(
		fmt.Sprintf("+1555%07d", rand.IntN(9000000)+1000000),
		fmt.Sprintf("Test message %d from %s", n, p.name),
		contracts.Destination{
			Type:    contracts.DestinationType(p.settings.TargetType),
			Address: p.settings.TargetAddress,
		},
	)
}

// Ping always succeeds once initialized
func (p *Port) Ping(ctx context.Context) error {
	return p.CheckInitialized("ping")
}

// Shutdown marks the port closed
func (p *Port) Shutdown(ctx context.Context) error {
	if p.MarkShutdown() {
		p.logger.Info("stub adapter shut down", "sent", p.sent.Load())
	}
	return nil
}
