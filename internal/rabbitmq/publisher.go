package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on a single confirm-mode channel. Publishes are
// serialized so each confirmation belongs to the publish that is waiting.
type Publisher struct {
	manager        *ConnectionManager
	confirmTimeout time.Duration
	confirmMode    bool
	mandatory      bool
	logger         *slog.Logger

	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	closed   bool
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithConfirmMode enables or disables publisher confirms
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirmMode = enabled
	}
}

// WithMandatory makes unroutable publishes fail with ErrMandatoryFailed. It
// only takes effect in confirm mode.
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher over the manager's connection
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		confirmMode:    true,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg and, in confirm mode, waits for the broker's ack.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fail := func(err error) error {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Mandatory: p.mandatory, Err: err}
	}

	if p.closed {
		return fail(ErrPublisherClosed)
	}
	if err := p.ensureChannel(); err != nil {
		return fail(err)
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, msg); err != nil {
		p.resetChannel()
		return fail(err)
	}

	if !p.confirmMode {
		return nil
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case ret, ok := <-p.returns:
			if !ok {
				p.resetChannel()
				return fail(ErrPublishNotConfirmed)
			}
			// a return always precedes the confirm of the same publish
			<-p.confirms
			return fail(fmt.Errorf("%w: %d %s", ErrMandatoryFailed, ret.ReplyCode, ret.ReplyText))

		case confirm, ok := <-p.confirms:
			if !ok {
				p.resetChannel()
				return fail(ErrPublishNotConfirmed)
			}
			if !confirm.Ack {
				return fail(fmt.Errorf("%w: nacked by broker", ErrPublishNotConfirmed))
			}
			return nil

		case <-timer.C:
			// the outstanding confirm would be attributed to the next publish
			p.resetChannel()
			return fail(ErrPublishTimeout)

		case <-ctx.Done():
			p.resetChannel()
			return fail(ctx.Err())
		}
	}
}

// ensureChannel must be called with p.mu held
func (p *Publisher) ensureChannel() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}

	ch, err := p.manager.Channel()
	if err != nil {
		return err
	}
	if p.confirmMode {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return fmt.Errorf("enable confirms: %w", err)
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
		if p.mandatory {
			p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
		}
	}
	p.ch = ch

	p.logger.Debug("publisher channel opened", "confirmMode", p.confirmMode)
	return nil
}

// resetChannel must be called with p.mu held
func (p *Publisher) resetChannel() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
	p.returns = nil
}

// Close closes the publisher channel. The connection is owned by the manager.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.resetChannel()
	return nil
}
