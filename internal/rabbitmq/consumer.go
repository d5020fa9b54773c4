package rabbitmq

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler handles one delivery. A nil error acks the delivery; an
// error rejects it without requeue, unless ctx is done by then, in which case
// the delivery is requeued for the next consumer.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer consumes one queue with manual acknowledgements
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	consumerTag   string
	exclusive     bool
	logger        *slog.Logger
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the QoS prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer over the manager's connection
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Consume blocks delivering messages from queue to handler until ctx is done
// or the broker closes the delivery channel. The latter is reported as
// ErrConsumerCancelled so callers can restart after a reconnect.
func (c *Consumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	fail := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: op, Err: err}
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return fail("open channel", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return fail("qos", err)
	}

	deliveries, err := ch.Consume(queue, c.consumerTag, false, c.exclusive, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	c.logger.Info("consuming queue", "queue", queue, "prefetchCount", c.prefetchCount)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				return fail("consume", ErrConsumerCancelled)
			}
			c.handle(ctx, queue, d, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, d amqp.Delivery, handler MessageHandler) {
	if err := handler(ctx, d); err != nil {
		requeue := ctx.Err() != nil
		c.logger.Warn("rejecting delivery",
			"queue", queue,
			"messageId", d.MessageId,
			"requeue", requeue,
			"error", err)
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			c.logger.Error("failed to nack delivery", "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack delivery", "error", ackErr)
	}
}
