package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is the set of broker objects an adapter depends on
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// GatewayTopology returns a durable topic exchange and, when queue is set, a
// durable queue bound to it with routingKey.
func GatewayTopology(exchange, queue, routingKey string) Topology {
	var t Topology
	if exchange != "" {
		t.Exchanges = append(t.Exchanges, ExchangeDeclaration{Name: exchange, Type: amqp.ExchangeTopic, Durable: true})
	}
	if queue != "" {
		t.Queues = append(t.Queues, QueueDeclaration{Name: queue, Durable: true})
		if exchange != "" {
			t.Bindings = append(t.Bindings, Binding{Queue: queue, Exchange: exchange, RoutingKey: routingKey})
		}
	}
	return t
}

// Validate checks names and exchange kinds before anything is sent to the broker
func (t Topology) Validate() error {
	for _, e := range t.Exchanges {
		if e.Name == "" {
			return fmt.Errorf("%w: exchange name is empty", ErrInvalidConfiguration)
		}
		switch e.Type {
		case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders:
		default:
			return fmt.Errorf("%w: exchange %s has unknown type %q", ErrInvalidConfiguration, e.Name, e.Type)
		}
	}
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: queue name is empty", ErrInvalidConfiguration)
		}
	}
	for _, b := range t.Bindings {
		if b.Queue == "" || b.Exchange == "" {
			return fmt.Errorf("%w: binding needs queue and exchange", ErrInvalidConfiguration)
		}
	}
	return nil
}

// Declare declares the topology on a fresh channel
func (cm *ConnectionManager) Declare(t Topology) error {
	if err := t.Validate(); err != nil {
		return err
	}

	ch, err := cm.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, e := range t.Exchanges {
		if err := ch.ExchangeDeclare(e.Name, e.Type, e.Durable, e.AutoDelete, false, false, e.Arguments); err != nil {
			return fmt.Errorf("declare exchange %s: %w", e.Name, err)
		}
	}
	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.Arguments); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, err)
		}
	}
	for _, b := range t.Bindings {
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, b.Arguments); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.Queue, b.Exchange, err)
		}
	}
	return nil
}
