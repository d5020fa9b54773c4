// Package rabbitmq wraps amqp091-go for the gateway's AMQP adapter.
//
// This package includes:
//   - ConnectionManager: one connection with background reconnection and state listeners
//   - Publisher: confirm-mode publishing on a dedicated channel
//   - Consumer: manual-ack queue consumption
//   - Topology: exchange, queue and binding declarations
package rabbitmq
