// Package adapters wires the concrete ports into a messaging.Registry.
package adapters

import (
	"log/slog"
	"sort"

	"github.com/glimte/mmate-gateway/adapters/amqp"
	"github.com/glimte/mmate-gateway/adapters/modem"
	"github.com/glimte/mmate-gateway/adapters/nats"
	"github.com/glimte/mmate-gateway/adapters/smtp"
	"github.com/glimte/mmate-gateway/adapters/stub"
	"github.com/glimte/mmate-gateway/adapters/telegram"
	"github.com/glimte/mmate-gateway/messaging"
)

// Factories returns every built-in factory keyed by adapter kind. Each port
// logs through logger.With("component", kind).
func Factories(logger *slog.Logger) map[string]messaging.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	component := func(kind string) *slog.Logger { return logger.With("component", kind) }

	return map[string]messaging.Factory{
		stub.Kind:       stub.Factory(component(stub.Kind)),
		telegram.Kind:   telegram.Factory(component(telegram.Kind)),
		smtp.Kind:       smtp.Factory(component(smtp.Kind)),
		modem.Kind:      modem.Factory(component(modem.Kind)),
		modem.KindGammu: modem.Factory(component(modem.Kind)),
		amqp.Kind:       amqp.Factory(component(amqp.Kind)),
		nats.Kind:       nats.Factory(component(nats.Kind)),
	}
}

// Register adds every built-in factory to r
func Register(r *messaging.Registry, logger *slog.Logger) {
	for kind, f := range Factories(logger) {
		r.RegisterFactory(kind, f)
	}
}

// Kinds lists the built-in adapter kinds in sorted order
func Kinds() []string {
	factories := Factories(nil)
	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
