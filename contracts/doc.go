// Package contracts defines the data model routed by the gateway.
//
// A Message carries opaque content from a sender to one or more Destinations. Each
// Destination names a transport class (sms, chat, email, amqp) and an address whose
// format is owned by the port that serves that class.
//
// Messages are created by receiving adapters or by injection through NewMessage, are
// mutated only by the delivery loop (RetryCount and the retry timestamps), and are
// discarded on delivery or after the retry ceiling is reached.
//
// Example usage:
//
//	msg := contracts.NewMessage("+15550001111", "door opened",
//	    contracts.Destination{Type: contracts.DestinationChat, Address: "12345"},
//	)
//	if err := msg.Validate(); err != nil {
//	    // reject
//	}
package contracts
