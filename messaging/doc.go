// Package messaging is the routing and delivery engine of the gateway.
//
// This package implements:
//   - Queue: bounded FIFO shared between goroutines (MemoryQueue, NewQueue)
//   - Port: the adapter contract (Initialize, SendMessage, Shutdown, optional Receive and Ping)
//   - Registry: builds ports from configuration and resolves destination types to ports
//   - Service: receive loops, the router loop and the delivery loop with bounded retry
//   - EventSink: observation of every routing decision (LogSink, MultiSink, NopSink)
//
// Delivery is attempted once per destination per pass. Transient failures keep the
// destination for another pass after a backoff delay; permanent failures and
// destinations no port serves are discarded. A message is attempted at most
// MaxRetries+1 times and is then dropped with an EventDropped report.
//
// Example usage:
//
//	registry := messaging.NewRegistry(messaging.WithRegistryLogger(logger))
//	registry.RegisterFactory("stub", stub.New)
//	if err := registry.Build(ctx, cfg.Adapters); err != nil {
//		return err
//	}
//	defer registry.Shutdown(context.Background())
//
//	svc := messaging.NewService(registry,
//		messaging.NewMemoryQueue("incoming", 1000),
//		messaging.NewMemoryQueue("outgoing", 1000),
//		messaging.DefaultServiceConfig(),
//		messaging.WithEventSink(messaging.NewLogSink(logger)),
//	)
//	return svc.Run(ctx)
package messaging
