// Package reliability provides the retry and failure-isolation building blocks
// used by the gateway router.
//
//   - Retry policies: ExponentialBackoff, LinearBackoff and FixedDelay, with
//     multiplicative jitter in [0.5, 1.5)
//   - Retry: run a function under a policy until it succeeds or gives up
//   - CircuitBreaker and BreakerSet: stop calling a failing port for a cool-down
//   - DeadLetterStore: bounded storage for messages the router gave up on
//
// Example usage:
//
//	policy := reliability.DefaultExponentialBackoff()
//	delay := policy.NextDelay(msg.RetryCount)
//
//	breakers := reliability.NewBreakerSet(reliability.WithFailureThreshold(5))
//	err := breakers.Get(port.Name()).Execute(ctx, func() error {
//	    _, err := port.SendMessage(ctx, msg, dest)
//	    return err
//	})
package reliability
