// Package monitor observes the router through messaging.EventSink
// implementations and turns health checks into alerts.
//
//   - Collector keeps in-memory counters and latency percentiles (Snapshot)
//   - PrometheusSink exports the same events on a Prometheus registry
//   - DeadLetterRecorder writes undelivered destinations to a DeadLetterStore
//   - Alerter raises and resolves alerts from a health.Registry and notifies
//     AlertHandlers (LogAlertHandler, WebhookAlertHandler)
package monitor
