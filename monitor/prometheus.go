package monitor

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric the gateway exports.
const Namespace = "gateway"

// LatencyBuckets are the delivery latency histogram buckets, in seconds.
var LatencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// PrometheusSink is a messaging.EventSink exporting router events as
// Prometheus metrics on its own registry.
type PrometheusSink struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	events  *prometheus.CounterVec
	retries prometheus.Counter
	latency *prometheus.HistogramVec

	breakers *prometheus.CounterVec
}

// PrometheusOption configures a PrometheusSink
type PrometheusOption func(*PrometheusSink)

// WithPrometheusLogger sets the logger used for exposition errors
func WithPrometheusLogger(logger *slog.Logger) PrometheusOption {
	return func(s *PrometheusSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry exports into an existing registry instead of a fresh one.
func WithRegistry(registry *prometheus.Registry) PrometheusOption {
	return func(s *PrometheusSink) {
		if registry != nil {
			s.registry = registry
		}
	}
}

// NewPrometheusSink creates the sink and registers its metrics together
// with the Go runtime and process collectors.
func NewPrometheusSink(opts ...PrometheusOption) (*PrometheusSink, error) {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "events_total",
		Help:      "Router events by kind and destination type.",
	}, []string{"kind", "destination_type"})

	s.retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "retries_scheduled_total",
		Help:      "Delivery passes scheduled after a transient failure.",
	})

	s.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "delivery_latency_seconds",
		Help:      "Time spent in a successful SendMessage call.",
		Buckets:   LatencyBuckets,
	}, []string{"destination_type"})

	s.breakers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state changes by port and target state.",
	}, []string{"breaker", "to"})

	for _, c := range []prometheus.Collector{
		s.events,
		s.retries,
		s.latency,
		s.breakers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: Namespace}),
	} {
		if err := s.registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return s, nil
}

// Registry returns the registry the sink exports into
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// Report implements messaging.EventSink
func (s *PrometheusSink) Report(ev messaging.Event) {
	destType := ""
	if ev.Destination != nil {
		destType = string(ev.Destination.Type)
	}
	s.events.WithLabelValues(string(ev.Kind), destType).Inc()

	switch ev.Kind {
	case messaging.EventRetryScheduled:
		s.retries.Inc()
	case messaging.EventDelivered:
		s.latency.WithLabelValues(destType).Observe(ev.Latency.Seconds())
	}
}

// OnStateChange counts circuit breaker transitions. It lets the sink be
// passed to reliability.WithStateListener.
func (s *PrometheusSink) OnStateChange(name string, from, to reliability.State, reason string) {
	s.breakers.WithLabelValues(name, to.String()).Inc()
}

// WatchQueues exports size, capacity and counters of the given queues.
func (s *PrometheusSink) WatchQueues(queues ...messaging.Queue) error {
	return s.registry.Register(newQueueCollector(queues))
}

// WatchGauge exports the value returned by f, read at scrape time.
func (s *PrometheusSink) WatchGauge(name, help string, f func() float64) error {
	return s.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, f))
}

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog:      promLogger{s.logger},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// promLogger adapts slog to promhttp.Logger
type promLogger struct {
	logger *slog.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.logger.Error("metrics exposition failed", "error", fmt.Sprint(v...))
}

// queueCollector reads queue stats at scrape time.
type queueCollector struct {
	queues   []messaging.Queue
	size     *prometheus.Desc
	capacity *prometheus.Desc
	enqueued *prometheus.Desc
	dequeued *prometheus.Desc
	rejected *prometheus.Desc
}

func newQueueCollector(queues []messaging.Queue) *queueCollector {
	labels := []string{"queue"}
	return &queueCollector{
		queues:   queues,
		size:     prometheus.NewDesc(prometheus.BuildFQName(Namespace, "queue", "size"), "Messages currently in the queue.", labels, nil),
		capacity: prometheus.NewDesc(prometheus.BuildFQName(Namespace, "queue", "capacity"), "Maximum number of messages the queue holds.", labels, nil),
		enqueued: prometheus.NewDesc(prometheus.BuildFQName(Namespace, "queue", "enqueued_total"), "Messages accepted by the queue.", labels, nil),
		dequeued: prometheus.NewDesc(prometheus.BuildFQName(Namespace, "queue", "dequeued_total"), "Messages taken from the queue.", labels, nil),
		rejected: prometheus.NewDesc(prometheus.BuildFQName(Namespace, "queue", "rejected_total"), "Messages refused because the queue was full.", labels, nil),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.capacity
	ch <- c.enqueued
	ch <- c.dequeued
	ch <- c.rejected
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, q := range c.queues {
		st := q.Stats()
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(st.Size), st.Name)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(st.Capacity), st.Name)
		ch <- prometheus.MustNewConstMetric(c.enqueued, prometheus.CounterValue, float64(st.Enqueued), st.Name)
		ch <- prometheus.MustNewConstMetric(c.dequeued, prometheus.CounterValue, float64(st.Dequeued), st.Name)
		ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(st.Rejected), st.Name)
	}
}

var (
	_ messaging.EventSink             = (*PrometheusSink)(nil)
	_ reliability.StateChangeListener = (*PrometheusSink)(nil)
)
