// Package app assembles the gateway from its configuration and runs it until
// the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-gateway/adapters"
	"github.com/glimte/mmate-gateway/config"
	"github.com/glimte/mmate-gateway/health"
	"github.com/glimte/mmate-gateway/internal/httpapi"
	"github.com/glimte/mmate-gateway/internal/logging"
	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/internal/tracing"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/glimte/mmate-gateway/monitor"
)

const (
	// PortCheckTimeout bounds a single adapter ping in the health registry.
	PortCheckTimeout = 3 * time.Second
	// CleanupTimeout bounds adapter shutdown and span flushing after Run.
	CleanupTimeout = 15 * time.Second

	degradedGoroutines  = 1000
	unhealthyGoroutines = 5000
)

// App owns every long-lived component of a gateway process.
type App struct {
	cfg     *config.Config
	loggers *logging.Loggers
	logger  *slog.Logger

	tracing     *tracing.Provider
	registry    *messaging.Registry
	incoming    messaging.Queue
	outgoing    messaging.Queue
	deadLetters reliability.DeadLetterStore
	closeStore  func() error

	collector  *monitor.Collector
	prometheus *monitor.PrometheusSink
	breakers   *reliability.BreakerSet
	service    *messaging.Service
	health     *health.Registry
	alerter    *monitor.Alerter
	api        *httpapi.Server

	factories map[string]messaging.Factory
	ran       bool
}

// Option configures an App
type Option func(*App)

// WithLoggers replaces the loggers built from the configuration.
func WithLoggers(l *logging.Loggers) Option {
	return func(a *App) {
		if l != nil {
			a.loggers = l
		}
	}
}

// WithFactory registers an extra adapter factory, overriding a built-in one
// of the same kind.
func WithFactory(kind string, f messaging.Factory) Option {
	return func(a *App) {
		if a.factories == nil {
			a.factories = make(map[string]messaging.Factory)
		}
		a.factories[kind] = f
	}
}

// New builds and initializes every component. Adapters are connected here;
// on error everything already opened is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.loggers == nil {
		a.loggers = logging.New(cfg.LoggingOptions())
	}
	a.logger = a.loggers.Root()

	defer func() {
		if err != nil {
			a.cleanup()
		}
	}()

	a.tracing, err = tracing.Setup(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, err
	}

	if err := a.buildRegistry(ctx); err != nil {
		return nil, err
	}
	if err := a.buildQueues(); err != nil {
		return nil, err
	}
	if err := a.openDeadLetters(); err != nil {
		return nil, err
	}

	sink, err := a.buildSinks()
	if err != nil {
		return nil, err
	}

	serviceOpts := []messaging.ServiceOption{
		messaging.WithServiceLogger(a.loggers.Component("service")),
		messaging.WithRetryPolicy(cfg.RetryPolicy()),
		messaging.WithEventSink(sink),
		messaging.WithTracer(a.tracing.Tracer()),
	}
	if cfg.Breaker.Enabled {
		a.breakers = reliability.NewBreakerSet(
			reliability.WithFailureThreshold(cfg.Breaker.FailureThreshold),
			reliability.WithSuccessThreshold(cfg.Breaker.SuccessThreshold),
			reliability.WithTimeout(cfg.Breaker.Cooldown),
			reliability.WithBreakerLogger(a.loggers.Component("breaker")),
			reliability.WithStateListener(a.prometheus),
		)
		serviceOpts = append(serviceOpts, messaging.WithCircuitBreakers(a.breakers))
	}
	a.service = messaging.NewService(a.registry, a.incoming, a.outgoing, cfg.ServiceConfig(), serviceOpts...)

	if err := a.prometheus.WatchGauge("pending_retries", "Messages waiting out a retry backoff.", func() float64 {
		return float64(a.service.PendingRetries())
	}); err != nil {
		return nil, err
	}

	a.buildHealth()
	if err := a.buildAlerter(); err != nil {
		return nil, err
	}
	a.buildAPI()

	a.logger.Info("gateway assembled",
		"name", cfg.Name,
		"adapters", len(a.registry.Ports()),
		"tracing", a.tracing.Enabled(),
		"breakers", cfg.Breaker.Enabled,
		"http", cfg.HTTP.Addr)
	return a, nil
}

func (a *App) buildRegistry(ctx context.Context) error {
	a.registry = messaging.NewRegistry(
		messaging.WithRegistryLogger(a.loggers.Component("registry")),
		messaging.WithAmbiguityPolicy(a.cfg.AmbiguityPolicy()),
	)
	adapters.Register(a.registry, a.loggers.Component("adapters"))
	for kind, f := range a.factories {
		a.registry.RegisterFactory(kind, f)
	}

	if err := a.registry.Build(ctx, a.cfg.EnabledAdapters()); err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}
	return nil
}

func (a *App) buildQueues() error {
	in := a.cfg.Queues.Incoming
	if in.Name == "" {
		in.Name = "incoming"
	}
	out := a.cfg.Queues.Outgoing
	if out.Name == "" {
		out.Name = "outgoing"
	}

	var err error
	if a.incoming, err = messaging.NewQueue(in); err != nil {
		return fmt.Errorf("incoming queue: %w", err)
	}
	if a.outgoing, err = messaging.NewQueue(out); err != nil {
		return fmt.Errorf("outgoing queue: %w", err)
	}
	return nil
}

func (a *App) openDeadLetters() error {
	dl := a.cfg.DeadLetters
	if dl.Path == "" {
		a.deadLetters = reliability.NewInMemoryDeadLetterStore(dl.Capacity)
		return nil
	}

	store, err := reliability.OpenBoltDeadLetterStore(dl.Path, dl.Capacity)
	if err != nil {
		return err
	}
	a.deadLetters = store
	a.closeStore = store.Close
	a.logger.Info("dead letters persisted", "path", store.Path())
	return nil
}

func (a *App) buildSinks() (messaging.EventSink, error) {
	var err error
	a.collector = monitor.NewCollector()
	a.prometheus, err = monitor.NewPrometheusSink(monitor.WithPrometheusLogger(a.loggers.Component("metrics")))
	if err != nil {
		return nil, err
	}
	if err := a.prometheus.WatchQueues(a.incoming, a.outgoing); err != nil {
		return nil, err
	}

	recorder := monitor.NewDeadLetterRecorder(a.deadLetters,
		monitor.WithRecorderLogger(a.loggers.Component("deadletters")))

	return messaging.MultiSink{
		messaging.NewLogSink(a.loggers.Component("events")),
		a.collector,
		a.prometheus,
		recorder,
	}, nil
}

func (a *App) buildHealth() {
	a.health = health.NewRegistry()
	health.RegisterPorts(a.health, a.registry.Ports(), PortCheckTimeout)
	a.health.Register(health.NewQueueChecker(a.incoming))
	a.health.Register(health.NewQueueChecker(a.outgoing))
	a.health.Register(health.NewRuntimeChecker(degradedGoroutines, unhealthyGoroutines))
	if a.breakers != nil {
		a.health.Register(health.NewBreakerChecker(a.breakers))
	}
	a.health.SetMetadata("name", a.cfg.Name)
	a.health.SetMetadata("adapters", len(a.registry.Ports()))
}

func (a *App) buildAlerter() error {
	if !a.cfg.Alerts.Enabled {
		return nil
	}

	logger := a.loggers.Component("alerts")
	handlers := []monitor.AlertHandler{monitor.NewLogAlertHandler(logger)}
	for i, w := range a.cfg.Alerts.Webhooks {
		name := w.Name
		if name == "" {
			name = fmt.Sprintf("webhook-%d", i)
		}
		format := w.Format
		if format == "" {
			format = monitor.FormatGeneric
		}
		h, err := monitor.NewWebhookAlertHandler(name, w.URL,
			monitor.WithWebhookSecret(w.Secret),
			monitor.WithWebhookFormat(format),
			monitor.WithWebhookLogger(logger))
		if err != nil {
			return fmt.Errorf("alert webhook %s: %w", name, err)
		}
		handlers = append(handlers, h)
	}

	a.alerter = monitor.NewAlerter(a.cfg.Name, a.health,
		monitor.WithAlertLogger(logger),
		monitor.WithAlertInterval(a.cfg.Alerts.Interval),
		monitor.WithAlertHandlers(handlers...))
	return nil
}

func (a *App) buildAPI() {
	h := a.cfg.HTTP
	if h.Addr == "" {
		return
	}

	deps := httpapi.Deps{
		Service:     a.service,
		Adapters:    a.registry,
		Queues:      []messaging.Queue{a.incoming, a.outgoing},
		Health:      a.health,
		Metrics:     a.collector,
		Prometheus:  a.prometheus.Handler(),
		DeadLetters: a.deadLetters,
		Alerts:      a.alerter,
	}

	a.api = httpapi.New(httpapi.Config{
		Addr:            h.Addr,
		ReadTimeout:     h.ReadTimeout,
		WriteTimeout:    h.WriteTimeout,
		ShutdownTimeout: h.ShutdownTimeout,
		CORS: httpapi.CORSConfig{
			AllowedOrigins:   h.CORS.AllowedOrigins,
			AllowedMethods:   h.CORS.AllowedMethods,
			AllowedHeaders:   h.CORS.AllowedHeaders,
			AllowCredentials: h.CORS.AllowCredentials,
			MaxAge:           h.CORS.MaxAge,
		},
	}, deps, httpapi.WithLogger(a.loggers.Component("http")))
}

// Run serves until ctx is cancelled or a component fails. Once the message
// service has stopped, every adapter is shut down exactly once and pending
// spans are flushed. An App runs at most once.
func (a *App) Run(ctx context.Context) error {
	if a.ran {
		return errors.New("app: already run")
	}
	a.ran = true
	defer a.cleanup()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.service.Run(gctx)
	})
	if a.api != nil {
		g.Go(func() error {
			return a.api.Run(gctx)
		})
	}
	if a.alerter != nil {
		g.Go(func() error {
			return a.alerter.Run(gctx)
		})
	}

	a.logger.Info("gateway running", "name", a.cfg.Name)
	err := g.Wait()
	if err != nil {
		a.logger.Error("gateway stopped with error", "error", err)
	} else {
		a.logger.Info("gateway stopped")
	}
	return err
}

// cleanup releases adapters, the dead-letter store and the tracer provider.
func (a *App) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), CleanupTimeout)
	defer cancel()

	if a.registry != nil {
		if err := a.registry.Shutdown(ctx); err != nil {
			a.logger.Error("adapter shutdown failed", "error", err)
		}
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Error("failed to close dead-letter store", "error", err)
		}
		a.closeStore = nil
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Error("failed to flush spans", "error", err)
		}
	}
}

// Service returns the message router
func (a *App) Service() *messaging.Service { return a.service }

// Registry returns the adapter registry
func (a *App) Registry() *messaging.Registry { return a.registry }

// DeadLetters returns the dead-letter store
func (a *App) DeadLetters() reliability.DeadLetterStore { return a.deadLetters }

// Health returns the health registry
func (a *App) Health() *health.Registry { return a.health }

// Alerter returns the alerter, or nil when alerts are disabled
func (a *App) Alerter() *monitor.Alerter { return a.alerter }

// API returns the HTTP server, or nil when http.addr is empty
func (a *App) API() *httpapi.Server { return a.api }
