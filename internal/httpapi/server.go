// Package httpapi exposes the gateway over HTTP: message injection, health,
// metrics, queue and adapter inspection and dead-letter management.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/health"
	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/glimte/mmate-gateway/monitor"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultHealthTimeout   = 5 * time.Second
)

// Config configures the HTTP server
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORS            CORSConfig
}

// CORSConfig enables cross-origin requests when AllowedOrigins is set.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Submitter accepts messages for routing
type Submitter interface {
	Submit(ctx context.Context, msg *contracts.Message) error
}

// AdapterLister describes the running adapters
type AdapterLister interface {
	Describe() []messaging.PortInfo
}

// Deps are the components the API serves. Nil members disable their routes.
type Deps struct {
	Service     Submitter
	Adapters    AdapterLister
	Queues      []messaging.Queue
	Health      *health.Registry
	Metrics     *monitor.Collector
	Prometheus  http.Handler
	DeadLetters reliability.DeadLetterStore
	Alerts      *monitor.Alerter
}

// Server is the gateway HTTP API
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router *chi.Mux
	server *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds the router. Call Run to serve it.
func New(cfg Config, deps Deps, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.newRouter()
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http api stopped")
	return nil
}

func (s *Server) newRouter() *chi.Mux {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(newLoggerMiddleware(s.logger))
	router.Use(middleware.Recoverer)
	router.Use(newTraceMiddleware)

	if len(s.cfg.CORS.AllowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
			AllowedMethods:   s.cfg.CORS.AllowedMethods,
			AllowedHeaders:   s.cfg.CORS.AllowedHeaders,
			AllowCredentials: s.cfg.CORS.AllowCredentials,
			MaxAge:           s.cfg.CORS.MaxAge,
		})
		router.Use(c.Handler)
	}
	return router
}

func (s *Server) registerRoutes() {
	r := s.router

	r.Get("/livez", health.LivenessHandler())
	if s.deps.Health != nil {
		r.Method(http.MethodGet, "/healthz", health.NewHandler(s.deps.Health, DefaultHealthTimeout))
	}
	if s.deps.Prometheus != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Prometheus)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Service != nil {
			r.Post("/messages", s.submitMessage)
		}
		if s.deps.Metrics != nil {
			r.Get("/metrics", s.getMetrics)
		}
		r.Get("/queues", s.listQueues)
		if s.deps.Adapters != nil {
			r.Get("/adapters", s.listAdapters)
		}
		if s.deps.Alerts != nil {
			r.Get("/alerts", s.listAlerts)
		}
		if s.deps.DeadLetters != nil {
			r.Route("/deadletters", func(r chi.Router) {
				r.Get("/", s.listDeadLetters)
				r.Get("/stats", s.deadLetterStats)
				r.Delete("/", s.cleanupDeadLetters)
				r.Get("/{id}", s.getDeadLetter)
				r.Delete("/{id}", s.deleteDeadLetter)
			})
			r.Get("/messages/{id}/deadletters", s.messageDeadLetters)
		}
	})
}
