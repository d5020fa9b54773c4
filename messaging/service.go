package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/reliability"
)

const tracerName = "github.com/glimte/mmate-gateway/messaging"

// Service defaults
const (
	DefaultPollDelay     = time.Second
	DefaultMaxRetries    = reliability.DefaultMaxRetries
	DefaultShutdownGrace = 5 * time.Second
)

// PortResolver is the part of the Registry the Service depends on.
type PortResolver interface {
	Lookup(t contracts.DestinationType) (Port, error)
	InboundPorts() []InboundPort
}

// ServiceConfig holds the routing knobs of a Service
type ServiceConfig struct {
	// PollDelay is the pause before a receive loop restarts an adapter.
	PollDelay time.Duration
	// MaxRetries bounds re-deliveries of a message. A message is attempted at
	// most MaxRetries+1 times.
	MaxRetries int
	// ShutdownGrace bounds in-flight sends after Run's context is cancelled.
	ShutdownGrace time.Duration
	// SendTimeout bounds a single SendMessage call. Zero disables it.
	SendTimeout time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.PollDelay <= 0 {
		c.PollDelay = DefaultPollDelay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// DefaultServiceConfig returns the defaults used when a value is not configured.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		PollDelay:     DefaultPollDelay,
		MaxRetries:    DefaultMaxRetries,
		ShutdownGrace: DefaultShutdownGrace,
	}
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRetryPolicy sets the backoff used between delivery attempts. Only
// NextDelay is consulted; the ceiling comes from ServiceConfig.MaxRetries.
func WithRetryPolicy(policy reliability.RetryPolicy) ServiceOption {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithEventSink sets where routing events are reported
func WithEventSink(sink EventSink) ServiceOption {
	return func(s *Service) {
		s.sink = sink
	}
}

// WithCircuitBreakers guards each port with a breaker from set.
func WithCircuitBreakers(set *reliability.BreakerSet) ServiceOption {
	return func(s *Service) {
		s.breakers = set
	}
}

// WithTracer sets the tracer used for delivery spans
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// Service moves messages from adapters to adapters: receive loops feed the
// incoming queue, the router loop validates into the outgoing queue, and the
// delivery loop sends with bounded retry.
type Service struct {
	ports    PortResolver
	incoming Queue
	outgoing Queue
	cfg      ServiceConfig

	policy   reliability.RetryPolicy
	breakers *reliability.BreakerSet
	sink     EventSink
	logger   *slog.Logger
	tracer   trace.Tracer

	after func(time.Duration) <-chan time.Time
	now   func() time.Time

	started  atomic.Bool
	retries  sync.WaitGroup
	inFlight atomic.Int64
}

// NewService creates a Service routing between the given queues.
func NewService(ports PortResolver, incoming, outgoing Queue, cfg ServiceConfig, opts ...ServiceOption) *Service {
	s := &Service{
		ports:    ports,
		incoming: incoming,
		outgoing: outgoing,
		cfg:      cfg.withDefaults(),
		after:    time.After,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.policy == nil {
		s.policy = reliability.DefaultExponentialBackoff()
	}
	if s.sink == nil {
		s.sink = NopSink{}
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	return s
}

// Config returns the effective configuration
func (s *Service) Config() ServiceConfig { return s.cfg }

// Incoming returns the queue fed by receive loops and Submit
func (s *Service) Incoming() Queue { return s.incoming }

// Outgoing returns the queue drained by the delivery loop
func (s *Service) Outgoing() Queue { return s.outgoing }

// PendingRetries returns the number of messages waiting out a backoff delay.
func (s *Service) PendingRetries() int64 { return s.inFlight.Load() }

// Submit normalizes, validates and enqueues a message without blocking. It
// returns a *contracts.ValidationError for invalid messages and a
// *QueueFullError when the incoming queue is full.
func (s *Service) Submit(ctx context.Context, msg *contracts.Message) error {
	return s.submit(ctx, msg, false)
}

func (s *Service) submit(ctx context.Context, msg *contracts.Message, wait bool) error {
	if msg == nil {
		err := &contracts.ValidationError{Field: "message", Reason: "is nil"}
		s.report(Event{Kind: EventRejected, ErrorKind: KindValidation, Err: err})
		return err
	}

	msg.Normalize()
	if err := msg.Validate(); err != nil {
		s.report(Event{Kind: EventRejected, MessageID: msg.ID, ErrorKind: KindValidation, Err: err, Message: msg})
		return err
	}

	err := s.incoming.Enqueue(msg)
	if errors.Is(err, ErrQueueFull) {
		s.report(Event{Kind: EventBackpressure, MessageID: msg.ID, ErrorKind: KindQueueFull, Err: err})
		if !wait {
			return err
		}
		err = s.incoming.EnqueueWait(ctx, msg)
	}
	if err != nil {
		return err
	}

	s.report(Event{Kind: EventEnqueued, MessageID: msg.ID, RetryCount: msg.RetryCount})
	return nil
}

// Run starts the receive, router and delivery loops and blocks until ctx is
// cancelled and every goroutine has exited. Once ctx is done the loops take no
// new work and Submit returns ErrQueueClosed. In-flight sends get
// ShutdownGrace to finish; queued messages and pending retries are abandoned.
// Run does not shut ports down and a stopped Service cannot be run again.
func (s *Service) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("messaging: service already started")
	}

	sendCtx, cancelSends := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSends()

	var loops sync.WaitGroup
	inbound := s.ports.InboundPorts()
	for _, port := range inbound {
		loops.Add(1)
		go func(p InboundPort) {
			defer loops.Done()
			s.receiveLoop(ctx, p)
		}(port)
	}

	loops.Add(2)
	go func() {
		defer loops.Done()
		s.routerLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		s.deliveryLoop(ctx, sendCtx)
	}()

	s.logger.Info("message service started",
		"inboundPorts", len(inbound),
		"maxRetries", s.cfg.MaxRetries,
		"pollDelay", s.cfg.PollDelay)

	<-ctx.Done()
	s.logger.Info("message service stopping", "grace", s.cfg.ShutdownGrace)
	s.incoming.Close()

	done := make(chan struct{})
	go func() {
		loops.Wait()
		s.retries.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		s.logger.Warn("shutdown grace elapsed, cancelling in-flight sends")
		cancelSends()
		<-done
	}

	s.outgoing.Close()
	s.abandonQueued(s.incoming)
	s.abandonQueued(s.outgoing)
	s.logger.Info("message service stopped")
	return nil
}

func (s *Service) abandonQueued(q Queue) {
	for {
		msg, err := q.TryDequeue()
		if err != nil {
			return
		}
		s.abandon(msg, nil)
	}
}

func (s *Service) abandon(msg *contracts.Message, err error) {
	s.report(Event{Kind: EventAbandoned, MessageID: msg.ID, RetryCount: msg.RetryCount, Err: err, Message: msg})
}

func (s *Service) receiveLoop(ctx context.Context, port InboundPort) {
	logger := s.logger.With("port", port.Name())

	for {
		out := make(chan *contracts.Message)
		errCh := make(chan error, 1)
		go func() { errCh <- port.Receive(ctx, out) }()

		var err error
	drain:
		for {
			select {
			case msg := <-out:
				s.acceptReceived(ctx, port.Name(), msg, logger)
			case err = <-errCh:
				break drain
			}
		}

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("receive failed, restarting after poll delay", "error", err, "delay", s.cfg.PollDelay)
		}

		select {
		case <-s.after(s.cfg.PollDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) acceptReceived(ctx context.Context, port string, msg *contracts.Message, logger *slog.Logger) {
	if msg != nil {
		s.report(Event{Kind: EventReceived, MessageID: msg.ID, Port: port})
	}
	if err := s.submit(ctx, msg, true); err != nil && ctx.Err() == nil {
		logger.Warn("received message not accepted", "error", err)
	}
}

func (s *Service) routerLoop(ctx context.Context) {
	for {
		msg, err := s.incoming.Dequeue(ctx)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			s.abandon(msg, ctx.Err())
			return
		}

		if err := msg.Validate(); err != nil {
			s.report(Event{Kind: EventRejected, MessageID: msg.ID, ErrorKind: KindValidation, Err: err, Message: msg})
			continue
		}

		if err := s.outgoing.EnqueueWait(ctx, msg); err != nil {
			s.abandon(msg, err)
			return
		}
	}
}

func (s *Service) deliveryLoop(ctx, sendCtx context.Context) {
	for {
		msg, err := s.outgoing.Dequeue(ctx)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			s.abandon(msg, ctx.Err())
			return
		}
		s.report(Event{Kind: EventDequeued, MessageID: msg.ID, RetryCount: msg.RetryCount})
		s.deliver(ctx, sendCtx, msg)
	}
}

// deliver attempts every destination of msg once and decides the message's
// fate. runCtx governs retry scheduling; sendCtx governs the sends.
func (s *Service) deliver(runCtx, sendCtx context.Context, msg *contracts.Message) {
	ctx, span := s.tracer.Start(sendCtx, "gateway.deliver",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("gateway.message_id", msg.ID),
			attribute.Int("gateway.retry_count", msg.RetryCount),
			attribute.Int("gateway.destinations", len(msg.Destinations)),
		))
	defer span.End()

	var (
		retry   []contracts.Destination
		lastErr error
	)
	for _, dest := range msg.Destinations {
		portName, latency, err := s.sendOne(ctx, msg, dest)
		kind := ClassifyError(err)

		switch kind {
		case KindNone:
			s.report(Event{Kind: EventDelivered, MessageID: msg.ID, Destination: &dest, Port: portName,
				RetryCount: msg.RetryCount, Latency: latency})
		case KindTransient, KindCanceled:
			retry = append(retry, dest)
			lastErr = err
			s.logger.Debug("transient delivery failure",
				"messageId", msg.ID,
				"destination", dest.String(),
				"retryCount", msg.RetryCount,
				"error", err)
		default:
			s.report(Event{Kind: EventDestinationFailed, MessageID: msg.ID, Destination: &dest, Port: portName,
				RetryCount: msg.RetryCount, ErrorKind: kind, Err: err, Message: msg})
		}
	}

	if len(retry) == 0 {
		span.SetStatus(codes.Ok, "")
		s.report(Event{Kind: EventCompleted, MessageID: msg.ID, RetryCount: msg.RetryCount})
		return
	}

	span.RecordError(lastErr)
	next := msg.RetryCount + 1
	if next > s.cfg.MaxRetries {
		span.SetStatus(codes.Error, "retries exhausted")
		for i := range retry {
			s.report(Event{Kind: EventDropped, MessageID: msg.ID, Destination: &retry[i], RetryCount: msg.RetryCount,
				ErrorKind: ClassifyError(lastErr), Err: lastErr, Message: msg})
		}
		return
	}

	delay := s.policy.NextDelay(msg.RetryCount)
	now := s.now().UTC()
	nextAt := now.Add(delay)

	pending := msg.WithDestinations(retry)
	pending.RetryCount = next
	pending.LastRetryAt = &now
	pending.NextRetryAt = &nextAt

	span.SetStatus(codes.Error, "retry scheduled")
	s.report(Event{Kind: EventRetryScheduled, MessageID: msg.ID, RetryCount: next, Delay: delay,
		ErrorKind: ClassifyError(lastErr), Err: lastErr})
	s.scheduleRetry(runCtx, pending, delay)
}

// sendOne resolves the port for dest and performs one guarded send.
func (s *Service) sendOne(ctx context.Context, msg *contracts.Message, dest contracts.Destination) (string, time.Duration, error) {
	port, err := s.ports.Lookup(dest.Type)
	if err != nil {
		return "", 0, err
	}

	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}

	start := s.now()
	call := func() error {
		return s.safeSend(ctx, port, msg, dest)
	}
	if s.breakers != nil {
		err = s.breakers.Get(port.Name()).Execute(ctx, call)
	} else {
		err = call()
	}
	return port.Name(), s.now().Sub(start), err
}

func (s *Service) safeSend(ctx context.Context, port Port, msg *contracts.Message, dest contracts.Destination) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("port panicked during send",
				"port", port.Name(),
				"messageId", msg.ID,
				"panic", r)
			err = Transient(port.Name(), fmt.Errorf("panic: %v", r))
		}
	}()
	_, err = port.SendMessage(ctx, msg, dest)
	return err
}

// scheduleRetry re-enqueues msg after delay on its own goroutine so the
// delivery loop keeps draining. A full queue drops the message.
func (s *Service) scheduleRetry(ctx context.Context, msg *contracts.Message, delay time.Duration) {
	s.retries.Add(1)
	s.inFlight.Add(1)
	go func() {
		defer s.retries.Done()
		defer s.inFlight.Add(-1)

		select {
		case <-s.after(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			s.abandon(msg, nil)
			return
		}

		if err := s.outgoing.Enqueue(msg); err != nil {
			s.report(Event{Kind: EventBackpressure, MessageID: msg.ID, RetryCount: msg.RetryCount,
				ErrorKind: ClassifyError(err), Err: err})
			for i := range msg.Destinations {
				s.report(Event{Kind: EventDropped, MessageID: msg.ID, Destination: &msg.Destinations[i],
					RetryCount: msg.RetryCount, ErrorKind: ClassifyError(err), Err: err, Message: msg})
			}
			return
		}
		s.report(Event{Kind: EventEnqueued, MessageID: msg.ID, RetryCount: msg.RetryCount})
	}()
}

func (s *Service) report(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.sink.Report(ev)
}
