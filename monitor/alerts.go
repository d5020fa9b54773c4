package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/health"
)

// AlertLevel represents the severity of an alert
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

const (
	DefaultAlertInterval  = 30 * time.Second
	DefaultAlertRetention = 24 * time.Hour
	defaultHandlerTimeout = 30 * time.Second
)

// ErrAlerterRunning is returned when Run is called twice.
var ErrAlerterRunning = errors.New("alerter is already running")

// Alert represents a monitoring alert
type Alert struct {
	ID          string         `json:"id"`
	Level       AlertLevel     `json:"level"`
	Service     string         `json:"service"`
	Component   string         `json:"component"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Resolved    bool           `json:"resolved"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	Occurrences int            `json:"occurrences"`
	FirstSeen   time.Time      `json:"firstSeen"`
	LastSeen    time.Time      `json:"lastSeen"`
}

// AlertHandler is notified when an alert is raised or resolved.
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert *Alert) error
	Name() string
}

// Alerter periodically evaluates the health registry and turns degraded or
// unhealthy checks into alerts, resolving them once the check recovers.
type Alerter struct {
	service   string
	registry  *health.Registry
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	handlers  []AlertHandler
	now       func() time.Time

	mu      sync.RWMutex
	active  map[string]*Alert
	running bool
	wg      sync.WaitGroup
}

// AlerterOption configures an Alerter
type AlerterOption func(*Alerter)

// WithAlertLogger sets the logger
func WithAlertLogger(logger *slog.Logger) AlerterOption {
	return func(a *Alerter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAlertInterval sets how often the health registry is evaluated
func WithAlertInterval(d time.Duration) AlerterOption {
	return func(a *Alerter) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithAlertHandlers adds handlers notified of every alert transition
func WithAlertHandlers(handlers ...AlertHandler) AlerterOption {
	return func(a *Alerter) {
		a.handlers = append(a.handlers, handlers...)
	}
}

// NewAlerter creates an alerter for the named service
func NewAlerter(service string, registry *health.Registry, opts ...AlerterOption) *Alerter {
	a := &Alerter{
		service:   service,
		registry:  registry,
		logger:    slog.Default(),
		interval:  DefaultAlertInterval,
		retention: DefaultAlertRetention,
		now:       time.Now,
		active:    make(map[string]*Alert),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run evaluates the registry every interval until ctx is done, then waits
// for in-flight handler notifications.
func (a *Alerter) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlerterRunning
	}
	a.running = true
	a.mu.Unlock()

	defer func() {
		a.wg.Wait()
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	a.logger.Info("alerter started", "interval", a.interval, "handlers", len(a.handlers))

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Evaluate(ctx)
			a.cleanup()
		}
	}
}

// Evaluate runs one health evaluation.
func (a *Alerter) Evaluate(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, a.interval)
	defer cancel()

	overall := a.registry.Check(checkCtx)
	for name, result := range overall.Checks {
		key := "health_check_" + name
		switch result.Status {
		case health.StatusUnhealthy:
			a.trigger(key, AlertLevelCritical, name,
				fmt.Sprintf("health check %s is unhealthy: %s", name, result.Message), details(result))
		case health.StatusDegraded:
			a.trigger(key, AlertLevelWarning, name,
				fmt.Sprintf("health check %s is degraded: %s", name, result.Message), details(result))
		default:
			a.resolve(key)
		}
	}
}

func details(result health.CheckResult) map[string]any {
	d := map[string]any{
		"check":    result.Name,
		"duration": result.Duration.String(),
	}
	if result.Error != "" {
		d["error"] = result.Error
	}
	for k, v := range result.Details {
		d[k] = v
	}
	return d
}

// ActiveAlerts returns unresolved alerts, oldest first.
func (a *Alerter) ActiveAlerts() []Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()

	alerts := make([]Alert, 0, len(a.active))
	for _, alert := range a.active {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].FirstSeen.Before(alerts[j].FirstSeen) })
	return alerts
}

func (a *Alerter) trigger(key string, level AlertLevel, component, message string, details map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if existing, ok := a.active[key]; ok && !existing.Resolved {
		existing.Occurrences++
		existing.LastSeen = now
		existing.Message = message
		existing.Details = details
		if existing.Level == level {
			return
		}
		// escalation or de-escalation is a new notification
		existing.Level = level
		existing.Timestamp = now
		a.notify(*existing)
		return
	}

	alert := &Alert{
		ID:          fmt.Sprintf("%s_%d", key, now.Unix()),
		Level:       level,
		Service:     a.service,
		Component:   component,
		Message:     message,
		Details:     details,
		Timestamp:   now,
		Occurrences: 1,
		FirstSeen:   now,
		LastSeen:    now,
	}
	a.active[key] = alert

	a.logger.Warn("alert triggered", "key", key, "level", level, "component", component, "message", message)
	a.notify(*alert)
}

func (a *Alerter) resolve(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alert, ok := a.active[key]
	if !ok || alert.Resolved {
		return
	}
	now := a.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	alert.Timestamp = now

	a.logger.Info("alert resolved", "key", key, "duration", now.Sub(alert.FirstSeen).String(),
		"occurrences", alert.Occurrences)
	a.notify(*alert)
}

// notify sends a copy of alert to every handler in the background. Callers
// hold a.mu.
func (a *Alerter) notify(alert Alert) {
	if len(a.handlers) == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for _, h := range a.handlers {
			ctx, cancel := context.WithTimeout(context.Background(), defaultHandlerTimeout)
			if err := h.HandleAlert(ctx, &alert); err != nil {
				a.logger.Error("alert handler failed", "handler", h.Name(), "alert", alert.ID, "error", err)
			}
			cancel()
		}
	}()
}

// cleanup drops alerts resolved longer than the retention period ago.
func (a *Alerter) cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.retention)
	for key, alert := range a.active {
		if alert.Resolved && alert.ResolvedAt != nil && alert.ResolvedAt.Before(cutoff) {
			delete(a.active, key)
		}
	}
}
