package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/reliability"
)

// Adapter categories
const (
	CategorySMS         = "sms"
	CategoryIntegration = "integration"
)

// AdapterConfig is one entry of the adapter configuration snapshot. The
// registry reads only Name, Kind, Category, Type and Enabled; Settings belong
// to the adapter.
type AdapterConfig struct {
	Name     string                    `mapstructure:"name" json:"name"`
	Kind     string                    `mapstructure:"kind" json:"kind"`
	Category string                    `mapstructure:"category" json:"category"`
	Type     contracts.DestinationType `mapstructure:"type" json:"type"`
	Enabled  bool                      `mapstructure:"enabled" json:"enabled"`
	Settings map[string]any            `mapstructure:"settings" json:"-"`
}

// Key identifies an adapter within its category.
func (c AdapterConfig) Key() string {
	return c.Category + "/" + c.Name
}

// DecodeSettings decodes the adapter's Settings into out. Strings are weakly
// converted and durations accept "5s" style values.
func (c AdapterConfig) DecodeSettings(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(c.Settings); err != nil {
		return fmt.Errorf("adapter %s: settings: %w", c.Name, err)
	}
	return nil
}

// AmbiguityPolicy decides what happens when two enabled adapters serve the
// same destination type.
type AmbiguityPolicy int

const (
	// AmbiguityReject fails Build with ErrAmbiguousAdapters.
	AmbiguityReject AmbiguityPolicy = iota
	// AmbiguityFirstWins routes to the first adapter in configuration order.
	AmbiguityFirstWins
)

// ParseAmbiguityPolicy maps a config string onto a policy. Empty means reject.
func ParseAmbiguityPolicy(s string) (AmbiguityPolicy, error) {
	switch s {
	case "", "reject":
		return AmbiguityReject, nil
	case "first", "first_wins":
		return AmbiguityFirstWins, nil
	default:
		return AmbiguityReject, fmt.Errorf("unknown ambiguity policy %q", s)
	}
}

// PortInfo describes an initialized adapter
type PortInfo struct {
	Name     string                    `json:"name"`
	Kind     string                    `json:"kind"`
	Category string                    `json:"category"`
	Type     contracts.DestinationType `json:"type"`
	Inbound  bool                      `json:"inbound"`
}

type registeredPort struct {
	cfg  AdapterConfig
	port Port
}

// Registry constructs, initializes and owns ports, and resolves destination
// types to ports.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	ports     []*registeredPort
	byType    map[contracts.DestinationType]*registeredPort
	byKey     map[string]*registeredPort
	initErrs  []error
	built     bool
	closed    bool

	logger    *slog.Logger
	ambiguity AmbiguityPolicy
	initRetry reliability.RetryPolicy
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithAmbiguityPolicy sets how duplicate destination types are handled
func WithAmbiguityPolicy(p AmbiguityPolicy) RegistryOption {
	return func(r *Registry) {
		r.ambiguity = p
	}
}

// WithInitRetry retries Initialize under policy before giving up on an adapter.
func WithInitRetry(policy reliability.RetryPolicy) RegistryOption {
	return func(r *Registry) {
		r.initRetry = policy
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		byType:    make(map[contracts.DestinationType]*registeredPort),
		byKey:     make(map[string]*registeredPort),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// RegisterFactory makes an adapter kind constructible. Registering a kind twice
// replaces the earlier factory.
func (r *Registry) RegisterFactory(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Build constructs and initializes every enabled adapter in order. Disabled
// adapters are never constructed. A failing adapter is logged and skipped; Build
// fails only on invalid configuration or when no adapter initialized.
func (r *Registry) Build(ctx context.Context, configs []AdapterConfig) error {
	r.mu.Lock()
	if r.built {
		r.mu.Unlock()
		return errors.New("registry: already built")
	}
	r.built = true
	r.mu.Unlock()

	if err := r.checkConfigs(configs); err != nil {
		return err
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			r.logger.Debug("adapter disabled, skipping", "adapter", cfg.Name, "kind", cfg.Kind)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		port, err := r.initialize(ctx, cfg)
		if err != nil {
			r.logger.Error("adapter failed to initialize",
				"adapter", cfg.Name,
				"kind", cfg.Kind,
				"category", cfg.Category,
				"error", err)
			r.mu.Lock()
			r.initErrs = append(r.initErrs, err)
			r.mu.Unlock()
			continue
		}

		r.add(cfg, port)
		r.logger.Info("adapter initialized",
			"adapter", cfg.Name,
			"kind", cfg.Kind,
			"category", cfg.Category,
			"type", string(cfg.Type))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ports) == 0 {
		return errors.Join(append([]error{ErrNoUsableAdapters}, r.initErrs...)...)
	}
	return nil
}

func (r *Registry) checkConfigs(configs []AdapterConfig) error {
	names := make(map[string]bool)
	types := make(map[contracts.DestinationType]string)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if cfg.Name == "" {
			return fmt.Errorf("registry: adapter of kind %q has no name", cfg.Kind)
		}
		if names[cfg.Key()] {
			return fmt.Errorf("%w: %s", ErrDuplicateAdapter, cfg.Key())
		}
		names[cfg.Key()] = true

		if cfg.Type == "" {
			continue
		}
		if first, ok := types[cfg.Type]; ok {
			if r.ambiguity == AmbiguityReject {
				return fmt.Errorf("%w: %q served by %s and %s", ErrAmbiguousAdapters, cfg.Type, first, cfg.Name)
			}
			r.logger.Warn("several adapters serve one destination type, first wins",
				"type", string(cfg.Type),
				"selected", first,
				"ignored", cfg.Name)
			continue
		}
		types[cfg.Type] = cfg.Name
	}
	return nil
}

func (r *Registry) initialize(ctx context.Context, cfg AdapterConfig) (Port, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &InitializationError{Adapter: cfg.Name, Err: fmt.Errorf("%w %q", ErrUnknownAdapterKind, cfg.Kind)}
	}

	port, err := factory(cfg)
	if err != nil {
		return nil, asInitError(cfg.Name, err)
	}

	initialize := func() error { return port.Initialize(ctx, cfg) }
	if r.initRetry != nil {
		err = reliability.Retry(ctx, r.initRetry, initialize)
	} else {
		err = initialize()
	}
	if err != nil {
		return nil, asInitError(cfg.Name, err)
	}
	return port, nil
}

func asInitError(name string, err error) error {
	var initErr *InitializationError
	if errors.As(err, &initErr) {
		return err
	}
	return &InitializationError{Adapter: name, Err: err}
}

func (r *Registry) add(cfg AdapterConfig, port Port) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rp := &registeredPort{cfg: cfg, port: port}
	r.ports = append(r.ports, rp)
	r.byKey[cfg.Key()] = rp
	if cfg.Type != "" {
		if _, taken := r.byType[cfg.Type]; !taken {
			r.byType[cfg.Type] = rp
		}
	}
}

// Lookup resolves the port serving a destination type.
func (r *Registry) Lookup(t contracts.DestinationType) (Port, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rp, ok := r.byType[t]
	if !ok || r.closed {
		return nil, &AdapterNotFoundError{Type: t}
	}
	return rp.port, nil
}

// Get returns an adapter by category and name.
func (r *Registry) Get(category, name string) (Port, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rp, ok := r.byKey[category+"/"+name]
	if !ok || r.closed {
		return nil, &AdapterNotFoundError{Category: category, Name: name}
	}
	return rp.port, nil
}

// Ports returns the initialized ports in initialization order.
func (r *Registry) Ports() []Port {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Port, 0, len(r.ports))
	for _, rp := range r.ports {
		out = append(out, rp.port)
	}
	return out
}

// InboundPorts returns the initialized ports that can receive.
func (r *Registry) InboundPorts() []InboundPort {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []InboundPort
	for _, rp := range r.ports {
		if in, ok := rp.port.(InboundPort); ok {
			out = append(out, in)
		}
	}
	return out
}

// Describe lists the initialized adapters
func (r *Registry) Describe() []PortInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PortInfo, 0, len(r.ports))
	for _, rp := range r.ports {
		_, inbound := rp.port.(InboundPort)
		out = append(out, PortInfo{
			Name:     rp.cfg.Name,
			Kind:     rp.cfg.Kind,
			Category: rp.cfg.Category,
			Type:     rp.cfg.Type,
			Inbound:  inbound,
		})
	}
	return out
}

// InitErrors returns the initialization failures collected by Build.
func (r *Registry) InitErrors() []error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]error(nil), r.initErrs...)
}

// Shutdown shuts every initialized port once, in reverse initialization order.
// It continues past failures and returns them joined. Later calls are no-ops.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ports := append([]*registeredPort(nil), r.ports...)
	r.mu.Unlock()

	var errs []error
	for i := len(ports) - 1; i >= 0; i-- {
		rp := ports[i]
		if err := rp.port.Shutdown(ctx); err != nil {
			r.logger.Error("adapter shutdown failed", "adapter", rp.cfg.Name, "error", err)
			errs = append(errs, fmt.Errorf("shutdown %s: %w", rp.cfg.Name, err))
			continue
		}
		r.logger.Info("adapter shut down", "adapter", rp.cfg.Name)
	}
	return errors.Join(errs...)
}
