// Package config loads the gateway configuration from a YAML or JSON file,
// an optional .env file and GATEWAY_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/logging"
	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/messaging"
)

// EnvPrefix prefixes environment overrides: GATEWAY_RUNTIME_MAX_RETRIES
// overrides runtime.max_retries.
const EnvPrefix = "GATEWAY"

// keyDelimiter separates nested keys so component names such as
// "adapters.modem" stay single map keys.
const keyDelimiter = "::"

// Backoff strategies
const (
	StrategyExponential = "exponential"
	StrategyLinear      = "linear"
)

// Config is the full configuration snapshot
type Config struct {
	Name        string                    `mapstructure:"name"`
	Adapters    []messaging.AdapterConfig `mapstructure:"-"`
	Queues      QueuesConfig              `mapstructure:"queues"`
	Runtime     RuntimeConfig             `mapstructure:"runtime"`
	HTTP        HTTPConfig                `mapstructure:"http"`
	Tracing     TracingConfig             `mapstructure:"tracing"`
	DeadLetters DeadLetterConfig          `mapstructure:"dead_letters"`
	Breaker     BreakerConfig             `mapstructure:"breaker"`
	Alerts      AlertsConfig              `mapstructure:"alerts"`
}

// QueuesConfig sizes the two routing queues
type QueuesConfig struct {
	Incoming messaging.QueueConfig `mapstructure:"incoming"`
	Outgoing messaging.QueueConfig `mapstructure:"outgoing"`
}

// RuntimeConfig holds the routing knobs
type RuntimeConfig struct {
	PollDelay     time.Duration `mapstructure:"poll_delay"`
	MaxRetries    int           `mapstructure:"max_retries"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	Ambiguity     string        `mapstructure:"ambiguity"`
	// LogLevel is the pre-components spelling of Logging.Default.
	LogLevel string        `mapstructure:"log_level"`
	Logging  LoggingConfig `mapstructure:"logging"`
	Backoff  BackoffConfig `mapstructure:"backoff"`
}

// LoggingConfig sets the default and per-component log levels
type LoggingConfig struct {
	Default    string            `mapstructure:"default"`
	Format     string            `mapstructure:"format"`
	Components map[string]string `mapstructure:"components"`
}

// BackoffConfig selects the retry delay policy
type BackoffConfig struct {
	Strategy     string        `mapstructure:"strategy"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Increment    time.Duration `mapstructure:"increment"`
	Jitter       bool          `mapstructure:"jitter"`
}

// HTTPConfig configures the HTTP API. An empty Addr disables it.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig allows browser clients from the listed origins
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// TracingConfig configures span export
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// DeadLetterConfig configures the dead-letter store. With Path set letters
// are kept in a bbolt file, otherwise in memory.
type DeadLetterConfig struct {
	Path     string `mapstructure:"path"`
	Capacity int    `mapstructure:"capacity"`
}

// BreakerConfig configures the per-port circuit breakers
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// AlertsConfig turns health check transitions into notifications
type AlertsConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Interval time.Duration   `mapstructure:"interval"`
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

// WebhookConfig is one alert webhook endpoint
type WebhookConfig struct {
	Name   string `mapstructure:"name"`
	URL    string `mapstructure:"url"`
	Format string `mapstructure:"format"`
	Secret string `mapstructure:"secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "sms-gateway")
	v.SetDefault("queues::incoming::type", "memory")
	v.SetDefault("queues::incoming::maxsize", messaging.DefaultQueueSize)
	v.SetDefault("queues::outgoing::type", "memory")
	v.SetDefault("queues::outgoing::maxsize", messaging.DefaultQueueSize)

	v.SetDefault("runtime::poll_delay", messaging.DefaultPollDelay)
	v.SetDefault("runtime::max_retries", messaging.DefaultMaxRetries)
	v.SetDefault("runtime::shutdown_grace", messaging.DefaultShutdownGrace)
	v.SetDefault("runtime::send_timeout", 30*time.Second)
	v.SetDefault("runtime::ambiguity", "reject")
	v.SetDefault("runtime::logging::default", "")
	v.SetDefault("runtime::logging::format", logging.FormatText)
	v.SetDefault("runtime::backoff::strategy", StrategyExponential)
	v.SetDefault("runtime::backoff::initial_delay", reliability.DefaultInitialInterval)
	v.SetDefault("runtime::backoff::max_delay", reliability.DefaultMaxInterval)
	v.SetDefault("runtime::backoff::multiplier", reliability.DefaultMultiplier)
	v.SetDefault("runtime::backoff::increment", 5*time.Second)
	v.SetDefault("runtime::backoff::jitter", true)

	v.SetDefault("http::addr", ":8080")
	v.SetDefault("http::read_timeout", 10*time.Second)
	v.SetDefault("http::write_timeout", 10*time.Second)
	v.SetDefault("http::shutdown_timeout", 5*time.Second)

	v.SetDefault("tracing::enabled", false)
	v.SetDefault("tracing::endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing::service_name", "mmate-gateway")
	v.SetDefault("tracing::sample_ratio", 1.0)

	v.SetDefault("dead_letters::path", "")
	v.SetDefault("dead_letters::capacity", 10000)

	v.SetDefault("breaker::enabled", false)
	v.SetDefault("breaker::failure_threshold", 5)
	v.SetDefault("breaker::success_threshold", 2)
	v.SetDefault("breaker::cooldown", 30*time.Second)

	v.SetDefault("alerts::enabled", false)
	v.SetDefault("alerts::interval", 30*time.Second)
}

// Options configure Load
type Options struct {
	// EnvFile is loaded into the environment before reading; a missing file is ignored.
	EnvFile string
	// SearchPaths are used when path is empty, looking for gateway.{yaml,json}.
	SearchPaths []string
}

// Load reads the configuration at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string, opts ...Options) (*Config, error) {
	o := Options{EnvFile: ".env", SearchPaths: []string{".", "/etc/mmate-gateway"}}
	if len(opts) > 0 {
		o = opts[0]
	}

	if o.EnvFile != "" {
		if err := godotenv.Load(o.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", o.EnvFile, err)
		}
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gateway")
		for _, p := range o.SearchPaths {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Queues.Incoming.Name = "incoming"
	cfg.Queues.Outgoing.Name = "outgoing"
	if cfg.Runtime.Logging.Default == "" {
		cfg.Runtime.Logging.Default = cfg.Runtime.LogLevel
	}

	adapters, err := collectAdapters(v)
	if err != nil {
		return nil, err
	}
	cfg.Adapters = adapters
	return &cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// secondsToDurationHook reads bare numbers as seconds, so poll_delay: 0.5
// means half a second.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch n := data.(type) {
		case float64:
			return time.Duration(n * float64(time.Second)), nil
		case float32:
			return time.Duration(float64(n) * float64(time.Second)), nil
		case int:
			return time.Duration(n) * time.Second, nil
		case int64:
			return time.Duration(n) * time.Second, nil
		}
		return data, nil
	}
}

// ServiceConfig returns the routing configuration of the message service
func (c *Config) ServiceConfig() messaging.ServiceConfig {
	return messaging.ServiceConfig{
		PollDelay:     c.Runtime.PollDelay,
		MaxRetries:    c.Runtime.MaxRetries,
		ShutdownGrace: c.Runtime.ShutdownGrace,
		SendTimeout:   c.Runtime.SendTimeout,
	}
}

// RetryPolicy builds the delivery backoff policy
func (c *Config) RetryPolicy() reliability.RetryPolicy {
	b := c.Runtime.Backoff
	if b.Strategy == StrategyLinear {
		p := reliability.NewLinearBackoff(b.InitialDelay, b.Increment, b.MaxDelay, c.Runtime.MaxRetries)
		p.Jitter = b.Jitter
		return p
	}
	p := reliability.NewExponentialBackoff(b.InitialDelay, b.MaxDelay, b.Multiplier, c.Runtime.MaxRetries)
	p.Jitter = b.Jitter
	return p
}

// AmbiguityPolicy returns the registry's policy for adapters sharing a type
func (c *Config) AmbiguityPolicy() messaging.AmbiguityPolicy {
	p, _ := messaging.ParseAmbiguityPolicy(c.Runtime.Ambiguity)
	return p
}

// LoggingOptions returns the options of the root logger
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Default:    c.Runtime.Logging.Default,
		Format:     c.Runtime.Logging.Format,
		Components: c.Runtime.Logging.Components,
	}
}

// EnabledAdapters lists the enabled adapters in configuration order
func (c *Config) EnabledAdapters() []messaging.AdapterConfig {
	var out []messaging.AdapterConfig
	for _, a := range c.Adapters {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks bounds and cross-field constraints, reporting every problem.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Name == "" {
		add("name is required")
	}

	for _, q := range []messaging.QueueConfig{c.Queues.Incoming, c.Queues.Outgoing} {
		if q.Type != "" && q.Type != "memory" {
			add("queues.%s.type: unsupported queue type %q", q.Name, q.Type)
		}
		if q.MaxSize <= 0 {
			add("queues.%s.maxsize must be positive, got %d", q.Name, q.MaxSize)
		}
	}

	r := c.Runtime
	if r.PollDelay < 100*time.Millisecond || r.PollDelay > 60*time.Second {
		add("runtime.poll_delay must be within [100ms, 60s], got %s", r.PollDelay)
	}
	if r.MaxRetries < 0 {
		add("runtime.max_retries must not be negative, got %d", r.MaxRetries)
	}
	if r.ShutdownGrace <= 0 {
		add("runtime.shutdown_grace must be positive, got %s", r.ShutdownGrace)
	}
	if r.SendTimeout < 0 {
		add("runtime.send_timeout must not be negative, got %s", r.SendTimeout)
	}
	if _, err := messaging.ParseAmbiguityPolicy(r.Ambiguity); err != nil {
		add("runtime.ambiguity: %v", err)
	}
	switch strings.ToLower(r.Logging.Format) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		add("runtime.logging.format: unknown format %q", r.Logging.Format)
	}

	b := r.Backoff
	switch b.Strategy {
	case StrategyExponential:
		if b.Multiplier < 1.1 {
			add("runtime.backoff.multiplier must be at least 1.1, got %v", b.Multiplier)
		}
	case StrategyLinear:
		if b.Increment < 100*time.Millisecond {
			add("runtime.backoff.increment must be at least 100ms, got %s", b.Increment)
		}
	default:
		add("runtime.backoff.strategy: unknown strategy %q", b.Strategy)
	}
	if b.InitialDelay < 100*time.Millisecond {
		add("runtime.backoff.initial_delay must be at least 100ms, got %s", b.InitialDelay)
	}
	if b.MaxDelay < time.Second {
		add("runtime.backoff.max_delay must be at least 1s, got %s", b.MaxDelay)
	}
	if b.MaxDelay < b.InitialDelay {
		add("runtime.backoff.max_delay %s is below initial_delay %s", b.MaxDelay, b.InitialDelay)
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			add("tracing.endpoint is required when tracing is enabled")
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			add("tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio)
		}
	}
	if c.DeadLetters.Capacity <= 0 {
		add("dead_letters.capacity must be positive, got %d", c.DeadLetters.Capacity)
	}
	if c.Breaker.Enabled {
		if c.Breaker.FailureThreshold <= 0 {
			add("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
		}
		if c.Breaker.Cooldown <= 0 {
			add("breaker.cooldown must be positive, got %s", c.Breaker.Cooldown)
		}
	}

	if c.Alerts.Enabled {
		if c.Alerts.Interval < time.Second {
			add("alerts.interval must be at least 1s, got %s", c.Alerts.Interval)
		}
		for i, w := range c.Alerts.Webhooks {
			if w.URL == "" {
				add("alerts.webhooks[%d]: url is required", i)
			}
			switch w.Format {
			case "", "generic", "slack":
			default:
				add("alerts.webhooks[%d]: unknown format %q", i, w.Format)
			}
		}
	}

	seen := make(map[string]bool, len(c.Adapters))
	for i, a := range c.Adapters {
		switch {
		case a.Name == "":
			add("adapters[%d]: name is required", i)
		case seen[a.Name]:
			add("adapters[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Kind == "" {
			add("adapters[%d] %s: kind is required", i, a.Name)
		}
		if a.Type == "" {
			add("adapters[%d] %s: type is required", i, a.Name)
		}
		if a.Category != messaging.CategorySMS && a.Category != messaging.CategoryIntegration {
			add("adapters[%d] %s: unknown category %q", i, a.Name, a.Category)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// kindTypes is the destination type served by each adapter kind when the
// configuration does not name one.
var kindTypes = map[string]contracts.DestinationType{
	"modem":    contracts.DestinationSMS,
	"gammu":    contracts.DestinationSMS,
	"telegram": contracts.DestinationChat,
	"smtp":     contracts.DestinationEmail,
	"email":    contracts.DestinationEmail,
	"amqp":     contracts.DestinationAMQP,
	"nats":     contracts.DestinationNATS,
}

// kindAliases maps configuration spellings onto factory keys
var kindAliases = map[string]string{"email": "smtp"}

// reserved keys of an adapter entry; everything else is a setting
var reserved = map[string]bool{"name": true, "kind": true, "category": true, "type": true, "enabled": true, "settings": true}

// collectAdapters reads the "adapters" list and the grouped "sms" and
// "integration" sections, where adapters are listed under their kind:
//
//	sms:
//	  gammu:
//	    - name: modem1
//	      port: /dev/ttyUSB0
//
// Entries are enabled unless they say otherwise; keys other than the reserved
// ones are merged into settings.
func collectAdapters(v *viper.Viper) ([]messaging.AdapterConfig, error) {
	var out []messaging.AdapterConfig

	var list []map[string]any
	if err := v.UnmarshalKey("adapters", &list); err != nil {
		return nil, fmt.Errorf("config: adapters: %w", err)
	}
	for i, raw := range list {
		a, err := adapterFromMap(raw, "", "")
		if err != nil {
			return nil, fmt.Errorf("config: adapters[%d]: %w", i, err)
		}
		out = append(out, a)
	}

	for _, category := range []string{messaging.CategorySMS, messaging.CategoryIntegration} {
		var grouped map[string][]map[string]any
		if err := v.UnmarshalKey(category, &grouped); err != nil {
			return nil, fmt.Errorf("config: %s: %w", category, err)
		}
		kinds := make([]string, 0, len(grouped))
		for kind := range grouped {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			for i, raw := range grouped[kind] {
				a, err := adapterFromMap(raw, category, kind)
				if err != nil {
					return nil, fmt.Errorf("config: %s.%s[%d]: %w", category, kind, i, err)
				}
				out = append(out, a)
			}
		}
	}
	return out, nil
}

func adapterFromMap(raw map[string]any, category, kind string) (messaging.AdapterConfig, error) {
	var a messaging.AdapterConfig
	a.Enabled = true
	a.Category = category
	a.Kind = kind

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &a,
	})
	if err != nil {
		return a, err
	}
	head := make(map[string]any, len(reserved))
	settings := make(map[string]any)
	for k, val := range raw {
		key := strings.ToLower(k)
		switch {
		case key == "settings":
			nested, ok := val.(map[string]any)
			if !ok && val != nil {
				return a, fmt.Errorf("settings must be a map, got %T", val)
			}
			for sk, sv := range nested {
				settings[sk] = sv
			}
		case reserved[key]:
			head[key] = val
		default:
			settings[key] = val
		}
	}
	if err := dec.Decode(head); err != nil {
		return a, err
	}

	a.Kind = strings.ToLower(a.Kind)
	if alias, ok := kindAliases[a.Kind]; ok {
		a.Kind = alias
	}
	if a.Type == "" {
		a.Type = defaultType(a.Kind, kind, a.Category)
	}
	if a.Category == "" {
		a.Category = messaging.CategoryIntegration
		if a.Type == contracts.DestinationSMS {
			a.Category = messaging.CategorySMS
		}
	}
	if len(settings) > 0 {
		a.Settings = settings
	}
	return a, nil
}

func defaultType(kind, group, category string) contracts.DestinationType {
	if t, ok := kindTypes[kind]; ok {
		return t
	}
	if t, ok := kindTypes[group]; ok {
		return t
	}
	// stub adapters stand in for whichever side they are configured on
	if category == messaging.CategorySMS {
		return contracts.DestinationSMS
	}
	return contracts.DestinationChat
}
