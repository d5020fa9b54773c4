package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/messaging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const fullYAML = `
name: test-gateway
adapters:
  - name: modem1
    kind: modem
    device: /dev/ttyUSB0
    pin: "1234"
  - name: tg
    kind: telegram
    enabled: false
    settings:
      bot_token: abc
      chat_id: "42"
queues:
  incoming:
    maxsize: 10
runtime:
  poll_delay: 0.5
  max_retries: 3
  send_timeout: 10s
  ambiguity: first_wins
  logging:
    default: DEBUG
    components:
      adapters.modem: WARNING
  backoff:
    strategy: linear
    initial_delay: 2s
    max_delay: 1m
    increment: 3
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeFile(t, "gateway.yaml", fullYAML), Options{})
	require.NoError(t, err)

	assert.Equal(t, "test-gateway", cfg.Name)

	t.Run("adapters keep order and split settings", func(t *testing.T) {
		require.Len(t, cfg.Adapters, 2)

		modem := cfg.Adapters[0]
		assert.Equal(t, "modem1", modem.Name)
		assert.Equal(t, "modem", modem.Kind)
		assert.Equal(t, contracts.DestinationSMS, modem.Type)
		assert.Equal(t, messaging.CategorySMS, modem.Category)
		assert.True(t, modem.Enabled)
		assert.Equal(t, "/dev/ttyUSB0", modem.Settings["device"])
		assert.Equal(t, "1234", modem.Settings["pin"])

		tg := cfg.Adapters[1]
		assert.False(t, tg.Enabled)
		assert.Equal(t, contracts.DestinationChat, tg.Type)
		assert.Equal(t, messaging.CategoryIntegration, tg.Category)
		assert.Equal(t, "abc", tg.Settings["bot_token"])

		assert.Len(t, cfg.EnabledAdapters(), 1)
	})

	t.Run("queues default and are named", func(t *testing.T) {
		assert.Equal(t, messaging.QueueConfig{Name: "incoming", Type: "memory", MaxSize: 10}, cfg.Queues.Incoming)
		assert.Equal(t, messaging.DefaultQueueSize, cfg.Queues.Outgoing.MaxSize)
	})

	t.Run("runtime", func(t *testing.T) {
		sc := cfg.ServiceConfig()
		assert.Equal(t, 500*time.Millisecond, sc.PollDelay)
		assert.Equal(t, 3, sc.MaxRetries)
		assert.Equal(t, 10*time.Second, sc.SendTimeout)
		assert.Equal(t, messaging.DefaultShutdownGrace, sc.ShutdownGrace)
		assert.Equal(t, messaging.AmbiguityFirstWins, cfg.AmbiguityPolicy())

		opts := cfg.LoggingOptions()
		assert.Equal(t, "DEBUG", opts.Default)
		assert.Equal(t, "WARNING", opts.Components["adapters.modem"])
	})

	t.Run("linear backoff policy", func(t *testing.T) {
		policy, ok := cfg.RetryPolicy().(*reliability.LinearBackoff)
		require.True(t, ok)
		assert.Equal(t, 2*time.Second, policy.InitialInterval)
		assert.Equal(t, 3*time.Second, policy.Increment)
		assert.Equal(t, time.Minute, policy.MaxInterval)
		assert.Equal(t, 3, policy.MaxRetries())
	})
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "gateway.json", `{"adapters": [{"name": "gen", "kind": "stub"}]}`), Options{})
	require.NoError(t, err)

	assert.Equal(t, "sms-gateway", cfg.Name)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, messaging.DefaultServiceConfig().MaxRetries, cfg.Runtime.MaxRetries)
	assert.Equal(t, messaging.AmbiguityReject, cfg.AmbiguityPolicy())
	assert.False(t, cfg.Breaker.Enabled)
	assert.Equal(t, 10000, cfg.DeadLetters.Capacity)

	policy, ok := cfg.RetryPolicy().(*reliability.ExponentialBackoff)
	require.True(t, ok)
	assert.Equal(t, time.Second, policy.InitialInterval)
	assert.Equal(t, 60*time.Second, policy.MaxInterval)
	assert.Equal(t, 2.0, policy.Multiplier)
	assert.True(t, policy.Jitter)

	require.Len(t, cfg.Adapters, 1)
	assert.Equal(t, contracts.DestinationChat, cfg.Adapters[0].Type)
}

func TestLoadGroupedSections(t *testing.T) {
	path := writeFile(t, "gateway.json", `{
		"name": "legacy",
		"sms": {
			"gammu": [{"name": "modem", "port": "/dev/ttyUSB1", "connection": "at19200"}],
			"stub": [{"name": "fake-sms", "enabled": false}]
		},
		"integration": {
			"telegram": [{"name": "bot", "bot_token": "t", "chat_id": "1"}],
			"email": [{"name": "mail", "host": "smtp.example.com"}]
		},
		"runtime": {"log_level": "WARNING"}
	}`)

	cfg, err := Load(path, Options{})
	require.NoError(t, err)
	require.Len(t, cfg.Adapters, 4)

	byName := map[string]messaging.AdapterConfig{}
	for _, a := range cfg.Adapters {
		byName[a.Name] = a
	}

	assert.Equal(t, "gammu", byName["modem"].Kind)
	assert.Equal(t, contracts.DestinationSMS, byName["modem"].Type)
	assert.Equal(t, "at19200", byName["modem"].Settings["connection"])

	assert.Equal(t, contracts.DestinationSMS, byName["fake-sms"].Type)
	assert.False(t, byName["fake-sms"].Enabled)

	assert.Equal(t, contracts.DestinationChat, byName["bot"].Type)
	assert.Equal(t, messaging.CategoryIntegration, byName["bot"].Category)

	assert.Equal(t, "smtp", byName["mail"].Kind)
	assert.Equal(t, contracts.DestinationEmail, byName["mail"].Type)

	assert.Equal(t, "WARNING", cfg.LoggingOptions().Default)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GATEWAY_RUNTIME_MAX_RETRIES", "7")
	t.Setenv("GATEWAY_HTTP_ADDR", "127.0.0.1:9090")

	envFile := writeFile(t, ".env", "GATEWAY_TRACING_SERVICE_NAME=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv("GATEWAY_TRACING_SERVICE_NAME") })

	cfg, err := Load(writeFile(t, "gateway.yaml", "name: env\n"), Options{EnvFile: envFile})
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Runtime.MaxRetries)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr)
	assert.Equal(t, "from-dotenv", cfg.Tracing.ServiceName)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Options{})
		assert.Error(t, err)
	})

	t.Run("missing env file is ignored", func(t *testing.T) {
		_, err := Load(writeFile(t, "gateway.yaml", "name: x\n"), Options{EnvFile: filepath.Join(t.TempDir(), ".env")})
		assert.NoError(t, err)
	})

	t.Run("bounds are enforced", func(t *testing.T) {
		path := writeFile(t, "gateway.yaml", `
runtime:
  poll_delay: 0.01
  max_retries: -1
  ambiguity: random
  backoff:
    multiplier: 1.0
adapters:
  - name: a
    kind: stub
  - name: a
    kind: stub
`)
		_, err := Load(path, Options{})
		require.Error(t, err)
		for _, want := range []string{"poll_delay", "max_retries", "ambiguity", "multiplier", "duplicate name"} {
			assert.Contains(t, err.Error(), want)
		}
	})
}
