package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCheckConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: edge
adapters:
  - name: modem1
    kind: modem
    settings:
      port: /dev/ttyUSB0
  - name: bot
    kind: telegram
    enabled: false
`), 0o600))

	out, err := execute(t, "check-config", "--config", path, "--env-file", "")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration OK: edge")
	assert.Contains(t, out, "modem1")
	assert.NotContains(t, out, "bot ")
	assert.Contains(t, out, "1 adapter(s) disabled")
}

func TestCheckConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  max_retries: -1\n"), 0o600))

	_, err := execute(t, "check-config", "--config", path, "--env-file", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_retries")
}

func TestAdaptersCommand(t *testing.T) {
	out, err := execute(t, "adapters")
	require.NoError(t, err)
	for _, kind := range []string{"amqp", "modem", "nats", "smtp", "stub", "telegram"} {
		assert.Contains(t, out, kind)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
