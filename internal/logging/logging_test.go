package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"CRITICAL", LevelCritical},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("INVALID")
	assert.Error(t, err)
}

func TestComponentLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{
		Default: "INFO",
		Components: map[string]string{
			"adapters":       "ERROR",
			"adapters.modem": "DEBUG",
		},
		Output: &buf,
	})

	t.Run("dotted names fall back to their parent", func(t *testing.T) {
		assert.Equal(t, slog.LevelError, l.Level("adapters.telegram"))
		assert.Equal(t, slog.LevelDebug, l.Level("adapters.modem"))
		assert.Equal(t, slog.LevelInfo, l.Level("router"))
	})

	t.Run("component loggers filter independently", func(t *testing.T) {
		buf.Reset()
		l.Component("adapters.telegram").Info("hidden")
		l.Component("adapters.modem").Debug("shown", "device", "/dev/ttyUSB0")
		l.Root().Debug("hidden too")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "msg=shown")
		assert.Contains(t, out, "component=adapters.modem")
	})

	t.Run("With keeps the component level", func(t *testing.T) {
		buf.Reset()
		l.Component("adapters").With("adapter", "tg").Warn("dropped")
		assert.Empty(t, buf.String())
	})
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Default: "INVALID", Components: map[string]string{"router": "LOUD"}, Output: &buf})

	assert.Equal(t, slog.LevelInfo, l.Level("router"))
	assert.Equal(t, 2, strings.Count(buf.String(), "invalid log level"))
}

func TestJSONFormatAndCritical(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Format: "json", Output: &buf})
	l.Root().Log(context.Background(), LevelCritical, "no usable adapters")

	assert.Contains(t, buf.String(), `"level":"CRITICAL"`)
	assert.Contains(t, buf.String(), `"msg":"no usable adapters"`)
}
