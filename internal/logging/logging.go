// Package logging builds the gateway's slog loggers: one root handler with a
// default level, and per-component loggers that may run at their own level.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelCritical sits above error for messages that stop the process
const LevelCritical = slog.LevelError + 4

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options configure New
type Options struct {
	// Default is the level of loggers without a component override.
	Default string
	// Format is "text" or "json".
	Format string
	// Components maps component names to levels. A dotted name falls back to
	// its parent: "adapters.telegram" uses "adapters" when it has no entry.
	Components map[string]string
	Output     io.Writer
}

// ParseLevel accepts slog level names and the classic DEBUG, INFO, WARNING,
// ERROR and CRITICAL spellings, in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "CRITICAL", "FATAL":
		return LevelCritical, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Loggers hands out component loggers sharing one output handler
type Loggers struct {
	handler      slog.Handler
	defaultLevel slog.Level
	levels       map[string]slog.Level
	root         *slog.Logger
}

// New builds the loggers. Unknown level names fall back to INFO and are
// reported on the root logger rather than failing startup.
func New(opts Options) *Loggers {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	// the inner handler accepts everything; levelHandler filters
	hopts := &slog.HandlerOptions{Level: slog.Level(-8), ReplaceAttr: replaceLevel}
	var h slog.Handler
	if strings.EqualFold(opts.Format, FormatJSON) {
		h = slog.NewJSONHandler(out, hopts)
	} else {
		h = slog.NewTextHandler(out, hopts)
	}

	var invalid []string
	def, err := ParseLevel(opts.Default)
	if err != nil {
		invalid = append(invalid, err.Error())
	}

	l := &Loggers{handler: h, defaultLevel: def, levels: make(map[string]slog.Level, len(opts.Components))}
	for name, lvl := range opts.Components {
		parsed, err := ParseLevel(lvl)
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("component %s: %v", name, err))
			continue
		}
		l.levels[name] = parsed
	}
	l.root = slog.New(&levelHandler{level: def, inner: h})

	for _, msg := range invalid {
		l.root.Warn("invalid log level, using INFO", "error", msg)
	}
	return l
}

// Root returns the logger running at the default level
func (l *Loggers) Root() *slog.Logger { return l.root }

// Level returns the effective level of component
func (l *Loggers) Level(component string) slog.Level {
	for name := component; name != ""; {
		if lvl, ok := l.levels[name]; ok {
			return lvl
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[:i]
	}
	return l.defaultLevel
}

// Component returns a logger tagged with component and filtered at its level
func (l *Loggers) Component(component string) *slog.Logger {
	return slog.New(&levelHandler{level: l.Level(component), inner: l.handler}).With("component", component)
}

// levelHandler filters records below level before they reach inner
type levelHandler struct {
	level slog.Level
	inner slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, inner: h.inner.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, inner: h.inner.WithGroup(name)}
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
			a.Value = slog.StringValue("CRITICAL")
		}
	}
	return a
}
