// Package logging configures the process-wide slog logger.
//
// Log lines go to stdout as:
//
//	[2025-01-02T15:04:05Z] [INFO] reconcile complete {"projects":2}
//
// The trailing JSON object carries the structured attrs and is omitted when
// a record has none.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Setup installs the default logger at the given level. Level names are
// debug, info, warn, error; anything else falls back to info.
func Setup(level string) *slog.Logger {
	logger := slog.New(NewLineHandler(os.Stdout, ParseLevel(level)))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a LOG_LEVEL string to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LineHandler is a slog.Handler that writes bracketed single-line records.
type LineHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Level
	attrs []slog.Attr
}

// NewLineHandler creates a LineHandler writing to out at the given level.
func NewLineHandler(out io.Writer, level slog.Level) *LineHandler {
	return &LineHandler{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
	}
}

// Enabled reports whether records at the given level are emitted.
func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle writes a single formatted line for the record.
func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	meta := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		meta[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		meta[a.Key] = a.Value.Resolve().Any()
		return true
	})

	line := fmt.Sprintf("[%s] [%s] %s",
		ts.UTC().Format(time.RFC3339), levelName(r.Level), r.Message)
	if len(meta) > 0 {
		if data, err := json.Marshal(meta); err == nil {
			line += " " + string(data)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line+"\n")
	return err
}

// WithAttrs returns a handler that includes the given attrs on every record.
func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &LineHandler{mu: h.mu, out: h.out, level: h.level, attrs: merged}
}

// WithGroup flattens groups into a dotted key prefix on later attrs.
func (h *LineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &groupHandler{LineHandler: h, prefix: name + "."}
}

type groupHandler struct {
	*LineHandler
	prefix string
}

func (g *groupHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefixed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		prefixed[i] = slog.Attr{Key: g.prefix + a.Key, Value: a.Value}
	}
	return &groupHandler{
		LineHandler: g.LineHandler.WithAttrs(prefixed).(*LineHandler),
		prefix:      g.prefix,
	}
}

func (g *groupHandler) Handle(ctx context.Context, r slog.Record) error {
	prefixed := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		prefixed.AddAttrs(slog.Attr{Key: g.prefix + a.Key, Value: a.Value})
		return true
	})
	return g.LineHandler.Handle(ctx, prefixed)
}

func (g *groupHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return g
	}
	return &groupHandler{LineHandler: g.LineHandler, prefix: g.prefix + name + "."}
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
