// Package logging provides structured logging configuration for fdshare.
//
// Logging Strategy:
// - JSON format on stderr: stdout is reserved for the PID greeting that the
//   supervisor parses, so diagnostics must never touch it
// - Source locations included for debugging (file:line)
// - Log levels configurable via config file (debug, info, warn, error)
// - When the systemd journal is available, records are additionally
//   forwarded to journald with a matching priority
//
// Usage:
//
//	logger := logging.SetupLogger("info")
//	logger.Info("action description", "key", value)
package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// SetupLogger creates and configures a structured JSON logger writing to
// stderr. The level parameter accepts "debug", "info", "warn", "error"
// (case-insensitive); invalid levels default to "info".
//
// The logger is also set as the default via slog.SetDefault, allowing use
// of the global slog.Info(), slog.Error(), etc. functions.
func SetupLogger(level string) *slog.Logger {
	slogLevel := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Shorten source paths by removing the module prefix
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					if idx := strings.Index(source.File, "internal/"); idx != -1 {
						source.File = source.File[idx:]
					} else {
						source.File = filepath.Base(source.File)
					}
					if idx := strings.Index(source.Function, "internal/"); idx != -1 {
						source.Function = source.Function[idx:]
					}
				}
			}
			return a
		},
	}

	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, opts)

	// Forward to journald as well when running under systemd. The JSON
	// stream on stderr still lands in the journal as plain text; sending
	// natively preserves the priority and the structured fields.
	if journal.Enabled() {
		handler = teeHandler{handler, &journalHandler{level: slogLevel}}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a logger with a pre-set component attribute.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// teeHandler fans a record out to every wrapped handler.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// journalHandler sends records to the systemd journal with native
// priorities and uppercased attribute names as journal fields.
type journalHandler struct {
	level slog.Level
	attrs []slog.Attr
}

func (j *journalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= j.level
}

func (j *journalHandler) Handle(_ context.Context, r slog.Record) error {
	vars := make(map[string]string, r.NumAttrs()+len(j.attrs))
	for _, a := range j.attrs {
		vars[fieldName(a.Key)] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		vars[fieldName(a.Key)] = a.Value.String()
		return true
	})
	return journal.Send(r.Message, priority(r.Level), vars)
}

func (j *journalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(j.attrs)+len(attrs))
	merged = append(merged, j.attrs...)
	merged = append(merged, attrs...)
	return &journalHandler{level: j.level, attrs: merged}
}

func (j *journalHandler) WithGroup(string) slog.Handler {
	// Journal fields are flat; groups are not represented.
	return j
}

// fieldName maps an slog key to a journald field name. Journald requires
// uppercase ASCII, digits, and underscores.
func fieldName(key string) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(key) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "X" + name
	}
	return name
}

func priority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}
