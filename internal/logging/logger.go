// Package logging provides the structured logger used by the engine and
// the network front ends.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with hashing-specific helpers.
// This keeps field names consistent across packages.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func New(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSON creates a Logger that writes JSON records to w.
func NewJSON(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewText creates a Logger that writes human-readable records to w.
func NewText(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// FromConfig builds a logger for format "json" or "text" at the named level.
func FromConfig(w io.Writer, format, level string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(format) {
	case "", "text":
		return NewText(w, lvl), nil
	case "json":
		return NewJSON(w, lvl), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Noop returns a Logger that discards all output.
func Noop() *Logger {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// WithComponent tags every record with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// WithSeed tags every record with a seed fingerprint.
func (l *Logger) WithSeed(seedID string) *Logger {
	return &Logger{Logger: l.Logger.With("seed", seedID)}
}

// LogHash logs a single hash request.
func (l *Logger) LogHash(ctx context.Context, size int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "hash failed",
			"input_bytes", size,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "hash completed",
		"input_bytes", size,
		"duration", d,
	)
}

// LogBatch logs a batch hash request.
func (l *Logger) LogBatch(ctx context.Context, count, failed int, d time.Duration) {
	if failed > 0 {
		l.WarnContext(ctx, "batch completed with failures",
			"total", count,
			"failed", failed,
			"duration", d,
		)
		return
	}
	l.DebugContext(ctx, "batch completed",
		"count", count,
		"duration", d,
	)
}

// LogRekey logs a seed change.
func (l *Logger) LogRekey(ctx context.Context, from, to string, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rekey failed",
			"from", from,
			"to", to,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "rekey completed",
		"from", from,
		"to", to,
		"duration", d,
	)
}

// LogDatasetBuild logs a full dataset expansion.
func (l *Logger) LogDatasetBuild(ctx context.Context, items uint64, workers int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "dataset build failed",
			"items", items,
			"workers", workers,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "dataset built",
		"items", items,
		"workers", workers,
		"duration", d,
	)
}

// LogRequest logs one request served by a network front end.
func (l *Logger) LogRequest(ctx context.Context, transport, peer string, inputs int, err error) {
	if err != nil {
		l.WarnContext(ctx, "request rejected",
			"transport", transport,
			"peer", peer,
			"inputs", inputs,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "request served",
		"transport", transport,
		"peer", peer,
		"inputs", inputs,
	)
}
