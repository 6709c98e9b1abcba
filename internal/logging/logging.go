// Package logging builds the slog loggers used across the runtime: a
// text handler on stderr for interactive use and, when configured, a
// JSON handler writing to a size-rotated file.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hexframe/swarmmail/internal/config"
)

// Options selects handler and level.
type Options struct {
	// Verbose lowers the stderr level from warn to debug.
	Verbose bool
	// Quiet discards everything not sent to the file sink.
	Quiet bool
	// File enables the rotating JSON sink when non-empty.
	File config.LoggingConfig
}

// New returns a logger per the options. With both a file sink and
// stderr enabled, records go to both.
func New(opts Options) *slog.Logger {
	var handlers []slog.Handler

	if !opts.Quiet {
		level := slog.LevelWarn
		if opts.Verbose {
			level = slog.LevelDebug
		}
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	if opts.File.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   opts.File.File,
			MaxSize:    opts.File.MaxSizeMB,
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAgeDays,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(rotated, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	case 1:
		return slog.New(handlers[0])
	default:
		return slog.New(multiHandler(handlers))
	}
}

// Discard returns a logger that drops everything. Component
// constructors accept it when callers have no logging configured.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// multiHandler fans records out to several handlers.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
