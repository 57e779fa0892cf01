// Package logging configures relay's slog output: a colored console
// handler on stderr and, when debugging, a rotated log file.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultFile is the debug log name inside the relay home.
const DefaultFile = "relay.log"

// Options configures Setup.
type Options struct {
	// Level is the console level.
	Level slog.Level
	// DebugFile, when set, receives every record at debug level.
	DebugFile string
	// Console overrides stderr; used by tests.
	Console io.Writer
}

// Logger bundles the configured logger with the resources it holds.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *lumberjack.Logger
}

// Setup builds the logger and installs it as slog's default.
func Setup(opts Options) *Logger {
	level := &slog.LevelVar{}
	level.Set(opts.Level)

	console := opts.Console
	noColor := true
	if console == nil {
		console = colorable.NewColorable(os.Stderr)
		noColor = !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd())
	}
	handlers := []slog.Handler{
		tint.NewHandler(console, &tint.Options{
			Level:       level,
			TimeFormat:  time.TimeOnly,
			NoColor:     noColor,
			ReplaceAttr: dropEmpty,
		}),
	}

	l := &Logger{level: level}
	if opts.DebugFile != "" {
		l.file = &lumberjack.Logger{
			Filename:   opts.DebugFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		_ = os.MkdirAll(filepath.Dir(opts.DebugFile), 0o755)
		handlers = append(handlers, slog.NewJSONHandler(l.file, &slog.HandlerOptions{
			Level:       slog.LevelDebug,
			ReplaceAttr: dropEmpty,
		}))
	}

	l.Logger = slog.New(fanout(handlers))
	slog.SetDefault(l.Logger)
	return l
}

// SetLevel changes the console level.
func (l *Logger) SetLevel(level slog.Level) { l.level.Set(level) }

// Close flushes and closes the debug file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// dropEmpty removes attributes with zero values, such as a nil error.
func dropEmpty(groups []string, a slog.Attr) slog.Attr {
	skip := false
	switch t := a.Value.Any().(type) {
	case string:
		skip = t == ""
	case time.Duration:
		skip = t == 0
	case nil:
		skip = true
	}
	if skip && a.Key != slog.MessageKey {
		return slog.Attr{}
	}
	return a
}

// fanout sends every record to each handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
