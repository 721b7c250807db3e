// Package monitoring - logger.go wires zerolog for the daemon.
//
// DESIGN: One Logger wrapper owns level, format, and output resolution.
// Format "auto" follows the destination: console with timestamps on a TTY,
// JSON when piped or redirected. Request IDs travel through context so the
// rpc middleware and handlers log under one correlation id.
package monitoring

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/pagelens/page-monitor/internal/config"
)

// Context keys for request tracking.
type contextKey string

const RequestIDKey contextKey = "request_id"

// Logger wraps zerolog.Logger.
type Logger struct {
	zl zerolog.Logger
}

// LoggerConfigFrom maps the daemon's logging section onto a LoggerConfig.
// The debug flag forces the debug level regardless of configuration.
func LoggerConfigFrom(cfg config.LoggingConfig, debug bool) LoggerConfig {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	return LoggerConfig{Level: level, Format: cfg.Format, Output: cfg.Output}
}

// New creates a Logger with the given configuration.
func New(cfg LoggerConfig) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	writer := resolveOutput(cfg.Output)
	if useConsole(cfg.Format, writer) {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
	}

	zl := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Global installs the configured logger as the process-wide default.
func Global(cfg LoggerConfig) {
	logger := New(cfg)
	log.Logger = logger.zl
}

// resolveOutput maps the configured destination to a writer. An unopenable
// file falls back to stdout rather than losing logs.
func resolveOutput(output string) io.Writer {
	switch output {
	case "stdout", "":
		return os.Stdout
	case "stderr":
		return os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return os.Stdout
		}
		return f
	}
}

// useConsole decides the output shape. "auto" (and unset) picks console only
// when the destination is an interactive terminal.
func useConsole(format string, w io.Writer) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	}
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// Debug returns a debug event.
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }

// Info returns an info event.
func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }

// Warn returns a warn event.
func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }

// Error returns an error event.
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Fatal returns a fatal event.
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }

// RequestIDFromContext retrieves the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestIDContext returns a new context with the request ID.
func WithRequestIDContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}
