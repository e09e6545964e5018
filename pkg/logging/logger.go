// Package logging is the structured JSON logger shared by every component.
// Flow logs carry flow_id and, inside HTTP requests, request_id.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

// LogLevel is a configured level name.
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

var slogLevels = map[LogLevel]slog.Level{
	DebugLevel: slog.LevelDebug,
	InfoLevel:  slog.LevelInfo,
	WarnLevel:  slog.LevelWarn,
	ErrorLevel: slog.LevelError,
}

// Logger wraps slog.Logger with key/value helpers.
type Logger struct {
	*slog.Logger
}

// Config holds the configuration for the logger.
type Config struct {
	Level  LogLevel
	Output io.Writer
	// ServiceName and Environment are attached to every record.
	ServiceName string
	Environment string
}

// DefaultConfig logs info and above to stdout.
func DefaultConfig() Config {
	return Config{
		Level:       InfoLevel,
		Output:      os.Stdout,
		ServiceName: "invoicechain",
		Environment: "development",
	}
}

// ParseLevel maps a configured level name onto a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := slogLevels[l]; ok {
		return l
	}
	return InfoLevel
}

// New creates a JSON logger with RFC3339 timestamps.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	level, ok := slogLevels[cfg.Level]
	if !ok {
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(cfg.Output, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	})

	var attrs []any
	if cfg.ServiceName != "" {
		attrs = append(attrs, slog.String("service", cfg.ServiceName))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, slog.String("environment", cfg.Environment))
	}
	return &Logger{Logger: slog.New(handler).With(attrs...)}
}

// Nop returns a logger that discards everything. Used where a collaborator
// was built without one.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

type flowIDKey struct{}

// ContextWithFlowID returns a context carrying the id of the running flow.
func ContextWithFlowID(ctx context.Context, flowID string) context.Context {
	return context.WithValue(ctx, flowIDKey{}, flowID)
}

// FlowIDFromContext returns the flow id stored by ContextWithFlowID.
func FlowIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(flowIDKey{}).(string)
	return id
}

// WithContext adds request_id (chi RequestID middleware) and flow_id when
// ctx carries them.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	var attrs []any
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		attrs = append(attrs, slog.String("request_id", reqID))
	}
	if flowID := FlowIDFromContext(ctx); flowID != "" {
		attrs = append(attrs, slog.String("flow_id", flowID))
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{Logger: l.Logger.With(attrs...)}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(slog.Any(key, value))}
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	attrs := make([]any, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return &Logger{Logger: l.Logger.With(attrs...)}
}

// WithError adds the error text and its taxonomy kind, so partial failures
// and chain timeouts can be filtered without parsing messages.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With(
		slog.String("error", err.Error()),
		slog.String("error_kind", errors.Kind(err)),
	)}
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.Logger.Debug(msg, pairs(args)...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.Logger.Info(msg, pairs(args)...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.Logger.Warn(msg, pairs(args)...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.Logger.Error(msg, pairs(args)...) }

// pairs turns alternating keys and values into attributes. A dangling key
// gets an empty value and a non-string key is logged as "unknown".
func pairs(args []interface{}) []any {
	if len(args) == 0 {
		return nil
	}
	attrs := make([]any, 0, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "unknown"
		}
		var v interface{} = ""
		if i+1 < len(args) {
			v = args[i+1]
		}
		attrs = append(attrs, slog.Any(key, v))
	}
	return attrs
}
