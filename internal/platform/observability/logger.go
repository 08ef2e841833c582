package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Field keys whose values never reach the log output.
var redactedKeys = map[string]bool{
	"signer_key":  true,
	"private_key": true,
	"api_key":     true,
	"password":    true,
}

const redacted = "[REDACTED]"

// Logger is a slog.Logger whose Log* helpers attach the active trace and
// span IDs to every record.
type Logger struct {
	*slog.Logger
}

// NewLogger writes to stdout. format is "json" (default) or "text"; level
// is one of debug, info, warn, error and falls back to info.
func NewLogger(level, format string) *Logger {
	return NewLoggerTo(os.Stdout, level, format)
}

func NewLoggerTo(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLogLevel(level),
		AddSource:   true,
		ReplaceAttr: redactSecrets,
	}

	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewNopLogger discards everything.
func NewNopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))}
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] && a.Value.String() != "" {
		return slog.String(a.Key, redacted)
	}
	return a
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// WithComponent tags every record with component=name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", name))}
}

// WithChain tags every record with the chain the component serves.
func (l *Logger) WithChain(chainID int64) *Logger {
	return &Logger{Logger: l.With(slog.Int64("chain_id", chainID))}
}

func (l *Logger) traced(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l.Logger
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

func (l *Logger) LogError(ctx context.Context, msg string, err error, fields ...any) {
	l.traced(ctx).ErrorContext(ctx, msg, append(fields, slog.Any("error", err))...)
}

func (l *Logger) LogWarn(ctx context.Context, msg string, fields ...any) {
	l.traced(ctx).WarnContext(ctx, msg, fields...)
}

func (l *Logger) LogInfo(ctx context.Context, msg string, fields ...any) {
	l.traced(ctx).InfoContext(ctx, msg, fields...)
}

func (l *Logger) LogDebug(ctx context.Context, msg string, fields ...any) {
	l.traced(ctx).DebugContext(ctx, msg, fields...)
}

// DurationMS is the duration_ms field used across provider and gateway logs.
func DurationMS(start time.Time) slog.Attr {
	return slog.Int64("duration_ms", time.Since(start).Milliseconds())
}
