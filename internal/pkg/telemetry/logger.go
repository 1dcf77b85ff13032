package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// ContextHandler is a custom slog.Handler that extracts TraceID and SpanID
// from the context and adds them as attributes to every log record.
type ContextHandler struct {
	slog.Handler
}

// Handle adds tracing context attributes before calling the underlying handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	spanContext := trace.SpanContextFromContext(ctx)
	if spanContext.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", spanContext.TraceID().String()))
	}
	if spanContext.HasSpanID() {
		r.AddAttrs(slog.String("span_id", spanContext.SpanID().String()))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs keeps the decoration on derived handlers (logger.With).
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// NewContextHandler returns a new slog.Handler that decorates logs with tracing IDs.
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// ParseLevel maps LOG_LEVEL values (debug, info, warn, error) to a slog
// level. Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewLogger builds a JSON logger on w decorated with tracing context.
func NewLogger(w io.Writer, level slog.Level, service string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(NewContextHandler(handler)).With("service", service)
}

// InitLogger initialises the global slog logger with a JSON handler on
// stderr decorated with tracing context, and returns it.
func InitLogger(level, service string) *slog.Logger {
	logger := NewLogger(os.Stderr, ParseLevel(level), service)
	slog.SetDefault(logger)
	return logger
}
