package lgr

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/natefinch/lumberjack"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the process logger. It writes colored records to stderr until
// Configure adds the rotating JSON file.
var Logger = slog.New(&fanoutHandler{handlers: []slog.Handler{NewPrettyHandler(os.Stderr, slog.LevelInfo)}})

// Configure sends records to the console and to a rotating JSON log file in
// folder. An empty folder keeps console-only logging.
func Configure(folder string, level slog.Level) io.Closer {
	if folder == "" {
		Logger = slog.New(&fanoutHandler{handlers: []slog.Handler{NewPrettyHandler(os.Stderr, level)}})
		return io.NopCloser(nil)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(folder, "perception.log"),
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     7, // days
		Compress:   true,
	}

	json := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})

	Logger = slog.New(&fanoutHandler{
		handlers: []slog.Handler{
			NewPrettyHandler(os.Stderr, level),
			json,
		},
	})
	return file
}

// WithSpan returns a context carrying a new span. The span joins the trace
// already in ctx, or starts a new trace when ctx has none. Records logged
// with the returned context carry its trace_id and span_id.
func WithSpan(ctx context.Context) context.Context {
	id := uuid.New()
	parent := trace.SpanContextFromContext(ctx)

	cfg := trace.SpanContextConfig{
		TraceID:    parent.TraceID(),
		TraceFlags: parent.TraceFlags(),
	}
	if !parent.IsValid() {
		cfg.TraceID = trace.TraceID(id)
	}
	copy(cfg.SpanID[:], id[8:])
	return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(cfg))
}

// fanoutHandler sends each record to every handler and decorates it with the
// active span, if any.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: handlers}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: handlers}
}
