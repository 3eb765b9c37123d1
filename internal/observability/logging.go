package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/traceboard/traceboard/internal/auth"
)

// logCorrelationHandler decorates log records with the identifiers an
// operator needs to pivot from a log line to the matching span and caller:
// the active trace/span ids and the authenticated API key id.
type logCorrelationHandler struct {
	next slog.Handler
}

// NewLogCorrelationHandler wraps next with trace and identity correlation.
// A nil next falls back to slog.Default().Handler().
func NewLogCorrelationHandler(next slog.Handler) slog.Handler {
	if next == nil {
		next = slog.Default().Handler()
	}
	return &logCorrelationHandler{next: next}
}

func (h *logCorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *logCorrelationHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if identity := auth.FromContext(ctx); identity != nil && identity.KeyID != "" {
		record.AddAttrs(slog.String("key_id", identity.KeyID))
	}
	return h.next.Handle(ctx, record)
}

func (h *logCorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logCorrelationHandler{next: h.next.WithAttrs(attrs)}
}

func (h *logCorrelationHandler) WithGroup(name string) slog.Handler {
	return &logCorrelationHandler{next: h.next.WithGroup(name)}
}
