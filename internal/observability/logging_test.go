package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/traceboard/traceboard/internal/auth"
)

func correlationLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewLogCorrelationHandler(
		slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))
}

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	return line
}

func spanContextForTest() trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xab, 0xcd, 0x01},
		SpanID:     trace.SpanID{0x0f, 0x0e},
		TraceFlags: trace.FlagsSampled,
	})
}

func TestLogCorrelationAddsTraceIDs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := correlationLogger(&buf)

	sc := spanContextForTest()
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	logger.InfoContext(ctx, "listing served", "project_id", "proj-1")

	line := decodeLogLine(t, &buf)
	if line["trace_id"] != sc.TraceID().String() {
		t.Fatalf("trace_id = %v, want %s", line["trace_id"], sc.TraceID())
	}
	if line["span_id"] != sc.SpanID().String() {
		t.Fatalf("span_id = %v, want %s", line["span_id"], sc.SpanID())
	}
	if line["project_id"] != "proj-1" {
		t.Fatalf("project_id = %v, want proj-1", line["project_id"])
	}
}

func TestLogCorrelationSkipsIDsWithoutSpan(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := correlationLogger(&buf)

	logger.InfoContext(context.Background(), "writer started")

	line := decodeLogLine(t, &buf)
	if _, ok := line["trace_id"]; ok {
		t.Fatalf("unexpected trace_id on a span-less record: %v", line)
	}
	if _, ok := line["span_id"]; ok {
		t.Fatalf("unexpected span_id on a span-less record: %v", line)
	}
}

func TestLogCorrelationAddsKeyID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := correlationLogger(&buf)

	ctx := auth.WithIdentity(context.Background(), &auth.Identity{KeyID: "key-grid"})
	logger.InfoContext(ctx, "bulk delete", "deleted", 3)

	line := decodeLogLine(t, &buf)
	if line["key_id"] != "key-grid" {
		t.Fatalf("key_id = %v, want key-grid", line["key_id"])
	}
}

func TestLogCorrelationPreservesWithAttrsAndGroup(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := correlationLogger(&buf).With("component", "ingest").WithGroup("queue")

	sc := spanContextForTest()
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	logger.InfoContext(ctx, "trace dropped", "depth", 128)

	line := decodeLogLine(t, &buf)
	if line["component"] != "ingest" {
		t.Fatalf("component = %v, want ingest", line["component"])
	}
	group, ok := line["queue"].(map[string]any)
	if !ok {
		t.Fatalf("queue group missing: %v", line)
	}
	if group["depth"] != float64(128) {
		t.Fatalf("queue.depth = %v, want 128", group["depth"])
	}
	if group["trace_id"] != sc.TraceID().String() {
		t.Fatalf("grouped trace_id = %v, want %s", group["trace_id"], sc.TraceID())
	}
}

func TestLogCorrelationRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewLogCorrelationHandler(
		slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	))

	logger.Info("below threshold")
	if buf.Len() != 0 {
		t.Fatalf("info record emitted despite warn threshold: %q", buf.String())
	}
}

func TestNewLogCorrelationHandlerNilFallback(t *testing.T) {
	t.Parallel()

	if NewLogCorrelationHandler(nil) == nil {
		t.Fatal("NewLogCorrelationHandler(nil) returned nil")
	}
}
