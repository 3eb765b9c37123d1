package observability

import (
	"context"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const redactedMarker = "[REDACTED]"

// Ingested payloads are arbitrary client JSON, and fragments of them reach
// spans through error messages and event attributes. These patterns cover
// the secret shapes that turn up in trace payloads: provider API keys,
// cloud access key ids, JWTs, bearer headers, and credentialed connection
// strings like the postgres DSN.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:sk|pk|rk|xox[baprs]|gh[pousr]|pat)[-_][a-z0-9_-]{8,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)eyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)\bBearer\s+[a-z0-9_.\-/+=]{8,}\b`),
	regexp.MustCompile(`(?i)\b(?:password|passwd|secret|token|apikey|api_key)\s*[=:]\s*\S{4,}`),
	regexp.MustCompile(`(?i)\bpostgres(?:ql)?://[^:/\s]+:[^@\s]+@`),
}

// redactSecrets replaces every detected secret in s and reports whether
// anything was replaced. Strings shorter than the smallest detectable
// secret are returned unchanged.
func redactSecrets(s string) (string, bool) {
	if len(s) < 8 {
		return s, false
	}
	out := s
	hit := false
	for _, pattern := range secretPatterns {
		if pattern.MatchString(out) {
			out = pattern.ReplaceAllString(out, redactedMarker)
			hit = true
		}
	}
	if !hit {
		return s, false
	}
	return strings.TrimSpace(out), true
}

// secretScrubExporter sits between the batch processor and the OTLP
// exporter and redacts secret-shaped text from span attributes, event
// attributes, and status descriptions. Scrubbing happens on the export
// goroutine, off the request path, and spans without a hit are forwarded
// as is.
type secretScrubExporter struct {
	next sdktrace.SpanExporter
}

func newSecretScrubExporter(next sdktrace.SpanExporter) sdktrace.SpanExporter {
	return &secretScrubExporter{next: next}
}

func (e *secretScrubExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, span := range spans {
		out[i] = redactSpan(span)
	}
	return e.next.ExportSpans(ctx, out)
}

func (e *secretScrubExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

func redactSpan(span sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	stub := tracetest.SpanStubFromReadOnlySpan(span)
	changed := false

	if attrs, hit := redactAttrs(stub.Attributes); hit {
		stub.Attributes = attrs
		changed = true
	}
	for i, event := range stub.Events {
		if attrs, hit := redactAttrs(event.Attributes); hit {
			stub.Events[i].Attributes = attrs
			changed = true
		}
	}
	if description, hit := redactSecrets(stub.Status.Description); hit {
		stub.Status.Description = description
		changed = true
	}

	if !changed {
		return span
	}
	return stub.Snapshot()
}

// redactAttrs copies attrs lazily: the original slice is returned untouched
// when no string value needs redaction.
func redactAttrs(attrs []attribute.KeyValue) ([]attribute.KeyValue, bool) {
	var out []attribute.KeyValue
	for i, attr := range attrs {
		if attr.Value.Type() != attribute.STRING {
			continue
		}
		value, hit := redactSecrets(attr.Value.AsString())
		if !hit {
			continue
		}
		if out == nil {
			out = append([]attribute.KeyValue(nil), attrs...)
		}
		out[i] = attribute.String(string(attr.Key), value)
	}
	if out == nil {
		return attrs, false
	}
	return out, true
}
