package api

import (
	"net/http"
	"time"

	"github.com/traceboard/traceboard/internal/trace"
)

const ingestDiagnosticsSchemaVersion = "ingest-diagnostics.v1"

type IngestDiagnosticsOptions struct {
	Writer *trace.Writer
}

type ingestDiagnosticsResponse struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Pipeline      trace.PipelineStats `json:"pipeline"`
}

func IngestDiagnosticsHandler(options IngestDiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Writer == nil {
			writeError(w, http.StatusServiceUnavailable, "ingest diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, ingestDiagnosticsResponse{
			SchemaVersion: ingestDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Pipeline:      options.Writer.Stats(),
		})
	})
}
