package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/traceboard/traceboard/internal/auth"
	"github.com/traceboard/traceboard/internal/trace"
)

type RouterOptions struct {
	AppVersion    string
	Store         trace.Store
	StorageDriver string
	StoragePath   string
	Writer        *trace.Writer
	Authorizer    *auth.Authorizer
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
		Writer:        options.Writer,
	}))
	mux.Handle("/api/diagnostics/ingest", IngestDiagnosticsHandler(IngestDiagnosticsOptions{
		Writer: options.Writer,
	}))
	mux.Handle("/api/projects/", withAuth(options.Authorizer, ProjectsHandler(ProjectsOptions{
		Store:  options.Store,
		Writer: options.Writer,
	})))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "traceboard",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	authHeader := ""
	if options.Authorizer != nil {
		authHeader = options.Authorizer.HeaderName()
	}
	return withCORS(mux, authHeader)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", ")+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withAuth(authorizer *auth.Authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authorizer == nil || !authorizer.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := authorizer.Authenticate(r)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMissingAPIKey):
				writeError(w, http.StatusUnauthorized, "missing api key")
			case errors.Is(err, auth.ErrInvalidAPIKey):
				writeError(w, http.StatusUnauthorized, "invalid api key")
			default:
				writeError(w, http.StatusUnauthorized, "authentication failed")
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

func withCORS(next http.Handler, authHeader string) http.Handler {
	allowedHeaders := []string{"Content-Type", "Authorization", "If-None-Match", "X-Traceboard-Key"}
	customHeader := strings.TrimSpace(authHeader)
	if customHeader != "" {
		alreadyAllowed := false
		for _, header := range allowedHeaders {
			if strings.EqualFold(header, customHeader) {
				alreadyAllowed = true
				break
			}
		}
		if !alreadyAllowed {
			allowedHeaders = append(allowedHeaders, customHeader)
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))
		w.Header().Set("Access-Control-Expose-Headers", "ETag")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
