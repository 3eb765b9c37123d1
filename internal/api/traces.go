package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/traceboard/traceboard/internal/auth"
	"github.com/traceboard/traceboard/internal/query"
	"github.com/traceboard/traceboard/internal/table"
	"github.com/traceboard/traceboard/internal/trace"
)

const (
	mutationBodyLimit = 64 << 10
	ingestBodyLimit   = 4 << 20
)

type ProjectsOptions struct {
	Store  trace.Store
	Writer *trace.Writer
}

type listResponse struct {
	Traces     []trace.Row    `json:"traces"`
	TotalCount int            `json:"totalCount"`
	PageIndex  int            `json:"pageIndex"`
	PageSize   int            `json:"pageSize"`
	PageCount  int            `json:"pageCount"`
	CacheKey   string         `json:"cacheKey"`
	Columns    []table.Column `json:"columns"`
	Selection  selectionState `json:"selection"`
}

type selectionState struct {
	SelectedCount     int               `json:"selectedCount"`
	HeaderState       table.HeaderState `json:"headerState"`
	BulkActionVisible bool              `json:"bulkActionVisible"`
	ActionableIDs     []string          `json:"actionableIds"`
}

type filterOptionsResponse struct {
	Name        []trace.FilterOption `json:"name"`
	Tags        []trace.FilterOption `json:"tags"`
	Level       []trace.FilterOption `json:"level"`
	Environment []trace.FilterOption `json:"environment"`
	Release     []trace.FilterOption `json:"release"`
}

type deleteTracesRequest struct {
	TraceIDs []string `json:"traceIds"`
	CacheKey string   `json:"cacheKey"`
}

type deleteTracesResponse struct {
	DeletedCount int64          `json:"deletedCount"`
	CacheKey     string         `json:"cacheKey,omitempty"`
	Selection    selectionState `json:"selection"`
}

type bookmarkRequest struct {
	Bookmarked bool `json:"bookmarked"`
}

type bookmarkResponse struct {
	ID         string `json:"id"`
	Bookmarked bool   `json:"bookmarked"`
	CacheKey   string `json:"cacheKey,omitempty"`
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

type tagsResponse struct {
	ID       string   `json:"id"`
	Tags     []string `json:"tags"`
	CacheKey string   `json:"cacheKey,omitempty"`
}

type ingestRequest struct {
	Traces []ingestTrace `json:"traces"`
}

type ingestTrace struct {
	ID               string          `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	Name             string          `json:"name"`
	UserID           string          `json:"userId"`
	Level            string          `json:"level"`
	ObservationCount int             `json:"observationCount"`
	LatencyMS        *float64        `json:"latencyMs"`
	Release          *string         `json:"release"`
	Version          *string         `json:"version"`
	SessionID        *string         `json:"sessionId"`
	Environment      string          `json:"environment"`
	Tags             []string        `json:"tags"`
	Scores           []ingestScore   `json:"scores"`
	Usage            *ingestUsage    `json:"usage"`
	Cost             *ingestCost     `json:"cost"`
	Input            json.RawMessage `json:"input"`
	Output           json.RawMessage `json:"output"`
	Metadata         json.RawMessage `json:"metadata"`
}

type ingestScore struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Value       float64   `json:"value"`
	StringValue string    `json:"stringValue"`
	DataType    string    `json:"dataType"`
	Source      string    `json:"source"`
	Comment     string    `json:"comment"`
	Timestamp   time.Time `json:"timestamp"`
}

type ingestUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type ingestCost struct {
	InputUSD  float64 `json:"inputUsd"`
	OutputUSD float64 `json:"outputUsd"`
	TotalUSD  float64 `json:"totalUsd"`
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

type projectRoute struct {
	ProjectID string
	TraceID   string
	Action    string
}

// ProjectsHandler serves everything under /api/projects/{projectID}/traces.
func ProjectsHandler(options ProjectsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if options.Store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		route, ok := parseProjectRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch {
		case route.TraceID == "" && route.Action == "":
			switch r.Method {
			case http.MethodGet:
				handleListTraces(w, r, options.Store, route.ProjectID)
			case http.MethodPost:
				handleIngestTraces(w, r, options.Writer, route.ProjectID)
			case http.MethodDelete:
				handleDeleteTraces(w, r, options.Store, route.ProjectID)
			default:
				requireMethod(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
			}
		case route.TraceID == "" && route.Action == "filter-options":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			handleFilterOptions(w, r, options.Store, route.ProjectID)
		case route.Action == "":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			handleTraceDetail(w, r, options.Store, route.ProjectID, route.TraceID)
		case route.Action == "bookmark":
			if !requireMethod(w, r, http.MethodPatch) {
				return
			}
			handleSetBookmark(w, r, options.Store, route.ProjectID, route.TraceID)
		case route.Action == "tags":
			if !requireMethod(w, r, http.MethodPut) {
				return
			}
			handleSetTags(w, r, options.Store, route.ProjectID, route.TraceID)
		default:
			http.NotFound(w, r)
		}
	})
}

func parseProjectRoute(path string) (projectRoute, bool) {
	prefix := "/api/projects/"
	if !strings.HasPrefix(path, prefix) {
		return projectRoute{}, false
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/")
	if len(parts) < 2 || len(parts) > 4 {
		return projectRoute{}, false
	}
	if parts[1] != "traces" {
		return projectRoute{}, false
	}
	route := projectRoute{ProjectID: strings.TrimSpace(parts[0])}
	if route.ProjectID == "" {
		return projectRoute{}, false
	}
	if len(parts) >= 3 {
		segment := strings.TrimSpace(parts[2])
		if segment == "" {
			return projectRoute{}, false
		}
		if segment == "filter-options" {
			if len(parts) != 3 {
				return projectRoute{}, false
			}
			route.Action = segment
			return route, true
		}
		route.TraceID = segment
	}
	if len(parts) == 4 {
		route.Action = strings.TrimSpace(parts[3])
		if route.Action == "" {
			return projectRoute{}, false
		}
	}
	return route, true
}

// authorizeProject resolves the caller's identity and checks it against the
// requested project and permission. A nil identity means authentication is
// disabled and every request is allowed. An identity without access to the
// project gets a 404 rather than a 403 so key holders cannot probe for
// project IDs they are not assigned to.
func authorizeProject(w http.ResponseWriter, r *http.Request, projectID string, permission auth.Permission) (*auth.Identity, bool) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		return nil, true
	}
	if !identity.CanAccessProject(projectID) {
		writeError(w, http.StatusNotFound, "project not found")
		return nil, false
	}
	if !identity.HasPermission(permission) {
		writeError(w, http.StatusForbidden, "permission denied")
		return nil, false
	}
	return identity, true
}

func handleListTraces(w http.ResponseWriter, r *http.Request, store trace.Store, projectID string) {
	identity, ok := authorizeProject(w, r, projectID, auth.PermissionTracesRead)
	if !ok {
		return
	}

	state, err := query.ParseState(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := table.ValidateFilters(state.Filters); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := table.ValidateOrderBy(state.OrderBy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := ""
	omit := splitListParam(r.URL.Query()["omit"])
	if identity != nil && identity.UserID != "" {
		userID = identity.UserID
		// A user-scoped view pins userId server-side and loses the
		// sessionId filter with it.
		omit = append(omit, "sessionId")
		for _, filter := range state.Filters {
			if filter.Column == "sessionId" {
				writeError(w, http.StatusBadRequest, "sessionId filter is not available for a user-scoped key")
				return
			}
		}
	}
	q := query.Assemble(projectID, state, userID)
	cacheKey := q.CacheKey()

	result, err := store.ListTraces(r.Context(), q)
	if err != nil {
		if errors.Is(err, trace.ErrNotImplemented) {
			writeError(w, http.StatusNotImplemented, "trace listing is not implemented")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list traces")
		return
	}

	pageIDs := make([]string, 0, len(result.Traces))
	for _, item := range result.Traces {
		pageIDs = append(pageIDs, item.ID)
	}
	selection := table.NewSelection(r.URL.Query()["selected"])

	// The key identifies a view, not its contents; rows mutate under a
	// stable key, so this is a weak validator and never answers 304.
	w.Header().Set("ETag", `W/"`+cacheKey+`"`)
	w.Header().Set("X-Query-Key", cacheKey)
	writeJSON(w, http.StatusOK, listResponse{
		Traces:     trace.RowsFromTraces(result.Traces),
		TotalCount: result.TotalCount,
		PageIndex:  q.Page.PageIndex,
		PageSize:   q.Page.PageSize,
		PageCount:  q.Page.PageCount(result.TotalCount),
		CacheKey:   cacheKey,
		Columns:    table.VisibleColumns(omit),
		Selection:  selectionStateFor(selection, pageIDs),
	})
}

func selectionStateFor(selection *table.Selection, pageIDs []string) selectionState {
	return selectionState{
		SelectedCount:     selection.Len(),
		HeaderState:       selection.HeaderState(pageIDs),
		BulkActionVisible: selection.Actionable(pageIDs),
		ActionableIDs:     selection.ActionableIDs(pageIDs),
	}
}

// splitListParam flattens repeated parameters that may also carry
// comma-separated values, e.g. ?omit=level,tags&omit=release.
func splitListParam(raw []string) []string {
	values := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, value := range strings.Split(entry, ",") {
			value = strings.TrimSpace(value)
			if value != "" {
				values = append(values, value)
			}
		}
	}
	return values
}

func handleTraceDetail(w http.ResponseWriter, r *http.Request, store trace.Store, projectID, traceID string) {
	if _, ok := authorizeProject(w, r, projectID, auth.PermissionTracesRead); !ok {
		return
	}

	item, err := store.GetTrace(r.Context(), projectID, traceID)
	if err != nil {
		switch {
		case errors.Is(err, trace.ErrNotFound):
			writeError(w, http.StatusNotFound, "trace not found")
		case errors.Is(err, trace.ErrNotImplemented):
			writeError(w, http.StatusNotImplemented, "trace detail is not implemented")
		default:
			writeError(w, http.StatusInternalServerError, "failed to read trace")
		}
		return
	}

	etag := traceETag(item)
	if matchesETag(r.Header.Get("If-None-Match"), etag) {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, trace.DetailFromTrace(item))
}

func traceETag(item *trace.Trace) string {
	return `"` + item.ID + ":" + strconv.FormatInt(item.UpdatedAt.UTC().UnixNano(), 10) + `"`
}

func matchesETag(ifNoneMatch, etag string) bool {
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

func handleFilterOptions(w http.ResponseWriter, r *http.Request, store trace.Store, projectID string) {
	if _, ok := authorizeProject(w, r, projectID, auth.PermissionTracesRead); !ok {
		return
	}

	values := r.URL.Query()
	from, err := parseTimeQuery(values.Get("from"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid from: %v", err))
		return
	}
	to, err := parseTimeQuery(values.Get("to"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid to: %v", err))
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must be greater than or equal to from")
		return
	}

	options, err := store.FilterOptions(r.Context(), projectID, from, to)
	if err != nil {
		if errors.Is(err, trace.ErrNotImplemented) {
			writeError(w, http.StatusNotImplemented, "filter options are not implemented")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load filter options")
		return
	}

	writeJSON(w, http.StatusOK, filterOptionsResponse{
		Name:        emptyOptions(options.Names),
		Tags:        emptyOptions(options.Tags),
		Level:       emptyOptions(options.Levels),
		Environment: emptyOptions(options.Environments),
		Release:     emptyOptions(options.Releases),
	})
}

func emptyOptions(options []trace.FilterOption) []trace.FilterOption {
	if options == nil {
		return []trace.FilterOption{}
	}
	return options
}

func handleDeleteTraces(w http.ResponseWriter, r *http.Request, store trace.Store, projectID string) {
	if _, ok := authorizeProject(w, r, projectID, auth.PermissionTracesDelete); !ok {
		return
	}

	var req deleteTracesRequest
	if !decodeBody(w, r, &req, mutationBodyLimit) {
		return
	}
	ids := make([]string, 0, len(req.TraceIDs))
	for _, id := range req.TraceIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "traceIds must not be empty")
		return
	}

	deleted, err := store.DeleteTraces(r.Context(), projectID, ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete traces")
		return
	}

	// A bulk delete invalidates the selection wholesale, so the response
	// always carries an empty selection for the client to adopt.
	writeJSON(w, http.StatusOK, deleteTracesResponse{
		DeletedCount: deleted,
		CacheKey:     strings.TrimSpace(req.CacheKey),
		Selection: selectionState{
			SelectedCount:     0,
			HeaderState:       table.HeaderNone,
			BulkActionVisible: false,
			ActionableIDs:     []string{},
		},
	})
}

func handleSetBookmark(w http.ResponseWriter, r *http.Request, store trace.Store, projectID, traceID string) {
	if _, ok := authorizeProject(w, r, projectID, auth.PermissionTracesWrite); !ok {
		return
	}

	var req bookmarkRequest
	if !decodeBody(w, r, &req, mutationBodyLimit) {
		return
	}

	if err := store.SetBookmark(r.Context(), projectID, traceID, req.Bookmarked); err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trace not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update bookmark")
		return
	}

	writeJSON(w, http.StatusOK, bookmarkResponse{
		ID:         traceID,
		Bookmarked: req.Bookmarked,
		CacheKey:   strings.TrimSpace(r.URL.Query().Get("cacheKey")),
	})
}

func handleSetTags(w http.ResponseWriter, r *http.Request, store trace.Store, projectID, traceID string) {
	if _, ok := authorizeProject(w, r, projectID, auth.PermissionTracesWrite); !ok {
		return
	}

	var req tagsRequest
	if !decodeBody(w, r, &req, mutationBodyLimit) {
		return
	}
	tags := make([]string, 0, len(req.Tags))
	seen := make(map[string]struct{}, len(req.Tags))
	for _, tag := range req.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	if err := store.SetTags(r.Context(), projectID, traceID, tags); err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trace not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update tags")
		return
	}

	writeJSON(w, http.StatusOK, tagsResponse{
		ID:       traceID,
		Tags:     tags,
		CacheKey: strings.TrimSpace(r.URL.Query().Get("cacheKey")),
	})
}

func handleIngestTraces(w http.ResponseWriter, r *http.Request, writer *trace.Writer, projectID string) {
	if _, ok := authorizeProject(w, r, projectID, auth.PermissionTracesWrite); !ok {
		return
	}
	if writer == nil {
		writeError(w, http.StatusServiceUnavailable, "trace ingestion is not configured")
		return
	}

	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, http.StatusBadRequest, "request body is required")
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ingestBodyLimit))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Accept either a batch envelope or a single bare trace object.
	var req ingestRequest
	if err := strictUnmarshal(body, &req); err != nil || len(req.Traces) == 0 {
		var single ingestTrace
		if err := strictUnmarshal(body, &single); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Traces = []ingestTrace{single}
	}

	accepted := 0
	dropped := 0
	for _, incoming := range req.Traces {
		if writer.Enqueue(ingestToTrace(projectID, incoming)) {
			accepted++
		} else {
			dropped++
		}
	}

	writeJSON(w, http.StatusAccepted, ingestResponse{
		Accepted: accepted,
		Dropped:  dropped,
	})
}

func ingestToTrace(projectID string, in ingestTrace) *trace.Trace {
	out := &trace.Trace{
		ID:               strings.TrimSpace(in.ID),
		ProjectID:        projectID,
		Timestamp:        in.Timestamp,
		Name:             strings.TrimSpace(in.Name),
		UserID:           strings.TrimSpace(in.UserID),
		Level:            trace.ParseLevel(in.Level),
		ObservationCount: in.ObservationCount,
		LatencyMS:        in.LatencyMS,
		Release:          in.Release,
		Version:          in.Version,
		SessionID:        in.SessionID,
		Environment:      strings.TrimSpace(in.Environment),
		Tags:             in.Tags,
		Input:            string(in.Input),
		Output:           string(in.Output),
		Metadata:         string(in.Metadata),
	}
	if in.Usage != nil {
		out.Usage = trace.Usage{
			PromptTokens:     in.Usage.PromptTokens,
			CompletionTokens: in.Usage.CompletionTokens,
			TotalTokens:      in.Usage.TotalTokens,
		}
	}
	if in.Cost != nil {
		out.Cost = &trace.Cost{
			InputUSD:  in.Cost.InputUSD,
			OutputUSD: in.Cost.OutputUSD,
			TotalUSD:  in.Cost.TotalUSD,
		}
	}
	for _, score := range in.Scores {
		out.Scores = append(out.Scores, trace.Score{
			ID:          strings.TrimSpace(score.ID),
			TraceID:     out.ID,
			Name:        strings.TrimSpace(score.Name),
			Value:       score.Value,
			StringValue: score.StringValue,
			DataType:    score.DataType,
			Source:      score.Source,
			Comment:     score.Comment,
			Timestamp:   score.Timestamp,
		})
	}
	return out
}

func strictUnmarshal(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("trailing data after json document")
	}
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any, limit int64) bool {
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, http.StatusBadRequest, "request body is required")
		return false
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}
