package query

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ListQuery is the single descriptor handed to the storage layer for a
// listing view. It also serves as the stable cache/invalidation key for that
// exact view: per-row mutations echo the key back so the client invalidates
// the listing the user is actually looking at.
type ListQuery struct {
	ProjectID string
	Filters   Filters
	Search    string
	OrderBy   OrderBy
	Page      Pagination
}

// Assemble combines URL state with the request's project and optional
// user-id scope into the storage query. The userID scope becomes a synthetic
// predicate appended after the user-editable filters.
func Assemble(projectID string, state State, userID string) ListQuery {
	return ListQuery{
		ProjectID: strings.TrimSpace(projectID),
		Filters:   Effective(state.Filters, userID),
		Search:    state.Search,
		OrderBy:   state.OrderBy,
		Page:      state.Page.Clamp(),
	}
}

// CacheKey returns a deterministic digest of the query. Two requests for the
// same view produce the same key; any change to filters, search, sort, page,
// or scope produces a different one.
func (q ListQuery) CacheKey() string {
	var b strings.Builder
	b.WriteString("project=")
	b.WriteString(url.QueryEscape(q.ProjectID))
	b.WriteString("&search=")
	b.WriteString(url.QueryEscape(q.Search))
	b.WriteString("&pageIndex=")
	b.WriteString(strconv.Itoa(q.Page.PageIndex))
	b.WriteString("&pageSize=")
	b.WriteString(strconv.Itoa(q.Page.PageSize))
	if !q.OrderBy.IsZero() {
		b.WriteString("&orderBy=")
		b.WriteString(url.QueryEscape(q.OrderBy.Column))
		b.WriteString(".")
		b.WriteString(string(q.OrderBy.Direction))
	}
	for _, filter := range q.Filters {
		b.WriteString("&filter=")
		b.WriteString(encodeFilterKey(filter))
		if filter.synthetic {
			b.WriteString(";scope")
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// encodeFilterKey renders one filter for the cache key digest. Every
// variable component is escaped individually so a value containing the
// separator characters cannot alias a different filter list under the
// same digest input.
func encodeFilterKey(filter Filter) string {
	parts := []string{
		url.QueryEscape(filter.Column),
		string(filter.Type),
		url.QueryEscape(string(filter.Operator)),
	}
	switch typed := filter.Value.(type) {
	case string:
		parts = append(parts, url.QueryEscape(typed))
	case float64:
		parts = append(parts, strconv.FormatFloat(typed, 'f', -1, 64))
	case time.Time:
		parts = append(parts, typed.UTC().Format(time.RFC3339))
	case []string:
		values := make([]string, len(typed))
		for i, value := range typed {
			values[i] = url.QueryEscape(value)
		}
		parts = append(parts, strings.Join(values, ","))
	case bool:
		parts = append(parts, strconv.FormatBool(typed))
	}
	return strings.Join(parts, ";")
}

// TimeWindow extracts the timestamp bounds from the filter list so secondary
// queries (filter options) can be windowed to the same time range as the
// listing without re-running filter compilation.
func (q ListQuery) TimeWindow() (from, to time.Time) {
	for _, filter := range q.Filters {
		if filter.Column != "timestamp" || filter.Type != TypeDatetime {
			continue
		}
		value, ok := filter.Value.(time.Time)
		if !ok {
			continue
		}
		switch filter.Operator {
		case OpGreater, OpGreaterOrEqual:
			if from.IsZero() || value.After(from) {
				from = value
			}
		case OpLess, OpLessOrEqual:
			if to.IsZero() || value.Before(to) {
				to = value
			}
		}
	}
	return from, to
}
