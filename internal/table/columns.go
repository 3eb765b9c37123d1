// Package table describes the trace grid itself: which columns exist, how
// each one sorts and filters, and how row selection behaves across pages.
package table

import (
	"github.com/traceboard/traceboard/internal/query"
)

// Column is one grid column definition. The registry below is the single
// source of truth for what clients may sort and filter on; requests naming
// anything else are rejected before reaching storage.
type Column struct {
	ID             string           `json:"id"`
	Header         string           `json:"header"`
	Type           query.FilterType `json:"type,omitempty"`
	Sortable       bool             `json:"sortable"`
	Filterable     bool             `json:"filterable"`
	DefaultVisible bool             `json:"defaultVisible"`
	// DetailOnly columns carry payloads too large for the listing tier;
	// their values are only available through the single-trace endpoint.
	DetailOnly bool `json:"detailOnly,omitempty"`
	// Control columns render UI affordances and carry no trace data.
	Control bool `json:"control,omitempty"`
}

var columns = []Column{
	{ID: "select", Header: "Select", Control: true, DefaultVisible: true},
	{ID: "bookmarked", Header: "Bookmarked", Type: query.TypeBoolean, Filterable: true, DefaultVisible: true},
	{ID: "id", Header: "ID", Type: query.TypeString, Sortable: true, Filterable: true, DefaultVisible: true},
	{ID: "timestamp", Header: "Timestamp", Type: query.TypeDatetime, Sortable: true, Filterable: true, DefaultVisible: true},
	{ID: "name", Header: "Name", Type: query.TypeStringOptions, Sortable: true, Filterable: true, DefaultVisible: true},
	{ID: "userId", Header: "User ID", Type: query.TypeString, Sortable: true, Filterable: true, DefaultVisible: true},
	{ID: "sessionId", Header: "Session ID", Type: query.TypeString, Sortable: true, Filterable: true, DefaultVisible: false},
	{ID: "level", Header: "Level", Type: query.TypeStringOptions, Sortable: true, Filterable: true, DefaultVisible: true},
	{ID: "observationCount", Header: "Observations", Type: query.TypeNumber, Sortable: true, Filterable: true, DefaultVisible: false},
	{ID: "latency", Header: "Latency", Type: query.TypeNumber, Sortable: true, Filterable: true, DefaultVisible: true},
	{ID: "input", Header: "Input", DetailOnly: true, DefaultVisible: false},
	{ID: "output", Header: "Output", DetailOnly: true, DefaultVisible: false},
	{ID: "metadata", Header: "Metadata", DetailOnly: true, DefaultVisible: false},
	{ID: "scores", Header: "Scores", DefaultVisible: true},
	{ID: "tags", Header: "Tags", Type: query.TypeArrayOptions, Filterable: true, DefaultVisible: true},
	{ID: "promptTokens", Header: "Prompt Tokens", Type: query.TypeNumber, Sortable: true, Filterable: true, DefaultVisible: false},
	{ID: "completionTokens", Header: "Completion Tokens", Type: query.TypeNumber, Sortable: true, Filterable: true, DefaultVisible: false},
	{ID: "totalTokens", Header: "Total Tokens", Type: query.TypeNumber, Sortable: true, Filterable: true, DefaultVisible: true},
	{ID: "inputCost", Header: "Input Cost", Type: query.TypeNumber, Sortable: true, Filterable: true, DefaultVisible: false},
	{ID: "outputCost", Header: "Output Cost", Type: query.TypeNumber, Sortable: true, Filterable: true, DefaultVisible: false},
	{ID: "totalCost", Header: "Total Cost", Type: query.TypeNumber, Sortable: true, Filterable: true, DefaultVisible: true},
	{ID: "release", Header: "Release", Type: query.TypeStringOptions, Sortable: true, Filterable: true, DefaultVisible: false},
	{ID: "version", Header: "Version", Type: query.TypeString, Sortable: true, Filterable: true, DefaultVisible: false},
	{ID: "environment", Header: "Environment", Type: query.TypeStringOptions, Sortable: true, Filterable: true, DefaultVisible: false},
	{ID: "action", Header: "Action", Control: true, DefaultVisible: true},
}

var columnIndex = func() map[string]Column {
	index := make(map[string]Column, len(columns))
	for _, column := range columns {
		index[column.ID] = column
	}
	return index
}()

// Columns returns the full registry in display order.
func Columns() []Column {
	out := make([]Column, len(columns))
	copy(out, columns)
	return out
}

// Lookup returns the column definition for an id.
func Lookup(id string) (Column, bool) {
	column, ok := columnIndex[id]
	return column, ok
}

// VisibleColumns returns the registry minus the omitted ids. Unknown ids in
// the omission list are ignored rather than rejected, so stale client
// preferences survive column renames.
func VisibleColumns(omit []string) []Column {
	omitted := make(map[string]bool, len(omit))
	for _, id := range omit {
		omitted[id] = true
	}
	out := make([]Column, 0, len(columns))
	for _, column := range columns {
		if omitted[column.ID] {
			continue
		}
		out = append(out, column)
	}
	return out
}

// ValidateFilters checks a parsed filter list against the registry: every
// filtered column must exist, be filterable, and be filtered with its
// declared type.
func ValidateFilters(filters query.Filters) error {
	for _, filter := range filters {
		if filter.Synthetic() {
			continue
		}
		column, ok := columnIndex[filter.Column]
		if !ok {
			return query.InvalidFilterError("unknown column %q", filter.Column)
		}
		if !column.Filterable {
			return query.InvalidFilterError("column %q is not filterable", filter.Column)
		}
		if column.Type != filter.Type {
			return query.InvalidFilterError("column %q expects %s filters (got %s)", filter.Column, column.Type, filter.Type)
		}
	}
	return nil
}

// ValidateOrderBy checks the sort column against the registry.
func ValidateOrderBy(orderBy query.OrderBy) error {
	if orderBy.IsZero() {
		return nil
	}
	column, ok := columnIndex[orderBy.Column]
	if !ok {
		return query.InvalidFilterError("unknown sort column %q", orderBy.Column)
	}
	if !column.Sortable {
		return query.InvalidFilterError("column %q is not sortable", orderBy.Column)
	}
	return nil
}
