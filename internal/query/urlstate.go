package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// URL parameter names. The listing state lives in the URL so a view survives
// navigation and reloads without server-side session memory.
const (
	ParamSearch    = "search"
	ParamPageIndex = "pageIndex"
	ParamPageSize  = "pageSize"
	ParamOrderBy   = "orderBy"
	ParamFilter    = "filter"
)

// State is the URL-synced portion of a listing view: free-text search,
// pagination, single-column sort, and the user-editable filter list.
type State struct {
	Search  string
	Page    Pagination
	OrderBy OrderBy
	Filters Filters
}

// ParseState decodes listing state from URL query parameters. Unknown
// parameters are ignored; malformed ones fail with ErrInvalidFilter so the
// caller can reject the request before issuing storage queries.
func ParseState(values url.Values) (State, error) {
	state := State{
		Search: strings.TrimSpace(values.Get(ParamSearch)),
		Page:   Pagination{PageSize: DefaultPageSize},
	}

	if raw := strings.TrimSpace(values.Get(ParamPageIndex)); raw != "" {
		pageIndex, err := strconv.Atoi(raw)
		if err != nil || pageIndex < 0 {
			return State{}, fmt.Errorf("%w: pageIndex must be a non-negative integer", ErrInvalidFilter)
		}
		state.Page.PageIndex = pageIndex
	}
	if raw := strings.TrimSpace(values.Get(ParamPageSize)); raw != "" {
		pageSize, err := strconv.Atoi(raw)
		if err != nil || pageSize <= 0 {
			return State{}, fmt.Errorf("%w: pageSize must be a positive integer", ErrInvalidFilter)
		}
		state.Page.PageSize = pageSize
	}
	state.Page = state.Page.Clamp()

	if raw := strings.TrimSpace(values.Get(ParamOrderBy)); raw != "" {
		orderBy, err := parseOrderBy(raw)
		if err != nil {
			return State{}, err
		}
		state.OrderBy = orderBy
	}

	for _, raw := range values[ParamFilter] {
		filter, err := parseFilterParam(raw)
		if err != nil {
			return State{}, err
		}
		state.Filters = append(state.Filters, filter)
	}
	if err := state.Filters.Validate(); err != nil {
		return State{}, err
	}

	return state, nil
}

// Encode produces the URL query parameters for the state. Synthetic scope
// predicates are never encoded; only user-editable state round-trips.
func (s State) Encode() url.Values {
	values := url.Values{}
	if s.Search != "" {
		values.Set(ParamSearch, s.Search)
	}
	if s.Page.PageIndex > 0 {
		values.Set(ParamPageIndex, strconv.Itoa(s.Page.PageIndex))
	}
	if s.Page.PageSize > 0 && s.Page.PageSize != DefaultPageSize {
		values.Set(ParamPageSize, strconv.Itoa(s.Page.PageSize))
	}
	if !s.OrderBy.IsZero() {
		values.Set(ParamOrderBy, s.OrderBy.Column+"."+string(s.OrderBy.Direction))
	}
	for _, filter := range s.Filters.UserEditable() {
		values.Add(ParamFilter, encodeFilterParam(filter))
	}
	return values
}

func parseOrderBy(raw string) (OrderBy, error) {
	column, direction, found := strings.Cut(raw, ".")
	if !found {
		return OrderBy{}, fmt.Errorf("%w: orderBy must be column.direction (got %q)", ErrInvalidFilter, raw)
	}
	orderBy := OrderBy{
		Column:    strings.TrimSpace(column),
		Direction: Direction(strings.ToLower(strings.TrimSpace(direction))),
	}
	if orderBy.Column == "" {
		return OrderBy{}, fmt.Errorf("%w: orderBy column is required", ErrInvalidFilter)
	}
	if err := orderBy.Validate(); err != nil {
		return OrderBy{}, err
	}
	return orderBy, nil
}

// Filter params are encoded as "column;type;operator;value". Option values
// are comma-separated, datetimes are RFC3339, numbers are decimal.
func parseFilterParam(raw string) (Filter, error) {
	parts := strings.SplitN(raw, ";", 4)
	if len(parts) != 4 {
		return Filter{}, fmt.Errorf("%w: filter must be column;type;operator;value (got %q)", ErrInvalidFilter, raw)
	}

	filter := Filter{
		Column:   strings.TrimSpace(parts[0]),
		Type:     FilterType(strings.TrimSpace(parts[1])),
		Operator: Operator(strings.TrimSpace(parts[2])),
	}
	rawValue := parts[3]

	switch filter.Type {
	case TypeString:
		filter.Value = rawValue
	case TypeNumber:
		number, err := strconv.ParseFloat(strings.TrimSpace(rawValue), 64)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: column %q has a non-numeric value %q", ErrInvalidFilter, filter.Column, rawValue)
		}
		filter.Value = number
	case TypeDatetime:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(rawValue))
		if err != nil {
			return Filter{}, fmt.Errorf("%w: column %q has an invalid datetime %q", ErrInvalidFilter, filter.Column, rawValue)
		}
		filter.Value = parsed.UTC()
	case TypeStringOptions, TypeArrayOptions:
		options := make([]string, 0, 4)
		for _, option := range strings.Split(rawValue, ",") {
			option = strings.TrimSpace(option)
			if option != "" {
				options = append(options, option)
			}
		}
		filter.Value = options
	case TypeBoolean:
		boolean, err := strconv.ParseBool(strings.TrimSpace(rawValue))
		if err != nil {
			return Filter{}, fmt.Errorf("%w: column %q has a non-boolean value %q", ErrInvalidFilter, filter.Column, rawValue)
		}
		filter.Value = boolean
	default:
		return Filter{}, fmt.Errorf("%w: unknown filter type %q", ErrInvalidFilter, filter.Type)
	}

	return filter, nil
}

func encodeFilterParam(filter Filter) string {
	var value string
	switch typed := filter.Value.(type) {
	case string:
		value = typed
	case float64:
		value = strconv.FormatFloat(typed, 'f', -1, 64)
	case time.Time:
		value = typed.UTC().Format(time.RFC3339)
	case []string:
		value = strings.Join(typed, ",")
	case bool:
		value = strconv.FormatBool(typed)
	}
	return strings.Join([]string{filter.Column, string(filter.Type), string(filter.Operator), value}, ";")
}
