package query

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FilterType describes how a filter value is typed and which operators apply.
type FilterType string

const (
	TypeString        FilterType = "string"
	TypeNumber        FilterType = "number"
	TypeDatetime      FilterType = "datetime"
	TypeStringOptions FilterType = "stringOptions"
	TypeArrayOptions  FilterType = "arrayOptions"
	TypeBoolean       FilterType = "boolean"
)

type Operator string

const (
	OpEquals         Operator = "="
	OpNotEquals      Operator = "<>"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "does not contain"
	OpStartsWith     Operator = "starts with"
	OpEndsWith       Operator = "ends with"
	OpGreater        Operator = ">"
	OpLess           Operator = "<"
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpAnyOf          Operator = "any of"
	OpNoneOf         Operator = "none of"
	OpAllOf          Operator = "all of"
)

var ErrInvalidFilter = errors.New("invalid filter")

// InvalidFilterError formats a validation failure wrapping ErrInvalidFilter
// so callers can classify it with errors.Is.
func InvalidFilterError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidFilter}, args...)...)
}

var operatorsForType = map[FilterType][]Operator{
	TypeString:        {OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith},
	TypeNumber:        {OpEquals, OpNotEquals, OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual},
	TypeDatetime:      {OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual},
	TypeStringOptions: {OpAnyOf, OpNoneOf},
	TypeArrayOptions:  {OpAnyOf, OpNoneOf, OpAllOf},
	TypeBoolean:       {OpEquals, OpNotEquals},
}

// Filter is a single column predicate. Predicates in a Filters list are
// combined with logical AND at the storage layer.
type Filter struct {
	Column   string
	Type     FilterType
	Operator Operator
	Value    any

	// synthetic marks server-injected scope predicates. Synthetic filters are
	// never produced by the URL codec and never encoded back into it.
	synthetic bool
}

// Synthetic reports whether the predicate was injected by the server rather
// than chosen by the user.
func (f Filter) Synthetic() bool {
	return f.synthetic
}

func (f Filter) Validate() error {
	if strings.TrimSpace(f.Column) == "" {
		return fmt.Errorf("%w: column is required", ErrInvalidFilter)
	}
	allowed, ok := operatorsForType[f.Type]
	if !ok {
		return fmt.Errorf("%w: unknown filter type %q", ErrInvalidFilter, f.Type)
	}
	operatorOK := false
	for _, op := range allowed {
		if op == f.Operator {
			operatorOK = true
			break
		}
	}
	if !operatorOK {
		return fmt.Errorf("%w: operator %q is not valid for type %q", ErrInvalidFilter, f.Operator, f.Type)
	}

	switch f.Type {
	case TypeString:
		if _, ok := f.Value.(string); !ok {
			return fmt.Errorf("%w: column %q expects a string value", ErrInvalidFilter, f.Column)
		}
	case TypeNumber:
		if _, ok := f.Value.(float64); !ok {
			return fmt.Errorf("%w: column %q expects a numeric value", ErrInvalidFilter, f.Column)
		}
	case TypeDatetime:
		if _, ok := f.Value.(time.Time); !ok {
			return fmt.Errorf("%w: column %q expects a datetime value", ErrInvalidFilter, f.Column)
		}
	case TypeStringOptions, TypeArrayOptions:
		values, ok := f.Value.([]string)
		if !ok || len(values) == 0 {
			return fmt.Errorf("%w: column %q expects at least one option value", ErrInvalidFilter, f.Column)
		}
	case TypeBoolean:
		if _, ok := f.Value.(bool); !ok {
			return fmt.Errorf("%w: column %q expects a boolean value", ErrInvalidFilter, f.Column)
		}
	}

	return nil
}

type Filters []Filter

func (fs Filters) Validate() error {
	for _, f := range fs {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// UserEditable returns the predicates the user actually chose, dropping any
// server-injected scope predicates.
func (fs Filters) UserEditable() Filters {
	out := make(Filters, 0, len(fs))
	for _, f := range fs {
		if f.synthetic {
			continue
		}
		out = append(out, f)
	}
	return out
}

// UserScopeColumn is the column the synthetic user-scope predicate targets.
const UserScopeColumn = "userId"

// Effective returns the filter list sent to storage: the user-editable
// predicates followed by exactly one synthetic userId equality predicate when
// a scoping user id is provided. The synthetic predicate never appears in the
// user-editable list and is not editable through the URL state.
func Effective(user Filters, userID string) Filters {
	out := make(Filters, 0, len(user)+1)
	out = append(out, user...)
	if strings.TrimSpace(userID) != "" {
		out = append(out, Filter{
			Column:    UserScopeColumn,
			Type:      TypeString,
			Operator:  OpEquals,
			Value:     strings.TrimSpace(userID),
			synthetic: true,
		})
	}
	return out
}
