package query

import (
	"fmt"
	"strings"
)

type Direction string

const (
	DirectionAsc  Direction = "asc"
	DirectionDesc Direction = "desc"
)

// OrderBy is the active single-column sort specification.
type OrderBy struct {
	Column    string
	Direction Direction
}

func (o OrderBy) IsZero() bool {
	return strings.TrimSpace(o.Column) == ""
}

func (o OrderBy) Validate() error {
	if o.IsZero() {
		return nil
	}
	switch o.Direction {
	case DirectionAsc, DirectionDesc:
		return nil
	default:
		return fmt.Errorf("%w: order direction must be asc or desc (got %q)", ErrInvalidFilter, o.Direction)
	}
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Pagination is 0-based page addressing over the filtered result set.
type Pagination struct {
	PageIndex int
	PageSize  int
}

// Clamp normalizes out-of-range values to usable defaults.
func (p Pagination) Clamp() Pagination {
	if p.PageIndex < 0 {
		p.PageIndex = 0
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p Pagination) Offset() int {
	return p.PageIndex * p.PageSize
}

// PageCount returns the number of pages needed for totalCount rows.
func (p Pagination) PageCount(totalCount int) int {
	if p.PageSize <= 0 || totalCount <= 0 {
		return 0
	}
	return (totalCount + p.PageSize - 1) / p.PageSize
}
