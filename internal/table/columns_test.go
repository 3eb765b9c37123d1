package table

import (
	"errors"
	"testing"
	"time"

	"github.com/traceboard/traceboard/internal/query"
)

func TestColumnRegistryShape(t *testing.T) {
	t.Parallel()

	all := Columns()
	if len(all) != 25 {
		t.Fatalf("Columns() returned %d definitions, want 25", len(all))
	}

	seen := make(map[string]bool, len(all))
	for _, column := range all {
		if column.ID == "" {
			t.Fatal("column with empty id")
		}
		if seen[column.ID] {
			t.Fatalf("duplicate column id %q", column.ID)
		}
		seen[column.ID] = true

		if column.Filterable && column.Type == "" {
			t.Fatalf("filterable column %q has no filter type", column.ID)
		}
		if column.Control && (column.Sortable || column.Filterable) {
			t.Fatalf("control column %q must not sort or filter", column.ID)
		}
	}

	for _, id := range []string{"select", "bookmarked", "id", "timestamp", "name", "latency", "tags", "action"} {
		if !seen[id] {
			t.Fatalf("registry is missing column %q", id)
		}
	}
}

func TestDetailOnlyColumnsAreNotListable(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"input", "output", "metadata"} {
		column, ok := Lookup(id)
		if !ok {
			t.Fatalf("Lookup(%q) not found", id)
		}
		if !column.DetailOnly {
			t.Fatalf("column %q should be detail-only", id)
		}
		if column.Sortable || column.Filterable {
			t.Fatalf("detail-only column %q must not sort or filter", id)
		}
	}
}

func TestVisibleColumnsPrunesOmitted(t *testing.T) {
	t.Parallel()

	visible := VisibleColumns([]string{"latency", "tags", "not-a-column"})
	for _, column := range visible {
		if column.ID == "latency" || column.ID == "tags" {
			t.Fatalf("omitted column %q still visible", column.ID)
		}
	}
	if len(visible) != len(Columns())-2 {
		t.Fatalf("VisibleColumns() returned %d columns, want %d", len(visible), len(Columns())-2)
	}
}

func TestValidateFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		filter  query.Filter
		wantErr bool
	}{
		{
			name:   "valid string filter",
			filter: query.Filter{Column: "userId", Type: query.TypeString, Operator: query.OpEquals, Value: "user-1"},
		},
		{
			name:   "valid number filter",
			filter: query.Filter{Column: "latency", Type: query.TypeNumber, Operator: query.OpGreater, Value: 100.0},
		},
		{
			name:    "unknown column",
			filter:  query.Filter{Column: "nope", Type: query.TypeString, Operator: query.OpEquals, Value: "x"},
			wantErr: true,
		},
		{
			name:    "detail-only column is not filterable",
			filter:  query.Filter{Column: "input", Type: query.TypeString, Operator: query.OpContains, Value: "x"},
			wantErr: true,
		},
		{
			name:    "type mismatch",
			filter:  query.Filter{Column: "latency", Type: query.TypeString, Operator: query.OpEquals, Value: "fast"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateFilters(query.Filters{tt.filter})
			if tt.wantErr {
				if !errors.Is(err, query.ErrInvalidFilter) {
					t.Fatalf("ValidateFilters() error = %v, want ErrInvalidFilter", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateFilters() error: %v", err)
			}
		})
	}
}

func TestValidateFiltersSkipsSyntheticScope(t *testing.T) {
	t.Parallel()

	// The injected scope predicate is a plain string filter on userId and
	// must pass even when combined with user filters.
	filters := query.Effective(query.Filters{
		{Column: "timestamp", Type: query.TypeDatetime, Operator: query.OpGreaterOrEqual, Value: time.Now().Add(-time.Hour)},
	}, "user-9")

	if err := ValidateFilters(filters); err != nil {
		t.Fatalf("ValidateFilters() error: %v", err)
	}
}

func TestValidateOrderBy(t *testing.T) {
	t.Parallel()

	if err := ValidateOrderBy(query.OrderBy{}); err != nil {
		t.Fatalf("ValidateOrderBy(zero) error: %v", err)
	}
	if err := ValidateOrderBy(query.OrderBy{Column: "timestamp", Direction: query.DirectionDesc}); err != nil {
		t.Fatalf("ValidateOrderBy(timestamp) error: %v", err)
	}
	if err := ValidateOrderBy(query.OrderBy{Column: "tags", Direction: query.DirectionAsc}); !errors.Is(err, query.ErrInvalidFilter) {
		t.Fatalf("ValidateOrderBy(tags) error = %v, want ErrInvalidFilter", err)
	}
	if err := ValidateOrderBy(query.OrderBy{Column: "ghost", Direction: query.DirectionAsc}); !errors.Is(err, query.ErrInvalidFilter) {
		t.Fatalf("ValidateOrderBy(ghost) error = %v, want ErrInvalidFilter", err)
	}
}
