package query

import (
	"errors"
	"testing"
	"time"
)

func TestEffectiveAppendsExactlyOneScopePredicate(t *testing.T) {
	t.Parallel()

	user := Filters{
		{Column: "name", Type: TypeString, Operator: OpContains, Value: "checkout"},
		{Column: "level", Type: TypeStringOptions, Operator: OpAnyOf, Value: []string{"ERROR"}},
	}

	effective := Effective(user, "user-42")
	if len(effective) != len(user)+1 {
		t.Fatalf("effective filter count=%d, want %d", len(effective), len(user)+1)
	}
	for i, filter := range effective[:len(user)] {
		if filter.Synthetic() {
			t.Fatalf("user filter %d marked synthetic", i)
		}
	}

	scope := effective[len(effective)-1]
	if !scope.Synthetic() {
		t.Fatal("scope predicate should be synthetic")
	}
	if scope.Column != UserScopeColumn || scope.Operator != OpEquals || scope.Value != "user-42" {
		t.Fatalf("scope predicate=%+v, want userId = user-42", scope)
	}

	if got := effective.UserEditable(); len(got) != len(user) {
		t.Fatalf("user-editable count=%d, want %d", len(got), len(user))
	}
}

func TestEffectiveWithoutUserIDLeavesFiltersUnchanged(t *testing.T) {
	t.Parallel()

	user := Filters{
		{Column: "tags", Type: TypeArrayOptions, Operator: OpAllOf, Value: []string{"prod", "eu"}},
	}
	effective := Effective(user, "  ")
	if len(effective) != 1 {
		t.Fatalf("effective filter count=%d, want 1", len(effective))
	}
	if effective[0].Synthetic() {
		t.Fatal("unexpected synthetic predicate without user scope")
	}
}

func TestFilterValidateRejectsMismatchedOperators(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		filter Filter
		ok     bool
	}{
		{"string contains", Filter{Column: "name", Type: TypeString, Operator: OpContains, Value: "x"}, true},
		{"string any-of rejected", Filter{Column: "name", Type: TypeString, Operator: OpAnyOf, Value: "x"}, false},
		{"number comparison", Filter{Column: "latency", Type: TypeNumber, Operator: OpGreaterOrEqual, Value: 10.0}, true},
		{"number string value rejected", Filter{Column: "latency", Type: TypeNumber, Operator: OpGreater, Value: "10"}, false},
		{"datetime bound", Filter{Column: "timestamp", Type: TypeDatetime, Operator: OpLessOrEqual, Value: time.Now()}, true},
		{"datetime equals rejected", Filter{Column: "timestamp", Type: TypeDatetime, Operator: OpEquals, Value: time.Now()}, false},
		{"options empty rejected", Filter{Column: "level", Type: TypeStringOptions, Operator: OpAnyOf, Value: []string{}}, false},
		{"array all-of", Filter{Column: "tags", Type: TypeArrayOptions, Operator: OpAllOf, Value: []string{"a"}}, true},
		{"boolean equals", Filter{Column: "bookmarked", Type: TypeBoolean, Operator: OpEquals, Value: true}, true},
		{"unknown type rejected", Filter{Column: "x", Type: FilterType("blob"), Operator: OpEquals, Value: "x"}, false},
		{"missing column rejected", Filter{Column: " ", Type: TypeString, Operator: OpEquals, Value: "x"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.filter.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("Validate() expected error")
				}
				if !errors.Is(err, ErrInvalidFilter) {
					t.Fatalf("Validate() error=%v, want ErrInvalidFilter", err)
				}
			}
		})
	}
}

func TestPaginationPageCount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		page       Pagination
		totalCount int
		want       int
	}{
		{"exact multiple", Pagination{PageSize: 50}, 100, 2},
		{"remainder adds page", Pagination{PageSize: 50}, 101, 3},
		{"single partial page", Pagination{PageSize: 50}, 7, 1},
		{"empty result", Pagination{PageSize: 50}, 0, 0},
		{"zero page size", Pagination{}, 100, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.page.PageCount(tc.totalCount); got != tc.want {
				t.Fatalf("PageCount(%d)=%d, want %d", tc.totalCount, got, tc.want)
			}
		})
	}
}

func TestPaginationClamp(t *testing.T) {
	t.Parallel()

	clamped := Pagination{PageIndex: -3, PageSize: 0}.Clamp()
	if clamped.PageIndex != 0 || clamped.PageSize != DefaultPageSize {
		t.Fatalf("Clamp()=%+v, want index 0 size %d", clamped, DefaultPageSize)
	}

	oversized := Pagination{PageIndex: 2, PageSize: 10_000}.Clamp()
	if oversized.PageSize != MaxPageSize {
		t.Fatalf("Clamp() page size=%d, want %d", oversized.PageSize, MaxPageSize)
	}
	if oversized.Offset() != 2*MaxPageSize {
		t.Fatalf("Offset()=%d, want %d", oversized.Offset(), 2*MaxPageSize)
	}
}
