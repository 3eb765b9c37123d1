package table

import (
	"reflect"
	"testing"
)

func TestSelectionHeaderState(t *testing.T) {
	t.Parallel()

	pageIDs := []string{"a", "b", "c"}

	tests := []struct {
		name     string
		selected []string
		want     HeaderState
	}{
		{name: "nothing selected", selected: nil, want: HeaderNone},
		{name: "subset selected", selected: []string{"b"}, want: HeaderSome},
		{name: "whole page selected", selected: []string{"a", "b", "c"}, want: HeaderAll},
		{name: "only other pages selected", selected: []string{"z"}, want: HeaderNone},
		{name: "page plus other pages selected", selected: []string{"a", "b", "c", "z"}, want: HeaderAll},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewSelection(tt.selected)
			if got := s.HeaderState(pageIDs); got != tt.want {
				t.Fatalf("HeaderState() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSelectionHeaderStateEmptyPage(t *testing.T) {
	t.Parallel()

	s := NewSelection([]string{"a"})
	if got := s.HeaderState(nil); got != HeaderNone {
		t.Fatalf("HeaderState(empty page) = %q, want %q", got, HeaderNone)
	}
}

func TestToggleAllCheckAddsPageToExistingSelection(t *testing.T) {
	t.Parallel()

	s := NewSelection([]string{"other-page-id"})
	s.ToggleAll([]string{"a", "b"}, true)

	want := []string{"a", "b", "other-page-id"}
	if got := s.IDs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("IDs() = %v, want %v", got, want)
	}
}

func TestToggleAllUncheckClearsEverySelection(t *testing.T) {
	t.Parallel()

	s := NewSelection([]string{"a", "b", "other-page-id"})
	s.ToggleAll([]string{"a", "b"}, false)

	if s.Len() != 0 {
		t.Fatalf("Len() = %d after header uncheck, want 0", s.Len())
	}
}

func TestToggleSingleRow(t *testing.T) {
	t.Parallel()

	s := NewSelection(nil)
	s.Toggle("a", true)
	s.Toggle("b", true)
	s.Toggle("a", false)

	if s.Contains("a") {
		t.Fatal("expected a to be unchecked")
	}
	if !s.Contains("b") {
		t.Fatal("expected b to stay checked")
	}
}

func TestActionableRequiresSelectionOnCurrentPage(t *testing.T) {
	t.Parallel()

	s := NewSelection([]string{"other-page-id"})

	if s.Actionable([]string{"a", "b"}) {
		t.Fatal("Actionable() = true with no checked id on page, want false")
	}

	s.Toggle("a", true)
	if !s.Actionable([]string{"a", "b"}) {
		t.Fatal("Actionable() = false with checked id on page, want true")
	}
	if got := s.ActionableIDs([]string{"a", "b"}); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("ActionableIDs() = %v, want [a]", got)
	}
}

func TestSelectionSurvivesPageChange(t *testing.T) {
	t.Parallel()

	s := NewSelection(nil)
	s.ToggleAll([]string{"a", "b"}, true)

	// A different page keeps the old ids around even though none are visible.
	nextPage := []string{"c", "d"}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if s.Actionable(nextPage) {
		t.Fatal("Actionable() = true on a page with no checked rows")
	}
	if got := s.HeaderState(nextPage); got != HeaderNone {
		t.Fatalf("HeaderState() = %q, want %q", got, HeaderNone)
	}
}
