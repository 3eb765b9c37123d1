package table

import "sort"

// HeaderState is the tri-state of the select-all checkbox for one page.
type HeaderState string

const (
	HeaderNone HeaderState = "none"
	HeaderSome HeaderState = "some"
	HeaderAll  HeaderState = "all"
)

// Selection tracks checked row ids. Selections live independently of the
// current page: paging or re-filtering does not prune ids that scrolled out
// of view, so a bulk action can span pages.
type Selection struct {
	ids map[string]struct{}
}

// NewSelection seeds a selection from a list of ids, dropping duplicates.
func NewSelection(ids []string) *Selection {
	s := &Selection{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id == "" {
			continue
		}
		s.ids[id] = struct{}{}
	}
	return s
}

// Toggle checks or unchecks a single row.
func (s *Selection) Toggle(id string, checked bool) {
	if id == "" {
		return
	}
	if checked {
		s.ids[id] = struct{}{}
		return
	}
	delete(s.ids, id)
}

// ToggleAll handles the header checkbox. Checking selects every row on the
// current page on top of whatever is already selected. Unchecking clears the
// entire selection, including rows selected on other pages.
func (s *Selection) ToggleAll(pageIDs []string, checked bool) {
	if !checked {
		s.ids = make(map[string]struct{})
		return
	}
	for _, id := range pageIDs {
		if id == "" {
			continue
		}
		s.ids[id] = struct{}{}
	}
}

// Clear unchecks everything.
func (s *Selection) Clear() {
	s.ids = make(map[string]struct{})
}

// Contains reports whether a row is checked.
func (s *Selection) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the total number of checked rows across all pages.
func (s *Selection) Len() int {
	return len(s.ids)
}

// IDs returns the checked ids in stable order.
func (s *Selection) IDs() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HeaderState computes the header checkbox state for the given page.
func (s *Selection) HeaderState(pageIDs []string) HeaderState {
	if len(pageIDs) == 0 {
		return HeaderNone
	}
	selected := 0
	for _, id := range pageIDs {
		if s.Contains(id) {
			selected++
		}
	}
	switch selected {
	case 0:
		return HeaderNone
	case len(pageIDs):
		return HeaderAll
	default:
		return HeaderSome
	}
}

// Actionable reports whether a bulk action applies to the current page: at
// least one checked id must be visible on it. A selection made entirely on
// other pages keeps its ids but offers no action here.
func (s *Selection) Actionable(pageIDs []string) bool {
	for _, id := range pageIDs {
		if s.Contains(id) {
			return true
		}
	}
	return false
}

// ActionableIDs returns the checked ids present on the current page.
func (s *Selection) ActionableIDs(pageIDs []string) []string {
	out := make([]string, 0, len(pageIDs))
	for _, id := range pageIDs {
		if s.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}
