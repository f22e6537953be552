package platformctx

// Filter is one active search filter.
type Filter struct {
	ID    string `json:"id"`
	Field string `json:"field"`
	Value string `json:"value"`
}

// SearchState is the value of the search slice.
type SearchState struct {
	Query   string   `json:"query"`
	Filters []Filter `json:"filters"`
}

// SearchSlice holds the shared search/filter state.
type SearchSlice struct {
	core *core[SearchState]
}

// Get returns the current search state. Filters are copied; mutating the
// returned slice does not affect the stored state.
func (s *SearchSlice) Get() SearchState {
	v := s.core.get()
	v.Filters = append([]Filter(nil), v.Filters...)
	return v
}

// Subscribe registers a handler notified on every search update.
func (s *SearchSlice) Subscribe(fn func(SearchState)) func() {
	return s.core.subscribe(fn)
}

// SetQuery replaces the query string.
func (s *SearchSlice) SetQuery(query string) {
	s.core.update(func(v SearchState) SearchState {
		v.Query = query
		return v
	})
}

// AddFilter appends a filter. A filter with a duplicate ID replaces the
// existing one in place.
func (s *SearchSlice) AddFilter(f Filter) {
	s.core.update(func(v SearchState) SearchState {
		filters := append([]Filter(nil), v.Filters...)
		for i, existing := range filters {
			if existing.ID == f.ID {
				filters[i] = f
				v.Filters = filters
				return v
			}
		}
		v.Filters = append(filters, f)
		return v
	})
}

// RemoveFilter removes the filter with the given ID, if present.
func (s *SearchSlice) RemoveFilter(id string) {
	s.core.update(func(v SearchState) SearchState {
		filters := make([]Filter, 0, len(v.Filters))
		for _, f := range v.Filters {
			if f.ID != id {
				filters = append(filters, f)
			}
		}
		v.Filters = filters
		return v
	})
}

// ClearAll resets the query and removes every filter.
func (s *SearchSlice) ClearAll() {
	s.core.update(func(SearchState) SearchState {
		return SearchState{}
	})
}

// Breadcrumb is one entry of the navigation stack.
type Breadcrumb struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Path  string `json:"path"`
}

// NavigationSlice holds the ordered breadcrumb stack.
type NavigationSlice struct {
	core *core[[]Breadcrumb]
}

// Get returns a copy of the current breadcrumb stack.
func (s *NavigationSlice) Get() []Breadcrumb {
	return append([]Breadcrumb(nil), s.core.get()...)
}

// Subscribe registers a handler notified on every navigation update.
func (s *NavigationSlice) Subscribe(fn func([]Breadcrumb)) func() {
	return s.core.subscribe(fn)
}

// SetPath replaces the whole breadcrumb stack.
func (s *NavigationSlice) SetPath(crumbs []Breadcrumb) {
	copied := append([]Breadcrumb(nil), crumbs...)
	s.core.update(func([]Breadcrumb) []Breadcrumb {
		return copied
	})
}

// NavigateTo moves to a breadcrumb. If the crumb is already on the stack the
// stack is truncated through it; otherwise it is pushed on top.
func (s *NavigationSlice) NavigateTo(crumb Breadcrumb) {
	s.core.update(func(v []Breadcrumb) []Breadcrumb {
		for i, existing := range v {
			if existing.ID == crumb.ID {
				return append([]Breadcrumb(nil), v[:i+1]...)
			}
		}
		return append(append([]Breadcrumb(nil), v...), crumb)
	})
}

// SelectionState is the value of the selection slice.
type SelectionState struct {
	SelectedIDs []string `json:"selectedIds"`
}

// SelectionSlice holds the shared multi-select state.
type SelectionSlice struct {
	core *core[SelectionState]
}

// Get returns a copy of the current selection.
func (s *SelectionSlice) Get() SelectionState {
	v := s.core.get()
	v.SelectedIDs = append([]string(nil), v.SelectedIDs...)
	return v
}

// Subscribe registers a handler notified on every selection update.
func (s *SelectionSlice) Subscribe(fn func(SelectionState)) func() {
	return s.core.subscribe(fn)
}

// Toggle adds id to the selection if absent, removes it if present.
func (s *SelectionSlice) Toggle(id string) {
	s.core.update(func(v SelectionState) SelectionState {
		ids := make([]string, 0, len(v.SelectedIDs)+1)
		found := false
		for _, existing := range v.SelectedIDs {
			if existing == id {
				found = true
				continue
			}
			ids = append(ids, existing)
		}
		if !found {
			ids = append(ids, id)
		}
		v.SelectedIDs = ids
		return v
	})
}

// SetAll replaces the selection.
func (s *SelectionSlice) SetAll(ids []string) {
	copied := append([]string(nil), ids...)
	s.core.update(func(v SelectionState) SelectionState {
		v.SelectedIDs = copied
		return v
	})
}

// Clear empties the selection.
func (s *SelectionSlice) Clear() {
	s.core.update(func(SelectionState) SelectionState {
		return SelectionState{}
	})
}
