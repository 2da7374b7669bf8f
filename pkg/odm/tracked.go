package odm

import "sort"

// TrackedList is the container handed out for list fields: every mutation
// is recorded into the owning document's dirty set under the field's name.
type TrackedList struct {
	owner *Document
	field string
	items []any

	// dereferenced is false when the list still holds pending
	// references; the accessor re-dereferences such a list on the next
	// load instead of returning it from cache.
	dereferenced bool
}

func newTrackedList(owner *Document, field string, items []any, dereferenced bool) *TrackedList {
	return &TrackedList{owner: owner, field: field, items: items, dereferenced: dereferenced}
}

// Len returns the number of elements.
func (l *TrackedList) Len() int { return len(l.items) }

// At returns the element at index i.
func (l *TrackedList) At(i int) any { return l.items[i] }

// Items returns a copy of the elements.
func (l *TrackedList) Items() []any {
	out := make([]any, len(l.items))
	copy(out, l.items)
	return out
}

// SetAt replaces the element at index i and marks the field dirty.
func (l *TrackedList) SetAt(i int, v any) {
	l.items[i] = v
	l.markChanged()
}

// Append adds elements and marks the field dirty.
func (l *TrackedList) Append(vs ...any) {
	l.items = append(l.items, vs...)
	l.markChanged()
}

// RemoveAt deletes the element at index i and marks the field dirty.
func (l *TrackedList) RemoveAt(i int) {
	l.items = append(l.items[:i], l.items[i+1:]...)
	l.markChanged()
}

func (l *TrackedList) markChanged() {
	if l.owner != nil {
		l.owner.markChanged(l.field)
	}
}

func (l *TrackedList) rawItems() any { return l.items }

// TrackedMap is the container handed out for map fields; mutations mark
// the owning document's field dirty.
type TrackedMap struct {
	owner *Document
	field string
	items map[string]any

	dereferenced bool
}

func newTrackedMap(owner *Document, field string, items map[string]any, dereferenced bool) *TrackedMap {
	if items == nil {
		items = make(map[string]any)
	}
	return &TrackedMap{owner: owner, field: field, items: items, dereferenced: dereferenced}
}

// Len returns the number of entries.
func (m *TrackedMap) Len() int { return len(m.items) }

// Get returns the value stored under key.
func (m *TrackedMap) Get(key string) (any, bool) {
	v, ok := m.items[key]
	return v, ok
}

// Keys returns the keys in sorted order.
func (m *TrackedMap) Keys() []string {
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set stores a value and marks the field dirty.
func (m *TrackedMap) Set(key string, v any) {
	m.items[key] = v
	m.markChanged()
}

// Delete removes a key and marks the field dirty.
func (m *TrackedMap) Delete(key string) {
	delete(m.items, key)
	m.markChanged()
}

// Items returns a copy of the entries.
func (m *TrackedMap) Items() map[string]any {
	out := make(map[string]any, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}

func (m *TrackedMap) markChanged() {
	if m.owner != nil {
		m.owner.markChanged(m.field)
	}
}

func (m *TrackedMap) rawItems() any { return m.items }
