package syncstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// SearchMirror is a flat ordered list whose canonical ordering comes from an
// external ranked search index rather than direct table pagination. Writes
// flow through it like any other cache target, but membership is decided by
// the mirror's current query text and filters, and newly matching records
// surface at the front of the list: the index's ranking function is not
// available client-side, so the mirror does not try to sort them in.
type SearchMirror struct {
	backend    Backend
	entityType string
	pageSize   int

	mu      sync.Mutex
	query   string
	filters map[string]string
	page    int
	gen     uint64

	list *Store
}

// NewSearchMirror builds a mirror for one entity type.
func NewSearchMirror(backend Backend, entityType string, pageSize int) *SearchMirror {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &SearchMirror{
		backend:    backend,
		entityType: entityType,
		pageSize:   pageSize,
		filters:    map[string]string{},
		list:       NewStore(),
	}
}

// Store exposes the mirror's backing list for snapshots and subscriptions.
func (m *SearchMirror) Store() *Store {
	return m.list
}

// EntityType implements Target.
func (m *SearchMirror) EntityType() string {
	return m.entityType
}

// SetQuery replaces the active query text and filters and clears the list;
// the next FetchNextPage starts from the first page of the new query. A
// request still in flight for the previous query is superseded: its result
// is discarded when it resolves.
func (m *SearchMirror) SetQuery(query string, filters map[string]string) {
	m.mu.Lock()

	m.query = query
	m.filters = map[string]string{}
	for k, v := range filters {
		m.filters[k] = v
	}

	m.page = 0
	m.gen++
	m.mu.Unlock()

	m.list.reset()
}

// Reset clears the list and page cursor, keeping the query. Like SetQuery it
// supersedes any request still in flight.
func (m *SearchMirror) Reset() {
	m.mu.Lock()
	m.page = 0
	m.gen++
	m.mu.Unlock()

	m.list.reset()
}

// FetchNextPage loads the next ranked page from the search service. Guards
// and cancellation semantics match the paged fetcher: one request at a time,
// cancellation silent, genuine failure recorded on the list store.
func (m *SearchMirror) FetchNextPage(ctx context.Context) error {
	_, err := m.list.beginFetch()
	if err != nil {
		return err
	}

	m.mu.Lock()
	query, filters, page, gen := m.query, m.filters, m.page, m.gen
	m.mu.Unlock()

	result, err := m.backend.SearchPage(ctx, m.entityType, query, filters, page, m.pageSize)

	m.mu.Lock()
	superseded := gen != m.gen
	m.mu.Unlock()

	if superseded {
		// SetQuery replaced the query mid-flight; these rows belong to the
		// old one and never touch the reset list.
		m.list.finishFetch(nil, false)
		return nil
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			m.list.finishFetch(nil, false)
			return nil
		}

		wrapped := fmt.Errorf("search page %d: %w", page, err)
		m.list.finishFetch(wrapped, false)

		return wrapped
	}

	m.mu.Lock()
	m.page = page + 1
	m.mu.Unlock()

	m.list.AppendPage(result.Rows, result.TotalCount)
	m.list.finishFetch(nil, true)

	return nil
}

// ApplyUpsert patches the mirror for a created or updated record: a record
// matching the current query updates in place if present or inserts at the
// front; one that no longer matches is removed even though it still exists.
func (m *SearchMirror) ApplyUpsert(rec, old Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("search mirror: %w", ErrMissingID)
	}

	existing, loaded := m.list.Get(id)

	candidate := rec

	switch {
	case loaded:
		candidate = existing.Merge(rec)
	case old != nil:
		candidate = old.Merge(rec)
	}

	if !m.matches(candidate) {
		m.list.RemoveByID(id)
		return nil
	}

	if loaded {
		m.list.PatchByID(id, func(Record) Record { return candidate })
		return nil
	}

	m.list.InsertAtFront(candidate)

	return nil
}

// ApplyRemoval removes the record unconditionally.
func (m *SearchMirror) ApplyRemoval(id ID) bool {
	return m.list.RemoveByID(id)
}

// Upsert implements Target.
func (m *SearchMirror) Upsert(_ ChangeKind, rec, old Record) error {
	return m.ApplyUpsert(rec, old)
}

// Remove implements Target.
func (m *SearchMirror) Remove(id ID) bool {
	return m.ApplyRemoval(id)
}

// matches re-evaluates the active query client-side: every whitespace-
// separated term must appear, case-insensitively, in some string field, and
// every filter must hold. This approximates the index's own matching closely
// enough to decide visibility between server round-trips.
func (m *SearchMirror) matches(rec Record) bool {
	m.mu.Lock()
	query, filters := m.query, m.filters
	m.mu.Unlock()

	for field, want := range filters {
		got, ok := rec.Field(field)
		if !ok || FieldString(got) != want {
			return false
		}
	}

	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return true
	}

	var haystack strings.Builder

	for _, v := range rec {
		if s, ok := v.(string); ok {
			haystack.WriteString(strings.ToLower(s))
			haystack.WriteByte(' ')
		}
	}

	text := haystack.String()

	for _, term := range terms {
		if !strings.Contains(text, term) {
			return false
		}
	}

	return true
}
