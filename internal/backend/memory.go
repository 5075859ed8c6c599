// Package backend provides the in-memory reference implementation of the
// syncstore Backend seam: server-side filtering, sorting, search and
// realtime emission over plain maps. Tests and the simulator run against it;
// production wires a real transport instead.
package backend

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tallyapp/tally/pkg/syncstore"
)

// Memory is an in-memory Backend. Writes emit realtime changes to every
// subscriber synchronously, the way a push channel echoes committed writes
// to all connected sessions.
type Memory struct {
	mu      sync.Mutex
	tables  map[string]map[syncstore.ID]syncstore.Record
	nextID  int64
	subs    map[string]map[int]func(syncstore.Change)
	nextSub int

	writeErr  error
	deleteErr error
	queryErr  error
	latency   time.Duration
}

// NewMemory returns an empty backend.
func NewMemory() *Memory {
	return &Memory{
		tables: map[string]map[syncstore.ID]syncstore.Record{},
		subs:   map[string]map[int]func(syncstore.Change){},
		nextID: 1,
	}
}

// Seed inserts a record directly, without emitting a realtime change. The
// record must carry an id.
func (m *Memory) Seed(entityType string, rec syncstore.Record) error {
	id := rec.ID()
	if id == "" {
		return syncstore.ErrMissingID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.table(entityType)[id] = rec.Clone()

	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && n >= m.nextID {
		m.nextID = n + 1
	}

	return nil
}

// SetWriteError makes subsequent WriteEntity calls fail, for rollback tests.
// Pass nil to heal.
func (m *Memory) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeErr = err
}

// SetDeleteError makes subsequent DeleteEntity calls fail.
func (m *Memory) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteErr = err
}

// SetQueryError makes subsequent QueryPage/SearchPage calls fail.
func (m *Memory) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queryErr = err
}

// SetLatency adds an artificial delay to every call, for the simulator.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latency = d
}

// Len reports the row count of one table.
func (m *Memory) Len(entityType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.tables[entityType])
}

// Get returns a stored record by id.
func (m *Memory) Get(entityType string, id syncstore.ID) (syncstore.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tables[entityType][id]
	if !ok {
		return nil, false
	}

	return rec.Clone(), true
}

// QueryPage implements syncstore.Backend.
func (m *Memory) QueryPage(ctx context.Context, entityType string, filters map[string]string, sortSpec syncstore.SortSpec, offset, limit int) (syncstore.Page, error) {
	err := m.wait(ctx)
	if err != nil {
		return syncstore.Page{}, err
	}

	m.mu.Lock()

	if m.queryErr != nil {
		defer m.mu.Unlock()
		return syncstore.Page{}, m.queryErr
	}

	rows := m.matchingLocked(entityType, filters)

	m.mu.Unlock()

	if sortSpec.Field != "" {
		cmp := syncstore.FieldComparator(sortSpec)
		sort.SliceStable(rows, func(i, j int) bool { return cmp(rows[i], rows[j]) < 0 })
	} else {
		sortByID(rows)
	}

	return page(rows, offset, limit), nil
}

// WriteEntity implements syncstore.Backend. Creates assign the next integer
// id; updates merge field-by-field. The resulting record goes out to every
// realtime subscriber.
func (m *Memory) WriteEntity(ctx context.Context, entityType string, id syncstore.ID, patch syncstore.Record) (syncstore.Record, error) {
	err := m.wait(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()

	if m.writeErr != nil {
		err := m.writeErr
		m.mu.Unlock()

		return nil, err
	}

	table := m.table(entityType)

	kind := syncstore.Updated

	var result syncstore.Record

	if id == "" {
		kind = syncstore.Created
		id = syncstore.IDFromInt(m.nextID)
		m.nextID++

		result = patch.Clone()
		if result == nil {
			result = syncstore.Record{}
		}

		result[syncstore.FieldID] = string(id)
	} else {
		existing, ok := table[id]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("write %s %s: %w", entityType, id, syncstore.ErrEntityNotFound)
		}

		result = existing.Merge(patch)
		result[syncstore.FieldID] = string(id)
	}

	table[id] = result

	emit := result.Clone()

	m.mu.Unlock()

	m.emit(syncstore.Change{EntityType: entityType, Kind: kind, Record: emit})

	return emit.Clone(), nil
}

// DeleteEntity implements syncstore.Backend.
func (m *Memory) DeleteEntity(ctx context.Context, entityType string, id syncstore.ID) error {
	err := m.wait(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()

	if m.deleteErr != nil {
		err := m.deleteErr
		m.mu.Unlock()

		return err
	}

	table := m.table(entityType)

	_, ok := table[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete %s %s: %w", entityType, id, syncstore.ErrEntityNotFound)
	}

	delete(table, id)

	m.mu.Unlock()

	m.emit(syncstore.Change{
		EntityType: entityType,
		Kind:       syncstore.Deleted,
		Record:     syncstore.Record{syncstore.FieldID: string(id)},
	})

	return nil
}

// SearchPage implements syncstore.Backend: case-insensitive substring match
// over string fields, newest ids first, page-numbered.
func (m *Memory) SearchPage(ctx context.Context, entityType, query string, filters map[string]string, pageNum, pageSize int) (syncstore.Page, error) {
	err := m.wait(ctx)
	if err != nil {
		return syncstore.Page{}, err
	}

	m.mu.Lock()

	if m.queryErr != nil {
		defer m.mu.Unlock()
		return syncstore.Page{}, m.queryErr
	}

	rows := m.matchingLocked(entityType, filters)

	m.mu.Unlock()

	terms := strings.Fields(strings.ToLower(query))

	matched := rows[:0]

	for _, rec := range rows {
		if matchesTerms(rec, terms) {
			matched = append(matched, rec)
		}
	}

	sortByID(matched)
	reverse(matched)

	return page(matched, pageNum*pageSize, pageSize), nil
}

// SubscribeRealtime implements syncstore.Backend.
func (m *Memory) SubscribeRealtime(entityType string, onEvent func(syncstore.Change)) (func(), error) {
	m.mu.Lock()

	if m.subs[entityType] == nil {
		m.subs[entityType] = map[int]func(syncstore.Change){}
	}

	key := m.nextSub
	m.nextSub++
	m.subs[entityType][key] = onEvent

	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.subs[entityType], key)
	}, nil
}

// SubscriberCount reports active realtime subscriptions for a type.
func (m *Memory) SubscriberCount(entityType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.subs[entityType])
}

// Emit pushes a change to subscribers as if another session produced it,
// without touching stored data. Useful for simulating out-of-band events.
func (m *Memory) Emit(ch syncstore.Change) {
	m.emit(ch)
}

func (m *Memory) emit(ch syncstore.Change) {
	m.mu.Lock()

	listeners := make([]func(syncstore.Change), 0, len(m.subs[ch.EntityType]))
	for _, fn := range m.subs[ch.EntityType] {
		listeners = append(listeners, fn)
	}

	m.mu.Unlock()

	for _, fn := range listeners {
		fn(ch)
	}
}

func (m *Memory) table(entityType string) map[syncstore.ID]syncstore.Record {
	t, ok := m.tables[entityType]
	if !ok {
		t = map[syncstore.ID]syncstore.Record{}
		m.tables[entityType] = t
	}

	return t
}

func (m *Memory) matchingLocked(entityType string, filters map[string]string) []syncstore.Record {
	var rows []syncstore.Record

	for _, rec := range m.tables[entityType] {
		if matchesFilters(rec, filters) {
			rows = append(rows, rec.Clone())
		}
	}

	return rows
}

func (m *Memory) wait(ctx context.Context) error {
	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return ctx.Err()
}

func matchesFilters(rec syncstore.Record, filters map[string]string) bool {
	for field, want := range filters {
		got, ok := rec.Field(field)
		if !ok || syncstore.FieldString(got) != want {
			return false
		}
	}

	return true
}

func matchesTerms(rec syncstore.Record, terms []string) bool {
	if len(terms) == 0 {
		return true
	}

	var b strings.Builder

	for _, v := range rec {
		if s, ok := v.(string); ok {
			b.WriteString(strings.ToLower(s))
			b.WriteByte(' ')
		}
	}

	text := b.String()

	for _, term := range terms {
		if !strings.Contains(text, term) {
			return false
		}
	}

	return true
}

func page(rows []syncstore.Record, offset, limit int) syncstore.Page {
	total := len(rows)

	if offset >= total {
		return syncstore.Page{TotalCount: total}
	}

	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]syncstore.Record, end-offset)
	copy(out, rows[offset:end])

	return syncstore.Page{Rows: out, TotalCount: total}
}

func sortByID(rows []syncstore.Record) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, aErr := strconv.ParseInt(string(rows[i].ID()), 10, 64)
		b, bErr := strconv.ParseInt(string(rows[j].ID()), 10, 64)

		if aErr == nil && bErr == nil {
			return a < b
		}

		return rows[i].ID() < rows[j].ID()
	})
}

func reverse(rows []syncstore.Record) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}
