// Package sim is the simulator app layer: an interactive session over the
// cache core with an in-memory backend, used to poke at stores, mutations and
// realtime echoes from a terminal.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tallyapp/tally/internal/backend"
	"github.com/tallyapp/tally/pkg/syncstore"
)

// EntityTypes lists the demo entity types in display order.
var EntityTypes = []string{"task", "invoice", "order", "payment"}

// Session owns one simulated client over a seeded in-memory backend. List and
// search views are opened lazily and reused, the way a UI keeps a store per
// visible collection.
type Session struct {
	ID     string
	cfg    Config
	mem    *backend.Memory
	client *syncstore.Client
	logger zerolog.Logger

	mu       sync.Mutex
	lists    map[string]*syncstore.EntityListView
	searches map[string]*syncstore.SearchView
}

// NewSession builds a session with seeded demo data.
func NewSession(cfg Config, logger zerolog.Logger) (*Session, error) {
	mem := backend.NewMemory()

	err := SeedDemo(mem)
	if err != nil {
		return nil, fmt.Errorf("seed demo data: %w", err)
	}

	if cfg.LatencyMS > 0 {
		mem.SetLatency(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}

	client := syncstore.NewClient(mem, syncstore.Config{
		Logger:         &logger,
		PageSize:       cfg.PageSize,
		SearchPageSize: cfg.SearchPageSize,
	})

	return &Session{
		ID:       uuid.NewString(),
		cfg:      cfg,
		mem:      mem,
		client:   client,
		logger:   logger,
		lists:    map[string]*syncstore.EntityListView{},
		searches: map[string]*syncstore.SearchView{},
	}, nil
}

// Close tears down every open view and the client.
func (s *Session) Close() {
	s.mu.Lock()

	lists := s.lists
	searches := s.searches
	s.lists = map[string]*syncstore.EntityListView{}
	s.searches = map[string]*syncstore.SearchView{}

	s.mu.Unlock()

	for _, v := range lists {
		v.Close()
	}

	for _, v := range searches {
		v.Close()
	}

	s.client.Close()
}

// Backend exposes the in-memory backend for out-of-band pushes.
func (s *Session) Backend() *backend.Memory {
	return s.mem
}

// Client exposes the underlying cache client.
func (s *Session) Client() *syncstore.Client {
	return s.client
}

// List returns the view for a query, opening it on first use, and fetches its
// next page. Repeating the same query pages further into the collection.
func (s *Session) List(ctx context.Context, entityType string, filters map[string]string, sortSpec syncstore.SortSpec) (syncstore.Snapshot, error) {
	sig := syncstore.EncodeSignature(entityType, filters, sortSpec)

	s.mu.Lock()
	view, ok := s.lists[sig]
	s.mu.Unlock()

	if !ok {
		var err error

		view, err = s.client.EntityList(entityType, sig)
		if err != nil {
			return syncstore.Snapshot{}, err
		}

		s.mu.Lock()
		s.lists[sig] = view
		s.mu.Unlock()
	}

	err := view.FetchNextPage(ctx)
	if err != nil {
		return syncstore.Snapshot{}, err
	}

	return view.Snapshot(), nil
}

// Detail reads one entity through the detail cache.
func (s *Session) Detail(ctx context.Context, entityType string, id syncstore.ID) (syncstore.Record, error) {
	view, err := s.client.EntityDetail(ctx, entityType, id)
	if err != nil {
		return nil, err
	}

	defer view.Close()

	rec, ok := view.Record()
	if !ok {
		return nil, fmt.Errorf("detail %s %s: %w", entityType, id, syncstore.ErrEntityNotFound)
	}

	return rec, nil
}

// CreateEntity performs an optimistic create and returns the committed
// record.
func (s *Session) CreateEntity(ctx context.Context, entityType string, fields syncstore.Record) (syncstore.Record, error) {
	result, err := s.client.Mutate(ctx, syncstore.MutationSpec{
		EntityType: entityType,
		FieldGroup: "create",
		Forward:    fields,
	})
	if err != nil {
		return nil, err
	}

	return result.Record, nil
}

// EditEntity performs an optimistic update. The inverse patch is derived from
// the backend's current record so a rejected write restores exactly the
// fields the edit touched.
func (s *Session) EditEntity(ctx context.Context, entityType string, id syncstore.ID, fields syncstore.Record) (*syncstore.MutationResult, error) {
	current, ok := s.mem.Get(entityType, id)
	if !ok {
		return nil, fmt.Errorf("edit %s %s: %w", entityType, id, syncstore.ErrEntityNotFound)
	}

	inverse := syncstore.Record{}
	for k := range fields {
		inverse[k] = current[k]
	}

	return s.client.Mutate(ctx, syncstore.MutationSpec{
		EntityType: entityType,
		ID:         id,
		FieldGroup: fieldGroupOf(fields),
		Forward:    fields,
		Inverse:    inverse,
	})
}

// RemoveEntity performs an optimistic delete.
func (s *Session) RemoveEntity(ctx context.Context, entityType string, id syncstore.ID) (*syncstore.MutationResult, error) {
	snapshot, _ := s.mem.Get(entityType, id)

	return s.client.Delete(ctx, entityType, id, snapshot)
}

// Search runs a query through the entity type's search view and fetches its
// next page. A changed query text resets the view first.
func (s *Session) Search(ctx context.Context, entityType, query string) (syncstore.Snapshot, error) {
	s.mu.Lock()
	view, ok := s.searches[entityType]
	s.mu.Unlock()

	if !ok {
		var err error

		view, err = s.client.Search(entityType)
		if err != nil {
			return syncstore.Snapshot{}, err
		}

		view.SetQuery(query, nil)

		s.mu.Lock()
		s.searches[entityType] = view
		s.mu.Unlock()
	} else {
		view.SetQuery(query, nil)
	}

	err := view.FetchNextPage(ctx)
	if err != nil {
		return syncstore.Snapshot{}, err
	}

	return view.Snapshot(), nil
}

// Push writes straight to the backend, bypassing the optimistic path, as if
// another session committed the write. Open views pick it up through the
// realtime echo. An empty id creates.
func (s *Session) Push(ctx context.Context, entityType string, id syncstore.ID, fields syncstore.Record) (syncstore.Record, error) {
	return s.mem.WriteEntity(ctx, entityType, id, fields)
}

// PushDelete deletes straight on the backend.
func (s *Session) PushDelete(ctx context.Context, entityType string, id syncstore.ID) error {
	return s.mem.DeleteEntity(ctx, entityType, id)
}

// Bulk pushes count touched-at updates for one entity type through a batcher,
// so the burst coalesces into one patch pass per entity instead of one per
// write. Returns how many distinct entities were touched.
func (s *Session) Bulk(ctx context.Context, entityType string, count int) (int, error) {
	page, err := s.mem.QueryPage(ctx, entityType, nil, syncstore.SortSpec{}, 0, count)
	if err != nil {
		return 0, err
	}

	if len(page.Rows) == 0 {
		return 0, nil
	}

	batcher := syncstore.NewBatcher(func(changes []syncstore.Change) {
		for _, ch := range changes {
			s.client.Apply(ch)
		}
	}, syncstore.DefaultBatchWindow)

	touched := map[syncstore.ID]bool{}

	for i := range count {
		row := page.Rows[i%len(page.Rows)]
		touched[row.ID()] = true

		err := batcher.Add(syncstore.Change{
			EntityType: entityType,
			Kind:       syncstore.Updated,
			Record: syncstore.Record{
				syncstore.FieldID: string(row.ID()),
				"touched_at":      time.Now().UTC().Format(time.RFC3339),
				"touch_seq":       i,
			},
		})
		if err != nil {
			return 0, err
		}
	}

	batcher.Close()

	return len(touched), nil
}

// StoreSummaries describes every registered store, one line each.
func (s *Session) StoreSummaries() []string {
	var out []string

	for _, entityType := range EntityTypes {
		s.client.Registry().ForEachStore(entityType, func(h *syncstore.Handle) {
			snap := h.Store().Snapshot()
			out = append(out, fmt.Sprintf("%-44s items=%d total=%d version=%d", h.Signature().String(), len(snap.Items), snap.TotalCount, snap.Version))
		})
	}

	sort.Strings(out)

	return out
}

// fieldGroupOf derives a stable mutation serialization key from the edited
// field names.
func fieldGroupOf(fields syncstore.Record) string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}

	sort.Strings(names)

	return strings.Join(names, "+")
}

// ParseFields turns k=v arguments into a record. Values that parse as
// integers or decimals become numbers; "null" clears a field.
func ParseFields(args []string) (syncstore.Record, error) {
	fields := syncstore.Record{}

	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", ErrUsage, arg)
		}

		fields[k] = parseValue(v)
	}

	return fields, nil
}

func parseValue(v string) any {
	if v == "null" {
		return nil
	}

	if n, err := strconv.Atoi(v); err == nil {
		return n
	}

	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}

	return v
}
