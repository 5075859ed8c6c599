package syncstore

import (
	"fmt"
	"sync"
)

// Target is one cache shape the synchronizer patches. The closed set of
// variants — list stores, the keyed detail cache, grouped caches, search
// mirrors — all answer the same three questions: does this record belong
// here, where is it, and how is it patched. The synchronizer iterates one
// polymorphic collection instead of duplicating per-shape logic.
type Target interface {
	// EntityType scopes the target to one entity type.
	EntityType() string

	// Upsert applies a create or update. rec may be a partial field set for
	// updates; old, when available, carries pre-change values. An error means
	// the target could not decide membership and was left untouched.
	Upsert(kind ChangeKind, rec, old Record) error

	// Remove deletes the record unconditionally, reporting whether it was
	// present.
	Remove(id ID) bool
}

// ListTarget patches one paginated list store according to its query
// signature: merge in place, reposition when the sort key changed, remove on
// membership loss, insert at the sorted position on membership gain.
//
// The signature is re-derived from its raw form on first use; a signature
// that cannot be decoded makes every Upsert fail, which the synchronizer
// logs and skips rather than corrupting the store.
type ListTarget struct {
	store *Store
	raw   string

	once   sync.Once
	sig    Signature
	sigErr error
}

// NewListTarget builds a list target from a store and its raw signature.
func NewListTarget(store *Store, rawSignature string) *ListTarget {
	return &ListTarget{store: store, raw: rawSignature}
}

// listTargetFor wraps a registry handle, reusing its already-parsed
// signature.
func listTargetFor(h *Handle) *ListTarget {
	t := &ListTarget{store: h.Store(), raw: h.Signature().String()}
	t.once.Do(func() { t.sig = h.Signature() })

	return t
}

func (t *ListTarget) signature() (Signature, error) {
	t.once.Do(func() {
		t.sig, t.sigErr = ParseSignature(t.raw)
	})

	return t.sig, t.sigErr
}

// EntityType returns the signature's entity type, or "" when the signature
// is malformed.
func (t *ListTarget) EntityType() string {
	sig, err := t.signature()
	if err != nil {
		return ""
	}

	return sig.EntityType
}

// Store returns the underlying store.
func (t *ListTarget) Store() *Store {
	return t.store
}

// Upsert implements Target.
func (t *ListTarget) Upsert(kind ChangeKind, rec, old Record) error {
	sig, err := t.signature()
	if err != nil {
		return fmt.Errorf("list target: %w", err)
	}

	id := rec.ID()
	if id == "" {
		return fmt.Errorf("list target: %w", ErrMissingID)
	}

	existing, loaded := t.store.Get(id)
	if loaded {
		merged := existing.Merge(rec)

		// Membership is re-tested on every update, not just create: a status
		// edit can move a record out of the filter it was loaded under.
		if !sig.Matches(merged) {
			t.store.RemoveByID(id)
			return nil
		}

		oldKey, _ := existing.Field(sig.Sort.Field)
		newKey, _ := merged.Field(sig.Sort.Field)

		if CompareValues(oldKey, newKey) != 0 {
			t.store.Reposition(id, merged, sig.Comparator())
		} else {
			t.store.PatchByID(id, func(Record) Record { return merged })
		}

		return nil
	}

	candidate := rec
	if old != nil {
		candidate = old.Merge(rec)
	}

	if !sig.Matches(candidate) {
		return nil
	}

	if kind == Updated {
		// A record gaining membership mid-update slots in only when the store
		// has fetched its full result set; otherwise it may belong to a page
		// that was never loaded and the insert would fake its position.
		if !t.store.fullyLoaded() {
			return nil
		}
	}

	t.store.InsertAtSorted(candidate, sig.Comparator())

	return nil
}

// Remove implements Target.
func (t *ListTarget) Remove(id ID) bool {
	return t.store.RemoveByID(id)
}

// DetailTarget adapts the detail cache to the Target interface for one
// entity type.
type DetailTarget struct {
	cache      *DetailCache
	entityType string
}

// NewDetailTarget wraps the detail cache for one entity type.
func NewDetailTarget(cache *DetailCache, entityType string) *DetailTarget {
	return &DetailTarget{cache: cache, entityType: entityType}
}

// EntityType implements Target.
func (t *DetailTarget) EntityType() string {
	return t.entityType
}

// Upsert seeds the entry on create and merges on update. Updates to ids the
// cache never held are a no-op; no pane is looking at them.
func (t *DetailTarget) Upsert(kind ChangeKind, rec, _ Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("detail target: %w", ErrMissingID)
	}

	if kind == Created {
		t.cache.Seed(t.entityType, rec)
		return nil
	}

	t.cache.Patch(t.entityType, id, func(cur Record) Record { return cur.Merge(rec) })

	return nil
}

// Remove implements Target.
func (t *DetailTarget) Remove(id ID) bool {
	_, present := t.cache.Get(t.entityType, id)
	t.cache.Evict(t.entityType, id)

	return present
}

// GroupedTarget buckets records of one entity type by a derived group key —
// a kanban column from the status field, a calendar month from the due date.
// Each bucket is an ordinary store; an update that changes the group key
// moves the record between buckets.
type GroupedTarget struct {
	entityType string
	groupOf    func(Record) string
	cmp        Comparator

	mu     sync.Mutex
	groups map[string]*Store
}

// NewGroupedTarget builds a grouped target. groupOf derives the bucket key
// from a record; cmp orders records within each bucket.
func NewGroupedTarget(entityType string, groupOf func(Record) string, cmp Comparator) *GroupedTarget {
	return &GroupedTarget{
		entityType: entityType,
		groupOf:    groupOf,
		cmp:        cmp,
		groups:     map[string]*Store{},
	}
}

// EnsureGroup returns the bucket store for a key, creating it if absent.
// Only records whose group key maps to an existing bucket are cached; a view
// declares its buckets (columns, months) up front.
func (g *GroupedTarget) EnsureGroup(key string) *Store {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.groups[key]
	if !ok {
		s = NewStore()
		g.groups[key] = s
	}

	return s
}

// Group returns the bucket store for a key, if declared.
func (g *GroupedTarget) Group(key string) (*Store, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.groups[key]

	return s, ok
}

// EntityType implements Target.
func (g *GroupedTarget) EntityType() string {
	return g.entityType
}

// Upsert implements Target.
func (g *GroupedTarget) Upsert(_ ChangeKind, rec, old Record) error {
	id := rec.ID()
	if id == "" {
		return fmt.Errorf("grouped target: %w", ErrMissingID)
	}

	curKey, curStore, existing := g.locate(id)

	merged := rec
	if existing != nil {
		merged = existing.Merge(rec)
	} else if old != nil {
		merged = old.Merge(rec)
	}

	newKey := g.groupOf(merged)

	if curStore != nil {
		if newKey == curKey {
			curStore.Reposition(id, merged, g.cmp)
			return nil
		}

		curStore.RemoveByID(id)
	}

	if dst, ok := g.Group(newKey); ok {
		dst.InsertAtSorted(merged, g.cmp)
	}

	return nil
}

// Remove implements Target.
func (g *GroupedTarget) Remove(id ID) bool {
	_, store, _ := g.locate(id)
	if store == nil {
		return false
	}

	return store.RemoveByID(id)
}

func (g *GroupedTarget) locate(id ID) (string, *Store, Record) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key, store := range g.groups {
		if rec, ok := store.Get(id); ok {
			return key, store, rec
		}
	}

	return "", nil, nil
}
