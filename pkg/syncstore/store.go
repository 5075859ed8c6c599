package syncstore

import "sync"

// Snapshot is an immutable view of a store at one version. The Items slice is
// never mutated in place after publication, so holding a snapshot across
// later writes is safe.
type Snapshot struct {
	Items      []Record
	TotalCount int
	IsFetching bool
	HasMore    bool
	LastError  error
	Version    uint64
}

// Store is one observable, paginated, sorted collection of records for one
// query signature. Items are unique by id and kept in the active sort order.
// Every applied mutation replaces the items slice with a new one and bumps
// the version, so observers can detect change by version (or slice identity)
// alone.
type Store struct {
	mu          sync.Mutex
	items       []Record
	totalCount  int
	isFetching  bool
	fetchedOnce bool
	lastError   error
	version     uint64
	subs        map[int]func()
	nextSub     int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{subs: map[int]func(){}}
}

// Snapshot returns the current state. HasMore derives from the loaded item
// count against the server-reported total.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Items:      s.items,
		TotalCount: s.totalCount,
		IsFetching: s.isFetching,
		HasMore:    len(s.items) < s.totalCount,
		LastError:  s.lastError,
		Version:    s.version,
	}
}

// Version returns the current mutation counter.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.version
}

// Subscribe registers a listener invoked after every applied mutation.
// Listeners run synchronously, outside the store lock, in the goroutine that
// performed the write. The returned function unsubscribes and is idempotent.
func (s *Store) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Contains reports whether a record with the given id is loaded.
func (s *Store) Contains(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.indexOf(id) >= 0
}

// Get returns the loaded record with the given id, if present.
func (s *Store) Get(id ID) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return nil, false
	}

	return s.items[i], true
}

// ReplaceAll swaps in a full result set.
func (s *Store) ReplaceAll(items []Record, totalCount int) {
	s.mu.Lock()

	next := make([]Record, len(items))
	copy(next, items)

	s.items = next
	s.totalCount = totalCount
	s.fetchedOnce = true
	s.bumpLocked()

	s.notifyAfter(s.mu.Unlock)
}

// AppendPage appends a fetched page, dropping rows whose id is already
// loaded. Overlapping ranges happen when concurrent inserts shift offsets
// between two page requests; deduplication keeps the no-duplicates invariant
// regardless.
func (s *Store) AppendPage(rows []Record, totalCount int) {
	s.mu.Lock()

	next := make([]Record, len(s.items), len(s.items)+len(rows))
	copy(next, s.items)

	for _, row := range rows {
		if s.indexOfIn(next, row.ID()) >= 0 {
			continue
		}

		next = append(next, row)
	}

	s.items = next
	s.totalCount = max(totalCount, len(next))
	s.bumpLocked()

	s.notifyAfter(s.mu.Unlock)
}

// PatchByID replaces the record with the given id by fn's result. The
// replacement must be a new record value; fn receives the current one and
// must not mutate it. Absent ids are a no-op, not an error: a store need not
// contain every entity. Reports whether a patch was applied.
func (s *Store) PatchByID(id ID, fn func(Record) Record) bool {
	s.mu.Lock()

	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}

	next := make([]Record, len(s.items))
	copy(next, s.items)
	next[i] = fn(s.items[i])

	s.items = next
	s.bumpLocked()

	s.notifyAfter(s.mu.Unlock)

	return true
}

// RemoveByID removes the record with the given id, decrementing the total
// count. Absent ids are a no-op. Reports whether a removal happened.
func (s *Store) RemoveByID(id ID) bool {
	s.mu.Lock()

	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}

	next := make([]Record, 0, len(s.items)-1)
	next = append(next, s.items[:i]...)
	next = append(next, s.items[i+1:]...)

	s.items = next

	if s.totalCount > len(next) {
		s.totalCount--
	}

	s.bumpLocked()

	s.notifyAfter(s.mu.Unlock)

	return true
}

// InsertAtSorted places rec at its binary-searched position for cmp and
// increments the total count. A record whose id is already loaded is a
// no-op; use PatchByID (or RemoveByID + InsertAtSorted when the sort key
// changed) for existing records. Reports whether an insert happened.
func (s *Store) InsertAtSorted(rec Record, cmp Comparator) bool {
	s.mu.Lock()

	if s.indexOf(rec.ID()) >= 0 {
		s.mu.Unlock()
		return false
	}

	pos := FindInsertPosition(s.items, rec, cmp)

	next := make([]Record, 0, len(s.items)+1)
	next = append(next, s.items[:pos]...)
	next = append(next, rec)
	next = append(next, s.items[pos:]...)

	s.items = next
	s.totalCount++
	s.bumpLocked()

	s.notifyAfter(s.mu.Unlock)

	return true
}

// Reposition replaces the record with the given id by rec and moves it to
// rec's binary-searched position in one atomic step, so observers never see
// the record missing between removal and re-insertion. Used when an update
// changed the store's active sort key. Absent ids are a no-op. The total
// count is unchanged.
func (s *Store) Reposition(id ID, rec Record, cmp Comparator) bool {
	s.mu.Lock()

	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}

	without := make([]Record, 0, len(s.items)-1)
	without = append(without, s.items[:i]...)
	without = append(without, s.items[i+1:]...)

	pos := FindInsertPosition(without, rec, cmp)

	next := make([]Record, 0, len(s.items))
	next = append(next, without[:pos]...)
	next = append(next, rec)
	next = append(next, without[pos:]...)

	s.items = next
	s.bumpLocked()

	s.notifyAfter(s.mu.Unlock)

	return true
}

// InsertAtFront places rec at index zero and increments the total count.
// Search mirrors surface new and newly-matching records this way because the
// index's ranking function is not available client-side. Already-loaded ids
// are a no-op.
func (s *Store) InsertAtFront(rec Record) bool {
	s.mu.Lock()

	if s.indexOf(rec.ID()) >= 0 {
		s.mu.Unlock()
		return false
	}

	next := make([]Record, 0, len(s.items)+1)
	next = append(next, rec)
	next = append(next, s.items...)

	s.items = next
	s.totalCount++
	s.bumpLocked()

	s.notifyAfter(s.mu.Unlock)

	return true
}

// beginFetch marks the store fetching and returns the next page offset.
// It refuses while a fetch is outstanding, and refuses once every reported
// row is loaded (except before the first page, when the total is unknown).
func (s *Store) beginFetch() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isFetching {
		return 0, ErrFetchInFlight
	}

	if s.fetchedOnce && len(s.items) >= s.totalCount {
		return 0, ErrNoMorePages
	}

	s.isFetching = true

	return len(s.items), nil
}

// finishFetch clears the fetching flag and records the outcome. A cancelled
// fetch passes (nil, false): no error is surfaced and the store does not
// count as having completed its first page.
func (s *Store) finishFetch(err error, completed bool) {
	s.mu.Lock()

	s.isFetching = false
	s.lastError = err

	if completed {
		s.fetchedOnce = true
	}

	s.bumpLocked()

	s.notifyAfter(s.mu.Unlock)
}

// reset empties the store and forgets its fetch history, so the next
// beginFetch is treated as the first page again. Search mirrors use this when
// the active query changes.
func (s *Store) reset() {
	s.mu.Lock()

	s.items = nil
	s.totalCount = 0
	s.fetchedOnce = false
	s.lastError = nil
	s.bumpLocked()

	s.notifyAfter(s.mu.Unlock)
}

// fullyLoaded reports that at least one page completed and every row the
// server reported is loaded.
func (s *Store) fullyLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fetchedOnce && len(s.items) >= s.totalCount
}

func (s *Store) bumpLocked() {
	s.version++
}

// notifyAfter releases the lock via unlock, then invokes the listeners that
// were registered at release time. Listeners may read snapshots freely but
// see each logical change exactly once.
func (s *Store) notifyAfter(unlock func()) {
	listeners := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}

	unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (s *Store) indexOf(id ID) int {
	return s.indexOfIn(s.items, id)
}

func (s *Store) indexOfIn(items []Record, id ID) int {
	for i, rec := range items {
		if rec.ID() == id {
			return i
		}
	}

	return -1
}
