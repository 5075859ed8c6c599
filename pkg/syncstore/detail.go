package syncstore

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Detail cache expiry. Entries are evicted explicitly on delete; otherwise
// they age out naturally so a long session does not accumulate every detail
// pane ever opened.
const (
	detailDefaultTTL    = 24 * time.Hour
	detailSweepInterval = time.Hour
)

// DetailCache holds the fullest known representation of each entity, keyed
// by (entity type, id). Detail panes read it; the synchronizer patches it
// with the same merge semantics as list stores.
type DetailCache struct {
	entries *gocache.Cache

	mu      sync.Mutex
	subs    map[string]map[int]func()
	nextSub int
}

// NewDetailCache returns a cache with the given TTL; zero means the default
// day-long expiry.
func NewDetailCache(ttl time.Duration) *DetailCache {
	if ttl <= 0 {
		ttl = detailDefaultTTL
	}

	return &DetailCache{
		entries: gocache.New(ttl, detailSweepInterval),
		subs:    map[string]map[int]func(){},
	}
}

func detailKey(entityType string, id ID) string {
	return entityType + "/" + string(id)
}

// Get returns the cached record for an entity, if present.
func (d *DetailCache) Get(entityType string, id ID) (Record, bool) {
	v, ok := d.entries.Get(detailKey(entityType, id))
	if !ok {
		return nil, false
	}

	rec, ok := v.(Record)

	return rec, ok
}

// Seed stores the canonical record for an entity, replacing any prior entry.
func (d *DetailCache) Seed(entityType string, rec Record) {
	id := rec.ID()
	if id == "" {
		return
	}

	d.entries.Set(detailKey(entityType, id), rec.Clone(), gocache.DefaultExpiration)
	d.notify(entityType, id)
}

// Patch merges fn's result over the cached entry under a fresh record
// identity. Absent entries are a no-op: the pane never fetched this entity.
// Reports whether a patch was applied.
func (d *DetailCache) Patch(entityType string, id ID, fn func(Record) Record) bool {
	key := detailKey(entityType, id)

	v, ok := d.entries.Get(key)
	if !ok {
		return false
	}

	rec, ok := v.(Record)
	if !ok {
		return false
	}

	d.entries.Set(key, fn(rec), gocache.DefaultExpiration)
	d.notify(entityType, id)

	return true
}

// Evict removes the entry for an entity. Used on delete; absent entries are
// a no-op.
func (d *DetailCache) Evict(entityType string, id ID) {
	d.entries.Delete(detailKey(entityType, id))
	d.notify(entityType, id)
}

// Subscribe registers a listener for changes to one entity's detail entry.
// The returned function unsubscribes.
func (d *DetailCache) Subscribe(entityType string, id ID, fn func()) func() {
	key := detailKey(entityType, id)

	d.mu.Lock()

	if d.subs[key] == nil {
		d.subs[key] = map[int]func(){}
	}

	subID := d.nextSub
	d.nextSub++
	d.subs[key][subID] = fn

	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		delete(d.subs[key], subID)

		if len(d.subs[key]) == 0 {
			delete(d.subs, key)
		}
	}
}

func (d *DetailCache) notify(entityType string, id ID) {
	key := detailKey(entityType, id)

	d.mu.Lock()

	listeners := make([]func(), 0, len(d.subs[key]))
	for _, fn := range d.subs[key] {
		listeners = append(listeners, fn)
	}

	d.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
