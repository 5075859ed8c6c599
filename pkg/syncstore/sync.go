package syncstore

import (
	"sync"

	"github.com/rs/zerolog"
)

// Synchronizer applies entity changes to every live cache target: each
// registered list store of the entity's type, the detail cache, and any
// attached grouped caches or search mirrors.
//
// Patch application is synchronous; by the time Apply returns, every target
// reflects the change. Changes for one entity are expected in emission
// order; the synchronizer merges last-write-wins and does not reorder or
// deduplicate late deliveries.
type Synchronizer struct {
	registry *Registry
	details  *DetailCache
	logger   zerolog.Logger

	mu        sync.Mutex
	extras    map[int]Target
	nextExtra int
}

// NewSynchronizer builds a synchronizer over the registry and detail cache.
func NewSynchronizer(registry *Registry, details *DetailCache, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		registry: registry,
		details:  details,
		logger:   logger.With().Str("component", "synchronizer").Logger(),
		extras:   map[int]Target{},
	}
}

// AddTarget attaches an additional cache target (a grouped cache, a search
// mirror). The returned function detaches it.
func (s *Synchronizer) AddTarget(t Target) func() {
	s.mu.Lock()
	id := s.nextExtra
	s.nextExtra++
	s.extras[id] = t
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.extras, id)
		s.mu.Unlock()
	}
}

// Apply patches every target of the change's entity type.
//
// Created inserts the record at its sorted position into each store whose
// filter accepts it and seeds a detail entry. Updated merges field-by-field
// into each store holding the id, repositions when the active sort key
// changed, re-tests filter membership (removing on loss, inserting on gain
// into fully-loaded stores), and merges into the detail entry. Deleted
// removes the id everywhere and evicts the detail entry.
//
// A target that cannot decide membership — typically a malformed signature —
// is skipped with a warning; the others are still patched.
func (s *Synchronizer) Apply(ch Change) {
	id := ch.Record.ID()
	if id == "" {
		s.logger.Warn().
			Str("entity_type", ch.EntityType).
			Stringer("kind", ch.Kind).
			Msg("change without id dropped")

		return
	}

	for _, target := range s.targets(ch.EntityType) {
		if ch.Kind == Deleted {
			target.Remove(id)
			continue
		}

		err := target.Upsert(ch.Kind, ch.Record, ch.OldRecord)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("entity_type", ch.EntityType).
				Str("id", string(id)).
				Msg("cache target skipped")
		}
	}
}

// Consumer adapts the synchronizer to the realtime ingest callback shape.
func (s *Synchronizer) Consumer() func(Change) {
	return s.Apply
}

// heldRecord is one list store's copy of a record, captured before an
// optimistic patch touches it.
type heldRecord struct {
	store *Store
	cmp   Comparator
	rec   Record
}

// captureHolders snapshots the record as held by every list store of the
// entity type. The coordinator takes this before an optimistic update: a
// forward patch that moves the record out of a store's filter removes it, and
// the membership-gain path refuses inserts into stores with unfetched pages,
// so without the snapshot a failed write would lose the record from those
// stores for good.
func (s *Synchronizer) captureHolders(entityType string, id ID) []heldRecord {
	var held []heldRecord

	s.registry.ForEachStore(entityType, func(h *Handle) {
		rec, ok := h.Store().Get(id)
		if !ok {
			return
		}

		held = append(held, heldRecord{
			store: h.Store(),
			cmp:   h.Signature().Comparator(),
			rec:   rec,
		})
	})

	return held
}

// restoreHolders reinserts captured records into every store that no longer
// holds them, at their sorted position.
func (s *Synchronizer) restoreHolders(held []heldRecord) {
	for _, hr := range held {
		if hr.store.Contains(hr.rec.ID()) {
			continue
		}

		hr.store.InsertAtSorted(hr.rec, hr.cmp)
	}
}

func (s *Synchronizer) targets(entityType string) []Target {
	var targets []Target

	s.registry.ForEachStore(entityType, func(h *Handle) {
		targets = append(targets, listTargetFor(h))
	})

	if s.details != nil {
		targets = append(targets, NewDetailTarget(s.details, entityType))
	}

	s.mu.Lock()

	for _, t := range s.extras {
		if t.EntityType() == entityType {
			targets = append(targets, t)
		}
	}

	s.mu.Unlock()

	return targets
}
