// Package syncstore keeps every client-side view of a Tally entity collection
// consistent through optimistic mutations, server confirmations, rollbacks and
// realtime push events, without ever reloading a view from scratch.
//
// The package manages four kinds of derived state for each entity type:
//
//   - paginated list stores, one per distinct filter/sort combination,
//     each holding a partial, incrementally fetched slice of the collection;
//   - a detail cache keyed by entity id, holding the fullest known
//     representation of each entity;
//   - search mirrors, flat ordered lists whose canonical ordering comes from
//     an external search service;
//   - grouped caches (kanban columns, calendar months) bucketed by a group
//     key derived from each record.
//
// When an entity changes, the Synchronizer locates every target that holds a
// visible copy and applies the minimal patch: merge in place, remove, or
// insert at the sorted position. Patches are applied synchronously and are
// precisely reversible, so a failed durable write can restore every target to
// its pre-mutation state.
//
// The package talks to the server exclusively through the Backend interface;
// it defines no transport or wire format of its own.
package syncstore
