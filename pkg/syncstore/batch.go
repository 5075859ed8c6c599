package syncstore

import (
	"sync"
	"time"
)

// DefaultBatchWindow is the idle window before a batch flushes.
const DefaultBatchWindow = 200 * time.Millisecond

// Batcher buffers rapid changes and flushes them after an idle window, so a
// burst of edits (a bulk action touching dozens of rows) produces one patch
// pass instead of dozens. Consecutive changes to the same entity coalesce:
// update payloads merge, a delete supersedes earlier changes, a create
// followed by updates stays a create with the merged body.
//
// The timer re-arms on every arrival; Flush forces an immediate synchronous
// flush and Close flushes eagerly before shutting the batcher down.
type Batcher struct {
	flush  func([]Change)
	window time.Duration

	mu      sync.Mutex
	pending map[batchKey]Change
	order   []batchKey
	timer   *time.Timer
	closed  bool
}

type batchKey struct {
	entityType string
	id         ID
}

// NewBatcher builds a batcher delivering coalesced changes to flush. A
// non-positive window uses the default.
func NewBatcher(flush func([]Change), window time.Duration) *Batcher {
	if window <= 0 {
		window = DefaultBatchWindow
	}

	return &Batcher{
		flush:   flush,
		window:  window,
		pending: map[batchKey]Change{},
	}
}

// Add buffers a change and re-arms the idle timer.
func (b *Batcher) Add(ch Change) error {
	id := ch.Record.ID()
	if id == "" {
		return ErrMissingID
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBatcherClosed
	}

	key := batchKey{entityType: ch.EntityType, id: id}

	prev, ok := b.pending[key]
	if !ok {
		b.pending[key] = ch
		b.order = append(b.order, key)
	} else {
		b.pending[key] = coalesce(prev, ch)
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flushNow)
	} else {
		b.timer.Reset(b.window)
	}

	return nil
}

// Flush delivers everything buffered right now, synchronously.
func (b *Batcher) Flush() {
	b.flushNow()
}

// Close flushes any buffered changes and rejects further Adds.
func (b *Batcher) Close() {
	b.mu.Lock()

	b.closed = true

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	changes := b.drainLocked()

	b.mu.Unlock()

	if len(changes) > 0 {
		b.flush(changes)
	}
}

// Len reports the number of buffered entities.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

func (b *Batcher) flushNow() {
	b.mu.Lock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	changes := b.drainLocked()

	b.mu.Unlock()

	if len(changes) > 0 {
		b.flush(changes)
	}
}

func (b *Batcher) drainLocked() []Change {
	if len(b.order) == 0 {
		return nil
	}

	changes := make([]Change, 0, len(b.order))
	for _, key := range b.order {
		changes = append(changes, b.pending[key])
	}

	b.pending = map[batchKey]Change{}
	b.order = nil

	return changes
}

// coalesce merges a later change onto an earlier one for the same entity.
func coalesce(prev, next Change) Change {
	if next.Kind == Deleted || prev.Kind == Deleted {
		// A delete supersedes what came before it; anything after a delete
		// starts the entity's story over.
		return next
	}

	// A create followed by updates remains a create with the merged body;
	// update-on-update merges payloads last-write-wins.
	merged := prev

	merged.Record = prev.Record.Merge(next.Record)

	if prev.OldRecord != nil {
		merged.OldRecord = prev.OldRecord
	} else {
		merged.OldRecord = next.OldRecord
	}

	return merged
}
