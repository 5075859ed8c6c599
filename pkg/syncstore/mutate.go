package syncstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MutationState tracks a pending mutation through its lifecycle.
type MutationState int

const (
	// MutationPending means the optimistic patch is applied and the durable
	// write has not resolved.
	MutationPending MutationState = iota
	// MutationCommitted means the durable write succeeded and any
	// server-computed fields were reconciled.
	MutationCommitted
	// MutationRolledBack means the durable write failed and the inverse
	// patch restored every touched cache.
	MutationRolledBack
)

func (s MutationState) String() string {
	switch s {
	case MutationPending:
		return "pending"
	case MutationCommitted:
		return "committed"
	case MutationRolledBack:
		return "rolledBack"
	default:
		return fmt.Sprintf("MutationState(%d)", int(s))
	}
}

// MutationSpec describes one user-initiated write.
type MutationSpec struct {
	EntityType string

	// ID of the target entity; empty means create.
	ID ID

	// FieldGroup names the logical group of fields this mutation touches.
	// Two mutations on the same (id, field group) serialize; the second
	// waits for the first to reach a terminal state.
	FieldGroup string

	// Forward is the optimistic guess of the new entity state: the full
	// record for a create, the touched fields for an update.
	Forward Record

	// Inverse carries the pre-mutation values of every field Forward
	// touches, enough to restore the prior state exactly.
	Inverse Record
}

// MutationResult reports the terminal state of a mutation.
type MutationResult struct {
	MutationID string
	State      MutationState

	// Record is the server's resulting record on commit, nil on rollback.
	Record Record
}

// Coordinator wraps user-initiated writes in optimistic-then-reconcile
// sequencing: patch every cache synchronously, issue the durable write, then
// either merge the server's computed fields on top or restore the
// pre-mutation state from the inverse patch.
type Coordinator struct {
	sync    *Synchronizer
	backend Backend
	locks   keyedMutex
	logger  zerolog.Logger
}

// NewCoordinator builds a coordinator over the synchronizer and backend.
func NewCoordinator(sync *Synchronizer, backend Backend, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		sync:    sync,
		backend: backend,
		logger:  logger.With().Str("component", "coordinator").Logger(),
	}
}

// Mutate performs a create (spec.ID empty) or update. The optimistic patch
// lands before any network round-trip; on write failure the caller gets a
// *MutationError and every cache is already back at its pre-mutation state.
func (c *Coordinator) Mutate(ctx context.Context, spec MutationSpec) (*MutationResult, error) {
	if spec.EntityType == "" {
		return nil, fmt.Errorf("mutate: empty entity type")
	}

	if spec.ID == "" {
		return c.create(ctx, spec)
	}

	return c.update(ctx, spec)
}

func (c *Coordinator) update(ctx context.Context, spec MutationSpec) (*MutationResult, error) {
	key := mutationKey(spec.EntityType, spec.ID, spec.FieldGroup)

	err := c.locks.acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("mutate %s %s: %w", spec.EntityType, spec.ID, err)
	}
	defer c.locks.release(key)

	result := &MutationResult{MutationID: uuid.NewString(), State: MutationPending}

	held := c.sync.captureHolders(spec.EntityType, spec.ID)

	forward := spec.Forward.Clone()
	forward[FieldID] = string(spec.ID)

	c.sync.Apply(Change{
		EntityType: spec.EntityType,
		Kind:       Updated,
		Record:     forward,
		OldRecord:  spec.Inverse,
	})

	server, err := c.backend.WriteEntity(ctx, spec.EntityType, spec.ID, spec.Forward)
	if err != nil {
		inverse := spec.Inverse.Clone()
		if inverse == nil {
			inverse = Record{}
		}

		inverse[FieldID] = string(spec.ID)

		// Put the full record back into every store the forward patch
		// evicted it from before replaying the inverse, so the patch below
		// finds it in place even when the store has unfetched pages.
		c.sync.restoreHolders(held)

		c.sync.Apply(Change{
			EntityType: spec.EntityType,
			Kind:       Updated,
			Record:     inverse,
			OldRecord:  forward,
		})

		result.State = MutationRolledBack

		c.logger.Debug().
			Str("mutation_id", result.MutationID).
			Str("entity_type", spec.EntityType).
			Str("id", string(spec.ID)).
			Err(err).
			Msg("mutation rolled back")

		return result, &MutationError{EntityType: spec.EntityType, ID: spec.ID, Err: err}
	}

	// Reconcile fields the optimistic guess could not know, such as
	// server-recalculated totals.
	c.sync.Apply(Change{
		EntityType: spec.EntityType,
		Kind:       Updated,
		Record:     server,
	})

	result.State = MutationCommitted
	result.Record = server

	return result, nil
}

func (c *Coordinator) create(ctx context.Context, spec MutationSpec) (*MutationResult, error) {
	result := &MutationResult{MutationID: uuid.NewString(), State: MutationPending}

	// The server owns id assignment; until it answers, the optimistic record
	// lives under a temporary id that is swapped out on commit.
	tempID := ID("pending-" + result.MutationID)

	forward := spec.Forward.Clone()
	if forward == nil {
		forward = Record{}
	}

	forward[FieldID] = string(tempID)

	c.sync.Apply(Change{
		EntityType: spec.EntityType,
		Kind:       Created,
		Record:     forward,
	})

	server, err := c.backend.WriteEntity(ctx, spec.EntityType, "", spec.Forward)
	if err != nil {
		c.sync.Apply(Change{
			EntityType: spec.EntityType,
			Kind:       Deleted,
			Record:     Record{FieldID: string(tempID)},
		})

		result.State = MutationRolledBack

		return result, &MutationError{EntityType: spec.EntityType, Err: err}
	}

	c.sync.Apply(Change{
		EntityType: spec.EntityType,
		Kind:       Deleted,
		Record:     Record{FieldID: string(tempID)},
	})
	c.sync.Apply(Change{
		EntityType: spec.EntityType,
		Kind:       Created,
		Record:     server,
	})

	result.State = MutationCommitted
	result.Record = server

	return result, nil
}

// Delete removes an entity optimistically. snapshot must be the full current
// record; it is what rollback reinserts if the durable delete fails.
func (c *Coordinator) Delete(ctx context.Context, entityType string, id ID, snapshot Record) (*MutationResult, error) {
	if id == "" {
		return nil, fmt.Errorf("delete %s: %w", entityType, ErrMissingID)
	}

	key := mutationKey(entityType, id, "delete")

	err := c.locks.acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("delete %s %s: %w", entityType, id, err)
	}
	defer c.locks.release(key)

	result := &MutationResult{MutationID: uuid.NewString(), State: MutationPending}

	c.sync.Apply(Change{
		EntityType: entityType,
		Kind:       Deleted,
		Record:     Record{FieldID: string(id)},
	})

	err = c.backend.DeleteEntity(ctx, entityType, id)
	if err != nil {
		if snapshot != nil {
			restored := snapshot.Clone()
			restored[FieldID] = string(id)

			c.sync.Apply(Change{
				EntityType: entityType,
				Kind:       Created,
				Record:     restored,
			})
		}

		result.State = MutationRolledBack

		return result, &MutationError{EntityType: entityType, ID: id, Err: err}
	}

	result.State = MutationCommitted

	return result, nil
}

func mutationKey(entityType string, id ID, fieldGroup string) string {
	return entityType + "\x00" + string(id) + "\x00" + fieldGroup
}

// keyedMutex serializes mutations per key. Waiting is context-aware so an
// abandoned caller does not queue forever behind a slow write.
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func (k *keyedMutex) acquire(ctx context.Context, key string) error {
	for {
		k.mu.Lock()

		if k.held == nil {
			k.held = map[string]chan struct{}{}
		}

		ch, taken := k.held[key]
		if !taken {
			k.held[key] = make(chan struct{})
			k.mu.Unlock()

			return nil
		}

		k.mu.Unlock()

		select {
		case <-ch:
			// Holder released; race for it again.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (k *keyedMutex) release(key string) {
	k.mu.Lock()

	ch, taken := k.held[key]
	if taken {
		delete(k.held, key)
	}

	k.mu.Unlock()

	if taken {
		close(ch)
	}
}
