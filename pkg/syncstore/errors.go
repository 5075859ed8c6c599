package syncstore

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchInFlight is returned when a page fetch is requested while one is
	// already outstanding for the same store. Callers treat it as a no-op.
	ErrFetchInFlight = errors.New("fetch already in flight")

	// ErrNoMorePages is returned when a page fetch is requested for a store
	// that has already loaded every row the server reported.
	ErrNoMorePages = errors.New("no more pages")

	// ErrStoreDisposed is returned when an operation targets a store whose
	// registry entry has been released.
	ErrStoreDisposed = errors.New("store disposed")

	// ErrMalformedSignature is returned when a query signature cannot be
	// decoded back into a filter predicate and sort order.
	ErrMalformedSignature = errors.New("malformed query signature")

	// ErrEntityTypeMismatch is returned when a signature's entity type does
	// not match the type it is being registered under.
	ErrEntityTypeMismatch = errors.New("signature entity type mismatch")

	// ErrMissingID is returned when a record that must carry an id does not.
	ErrMissingID = errors.New("record has no id")

	// ErrBatcherClosed is returned when a change is added to a closed batcher.
	ErrBatcherClosed = errors.New("batcher is closed")

	// ErrEntityNotFound is returned when a detail lookup finds no entity with
	// the requested id.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrClientClosed is returned when a view is requested from a closed
	// client.
	ErrClientClosed = errors.New("client is closed")
)

// MutationError reports a durable write that was rejected by the backend
// after the optimistic patch had already been applied. By the time the caller
// sees it, every affected store and cache has been rolled back to its
// pre-mutation state.
type MutationError struct {
	EntityType string
	ID         ID
	Err        error
}

func (e *MutationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("mutation failed for new %s: %v", e.EntityType, e.Err)
	}

	return fmt.Sprintf("mutation failed for %s %s: %v", e.EntityType, e.ID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}
