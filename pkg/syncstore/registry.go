package syncstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// registryKey identifies one store: entity type plus canonical signature.
type registryKey struct {
	entityType string
	signature  string
}

// Handle is a reference-counted grip on one registered store. Views holding
// equal signatures share the same handle; the store and its fetch context
// live until the last holder releases it.
type Handle struct {
	store  *Store
	sig    Signature
	ctx    context.Context
	cancel context.CancelFunc
	key    registryKey
}

// Store returns the underlying store.
func (h *Handle) Store() *Store {
	return h.store
}

// Signature returns the parsed query signature the store enforces.
func (h *Handle) Signature() Signature {
	return h.sig
}

// Context is cancelled when the store is disposed; page fetches for the
// store must run under it so teardown cancels them in flight.
func (h *Handle) Context() context.Context {
	return h.ctx
}

type registryEntry struct {
	handle *Handle
	refs   int
}

// Registry owns every live store, keyed by (entity type, signature). It is
// created by the application's composition root and injected wherever stores
// are needed; store lifetime is explicit: created on first acquire, disposed
// when the last holder releases.
type Registry struct {
	mu      sync.Mutex
	entries map[registryKey]*registryEntry
	logger  zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: map[registryKey]*registryEntry{},
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// GetOrCreate returns the store registered under the signature, creating it
// if absent. The signature must decode and its entity type must match.
func (r *Registry) GetOrCreate(entityType, rawSignature string) (*Handle, error) {
	sig, err := ParseSignature(rawSignature)
	if err != nil {
		return nil, fmt.Errorf("get or create store: %w", err)
	}

	if sig.EntityType != entityType {
		return nil, fmt.Errorf("get or create store: %w: signature is for %q, store for %q",
			ErrEntityTypeMismatch, sig.EntityType, entityType)
	}

	key := registryKey{entityType: entityType, signature: sig.String()}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		e.refs++
		return e.handle, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Handle{
		store:  NewStore(),
		sig:    sig,
		ctx:    ctx,
		cancel: cancel,
		key:    key,
	}

	r.entries[key] = &registryEntry{handle: h, refs: 1}

	r.logger.Debug().
		Str("entity_type", entityType).
		Str("signature", key.signature).
		Msg("store created")

	return h, nil
}

// Release drops one reference to the handle. When the last reference goes,
// the store is removed from the registry and its fetch context is cancelled.
// Releasing an already-disposed handle is a no-op.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()

	e, ok := r.entries[h.key]
	if !ok || e.handle != h {
		r.mu.Unlock()
		return
	}

	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}

	delete(r.entries, h.key)
	r.mu.Unlock()

	h.cancel()

	r.logger.Debug().
		Str("entity_type", h.key.entityType).
		Str("signature", h.key.signature).
		Msg("store disposed")
}

// Dispose force-removes a store regardless of outstanding references,
// cancelling its in-flight fetches. Safe to call repeatedly.
func (r *Registry) Dispose(entityType, rawSignature string) {
	sig, err := ParseSignature(rawSignature)
	if err != nil {
		// Nothing can be registered under a signature that never parsed.
		return
	}

	key := registryKey{entityType: entityType, signature: sig.String()}

	r.mu.Lock()

	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}

	r.mu.Unlock()

	if ok {
		e.handle.cancel()
	}
}

// ForEachStore calls fn for every live store of the entity type. The handle
// set is snapshotted first, so fn may acquire or release stores itself.
func (r *Registry) ForEachStore(entityType string, fn func(*Handle)) {
	r.mu.Lock()

	handles := make([]*Handle, 0, len(r.entries))

	for key, e := range r.entries {
		if key.entityType == entityType {
			handles = append(handles, e.handle)
		}
	}

	r.mu.Unlock()

	for _, h := range handles {
		fn(h)
	}
}

// Lookup returns the registered handle without taking a reference, for
// inspection only.
func (r *Registry) Lookup(entityType, rawSignature string) (*Handle, bool) {
	sig, err := ParseSignature(rawSignature)
	if err != nil {
		return nil, false
	}

	key := registryKey{entityType: entityType, signature: sig.String()}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}

	return e.handle, true
}

// Len reports the number of live stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
