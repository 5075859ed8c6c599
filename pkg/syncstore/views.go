package syncstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EntityListView is the list surface handed to a rendering layer: one
// paginated, sorted, live-patched collection. Views with equal signatures
// share one store; each view must be closed when its component unmounts.
type EntityListView struct {
	client *Client
	handle *Handle

	closeOnce sync.Once
}

// EntityList opens a list view for a query signature, creating the backing
// store if this is the first view using it.
func (c *Client) EntityList(entityType, rawSignature string) (*EntityListView, error) {
	err := c.checkOpen()
	if err != nil {
		return nil, err
	}

	h, err := c.registry.GetOrCreate(entityType, rawSignature)
	if err != nil {
		return nil, err
	}

	err = c.retainLive(entityType)
	if err != nil {
		c.registry.Release(h)
		return nil, err
	}

	return &EntityListView{client: c, handle: h}, nil
}

// Snapshot returns the store's current state.
func (v *EntityListView) Snapshot() Snapshot {
	return v.handle.Store().Snapshot()
}

// Subscribe registers a listener for store changes; the returned function
// unsubscribes.
func (v *EntityListView) Subscribe(fn func()) func() {
	return v.handle.Store().Subscribe(fn)
}

// FetchNextPage requests the next page. A fetch already in flight or a fully
// loaded store is a silent no-op, matching the scroll-handler contract;
// genuine failures are returned and recorded as the snapshot's LastError.
func (v *EntityListView) FetchNextPage(ctx context.Context) error {
	err := v.client.fetcher.FetchNextPage(ctx, v.handle)
	if errors.Is(err, ErrFetchInFlight) || errors.Is(err, ErrNoMorePages) {
		return nil
	}

	return err
}

// Close releases the view's grip on the store. The last close disposes the
// store and cancels any in-flight fetch.
func (v *EntityListView) Close() {
	v.closeOnce.Do(func() {
		v.client.registry.Release(v.handle)
		v.client.releaseLive(v.handle.Signature().EntityType)
	})
}

// EntityDetailView is the detail-pane surface for one entity.
type EntityDetailView struct {
	client     *Client
	entityType string
	id         ID

	closeOnce sync.Once
}

// EntityDetail opens a detail view, fetching and caching the entity's
// expanded representation if the cache does not hold it yet.
func (c *Client) EntityDetail(ctx context.Context, entityType string, id ID) (*EntityDetailView, error) {
	err := c.checkOpen()
	if err != nil {
		return nil, err
	}

	if id == "" {
		return nil, fmt.Errorf("entity detail: %w", ErrMissingID)
	}

	_, cached := c.details.Get(entityType, id)
	if !cached {
		page, err := c.backend.QueryPage(ctx, entityType, map[string]string{FieldID: string(id)}, SortSpec{}, 0, 1)
		if err != nil {
			return nil, fmt.Errorf("entity detail %s %s: %w", entityType, id, err)
		}

		if len(page.Rows) == 0 {
			return nil, fmt.Errorf("entity detail %s %s: %w", entityType, id, ErrEntityNotFound)
		}

		c.details.Seed(entityType, page.Rows[0])
	}

	err = c.retainLive(entityType)
	if err != nil {
		return nil, err
	}

	return &EntityDetailView{client: c, entityType: entityType, id: id}, nil
}

// Record returns the cached expanded record, if still present.
func (v *EntityDetailView) Record() (Record, bool) {
	return v.client.details.Get(v.entityType, v.id)
}

// Subscribe registers a listener for changes to this entity's detail entry.
func (v *EntityDetailView) Subscribe(fn func()) func() {
	return v.client.details.Subscribe(v.entityType, v.id, fn)
}

// Close releases the view. The cache entry stays behind for the next pane
// until it expires or the entity is deleted.
func (v *EntityDetailView) Close() {
	v.closeOnce.Do(func() {
		v.client.releaseLive(v.entityType)
	})
}

// Mutate is the optimistic write entry point; see Coordinator.Mutate.
func (c *Client) Mutate(ctx context.Context, spec MutationSpec) (*MutationResult, error) {
	err := c.checkOpen()
	if err != nil {
		return nil, err
	}

	return c.coordinator.Mutate(ctx, spec)
}

// Delete removes an entity optimistically; see Coordinator.Delete.
func (c *Client) Delete(ctx context.Context, entityType string, id ID, snapshot Record) (*MutationResult, error) {
	err := c.checkOpen()
	if err != nil {
		return nil, err
	}

	return c.coordinator.Delete(ctx, entityType, id, snapshot)
}

// SearchView is a search-backed list surface: same snapshots and pagination
// as a list view, but ordered by the external index and patched through the
// mirror's own membership rules.
type SearchView struct {
	client *Client
	mirror *SearchMirror
	detach func()

	closeOnce sync.Once
}

// Search opens a search view for an entity type. The mirror is attached to
// the synchronizer so every local mutation and realtime event re-evaluates
// its membership.
func (c *Client) Search(entityType string) (*SearchView, error) {
	err := c.checkOpen()
	if err != nil {
		return nil, err
	}

	mirror := NewSearchMirror(c.backend, entityType, c.searchSize)
	detach := c.sync.AddTarget(mirror)

	err = c.retainLive(entityType)
	if err != nil {
		detach()
		return nil, err
	}

	return &SearchView{client: c, mirror: mirror, detach: detach}, nil
}

// SetQuery replaces the active query text and filters; see
// SearchMirror.SetQuery.
func (v *SearchView) SetQuery(query string, filters map[string]string) {
	v.mirror.SetQuery(query, filters)
}

// Snapshot returns the mirror list's current state.
func (v *SearchView) Snapshot() Snapshot {
	return v.mirror.Store().Snapshot()
}

// Subscribe registers a listener for mirror changes.
func (v *SearchView) Subscribe(fn func()) func() {
	return v.mirror.Store().Subscribe(fn)
}

// FetchNextPage loads the next ranked page; see SearchMirror.FetchNextPage.
func (v *SearchView) FetchNextPage(ctx context.Context) error {
	err := v.mirror.FetchNextPage(ctx)
	if errors.Is(err, ErrFetchInFlight) || errors.Is(err, ErrNoMorePages) {
		return nil
	}

	return err
}

// Close detaches the mirror from the synchronizer.
func (v *SearchView) Close() {
	v.closeOnce.Do(func() {
		v.detach()
		v.client.releaseLive(v.mirror.EntityType())
	})
}

// GroupedView is a bucketed cache surface (kanban columns, calendar months)
// kept in sync alongside the flat list stores.
type GroupedView struct {
	client *Client
	target *GroupedTarget
	detach func()

	closeOnce sync.Once
}

// Grouped opens a grouped view over buckets derived by groupOf and ordered
// within each bucket by cmp. Declare buckets with EnsureGroup before loading
// records into them.
func (c *Client) Grouped(entityType string, groupOf func(Record) string, cmp Comparator) (*GroupedView, error) {
	err := c.checkOpen()
	if err != nil {
		return nil, err
	}

	target := NewGroupedTarget(entityType, groupOf, cmp)
	detach := c.sync.AddTarget(target)

	err = c.retainLive(entityType)
	if err != nil {
		detach()
		return nil, err
	}

	return &GroupedView{client: c, target: target, detach: detach}, nil
}

// EnsureGroup declares a bucket; see GroupedTarget.EnsureGroup.
func (v *GroupedView) EnsureGroup(key string) *Store {
	return v.target.EnsureGroup(key)
}

// Group returns a declared bucket's store.
func (v *GroupedView) Group(key string) (*Store, bool) {
	return v.target.Group(key)
}

// Target exposes the underlying grouped target.
func (v *GroupedView) Target() *GroupedTarget {
	return v.target
}

// Close detaches the grouped view from the synchronizer.
func (v *GroupedView) Close() {
	v.closeOnce.Do(func() {
		v.detach()
		v.client.releaseLive(v.target.EntityType())
	})
}
