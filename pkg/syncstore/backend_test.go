package syncstore_test

import (
	"context"
	"sync"

	"github.com/tallyapp/tally/pkg/syncstore"
)

// fakeBackend scripts each Backend method through a func field and counts
// calls. Nil funcs return empty results.
type fakeBackend struct {
	mu sync.Mutex

	queryFn     func(ctx context.Context, entityType string, filters map[string]string, sort syncstore.SortSpec, offset, limit int) (syncstore.Page, error)
	writeFn     func(ctx context.Context, entityType string, id syncstore.ID, patch syncstore.Record) (syncstore.Record, error)
	deleteFn    func(ctx context.Context, entityType string, id syncstore.ID) error
	searchFn    func(ctx context.Context, entityType, query string, filters map[string]string, page, pageSize int) (syncstore.Page, error)
	subscribeFn func(entityType string, onEvent func(syncstore.Change)) (func(), error)

	queryCalls  int
	writeCalls  int
	searchCalls int
}

func (f *fakeBackend) QueryPage(ctx context.Context, entityType string, filters map[string]string, sort syncstore.SortSpec, offset, limit int) (syncstore.Page, error) {
	f.mu.Lock()
	f.queryCalls++
	fn := f.queryFn
	f.mu.Unlock()

	if fn == nil {
		return syncstore.Page{}, nil
	}

	return fn(ctx, entityType, filters, sort, offset, limit)
}

func (f *fakeBackend) WriteEntity(ctx context.Context, entityType string, id syncstore.ID, patch syncstore.Record) (syncstore.Record, error) {
	f.mu.Lock()
	f.writeCalls++
	fn := f.writeFn
	f.mu.Unlock()

	if fn == nil {
		out := patch.Clone()
		if out == nil {
			out = syncstore.Record{}
		}

		if id != "" {
			out[syncstore.FieldID] = string(id)
		}

		return out, nil
	}

	return fn(ctx, entityType, id, patch)
}

func (f *fakeBackend) DeleteEntity(ctx context.Context, entityType string, id syncstore.ID) error {
	f.mu.Lock()
	fn := f.deleteFn
	f.mu.Unlock()

	if fn == nil {
		return nil
	}

	return fn(ctx, entityType, id)
}

func (f *fakeBackend) SearchPage(ctx context.Context, entityType, query string, filters map[string]string, page, pageSize int) (syncstore.Page, error) {
	f.mu.Lock()
	f.searchCalls++
	fn := f.searchFn
	f.mu.Unlock()

	if fn == nil {
		return syncstore.Page{}, nil
	}

	return fn(ctx, entityType, query, filters, page, pageSize)
}

func (f *fakeBackend) SubscribeRealtime(entityType string, onEvent func(syncstore.Change)) (func(), error) {
	f.mu.Lock()
	fn := f.subscribeFn
	f.mu.Unlock()

	if fn == nil {
		return func() {}, nil
	}

	return fn(entityType, onEvent)
}

func (f *fakeBackend) QueryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.queryCalls
}

func (f *fakeBackend) SearchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.searchCalls
}
