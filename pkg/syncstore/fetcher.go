package syncstore

import (
	"context"
	"errors"
	"fmt"
)

// DefaultPageSize is used when a Fetcher is built with a non-positive one.
const DefaultPageSize = 50

// Fetcher drives incremental pagination for registered stores. Pages are
// requested in strictly increasing offset order; a second request while one
// is outstanding is refused so overlapping triggers (a scroll handler firing
// twice) cannot issue duplicate ranges.
type Fetcher struct {
	backend  Backend
	pageSize int
}

// NewFetcher returns a fetcher issuing pages of the given size.
func NewFetcher(backend Backend, pageSize int) *Fetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &Fetcher{backend: backend, pageSize: pageSize}
}

// PageSize returns the configured page size.
func (f *Fetcher) PageSize() int {
	return f.pageSize
}

// FetchNextPage loads the next page into the handle's store.
//
// A fetch already in flight returns ErrFetchInFlight and a fully loaded
// store returns ErrNoMorePages; both leave the store untouched. Fetching for
// a handle whose store was already released returns ErrStoreDisposed.
// Cancellation — the caller's ctx or the store being disposed mid-flight —
// is silent: the fetching flag resets and no error is recorded or returned.
// A genuine failure is recorded as the store's LastError with loaded items
// preserved; retrying is the caller's decision.
func (f *Fetcher) FetchNextPage(ctx context.Context, h *Handle) error {
	if h.Context().Err() != nil {
		return fmt.Errorf("fetch for %s: %w", h.Signature().EntityType, ErrStoreDisposed)
	}

	store := h.Store()

	offset, err := store.beginFetch()
	if err != nil {
		return err
	}

	// The request dies with whichever goes first: the caller or the store.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(h.Context(), cancel)
	defer stop()

	sig := h.Signature()

	page, err := f.backend.QueryPage(reqCtx, sig.EntityType, sig.Filters, sig.Sort, offset, f.pageSize)
	if err != nil {
		if isCancellation(reqCtx, err) {
			store.finishFetch(nil, false)
			return nil
		}

		wrapped := fmt.Errorf("fetch page at offset %d: %w", offset, err)
		store.finishFetch(wrapped, false)

		return wrapped
	}

	store.AppendPage(page.Rows, page.TotalCount)
	store.finishFetch(nil, true)

	return nil
}

func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return ctx.Err() != nil
}
