package syncstore_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tallyapp/tally/pkg/syncstore"
)

func newMutateFixture(t *testing.T, backend syncstore.Backend) (*syncstore.Registry, *syncstore.DetailCache, *syncstore.Coordinator) {
	t.Helper()

	reg := syncstore.NewRegistry(zerolog.Nop())
	details := syncstore.NewDetailCache(0)
	syn := syncstore.NewSynchronizer(reg, details, zerolog.Nop())

	return reg, details, syncstore.NewCoordinator(syn, backend, zerolog.Nop())
}

func Test_Mutate_Applies_Optimistically_Before_Write_Resolves(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})

	backend := &fakeBackend{
		writeFn: func(_ context.Context, _ string, id syncstore.ID, patch syncstore.Record) (syncstore.Record, error) {
			<-release

			out := patch.Clone()
			out[syncstore.FieldID] = string(id)

			return out, nil
		},
	}

	reg, _, coord := newMutateFixture(t, backend)

	sig := syncstore.EncodeSignature("invoice", nil, syncstore.SortSpec{Field: "amount"})
	h := loadStore(t, reg, "invoice", sig, rec("7", map[string]any{"amount": 100}))

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = coord.Mutate(context.Background(), syncstore.MutationSpec{
			EntityType: "invoice",
			ID:         "7",
			FieldGroup: "billing",
			Forward:    syncstore.Record{"amount": 80},
			Inverse:    syncstore.Record{"amount": 100},
		})
	}()

	// The store reflects the optimistic value while the write is pending.
	require.Eventually(t, func() bool {
		got, ok := h.Store().Get("7")
		return ok && got["amount"] == 80
	}, time.Second, time.Millisecond)

	close(release)
	<-done
}

func Test_Mutate_Rolls_Back_Every_Cache_On_Write_Failure(t *testing.T) {
	t.Parallel()

	rejected := errors.New("validation failed")

	backend := &fakeBackend{
		writeFn: func(context.Context, string, syncstore.ID, syncstore.Record) (syncstore.Record, error) {
			return nil, rejected
		},
	}

	reg, details, coord := newMutateFixture(t, backend)

	sig := syncstore.EncodeSignature("invoice", nil, syncstore.SortSpec{Field: "remaining"})

	h := loadStore(t, reg, "invoice", sig,
		rec("6", map[string]any{"remaining": 20, "subtotal": 120}),
		rec("7", map[string]any{"remaining": 50, "subtotal": 150}),
	)

	details.Seed("invoice", rec("7", map[string]any{"remaining": 50, "subtotal": 150}))

	before := h.Store().Snapshot()
	beforeDetail, _ := details.Get("invoice", "7")

	result, err := coord.Mutate(context.Background(), syncstore.MutationSpec{
		EntityType: "invoice",
		ID:         "7",
		FieldGroup: "billing",
		Forward:    syncstore.Record{"remaining": 70, "billed": 80},
		Inverse:    syncstore.Record{"remaining": 50, "billed": nil},
	})

	var mutErr *syncstore.MutationError

	require.ErrorAs(t, err, &mutErr)
	require.Equal(t, syncstore.ID("7"), mutErr.ID)
	require.ErrorIs(t, err, rejected)
	require.Equal(t, syncstore.MutationRolledBack, result.State)

	// Observationally equal to the pre-mutation state: same ids, same
	// field values, same order.
	after := h.Store().Snapshot()

	require.Equal(t, ids(before), ids(after))

	for i := range before.Items {
		// The rollback reintroduces explicitly-nil tombstones for fields the
		// forward patch invented; views treat nil as absent.
		if diff := cmp.Diff(before.Items[i], dropNils(after.Items[i])); diff != "" {
			t.Fatalf("record %d differs after rollback (-before +after):\n%s", i, diff)
		}
	}

	afterDetail, _ := details.Get("invoice", "7")
	if diff := cmp.Diff(beforeDetail, dropNils(afterDetail)); diff != "" {
		t.Fatalf("detail entry differs after rollback (-before +after):\n%s", diff)
	}
}

func dropNils(r syncstore.Record) syncstore.Record {
	out := syncstore.Record{}

	for k, v := range r {
		if v != nil {
			out[k] = v
		}
	}

	return out
}

func Test_Mutate_Rollback_Restores_Membership_And_Position(t *testing.T) {
	t.Parallel()

	rejected := errors.New("conflict")

	backend := &fakeBackend{
		writeFn: func(context.Context, string, syncstore.ID, syncstore.Record) (syncstore.Record, error) {
			return nil, rejected
		},
	}

	reg, _, coord := newMutateFixture(t, backend)

	openStore := loadStore(t, reg, "task", taskSignature("open"),
		rec("1", map[string]any{"status": "open", "due": "2024-01-01"}),
		rec("2", map[string]any{"status": "open", "due": "2024-02-01"}),
	)

	// The forward patch moves task 1 out of the open filter; the failed
	// write must bring it back at its original position.
	_, err := coord.Mutate(context.Background(), syncstore.MutationSpec{
		EntityType: "task",
		ID:         "1",
		FieldGroup: "status",
		Forward:    syncstore.Record{"status": "closed"},
		Inverse:    syncstore.Record{"status": "open", "due": "2024-01-01"},
	})
	require.Error(t, err)

	snap := openStore.Store().Snapshot()
	require.Equal(t, []syncstore.ID{"1", "2"}, ids(snap))
	require.Equal(t, "open", snap.Items[0]["status"])
}

func Test_Mutate_Reconciles_Server_Computed_Fields(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		writeFn: func(_ context.Context, _ string, id syncstore.ID, patch syncstore.Record) (syncstore.Record, error) {
			out := patch.Clone()
			out[syncstore.FieldID] = string(id)
			// The server recalculates the remaining balance.
			out["remaining"] = 20

			return out, nil
		},
	}

	reg, _, coord := newMutateFixture(t, backend)

	sig := syncstore.EncodeSignature("invoice", nil, syncstore.SortSpec{Field: "amount"})
	h := loadStore(t, reg, "invoice", sig,
		rec("7", map[string]any{"amount": 100, "remaining": 40}),
	)

	result, err := coord.Mutate(context.Background(), syncstore.MutationSpec{
		EntityType: "invoice",
		ID:         "7",
		FieldGroup: "billing",
		Forward:    syncstore.Record{"amount": 80},
		Inverse:    syncstore.Record{"amount": 100},
	})
	require.NoError(t, err)
	require.Equal(t, syncstore.MutationCommitted, result.State)

	got, ok := h.Store().Get("7")
	require.True(t, ok)
	require.Equal(t, 80, got["amount"])
	require.Equal(t, 20, got["remaining"], "server-computed field must be reconciled")
}

func Test_Mutate_Create_Swaps_Temporary_ID_For_Server_ID(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		writeFn: func(_ context.Context, _ string, id syncstore.ID, patch syncstore.Record) (syncstore.Record, error) {
			require.Equal(t, syncstore.ID(""), id)

			out := patch.Clone()
			out[syncstore.FieldID] = "42"

			return out, nil
		},
	}

	reg, details, coord := newMutateFixture(t, backend)

	h := loadStore(t, reg, "task", taskSignature("open"))

	result, err := coord.Mutate(context.Background(), syncstore.MutationSpec{
		EntityType: "task",
		FieldGroup: "create",
		Forward:    syncstore.Record{"status": "open", "due": "2024-05-01", "title": "new task"},
	})
	require.NoError(t, err)
	require.Equal(t, syncstore.ID("42"), result.Record.ID())

	snap := h.Store().Snapshot()
	require.Equal(t, []syncstore.ID{"42"}, ids(snap))

	// No pending placeholder survives the commit.
	for _, r := range snap.Items {
		require.False(t, strings.HasPrefix(string(r.ID()), "pending-"))
	}

	_, ok := details.Get("task", "42")
	require.True(t, ok)
}

func Test_Mutate_Create_Rollback_Removes_Placeholder(t *testing.T) {
	t.Parallel()

	rejected := errors.New("quota exceeded")

	backend := &fakeBackend{
		writeFn: func(context.Context, string, syncstore.ID, syncstore.Record) (syncstore.Record, error) {
			return nil, rejected
		},
	}

	reg, _, coord := newMutateFixture(t, backend)

	h := loadStore(t, reg, "task", taskSignature("open"))

	result, err := coord.Mutate(context.Background(), syncstore.MutationSpec{
		EntityType: "task",
		FieldGroup: "create",
		Forward:    syncstore.Record{"status": "open", "due": "2024-05-01"},
	})

	require.ErrorIs(t, err, rejected)
	require.Equal(t, syncstore.MutationRolledBack, result.State)
	require.Empty(t, h.Store().Snapshot().Items)
}

func Test_Concurrent_Mutations_On_Same_Field_Group_Serialize(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)

	release := make(chan struct{})

	backend := &fakeBackend{
		writeFn: func(_ context.Context, _ string, id syncstore.ID, patch syncstore.Record) (syncstore.Record, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxSeen {
				maxSeen = inFlight
			}
			mu.Unlock()

			<-release

			mu.Lock()
			inFlight--
			mu.Unlock()

			out := patch.Clone()
			out[syncstore.FieldID] = string(id)

			return out, nil
		},
	}

	reg, _, coord := newMutateFixture(t, backend)

	loadStore(t, reg, "invoice",
		syncstore.EncodeSignature("invoice", nil, syncstore.SortSpec{Field: "amount"}),
		rec("7", map[string]any{"amount": 100}),
	)

	var wg sync.WaitGroup

	for _, amount := range []int{80, 60} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _ = coord.Mutate(context.Background(), syncstore.MutationSpec{
				EntityType: "invoice",
				ID:         "7",
				FieldGroup: "billing",
				Forward:    syncstore.Record{"amount": amount},
				Inverse:    syncstore.Record{"amount": 100},
			})
		}()
	}

	// Let both goroutines reach the coordinator, then release writes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, 1, maxSeen, "mutations on the same (id, field group) must not overlap")
}

func Test_Mutate_Wait_Aborts_On_Context_Cancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	backend := &fakeBackend{
		writeFn: func(_ context.Context, _ string, id syncstore.ID, patch syncstore.Record) (syncstore.Record, error) {
			<-release

			out := patch.Clone()
			out[syncstore.FieldID] = string(id)

			return out, nil
		},
	}

	reg, _, coord := newMutateFixture(t, backend)

	loadStore(t, reg, "invoice",
		syncstore.EncodeSignature("invoice", nil, syncstore.SortSpec{Field: "amount"}),
		rec("7", map[string]any{"amount": 100}),
	)

	started := make(chan struct{})

	go func() {
		close(started)

		_, _ = coord.Mutate(context.Background(), syncstore.MutationSpec{
			EntityType: "invoice",
			ID:         "7",
			FieldGroup: "billing",
			Forward:    syncstore.Record{"amount": 80},
			Inverse:    syncstore.Record{"amount": 100},
		})
	}()

	<-started
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := coord.Mutate(ctx, syncstore.MutationSpec{
		EntityType: "invoice",
		ID:         "7",
		FieldGroup: "billing",
		Forward:    syncstore.Record{"amount": 60},
		Inverse:    syncstore.Record{"amount": 100},
	})

	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_Delete_Rolls_Back_By_Reinserting_Snapshot(t *testing.T) {
	t.Parallel()

	rejected := errors.New("referenced by payments")

	backend := &fakeBackend{
		deleteFn: func(context.Context, string, syncstore.ID) error {
			return rejected
		},
	}

	reg, _, coord := newMutateFixture(t, backend)

	sig := syncstore.EncodeSignature("invoice", nil, syncstore.SortSpec{Field: "amount"})
	h := loadStore(t, reg, "invoice", sig,
		rec("1", map[string]any{"amount": 10}),
		rec("2", map[string]any{"amount": 20}),
	)

	snapshot, _ := h.Store().Get("1")

	result, err := coord.Delete(context.Background(), "invoice", "1", snapshot)

	require.ErrorIs(t, err, rejected)
	require.Equal(t, syncstore.MutationRolledBack, result.State)

	snap := h.Store().Snapshot()
	require.Equal(t, []syncstore.ID{"1", "2"}, ids(snap))
}

func Test_Mutate_Rollback_Restores_Record_In_Partially_Loaded_Store(t *testing.T) {
	t.Parallel()

	rejected := errors.New("conflict")

	backend := &fakeBackend{
		writeFn: func(context.Context, string, syncstore.ID, syncstore.Record) (syncstore.Record, error) {
			return nil, rejected
		},
	}

	reg, _, coord := newMutateFixture(t, backend)

	h, err := reg.GetOrCreate("task", taskSignature("open"))
	require.NoError(t, err)

	// One loaded page of a ten-row result set. Membership-gain inserts are
	// refused for stores with unfetched pages, so rollback must not rely on
	// that path to bring the record back.
	before := rec("1", map[string]any{"status": "open", "due": "2024-01-01", "title": "file taxes"})
	h.Store().AppendPage([]syncstore.Record{before}, 10)

	_, err = coord.Mutate(context.Background(), syncstore.MutationSpec{
		EntityType: "task",
		ID:         "1",
		FieldGroup: "status",
		Forward:    syncstore.Record{"status": "closed"},
		Inverse:    syncstore.Record{"status": "open"},
	})
	require.Error(t, err)

	snap := h.Store().Snapshot()
	require.Equal(t, []syncstore.ID{"1"}, ids(snap), "record lost from partially loaded store after rollback")
	require.Equal(t, 10, snap.TotalCount)

	got, ok := h.Store().Get("1")
	require.True(t, ok)
	require.True(t, got.Equal(before), "restored record differs: got %v, want %v", got, before)
}
