package syncstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tallyapp/tally/internal/backend"
	"github.com/tallyapp/tally/pkg/syncstore"
)

func seedTasks(t *testing.T, mem *backend.Memory) {
	t.Helper()

	for _, r := range []syncstore.Record{
		rec("1", map[string]any{"status": "open", "due": "2024-01-05", "title": "invoice the retainer"}),
		rec("2", map[string]any{"status": "open", "due": "2024-01-10", "title": "chase supplier quote"}),
		rec("3", map[string]any{"status": "open", "due": "2024-01-20", "title": "close the books"}),
		rec("4", map[string]any{"status": "closed", "due": "2023-12-01", "title": "renew hosting"}),
	} {
		require.NoError(t, mem.Seed("task", r))
	}
}

func Test_Client_List_View_Pages_Through_Backend(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemory()
	seedTasks(t, mem)

	client := syncstore.NewClient(mem, syncstore.Config{PageSize: 2})
	defer client.Close()

	view, err := client.EntityList("task", taskSignature("open"))
	require.NoError(t, err)
	defer view.Close()

	ctx := context.Background()

	require.NoError(t, view.FetchNextPage(ctx))

	snap := view.Snapshot()
	require.Equal(t, []syncstore.ID{"1", "2"}, ids(snap))
	require.Equal(t, 3, snap.TotalCount)
	require.True(t, snap.HasMore)

	require.NoError(t, view.FetchNextPage(ctx))

	snap = view.Snapshot()
	require.Equal(t, []syncstore.ID{"1", "2", "3"}, ids(snap))
	require.False(t, snap.HasMore)

	// Fully loaded: further scroll requests are silent no-ops.
	require.NoError(t, view.FetchNextPage(ctx))
}

func Test_Client_Mutation_Reaches_List_Detail_And_Backend(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemory()
	seedTasks(t, mem)

	client := syncstore.NewClient(mem, syncstore.Config{})
	defer client.Close()

	ctx := context.Background()

	list, err := client.EntityList("task", taskSignature("open"))
	require.NoError(t, err)
	defer list.Close()

	require.NoError(t, list.FetchNextPage(ctx))

	detail, err := client.EntityDetail(ctx, "task", "1")
	require.NoError(t, err)
	defer detail.Close()

	result, err := client.Mutate(ctx, syncstore.MutationSpec{
		EntityType: "task",
		ID:         "1",
		FieldGroup: "title",
		Forward:    syncstore.Record{"title": "invoice the retainer, then file it"},
		Inverse:    syncstore.Record{"title": "invoice the retainer"},
	})
	require.NoError(t, err)
	require.Equal(t, syncstore.MutationCommitted, result.State)

	require.Equal(t, "invoice the retainer, then file it", list.Snapshot().Items[0]["title"])

	cached, ok := detail.Record()
	require.True(t, ok)
	require.Equal(t, "invoice the retainer, then file it", cached["title"])

	stored, ok := mem.Get("task", "1")
	require.True(t, ok)
	require.Equal(t, "invoice the retainer, then file it", stored["title"])
}

func Test_Client_Rolls_Back_When_Backend_Rejects_Write(t *testing.T) {
	t.Parallel()

	rejected := errors.New("task is locked")

	mem := backend.NewMemory()
	seedTasks(t, mem)

	client := syncstore.NewClient(mem, syncstore.Config{})
	defer client.Close()

	ctx := context.Background()

	list, err := client.EntityList("task", taskSignature("open"))
	require.NoError(t, err)
	defer list.Close()

	require.NoError(t, list.FetchNextPage(ctx))

	mem.SetWriteError(rejected)

	_, err = client.Mutate(ctx, syncstore.MutationSpec{
		EntityType: "task",
		ID:         "2",
		FieldGroup: "status",
		Forward:    syncstore.Record{"status": "closed"},
		Inverse:    syncstore.Record{"status": "open", "due": "2024-01-10"},
	})

	var mutErr *syncstore.MutationError

	require.ErrorAs(t, err, &mutErr)
	require.ErrorIs(t, err, rejected)

	// Optimistic removal from the open list is undone.
	require.Equal(t, []syncstore.ID{"1", "2", "3"}, ids(list.Snapshot()))
}

func Test_Client_Realtime_Writes_From_Other_Sessions_Patch_Open_Views(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemory()
	seedTasks(t, mem)

	client := syncstore.NewClient(mem, syncstore.Config{})
	defer client.Close()

	ctx := context.Background()

	list, err := client.EntityList("task", taskSignature("open"))
	require.NoError(t, err)
	defer list.Close()

	require.NoError(t, list.FetchNextPage(ctx))
	require.Equal(t, 1, mem.SubscriberCount("task"))

	// Another session writes straight to the backend; the push echo patches
	// the open view without a refetch.
	_, err = mem.WriteEntity(ctx, "task", "2", syncstore.Record{"title": "chase supplier quote again"})
	require.NoError(t, err)

	require.Equal(t, "chase supplier quote again", list.Snapshot().Items[1]["title"])

	// A pushed create lands at its sorted position.
	_, err = mem.WriteEntity(ctx, "task", "", syncstore.Record{"status": "open", "due": "2024-01-15", "title": "submit VAT return"})
	require.NoError(t, err)

	snap := list.Snapshot()
	require.Len(t, snap.Items, 4)
	require.Equal(t, "submit VAT return", snap.Items[2]["title"])

	// A pushed delete removes the row.
	require.NoError(t, mem.DeleteEntity(ctx, "task", "1"))
	require.Equal(t, 3, len(list.Snapshot().Items))
}

func Test_Client_Detail_Reads_Through_Backend_Once(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemory()
	seedTasks(t, mem)

	client := syncstore.NewClient(mem, syncstore.Config{})
	defer client.Close()

	ctx := context.Background()

	first, err := client.EntityDetail(ctx, "task", "3")
	require.NoError(t, err)

	got, ok := first.Record()
	require.True(t, ok)
	require.Equal(t, "close the books", got["title"])

	first.Close()

	// The entry outlives the view; the second pane opens from cache even when
	// the backend is unreachable.
	mem.SetQueryError(errors.New("offline"))

	second, err := client.EntityDetail(ctx, "task", "3")
	require.NoError(t, err)

	defer second.Close()

	_, err = client.EntityDetail(ctx, "task", "99")
	require.Error(t, err)
}

func Test_Client_Views_Share_And_Release_Realtime_Subscription(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemory()
	seedTasks(t, mem)

	client := syncstore.NewClient(mem, syncstore.Config{})
	defer client.Close()

	a, err := client.EntityList("task", taskSignature("open"))
	require.NoError(t, err)

	b, err := client.EntityList("task", taskSignature("closed"))
	require.NoError(t, err)

	require.Equal(t, 1, mem.SubscriberCount("task"))
	require.Equal(t, 2, client.Registry().Len())

	a.Close()
	a.Close()
	require.Equal(t, 1, mem.SubscriberCount("task"))

	b.Close()
	require.Equal(t, 0, mem.SubscriberCount("task"))
	require.Equal(t, 0, client.Registry().Len())
}

func Test_Client_Search_View_Tracks_Mutations(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemory()
	seedTasks(t, mem)

	client := syncstore.NewClient(mem, syncstore.Config{SearchPageSize: 10})
	defer client.Close()

	ctx := context.Background()

	search, err := client.Search("task")
	require.NoError(t, err)
	defer search.Close()

	search.SetQuery("supplier", nil)
	require.NoError(t, search.FetchNextPage(ctx))
	require.Equal(t, []syncstore.ID{"2"}, ids(search.Snapshot()))

	// Renaming task 2 away from the query hides it; renaming task 3 into the
	// query surfaces it at the front.
	_, err = client.Mutate(ctx, syncstore.MutationSpec{
		EntityType: "task",
		ID:         "2",
		FieldGroup: "title",
		Forward:    syncstore.Record{"title": "chase the quote"},
		Inverse:    syncstore.Record{"title": "chase supplier quote"},
	})
	require.NoError(t, err)
	require.Empty(t, ids(search.Snapshot()))

	_, err = client.Mutate(ctx, syncstore.MutationSpec{
		EntityType: "task",
		ID:         "3",
		FieldGroup: "title",
		Forward:    syncstore.Record{"title": "close the supplier account"},
		Inverse:    syncstore.Record{"title": "close the books"},
	})
	require.NoError(t, err)
	require.Equal(t, []syncstore.ID{"3"}, ids(search.Snapshot()))
}

func Test_Client_Grouped_View_Moves_Records_Between_Buckets(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemory()
	seedTasks(t, mem)

	client := syncstore.NewClient(mem, syncstore.Config{})
	defer client.Close()

	ctx := context.Background()

	grouped, err := client.Grouped("task", func(r syncstore.Record) string {
		return syncstore.FieldString(r["status"])
	}, syncstore.FieldComparator(syncstore.SortSpec{Field: "due"}))
	require.NoError(t, err)
	defer grouped.Close()

	open := grouped.EnsureGroup("open")
	closed := grouped.EnsureGroup("closed")

	page, err := mem.QueryPage(ctx, "task", map[string]string{"status": "open"}, syncstore.SortSpec{Field: "due"}, 0, 50)
	require.NoError(t, err)

	for _, r := range page.Rows {
		require.NoError(t, grouped.Target().Upsert(syncstore.Created, r, nil))
	}

	require.Len(t, ids(open.Snapshot()), 3)
	require.Empty(t, ids(closed.Snapshot()))

	_, err = client.Mutate(ctx, syncstore.MutationSpec{
		EntityType: "task",
		ID:         "1",
		FieldGroup: "status",
		Forward:    syncstore.Record{"status": "closed"},
		Inverse:    syncstore.Record{"status": "open"},
	})
	require.NoError(t, err)

	require.Equal(t, []syncstore.ID{"2", "3"}, ids(open.Snapshot()))
	require.Equal(t, []syncstore.ID{"1"}, ids(closed.Snapshot()))
}

func Test_Client_Close_Makes_New_Views_Fail(t *testing.T) {
	t.Parallel()

	mem := backend.NewMemory()
	client := syncstore.NewClient(mem, syncstore.Config{})

	view, err := client.EntityList("task", taskSignature("open"))
	require.NoError(t, err)

	client.Close()

	require.Equal(t, 0, mem.SubscriberCount("task"))

	_, err = client.EntityList("task", taskSignature("open"))
	require.ErrorIs(t, err, syncstore.ErrClientClosed)

	_, err = client.Mutate(context.Background(), syncstore.MutationSpec{EntityType: "task", ID: "1"})
	require.ErrorIs(t, err, syncstore.ErrClientClosed)

	// The surviving view stays readable and closable.
	_ = view.Snapshot()
	view.Close()
}
