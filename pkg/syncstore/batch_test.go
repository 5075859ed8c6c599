package syncstore_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tallyapp/tally/pkg/syncstore"
)

// flushRecorder collects every flushed batch.
type flushRecorder struct {
	mu      sync.Mutex
	batches [][]syncstore.Change
}

func (r *flushRecorder) flush(changes []syncstore.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.batches = append(r.batches, changes)
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.batches)
}

func (r *flushRecorder) last() []syncstore.Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.batches) == 0 {
		return nil
	}

	return r.batches[len(r.batches)-1]
}

func update(entityType, id string, fields map[string]any) syncstore.Change {
	return syncstore.Change{
		EntityType: entityType,
		Kind:       syncstore.Updated,
		Record:     rec(id, fields),
	}
}

func Test_Batcher_Coalesces_Updates_To_The_Same_Entity(t *testing.T) {
	t.Parallel()

	sink := &flushRecorder{}
	b := syncstore.NewBatcher(sink.flush, time.Hour)
	defer b.Close()

	require.NoError(t, b.Add(update("task", "1", map[string]any{"status": "open"})))
	require.NoError(t, b.Add(update("task", "1", map[string]any{"title": "renamed"})))
	require.NoError(t, b.Add(update("task", "2", map[string]any{"status": "closed"})))
	require.Equal(t, 2, b.Len())

	b.Flush()

	require.Equal(t, 1, sink.count())

	batch := sink.last()
	require.Len(t, batch, 2)

	// Arrival order of first sight is preserved; payloads for one entity merge.
	require.Equal(t, syncstore.ID("1"), batch[0].Record.ID())
	require.Equal(t, "open", batch[0].Record["status"])
	require.Equal(t, "renamed", batch[0].Record["title"])
	require.Equal(t, syncstore.ID("2"), batch[1].Record.ID())
}

func Test_Batcher_Delete_Supersedes_Earlier_Changes(t *testing.T) {
	t.Parallel()

	sink := &flushRecorder{}
	b := syncstore.NewBatcher(sink.flush, time.Hour)
	defer b.Close()

	require.NoError(t, b.Add(syncstore.Change{
		EntityType: "task",
		Kind:       syncstore.Created,
		Record:     rec("1", map[string]any{"status": "open"}),
	}))
	require.NoError(t, b.Add(update("task", "1", map[string]any{"title": "renamed"})))
	require.NoError(t, b.Add(syncstore.Change{
		EntityType: "task",
		Kind:       syncstore.Deleted,
		Record:     rec("1", nil),
	}))

	b.Flush()

	batch := sink.last()
	require.Len(t, batch, 1)
	require.Equal(t, syncstore.Deleted, batch[0].Kind)
}

func Test_Batcher_Create_Then_Updates_Stays_A_Create(t *testing.T) {
	t.Parallel()

	sink := &flushRecorder{}
	b := syncstore.NewBatcher(sink.flush, time.Hour)
	defer b.Close()

	require.NoError(t, b.Add(syncstore.Change{
		EntityType: "task",
		Kind:       syncstore.Created,
		Record:     rec("1", map[string]any{"status": "open"}),
	}))
	require.NoError(t, b.Add(update("task", "1", map[string]any{"title": "filled in"})))

	b.Flush()

	batch := sink.last()
	require.Len(t, batch, 1)
	require.Equal(t, syncstore.Created, batch[0].Kind)
	require.Equal(t, "open", batch[0].Record["status"])
	require.Equal(t, "filled in", batch[0].Record["title"])
}

func Test_Batcher_Flushes_After_Idle_Window(t *testing.T) {
	t.Parallel()

	sink := &flushRecorder{}
	b := syncstore.NewBatcher(sink.flush, 20*time.Millisecond)
	defer b.Close()

	require.NoError(t, b.Add(update("task", "1", map[string]any{"status": "open"})))

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, 0, b.Len())
}

func Test_Batcher_Close_Flushes_Eagerly_And_Rejects_Later_Adds(t *testing.T) {
	t.Parallel()

	sink := &flushRecorder{}
	b := syncstore.NewBatcher(sink.flush, time.Hour)

	require.NoError(t, b.Add(update("task", "1", map[string]any{"status": "open"})))

	b.Close()

	require.Equal(t, 1, sink.count())
	require.ErrorIs(t, b.Add(update("task", "2", nil)), syncstore.ErrBatcherClosed)
}

func Test_Batcher_Rejects_Change_Without_ID(t *testing.T) {
	t.Parallel()

	b := syncstore.NewBatcher(func([]syncstore.Change) {}, time.Hour)
	defer b.Close()

	err := b.Add(syncstore.Change{
		EntityType: "task",
		Kind:       syncstore.Updated,
		Record:     syncstore.Record{"status": "open"},
	})

	require.ErrorIs(t, err, syncstore.ErrMissingID)
}
