package sim_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tallyapp/tally/internal/sim"
	"github.com/tallyapp/tally/pkg/syncstore"
)

func newSession(t *testing.T) *sim.Session {
	t.Helper()

	cfg, err := sim.LoadConfig(sim.LoadConfigInput{WorkDirOverride: t.TempDir()})
	require.NoError(t, err)

	s, err := sim.NewSession(cfg, zerolog.Nop())
	require.NoError(t, err)

	t.Cleanup(s.Close)

	return s
}

func snapIDs(snap syncstore.Snapshot) []syncstore.ID {
	out := make([]syncstore.ID, 0, len(snap.Items))
	for _, r := range snap.Items {
		out = append(out, r.ID())
	}

	return out
}

func Test_Session_List_Reuses_Store_And_Pages(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	ctx := context.Background()

	snap, err := s.List(ctx, "task", map[string]string{"status": "open"}, syncstore.SortSpec{Field: "due"})
	require.NoError(t, err)
	require.Equal(t, []syncstore.ID{"1", "2", "3", "4"}, snapIDs(snap))

	// Same query again is the same store, fully loaded by now.
	snap, err = s.List(ctx, "task", map[string]string{"status": "open"}, syncstore.SortSpec{Field: "due"})
	require.NoError(t, err)
	require.False(t, snap.HasMore)
	require.Len(t, s.StoreSummaries(), 1)

	// A different filter opens a second store.
	_, err = s.List(ctx, "task", map[string]string{"status": "closed"}, syncstore.SortSpec{Field: "due"})
	require.NoError(t, err)
	require.Len(t, s.StoreSummaries(), 2)
}

func Test_Session_Edit_Derives_Inverse_For_Rollback(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	ctx := context.Background()

	snap, err := s.List(ctx, "invoice", nil, syncstore.SortSpec{Field: "amount"})
	require.NoError(t, err)
	require.NotEmpty(t, snap.Items)

	rejected := errors.New("ledger closed")
	s.Backend().SetWriteError(rejected)

	_, err = s.EditEntity(ctx, "invoice", "101", syncstore.Record{"remaining": 0, "status": "paid"})
	require.ErrorIs(t, err, rejected)

	// The derived inverse restored the pre-edit values.
	rec, err := s.Detail(ctx, "invoice", "101")
	require.NoError(t, err)
	require.Equal(t, 4200, rec["remaining"])
	require.Equal(t, "sent", rec["status"])
}

func Test_Session_Push_Reaches_Open_Views_Via_Realtime(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	ctx := context.Background()

	_, err := s.List(ctx, "task", map[string]string{"status": "open"}, syncstore.SortSpec{Field: "due"})
	require.NoError(t, err)

	_, err = s.Push(ctx, "task", "2", syncstore.Record{"status": "closed"})
	require.NoError(t, err)

	snap, err := s.List(ctx, "task", map[string]string{"status": "open"}, syncstore.SortSpec{Field: "due"})
	require.NoError(t, err)
	require.Equal(t, []syncstore.ID{"1", "3", "4"}, snapIDs(snap))
}

func Test_Session_Search_Follows_Edits(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	ctx := context.Background()

	snap, err := s.Search(ctx, "invoice", "acme")
	require.NoError(t, err)
	require.Len(t, snap.Items, 2)

	_, err = s.EditEntity(ctx, "invoice", "101", syncstore.Record{"customer": "Vandelay"})
	require.NoError(t, err)

	snap, err = s.Search(ctx, "invoice", "acme")
	require.NoError(t, err)
	require.Equal(t, []syncstore.ID{"104"}, snapIDs(snap))
}

func Test_Session_Bulk_Coalesces_Per_Entity(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	ctx := context.Background()

	_, err := s.List(ctx, "payment", nil, syncstore.SortSpec{})
	require.NoError(t, err)

	touched, err := s.Bulk(ctx, "payment", 10)
	require.NoError(t, err)
	require.Equal(t, 2, touched, "ten updates across two payments coalesce to two patches")

	snap, err := s.List(ctx, "payment", nil, syncstore.SortSpec{})
	require.NoError(t, err)

	for _, rec := range snap.Items {
		require.Contains(t, rec, "touched_at")
		// Last write wins within the burst.
		require.GreaterOrEqual(t, rec["touch_seq"], 8)
	}
}

func Test_Session_Report_Writes_Store_Dump(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	ctx := context.Background()

	_, err := s.List(ctx, "task", map[string]string{"status": "open"}, syncstore.SortSpec{Field: "due"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, s.WriteReport(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var report sim.Report
	require.NoError(t, json.Unmarshal(data, &report))

	require.Equal(t, s.ID, report.SessionID)
	require.Len(t, report.Stores, 1)
	require.Equal(t, "task", report.Stores[0].EntityType)
	require.Len(t, report.Stores[0].Items, 4)
}

func Test_ParseFields_Coerces_Values(t *testing.T) {
	t.Parallel()

	fields, err := sim.ParseFields([]string{"amount=120", "rate=1.5", "note=paid in full?", "cleared=null"})
	require.NoError(t, err)

	require.Equal(t, 120, fields["amount"])
	require.InEpsilon(t, 1.5, fields["rate"], 1e-9)
	require.Equal(t, "paid in full?", fields["note"])
	require.Nil(t, fields["cleared"])

	_, err = sim.ParseFields([]string{"status"})
	require.ErrorIs(t, err, sim.ErrUsage)
}
