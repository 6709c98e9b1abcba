package hive_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/hive"
	"github.com/hexframe/swarmmail/internal/identity"
	"github.com/hexframe/swarmmail/internal/projection"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

const project = "hive-test"

func newHive(t *testing.T) *hive.Hive {
	t.Helper()
	return newHiveWith(t, config.HiveConfig{}, "")
}

func newHiveWith(t *testing.T, cfg config.HiveConfig, snapshotPath string) *hive.Hive {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	log := event.NewLog(s, project, projection.New(nil), nil)
	return hive.New(log, cfg, snapshotPath, nil, nil)
}

func mustCreate(t *testing.T, h *hive.Hive, title string) *hive.Cell {
	t.Helper()
	cell, err := h.CreateCell(context.Background(), hive.CreateRequest{
		Title: title, CreatedBy: "tester",
	})
	require.NoError(t, err)
	return cell
}

func intp(n int) *int { return &n }

func strp(s string) *string { return &s }

func TestCreateCellDefaults(t *testing.T) {
	h := newHive(t)

	cell, err := h.CreateCell(context.Background(), hive.CreateRequest{
		Title:     "fix login flow",
		CreatedBy: "tester",
		Labels:    []string{"auth", "frontend"},
	})
	require.NoError(t, err)

	require.NoError(t, identity.ValidateCellID(cell.ID))
	assert.Equal(t, hive.StatusOpen, cell.Status)
	assert.Equal(t, hive.TypeTask, cell.IssueType)
	assert.Equal(t, 2, cell.Priority)
	assert.Equal(t, "tester", cell.CreatedBy)
	assert.False(t, cell.Blocked)

	got, err := h.Get(context.Background(), cell.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "frontend"}, got.Labels)
}

func TestCreateCellSameTitleDistinctIDs(t *testing.T) {
	h := newHive(t)

	a := mustCreate(t, h, "dedupe me")
	b := mustCreate(t, h, "dedupe me")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestCreateCellValidation(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	_, err := h.CreateCell(ctx, hive.CreateRequest{Title: "   "})
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	_, err = h.CreateCell(ctx, hive.CreateRequest{Title: "x", IssueType: "saga"})
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	_, err = h.CreateCell(ctx, hive.CreateRequest{Title: "x", Priority: intp(9)})
	require.ErrorIs(t, err, swarmerr.ErrValidation)
	assert.Contains(t, err.Error(), "priority 9 outside 0-4")
}

func TestCreateCellParentMustExist(t *testing.T) {
	h := newHive(t)

	_, err := h.CreateCell(context.Background(), hive.CreateRequest{
		Title: "child", ParentID: "nope-000000-000000",
	})
	require.ErrorIs(t, err, swarmerr.ErrNotFound)
}

func TestUpdateCellPatch(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()
	cell := mustCreate(t, h, "before")

	updated, err := h.UpdateCell(ctx, cell.ID, event.CellPatch{
		Title:    strp("after"),
		Priority: intp(0),
		Assignee: strp("worker_1"),
	}, "tester")
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Title)
	assert.Equal(t, 0, updated.Priority)
	assert.Equal(t, "worker_1", updated.Assignee)
	assert.True(t, updated.UpdatedAt.After(cell.CreatedAt) || updated.UpdatedAt.Equal(cell.CreatedAt))
}

func TestUpdateCellRejectsBadPatch(t *testing.T) {
	h := newHive(t)
	cell := mustCreate(t, h, "target")

	_, err := h.UpdateCell(context.Background(), cell.ID, event.CellPatch{Title: strp("")}, "")
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	_, err = h.UpdateCell(context.Background(), cell.ID, event.CellPatch{Priority: intp(-1)}, "")
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	_, err = h.UpdateCell(context.Background(), cell.ID, event.CellPatch{ParentID: &cell.ID}, "")
	require.ErrorIs(t, err, swarmerr.ErrValidation)
}

func TestCloseCellIdempotent(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()
	cell := mustCreate(t, h, "wrap up")

	require.NoError(t, h.CloseCell(ctx, cell.ID, "done", "tester"))
	require.NoError(t, h.CloseCell(ctx, cell.ID, "done again", "tester"))

	got, err := h.Get(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusClosed, got.Status)
	assert.Equal(t, "done", got.CloseReason)
	require.NotNil(t, got.ClosedAt)
}

func TestDeleteCellTombstones(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()
	cell := mustCreate(t, h, "doomed")

	require.NoError(t, h.DeleteCell(ctx, cell.ID, "mistake", "tester"))
	require.NoError(t, h.DeleteCell(ctx, cell.ID, "again", "tester"))

	// Tombstones vanish from default queries but stay addressable.
	cells, err := h.QueryCells(ctx, hive.Query{})
	require.NoError(t, err)
	assert.Empty(t, cells)

	got, err := h.Get(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusTombstone, got.Status)

	// Every mutation on a tombstone fails.
	_, err = h.UpdateCell(ctx, cell.ID, event.CellPatch{Title: strp("revive")}, "")
	require.ErrorIs(t, err, swarmerr.ErrState)
	require.ErrorIs(t, h.CloseCell(ctx, cell.ID, "", ""), swarmerr.ErrState)
	require.ErrorIs(t, h.ChangeStatus(ctx, cell.ID, hive.StatusOpen, ""), swarmerr.ErrState)
}

func TestChangeStatus(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()
	cell := mustCreate(t, h, "in flight")

	require.NoError(t, h.ChangeStatus(ctx, cell.ID, hive.StatusInProgress, "worker_1"))
	got, err := h.Get(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusInProgress, got.Status)

	// Same-status transitions are no-ops, tombstone is not reachable here.
	require.NoError(t, h.ChangeStatus(ctx, cell.ID, hive.StatusInProgress, "worker_1"))
	err = h.ChangeStatus(ctx, cell.ID, hive.StatusTombstone, "worker_1")
	require.ErrorIs(t, err, swarmerr.ErrValidation)
	err = h.ChangeStatus(ctx, cell.ID, "paused", "worker_1")
	require.ErrorIs(t, err, swarmerr.ErrValidation)
}

func TestLabels(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()
	cell := mustCreate(t, h, "tag me")

	require.NoError(t, h.AddLabel(ctx, cell.ID, "backend"))
	require.NoError(t, h.AddLabel(ctx, cell.ID, "backend"))
	require.NoError(t, h.AddLabel(ctx, cell.ID, "auth"))

	got, err := h.Get(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "backend"}, got.Labels)

	byLabel, err := h.QueryCells(ctx, hive.Query{Label: "auth"})
	require.NoError(t, err)
	require.Len(t, byLabel, 1)

	require.NoError(t, h.RemoveLabel(ctx, cell.ID, "auth"))
	byLabel, err = h.QueryCells(ctx, hive.Query{Label: "auth"})
	require.NoError(t, err)
	assert.Empty(t, byLabel)
}

func TestComments(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()
	cell := mustCreate(t, h, "discuss")

	require.NoError(t, h.AddComment(ctx, cell.ID, "alice", "first"))
	require.NoError(t, h.AddComment(ctx, cell.ID, "bob", "second"))

	comments, err := h.Comments(ctx, cell.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, 0, comments[0].Index)
	assert.Equal(t, "alice", comments[0].Author)
	assert.Equal(t, "first", comments[0].Body)
	assert.Equal(t, 1, comments[1].Index)

	err = h.AddComment(ctx, cell.ID, "alice", "")
	require.ErrorIs(t, err, swarmerr.ErrValidation)
}

func TestResolveID(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	a := mustCreate(t, h, "alpha work")
	b := mustCreate(t, h, "beta work")

	// Full id.
	id, err := h.ResolveID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)

	// Trailing hash segment.
	id, err = h.ResolveID(ctx, identity.CellIDHash(b.ID))
	require.NoError(t, err)
	assert.Equal(t, b.ID, id)

	// A substring every id shares is ambiguous and lists candidates.
	_, err = h.ResolveID(ctx, "hive-test")
	require.ErrorIs(t, err, swarmerr.ErrConflict)
	var conflict *swarmerr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, conflict.Candidates)

	_, err = h.ResolveID(ctx, "zzzzzz")
	require.ErrorIs(t, err, swarmerr.ErrNotFound)
}

func TestQueryOrdering(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	low, err := h.CreateCell(ctx, hive.CreateRequest{Title: "low", Priority: intp(4)})
	require.NoError(t, err)
	urgent, err := h.CreateCell(ctx, hive.CreateRequest{Title: "urgent", Priority: intp(0)})
	require.NoError(t, err)
	normal, err := h.CreateCell(ctx, hive.CreateRequest{Title: "normal"})
	require.NoError(t, err)

	cells, err := h.QueryCells(ctx, hive.Query{})
	require.NoError(t, err)
	require.Len(t, cells, 3)
	assert.Equal(t, urgent.ID, cells[0].ID)
	assert.Equal(t, normal.ID, cells[1].ID)
	assert.Equal(t, low.ID, cells[2].ID)

	limited, err := h.QueryCells(ctx, hive.Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, urgent.ID, limited[0].ID)
}

func TestCreateEpic(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	result, err := h.CreateEpic(ctx, hive.EpicRequest{
		Title:     "auth revamp",
		Priority:  intp(1),
		CreatedBy: "coordinator",
		Subtasks: []hive.SubtaskSpec{
			{Title: "schema migration", Files: []string{"db/schema.sql"}},
			{Title: "token service", Files: []string{"internal/token/*.go"}, DependsOn: []int{0}},
			{Title: "wire handlers", DependsOn: []int{1}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, hive.TypeEpic, result.Epic.IssueType)
	require.Len(t, result.Subtasks, 3)

	for _, st := range result.Subtasks {
		assert.Equal(t, result.Epic.ID, st.ParentID)
	}

	// Only the dependency-free subtask is ready.
	ready, err := h.Ready(ctx, 0)
	require.NoError(t, err)
	readyIDs := make([]string, 0, len(ready))
	for _, c := range ready {
		readyIDs = append(readyIDs, c.ID)
	}
	assert.Contains(t, readyIDs, result.Subtasks[0].ID)
	assert.NotContains(t, readyIDs, result.Subtasks[1].ID)
	assert.NotContains(t, readyIDs, result.Subtasks[2].ID)

	children, err := h.QueryCells(ctx, hive.Query{ParentID: result.Epic.ID})
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestCreateEpicValidation(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	// Forward dependency index.
	_, err := h.CreateEpic(ctx, hive.EpicRequest{
		Title: "bad plan",
		Subtasks: []hive.SubtaskSpec{
			{Title: "first", DependsOn: []int{1}},
			{Title: "second"},
		},
	})
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	// Out-of-range dependency index.
	_, err = h.CreateEpic(ctx, hive.EpicRequest{
		Title: "worse plan",
		Subtasks: []hive.SubtaskSpec{
			{Title: "first"},
			{Title: "second", DependsOn: []int{5}},
		},
	})
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	// Nothing landed.
	cells, err := h.QueryCells(ctx, hive.Query{})
	require.NoError(t, err)
	assert.Empty(t, cells)
}

func TestStats(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	a := mustCreate(t, h, "one")
	b := mustCreate(t, h, "two")
	c := mustCreate(t, h, "three")
	d := mustCreate(t, h, "four")

	require.NoError(t, h.AddDependency(ctx, b.ID, a.ID, hive.RelBlocks, ""))
	require.NoError(t, h.ChangeStatus(ctx, c.ID, hive.StatusInProgress, ""))
	require.NoError(t, h.CloseCell(ctx, d.ID, "done", ""))

	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, 1, stats.InProgress)
	assert.Equal(t, 1, stats.Closed)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Ready, "only the unblocked open cell is ready")
	assert.Equal(t, 1, stats.BlockedByDeps)
}
