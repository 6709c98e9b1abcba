package hive_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/hive"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

func TestAddDependencyBlocksReadiness(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	api := mustCreate(t, h, "build api")
	schema := mustCreate(t, h, "design schema")

	require.NoError(t, h.AddDependency(ctx, api.ID, schema.ID, hive.RelBlocks, "tester"))

	blocked, err := h.IsBlocked(ctx, api.ID)
	require.NoError(t, err)
	assert.True(t, blocked)

	blockers, err := h.Blockers(ctx, api.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{schema.ID}, blockers)

	ready, err := h.Ready(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, schema.ID, ready[0].ID)

	// Closing the blocker frees the dependent.
	require.NoError(t, h.CloseCell(ctx, schema.ID, "done", "tester"))
	blocked, err = h.IsBlocked(ctx, api.ID)
	require.NoError(t, err)
	assert.False(t, blocked)

	ready, err = h.Ready(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, api.ID, ready[0].ID)
}

func TestCycleRejectedWithPath(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	c1 := mustCreate(t, h, "c one")
	c2 := mustCreate(t, h, "c two")
	c3 := mustCreate(t, h, "c three")

	require.NoError(t, h.AddDependency(ctx, c1.ID, c2.ID, hive.RelBlocks, ""))
	require.NoError(t, h.AddDependency(ctx, c2.ID, c3.ID, hive.RelBlocks, ""))

	err := h.AddDependency(ctx, c3.ID, c1.ID, hive.RelBlocks, "")
	require.ErrorIs(t, err, swarmerr.ErrConflict)

	var conflict *swarmerr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{c3.ID, c1.ID, c2.ID, c3.ID}, conflict.CyclePath)

	// The rejected edge left no trace.
	deps, err := h.Dependencies(ctx, c3.ID)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestCycleCheckSpansRelationshipKinds(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	a := mustCreate(t, h, "research notes")
	b := mustCreate(t, h, "implementation")

	require.NoError(t, h.AddDependency(ctx, a.ID, b.ID, hive.RelRelated, ""))

	// related edges never block, but they still count for the DAG.
	blocked, err := h.IsBlocked(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, blocked)

	err = h.AddDependency(ctx, b.ID, a.ID, hive.RelBlocks, "")
	require.ErrorIs(t, err, swarmerr.ErrConflict)
}

func TestSelfDependencyRejected(t *testing.T) {
	h := newHive(t)
	a := mustCreate(t, h, "narcissist")

	err := h.AddDependency(context.Background(), a.ID, a.ID, hive.RelBlocks, "")
	require.ErrorIs(t, err, swarmerr.ErrConflict)

	var conflict *swarmerr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{a.ID, a.ID}, conflict.CyclePath)
}

func TestDuplicateEdgeRejected(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	a := mustCreate(t, h, "a")
	b := mustCreate(t, h, "b")

	require.NoError(t, h.AddDependency(ctx, a.ID, b.ID, hive.RelBlocks, ""))
	err := h.AddDependency(ctx, a.ID, b.ID, hive.RelBlocks, "")
	require.ErrorIs(t, err, swarmerr.ErrConflict)

	// Same endpoints under another relationship are a different edge.
	require.NoError(t, h.AddDependency(ctx, a.ID, b.ID, hive.RelDiscoveredFrom, ""))
}

func TestRemoveDependency(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	a := mustCreate(t, h, "a")
	b := mustCreate(t, h, "b")

	require.NoError(t, h.AddDependency(ctx, a.ID, b.ID, hive.RelBlocks, ""))
	require.NoError(t, h.RemoveDependency(ctx, a.ID, b.ID, hive.RelBlocks, ""))

	blocked, err := h.IsBlocked(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, blocked)

	err = h.RemoveDependency(ctx, a.ID, b.ID, hive.RelBlocks, "")
	require.ErrorIs(t, err, swarmerr.ErrNotFound)
}

func TestDependencyListings(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	api := mustCreate(t, h, "api layer")
	schema := mustCreate(t, h, "schema")
	ui := mustCreate(t, h, "ui")

	require.NoError(t, h.AddDependency(ctx, api.ID, schema.ID, hive.RelBlocks, ""))
	require.NoError(t, h.AddDependency(ctx, ui.ID, api.ID, hive.RelBlocks, ""))

	deps, err := h.Dependencies(ctx, api.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, schema.ID, deps[0].DependsOnID)
	assert.Equal(t, "schema", deps[0].Title)
	assert.Equal(t, hive.StatusOpen, deps[0].Status)

	dependents, err := h.Dependents(ctx, api.ID)
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	assert.Equal(t, ui.ID, dependents[0].CellID)
	assert.Equal(t, "ui", dependents[0].Title)
}

func TestBlockersSorted(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	target := mustCreate(t, h, "target")
	b1 := mustCreate(t, h, "blocker one")
	b2 := mustCreate(t, h, "blocker two")

	require.NoError(t, h.AddDependency(ctx, target.ID, b1.ID, hive.RelBlocks, ""))
	require.NoError(t, h.AddDependency(ctx, target.ID, b2.ID, hive.RelBlocks, ""))

	blockers, err := h.Blockers(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, blockers, 2)
	assert.True(t, blockers[0] < blockers[1], "blockers list is sorted")
}

func TestTransitiveBlocking(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	top := mustCreate(t, h, "top")
	mid := mustCreate(t, h, "mid")
	leaf := mustCreate(t, h, "leaf")

	require.NoError(t, h.AddDependency(ctx, top.ID, mid.ID, hive.RelBlocks, ""))
	require.NoError(t, h.AddDependency(ctx, mid.ID, leaf.ID, hive.RelBlocks, ""))

	// Direct blockers only; transitivity shows through mid staying
	// blocked until leaf closes.
	blockers, err := h.Blockers(ctx, top.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{mid.ID}, blockers)

	require.NoError(t, h.CloseCell(ctx, leaf.ID, "done", ""))

	blocked, err := h.IsBlocked(ctx, mid.ID)
	require.NoError(t, err)
	assert.False(t, blocked)

	blocked, err = h.IsBlocked(ctx, top.ID)
	require.NoError(t, err)
	assert.True(t, blocked, "top still waits on mid")

	require.NoError(t, h.CloseCell(ctx, mid.ID, "done", ""))
	blocked, err = h.IsBlocked(ctx, top.ID)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestRebuildBlockedCache(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	a := mustCreate(t, h, "a")
	b := mustCreate(t, h, "b")
	require.NoError(t, h.AddDependency(ctx, a.ID, b.ID, hive.RelBlocks, ""))

	blocked, err := h.RebuildBlockedCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, blocked)

	isBlocked, err := h.IsBlocked(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, isBlocked)
}

func TestDependencyEndpointsMustBeLive(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	a := mustCreate(t, h, "a")
	gone := mustCreate(t, h, "gone")
	require.NoError(t, h.DeleteCell(ctx, gone.ID, "", ""))

	err := h.AddDependency(ctx, a.ID, gone.ID, hive.RelBlocks, "")
	require.ErrorIs(t, err, swarmerr.ErrState)
}
