package hive_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/hive"
	"github.com/hexframe/swarmmail/internal/jsonl"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

func TestContentHashCanonicalizes(t *testing.T) {
	rec := event.CellRecord{
		ID: "p-000001-abc123", Title: "t", Status: "open", Priority: 2, IssueType: "task",
		CreatedAt: "2026-01-01T00:00:00.000Z", UpdatedAt: "2026-01-01T00:00:00.000Z",
		Dependencies: []event.DependencyEdge{
			{DependsOnID: "p-000001-zzz999", Type: "blocks"},
			{DependsOnID: "p-000001-aaa111", Type: "related"},
		},
		Labels: []string{"b", "a"},
	}
	shuffled := rec
	shuffled.Dependencies = []event.DependencyEdge{rec.Dependencies[1], rec.Dependencies[0]}
	shuffled.Labels = []string{"a", "b"}

	assert.Equal(t, hive.ContentHash(rec), hive.ContentHash(shuffled))

	changed := rec
	changed.Title = "different"
	assert.NotEqual(t, hive.ContentHash(rec), hive.ContentHash(changed))

	touched := rec
	touched.UpdatedAt = "2026-01-02T00:00:00.000Z"
	assert.NotEqual(t, hive.ContentHash(rec), hive.ContentHash(touched),
		"timestamps are part of the hash")
}

func TestExportImportRoundTrip(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	a := mustCreate(t, h, "first")
	b := mustCreate(t, h, "second")
	require.NoError(t, h.AddDependency(ctx, b.ID, a.ID, hive.RelBlocks, ""))
	require.NoError(t, h.AddLabel(ctx, a.ID, "core"))
	require.NoError(t, h.AddComment(ctx, a.ID, "alice", "note"))
	require.NoError(t, h.CloseCell(ctx, a.ID, "done", ""))
	gone := mustCreate(t, h, "third")
	require.NoError(t, h.DeleteCell(ctx, gone.ID, "dup", ""))

	records, err := h.Export(ctx, hive.ExportOptions{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Re-importing a project's own export changes nothing.
	result, err := h.Import(ctx, records, hive.ImportOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.Created)
	assert.Zero(t, result.Updated)
	assert.Equal(t, 3, result.Skipped)
}

func TestExportFilters(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	kept := mustCreate(t, h, "kept")
	gone := mustCreate(t, h, "gone")
	require.NoError(t, h.DeleteCell(ctx, gone.ID, "", ""))

	records, err := h.Export(ctx, hive.ExportOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, kept.ID, records[0].ID)

	records, err = h.Export(ctx, hive.ExportOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = h.Export(ctx, hive.ExportOptions{IncludeDeleted: true, CellIDs: []string{gone.ID}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, hive.StatusTombstone, records[0].Status)
}

func TestImportIntoFreshProject(t *testing.T) {
	src := newHive(t)
	ctx := context.Background()

	a := mustCreate(t, src, "first")
	b := mustCreate(t, src, "second")
	require.NoError(t, src.AddDependency(ctx, b.ID, a.ID, hive.RelBlocks, ""))
	require.NoError(t, src.AddLabel(ctx, b.ID, "core"))
	require.NoError(t, src.AddComment(ctx, b.ID, "alice", "carried over"))

	records, err := src.Export(ctx, hive.ExportOptions{})
	require.NoError(t, err)

	dst := newHive(t)
	result, err := dst.Import(ctx, records, hive.ImportOptions{Actor: "migration"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Zero(t, result.Updated)

	// Dependencies, labels, and comments all travel.
	blocked, err := dst.IsBlocked(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, blocked)

	got, err := dst.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"core"}, got.Labels)

	comments, err := dst.Comments(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "carried over", comments[0].Body)

	// The second pass is pure skips.
	again, err := dst.Import(ctx, records, hive.ImportOptions{})
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Zero(t, again.Updated)
	assert.Equal(t, 2, again.Skipped)
}

func TestImportUpdatesChangedRecords(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()
	cell := mustCreate(t, h, "original")

	records, err := h.Export(ctx, hive.ExportOptions{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	records[0].Title = "amended"

	result, err := h.Import(ctx, records, hive.ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	got, err := h.Get(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, "amended", got.Title)
}

func TestImportSkipExisting(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()
	cell := mustCreate(t, h, "local truth")

	records, err := h.Export(ctx, hive.ExportOptions{})
	require.NoError(t, err)
	records[0].Title = "remote rewrite"
	records = append(records, event.CellRecord{ID: "ext-000001-abc123", Title: "new arrival"})

	result, err := h.Import(ctx, records, hive.ImportOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Skipped)

	got, err := h.Get(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, "local truth", got.Title, "existing rows stay untouched")
}

func TestImportDryRun(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	result, err := h.Import(ctx, []event.CellRecord{
		{ID: "ext-000001-abc123", Title: "would create"},
	}, hive.ImportOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)

	cells, err := h.QueryCells(ctx, hive.Query{})
	require.NoError(t, err)
	assert.Empty(t, cells, "dry run writes nothing")
}

func TestImportSyncsEdgeRemoval(t *testing.T) {
	h := newHive(t)
	ctx := context.Background()

	a := mustCreate(t, h, "a")
	b := mustCreate(t, h, "b")
	require.NoError(t, h.AddDependency(ctx, a.ID, b.ID, hive.RelBlocks, ""))

	records, err := h.Export(ctx, hive.ExportOptions{})
	require.NoError(t, err)
	for i := range records {
		if records[i].ID == a.ID {
			records[i].Dependencies = nil
		}
	}

	result, err := h.Import(ctx, records, hive.ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	blocked, err := h.IsBlocked(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, blocked, "the snapshot is authoritative for edges")

	// Convergence: importing the same records again is all skips.
	again, err := h.Import(ctx, records, hive.ImportOptions{})
	require.NoError(t, err)
	assert.Zero(t, again.Updated)
}

func TestImportValidatesRecords(t *testing.T) {
	h := newHive(t)

	_, err := h.Import(context.Background(), []event.CellRecord{
		{ID: "ext-000001-abc123", Title: "fine"},
		{ID: "", Title: "missing id"},
		{ID: "ext-000001-def456", Title: "bad status", Status: "paused"},
	}, hive.ImportOptions{})
	require.ErrorIs(t, err, swarmerr.ErrValidation)
	assert.Contains(t, err.Error(), "record 2: id is required")
	assert.Contains(t, err.Error(), `record 3: invalid status "paused"`)
}

func TestDecodeRecords(t *testing.T) {
	input := `{"id":"ext-000001-abc123","title":"one"}

{"id":"ext-000001-def456","title":"two"}`
	records, err := hive.DecodeRecords(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "one", records[0].Title)

	_, err = hive.DecodeRecords(strings.NewReader("{\"id\":\"x\"}\nnot json\n"))
	require.ErrorIs(t, err, swarmerr.ErrValidation)
	assert.Contains(t, err.Error(), "line 2")
}

func TestSnapshotWriteAndImportFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".hive", "cells.jsonl")
	src := newHiveWith(t, config.HiveConfig{}, path)
	ctx := context.Background()

	a := mustCreate(t, src, "first")
	b := mustCreate(t, src, "second")
	require.NoError(t, src.AddDependency(ctx, b.ID, a.ID, hive.RelBlocks, ""))
	require.NoError(t, src.Snapshot(ctx))

	dst := newHive(t)
	result, err := dst.ImportFile(ctx, path, hive.ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)

	blocked, err := dst.IsBlocked(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestImportFileMissing(t *testing.T) {
	h := newHive(t)

	_, err := h.ImportFile(context.Background(),
		filepath.Join(t.TempDir(), "absent.jsonl"), hive.ImportOptions{})
	require.ErrorIs(t, err, swarmerr.ErrIO)
}

func TestSnapshotDisabled(t *testing.T) {
	h := newHive(t)

	err := h.Snapshot(context.Background())
	require.ErrorIs(t, err, swarmerr.ErrState)
	require.ErrorIs(t, h.Watch(context.Background()), swarmerr.ErrState)
}

func TestAutoSnapshotOnMutation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".hive", "cells.jsonl")
	h := newHiveWith(t, config.HiveConfig{AutoSnapshot: true}, path)

	mustCreate(t, h, "persisted")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "persisted")
}

func TestWatchAutoImportsForeignSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".hive", "cells.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	h := newHiveWith(t, config.HiveConfig{}, path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx) }()

	// Another process replaces the snapshot.
	_, err := jsonl.New(path).WriteAll(context.Background(), []any{
		event.CellRecord{ID: "ext-000001-abc123", Title: "pulled from git", Status: "open"},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		cell, err := h.Get(context.Background(), "ext-000001-abc123")
		return err == nil && cell.Title == "pulled from git"
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
