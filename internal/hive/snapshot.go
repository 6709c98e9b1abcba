package hive

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/jsonl"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

const (
	importBatchSize  = 100
	watchDebounce    = 500 * time.Millisecond
	importLockName   = "hive.import"
	maxRecordLineLen = 4 * 1024 * 1024
)

// ContentHash returns the hex SHA-256 of a record's canonical
// serialization: scalar fields, then dependencies, labels, and comments,
// joined with NUL separators. Timestamps are included, so a touched
// record hashes differently even when the visible fields match. The
// input is not mutated; dependencies and labels are sorted in the
// canonical form.
func ContentHash(rec event.CellRecord) string {
	fields := []string{
		rec.ID, rec.Title, rec.Description, rec.Status,
		strconv.Itoa(rec.Priority), rec.IssueType, rec.ParentID, rec.Assignee,
		rec.CreatedAt, rec.UpdatedAt, rec.ClosedAt, rec.CloseReason,
	}
	deps := make([]string, len(rec.Dependencies))
	for i, d := range rec.Dependencies {
		deps[i] = d.DependsOnID + ":" + d.Type
	}
	sort.Strings(deps)
	fields = append(fields, deps...)

	labels := append([]string(nil), rec.Labels...)
	sort.Strings(labels)
	fields = append(fields, labels...)

	for _, c := range rec.Comments {
		fields = append(fields, c.Author+":"+c.Text)
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, "\x00")))
	return hex.EncodeToString(sum[:])
}

// ExportOptions selects what Export emits. Tombstones are excluded
// unless IncludeDeleted is set; CellIDs narrows the export to the named
// cells.
type ExportOptions struct {
	IncludeDeleted bool
	CellIDs        []string
}

// Export returns the project's cells as interchange records ordered by
// id, with dependencies, labels, and comments attached.
func (h *Hive) Export(ctx context.Context, opts ExportOptions) ([]event.CellRecord, error) {
	where := "project_key = ?"
	args := []any{h.log.Project()}
	if !opts.IncludeDeleted {
		where += " AND status <> 'tombstone'"
	}
	if len(opts.CellIDs) > 0 {
		placeholders := make([]string, len(opts.CellIDs))
		for i, id := range opts.CellIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where += " AND id IN (" + strings.Join(placeholders, ",") + ")"
	}

	rows, err := h.log.Store().QueryContext(ctx, `
		SELECT id, title, description, status, priority, issue_type,
		       COALESCE(parent_id, ''), assignee, created_at, updated_at,
		       COALESCE(closed_at, ''), close_reason
		FROM cells WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []event.CellRecord
	index := make(map[string]int)
	for rows.Next() {
		var rec event.CellRecord
		err := rows.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.Status,
			&rec.Priority, &rec.IssueType, &rec.ParentID, &rec.Assignee,
			&rec.CreatedAt, &rec.UpdatedAt, &rec.ClosedAt, &rec.CloseReason)
		if err != nil {
			return nil, err
		}
		index[rec.ID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	deps, err := h.log.Store().QueryContext(ctx, `
		SELECT d.cell_id, d.depends_on_id, d.relationship
		FROM cell_dependencies d JOIN cells c ON c.id = d.cell_id
		WHERE c.project_key = ?
		ORDER BY d.cell_id, d.depends_on_id, d.relationship`, h.log.Project())
	if err != nil {
		return nil, err
	}
	defer func() { _ = deps.Close() }()
	for deps.Next() {
		var cellID string
		var edge event.DependencyEdge
		if err := deps.Scan(&cellID, &edge.DependsOnID, &edge.Type); err != nil {
			return nil, err
		}
		if i, ok := index[cellID]; ok {
			records[i].Dependencies = append(records[i].Dependencies, edge)
		}
	}
	if err := deps.Err(); err != nil {
		return nil, err
	}

	labels, err := h.log.Store().QueryContext(ctx, `
		SELECT l.cell_id, l.label
		FROM cell_labels l JOIN cells c ON c.id = l.cell_id
		WHERE c.project_key = ?
		ORDER BY l.cell_id, l.label`, h.log.Project())
	if err != nil {
		return nil, err
	}
	defer func() { _ = labels.Close() }()
	for labels.Next() {
		var cellID, label string
		if err := labels.Scan(&cellID, &label); err != nil {
			return nil, err
		}
		if i, ok := index[cellID]; ok {
			records[i].Labels = append(records[i].Labels, label)
		}
	}
	if err := labels.Err(); err != nil {
		return nil, err
	}

	comments, err := h.log.Store().QueryContext(ctx, `
		SELECT m.cell_id, m.author, m.body
		FROM cell_comments m JOIN cells c ON c.id = m.cell_id
		WHERE c.project_key = ?
		ORDER BY m.cell_id, m.idx`, h.log.Project())
	if err != nil {
		return nil, err
	}
	defer func() { _ = comments.Close() }()
	for comments.Next() {
		var cellID string
		var comment event.CommentRecord
		if err := comments.Scan(&cellID, &comment.Author, &comment.Text); err != nil {
			return nil, err
		}
		if i, ok := index[cellID]; ok {
			records[i].Comments = append(records[i].Comments, comment)
		}
	}
	return records, comments.Err()
}

// ImportOptions tunes Import. SkipExisting leaves rows whose id already
// exists untouched; DryRun computes counts without writing.
type ImportOptions struct {
	Actor        string
	DryRun       bool
	SkipExisting bool
}

// ImportResult reports what Import did, or with DryRun what it would do.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Import merges records into the project. A record whose content hash
// matches the existing row is skipped, a matching id with a different
// hash updates, anything else creates. Cells land first and dependency
// edges are synced afterward, so an edge never references a cell that
// has not been imported yet. Work is batched; cancellation between
// batches keeps completed batches.
func (h *Hive) Import(ctx context.Context, records []event.CellRecord, opts ImportOptions) (*ImportResult, error) {
	const op = "hive.import"
	now := store.FormatTime(time.Now())

	var issues []string
	normalized := make([]event.CellRecord, len(records))
	for i, rec := range records {
		norm, recIssues := normalizeRecord(rec, now)
		for _, issue := range recIssues {
			issues = append(issues, fmt.Sprintf("record %d: %s", i+1, issue))
		}
		normalized[i] = norm
	}
	if len(issues) > 0 {
		return nil, &swarmerr.ValidationError{Op: op, Msg: "invalid records", Issues: issues}
	}

	var result ImportResult
	var resync []event.CellRecord
	for start := 0; start < len(normalized); start += importBatchSize {
		if err := ctx.Err(); err != nil {
			return &result, err
		}
		batch := normalized[start:min(start+importBatchSize, len(normalized))]
		err := h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
			for _, rec := range batch {
				action, err := h.importOne(ctx, tx, rec, opts)
				if err != nil {
					return err
				}
				switch action {
				case importCreated:
					result.Created++
					resync = append(resync, rec)
				case importUpdated:
					result.Updated++
					resync = append(resync, rec)
				default:
					result.Skipped++
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if !opts.DryRun {
		if err := h.syncEdges(ctx, resync, opts.Actor); err != nil {
			return nil, err
		}
	}
	h.logger.Info("imported records",
		"created", result.Created, "updated", result.Updated, "skipped", result.Skipped,
		"dry_run", opts.DryRun)
	if result.Created+result.Updated > 0 {
		h.maybeSnapshot(ctx)
	}
	return &result, nil
}

type importAction int

const (
	importSkipped importAction = iota
	importCreated
	importUpdated
)

func (h *Hive) importOne(ctx context.Context, tx *sql.Tx, rec event.CellRecord, opts ImportOptions) (importAction, error) {
	existing, err := h.recordTx(ctx, tx, rec.ID)
	if err != nil {
		return importSkipped, err
	}

	action := importCreated
	if existing != nil {
		if opts.SkipExisting || existing.Status == StatusTombstone {
			return importSkipped, nil
		}
		// The stored hash is advisory; recomputing from the row catches
		// edge syncs that never finished.
		if ContentHash(*existing) == ContentHash(rec) {
			return importSkipped, nil
		}
		action = importUpdated
	}
	if opts.DryRun {
		return action, nil
	}

	ev, err := event.New(h.log.Project(), event.TypeCellImported, event.CellImportedData{
		Record: rec,
		Hash:   ContentHash(rec),
		Actor:  opts.Actor,
	})
	if err != nil {
		return importSkipped, err
	}
	if _, err := h.log.AppendTx(ctx, tx, ev); err != nil {
		return importSkipped, err
	}
	return action, nil
}

// syncEdges makes each imported cell's dependency edges match its
// record. Edges to cells that exist nowhere are skipped with a warning;
// edges that would close a cycle are skipped the same way, keeping the
// graph a DAG even when the snapshot disagrees.
func (h *Hive) syncEdges(ctx context.Context, records []event.CellRecord, actor string) error {
	for start := 0; start < len(records); start += importBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := records[start:min(start+importBatchSize, len(records))]
		err := h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
			for _, rec := range batch {
				if err := h.syncEdgesTx(ctx, tx, rec, actor); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Hive) syncEdgesTx(ctx context.Context, tx *sql.Tx, rec event.CellRecord, actor string) error {
	current := make(map[event.DependencyEdge]bool)
	rows, err := tx.QueryContext(ctx, `
		SELECT depends_on_id, relationship FROM cell_dependencies WHERE cell_id = ?`, rec.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var edge event.DependencyEdge
		if err := rows.Scan(&edge.DependsOnID, &edge.Type); err != nil {
			_ = rows.Close()
			return err
		}
		current[edge] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	want := make(map[event.DependencyEdge]bool, len(rec.Dependencies))
	for _, edge := range rec.Dependencies {
		want[edge] = true
	}

	for edge := range current {
		if want[edge] {
			continue
		}
		ev, err := event.New(h.log.Project(), event.TypeDependencyRemoved, event.DependencyRemovedData{
			CellID: rec.ID, DependsOnID: edge.DependsOnID, Relationship: edge.Type, Actor: actor,
		})
		if err != nil {
			return err
		}
		if _, err := h.log.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
	}

	for _, edge := range rec.Dependencies {
		if current[edge] {
			continue
		}
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(id) FROM cells WHERE id = ?`, edge.DependsOnID).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			h.logger.Warn("skipping edge to unknown cell",
				"cell", rec.ID, "depends_on", edge.DependsOnID)
			continue
		}
		if path, err := h.findCycle(ctx, tx, rec.ID, edge.DependsOnID); err != nil {
			return err
		} else if path != "" {
			h.logger.Warn("skipping edge that would create a cycle",
				"cell", rec.ID, "depends_on", edge.DependsOnID, "path", path)
			continue
		}
		ev, err := event.New(h.log.Project(), event.TypeDependencyAdded, event.DependencyAddedData{
			CellID: rec.ID, DependsOnID: edge.DependsOnID, Relationship: edge.Type, Actor: actor,
		})
		if err != nil {
			return err
		}
		if _, err := h.log.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}

// recordTx assembles the interchange record for an existing cell, or
// nil when the id is unknown. Timestamps stay in their stored form so
// the content hash is stable across round trips.
func (h *Hive) recordTx(ctx context.Context, tx *sql.Tx, cellID string) (*event.CellRecord, error) {
	var rec event.CellRecord
	err := tx.QueryRowContext(ctx, `
		SELECT id, title, description, status, priority, issue_type,
		       COALESCE(parent_id, ''), assignee, created_at, updated_at,
		       COALESCE(closed_at, ''), close_reason
		FROM cells WHERE id = ?`, cellID).Scan(
		&rec.ID, &rec.Title, &rec.Description, &rec.Status, &rec.Priority,
		&rec.IssueType, &rec.ParentID, &rec.Assignee, &rec.CreatedAt,
		&rec.UpdatedAt, &rec.ClosedAt, &rec.CloseReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	deps, err := tx.QueryContext(ctx, `
		SELECT depends_on_id, relationship FROM cell_dependencies
		WHERE cell_id = ? ORDER BY depends_on_id, relationship`, cellID)
	if err != nil {
		return nil, err
	}
	for deps.Next() {
		var edge event.DependencyEdge
		if err := deps.Scan(&edge.DependsOnID, &edge.Type); err != nil {
			_ = deps.Close()
			return nil, err
		}
		rec.Dependencies = append(rec.Dependencies, edge)
	}
	_ = deps.Close()
	if err := deps.Err(); err != nil {
		return nil, err
	}

	labels, err := tx.QueryContext(ctx,
		`SELECT label FROM cell_labels WHERE cell_id = ? ORDER BY label`, cellID)
	if err != nil {
		return nil, err
	}
	for labels.Next() {
		var label string
		if err := labels.Scan(&label); err != nil {
			_ = labels.Close()
			return nil, err
		}
		rec.Labels = append(rec.Labels, label)
	}
	_ = labels.Close()
	if err := labels.Err(); err != nil {
		return nil, err
	}

	comments, err := tx.QueryContext(ctx,
		`SELECT author, body FROM cell_comments WHERE cell_id = ? ORDER BY idx`, cellID)
	if err != nil {
		return nil, err
	}
	for comments.Next() {
		var c event.CommentRecord
		if err := comments.Scan(&c.Author, &c.Text); err != nil {
			_ = comments.Close()
			return nil, err
		}
		rec.Comments = append(rec.Comments, c)
	}
	_ = comments.Close()
	return &rec, comments.Err()
}

// normalizeRecord fills defaults and sorts the record into canonical
// form, reporting rule violations.
func normalizeRecord(rec event.CellRecord, now string) (event.CellRecord, []string) {
	var issues []string
	if rec.ID == "" {
		issues = append(issues, "id is required")
	}
	if strings.TrimSpace(rec.Title) == "" {
		issues = append(issues, "title is required")
	}
	if rec.Status == "" {
		rec.Status = StatusOpen
	} else if !validStatuses[rec.Status] {
		issues = append(issues, fmt.Sprintf("invalid status %q", rec.Status))
	}
	if rec.IssueType == "" {
		rec.IssueType = TypeTask
	} else if !validIssueTypes[rec.IssueType] {
		issues = append(issues, fmt.Sprintf("invalid issue type %q", rec.IssueType))
	}
	if rec.Priority < 0 || rec.Priority > 4 {
		issues = append(issues, fmt.Sprintf("priority %d outside 0-4", rec.Priority))
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt == "" {
		rec.UpdatedAt = rec.CreatedAt
	}

	seen := make(map[event.DependencyEdge]bool)
	deps := rec.Dependencies[:0:0]
	for _, edge := range rec.Dependencies {
		if edge.Type == "" {
			edge.Type = RelBlocks
		}
		if !validRelationships[edge.Type] {
			issues = append(issues, fmt.Sprintf("invalid relationship %q", edge.Type))
			continue
		}
		if edge.DependsOnID == "" || edge.DependsOnID == rec.ID || seen[edge] {
			continue
		}
		seen[edge] = true
		deps = append(deps, edge)
	}
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].DependsOnID != deps[j].DependsOnID {
			return deps[i].DependsOnID < deps[j].DependsOnID
		}
		return deps[i].Type < deps[j].Type
	})
	rec.Dependencies = deps

	labels := rec.Labels[:0:0]
	seenLabel := make(map[string]bool)
	for _, label := range rec.Labels {
		if label == "" || seenLabel[label] {
			continue
		}
		seenLabel[label] = true
		labels = append(labels, label)
	}
	sort.Strings(labels)
	rec.Labels = labels
	return rec, issues
}

// DecodeRecords parses JSONL records from r, reporting the failing line
// on malformed input.
func DecodeRecords(r io.Reader) ([]event.CellRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLineLen)

	var records []event.CellRecord
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec event.CellRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, &swarmerr.ValidationError{
				Op:  "hive.import",
				Msg: fmt.Sprintf("line %d: %v", line, err),
			}
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ImportFile imports a JSONL snapshot from path under the shared
// snapshot lock.
func (h *Hive) ImportFile(ctx context.Context, path string, opts ImportOptions) (*ImportResult, error) {
	var records []event.CellRecord
	err := jsonl.New(path).Read(ctx, func(line int, data json.RawMessage) error {
		var rec event.CellRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return &swarmerr.ValidationError{
				Op:  "hive.import",
				Msg: fmt.Sprintf("line %d: %v", line, err),
			}
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &swarmerr.IOError{Op: "hive.import", Path: path, Err: err}
		}
		return nil, err
	}
	return h.Import(ctx, records, opts)
}

// Snapshot writes every cell, tombstones included, to the snapshot file.
func (h *Hive) Snapshot(ctx context.Context) error {
	if h.file == nil {
		return &swarmerr.StateError{Op: "hive.snapshot", Msg: "snapshots are disabled"}
	}
	records, err := h.Export(ctx, ExportOptions{IncludeDeleted: true})
	if err != nil {
		return err
	}
	rows := make([]any, len(records))
	for i, rec := range records {
		rows[i] = rec
	}
	sum, err := h.file.WriteAll(ctx, rows)
	if err != nil {
		return &swarmerr.IOError{Op: "hive.snapshot", Path: h.file.Path(), Err: err}
	}
	h.lastSum.Store(sum)
	h.logger.Debug("wrote snapshot", "path", h.file.Path(), "cells", len(records))
	return nil
}

// Watch re-imports the snapshot whenever another process or a git
// operation rewrites it. New cells are created; existing rows are left
// alone (skip-existing), so local state wins over a stale pull. Returns
// nil when ctx ends.
func (h *Hive) Watch(ctx context.Context) error {
	if h.file == nil {
		return &swarmerr.StateError{Op: "hive.watch", Msg: "snapshots are disabled"}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &swarmerr.IOError{Op: "hive.watch", Err: err}
	}
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(h.file.Path())
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return &swarmerr.IOError{Op: "hive.watch", Path: filepath.Dir(target), Err: err}
	}
	h.logger.Info("watching snapshot", "path", target)

	// Catch changes that landed while nobody was watching.
	h.importSnapshot(ctx)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors and git replace files with bursts of events; let
			// them settle before importing.
			debounce = time.After(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("snapshot watch error", "error", err)
		case <-debounce:
			debounce = nil
			h.importSnapshot(ctx)
		}
	}
}

// importSnapshot imports the snapshot file unless this process already
// produced its content or another process holds the import lock.
func (h *Hive) importSnapshot(ctx context.Context) {
	sum, err := h.file.Checksum(ctx)
	if err != nil {
		h.logger.Warn("checksum snapshot", "error", err)
		return
	}
	if sum == "" {
		return
	}
	if last, _ := h.lastSum.Load().(string); last == sum {
		h.logger.Debug("snapshot unchanged, skipping import")
		return
	}

	if h.locks != nil {
		holder := fmt.Sprintf("watch-%d", os.Getpid())
		held, err := h.locks.Acquire(ctx, importLockName, holder, time.Minute)
		if err != nil {
			if swarmerr.IsConflict(err) {
				h.logger.Debug("another process is importing, skipping")
				return
			}
			h.logger.Warn("acquire import lock", "error", err)
			return
		}
		defer func() {
			if err := h.locks.Release(ctx, importLockName, holder, held.Seq); err != nil {
				h.logger.Warn("release import lock", "error", err)
			}
		}()
	}

	// Mark the content seen before importing: the import may itself
	// rewrite the snapshot, and that write must win the lastSum race so
	// the follow-up event is recognized as our own.
	h.lastSum.Store(sum)
	result, err := h.ImportFile(ctx, h.file.Path(), ImportOptions{
		Actor:        "snapshot-watch",
		SkipExisting: true,
	})
	if err != nil {
		h.logger.Warn("auto-import failed", "path", h.file.Path(), "error", err)
		return
	}
	if result.Created > 0 {
		h.logger.Info("auto-imported snapshot",
			"created", result.Created, "skipped", result.Skipped)
	}
}
