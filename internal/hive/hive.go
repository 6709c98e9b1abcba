// Package hive is the work tracker. Cells are issues in a dependency
// graph, projected from the event log; a JSONL snapshot of the whole
// graph can ride along in a git working tree and is re-imported when it
// changes on disk. Cells are never hard-deleted: a tombstone keeps the
// id reserved and the history replayable.
package hive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/identity"
	"github.com/hexframe/swarmmail/internal/jsonl"
	"github.com/hexframe/swarmmail/internal/lock"
	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Cell statuses. Tombstone is terminal.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusClosed     = "closed"
	StatusTombstone  = "tombstone"
)

// Issue types.
const (
	TypeTask    = "task"
	TypeBug     = "bug"
	TypeFeature = "feature"
	TypeEpic    = "epic"
	TypeChore   = "chore"
)

const (
	maxTitleLen     = 500
	defaultPriority = 2
)

var validStatuses = map[string]bool{
	StatusOpen: true, StatusInProgress: true, StatusBlocked: true,
	StatusClosed: true, StatusTombstone: true,
}

var validIssueTypes = map[string]bool{
	TypeTask: true, TypeBug: true, TypeFeature: true, TypeEpic: true, TypeChore: true,
}

// Cell is the projected view of one work item.
type Cell struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	IssueType   string     `json:"issue_type"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	ParentID    string     `json:"parent_id,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	Blocked     bool       `json:"blocked,omitempty"`
}

// Comment is one entry in a cell's comment thread.
type Comment struct {
	Index     int       `json:"index"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Hive tracks cells through the event log.
type Hive struct {
	log    *event.Log
	cfg    config.HiveConfig
	logger *slog.Logger
	slug   string
	file   *jsonl.File
	locks  *lock.Service
	nonce  atomic.Uint64
	// lastSum is the checksum of the snapshot content this process has
	// already written or imported; the watcher skips matching files.
	lastSum atomic.Value
}

// New binds a hive to a project's event log. snapshotPath may be empty
// to disable snapshots; locks may be nil when no cross-process watch
// coordination is needed.
func New(log *event.Log, cfg config.HiveConfig, snapshotPath string, locks *lock.Service, logger *slog.Logger) *Hive {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &Hive{
		log:    log,
		cfg:    cfg,
		logger: logger.With("component", "hive"),
		slug:   identity.Slugify(filepath.Base(log.Project())),
		locks:  locks,
	}
	if snapshotPath != "" {
		h.file = jsonl.New(snapshotPath)
	}
	return h
}

// SnapshotPath returns the snapshot file path, or "" when snapshots are
// disabled.
func (h *Hive) SnapshotPath() string {
	if h.file == nil {
		return ""
	}
	return h.file.Path()
}

// CreateRequest describes a new cell. Priority nil takes the default;
// IssueType empty means task.
type CreateRequest struct {
	Title       string
	Description string
	IssueType   string
	Priority    *int
	ParentID    string
	Assignee    string
	CreatedBy   string
	Labels      []string
}

// CreateCell validates the request, appends a cell_created event, and
// returns the projected cell.
func (h *Hive) CreateCell(ctx context.Context, req CreateRequest) (*Cell, error) {
	const op = "hive.create"
	issueType := req.IssueType
	if issueType == "" {
		issueType = TypeTask
	}
	priority := defaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if issues := validateCellFields(req.Title, issueType, priority); len(issues) > 0 {
		return nil, &swarmerr.ValidationError{Op: op, Msg: "invalid cell", Issues: issues}
	}

	id := identity.GenerateCellID(h.slug, req.Title, req.CreatedBy, time.Now(), h.nonce.Add(1))

	var cell *Cell
	err := h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		if req.ParentID != "" {
			status, err := h.statusTx(ctx, tx, req.ParentID)
			if err != nil {
				return err
			}
			if status == "" {
				return &swarmerr.NotFoundError{Op: op, Kind: "cell", ID: req.ParentID}
			}
			if status == StatusTombstone {
				return &swarmerr.StateError{Op: op, Msg: "parent is deleted", State: status}
			}
		}
		ev, err := event.New(h.log.Project(), event.TypeCellCreated, event.CellCreatedData{
			CellID:      id,
			Title:       req.Title,
			Description: req.Description,
			IssueType:   issueType,
			Priority:    priority,
			ParentID:    req.ParentID,
			Assignee:    req.Assignee,
			CreatedBy:   req.CreatedBy,
			Labels:      req.Labels,
		})
		if err != nil {
			return err
		}
		if _, err := h.log.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
		cell, err = h.getTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("created cell", "cell", id, "type", issueType, "priority", priority)
	h.maybeSnapshot(ctx)
	return cell, nil
}

// SubtaskSpec is one planned unit of an epic. DependsOn holds indices
// into the epic's subtask list and must point strictly backward.
type SubtaskSpec struct {
	Title       string
	Description string
	Priority    *int
	Files       []string
	DependsOn   []int
}

// EpicRequest describes an epic and its decomposition.
type EpicRequest struct {
	Title       string
	Description string
	Priority    *int
	CreatedBy   string
	Subtasks    []SubtaskSpec
}

// EpicResult is the projected epic and its subtasks in plan order.
type EpicResult struct {
	Epic     Cell   `json:"epic"`
	Subtasks []Cell `json:"subtasks"`
}

// CreateEpic appends one epic_created event carrying the epic, every
// subtask, and their dependency edges. The whole decomposition lands or
// none of it does.
func (h *Hive) CreateEpic(ctx context.Context, req EpicRequest) (*EpicResult, error) {
	const op = "hive.epic"
	priority := defaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	issues := validateCellFields(req.Title, TypeEpic, priority)
	for i, st := range req.Subtasks {
		stPriority := defaultPriority
		if st.Priority != nil {
			stPriority = *st.Priority
		}
		for _, issue := range validateCellFields(st.Title, TypeTask, stPriority) {
			issues = append(issues, fmt.Sprintf("subtask %d: %s", i, issue))
		}
		for _, j := range st.DependsOn {
			if j < 0 || j >= len(req.Subtasks) {
				issues = append(issues, fmt.Sprintf("subtask %d: dependency index %d out of range", i, j))
			} else if j >= i {
				issues = append(issues, fmt.Sprintf("subtask %d: dependency index %d does not point backward", i, j))
			}
		}
	}
	if len(req.Subtasks) == 0 {
		issues = append(issues, "epic needs at least one subtask")
	}
	if len(issues) > 0 {
		return nil, &swarmerr.ValidationError{Op: op, Msg: "invalid epic", Issues: issues}
	}

	now := time.Now()
	epicID := identity.GenerateCellID(h.slug, req.Title, req.CreatedBy, now, h.nonce.Add(1))
	subtasks := make([]event.EpicSubtask, len(req.Subtasks))
	subtaskIDs := make([]string, len(req.Subtasks))
	for i, st := range req.Subtasks {
		stPriority := defaultPriority
		if st.Priority != nil {
			stPriority = *st.Priority
		}
		id := identity.GenerateCellID(h.slug, st.Title, req.CreatedBy, now, h.nonce.Add(1))
		subtaskIDs[i] = id
		subtasks[i] = event.EpicSubtask{
			CellID:      id,
			Title:       st.Title,
			Description: st.Description,
			Priority:    stPriority,
			Files:       st.Files,
			DependsOn:   st.DependsOn,
		}
	}

	var result EpicResult
	err := h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		ev, err := event.New(h.log.Project(), event.TypeEpicCreated, event.EpicCreatedData{
			EpicID:       epicID,
			Title:        req.Title,
			Description:  req.Description,
			Priority:     priority,
			CreatedBy:    req.CreatedBy,
			SubtaskCount: len(subtasks),
			SubtaskIDs:   subtaskIDs,
			Subtasks:     subtasks,
		})
		if err != nil {
			return err
		}
		if _, err := h.log.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
		epic, err := h.getTx(ctx, tx, epicID)
		if err != nil {
			return err
		}
		result.Epic = *epic
		for _, id := range subtaskIDs {
			cell, err := h.getTx(ctx, tx, id)
			if err != nil {
				return err
			}
			result.Subtasks = append(result.Subtasks, *cell)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("created epic", "epic", epicID, "subtasks", len(subtaskIDs))
	h.maybeSnapshot(ctx)
	return &result, nil
}

// UpdateCell applies a field patch to a cell resolved from id.
func (h *Hive) UpdateCell(ctx context.Context, id string, patch event.CellPatch, actor string) (*Cell, error) {
	const op = "hive.update"
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	var issues []string
	if patch.Title != nil {
		if *patch.Title == "" {
			issues = append(issues, "title cannot be empty")
		} else if utf8.RuneCountInString(*patch.Title) > maxTitleLen {
			issues = append(issues, fmt.Sprintf("title exceeds %d characters", maxTitleLen))
		}
	}
	if patch.Priority != nil && (*patch.Priority < 0 || *patch.Priority > 4) {
		issues = append(issues, fmt.Sprintf("priority %d outside 0-4", *patch.Priority))
	}
	if len(issues) > 0 {
		return nil, &swarmerr.ValidationError{Op: op, Msg: "invalid patch", Issues: issues}
	}

	var cell *Cell
	err = h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		if err := h.requireLive(ctx, tx, op, cellID); err != nil {
			return err
		}
		if patch.ParentID != nil && *patch.ParentID != "" {
			if *patch.ParentID == cellID {
				return &swarmerr.ValidationError{Op: op, Msg: "cell cannot be its own parent"}
			}
			status, err := h.statusTx(ctx, tx, *patch.ParentID)
			if err != nil {
				return err
			}
			if status == "" {
				return &swarmerr.NotFoundError{Op: op, Kind: "cell", ID: *patch.ParentID}
			}
		}
		ev, err := event.New(h.log.Project(), event.TypeCellUpdated, event.CellUpdatedData{
			CellID: cellID, Actor: actor, Patch: patch,
		})
		if err != nil {
			return err
		}
		if _, err := h.log.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
		cell, err = h.getTx(ctx, tx, cellID)
		return err
	})
	if err != nil {
		return nil, err
	}
	h.maybeSnapshot(ctx)
	return cell, nil
}

// CloseCell closes a cell. Closing an already closed cell is a no-op;
// closing a tombstone is an error.
func (h *Hive) CloseCell(ctx context.Context, id, reason, actor string) error {
	const op = "hive.close"
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return err
	}
	err = h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		status, err := h.statusTx(ctx, tx, cellID)
		if err != nil {
			return err
		}
		switch status {
		case "":
			return &swarmerr.NotFoundError{Op: op, Kind: "cell", ID: cellID}
		case StatusTombstone:
			return &swarmerr.StateError{Op: op, Msg: "cell is deleted", State: status}
		case StatusClosed:
			return nil
		}
		ev, err := event.New(h.log.Project(), event.TypeCellClosed, event.CellClosedData{
			CellID: cellID, Actor: actor, Reason: reason,
		})
		if err != nil {
			return err
		}
		_, err = h.log.AppendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return err
	}
	h.logger.Info("closed cell", "cell", cellID, "reason", reason)
	h.maybeSnapshot(ctx)
	return nil
}

// DeleteCell tombstones a cell. Deleting a tombstone is a no-op.
func (h *Hive) DeleteCell(ctx context.Context, id, reason, actor string) error {
	const op = "hive.delete"
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return err
	}
	err = h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		status, err := h.statusTx(ctx, tx, cellID)
		if err != nil {
			return err
		}
		switch status {
		case "":
			return &swarmerr.NotFoundError{Op: op, Kind: "cell", ID: cellID}
		case StatusTombstone:
			return nil
		}
		ev, err := event.New(h.log.Project(), event.TypeCellDeleted, event.CellDeletedData{
			CellID: cellID, Actor: actor, Reason: reason,
		})
		if err != nil {
			return err
		}
		_, err = h.log.AppendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return err
	}
	h.logger.Info("deleted cell", "cell", cellID, "actor", actor)
	h.maybeSnapshot(ctx)
	return nil
}

// ChangeStatus moves a cell between live statuses. Closing and deleting
// have their own operations so their side effects are not skipped.
func (h *Hive) ChangeStatus(ctx context.Context, id, to, actor string) error {
	const op = "hive.status"
	if !validStatuses[to] || to == StatusTombstone {
		return &swarmerr.ValidationError{Op: op, Msg: fmt.Sprintf("invalid target status %q", to)}
	}
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return err
	}
	err = h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		from, err := h.statusTx(ctx, tx, cellID)
		if err != nil {
			return err
		}
		if from == "" {
			return &swarmerr.NotFoundError{Op: op, Kind: "cell", ID: cellID}
		}
		if from == StatusTombstone {
			return &swarmerr.StateError{Op: op, Msg: "cell is deleted", State: from}
		}
		if from == to {
			return nil
		}
		ev, err := event.New(h.log.Project(), event.TypeCellStatusChanged, event.CellStatusChangedData{
			CellID: cellID, Actor: actor, From: from, To: to,
		})
		if err != nil {
			return err
		}
		_, err = h.log.AppendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return err
	}
	h.maybeSnapshot(ctx)
	return nil
}

// AddComment appends to a cell's comment thread.
func (h *Hive) AddComment(ctx context.Context, id, author, body string) error {
	const op = "hive.comment"
	if body == "" {
		return &swarmerr.ValidationError{Op: op, Msg: "comment body is required"}
	}
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return err
	}
	err = h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		if err := h.requireLive(ctx, tx, op, cellID); err != nil {
			return err
		}
		ev, err := event.New(h.log.Project(), event.TypeCellCommented, event.CellCommentedData{
			CellID: cellID, Author: author, Body: body,
		})
		if err != nil {
			return err
		}
		_, err = h.log.AppendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return err
	}
	h.maybeSnapshot(ctx)
	return nil
}

// Comments returns a cell's comment thread in order.
func (h *Hive) Comments(ctx context.Context, id string) ([]Comment, error) {
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := h.log.Store().QueryContext(ctx, `
		SELECT idx, author, body, created_at FROM cell_comments
		WHERE cell_id = ? ORDER BY idx`, cellID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var comments []Comment
	for rows.Next() {
		var c Comment
		var created string
		if err := rows.Scan(&c.Index, &c.Author, &c.Body, &created); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// AddLabel attaches a label to a cell. Adding a present label is a no-op.
func (h *Hive) AddLabel(ctx context.Context, id, label string) error {
	return h.relabel(ctx, id, label, true)
}

// RemoveLabel detaches a label from a cell.
func (h *Hive) RemoveLabel(ctx context.Context, id, label string) error {
	return h.relabel(ctx, id, label, false)
}

func (h *Hive) relabel(ctx context.Context, id, label string, add bool) error {
	const op = "hive.label"
	if label == "" {
		return &swarmerr.ValidationError{Op: op, Msg: "label is required"}
	}
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return err
	}
	err = h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		if err := h.requireLive(ctx, tx, op, cellID); err != nil {
			return err
		}
		data := event.CellLabeledData{CellID: cellID}
		if add {
			data.Add = []string{label}
		} else {
			data.Remove = []string{label}
		}
		ev, err := event.New(h.log.Project(), event.TypeCellLabeled, data)
		if err != nil {
			return err
		}
		_, err = h.log.AppendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return err
	}
	h.maybeSnapshot(ctx)
	return nil
}

// statusTx returns the current status or "" when the cell is unknown.
func (h *Hive) statusTx(ctx context.Context, tx *sql.Tx, cellID string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM cells WHERE id = ?`, cellID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return status, err
}

// requireLive fails unless the cell exists and is not tombstoned.
func (h *Hive) requireLive(ctx context.Context, tx *sql.Tx, op, cellID string) error {
	status, err := h.statusTx(ctx, tx, cellID)
	if err != nil {
		return err
	}
	if status == "" {
		return &swarmerr.NotFoundError{Op: op, Kind: "cell", ID: cellID}
	}
	if status == StatusTombstone {
		return &swarmerr.StateError{Op: op, Msg: "cell is deleted", State: status}
	}
	return nil
}

// maybeSnapshot writes the JSONL snapshot after a mutation when
// configured. Snapshot failures never fail the mutation.
func (h *Hive) maybeSnapshot(ctx context.Context) {
	if !h.cfg.AutoSnapshot || h.file == nil {
		return
	}
	if err := h.Snapshot(ctx); err != nil {
		h.logger.Warn("snapshot failed", "path", h.file.Path(), "error", err)
	}
}

func validateCellFields(title, issueType string, priority int) []string {
	var issues []string
	if strings.TrimSpace(title) == "" {
		issues = append(issues, "title is required")
	} else if utf8.RuneCountInString(title) > maxTitleLen {
		issues = append(issues, fmt.Sprintf("title exceeds %d characters", maxTitleLen))
	}
	if !validIssueTypes[issueType] {
		issues = append(issues, fmt.Sprintf("invalid issue type %q", issueType))
	}
	if priority < 0 || priority > 4 {
		issues = append(issues, fmt.Sprintf("priority %d outside 0-4", priority))
	}
	return issues
}
