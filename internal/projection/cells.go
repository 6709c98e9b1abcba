package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// cellStatus returns the current status or "" when the cell is unknown.
func cellStatus(ctx context.Context, tx *sql.Tx, cellID string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM cells WHERE id = ?`, cellID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return status, err
}

func (p *Projector) applyCellCreated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.CellCreatedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO cells (id, project_key, title, description, issue_type, status, priority,
			parent_id, assignee, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'open', ?, ?, ?, ?, ?, ?)`,
		data.CellID, ev.ProjectKey, data.Title, data.Description, data.IssueType,
		data.Priority, nullable(data.ParentID), data.Assignee, data.CreatedBy, ts, ts)
	if err != nil {
		return fmt.Errorf("insert cell: %w", err)
	}

	for _, label := range data.Labels {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO cell_labels (cell_id, label) VALUES (?, ?)`,
			data.CellID, label); err != nil {
			return fmt.Errorf("insert label: %w", err)
		}
	}
	return nil
}

func (p *Projector) applyCellUpdated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.CellUpdatedData
	if err := ev.Decode(&data); err != nil {
		return err
	}

	status, err := cellStatus(ctx, tx, data.CellID)
	if err != nil {
		return err
	}
	if status == "" || status == "tombstone" {
		p.logger.Warn("skipping update of missing or tombstoned cell", "cell", data.CellID)
		return nil
	}

	sets := []string{"updated_at = ?"}
	args := []any{store.FormatMS(ev.TimestampMS)}
	if data.Patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *data.Patch.Title)
	}
	if data.Patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *data.Patch.Description)
	}
	if data.Patch.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *data.Patch.Priority)
	}
	if data.Patch.ParentID != nil {
		sets = append(sets, "parent_id = ?")
		args = append(args, nullable(*data.Patch.ParentID))
	}
	if data.Patch.Assignee != nil {
		sets = append(sets, "assignee = ?")
		args = append(args, *data.Patch.Assignee)
	}
	args = append(args, data.CellID)

	query := "UPDATE cells SET " + sets[0]
	for _, s := range sets[1:] {
		query += ", " + s
	}
	query += " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update cell: %w", err)
	}
	return nil
}

func (p *Projector) applyCellStatusChanged(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.CellStatusChangedData
	if err := ev.Decode(&data); err != nil {
		return err
	}

	status, err := cellStatus(ctx, tx, data.CellID)
	if err != nil {
		return err
	}
	// Tombstone is terminal.
	if status == "" || status == "tombstone" {
		return nil
	}

	ts := store.FormatMS(ev.TimestampMS)
	if _, err := tx.ExecContext(ctx, `
		UPDATE cells SET status = ?, updated_at = ? WHERE id = ?`,
		data.To, ts, data.CellID); err != nil {
		return fmt.Errorf("change status: %w", err)
	}
	return recomputeAround(ctx, tx, ev.ProjectKey, data.CellID, ts)
}

func (p *Projector) applyCellClosed(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.CellClosedData
	if err := ev.Decode(&data); err != nil {
		return err
	}

	status, err := cellStatus(ctx, tx, data.CellID)
	if err != nil {
		return err
	}
	if status == "" || status == "tombstone" {
		return nil
	}

	ts := store.FormatMS(ev.TimestampMS)
	if _, err := tx.ExecContext(ctx, `
		UPDATE cells SET status = 'closed', closed_at = ?, close_reason = ?, updated_at = ?
		WHERE id = ?`,
		ts, data.Reason, ts, data.CellID); err != nil {
		return fmt.Errorf("close cell: %w", err)
	}
	return recomputeAround(ctx, tx, ev.ProjectKey, data.CellID, ts)
}

func (p *Projector) applyCellDeleted(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.CellDeletedData
	if err := ev.Decode(&data); err != nil {
		return err
	}

	status, err := cellStatus(ctx, tx, data.CellID)
	if err != nil {
		return err
	}
	if status == "" || status == "tombstone" {
		return nil
	}

	ts := store.FormatMS(ev.TimestampMS)
	if _, err := tx.ExecContext(ctx, `
		UPDATE cells SET status = 'tombstone', deleted_at = ?, delete_reason = ?, updated_at = ?
		WHERE id = ?`,
		ts, data.Reason, ts, data.CellID); err != nil {
		return fmt.Errorf("tombstone cell: %w", err)
	}
	// Edges stay for history; the tombstone no longer counts as an open
	// blocker for anyone downstream.
	return recomputeAround(ctx, tx, ev.ProjectKey, data.CellID, ts)
}

func (p *Projector) applyCellImported(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.CellImportedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	rec := data.Record

	status, err := cellStatus(ctx, tx, rec.ID)
	if err != nil {
		return err
	}
	if status == "tombstone" {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cells (id, project_key, title, description, issue_type, status, priority,
			parent_id, assignee, created_at, updated_at, closed_at, close_reason, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			issue_type = excluded.issue_type,
			status = excluded.status,
			priority = excluded.priority,
			parent_id = excluded.parent_id,
			assignee = excluded.assignee,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at,
			close_reason = excluded.close_reason,
			content_hash = excluded.content_hash`,
		rec.ID, ev.ProjectKey, rec.Title, rec.Description, rec.IssueType, rec.Status,
		rec.Priority, nullable(rec.ParentID), rec.Assignee, rec.CreatedAt, rec.UpdatedAt,
		nullable(rec.ClosedAt), rec.CloseReason, data.Hash)
	if err != nil {
		return fmt.Errorf("upsert imported cell: %w", err)
	}

	// Labels and comments are replaced wholesale from the record.
	if _, err := tx.ExecContext(ctx, `DELETE FROM cell_labels WHERE cell_id = ?`, rec.ID); err != nil {
		return err
	}
	for _, label := range rec.Labels {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO cell_labels (cell_id, label) VALUES (?, ?)`, rec.ID, label); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cell_comments WHERE cell_id = ?`, rec.ID); err != nil {
		return err
	}
	for i, comment := range rec.Comments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cell_comments (cell_id, idx, author, body, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			rec.ID, i, comment.Author, comment.Text, rec.UpdatedAt); err != nil {
			return err
		}
	}

	// Dependency edges arrive as separate dependency_added events once
	// every endpoint exists; only the status change needs a recompute.
	return recomputeAround(ctx, tx, ev.ProjectKey, rec.ID, store.FormatMS(ev.TimestampMS))
}

func (p *Projector) applyCellCommented(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.CellCommentedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(idx) FROM cell_comments WHERE cell_id = ?`, data.CellID).Scan(&next); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cell_comments (cell_id, idx, author, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		data.CellID, next, data.Author, data.Body, ts); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	_, err := tx.ExecContext(ctx, `UPDATE cells SET updated_at = ? WHERE id = ?`, ts, data.CellID)
	return err
}

func (p *Projector) applyCellLabeled(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.CellLabeledData
	if err := ev.Decode(&data); err != nil {
		return err
	}

	for _, label := range data.Add {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO cell_labels (cell_id, label) VALUES (?, ?)`,
			data.CellID, label); err != nil {
			return err
		}
	}
	for _, label := range data.Remove {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cell_labels WHERE cell_id = ? AND label = ?`,
			data.CellID, label); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `UPDATE cells SET updated_at = ? WHERE id = ?`,
		store.FormatMS(ev.TimestampMS), data.CellID)
	return err
}

func (p *Projector) applyDependencyAdded(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.DependencyAddedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO cell_dependencies (cell_id, depends_on_id, relationship, created_at)
		VALUES (?, ?, ?, ?)`,
		data.CellID, data.DependsOnID, data.Relationship, ts); err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}

	if data.Relationship != "blocks" {
		return nil
	}
	return recomputeAround(ctx, tx, ev.ProjectKey, data.CellID, ts)
}

func (p *Projector) applyDependencyRemoved(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.DependencyRemovedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cell_dependencies
		WHERE cell_id = ? AND depends_on_id = ? AND relationship = ?`,
		data.CellID, data.DependsOnID, data.Relationship); err != nil {
		return fmt.Errorf("delete dependency: %w", err)
	}

	if data.Relationship != "blocks" {
		return nil
	}
	return recomputeAround(ctx, tx, ev.ProjectKey, data.CellID, ts)
}

func (p *Projector) applyEpicCreated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.EpicCreatedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO cells (id, project_key, title, description, issue_type, status, priority,
			created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'epic', 'open', ?, ?, ?, ?)`,
		data.EpicID, ev.ProjectKey, data.Title, data.Description, data.Priority,
		data.CreatedBy, ts, ts)
	if err != nil {
		return fmt.Errorf("insert epic: %w", err)
	}

	for _, st := range data.Subtasks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cells (id, project_key, title, description, issue_type, status, priority,
				parent_id, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'task', 'open', ?, ?, ?, ?, ?)`,
			st.CellID, ev.ProjectKey, st.Title, st.Description, st.Priority,
			data.EpicID, data.CreatedBy, ts, ts)
		if err != nil {
			return fmt.Errorf("insert subtask %s: %w", st.CellID, err)
		}
	}

	// Dependency indices point strictly backward, so the edges form a
	// DAG by construction.
	for i, st := range data.Subtasks {
		for _, j := range st.DependsOn {
			if j < 0 || j >= i {
				return &swarmerr.ProjectionError{
					EventType: ev.Type, EventID: ev.EventID,
					Err: fmt.Errorf("subtask %d has non-backward dependency index %d", i, j),
				}
			}
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO cell_dependencies (cell_id, depends_on_id, relationship, created_at)
				VALUES (?, ?, 'blocks', ?)`,
				st.CellID, data.Subtasks[j].CellID, ts)
			if err != nil {
				return fmt.Errorf("insert subtask dependency: %w", err)
			}
		}
	}

	for _, st := range data.Subtasks {
		if err := recomputeBlocked(ctx, tx, ev.ProjectKey, st.CellID, ts); err != nil {
			return err
		}
	}
	return nil
}
