package hive

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/hexframe/swarmmail/internal/identity"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Query filters cells. Zero values mean "any". Tombstones are excluded
// unless IncludeTombstones is set or the query names an exact ID.
type Query struct {
	ID                string
	Status            string
	IssueType         string
	ParentID          string
	Assignee          string
	Label             string
	Ready             bool
	IncludeTombstones bool
	Limit             int
}

const cellColumns = `
	c.id, c.title, c.description, c.issue_type, c.status, c.priority,
	c.parent_id, c.assignee, c.created_by, c.created_at, c.updated_at,
	c.closed_at, c.close_reason,
	CASE WHEN b.cell_id IS NULL THEN 0 ELSE 1 END`

const cellFrom = `
	FROM cells c
	LEFT JOIN blocked_cells b ON b.cell_id = c.id`

// QueryCells returns cells matching q, ordered by priority (0 first),
// then age, then id. Ready filters to open cells with no open blockers.
func (h *Hive) QueryCells(ctx context.Context, q Query) ([]Cell, error) {
	where := []string{"c.project_key = ?"}
	args := []any{h.log.Project()}

	if q.ID != "" {
		where = append(where, "c.id = ?")
		args = append(args, q.ID)
	} else if !q.IncludeTombstones {
		where = append(where, "c.status <> 'tombstone'")
	}
	if q.Status != "" {
		where = append(where, "c.status = ?")
		args = append(args, q.Status)
	}
	if q.IssueType != "" {
		where = append(where, "c.issue_type = ?")
		args = append(args, q.IssueType)
	}
	if q.ParentID != "" {
		where = append(where, "c.parent_id = ?")
		args = append(args, q.ParentID)
	}
	if q.Assignee != "" {
		where = append(where, "c.assignee = ?")
		args = append(args, q.Assignee)
	}
	if q.Label != "" {
		where = append(where, "EXISTS (SELECT 1 FROM cell_labels l WHERE l.cell_id = c.id AND l.label = ?)")
		args = append(args, q.Label)
	}
	if q.Ready {
		where = append(where, "c.status = 'open'", "b.cell_id IS NULL")
	}

	query := "SELECT" + cellColumns + cellFrom +
		" WHERE " + strings.Join(where, " AND ") +
		" ORDER BY c.priority ASC, c.created_at ASC, c.id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := h.log.Store().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cells []Cell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, *cell)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := h.attachLabels(ctx, cells); err != nil {
		return nil, err
	}
	return cells, nil
}

// Ready returns the ready front: open cells with no open blockers, best
// first.
func (h *Hive) Ready(ctx context.Context, limit int) ([]Cell, error) {
	return h.QueryCells(ctx, Query{Ready: true, Limit: limit})
}

// Get returns one cell, resolving partial ids.
func (h *Hive) Get(ctx context.Context, id string) (*Cell, error) {
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	row := h.log.Store().QueryRowContext(ctx,
		"SELECT"+cellColumns+cellFrom+" WHERE c.id = ?", cellID)
	cell, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &swarmerr.NotFoundError{Op: "hive.get", Kind: "cell", ID: cellID}
	}
	if err != nil {
		return nil, err
	}
	cell.Labels, err = h.labelsFor(ctx, cellID)
	if err != nil {
		return nil, err
	}
	return cell, nil
}

// getTx reads one cell inside a transaction, without labels.
func (h *Hive) getTx(ctx context.Context, tx *sql.Tx, cellID string) (*Cell, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT"+cellColumns+cellFrom+" WHERE c.id = ?", cellID)
	cell, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &swarmerr.NotFoundError{Op: "hive.get", Kind: "cell", ID: cellID}
	}
	return cell, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCell(row rowScanner) (*Cell, error) {
	var c Cell
	var parent, closedAt sql.NullString
	var createdAt, updatedAt string
	var blocked int
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.IssueType, &c.Status,
		&c.Priority, &parent, &c.Assignee, &c.CreatedBy, &createdAt, &updatedAt,
		&closedAt, &c.CloseReason, &blocked)
	if err != nil {
		return nil, err
	}
	c.ParentID = parent.String
	if c.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	if closedAt.Valid && closedAt.String != "" {
		t := store.NullTimeString(closedAt)
		c.ClosedAt = &t
	}
	c.Blocked = blocked == 1
	return &c, nil
}

func (h *Hive) labelsFor(ctx context.Context, cellID string) ([]string, error) {
	return store.QueryStrings(ctx, h.log.Store(),
		`SELECT label FROM cell_labels WHERE cell_id = ? ORDER BY label`, cellID)
}

// attachLabels fills Labels for a result set in one query.
func (h *Hive) attachLabels(ctx context.Context, cells []Cell) error {
	if len(cells) == 0 {
		return nil
	}
	index := make(map[string]int, len(cells))
	placeholders := make([]string, len(cells))
	args := make([]any, len(cells))
	for i, c := range cells {
		index[c.ID] = i
		placeholders[i] = "?"
		args[i] = c.ID
	}
	rows, err := h.log.Store().QueryContext(ctx, `
		SELECT cell_id, label FROM cell_labels
		WHERE cell_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY label`, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			return err
		}
		if i, ok := index[id]; ok {
			cells[i].Labels = append(cells[i].Labels, label)
		}
	}
	return rows.Err()
}

// ResolveID turns a full id, the trailing hash segment, or any
// unambiguous substring into a cell id. Ambiguity is a conflict carrying
// the candidates.
func (h *Hive) ResolveID(ctx context.Context, partial string) (string, error) {
	const op = "hive.resolve"
	if partial == "" {
		return "", &swarmerr.ValidationError{Op: op, Msg: "cell id is required"}
	}

	var exact string
	err := h.log.Store().QueryRowContext(ctx,
		`SELECT id FROM cells WHERE project_key = ? AND id = ?`,
		h.log.Project(), partial).Scan(&exact)
	if err == nil {
		return exact, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	candidates, err := store.QueryStrings(ctx, h.log.Store(), `
		SELECT id FROM cells
		WHERE project_key = ? AND id LIKE '%' || ? || '%'
		ORDER BY id LIMIT 20`, h.log.Project(), partial)
	if err != nil {
		return "", err
	}
	switch len(candidates) {
	case 0:
		return "", &swarmerr.NotFoundError{Op: op, Kind: "cell", ID: partial}
	case 1:
		return candidates[0], nil
	}

	// Prefer a unique hash-segment match, then a unique suffix, then a
	// unique prefix before declaring the reference ambiguous.
	narrowers := []func(string) bool{
		func(id string) bool { return identity.CellIDHash(id) == partial },
		func(id string) bool { return strings.HasSuffix(id, partial) },
		func(id string) bool { return strings.HasPrefix(id, partial) },
	}
	for _, match := range narrowers {
		var kept []string
		for _, id := range candidates {
			if match(id) {
				kept = append(kept, id)
			}
		}
		if len(kept) == 1 {
			return kept[0], nil
		}
	}
	return "", &swarmerr.ConflictError{
		Op:         op,
		Msg:        "ambiguous cell id " + partial,
		Candidates: candidates,
	}
}

// Stats summarizes the project's cells.
type Stats struct {
	Open       int `json:"open"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Closed     int `json:"closed"`
	Tombstone  int `json:"tombstone"`
	Total      int `json:"total"`
	Ready      int `json:"ready"`
	// BlockedByDeps counts cells with at least one open blocker,
	// whatever their own status.
	BlockedByDeps int `json:"blocked_by_deps"`
}

// Stats counts cells by status plus the ready front and the blocked
// cache. Total excludes tombstones.
func (h *Hive) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	rows, err := h.log.Store().QueryContext(ctx, `
		SELECT status, COUNT(id) FROM cells
		WHERE project_key = ? GROUP BY status`, h.log.Project())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case StatusOpen:
			stats.Open = n
		case StatusInProgress:
			stats.InProgress = n
		case StatusBlocked:
			stats.Blocked = n
		case StatusClosed:
			stats.Closed = n
		case StatusTombstone:
			stats.Tombstone = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats.Total = stats.Open + stats.InProgress + stats.Blocked + stats.Closed

	err = h.log.Store().QueryRowContext(ctx, `
		SELECT COUNT(c.id) FROM cells c
		WHERE c.project_key = ? AND c.status = 'open'
		  AND NOT EXISTS (SELECT 1 FROM blocked_cells b WHERE b.cell_id = c.id)`,
		h.log.Project()).Scan(&stats.Ready)
	if err != nil {
		return nil, err
	}
	err = h.log.Store().QueryRowContext(ctx,
		`SELECT COUNT(cell_id) FROM blocked_cells WHERE project_key = ?`,
		h.log.Project()).Scan(&stats.BlockedByDeps)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
