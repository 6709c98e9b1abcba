package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// maxDepth bounds the recursive dependency walks. The graph is kept
// acyclic at write time, so the bound only guards against pathological
// chains.
const maxDepth = 100

// openBlockers returns the ids of all transitively open blockers of a
// cell, sorted. A blocker is open while its status is neither closed
// nor tombstone.
func openBlockers(ctx context.Context, tx *sql.Tx, cellID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE chain(id, depth) AS (
			SELECT depends_on_id, 1 FROM cell_dependencies
			WHERE cell_id = ? AND relationship = 'blocks'
			UNION
			SELECT d.depends_on_id, chain.depth + 1
			FROM cell_dependencies d JOIN chain ON d.cell_id = chain.id
			WHERE d.relationship = 'blocks' AND chain.depth < ?
		)
		SELECT DISTINCT c.id FROM chain JOIN cells c ON c.id = chain.id
		WHERE c.status NOT IN ('closed', 'tombstone')
		ORDER BY c.id`, cellID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("walk blockers of %s: %w", cellID, err)
	}
	defer func() { _ = rows.Close() }()

	var blockers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		blockers = append(blockers, id)
	}
	return blockers, rows.Err()
}

// blocksDependents returns every cell that transitively blocks-depends
// on cellID. Their cache rows are the ones invalidated when cellID
// changes status or edges.
func blocksDependents(ctx context.Context, tx *sql.Tx, cellID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE chain(id, depth) AS (
			SELECT cell_id, 1 FROM cell_dependencies
			WHERE depends_on_id = ? AND relationship = 'blocks'
			UNION
			SELECT d.cell_id, chain.depth + 1
			FROM cell_dependencies d JOIN chain ON d.depends_on_id = chain.id
			WHERE d.relationship = 'blocks' AND chain.depth < ?
		)
		SELECT DISTINCT id FROM chain ORDER BY id`, cellID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("walk dependents of %s: %w", cellID, err)
	}
	defer func() { _ = rows.Close() }()

	var dependents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dependents = append(dependents, id)
	}
	return dependents, rows.Err()
}

// recomputeBlocked refreshes one cell's cache row: present with the
// sorted blocker set when blocked, absent otherwise.
func recomputeBlocked(ctx context.Context, tx *sql.Tx, projectKey, cellID, at string) error {
	blockers, err := openBlockers(ctx, tx, cellID)
	if err != nil {
		return err
	}

	if len(blockers) == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM blocked_cells WHERE cell_id = ?`, cellID)
		return err
	}

	blob, err := json.Marshal(blockers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO blocked_cells (cell_id, project_key, blockers, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cell_id) DO UPDATE SET
			blockers = excluded.blockers,
			computed_at = excluded.computed_at`,
		cellID, projectKey, string(blob), at)
	return err
}

// recomputeAround refreshes the cache for a cell and everything that
// transitively depends on it.
func recomputeAround(ctx context.Context, tx *sql.Tx, projectKey, cellID, at string) error {
	if err := recomputeBlocked(ctx, tx, projectKey, cellID, at); err != nil {
		return err
	}
	dependents, err := blocksDependents(ctx, tx, cellID)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if err := recomputeBlocked(ctx, tx, projectKey, dep, at); err != nil {
			return err
		}
	}
	return nil
}

// RebuildBlocked recomputes the whole cache for a project from the
// dependency graph. Used by the repair path; normal maintenance is
// incremental.
func RebuildBlocked(ctx context.Context, tx *sql.Tx, projectKey, at string) (int, error) {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM blocked_cells WHERE project_key = ?`, projectKey); err != nil {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT d.cell_id
		FROM cell_dependencies d JOIN cells c ON c.id = d.cell_id
		WHERE c.project_key = ? AND d.relationship = 'blocks'
		ORDER BY d.cell_id`, projectKey)
	if err != nil {
		return 0, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	blocked := 0
	for _, id := range candidates {
		if err := recomputeBlocked(ctx, tx, projectKey, id, at); err != nil {
			return blocked, err
		}
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(cell_id) FROM blocked_cells WHERE cell_id = ?`, id).Scan(&n); err != nil {
			return blocked, err
		}
		blocked += n
	}
	return blocked, nil
}
