package hive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/projection"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Dependency relationships. Only blocks affects readiness; the others
// carry provenance.
const (
	RelBlocks         = "blocks"
	RelRelated        = "related"
	RelDiscoveredFrom = "discovered-from"
)

// maxWalkDepth bounds reachability walks over the dependency graph.
const maxWalkDepth = 100

var validRelationships = map[string]bool{
	RelBlocks: true, RelRelated: true, RelDiscoveredFrom: true,
}

// Edge is one dependency edge with the far endpoint's title and status
// joined in for display.
type Edge struct {
	CellID       string `json:"cell_id"`
	DependsOnID  string `json:"depends_on_id"`
	Relationship string `json:"relationship"`
	Title        string `json:"title"`
	Status       string `json:"status"`
}

// AddDependency records that from depends on to. The edge is rejected
// when it already exists or when it would close a cycle over any
// relationship kind, not only blocks: the graph stays a DAG as a whole.
func (h *Hive) AddDependency(ctx context.Context, from, to, relationship, actor string) error {
	const op = "hive.dependency"
	if relationship == "" {
		relationship = RelBlocks
	}
	if !validRelationships[relationship] {
		return &swarmerr.ValidationError{Op: op, Msg: fmt.Sprintf("invalid relationship %q", relationship)}
	}
	fromID, err := h.ResolveID(ctx, from)
	if err != nil {
		return err
	}
	toID, err := h.ResolveID(ctx, to)
	if err != nil {
		return err
	}
	if fromID == toID {
		return &swarmerr.ConflictError{
			Op:        op,
			Msg:       "cell cannot depend on itself",
			CyclePath: []string{fromID, toID},
		}
	}

	err = h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		for _, id := range []string{fromID, toID} {
			if err := h.requireLive(ctx, tx, op, id); err != nil {
				return err
			}
		}

		var n int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(cell_id) FROM cell_dependencies
			WHERE cell_id = ? AND depends_on_id = ? AND relationship = ?`,
			fromID, toID, relationship).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return &swarmerr.ConflictError{
				Op:  op,
				Msg: fmt.Sprintf("%s already depends on %s (%s)", fromID, toID, relationship),
			}
		}

		if path, err := h.findCycle(ctx, tx, fromID, toID); err != nil {
			return err
		} else if path != "" {
			return &swarmerr.ConflictError{
				Op:        op,
				Msg:       "dependency would create a cycle",
				CyclePath: strings.Split(path, " -> "),
			}
		}

		ev, err := event.New(h.log.Project(), event.TypeDependencyAdded, event.DependencyAddedData{
			CellID: fromID, DependsOnID: toID, Relationship: relationship, Actor: actor,
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
	h.logger.Debug("added dependency", "from", fromID, "to", toID, "relationship", relationship)
	h.maybeSnapshot(ctx)
	return nil
}

// findCycle walks the graph from toID and reports the path back to
// fromID, or "" when adding the edge is safe. The walk is seeded with
// the candidate edge so the reported path reads from -> to -> ... -> from.
func (h *Hive) findCycle(ctx context.Context, tx *sql.Tx, fromID, toID string) (string, error) {
	var path string
	err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE walk(id, path, depth) AS (
			SELECT ?, ?, 0
			UNION ALL
			SELECT d.depends_on_id, w.path || ' -> ' || d.depends_on_id, w.depth + 1
			FROM cell_dependencies d
			JOIN walk w ON d.cell_id = w.id
			WHERE w.depth < ?
		)
		SELECT path FROM walk WHERE id = ? LIMIT 1`,
		toID, fromID+" -> "+toID, maxWalkDepth, fromID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return path, err
}

// RemoveDependency deletes an edge. A missing edge is a not-found error
// so callers learn their mental model is stale.
func (h *Hive) RemoveDependency(ctx context.Context, from, to, relationship, actor string) error {
	const op = "hive.dependency"
	if relationship == "" {
		relationship = RelBlocks
	}
	fromID, err := h.ResolveID(ctx, from)
	if err != nil {
		return err
	}
	toID, err := h.ResolveID(ctx, to)
	if err != nil {
		return err
	}

	err = h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(cell_id) FROM cell_dependencies
			WHERE cell_id = ? AND depends_on_id = ? AND relationship = ?`,
			fromID, toID, relationship).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return &swarmerr.NotFoundError{
				Op: op, Kind: "dependency",
				ID: fmt.Sprintf("%s -> %s (%s)", fromID, toID, relationship),
			}
		}
		ev, err := event.New(h.log.Project(), event.TypeDependencyRemoved, event.DependencyRemovedData{
			CellID: fromID, DependsOnID: toID, Relationship: relationship, Actor: actor,
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

// Dependencies lists what a cell depends on.
func (h *Hive) Dependencies(ctx context.Context, id string) ([]Edge, error) {
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.edges(ctx, `
		SELECT d.cell_id, d.depends_on_id, d.relationship, c.title, c.status
		FROM cell_dependencies d JOIN cells c ON c.id = d.depends_on_id
		WHERE d.cell_id = ?
		ORDER BY d.relationship, d.depends_on_id`, cellID)
}

// Dependents lists the cells that depend on this one.
func (h *Hive) Dependents(ctx context.Context, id string) ([]Edge, error) {
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.edges(ctx, `
		SELECT d.cell_id, d.depends_on_id, d.relationship, c.title, c.status
		FROM cell_dependencies d JOIN cells c ON c.id = d.cell_id
		WHERE d.depends_on_id = ?
		ORDER BY d.relationship, d.cell_id`, cellID)
}

func (h *Hive) edges(ctx context.Context, query, cellID string) ([]Edge, error) {
	rows, err := h.log.Store().QueryContext(ctx, query, cellID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.CellID, &e.DependsOnID, &e.Relationship, &e.Title, &e.Status); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// IsBlocked reports whether the cell has at least one open blocker.
func (h *Hive) IsBlocked(ctx context.Context, id string) (bool, error) {
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return false, err
	}
	var n int
	err = h.log.Store().QueryRowContext(ctx,
		`SELECT COUNT(cell_id) FROM blocked_cells WHERE cell_id = ?`, cellID).Scan(&n)
	return n > 0, err
}

// Blockers returns the ids of the cell's open blockers, sorted.
func (h *Hive) Blockers(ctx context.Context, id string) ([]string, error) {
	cellID, err := h.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	var raw string
	err = h.log.Store().QueryRowContext(ctx,
		`SELECT blockers FROM blocked_cells WHERE cell_id = ?`, cellID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var blockers []string
	if err := json.Unmarshal([]byte(raw), &blockers); err != nil {
		return nil, fmt.Errorf("decode blockers for %s: %w", cellID, err)
	}
	return blockers, nil
}

// RebuildBlockedCache recomputes the blocked cache for the whole
// project from the dependency graph and returns how many cells are
// blocked. Normal operation maintains the cache incrementally; this is
// the recovery path after external imports or suspected drift.
func (h *Hive) RebuildBlockedCache(ctx context.Context) (int, error) {
	var blocked int
	err := h.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		var err error
		blocked, err = projection.RebuildBlocked(ctx, tx, h.log.Project(), store.FormatTime(time.Now()))
		return err
	})
	if err != nil {
		return 0, err
	}
	h.logger.Info("rebuilt blocked cache", "blocked", blocked)
	return blocked, nil
}
