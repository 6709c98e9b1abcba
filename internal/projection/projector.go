// Package projection turns events into queryable tables. Handlers run
// inside the append transaction and derive every stored value from event
// content alone, never from the clock, so replaying the log into empty
// tables reproduces them exactly.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Projector applies events to projection tables. It is stateless; all
// context comes from the transaction.
type Projector struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Projector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Projector{logger: logger.With("component", "projector")}
}

// Apply routes one event to its handler. Unknown types are skipped so
// logs written by newer versions still replay.
func (p *Projector) Apply(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var err error
	switch ev.Type {
	case event.TypeAgentRegistered:
		err = p.applyAgentRegistered(ctx, tx, ev)
	case event.TypeAgentActive:
		err = p.applyAgentActive(ctx, tx, ev)
	case event.TypeMessageSent:
		err = p.applyMessageSent(ctx, tx, ev)
	case event.TypeMessageRead:
		err = p.applyMessageRead(ctx, tx, ev)
	case event.TypeMessageAcked:
		err = p.applyMessageAcked(ctx, tx, ev)
	case event.TypeFileReserved:
		err = p.applyFileReserved(ctx, tx, ev)
	case event.TypeFileReleased:
		err = p.applyFileReleased(ctx, tx, ev)
	case event.TypeCellCreated:
		err = p.applyCellCreated(ctx, tx, ev)
	case event.TypeCellUpdated:
		err = p.applyCellUpdated(ctx, tx, ev)
	case event.TypeCellStatusChanged:
		err = p.applyCellStatusChanged(ctx, tx, ev)
	case event.TypeCellClosed:
		err = p.applyCellClosed(ctx, tx, ev)
	case event.TypeCellDeleted:
		err = p.applyCellDeleted(ctx, tx, ev)
	case event.TypeCellImported:
		err = p.applyCellImported(ctx, tx, ev)
	case event.TypeCellCommented:
		err = p.applyCellCommented(ctx, tx, ev)
	case event.TypeCellLabeled:
		err = p.applyCellLabeled(ctx, tx, ev)
	case event.TypeDependencyAdded:
		err = p.applyDependencyAdded(ctx, tx, ev)
	case event.TypeDependencyRemoved:
		err = p.applyDependencyRemoved(ctx, tx, ev)
	case event.TypeEpicCreated:
		err = p.applyEpicCreated(ctx, tx, ev)
	case event.TypeSwarmCheckpointed:
		err = p.applySwarmCheckpointed(ctx, tx, ev)
	case event.TypeSwarmCompleted:
		// Outcome events live in the log only; decision traces point at
		// them through outcome_event_id.
	case event.TypeDecisionRecorded:
		err = p.applyDecisionRecorded(ctx, tx, ev)
	case event.TypeDecisionLinked:
		err = p.applyDecisionLinked(ctx, tx, ev)
	case event.TypeMemoryStored:
		err = p.applyMemoryStored(ctx, tx, ev)
	case event.TypeMemoryUpdated:
		err = p.applyMemoryUpdated(ctx, tx, ev)
	case event.TypeMemoryDeleted:
		err = p.applyMemoryDeleted(ctx, tx, ev)
	case event.TypeMemoryValidated:
		err = p.applyMemoryValidated(ctx, tx, ev)
	case event.TypeMemoryFound:
		// Recall audit only.
	default:
		p.logger.Warn("skipping unknown event type", "type", ev.Type, "id", ev.ID)
	}

	if err == nil {
		return nil
	}
	var perr *swarmerr.ProjectionError
	if errors.As(err, &perr) {
		return err
	}
	return &swarmerr.ProjectionError{EventType: ev.Type, EventID: ev.EventID, Err: err}
}

// Reset deletes every projected row for a project. Foreign key cascades
// clear the child tables. The global entity vocabulary stays: replaying
// memory_stored events re-references it idempotently.
func (p *Projector) Reset(ctx context.Context, tx *sql.Tx, projectKey string) error {
	stmts := []string{
		`DELETE FROM decision_traces WHERE project_key = ?`,
		`DELETE FROM swarm_contexts WHERE project_key = ?`,
		`DELETE FROM review_states WHERE project_key = ?`,
		`DELETE FROM reservations WHERE project_key = ?`,
		`DELETE FROM messages WHERE project_key = ?`,
		`DELETE FROM cells WHERE project_key = ?`,
		`DELETE FROM memories WHERE project_key = ?`,
		`DELETE FROM agents WHERE project_key = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, projectKey); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}
	return nil
}

// nullable returns a NULL-able column value for optional strings.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
