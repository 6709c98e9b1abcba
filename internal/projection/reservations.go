package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/store"
)

// ReservationID is deterministic: event row id plus path position.
// Replay assigns the same ids, which matters because release events
// reference them.
func ReservationID(eventID int64, index int) string {
	return fmt.Sprintf("res_%d_%d", eventID, index)
}

func (p *Projector) applyFileReserved(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.FileReservedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)
	expires := store.FormatMS(data.ExpiresAtMS)

	for i, path := range data.Paths {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (id, project_key, agent_name, path_pattern, exclusive, reason, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ReservationID(ev.ID, i), ev.ProjectKey, data.AgentName, path,
			boolToInt(data.Exclusive), data.Reason, ts, expires)
		if err != nil {
			return fmt.Errorf("insert reservation for %s: %w", path, err)
		}
	}
	return nil
}

func (p *Projector) applyFileReleased(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.FileReleasedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	switch {
	case len(data.ReservationIDs) > 0:
		placeholders := strings.Repeat("?,", len(data.ReservationIDs))
		args := []any{ts, ev.ProjectKey}
		for _, id := range data.ReservationIDs {
			args = append(args, id)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE reservations SET released_at = ?
			WHERE project_key = ? AND released_at IS NULL
			  AND id IN (`+placeholders[:len(placeholders)-1]+`)`, args...)
		if err != nil {
			return fmt.Errorf("release by id: %w", err)
		}

	case data.ReleaseAll && data.TargetAgent == "":
		_, err := tx.ExecContext(ctx, `
			UPDATE reservations SET released_at = ?
			WHERE project_key = ? AND released_at IS NULL`, ts, ev.ProjectKey)
		if err != nil {
			return fmt.Errorf("release all: %w", err)
		}

	case data.TargetAgent != "":
		_, err := tx.ExecContext(ctx, `
			UPDATE reservations SET released_at = ?
			WHERE project_key = ? AND agent_name = ? AND released_at IS NULL`,
			ts, ev.ProjectKey, data.TargetAgent)
		if err != nil {
			return fmt.Errorf("release agent: %w", err)
		}

	case len(data.Paths) > 0:
		placeholders := strings.Repeat("?,", len(data.Paths))
		args := []any{ts, ev.ProjectKey, data.AgentName}
		for _, path := range data.Paths {
			args = append(args, path)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE reservations SET released_at = ?
			WHERE project_key = ? AND agent_name = ? AND released_at IS NULL
			  AND path_pattern IN (`+placeholders[:len(placeholders)-1]+`)`, args...)
		if err != nil {
			return fmt.Errorf("release paths: %w", err)
		}

	default:
		_, err := tx.ExecContext(ctx, `
			UPDATE reservations SET released_at = ?
			WHERE project_key = ? AND agent_name = ? AND released_at IS NULL`,
			ts, ev.ProjectKey, data.AgentName)
		if err != nil {
			return fmt.Errorf("release for agent: %w", err)
		}
	}
	return nil
}
