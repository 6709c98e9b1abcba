package event

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hexframe/swarmmail/internal/store"
)

// Cursor returns the stored position for a named checkpoint on this
// project's stream, or 0 when none has been saved.
func (l *Log) Cursor(ctx context.Context, checkpoint string) (int64, error) {
	var pos int64
	err := l.store.QueryRowContext(ctx,
		`SELECT position FROM cursors WHERE stream = ? AND checkpoint = ?`,
		l.project, checkpoint).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return pos, nil
}

// SaveCursor records how far a consumer has read. Positions only move
// forward; a stale save is ignored.
func (l *Log) SaveCursor(ctx context.Context, checkpoint string, position int64) error {
	_, err := l.store.ExecContext(ctx, `
		INSERT INTO cursors (stream, checkpoint, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream, checkpoint) DO UPDATE SET
			position = MAX(position, excluded.position),
			updated_at = excluded.updated_at`,
		l.project, checkpoint, position, store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
