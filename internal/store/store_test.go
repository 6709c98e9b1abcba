package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openStore(t)

	for _, table := range []string{
		"events", "agents", "messages", "message_recipients",
		"reservations", "cells", "cell_dependencies", "blocked_cells",
		"decision_traces", "entity_links", "swarm_contexts", "review_states",
		"memories", "memory_entities", "memory_entity_links", "memory_links",
		"locks", "cursors",
	} {
		var name string
		err := s.QueryRowContext(context.Background(),
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")

	s1, err := store.Open(context.Background(), path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := store.Open(context.Background(), path, nil)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	current, latest, err := store.SchemaVersion(s2.DB())
	require.NoError(t, err)
	assert.Equal(t, latest, current)
	assert.GreaterOrEqual(t, latest, int64(2))
}

func TestTransactRollsBackOnError(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := s.Transact(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cursors (stream, checkpoint, position, updated_at) VALUES ('a', 'b', 1, ?)`,
			store.FormatTime(time.Now()))
		require.NoError(t, err)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	var n int
	require.NoError(t, s.QueryRowContext(ctx, `SELECT COUNT(stream) FROM cursors`).Scan(&n))
	assert.Zero(t, n)
}

func TestFTSTriggersTrackMemories(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := store.FormatTime(time.Now())
	_, err := s.ExecContext(ctx,
		`INSERT INTO memories (id, content, created_at) VALUES ('mem_1', 'prefer table driven tests', ?)`, now)
	require.NoError(t, err)

	var id string
	err = s.QueryRowContext(ctx,
		`SELECT m.id FROM memories_fts f JOIN memories m ON m.rowid = f.rowid WHERE memories_fts MATCH '"table"'`).Scan(&id)
	require.NoError(t, err)
	assert.Equal(t, "mem_1", id)

	_, err = s.ExecContext(ctx, `DELETE FROM memories WHERE id = 'mem_1'`)
	require.NoError(t, err)

	var n int
	require.NoError(t, s.QueryRowContext(ctx,
		`SELECT COUNT(rowid) FROM memories_fts WHERE memories_fts MATCH '"table"'`).Scan(&n))
	assert.Zero(t, n)
}

func TestVec0KNN(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.ExecContext(ctx, `CREATE VIRTUAL TABLE vec_probe USING vec0(
		id TEXT PRIMARY KEY,
		embedding FLOAT[3] distance_metric=cosine
	)`)
	require.NoError(t, err)

	insert := func(id string, v []float32) {
		_, err := s.ExecContext(ctx, `INSERT INTO vec_probe (id, embedding) VALUES (?, ?)`,
			id, store.EncodeVector(v))
		require.NoError(t, err)
	}
	insert("east", []float32{1, 0, 0})
	insert("north", []float32{0, 1, 0})

	var id string
	var distance float64
	err = s.QueryRowContext(ctx,
		`SELECT id, distance FROM vec_probe WHERE embedding MATCH ? AND k = 1 ORDER BY distance`,
		store.EncodeVector([]float32{0.9, 0.1, 0})).Scan(&id, &distance)
	require.NoError(t, err)
	assert.Equal(t, "east", id)
	assert.Less(t, distance, 0.1)
}

func TestFormatTimeIsLexicographic(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Hour),
	}
	for i := 1; i < len(times); i++ {
		prev := store.FormatTime(times[i-1])
		cur := store.FormatTime(times[i])
		assert.Less(t, prev, cur)
		assert.Len(t, cur, len(prev), "fixed width")
	}

	// Non-UTC input normalizes to UTC.
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t,
		store.FormatTime(base),
		store.FormatTime(base.In(est)))

	parsed, err := store.ParseTime(store.FormatTime(base))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(base))
}

func TestBackupProducesStandaloneCopy(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.ExecContext(ctx,
		`INSERT INTO cursors (stream, checkpoint, position, updated_at) VALUES ('proj', 'tail', 42, ?)`,
		store.FormatTime(time.Now()))
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, s.Backup(ctx, dst))

	err = s.Backup(ctx, dst)
	require.ErrorIs(t, err, swarmerr.ErrValidation, "existing destination is refused")

	restored, err := store.Open(ctx, dst, nil)
	require.NoError(t, err)
	defer func() { _ = restored.Close() }()

	var pos int64
	require.NoError(t, restored.QueryRowContext(ctx,
		`SELECT position FROM cursors WHERE stream = 'proj' AND checkpoint = 'tail'`).Scan(&pos))
	assert.Equal(t, int64(42), pos)
}

func TestRetryWithBackoff(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{
			name:      "busy clears after two attempts",
			failures:  2,
			err:       errors.New("database is locked (5) (SQLITE_BUSY)"),
			wantCalls: 3,
		},
		{
			name:      "unique violation is permanent",
			failures:  1,
			err:       errors.New("constraint failed: UNIQUE constraint failed: events.event_id (2067)"),
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "plain errors are permanent",
			failures:  1,
			err:       errors.New("no such table: nope"),
			wantCalls: 1,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := store.RetryWithBackoff(func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			if tt.wantErr {
				require.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75, 0}
	blob := store.EncodeVector(vec)
	require.Len(t, blob, 16)

	back, err := store.DecodeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, vec, back)

	_, err = store.DecodeVector([]byte{1, 2, 3})
	require.Error(t, err)
}
