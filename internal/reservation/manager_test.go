package reservation_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/projection"
	"github.com/hexframe/swarmmail/internal/reservation"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

const project = "proj-test"

func newManager(t *testing.T) (*store.Store, *reservation.Manager) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	log := event.NewLog(s, project, projection.New(nil), nil)
	return s, reservation.NewManager(log, config.Default().Reservation, nil)
}

func reserve(t *testing.T, mgr *reservation.Manager, agent string, paths ...string) *reservation.ReserveResult {
	t.Helper()
	res, err := mgr.Reserve(context.Background(), reservation.ReserveRequest{
		AgentName: agent, Paths: paths,
	})
	require.NoError(t, err)
	return res
}

func TestReserveGrantsAllPaths(t *testing.T) {
	_, mgr := newManager(t)
	ctx := context.Background()

	res := reserve(t, mgr, "worker_1", "src/auth/*.go", "docs/auth.md")
	require.Len(t, res.Granted, 2)
	assert.Empty(t, res.Conflicts)
	for _, r := range res.Granted {
		assert.Equal(t, "worker_1", r.AgentName)
		assert.True(t, r.Exclusive)
		assert.True(t, r.ExpiresAt.After(time.Now()))
	}

	active, err := mgr.ActiveFor(ctx, "worker_1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, res.Granted[0].ID, active[0].ID)
}

func TestReserveConflictGrantsNothing(t *testing.T) {
	_, mgr := newManager(t)
	ctx := context.Background()

	reserve(t, mgr, "worker_1", "src/auth/*.go")

	res := reserve(t, mgr, "worker_2", "src/auth/login.go", "docs/readme.md")
	assert.Empty(t, res.Granted)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "src/auth/login.go", res.Conflicts[0].Path)
	assert.Equal(t, "worker_1", res.Conflicts[0].Holder)
	assert.Equal(t, "src/auth/*.go", res.Conflicts[0].HolderPattern)

	active, err := mgr.ActiveFor(ctx, "worker_2")
	require.NoError(t, err)
	assert.Empty(t, active)

	// Once the holder releases, the same request goes through.
	_, err = mgr.Release(ctx, "worker_1", reservation.ReleaseOptions{})
	require.NoError(t, err)

	res = reserve(t, mgr, "worker_2", "src/auth/login.go", "docs/readme.md")
	assert.Len(t, res.Granted, 2)
	assert.Empty(t, res.Conflicts)
}

func TestSharedReservationsCoexist(t *testing.T) {
	_, mgr := newManager(t)
	ctx := context.Background()

	for _, agent := range []string{"reader_1", "reader_2"} {
		res, err := mgr.Reserve(ctx, reservation.ReserveRequest{
			AgentName: agent, Paths: []string{"src/shared.go"}, Shared: true,
		})
		require.NoError(t, err)
		require.Len(t, res.Granted, 1, "agent %s", agent)
	}

	res, err := mgr.Reserve(ctx, reservation.ReserveRequest{
		AgentName: "writer", Paths: []string{"src/shared.go"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Granted)
	assert.Len(t, res.Conflicts, 2)
}

func TestReserveIgnoresOwnHoldings(t *testing.T) {
	_, mgr := newManager(t)

	reserve(t, mgr, "worker_1", "src/**")
	res := reserve(t, mgr, "worker_1", "src/deep/file.go")
	assert.Len(t, res.Granted, 1)
	assert.Empty(t, res.Conflicts)
}

func TestReleaseByPathThenAll(t *testing.T) {
	_, mgr := newManager(t)
	ctx := context.Background()

	reserve(t, mgr, "worker_1", "a.go", "b.go", "c.go")

	n, err := mgr.Release(ctx, "worker_1", reservation.ReleaseOptions{Paths: []string{"a.go"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = mgr.Release(ctx, "worker_1", reservation.ReleaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := mgr.ActiveFor(ctx, "worker_1")
	require.NoError(t, err)
	assert.Empty(t, active)

	// Nothing left: no-op, no event.
	n, err = mgr.Release(ctx, "worker_1", reservation.ReleaseOptions{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReleaseByIDOnlyTouchesOwnRows(t *testing.T) {
	_, mgr := newManager(t)
	ctx := context.Background()

	theirs := reserve(t, mgr, "worker_1", "a.go")
	n, err := mgr.Release(ctx, "worker_2", reservation.ReleaseOptions{
		ReservationIDs: []string{theirs.Granted[0].ID},
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	active, err := mgr.ActiveFor(ctx, "worker_1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestExpiredRowsAreSweptOnNextReserve(t *testing.T) {
	s, mgr := newManager(t)
	ctx := context.Background()
	log := event.NewLog(s, project, projection.New(nil), nil)

	ev, err := event.New(project, event.TypeFileReserved, event.FileReservedData{
		AgentName:   "stale",
		Paths:       []string{"src/old.go"},
		Exclusive:   true,
		ExpiresAtMS: time.Now().Add(-time.Minute).UnixMilli(),
	})
	require.NoError(t, err)
	_, err = log.Append(ctx, ev)
	require.NoError(t, err)

	res := reserve(t, mgr, "worker_1", "src/old.go")
	require.Len(t, res.Granted, 1)
	assert.Empty(t, res.Conflicts)

	var released sql.NullString
	require.NoError(t, s.QueryRowContext(ctx, `
		SELECT released_at FROM reservations
		WHERE project_key = ? AND agent_name = 'stale'`, project).Scan(&released))
	assert.True(t, released.Valid, "sweep should have released the expired row")
}

func TestConflictsForProbesWithoutWriting(t *testing.T) {
	_, mgr := newManager(t)
	ctx := context.Background()

	reserve(t, mgr, "worker_1", "src/**")

	conflicts, err := mgr.ConflictsFor(ctx, []string{"src/x.go"}, "")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "worker_1", conflicts[0].Holder)

	conflicts, err = mgr.ConflictsFor(ctx, []string{"src/x.go"}, "worker_1")
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	active, err := mgr.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestAdminReleasePaths(t *testing.T) {
	_, mgr := newManager(t)
	ctx := context.Background()

	reserve(t, mgr, "worker_1", "a.go")
	reserve(t, mgr, "worker_2", "b.go")

	n, err := mgr.ReleaseAgent(ctx, "coordinator_1", "worker_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := mgr.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "worker_2", active[0].AgentName)

	n, err = mgr.ReleaseAll(ctx, "coordinator_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err = mgr.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReserveValidation(t *testing.T) {
	_, mgr := newManager(t)
	ctx := context.Background()

	_, err := mgr.Reserve(ctx, reservation.ReserveRequest{Paths: []string{"a.go"}})
	assert.True(t, swarmerr.IsValidation(err))

	_, err = mgr.Reserve(ctx, reservation.ReserveRequest{AgentName: "worker_1"})
	assert.True(t, swarmerr.IsValidation(err))

	_, err = mgr.Reserve(ctx, reservation.ReserveRequest{AgentName: "worker_1", Paths: []string{"src/[oops"}})
	assert.True(t, swarmerr.IsValidation(err))

	_, err = mgr.Release(ctx, "worker_1", reservation.ReleaseOptions{
		Paths: []string{"a.go"}, ReservationIDs: []string{"res_1_0"},
	})
	assert.True(t, swarmerr.IsValidation(err))
}
