package session_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/hive"
	"github.com/hexframe/swarmmail/internal/memory"
	"github.com/hexframe/swarmmail/internal/session"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

const project = "session-test"

// stubEmbedder maps keywords onto fixed axes so recall scores are exact:
// matching keyword 1.0, orthogonal content 0.5.
type stubEmbedder struct{}

func (stubEmbedder) Dim() int { return 4 }

func (stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "sqlite"):
		return []float32{1, 0, 0, 0}, nil
	case strings.Contains(lower, "oauth"):
		return []float32{0, 0, 1, 0}, nil
	}
	return []float32{-1, 0, 0, 0}, nil
}

func openSession(t *testing.T, emb memory.Embedder) *session.Session {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := config.Default()
	cfg.Hive.SnapshotDir = t.TempDir()
	sess, err := session.Open(context.Background(), project, session.Options{
		Config:   cfg,
		DBPath:   filepath.Join(t.TempDir(), "db"),
		Embedder: emb,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestOpenValidation(t *testing.T) {
	_, err := session.Open(context.Background(), "", session.Options{})
	assert.ErrorIs(t, err, swarmerr.ErrValidation)
}

func TestComponentsWired(t *testing.T) {
	sess := openSession(t, nil)

	assert.Equal(t, project, sess.Project())
	assert.NotNil(t, sess.Config())
	assert.NotNil(t, sess.Events())
	assert.NotNil(t, sess.Locks())
	assert.NotNil(t, sess.Mailbox())
	assert.NotNil(t, sess.Reservations())
	assert.NotNil(t, sess.Hive())
	assert.NotNil(t, sess.Swarm())
	assert.NotNil(t, sess.Memory())
}

func TestSharedLog(t *testing.T) {
	sess := openSession(t, nil)
	ctx := context.Background()

	require.NoError(t, sess.RegisterAgent(ctx, session.RegisterRequest{Name: "amy"}))
	cell, err := sess.Hive().CreateCell(ctx, hive.CreateRequest{Title: "wire the session", CreatedBy: "amy"})
	require.NoError(t, err)
	require.NotNil(t, cell)

	events, err := sess.Events().Read(ctx, event.Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeAgentRegistered, events[0].Type)
	assert.Equal(t, event.TypeCellCreated, events[1].Type)
}

func TestRegisterAndListAgents(t *testing.T) {
	sess := openSession(t, nil)
	ctx := context.Background()

	require.NoError(t, sess.RegisterAgent(ctx, session.RegisterRequest{
		Name:            "zed",
		Program:         "claude-code",
		Model:           "opus",
		TaskDescription: "auth refactor",
	}))
	require.NoError(t, sess.RegisterAgent(ctx, session.RegisterRequest{Name: "amy"}))

	agents, err := sess.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "amy", agents[0].Name)
	assert.Equal(t, "zed", agents[1].Name)
	assert.Equal(t, "claude-code", agents[1].Program)
	assert.Equal(t, "opus", agents[1].Model)
	assert.Equal(t, "auth refactor", agents[1].TaskDescription)
	assert.False(t, agents[1].RegisteredAt.IsZero())

	// Re-registering refreshes metadata but keeps the original timestamp.
	first := agents[1].RegisteredAt
	require.NoError(t, sess.RegisterAgent(ctx, session.RegisterRequest{Name: "zed", Program: "aider"}))
	agents, err = sess.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "aider", agents[1].Program)
	assert.True(t, agents[1].RegisteredAt.Equal(first))
}

func TestRegisterValidation(t *testing.T) {
	sess := openSession(t, nil)

	for _, bad := range []string{"", "Worker", "all", "with-hyphen"} {
		err := sess.RegisterAgent(context.Background(), session.RegisterRequest{Name: bad})
		assert.ErrorIs(t, err, swarmerr.ErrValidation, "name %q", bad)
	}
}

func TestHeartbeat(t *testing.T) {
	sess := openSession(t, nil)
	ctx := context.Background()

	require.NoError(t, sess.RegisterAgent(ctx, session.RegisterRequest{Name: "worker_1"}))
	require.NoError(t, sess.Heartbeat(ctx, "worker_1"))

	agents, err := sess.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.False(t, agents[0].LastActiveAt.Before(agents[0].RegisteredAt))

	assert.ErrorIs(t, sess.Heartbeat(ctx, "not valid"), swarmerr.ErrValidation)
}

func TestRecall(t *testing.T) {
	sess := openSession(t, stubEmbedder{})
	ctx := context.Background()

	_, err := sess.Memory().Store(ctx, memory.StoreRequest{
		Content: "Always enable sqlite WAL mode before opening the event store",
	})
	require.NoError(t, err)

	// Orthogonal query scores 0.5, below the relevance floor.
	got, err := sess.Recall(ctx, "worker_1", "oauth token refresh")
	require.NoError(t, err)
	assert.Empty(t, got)

	// An empty recall does not start the cooldown, so this one runs.
	got, err = sess.Recall(ctx, "worker_1", "sqlite busy timeout")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)

	// Inside the cooldown window recalls are suppressed entirely.
	got, err = sess.Recall(ctx, "worker_1", "sqlite busy timeout")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Both searches that ran left an audit trail; the suppressed one did not.
	events, err := sess.Events().Read(ctx, event.Filter{Types: []string{event.TypeMemoryFound}})
	require.NoError(t, err)
	require.Len(t, events, 2)

	var miss event.MemoryFoundData
	require.NoError(t, events[0].Decode(&miss))
	assert.Equal(t, 0, miss.ResultCount)
	assert.Empty(t, miss.MemoryIDs)

	var hit event.MemoryFoundData
	require.NoError(t, events[1].Decode(&hit))
	assert.Equal(t, "worker_1", hit.AgentName)
	assert.Equal(t, "sqlite busy timeout", hit.Query)
	assert.Equal(t, 1, hit.ResultCount)
	require.Len(t, hit.MemoryIDs, 1)
}
