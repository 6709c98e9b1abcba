package swarm_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/hive"
	"github.com/hexframe/swarmmail/internal/identity"
	"github.com/hexframe/swarmmail/internal/mailbox"
	"github.com/hexframe/swarmmail/internal/projection"
	"github.com/hexframe/swarmmail/internal/reservation"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarm"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

const project = "swarm-test"

type fixture struct {
	c   *swarm.Coordinator
	h   *hive.Hive
	res *reservation.Manager
	mb  *mailbox.Mailbox
	log *event.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	log := event.NewLog(s, project, projection.New(nil), nil)
	h := hive.New(log, config.HiveConfig{}, "", nil, nil)
	res := reservation.NewManager(log, config.ReservationConfig{}, nil)
	mb := mailbox.New(log, config.InboxConfig{}, nil, nil)
	c := swarm.New(log, h, res, mb, config.ReviewConfig{}, nil)
	return &fixture{c: c, h: h, res: res, mb: mb, log: log}
}

func register(t *testing.T, log *event.Log, names ...string) {
	t.Helper()
	for _, name := range names {
		ev, err := event.New(project, event.TypeAgentRegistered, event.AgentRegisteredData{Name: name})
		require.NoError(t, err)
		_, err = log.Append(context.Background(), ev)
		require.NoError(t, err)
	}
}

func mustCell(t *testing.T, h *hive.Hive, title string) *hive.Cell {
	t.Helper()
	cell, err := h.CreateCell(context.Background(), hive.CreateRequest{Title: title, CreatedBy: "tester"})
	require.NoError(t, err)
	return cell
}

func storagePlan() *swarm.Decomposition {
	return &swarm.Decomposition{
		EpicTitle: "split the storage layer",
		Strategy:  swarm.StrategyFileBased,
		Subtasks: []swarm.SubtaskPlan{
			{Title: "extract store", Files: []string{"internal/store/**"}},
			{Title: "port callers", Files: []string{"internal/api/**"}, DependsOn: []int{0}},
		},
	}
}

func TestDecomposeCreatesEpicWithCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.c.Decompose(ctx, storagePlan(), "planner")
	require.NoError(t, err)
	assert.Equal(t, swarm.StrategyFileBased, result.Strategy)
	assert.Equal(t, hive.TypeEpic, result.Epic.IssueType)
	require.Len(t, result.Subtasks, 2)

	// Each subtask got a spawn-time checkpoint with its files and the
	// bead ids it waits on.
	sc, err := f.c.Recover(ctx, result.Subtasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, result.Epic.ID, sc.EpicID)
	assert.Equal(t, swarm.StrategyFileBased, sc.Strategy)
	assert.Equal(t, []string{"internal/api/**"}, sc.Files)
	assert.Equal(t, []string{result.Subtasks[0].ID}, sc.Dependencies)

	decisions, err := f.c.Decisions(ctx, swarm.DecisionFilter{DecisionType: "decomposition_strategy"})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, result.Epic.ID, decisions[0].EpicID)
	assert.Equal(t, result.DecisionID, decisions[0].ID)
}

func TestDecomposeRejectsInvalidPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.Decompose(ctx, &swarm.Decomposition{
		EpicTitle: "too thin",
		Subtasks:  []swarm.SubtaskPlan{{Title: "only one"}},
	}, "planner")
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	cells, err := f.h.QueryCells(ctx, hive.Query{})
	require.NoError(t, err)
	assert.Empty(t, cells, "a rejected plan creates nothing")
}

func TestSpawnSubtask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	epic, err := f.c.Decompose(ctx, storagePlan(), "planner")
	require.NoError(t, err)
	ready := epic.Subtasks[0]

	spawned, err := f.c.SpawnSubtask(ctx, swarm.SpawnRequest{
		BeadID:        ready.ID,
		SharedContext: "storage interfaces live in internal/store",
	})
	require.NoError(t, err)
	assert.Equal(t, "worker-"+identity.CellIDHash(ready.ID), spawned.Worker)
	assert.Equal(t, []string{"internal/store/**"}, spawned.Files, "files come from the checkpoint")
	require.Len(t, spawned.Granted, 1)

	assert.Contains(t, spawned.Prompt, ready.ID)
	assert.Contains(t, spawned.Prompt, epic.Epic.ID)
	assert.Contains(t, spawned.Prompt, "internal/store/**")
	assert.Contains(t, spawned.Prompt, "storage interfaces live in internal/store")

	cell, err := f.h.Get(ctx, ready.ID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusInProgress, cell.Status)
	assert.Equal(t, spawned.Worker, cell.Assignee)

	// Respawning an in-flight bead is refused.
	_, err = f.c.SpawnSubtask(ctx, swarm.SpawnRequest{BeadID: ready.ID})
	require.ErrorIs(t, err, swarmerr.ErrState)

	// The dependent subtask stays unspawnable until its blocker closes.
	_, err = f.c.SpawnSubtask(ctx, swarm.SpawnRequest{BeadID: epic.Subtasks[1].ID})
	require.ErrorIs(t, err, swarmerr.ErrState)
}

func TestSpawnConflictLeavesCellUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cell := mustCell(t, f.h, "touch the auth module")

	held, err := f.res.Reserve(ctx, reservation.ReserveRequest{
		AgentName: "squatter", Paths: []string{"src/auth/**"},
	})
	require.NoError(t, err)
	require.Empty(t, held.Conflicts)

	_, err = f.c.SpawnSubtask(ctx, swarm.SpawnRequest{
		BeadID: cell.ID,
		Files:  []string{"src/auth/login.go"},
	})
	require.ErrorIs(t, err, swarmerr.ErrConflict)
	var conflict *swarmerr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"squatter"}, conflict.Holders)

	// Nothing moved: the cell is still open and unassigned.
	after, err := f.h.Get(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusOpen, after.Status)
	assert.Empty(t, after.Assignee)
}

func TestReviewApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cell := mustCell(t, f.h, "ship the exporter")

	review, err := f.c.ReviewBegin(ctx, cell.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, swarm.ReviewReviewing, review.State)
	assert.Equal(t, 1, review.Attempt)

	// Double begin is refused while reviewing.
	_, err = f.c.ReviewBegin(ctx, cell.ID, "reviewer")
	require.ErrorIs(t, err, swarmerr.ErrState)

	review, err = f.c.ReviewFeedback(ctx, swarm.FeedbackRequest{
		BeadID:   cell.ID,
		Reviewer: "reviewer",
		Verdict:  swarm.VerdictApproved,
		Summary:  "clean diff, tests pass",
	})
	require.NoError(t, err)
	assert.Equal(t, swarm.ReviewApproved, review.State)

	// Approval leaves closing to Complete.
	after, err := f.h.Get(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusOpen, after.Status)

	// The verdict consumed the review.
	_, err = f.c.ReviewFeedback(ctx, swarm.FeedbackRequest{
		BeadID: cell.ID, Reviewer: "reviewer", Verdict: swarm.VerdictApproved,
	})
	require.ErrorIs(t, err, swarmerr.ErrState)
	_, err = f.c.ReviewBegin(ctx, cell.ID, "reviewer")
	require.ErrorIs(t, err, swarmerr.ErrState)
}

func TestReviewFeedbackValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cell := mustCell(t, f.h, "validate me")

	_, err := f.c.ReviewFeedback(ctx, swarm.FeedbackRequest{
		BeadID: cell.ID, Reviewer: "reviewer", Verdict: "maybe",
	})
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	_, err = f.c.ReviewFeedback(ctx, swarm.FeedbackRequest{
		BeadID: cell.ID, Verdict: swarm.VerdictApproved,
	})
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	// Feedback without a review in progress.
	_, err = f.c.ReviewFeedback(ctx, swarm.FeedbackRequest{
		BeadID: cell.ID, Reviewer: "reviewer", Verdict: swarm.VerdictApproved,
	})
	require.ErrorIs(t, err, swarmerr.ErrState)
}

func TestThreeStrikesBlocksBead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cell := mustCell(t, f.h, "keeps failing review")

	for attempt := 1; attempt <= 3; attempt++ {
		review, err := f.c.ReviewBegin(ctx, cell.ID, "reviewer")
		require.NoError(t, err)
		assert.Equal(t, attempt, review.Attempt)

		review, err = f.c.ReviewFeedback(ctx, swarm.FeedbackRequest{
			BeadID:   cell.ID,
			Reviewer: "reviewer",
			Verdict:  swarm.VerdictNeedsChanges,
			Summary:  "still broken",
			Issues:   []string{"missing error handling"},
		})
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, swarm.ReviewNeedsChanges, review.State)
		} else {
			assert.Equal(t, swarm.ReviewBlocked, review.State)
		}
	}

	after, err := f.h.Get(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusBlocked, after.Status)

	// The blocking decision cites the two prior rejections.
	decisions, err := f.c.Decisions(ctx, swarm.DecisionFilter{
		BeadID: cell.ID, DecisionType: "review_approval",
	})
	require.NoError(t, err)
	require.Len(t, decisions, 3)

	blocked := decisions[0]
	var verdict struct {
		Status  string `json:"status"`
		Attempt int    `json:"attempt"`
	}
	require.NoError(t, json.Unmarshal(blocked.Decision, &verdict))
	assert.Equal(t, swarm.ReviewBlocked, verdict.Status)
	assert.Equal(t, 3, verdict.Attempt)

	var priors []string
	require.NoError(t, json.Unmarshal(blocked.PrecedentCited, &priors))
	assert.Equal(t, []string{decisions[2].ID, decisions[1].ID}, priors, "oldest rejection first")

	links, err := f.c.Links(ctx, blocked.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	linked := make([]string, 0, 2)
	for _, l := range links {
		assert.Equal(t, "decision", l.EntityType)
		assert.Equal(t, "cites_precedent", l.LinkType)
		assert.Equal(t, 1.0, l.Strength)
		linked = append(linked, l.EntityID)
	}
	assert.ElementsMatch(t, priors, linked)

	// Blocked is terminal for the coordinator.
	_, err = f.c.ReviewBegin(ctx, cell.ID, "reviewer")
	require.ErrorIs(t, err, swarmerr.ErrState)
}

func TestRejectionNotifiesWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	register(t, f.log, "reviewer", "bob")

	cell := mustCell(t, f.h, "needs another pass")
	worker := "bob"
	_, err := f.h.UpdateCell(ctx, cell.ID, event.CellPatch{Assignee: &worker}, "tester")
	require.NoError(t, err)

	_, err = f.c.ReviewBegin(ctx, cell.ID, "reviewer")
	require.NoError(t, err)
	_, err = f.c.ReviewFeedback(ctx, swarm.FeedbackRequest{
		BeadID:   cell.ID,
		Reviewer: "reviewer",
		Verdict:  swarm.VerdictNeedsChanges,
		Summary:  "tighten the error paths",
		Issues:   []string{"nil deref in Close", "missing test for empty input"},
	})
	require.NoError(t, err)

	inbox, err := f.mb.Inbox(ctx, "bob", mailbox.InboxOptions{})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Contains(t, inbox[0].Subject, cell.ID)
	assert.Equal(t, "high", inbox[0].Importance)
}

func TestCompleteClosesAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	epic, err := f.c.Decompose(ctx, storagePlan(), "planner")
	require.NoError(t, err)
	spawned, err := f.c.SpawnSubtask(ctx, swarm.SpawnRequest{BeadID: epic.Subtasks[0].ID})
	require.NoError(t, err)

	result, err := f.c.Complete(ctx, swarm.CompleteRequest{
		BeadID:       epic.Subtasks[0].ID,
		Summary:      "store extracted behind an interface",
		FilesTouched: []string{"internal/store/store.go", "internal/store/tx.go"},
	})
	require.NoError(t, err)
	assert.False(t, result.ScopeViolation)
	assert.Empty(t, result.Violations)
	assert.Equal(t, 1, result.Released)

	cell, err := f.h.Get(ctx, epic.Subtasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusClosed, cell.Status)
	assert.Equal(t, "store extracted behind an interface", cell.CloseReason)

	active, err := f.res.ActiveFor(ctx, spawned.Worker)
	require.NoError(t, err)
	assert.Empty(t, active)

	// The decision trace points at the outcome event.
	decision, err := f.c.GetDecision(ctx, result.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, "completion", decision.DecisionType)
	assert.Greater(t, decision.OutcomeEventID, int64(0))
	var outcome struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(decision.Decision, &outcome))
	assert.Equal(t, "completed", outcome.Status)

	// Closing the blocker frees the dependent subtask for spawning.
	_, err = f.c.SpawnSubtask(ctx, swarm.SpawnRequest{BeadID: epic.Subtasks[1].ID})
	require.NoError(t, err)

	// Completing twice is refused.
	_, err = f.c.Complete(ctx, swarm.CompleteRequest{BeadID: epic.Subtasks[0].ID})
	require.ErrorIs(t, err, swarmerr.ErrState)
}

func TestCompleteScopeViolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	epic, err := f.c.Decompose(ctx, storagePlan(), "planner")
	require.NoError(t, err)
	_, err = f.c.SpawnSubtask(ctx, swarm.SpawnRequest{BeadID: epic.Subtasks[0].ID})
	require.NoError(t, err)

	result, err := f.c.Complete(ctx, swarm.CompleteRequest{
		BeadID:       epic.Subtasks[0].ID,
		Summary:      "wandered off",
		FilesTouched: []string{"internal/store/store.go", "internal/api/server.go"},
	})
	require.NoError(t, err)
	assert.True(t, result.ScopeViolation)
	assert.Equal(t, []string{"internal/api/server.go"}, result.Violations)

	// Violations are evidence, not a veto: the cell still closed.
	cell, err := f.h.Get(ctx, epic.Subtasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, hive.StatusClosed, cell.Status)

	var outcome struct {
		Status string `json:"status"`
	}
	decision, err := f.c.GetDecision(ctx, result.DecisionID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(decision.Decision, &outcome))
	assert.Equal(t, "scope_violation", outcome.Status)
}

func TestCompleteSkipVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cell := mustCell(t, f.h, "trusted cleanup")

	result, err := f.c.Complete(ctx, swarm.CompleteRequest{
		BeadID:           cell.ID,
		Worker:           "solo",
		FilesTouched:     []string{"anything/goes.go"},
		SkipVerification: true,
	})
	require.NoError(t, err)
	assert.False(t, result.ScopeViolation)
}

func TestCompleteRequiresWorker(t *testing.T) {
	f := newFixture(t)
	cell := mustCell(t, f.h, "nobody owns this")

	_, err := f.c.Complete(context.Background(), swarm.CompleteRequest{BeadID: cell.ID})
	require.ErrorIs(t, err, swarmerr.ErrValidation)
}

func TestCheckpointRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cell := mustCell(t, f.h, "long-running port")

	_, err := f.c.Recover(ctx, cell.ID)
	require.ErrorIs(t, err, swarmerr.ErrNotFound)

	err = f.c.Checkpoint(ctx, swarm.CheckpointRequest{
		BeadID:     cell.ID,
		Strategy:   swarm.StrategyFileBased,
		Files:      []string{"internal/port/**"},
		Directives: "keep the old API compiling",
		Recovery:   json.RawMessage(`{"progress":"half"}`),
	})
	require.NoError(t, err)

	sc, err := f.c.Recover(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, swarm.StrategyFileBased, sc.Strategy)
	assert.Equal(t, []string{"internal/port/**"}, sc.Files)
	assert.Equal(t, "keep the old API compiling", sc.Directives)
	assert.JSONEq(t, `{"progress":"half"}`, string(sc.Recovery))

	// A recovery-only checkpoint keeps the spawn-time fields.
	err = f.c.Checkpoint(ctx, swarm.CheckpointRequest{
		BeadID:   cell.ID,
		Recovery: json.RawMessage(`{"progress":"done","files_modified":["internal/port/a.go"]}`),
	})
	require.NoError(t, err)

	sc, err = f.c.Recover(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/port/**"}, sc.Files)
	assert.Equal(t, swarm.StrategyFileBased, sc.Strategy)
	assert.JSONEq(t, `{"progress":"done","files_modified":["internal/port/a.go"]}`, string(sc.Recovery))

	err = f.c.Checkpoint(ctx, swarm.CheckpointRequest{
		BeadID:   cell.ID,
		Recovery: json.RawMessage(`not json`),
	})
	require.ErrorIs(t, err, swarmerr.ErrValidation)
}

func TestEpicStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	epic, err := f.c.Decompose(ctx, &swarm.Decomposition{
		EpicTitle: "status sampler",
		Strategy:  swarm.StrategyFeatureBased,
		Subtasks: []swarm.SubtaskPlan{
			{Title: "done already"},
			{Title: "in flight"},
			{Title: "waiting on in flight", DependsOn: []int{1}},
			{Title: "free to start"},
		},
	}, "planner")
	require.NoError(t, err)

	require.NoError(t, f.h.CloseCell(ctx, epic.Subtasks[0].ID, "shipped", "tester"))
	require.NoError(t, f.h.ChangeStatus(ctx, epic.Subtasks[1].ID, hive.StatusInProgress, "tester"))

	status, err := f.c.Status(ctx, epic.Epic.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, status.Total)
	assert.InDelta(t, 25.0, status.Progress, 1e-9)

	require.Len(t, status.Completed, 1)
	assert.Equal(t, epic.Subtasks[0].ID, status.Completed[0].ID)
	assert.NotEmpty(t, status.Completed[0].ClosedAt)

	require.Len(t, status.Active, 1)
	assert.Equal(t, epic.Subtasks[1].ID, status.Active[0].ID)

	require.Len(t, status.Blocked, 1)
	assert.Equal(t, epic.Subtasks[2].ID, status.Blocked[0].ID)
	assert.Equal(t, []string{epic.Subtasks[1].ID}, status.Blocked[0].BlockedBy)

	require.Len(t, status.Ready, 1)
	assert.Equal(t, epic.Subtasks[3].ID, status.Ready[0].ID)
}

func TestRecordDecisionAndLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.c.RecordDecision(ctx, swarm.DecisionRequest{
		DecisionType: "file_assignment",
		AgentName:    "planner",
		Decision:     json.RawMessage(`{"files":["a.go"]}`),
		Rationale:    "single owner per package",
	})
	require.NoError(t, err)

	decision, err := f.c.GetDecision(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "file_assignment", decision.DecisionType)
	assert.Equal(t, "planner", decision.AgentName)
	assert.Equal(t, "single owner per package", decision.Rationale)
	assert.False(t, decision.CreatedAt.IsZero())

	require.NoError(t, f.c.LinkEntity(ctx, id, event.EntityLinkData{
		EntityType: "cell", EntityID: "some-cell", LinkType: "concerns",
	}))
	links, err := f.c.Links(ctx, id)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, 1.0, links[0].Strength, "strength defaults to 1")

	err = f.c.LinkEntity(ctx, "dec_missing", event.EntityLinkData{
		EntityType: "cell", EntityID: "x", LinkType: "concerns",
	})
	require.ErrorIs(t, err, swarmerr.ErrNotFound)

	_, err = f.c.RecordDecision(ctx, swarm.DecisionRequest{AgentName: "planner"})
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	_, err = f.c.RecordDecision(ctx, swarm.DecisionRequest{
		DecisionType: "x", AgentName: "planner", Decision: json.RawMessage(`{broken`),
	})
	require.ErrorIs(t, err, swarmerr.ErrValidation)
}
