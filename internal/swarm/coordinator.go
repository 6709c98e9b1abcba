package swarm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/hive"
	"github.com/hexframe/swarmmail/internal/identity"
	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/mailbox"
	"github.com/hexframe/swarmmail/internal/reservation"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

const defaultMaxRejections = 3

// Coordinator runs epics: decomposition, spawning, review, completion,
// and checkpointing. All durable state flows through the event log; the
// coordinator itself holds nothing a restart would lose.
type Coordinator struct {
	log          *event.Log
	hive         *hive.Hive
	reservations *reservation.Manager
	mailbox      *mailbox.Mailbox
	cfg          config.ReviewConfig
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New wires a coordinator over the project's components. mailbox may be
// nil; review feedback then skips worker notification.
func New(log *event.Log, h *hive.Hive, res *reservation.Manager, mb *mailbox.Mailbox,
	cfg config.ReviewConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.MaxRejections <= 0 {
		cfg.MaxRejections = defaultMaxRejections
	}
	return &Coordinator{
		log:          log,
		hive:         h,
		reservations: res,
		mailbox:      mb,
		cfg:          cfg,
		logger:       logger.With("component", "swarm"),
		tracer:       otel.Tracer("swarmmail/swarm"),
	}
}

// DecomposeResult reports the epic created from a plan.
type DecomposeResult struct {
	Epic       hive.Cell   `json:"epic"`
	Subtasks   []hive.Cell `json:"subtasks"`
	Strategy   string      `json:"strategy"`
	DecisionID string      `json:"decision_id"`
}

// Decompose turns a validated plan into an epic with subtasks, writes a
// spawn-time checkpoint for each subtask, and records the strategy
// decision. The plan's strategy wins; an empty one is selected from the
// epic title and description.
func (c *Coordinator) Decompose(ctx context.Context, d *Decomposition, createdBy string) (*DecomposeResult, error) {
	if err := ValidateDecomposition(d); err != nil {
		return nil, err
	}

	strategy := d.Strategy
	var alternatives json.RawMessage
	if strategy == "" {
		choice := SelectStrategy(d.EpicTitle + " " + d.EpicDescription)
		strategy = choice.Strategy
		alternatives, _ = json.Marshal(choice.Alternatives)
	}

	req := hive.EpicRequest{
		Title:       d.EpicTitle,
		Description: d.EpicDescription,
		CreatedBy:   createdBy,
		Subtasks:    make([]hive.SubtaskSpec, len(d.Subtasks)),
	}
	for i, st := range d.Subtasks {
		req.Subtasks[i] = hive.SubtaskSpec{
			Title:       st.Title,
			Description: st.Description,
			Priority:    st.Priority,
			Files:       st.Files,
			DependsOn:   st.DependsOn,
		}
	}

	epic, err := c.hive.CreateEpic(ctx, req)
	if err != nil {
		return nil, err
	}

	// Spawn-time context per subtask: the files it owns and the bead
	// ids it waits on. Workers recover these after a restart.
	for i, st := range d.Subtasks {
		beadID := epic.Subtasks[i].ID
		deps := make([]string, 0, len(st.DependsOn))
		for _, idx := range st.DependsOn {
			deps = append(deps, epic.Subtasks[idx].ID)
		}
		ev, err := event.New(c.log.Project(), event.TypeSwarmCheckpointed, event.SwarmCheckpointedData{
			EpicID:       epic.Epic.ID,
			BeadID:       beadID,
			Strategy:     strategy,
			Files:        st.Files,
			Dependencies: deps,
		})
		if err != nil {
			return nil, err
		}
		if _, err := c.log.Append(ctx, ev); err != nil {
			return nil, fmt.Errorf("checkpointing subtask %s: %w", beadID, err)
		}
	}

	decision, _ := json.Marshal(map[string]any{
		"strategy": strategy,
		"subtasks": len(d.Subtasks),
	})
	decisionID, err := c.RecordDecision(ctx, DecisionRequest{
		DecisionType: "decomposition_strategy",
		AgentName:    createdBy,
		EpicID:       epic.Epic.ID,
		Decision:     decision,
		Rationale:    fmt.Sprintf("decomposed %q into %d subtasks (%s)", d.EpicTitle, len(d.Subtasks), strategy),
		Alternatives: alternatives,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("decomposed epic",
		"epic", epic.Epic.ID, "subtasks", len(epic.Subtasks), "strategy", strategy)
	return &DecomposeResult{
		Epic:       epic.Epic,
		Subtasks:   epic.Subtasks,
		Strategy:   strategy,
		DecisionID: decisionID,
	}, nil
}

// SpawnRequest starts one subtask. Zero-value fields are derived:
// EpicID from the bead's parent, Worker from the bead id, Files from
// the decompose-time checkpoint.
type SpawnRequest struct {
	BeadID        string
	EpicID        string
	Worker        string
	Files         []string
	SharedContext string
	TTLSeconds    int
}

// SpawnResult carries everything a worker process needs to start.
type SpawnResult struct {
	BeadID  string                    `json:"bead_id"`
	EpicID  string                    `json:"epic_id,omitempty"`
	Worker  string                    `json:"worker"`
	Files   []string                  `json:"files,omitempty"`
	Granted []reservation.Reservation `json:"granted,omitempty"`
	Prompt  string                    `json:"prompt"`
}

// SpawnSubtask reserves the subtask's files for the worker, moves the
// bead to in_progress with the worker as assignee, and returns the
// worker prompt. Reservation conflicts abort before anything else
// happens: a worker is never started without its files.
func (c *Coordinator) SpawnSubtask(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	ctx, span := c.tracer.Start(ctx, "swarm.spawn",
		trace.WithAttributes(attribute.String("bead.id", req.BeadID)))
	defer span.End()

	id, err := c.hive.ResolveID(ctx, req.BeadID)
	if err != nil {
		return nil, err
	}
	cell, err := c.hive.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case cell.Status == hive.StatusTombstone:
		return nil, &swarmerr.StateError{Op: "swarm.spawn", Msg: "cell is deleted", State: cell.Status}
	case cell.Status == hive.StatusClosed:
		return nil, &swarmerr.StateError{Op: "swarm.spawn", Msg: "cell is already closed", State: cell.Status}
	case cell.Status == hive.StatusInProgress:
		return nil, &swarmerr.StateError{Op: "swarm.spawn", Msg: "cell is already in progress", State: cell.Status}
	case cell.Status == hive.StatusBlocked:
		return nil, &swarmerr.StateError{Op: "swarm.spawn", Msg: "cell is blocked", State: cell.Status}
	case cell.Blocked:
		return nil, &swarmerr.StateError{Op: "swarm.spawn", Msg: "cell is blocked by open dependencies", State: cell.Status}
	}

	epicID := req.EpicID
	if epicID == "" {
		epicID = cell.ParentID
	}
	worker := req.Worker
	if worker == "" {
		worker = "worker-" + identity.CellIDHash(id)
	}
	if err := identity.ValidateAgentName(worker); err != nil {
		return nil, &swarmerr.ValidationError{Op: "swarm.spawn", Msg: err.Error()}
	}

	strategy := ""
	files := req.Files
	if sc, err := c.Recover(ctx, id); err == nil {
		strategy = sc.Strategy
		if len(files) == 0 {
			files = sc.Files
		}
	} else if !swarmerr.IsNotFound(err) {
		return nil, err
	}

	var granted []reservation.Reservation
	if len(files) > 0 {
		res, err := c.reservations.Reserve(ctx, reservation.ReserveRequest{
			AgentName:  worker,
			Paths:      files,
			Reason:     "swarm:" + id,
			TTLSeconds: req.TTLSeconds,
		})
		if err != nil {
			return nil, err
		}
		if len(res.Conflicts) > 0 {
			return nil, &swarmerr.ConflictError{
				Op:      "swarm.spawn",
				Msg:     "subtask files are already reserved",
				Holders: conflictHolders(res.Conflicts),
			}
		}
		granted = res.Granted
	}

	err = c.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		status, err := c.cellStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != hive.StatusOpen {
			return &swarmerr.StateError{Op: "swarm.spawn", Msg: "cell is no longer open", State: status}
		}

		checkpoint, err := event.New(c.log.Project(), event.TypeSwarmCheckpointed, event.SwarmCheckpointedData{
			EpicID:     epicID,
			BeadID:     id,
			Strategy:   strategy,
			Files:      files,
			Directives: req.SharedContext,
		})
		if err != nil {
			return err
		}
		if _, err := c.log.AppendTx(ctx, tx, checkpoint); err != nil {
			return err
		}

		moved, err := event.New(c.log.Project(), event.TypeCellStatusChanged, event.CellStatusChangedData{
			CellID: id,
			Actor:  worker,
			From:   hive.StatusOpen,
			To:     hive.StatusInProgress,
		})
		if err != nil {
			return err
		}
		if _, err := c.log.AppendTx(ctx, tx, moved); err != nil {
			return err
		}

		assigned, err := event.New(c.log.Project(), event.TypeCellUpdated, event.CellUpdatedData{
			CellID: id,
			Actor:  worker,
			Patch:  event.CellPatch{Assignee: &worker},
		})
		if err != nil {
			return err
		}
		_, err = c.log.AppendTx(ctx, tx, assigned)
		return err
	})
	if err != nil {
		// The worker never starts, so its leases must not linger.
		if len(granted) > 0 {
			if _, relErr := c.reservations.Release(ctx, worker, reservation.ReleaseOptions{}); relErr != nil {
				c.logger.Warn("releasing reservations after failed spawn", "worker", worker, "error", relErr)
			}
		}
		return nil, err
	}

	c.logger.Info("spawned subtask", "bead", id, "worker", worker, "files", len(files))
	return &SpawnResult{
		BeadID:  id,
		EpicID:  epicID,
		Worker:  worker,
		Files:   files,
		Granted: granted,
		Prompt:  workerPrompt(cell, epicID, worker, files, req.SharedContext),
	}, nil
}

func workerPrompt(cell *hive.Cell, epicID, worker string, files []string, sharedContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are worker %s on bead %s", worker, cell.ID)
	if epicID != "" {
		fmt.Fprintf(&b, " (epic %s)", epicID)
	}
	b.WriteString(".\n\n")
	fmt.Fprintf(&b, "Task: %s\n", cell.Title)
	if cell.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", cell.Description)
	}
	if sharedContext != "" {
		fmt.Fprintf(&b, "\nShared context from the coordinator:\n%s\n", sharedContext)
	}
	if len(files) > 0 {
		b.WriteString("\nReserved files (yours exclusively):\n")
		for _, f := range files {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
	}
	fmt.Fprintf(&b, `
Ground rules:
- Register as %q and report progress on this bead's thread.
- Stay inside your reserved files; anything else needs a reservation first.
- Checkpoint recovery context before long or risky steps.
- When done, report completion with the exact list of files you touched.
`, worker)
	return b.String()
}

// CompleteRequest closes out a subtask. Worker defaults to the bead's
// assignee.
type CompleteRequest struct {
	BeadID           string
	Worker           string
	Summary          string
	FilesTouched     []string
	SkipVerification bool
}

// CompleteResult reports the outcome, including any scope violations
// the verification gate found.
type CompleteResult struct {
	BeadID         string   `json:"bead_id"`
	ScopeViolation bool     `json:"scope_violation,omitempty"`
	Violations     []string `json:"violations,omitempty"`
	Released       int      `json:"released"`
	DecisionID     string   `json:"decision_id"`
}

// Complete verifies files_touched against the worker's reservations,
// appends the outcome event and its decision trace, closes the cell,
// and releases every lease the worker holds. A scope violation is
// recorded as evidence but still closes the cell.
func (c *Coordinator) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	ctx, span := c.tracer.Start(ctx, "swarm.complete",
		trace.WithAttributes(attribute.String("bead.id", req.BeadID)))
	defer span.End()

	id, err := c.hive.ResolveID(ctx, req.BeadID)
	if err != nil {
		return nil, err
	}
	cell, err := c.hive.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	worker := req.Worker
	if worker == "" {
		worker = cell.Assignee
	}
	if worker == "" {
		return nil, &swarmerr.ValidationError{Op: "swarm.complete", Msg: "worker is required"}
	}

	var violations []string
	if !req.SkipVerification && len(req.FilesTouched) > 0 {
		violations, err = c.scopeViolations(ctx, worker, req.FilesTouched)
		if err != nil {
			return nil, err
		}
	}

	reason := req.Summary
	if reason == "" {
		reason = "completed"
	}
	decisionID := identity.GenerateDecisionID()

	err = c.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		status, err := c.cellStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if status == hive.StatusClosed || status == hive.StatusTombstone {
			return &swarmerr.StateError{Op: "swarm.complete", Msg: "cell is already closed", State: status}
		}

		outcome, err := event.New(c.log.Project(), event.TypeSwarmCompleted, event.SwarmCompletedData{
			BeadID:         id,
			EpicID:         cell.ParentID,
			AgentName:      worker,
			Summary:        req.Summary,
			FilesTouched:   req.FilesTouched,
			ScopeViolation: len(violations) > 0,
			Violations:     violations,
		})
		if err != nil {
			return err
		}
		appended, err := c.log.AppendTx(ctx, tx, outcome)
		if err != nil {
			return err
		}

		outcomeStatus := "completed"
		if len(violations) > 0 {
			outcomeStatus = "scope_violation"
		}
		decision, _ := json.Marshal(map[string]any{
			"status":        outcomeStatus,
			"files_touched": len(req.FilesTouched),
		})
		trace, err := event.New(c.log.Project(), event.TypeDecisionRecorded, event.DecisionRecordedData{
			DecisionID:     decisionID,
			DecisionType:   "completion",
			AgentName:      worker,
			EpicID:         cell.ParentID,
			BeadID:         id,
			Decision:       decision,
			Rationale:      req.Summary,
			OutcomeEventID: appended.ID,
		})
		if err != nil {
			return err
		}
		if _, err := c.log.AppendTx(ctx, tx, trace); err != nil {
			return err
		}

		closed, err := event.New(c.log.Project(), event.TypeCellClosed, event.CellClosedData{
			CellID: id,
			Actor:  worker,
			Reason: reason,
		})
		if err != nil {
			return err
		}
		_, err = c.log.AppendTx(ctx, tx, closed)
		return err
	})
	if err != nil {
		return nil, err
	}

	released, err := c.reservations.Release(ctx, worker, reservation.ReleaseOptions{})
	if err != nil {
		// The completion is committed; leases fall back to TTL expiry.
		c.logger.Warn("releasing reservations after completion", "worker", worker, "error", err)
		released = 0
	}

	if len(violations) > 0 {
		c.logger.Warn("completion touched files outside reservation",
			"bead", id, "worker", worker, "violations", violations)
	} else {
		c.logger.Info("completed subtask", "bead", id, "worker", worker, "released", released)
	}
	return &CompleteResult{
		BeadID:         id,
		ScopeViolation: len(violations) > 0,
		Violations:     violations,
		Released:       released,
		DecisionID:     decisionID,
	}, nil
}

// scopeViolations returns the touched paths not covered by any of the
// worker's active reservations.
func (c *Coordinator) scopeViolations(ctx context.Context, worker string, touched []string) ([]string, error) {
	active, err := c.reservations.ActiveFor(ctx, worker)
	if err != nil {
		return nil, err
	}
	var violations []string
	for _, path := range touched {
		covered := false
		for _, r := range active {
			ok, err := reservation.Match(r.PathPattern, path)
			if err != nil {
				return nil, err
			}
			if ok {
				covered = true
				break
			}
		}
		if !covered {
			violations = append(violations, path)
		}
	}
	return violations, nil
}

// CheckpointRequest saves worker progress. Recovery is an opaque JSON
// blob the worker later gets back verbatim.
type CheckpointRequest struct {
	BeadID       string
	EpicID       string
	Strategy     string
	Files        []string
	Dependencies []string
	Directives   string
	Recovery     json.RawMessage
}

// Checkpoint appends a swarm_checkpointed event. Fields left empty keep
// their previous projected values, so a recovery-only checkpoint does
// not erase the spawn-time context.
func (c *Coordinator) Checkpoint(ctx context.Context, req CheckpointRequest) error {
	id, err := c.hive.ResolveID(ctx, req.BeadID)
	if err != nil {
		return err
	}
	epicID := req.EpicID
	if epicID == "" {
		cell, err := c.hive.Get(ctx, id)
		if err != nil {
			return err
		}
		epicID = cell.ParentID
	}
	if len(req.Recovery) > 0 && !json.Valid(req.Recovery) {
		return &swarmerr.ValidationError{Op: "swarm.checkpoint", Msg: "recovery must be valid JSON"}
	}

	ev, err := event.New(c.log.Project(), event.TypeSwarmCheckpointed, event.SwarmCheckpointedData{
		EpicID:       epicID,
		BeadID:       id,
		Strategy:     req.Strategy,
		Files:        req.Files,
		Dependencies: req.Dependencies,
		Directives:   req.Directives,
		Recovery:     req.Recovery,
	})
	if err != nil {
		return err
	}
	if _, err := c.log.Append(ctx, ev); err != nil {
		return fmt.Errorf("checkpointing %s: %w", id, err)
	}
	c.logger.Debug("checkpointed", "bead", id)
	return nil
}

// Context is the recovered swarm state for one bead.
type Context struct {
	EpicID       string          `json:"epic_id,omitempty"`
	BeadID       string          `json:"bead_id"`
	Strategy     string          `json:"strategy,omitempty"`
	Files        []string        `json:"files,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Directives   string          `json:"directives,omitempty"`
	Recovery     json.RawMessage `json:"recovery,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Recover returns the most recent checkpoint for a bead.
func (c *Coordinator) Recover(ctx context.Context, beadID string) (*Context, error) {
	id, err := c.hive.ResolveID(ctx, beadID)
	if err != nil {
		return nil, err
	}

	sc := Context{BeadID: id}
	var files, deps, recovery, createdAt, updatedAt string
	err = c.log.Store().QueryRowContext(ctx, `
		SELECT epic_id, strategy, files, dependencies, directives, recovery, created_at, updated_at
		FROM swarm_contexts
		WHERE project_key = ? AND bead_id = ?
		ORDER BY updated_at DESC
		LIMIT 1`, c.log.Project(), id).
		Scan(&sc.EpicID, &sc.Strategy, &files, &deps, &sc.Directives, &recovery, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &swarmerr.NotFoundError{Op: "swarm.recover", Kind: "swarm context", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading swarm context %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(files), &sc.Files); err != nil {
		return nil, fmt.Errorf("decoding checkpoint files for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(deps), &sc.Dependencies); err != nil {
		return nil, fmt.Errorf("decoding checkpoint dependencies for %s: %w", id, err)
	}
	if recovery != "" && recovery != "{}" {
		sc.Recovery = json.RawMessage(recovery)
	}
	if sc.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if sc.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sc, nil
}

// StatusCell is one subtask in an epic status report.
type StatusCell struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Assignee  string   `json:"assignee,omitempty"`
	BlockedBy []string `json:"blocked_by,omitempty"`
	ClosedAt  string   `json:"closed_at,omitempty"`
}

// EpicStatus buckets an epic's subtasks by where they stand.
type EpicStatus struct {
	EpicID    string       `json:"epic_id"`
	EpicTitle string       `json:"epic_title"`
	Total     int          `json:"total"`
	Completed []StatusCell `json:"completed"`
	Active    []StatusCell `json:"active"`
	Ready     []StatusCell `json:"ready"`
	Blocked   []StatusCell `json:"blocked"`
	Progress  float64      `json:"progress_percent"`
}

// Status computes the epic's swarm progress from its children: closed
// cells are completed, in_progress cells are active, and the rest split
// into ready and blocked by dependency state.
func (c *Coordinator) Status(ctx context.Context, epicID string) (*EpicStatus, error) {
	id, err := c.hive.ResolveID(ctx, epicID)
	if err != nil {
		return nil, err
	}
	epic, err := c.hive.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	children, err := c.hive.QueryCells(ctx, hive.Query{ParentID: id})
	if err != nil {
		return nil, err
	}

	status := &EpicStatus{
		EpicID:    id,
		EpicTitle: epic.Title,
		Total:     len(children),
		Completed: []StatusCell{},
		Active:    []StatusCell{},
		Ready:     []StatusCell{},
		Blocked:   []StatusCell{},
	}
	for _, child := range children {
		sc := StatusCell{ID: child.ID, Title: child.Title, Assignee: child.Assignee}
		switch {
		case child.Status == hive.StatusClosed:
			if child.ClosedAt != nil {
				sc.ClosedAt = child.ClosedAt.Format("2006-01-02 15:04")
			}
			status.Completed = append(status.Completed, sc)
		case child.Status == hive.StatusInProgress:
			status.Active = append(status.Active, sc)
		case child.Status == hive.StatusBlocked || child.Blocked:
			if sc.BlockedBy, err = c.hive.Blockers(ctx, child.ID); err != nil {
				return nil, err
			}
			status.Blocked = append(status.Blocked, sc)
		default:
			status.Ready = append(status.Ready, sc)
		}
	}
	if status.Total > 0 {
		status.Progress = float64(len(status.Completed)) / float64(status.Total) * 100
	}
	return status, nil
}

func (c *Coordinator) cellStatusTx(ctx context.Context, tx *sql.Tx, cellID string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM cells WHERE id = ? AND project_key = ?`,
		cellID, c.log.Project()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &swarmerr.NotFoundError{Op: "swarm", Kind: "cell", ID: cellID}
	}
	if err != nil {
		return "", fmt.Errorf("loading cell %s: %w", cellID, err)
	}
	return status, nil
}

func conflictHolders(conflicts []reservation.Conflict) []string {
	seen := make(map[string]bool, len(conflicts))
	var holders []string
	for _, c := range conflicts {
		if !seen[c.Holder] {
			seen[c.Holder] = true
			holders = append(holders, c.Holder)
		}
	}
	return holders
}
