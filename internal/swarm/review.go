package swarm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/hive"
	"github.com/hexframe/swarmmail/internal/identity"
	"github.com/hexframe/swarmmail/internal/mailbox"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Review states. A bead starts not_reviewed, each ReviewBegin moves it
// to reviewing, and feedback lands it in approved, needs_changes, or
// blocked. Blocked is terminal for the coordinator: only an operator or
// a re-decomposition gets the bead moving again.
const (
	ReviewNotReviewed  = "not_reviewed"
	ReviewReviewing    = "reviewing"
	ReviewApproved     = "approved"
	ReviewNeedsChanges = "needs_changes"
	ReviewBlocked      = "blocked"
)

// Verdicts accepted by ReviewFeedback.
const (
	VerdictApproved     = "approved"
	VerdictNeedsChanges = "needs_changes"
)

// Review is the durable review state of one bead.
type Review struct {
	BeadID    string    `json:"bead_id"`
	State     string    `json:"state"`
	Attempt   int       `json:"attempt"`
	Worker    string    `json:"worker,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Review returns the bead's review state, defaulting to not_reviewed
// when no review has started.
func (c *Coordinator) Review(ctx context.Context, beadID string) (*Review, error) {
	id, err := c.hive.ResolveID(ctx, beadID)
	if err != nil {
		return nil, err
	}
	return c.reviewByID(ctx, id)
}

func (c *Coordinator) reviewByID(ctx context.Context, id string) (*Review, error) {
	r := Review{BeadID: id, State: ReviewNotReviewed}
	var updatedAt string
	err := c.log.Store().QueryRowContext(ctx, `
		SELECT state, attempt, last_worker, updated_at
		FROM review_states
		WHERE bead_id = ? AND project_key = ?`, id, c.log.Project()).
		Scan(&r.State, &r.Attempt, &r.Worker, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading review state %s: %w", id, err)
	}
	if r.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReviewBegin moves a bead into reviewing and bumps the durable attempt
// counter. Only not_reviewed and needs_changes beads can enter review.
func (c *Coordinator) ReviewBegin(ctx context.Context, beadID, reviewer string) (*Review, error) {
	if reviewer == "" {
		return nil, &swarmerr.ValidationError{Op: "swarm.review", Msg: "reviewer is required"}
	}
	id, err := c.hive.ResolveID(ctx, beadID)
	if err != nil {
		return nil, err
	}
	cell, err := c.hive.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cell.Status == hive.StatusTombstone || cell.Status == hive.StatusClosed {
		return nil, &swarmerr.StateError{
			Op: "swarm.review", Msg: "cell cannot be reviewed", State: cell.Status,
		}
	}

	current, err := c.reviewByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch current.State {
	case ReviewNotReviewed, ReviewNeedsChanges:
	case ReviewReviewing:
		return nil, &swarmerr.StateError{Op: "swarm.review", Msg: "review already in progress", State: current.State}
	case ReviewApproved:
		return nil, &swarmerr.StateError{Op: "swarm.review", Msg: "review already approved", State: current.State}
	case ReviewBlocked:
		return nil, &swarmerr.StateError{
			Op: "swarm.review", Msg: "bead is blocked after repeated rejections", State: current.State,
		}
	}

	attempt := current.Attempt + 1
	worker := cell.Assignee
	if worker == "" {
		worker = current.Worker
	}

	decision, _ := json.Marshal(map[string]any{
		"review_state": ReviewReviewing,
		"attempt":      attempt,
		"worker":       worker,
	})
	ev, err := event.New(c.log.Project(), event.TypeDecisionRecorded, event.DecisionRecordedData{
		DecisionID:   identity.GenerateDecisionID(),
		DecisionType: "review_begin",
		AgentName:    reviewer,
		EpicID:       cell.ParentID,
		BeadID:       id,
		Decision:     decision,
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.log.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("beginning review of %s: %w", id, err)
	}

	c.logger.Info("review started", "bead", id, "attempt", attempt, "reviewer", reviewer)
	return &Review{BeadID: id, State: ReviewReviewing, Attempt: attempt, Worker: worker}, nil
}

// FeedbackRequest delivers a review verdict. Worker defaults to the
// worker recorded when the review began.
type FeedbackRequest struct {
	BeadID   string
	Reviewer string
	Worker   string
	Verdict  string
	Summary  string
	Issues   []string
}

// ReviewFeedback resolves a review that is in progress. Approval leaves
// the cell for Complete to close. A rejection under the strike limit
// reopens the cell and messages the worker with the issues. The strike
// that reaches the limit blocks the cell instead and records a decision
// citing the prior rejections as precedent.
func (c *Coordinator) ReviewFeedback(ctx context.Context, req FeedbackRequest) (*Review, error) {
	if req.Reviewer == "" {
		return nil, &swarmerr.ValidationError{Op: "swarm.review", Msg: "reviewer is required"}
	}
	if req.Verdict != VerdictApproved && req.Verdict != VerdictNeedsChanges {
		return nil, &swarmerr.ValidationError{
			Op: "swarm.review", Msg: fmt.Sprintf("verdict must be %q or %q, got %q",
				VerdictApproved, VerdictNeedsChanges, req.Verdict),
		}
	}

	id, err := c.hive.ResolveID(ctx, req.BeadID)
	if err != nil {
		return nil, err
	}
	current, err := c.reviewByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State != ReviewReviewing {
		return nil, &swarmerr.StateError{
			Op: "swarm.review", Msg: "no review in progress", State: current.State,
		}
	}
	cell, err := c.hive.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	worker := req.Worker
	if worker == "" {
		worker = current.Worker
	}

	if req.Verdict == VerdictApproved {
		return c.approve(ctx, id, cell.ParentID, req, current.Attempt, worker)
	}
	if current.Attempt >= c.cfg.MaxRejections {
		return c.strikeOut(ctx, id, cell.ParentID, req, current.Attempt, worker)
	}
	return c.requestChanges(ctx, id, cell.ParentID, req, current.Attempt, worker)
}

func (c *Coordinator) approve(ctx context.Context, id, epicID string, req FeedbackRequest, attempt int, worker string) (*Review, error) {
	decision, _ := json.Marshal(map[string]any{
		"status":       VerdictApproved,
		"review_state": ReviewApproved,
		"attempt":      attempt,
		"worker":       worker,
	})
	ev, err := event.New(c.log.Project(), event.TypeDecisionRecorded, event.DecisionRecordedData{
		DecisionID:   identity.GenerateDecisionID(),
		DecisionType: "review_approval",
		AgentName:    req.Reviewer,
		EpicID:       epicID,
		BeadID:       id,
		Decision:     decision,
		Rationale:    req.Summary,
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.log.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("approving %s: %w", id, err)
	}

	c.logger.Info("review approved", "bead", id, "attempt", attempt)
	return &Review{BeadID: id, State: ReviewApproved, Attempt: attempt, Worker: worker}, nil
}

// requestChanges records the rejection and sends the cell back to open
// in one transaction, then notifies the worker best-effort.
func (c *Coordinator) requestChanges(ctx context.Context, id, epicID string, req FeedbackRequest, attempt int, worker string) (*Review, error) {
	decision, _ := json.Marshal(map[string]any{
		"status":       VerdictNeedsChanges,
		"review_state": ReviewNeedsChanges,
		"attempt":      attempt,
		"worker":       worker,
		"issues":       req.Issues,
	})
	err := c.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		ev, err := event.New(c.log.Project(), event.TypeDecisionRecorded, event.DecisionRecordedData{
			DecisionID:   identity.GenerateDecisionID(),
			DecisionType: "review_approval",
			AgentName:    req.Reviewer,
			EpicID:       epicID,
			BeadID:       id,
			Decision:     decision,
			Rationale:    req.Summary,
		})
		if err != nil {
			return err
		}
		if _, err := c.log.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
		return c.moveCellTx(ctx, tx, id, req.Reviewer, hive.StatusOpen)
	})
	if err != nil {
		return nil, err
	}

	c.notifyWorker(ctx, id, worker, req)

	c.logger.Info("review requested changes",
		"bead", id, "attempt", attempt, "remaining", c.cfg.MaxRejections-attempt)
	return &Review{BeadID: id, State: ReviewNeedsChanges, Attempt: attempt, Worker: worker}, nil
}

// strikeOut handles the rejection that reaches the strike limit: the
// cell blocks, and the decision cites the prior rejections as
// precedent.
func (c *Coordinator) strikeOut(ctx context.Context, id, epicID string, req FeedbackRequest, attempt int, worker string) (*Review, error) {
	priors, err := c.rejectionPrecedents(ctx, id, c.cfg.MaxRejections-1)
	if err != nil {
		return nil, err
	}

	links := make([]event.EntityLinkData, 0, len(priors))
	for _, priorID := range priors {
		links = append(links, event.EntityLinkData{
			EntityType: "decision",
			EntityID:   priorID,
			LinkType:   "cites_precedent",
			Strength:   1,
		})
	}
	precedent, _ := json.Marshal(priors)
	decision, _ := json.Marshal(map[string]any{
		"status":       ReviewBlocked,
		"review_state": ReviewBlocked,
		"attempt":      attempt,
		"worker":       worker,
		"issues":       req.Issues,
	})
	rationale := req.Summary
	if rationale == "" {
		rationale = fmt.Sprintf("blocked after %d review rejections", attempt)
	}

	err = c.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		ev, err := event.New(c.log.Project(), event.TypeDecisionRecorded, event.DecisionRecordedData{
			DecisionID:     identity.GenerateDecisionID(),
			DecisionType:   "review_approval",
			AgentName:      req.Reviewer,
			EpicID:         epicID,
			BeadID:         id,
			Decision:       decision,
			Rationale:      rationale,
			PrecedentCited: precedent,
			Links:          links,
		})
		if err != nil {
			return err
		}
		if _, err := c.log.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
		return c.moveCellTx(ctx, tx, id, req.Reviewer, hive.StatusBlocked)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Warn("bead blocked after repeated rejections",
		"bead", id, "attempts", attempt, "precedents", len(priors))
	return &Review{BeadID: id, State: ReviewBlocked, Attempt: attempt, Worker: worker}, nil
}

// rejectionPrecedents returns the ids of the most recent needs_changes
// verdicts for a bead, oldest first.
func (c *Coordinator) rejectionPrecedents(ctx context.Context, id string, limit int) ([]string, error) {
	rows, err := c.log.Store().QueryContext(ctx, `
		SELECT id, decision FROM decision_traces
		WHERE project_key = ? AND bead_id = ? AND decision_type = 'review_approval'
		ORDER BY created_at DESC, id DESC`, c.log.Project(), id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var decisionID, decision string
		if err := rows.Scan(&decisionID, &decision); err != nil {
			return nil, err
		}
		var verdict struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal([]byte(decision), &verdict); err != nil {
			continue
		}
		if verdict.Status != VerdictNeedsChanges {
			continue
		}
		ids = append(ids, decisionID)
		if len(ids) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first reads as a history.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// moveCellTx appends a status change after validating the current
// status inside the same transaction as the review decision.
func (c *Coordinator) moveCellTx(ctx context.Context, tx *sql.Tx, id, actor, to string) error {
	from, err := c.cellStatusTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if from == hive.StatusTombstone {
		return &swarmerr.StateError{Op: "swarm.review", Msg: "cell is deleted", State: from}
	}
	ev, err := event.New(c.log.Project(), event.TypeCellStatusChanged, event.CellStatusChangedData{
		CellID: id,
		Actor:  actor,
		From:   from,
		To:     to,
	})
	if err != nil {
		return err
	}
	_, err = c.log.AppendTx(ctx, tx, ev)
	return err
}

// notifyWorker sends the review issues to the worker. Failures are
// logged, not returned: the review transition already committed.
func (c *Coordinator) notifyWorker(ctx context.Context, id, worker string, req FeedbackRequest) {
	if c.mailbox == nil || worker == "" {
		return
	}
	var body strings.Builder
	if req.Summary != "" {
		body.WriteString(req.Summary)
		body.WriteString("\n")
	}
	if len(req.Issues) > 0 {
		body.WriteString("\nIssues to address:\n")
		for _, issue := range req.Issues {
			fmt.Fprintf(&body, "  - %s\n", issue)
		}
	}
	_, err := c.mailbox.Send(ctx, mailbox.SendRequest{
		From:       req.Reviewer,
		To:         []string{worker},
		Subject:    fmt.Sprintf("changes requested on %s", id),
		Body:       body.String(),
		Importance: "high",
	})
	if err != nil {
		c.logger.Warn("notifying worker of review feedback", "bead", id, "worker", worker, "error", err)
	}
}
