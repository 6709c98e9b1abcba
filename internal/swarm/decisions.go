package swarm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/identity"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Decision is one projected decision trace.
type Decision struct {
	ID              string          `json:"id"`
	DecisionType    string          `json:"decision_type"`
	EpicID          string          `json:"epic_id,omitempty"`
	BeadID          string          `json:"bead_id,omitempty"`
	AgentName       string          `json:"agent_name,omitempty"`
	Decision        json.RawMessage `json:"decision"`
	Rationale       string          `json:"rationale,omitempty"`
	InputsGathered  json.RawMessage `json:"inputs_gathered,omitempty"`
	PolicyEvaluated json.RawMessage `json:"policy_evaluated,omitempty"`
	Alternatives    json.RawMessage `json:"alternatives,omitempty"`
	PrecedentCited  json.RawMessage `json:"precedent_cited,omitempty"`
	OutcomeEventID  int64           `json:"outcome_event_id,omitempty"`
	QualityScore    *float64        `json:"quality_score,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// EntityLink ties a decision to an entity it concerned or relied on.
type EntityLink struct {
	DecisionID string  `json:"decision_id"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	LinkType   string  `json:"link_type"`
	Strength   float64 `json:"strength"`
}

// DecisionRequest records one coordinator choice. DecisionType and
// AgentName are required; everything else is optional evidence.
type DecisionRequest struct {
	DecisionType    string
	AgentName       string
	EpicID          string
	BeadID          string
	Decision        json.RawMessage
	Rationale       string
	InputsGathered  json.RawMessage
	PolicyEvaluated json.RawMessage
	Alternatives    json.RawMessage
	PrecedentCited  json.RawMessage
	OutcomeEventID  int64
	QualityScore    *float64
	Links           []event.EntityLinkData
}

// RecordDecision appends a decision_recorded event and returns the new
// decision id.
func (c *Coordinator) RecordDecision(ctx context.Context, req DecisionRequest) (string, error) {
	if req.DecisionType == "" {
		return "", &swarmerr.ValidationError{Op: "swarm.decide", Msg: "decision type is required"}
	}
	if req.AgentName == "" {
		return "", &swarmerr.ValidationError{Op: "swarm.decide", Msg: "agent name is required"}
	}
	for _, raw := range []json.RawMessage{
		req.Decision, req.InputsGathered, req.PolicyEvaluated, req.Alternatives, req.PrecedentCited,
	} {
		if len(raw) > 0 && !json.Valid(raw) {
			return "", &swarmerr.ValidationError{Op: "swarm.decide", Msg: "decision fields must be valid JSON"}
		}
	}
	if req.QualityScore != nil && (*req.QualityScore < 0 || *req.QualityScore > 1) {
		return "", &swarmerr.ValidationError{Op: "swarm.decide", Msg: "quality score outside 0-1"}
	}
	for i := range req.Links {
		if err := validateLink(&req.Links[i]); err != nil {
			return "", err
		}
	}

	id := identity.GenerateDecisionID()
	ev, err := event.New(c.log.Project(), event.TypeDecisionRecorded, event.DecisionRecordedData{
		DecisionID:      id,
		DecisionType:    req.DecisionType,
		AgentName:       req.AgentName,
		EpicID:          req.EpicID,
		BeadID:          req.BeadID,
		Decision:        req.Decision,
		Rationale:       req.Rationale,
		InputsGathered:  req.InputsGathered,
		PolicyEvaluated: req.PolicyEvaluated,
		Alternatives:    req.Alternatives,
		PrecedentCited:  req.PrecedentCited,
		OutcomeEventID:  req.OutcomeEventID,
		QualityScore:    req.QualityScore,
		Links:           req.Links,
	})
	if err != nil {
		return "", err
	}
	if _, err := c.log.Append(ctx, ev); err != nil {
		return "", fmt.Errorf("recording decision: %w", err)
	}
	c.logger.Debug("recorded decision", "decision", id, "type", req.DecisionType)
	return id, nil
}

// LinkEntity attaches one entity link to an existing decision.
func (c *Coordinator) LinkEntity(ctx context.Context, decisionID string, link event.EntityLinkData) error {
	if err := validateLink(&link); err != nil {
		return err
	}
	var exists int
	err := c.log.Store().QueryRowContext(ctx,
		`SELECT COUNT(id) FROM decision_traces WHERE id = ? AND project_key = ?`,
		decisionID, c.log.Project()).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return &swarmerr.NotFoundError{Op: "swarm.link", Kind: "decision", ID: decisionID}
	}

	ev, err := event.New(c.log.Project(), event.TypeDecisionLinked, event.DecisionLinkedData{
		DecisionID: decisionID,
		Links:      []event.EntityLinkData{link},
	})
	if err != nil {
		return err
	}
	if _, err := c.log.Append(ctx, ev); err != nil {
		return fmt.Errorf("linking decision %s: %w", decisionID, err)
	}
	return nil
}

func validateLink(link *event.EntityLinkData) error {
	if link.EntityType == "" || link.EntityID == "" || link.LinkType == "" {
		return &swarmerr.ValidationError{
			Op: "swarm.link", Msg: "entity type, entity id, and link type are required",
		}
	}
	if link.Strength == 0 {
		link.Strength = 1
	}
	if link.Strength < 0 || link.Strength > 1 {
		return &swarmerr.ValidationError{Op: "swarm.link", Msg: "link strength outside 0-1"}
	}
	return nil
}

// DecisionFilter narrows a decision listing. Zero values match
// everything; Limit defaults to 50.
type DecisionFilter struct {
	DecisionType string
	EpicID       string
	BeadID       string
	Limit        int
}

// Decisions lists decision traces, newest first.
func (c *Coordinator) Decisions(ctx context.Context, f DecisionFilter) ([]Decision, error) {
	where := "project_key = ?"
	args := []any{c.log.Project()}
	if f.DecisionType != "" {
		where += " AND decision_type = ?"
		args = append(args, f.DecisionType)
	}
	if f.EpicID != "" {
		where += " AND epic_id = ?"
		args = append(args, f.EpicID)
	}
	if f.BeadID != "" {
		where += " AND bead_id = ?"
		args = append(args, f.BeadID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := c.log.Store().QueryContext(ctx, `
		SELECT id, decision_type, COALESCE(epic_id, ''), COALESCE(bead_id, ''), agent_name,
		       decision, rationale, inputs_gathered, policy_evaluated, alternatives,
		       precedent_cited, outcome_event_id, quality_score, created_at
		FROM decision_traces
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		var decision, inputs, policy, alternatives, precedent, createdAt string
		var outcome sql.NullInt64
		var quality sql.NullFloat64
		err := rows.Scan(&d.ID, &d.DecisionType, &d.EpicID, &d.BeadID, &d.AgentName,
			&decision, &d.Rationale, &inputs, &policy, &alternatives,
			&precedent, &outcome, &quality, &createdAt)
		if err != nil {
			return nil, err
		}
		d.Decision = json.RawMessage(decision)
		d.InputsGathered = json.RawMessage(inputs)
		d.PolicyEvaluated = json.RawMessage(policy)
		d.Alternatives = json.RawMessage(alternatives)
		d.PrecedentCited = json.RawMessage(precedent)
		if outcome.Valid {
			d.OutcomeEventID = outcome.Int64
		}
		if quality.Valid {
			d.QualityScore = &quality.Float64
		}
		if d.CreatedAt, err = store.ParseTime(createdAt); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// GetDecision returns one decision trace by id.
func (c *Coordinator) GetDecision(ctx context.Context, decisionID string) (*Decision, error) {
	var d Decision
	var decision, inputs, policy, alternatives, precedent, createdAt string
	var outcome sql.NullInt64
	var quality sql.NullFloat64
	err := c.log.Store().QueryRowContext(ctx, `
		SELECT id, decision_type, COALESCE(epic_id, ''), COALESCE(bead_id, ''), agent_name,
		       decision, rationale, inputs_gathered, policy_evaluated, alternatives,
		       precedent_cited, outcome_event_id, quality_score, created_at
		FROM decision_traces
		WHERE id = ? AND project_key = ?`, decisionID, c.log.Project()).
		Scan(&d.ID, &d.DecisionType, &d.EpicID, &d.BeadID, &d.AgentName,
			&decision, &d.Rationale, &inputs, &policy, &alternatives,
			&precedent, &outcome, &quality, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &swarmerr.NotFoundError{Op: "swarm.decision", Kind: "decision", ID: decisionID}
	}
	if err != nil {
		return nil, fmt.Errorf("loading decision %s: %w", decisionID, err)
	}
	d.Decision = json.RawMessage(decision)
	d.InputsGathered = json.RawMessage(inputs)
	d.PolicyEvaluated = json.RawMessage(policy)
	d.Alternatives = json.RawMessage(alternatives)
	d.PrecedentCited = json.RawMessage(precedent)
	if outcome.Valid {
		d.OutcomeEventID = outcome.Int64
	}
	if quality.Valid {
		d.QualityScore = &quality.Float64
	}
	if d.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// Links lists the entity links attached to a decision.
func (c *Coordinator) Links(ctx context.Context, decisionID string) ([]EntityLink, error) {
	rows, err := c.log.Store().QueryContext(ctx, `
		SELECT l.decision_id, l.entity_type, l.entity_id, l.link_type, l.strength
		FROM entity_links l
		JOIN decision_traces d ON d.id = l.decision_id
		WHERE l.decision_id = ? AND d.project_key = ?
		ORDER BY l.entity_type, l.entity_id, l.link_type`, decisionID, c.log.Project())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var links []EntityLink
	for rows.Next() {
		var l EntityLink
		if err := rows.Scan(&l.DecisionID, &l.EntityType, &l.EntityID, &l.LinkType, &l.Strength); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
