package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/store"
)

func (p *Projector) applySwarmCheckpointed(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.SwarmCheckpointedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	files, err := json.Marshal(orEmpty(data.Files))
	if err != nil {
		return err
	}
	deps, err := json.Marshal(orEmpty(data.Dependencies))
	if err != nil {
		return err
	}
	recovery := "{}"
	if len(data.Recovery) > 0 {
		recovery = string(data.Recovery)
	}

	// Later checkpoints overwrite fields they carry and keep the rest,
	// so partial recovery updates do not erase the spawn-time context.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO swarm_contexts (epic_id, bead_id, project_key, strategy, files, dependencies,
			directives, recovery, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (epic_id, bead_id) DO UPDATE SET
			strategy = CASE WHEN excluded.strategy <> '' THEN excluded.strategy ELSE strategy END,
			files = CASE WHEN excluded.files <> '[]' THEN excluded.files ELSE files END,
			dependencies = CASE WHEN excluded.dependencies <> '[]' THEN excluded.dependencies ELSE dependencies END,
			directives = CASE WHEN excluded.directives <> '' THEN excluded.directives ELSE directives END,
			recovery = CASE WHEN excluded.recovery <> '{}' THEN excluded.recovery ELSE recovery END,
			updated_at = excluded.updated_at`,
		data.EpicID, data.BeadID, ev.ProjectKey, data.Strategy, string(files), string(deps),
		data.Directives, recovery, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert swarm context: %w", err)
	}
	return nil
}

// reviewTransition is the slice of a decision payload the review state
// machine projects from.
type reviewTransition struct {
	ReviewState string `json:"review_state"`
	Attempt     int    `json:"attempt"`
	Worker      string `json:"worker"`
}

func (p *Projector) applyDecisionRecorded(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.DecisionRecordedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	decision := "{}"
	if len(data.Decision) > 0 {
		decision = string(data.Decision)
	}

	var outcome sql.NullInt64
	if data.OutcomeEventID > 0 {
		outcome = sql.NullInt64{Int64: data.OutcomeEventID, Valid: true}
	}
	var quality sql.NullFloat64
	if data.QualityScore != nil {
		quality = sql.NullFloat64{Float64: *data.QualityScore, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO decision_traces (id, project_key, decision_type, epic_id, bead_id, agent_name,
			decision, rationale, inputs_gathered, policy_evaluated, alternatives, precedent_cited,
			outcome_event_id, quality_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		data.DecisionID, ev.ProjectKey, data.DecisionType, nullable(data.EpicID),
		nullable(data.BeadID), data.AgentName, decision, data.Rationale,
		rawOr(data.InputsGathered, "{}"), rawOr(data.PolicyEvaluated, "{}"),
		rawOr(data.Alternatives, "[]"), rawOr(data.PrecedentCited, "[]"),
		outcome, quality, ts)
	if err != nil {
		return fmt.Errorf("insert decision trace: %w", err)
	}

	for _, link := range data.Links {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO entity_links (decision_id, entity_type, entity_id, link_type, strength)
			VALUES (?, ?, ?, ?, ?)`,
			data.DecisionID, link.EntityType, link.EntityID, link.LinkType, link.Strength)
		if err != nil {
			return fmt.Errorf("insert entity link: %w", err)
		}
	}

	// Decisions that carry a review_state drive the durable review
	// machine for the bead.
	var transition reviewTransition
	if err := json.Unmarshal(data.Decision, &transition); err == nil &&
		transition.ReviewState != "" && data.BeadID != "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO review_states (bead_id, project_key, state, attempt, last_worker, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (bead_id) DO UPDATE SET
				state = excluded.state,
				attempt = excluded.attempt,
				last_worker = CASE WHEN excluded.last_worker <> '' THEN excluded.last_worker ELSE last_worker END,
				updated_at = excluded.updated_at`,
			data.BeadID, ev.ProjectKey, transition.ReviewState, transition.Attempt,
			transition.Worker, ts)
		if err != nil {
			return fmt.Errorf("upsert review state: %w", err)
		}
	}
	return nil
}

func (p *Projector) applyDecisionLinked(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.DecisionLinkedData
	if err := ev.Decode(&data); err != nil {
		return err
	}

	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(id) FROM decision_traces WHERE id = ?`, data.DecisionID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		p.logger.Warn("skipping links for missing decision", "decision", data.DecisionID)
		return nil
	}

	for _, link := range data.Links {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO entity_links (decision_id, entity_type, entity_id, link_type, strength)
			VALUES (?, ?, ?, ?, ?)`,
			data.DecisionID, link.EntityType, link.EntityID, link.LinkType, link.Strength)
		if err != nil {
			return fmt.Errorf("insert entity link: %w", err)
		}
	}
	return nil
}

func rawOr(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	return string(raw)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
