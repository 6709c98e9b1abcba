package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/store"
)

func (p *Projector) applyAgentRegistered(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.AgentRegisteredData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	// Re-registering refreshes metadata but keeps the original
	// registered_at; last_active_at only moves forward.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (project_key, name, program, model, task_description, registered_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_key, name) DO UPDATE SET
			program = excluded.program,
			model = excluded.model,
			task_description = excluded.task_description,
			last_active_at = MAX(last_active_at, excluded.last_active_at)`,
		ev.ProjectKey, data.Name, data.Program, data.Model, data.TaskDescription, ts, ts)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (p *Projector) applyAgentActive(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.AgentActiveData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (project_key, name, registered_at, last_active_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_key, name) DO UPDATE SET
			last_active_at = MAX(last_active_at, excluded.last_active_at)`,
		ev.ProjectKey, data.Name, ts, ts)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

func (p *Projector) applyMessageSent(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.MessageSentData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, project_key, from_agent, subject, body, thread_id, importance, ack_required, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		data.MessageID, ev.ProjectKey, data.From, data.Subject, data.Body,
		nullable(data.ThreadID), data.Importance, boolToInt(data.AckRequired), ts)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for _, recipient := range data.To {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_recipients (message_id, agent_name) VALUES (?, ?)`,
			data.MessageID, recipient)
		if err != nil {
			return fmt.Errorf("insert recipient %s: %w", recipient, err)
		}
	}
	return nil
}

func (p *Projector) applyMessageRead(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.MessageReadData
	if err := ev.Decode(&data); err != nil {
		return err
	}

	// First read wins; rereads do not move the timestamp.
	_, err := tx.ExecContext(ctx, `
		UPDATE message_recipients SET read_at = COALESCE(read_at, ?)
		WHERE message_id = ? AND agent_name = ?`,
		store.FormatMS(ev.TimestampMS), data.MessageID, data.Agent)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (p *Projector) applyMessageAcked(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.MessageAckedData
	if err := ev.Decode(&data); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE message_recipients SET acked_at = COALESCE(acked_at, ?)
		WHERE message_id = ? AND agent_name = ?`,
		store.FormatMS(ev.TimestampMS), data.MessageID, data.Agent)
	if err != nil {
		return fmt.Errorf("mark acked: %w", err)
	}
	return nil
}
