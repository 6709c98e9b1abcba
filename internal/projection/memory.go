package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/store"
)

func (p *Projector) applyMemoryStored(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.MemoryStoredData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	tags, err := json.Marshal(orEmpty(data.Tags))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, project_key, content, tags, collection, confidence, decay_tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'hot', ?)`,
		data.MemoryID, ev.ProjectKey, data.Content, string(tags), data.Collection,
		data.Confidence, ts)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	// Entity vocabulary is global and first-writer-wins, which keeps
	// replay idempotent across projects.
	for _, entity := range data.Entities {
		alts, err := json.Marshal(orEmpty(entity.AltLabels))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_entities (pref_label, alt_labels, created_at)
			VALUES (?, ?, ?)`, entity.PrefLabel, string(alts), ts); err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_entity_refs (memory_id, pref_label)
			VALUES (?, ?)`, data.MemoryID, entity.PrefLabel); err != nil {
			return fmt.Errorf("insert entity ref: %w", err)
		}
	}

	for _, rel := range data.Relations {
		if rel.Broader == "" || rel.Narrower == "" || rel.Broader == rel.Narrower {
			continue
		}
		if err := ensureEntity(ctx, tx, rel.Broader, ts); err != nil {
			return err
		}
		if err := ensureEntity(ctx, tx, rel.Narrower, ts); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_entity_links (broader_label, narrower_label, created_at)
			VALUES (?, ?, ?)`, rel.Broader, rel.Narrower, ts); err != nil {
			return fmt.Errorf("insert entity relation: %w", err)
		}
	}

	for _, related := range data.RelatedIDs {
		if related == data.MemoryID {
			continue
		}
		// Related-memory links are symmetric in meaning; stored once in
		// each direction so either side's expand finds the other.
		for _, pair := range [][2]string{{data.MemoryID, related}, {related, data.MemoryID}} {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO memory_links (from_id, to_id, relation)
				SELECT ?, ?, 'related'
				WHERE EXISTS (SELECT 1 FROM memories WHERE id = ?)`,
				pair[0], pair[1], related); err != nil {
				return fmt.Errorf("insert memory link: %w", err)
			}
		}
	}
	return nil
}

func ensureEntity(ctx context.Context, tx *sql.Tx, label, ts string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_entities (pref_label, alt_labels, created_at)
		VALUES (?, '[]', ?)`, label, ts)
	return err
}

func (p *Projector) applyMemoryUpdated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.MemoryUpdatedData
	if err := ev.Decode(&data); err != nil {
		return err
	}

	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(id) FROM memories WHERE id = ?`, data.MemoryID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		p.logger.Warn("skipping update of missing memory", "memory", data.MemoryID)
		return nil
	}

	sets := []string{}
	args := []any{}
	if data.Patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *data.Patch.Content)
	}
	if data.Patch.Tags != nil {
		tags, err := json.Marshal(orEmpty(*data.Patch.Tags))
		if err != nil {
			return err
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tags))
	}
	if data.Patch.Collection != nil {
		sets = append(sets, "collection = ?")
		args = append(args, *data.Patch.Collection)
	}
	if data.Patch.Confidence != nil {
		sets = append(sets, "confidence = ?")
		args = append(args, *data.Patch.Confidence)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, data.MemoryID)

	query := "UPDATE memories SET " + sets[0]
	for _, s := range sets[1:] {
		query += ", " + s
	}
	query += " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return nil
}

func (p *Projector) applyMemoryDeleted(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.MemoryDeletedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	// Cascades remove refs, links, and validations; the FTS trigger
	// clears the shadow row. The vector row is owned by the memory
	// component, which deletes it in the same transaction.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memories WHERE id = ?`, data.MemoryID); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

func (p *Projector) applyMemoryValidated(ctx context.Context, tx *sql.Tx, ev event.Event) error {
	var data event.MemoryValidatedData
	if err := ev.Decode(&data); err != nil {
		return err
	}
	ts := store.FormatMS(ev.TimestampMS)

	var previous string
	err := tx.QueryRowContext(ctx,
		`SELECT decay_tier FROM memories WHERE id = ?`, data.MemoryID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		p.logger.Warn("skipping validation of missing memory", "memory", data.MemoryID)
		return nil
	}
	if err != nil {
		return err
	}

	// Validation resets the clock: the memory is hot again.
	if _, err := tx.ExecContext(ctx, `
		UPDATE memories SET validated_at = ?, decay_tier = 'hot' WHERE id = ?`,
		ts, data.MemoryID); err != nil {
		return fmt.Errorf("validate memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_validations (memory_id, event_id, validated_at, previous_tier, new_tier)
		VALUES (?, ?, ?, ?, 'hot')`,
		data.MemoryID, ev.ID, ts, previous); err != nil {
		return fmt.Errorf("record validation: %w", err)
	}
	return nil
}
