package event

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Applier consumes appended events inside the append transaction.
// Reset clears everything the applier has built for a project so
// Rebuild can replay into clean tables.
type Applier interface {
	Apply(ctx context.Context, tx *sql.Tx, ev Event) error
	Reset(ctx context.Context, tx *sql.Tx, projectKey string) error
}

// Appended reports the outcome of an append. Deduped means an event
// with the same event id already existed and nothing was written.
type Appended struct {
	ID      int64  `json:"id"`
	EventID string `json:"event_id"`
	Deduped bool   `json:"deduped,omitempty"`
}

// Log appends events for one project and keeps projections in step.
type Log struct {
	store   *store.Store
	project string
	applier Applier
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewLog binds a log to a project. applier may be nil for read-only
// uses such as inspection commands.
func NewLog(s *store.Store, projectKey string, applier Applier, logger *slog.Logger) *Log {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Log{
		store:   s,
		project: projectKey,
		applier: applier,
		logger:  logger.With("component", "eventlog"),
		tracer:  otel.Tracer("swarmmail/event"),
	}
}

// Project returns the project key the log is bound to.
func (l *Log) Project() string { return l.project }

// Store returns the underlying store for callers that need to open
// their own transactions around AppendTx.
func (l *Log) Store() *store.Store { return l.store }

// Append writes one event in its own transaction.
func (l *Log) Append(ctx context.Context, ev Event) (Appended, error) {
	var out Appended
	err := l.store.Transact(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = l.AppendTx(ctx, tx, ev)
		return err
	})
	return out, err
}

// AppendTx writes one event inside an existing transaction and applies
// it to projections. A duplicate event id is a no-op returning the
// original row id.
func (l *Log) AppendTx(ctx context.Context, tx *sql.Tx, ev Event) (Appended, error) {
	ctx, span := l.tracer.Start(ctx, "event.append",
		trace.WithAttributes(attribute.String("event.type", ev.Type)))
	defer span.End()

	if ev.Type == "" {
		return Appended{}, &swarmerr.ValidationError{Op: "event.append", Msg: "event type is required"}
	}
	if ev.ProjectKey == "" {
		ev.ProjectKey = l.project
	}
	if ev.TimestampMS == 0 {
		ev.TimestampMS = time.Now().UnixMilli()
	}
	if len(ev.Data) == 0 {
		ev.Data = []byte("{}")
	}
	if err := ensureEventID(&ev); err != nil {
		return Appended{}, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (event_id, type, project_key, timestamp_ms, data)
		VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, ev.Type, ev.ProjectKey, ev.TimestampMS, string(ev.Data))
	if err != nil {
		span.RecordError(err)
		return Appended{}, fmt.Errorf("append event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Appended{}, fmt.Errorf("append event: %w", err)
	}
	if n == 0 {
		// Same idempotency key seen before. The projection already
		// reflects it, so skip apply.
		var id int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM events WHERE event_id = ?`, ev.EventID).Scan(&id); err != nil {
			return Appended{}, fmt.Errorf("lookup deduped event: %w", err)
		}
		l.logger.Debug("event deduped", "event_id", ev.EventID, "type", ev.Type)
		return Appended{ID: id, EventID: ev.EventID, Deduped: true}, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Appended{}, fmt.Errorf("append event: %w", err)
	}
	ev.ID = id

	if l.applier != nil {
		if err := l.applier.Apply(ctx, tx, ev); err != nil {
			span.RecordError(err)
			return Appended{}, err
		}
	}

	l.logger.Debug("event appended", "id", id, "type", ev.Type)
	return Appended{ID: id, EventID: ev.EventID}, nil
}

// Filter narrows Read and Replay. Zero values mean no constraint.
type Filter struct {
	Types   []string
	Since   time.Time
	Until   time.Time
	AfterID int64
	Limit   int
}

func (f Filter) where(project string) (string, []any) {
	clauses := []string{"project_key = ?"}
	args := []any{project}

	if len(f.Types) > 0 {
		placeholders := strings.Repeat("?,", len(f.Types))
		clauses = append(clauses, "type IN ("+placeholders[:len(placeholders)-1]+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "timestamp_ms <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, f.AfterID)
	}
	return strings.Join(clauses, " AND "), args
}

// Read returns events in append order.
func (l *Log) Read(ctx context.Context, f Filter) ([]Event, error) {
	where, args := f.where(l.project)
	query := `SELECT id, event_id, type, project_key, timestamp_ms, data FROM events WHERE ` +
		where + ` ORDER BY id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := l.store.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		var data string
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Type, &ev.ProjectKey, &ev.TimestampMS, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Data = []byte(data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Get looks an event up by its event id.
func (l *Log) Get(ctx context.Context, eventID string) (Event, error) {
	var ev Event
	var data string
	err := l.store.QueryRowContext(ctx, `
		SELECT id, event_id, type, project_key, timestamp_ms, data
		FROM events WHERE event_id = ? AND project_key = ?`,
		eventID, l.project).Scan(&ev.ID, &ev.EventID, &ev.Type, &ev.ProjectKey, &ev.TimestampMS, &data)
	if err == sql.ErrNoRows {
		return Event{}, &swarmerr.NotFoundError{Op: "event.get", Kind: "event", ID: eventID}
	}
	if err != nil {
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	ev.Data = []byte(data)
	return ev, nil
}

// Replay walks matching events in order, invoking fn for each.
func (l *Log) Replay(ctx context.Context, f Filter, fn func(Event) error) error {
	events, err := l.Read(ctx, f)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild clears the project's projections and replays every event into
// them. The log itself is untouched. Because appliers derive all state
// from event content, the rebuilt tables match the originals exactly.
func (l *Log) Rebuild(ctx context.Context) (int, error) {
	ctx, span := l.tracer.Start(ctx, "event.rebuild")
	defer span.End()

	if l.applier == nil {
		return 0, &swarmerr.StateError{Op: "event.rebuild", Msg: "log has no applier"}
	}

	applied := 0
	err := l.store.Transact(ctx, func(tx *sql.Tx) error {
		applied = 0
		if err := l.applier.Reset(ctx, tx, l.project); err != nil {
			return err
		}

		// Materialize first: SQLite on a single connection cannot
		// interleave row iteration with the applier's writes.
		rows, err := tx.QueryContext(ctx, `
			SELECT id, event_id, type, project_key, timestamp_ms, data
			FROM events WHERE project_key = ? ORDER BY id`, l.project)
		if err != nil {
			return fmt.Errorf("read events for rebuild: %w", err)
		}
		var events []Event
		for rows.Next() {
			var ev Event
			var data string
			if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Type, &ev.ProjectKey, &ev.TimestampMS, &data); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan event: %w", err)
			}
			ev.Data = []byte(data)
			events = append(events, ev)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		for _, ev := range events {
			if err := l.applier.Apply(ctx, tx, ev); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	l.logger.Info("projections rebuilt", "events", applied)
	return applied, nil
}
