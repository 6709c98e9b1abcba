// Package mailbox delivers messages between agents through the event
// log. Inbox reads return bounded header lists and bodies are fetched
// one message at a time, keeping output small enough to inline into an
// agent prompt.
package mailbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/identity"
	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Importance levels in escalation order.
var importanceLevels = map[string]bool{
	"low":    true,
	"normal": true,
	"high":   true,
	"urgent": true,
}

// Summarizer turns a thread's bodies into a prose summary. Implemented
// by llm.Client; nil is fine, summaries then carry aggregates only.
type Summarizer interface {
	Summarize(ctx context.Context, subject string, bodies []string) (string, error)
}

// Mailbox sends and reads messages for one project.
type Mailbox struct {
	log        *event.Log
	maxLimit   int
	summarizer Summarizer
	logger     *slog.Logger
}

func New(log *event.Log, cfg config.InboxConfig, summarizer Summarizer, logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = logging.Discard()
	}
	limit := cfg.MaxLimit
	if limit <= 0 {
		limit = 5
	}
	return &Mailbox{
		log:        log,
		maxLimit:   limit,
		summarizer: summarizer,
		logger:     logger.With("component", "mailbox"),
	}
}

// SendRequest addresses one message. A "*" entry in To broadcasts to
// every registered agent except the sender.
type SendRequest struct {
	From        string
	To          []string
	Subject     string
	Body        string
	ThreadID    string
	Importance  string
	AckRequired bool
}

// SendResult reports the stored message and its expanded recipients.
type SendResult struct {
	MessageID  string   `json:"message_id"`
	ThreadID   string   `json:"thread_id,omitempty"`
	Recipients []string `json:"recipients"`
	Broadcast  bool     `json:"broadcast,omitempty"`
}

// Message is one mailbox entry as seen by a recipient. Body is empty in
// inbox headers unless explicitly requested.
type Message struct {
	ID          string     `json:"id"`
	From        string     `json:"from"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body,omitempty"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Importance  string     `json:"importance"`
	AckRequired bool       `json:"ack_required"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	AckedAt     *time.Time `json:"acked_at,omitempty"`
}

// InboxOptions narrows an inbox fetch. Limit is clamped to the
// configured maximum whatever the caller asks for.
type InboxOptions struct {
	Limit         int
	UnreadOnly    bool
	IncludeBodies bool
}

// ThreadSummary aggregates one thread.
type ThreadSummary struct {
	ThreadID     string    `json:"thread_id"`
	Subject      string    `json:"subject"`
	MessageCount int       `json:"message_count"`
	Participants []string  `json:"participants"`
	LastActivity time.Time `json:"last_activity"`
	Summary      string    `json:"summary,omitempty"`
}

// ThreadInfo is one row of the thread listing.
type ThreadInfo struct {
	ThreadID     string    `json:"thread_id"`
	Subject      string    `json:"subject"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

// Send validates the sender and every recipient against the registered
// agents, expands "*" to all other agents at send time, and appends one
// message_sent event.
func (m *Mailbox) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.From == "" {
		return nil, &swarmerr.ValidationError{Op: "mailbox.send", Msg: "sender is required"}
	}
	if len(req.To) == 0 {
		return nil, &swarmerr.ValidationError{Op: "mailbox.send", Msg: "at least one recipient is required"}
	}
	if req.Body == "" {
		return nil, &swarmerr.ValidationError{Op: "mailbox.send", Msg: "body is required"}
	}
	importance := req.Importance
	if importance == "" {
		importance = "normal"
	}
	if !importanceLevels[importance] {
		return nil, &swarmerr.ValidationError{
			Op: "mailbox.send", Msg: fmt.Sprintf("importance %q is not one of low, normal, high, urgent", req.Importance),
		}
	}

	result := SendResult{MessageID: identity.GenerateMessageID(), ThreadID: req.ThreadID}
	err := m.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		if err := m.requireAgent(ctx, tx, req.From); err != nil {
			return err
		}
		recipients, broadcast, err := m.expandRecipients(ctx, tx, req.From, req.To)
		if err != nil {
			return err
		}
		result.Recipients = recipients
		result.Broadcast = broadcast

		ev, err := event.New(m.log.Project(), event.TypeMessageSent, event.MessageSentData{
			MessageID:   result.MessageID,
			From:        req.From,
			To:          recipients,
			Subject:     req.Subject,
			Body:        req.Body,
			ThreadID:    req.ThreadID,
			Importance:  importance,
			AckRequired: req.AckRequired,
			Broadcast:   broadcast,
		})
		if err != nil {
			return err
		}
		_, err = m.log.AppendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("message sent",
		"from", req.From, "recipients", len(result.Recipients), "importance", importance)
	return &result, nil
}

// Inbox returns at most the configured maximum of headers, newest
// first. Bodies stay empty unless IncludeBodies is set.
func (m *Mailbox) Inbox(ctx context.Context, agentName string, opts InboxOptions) ([]Message, error) {
	if agentName == "" {
		return nil, &swarmerr.ValidationError{Op: "mailbox.inbox", Msg: "agent name is required"}
	}
	limit := opts.Limit
	if limit <= 0 || limit > m.maxLimit {
		limit = m.maxLimit
	}

	body := "''"
	if opts.IncludeBodies {
		body = "m.body"
	}
	query := `
		SELECT m.id, m.from_agent, m.subject, ` + body + `, m.thread_id, m.importance,
		       m.ack_required, m.created_at, r.read_at, r.acked_at
		FROM messages m
		JOIN message_recipients r ON r.message_id = m.id
		WHERE m.project_key = ? AND r.agent_name = ?`
	args := []any{m.log.Project(), agentName}
	if opts.UnreadOnly {
		query += ` AND r.read_at IS NULL`
	}
	query += ` ORDER BY m.created_at DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.log.Store().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying inbox for %s: %w", agentName, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Read returns the full message body and records read_at on the
// recipient row. Reading twice keeps the first timestamp.
func (m *Mailbox) Read(ctx context.Context, messageID, agentName string) (*Message, error) {
	return m.touch(ctx, messageID, agentName, event.TypeMessageRead)
}

// Ack records acked_at on the recipient row and returns the message.
func (m *Mailbox) Ack(ctx context.Context, messageID, agentName string) (*Message, error) {
	return m.touch(ctx, messageID, agentName, event.TypeMessageAcked)
}

func (m *Mailbox) touch(ctx context.Context, messageID, agentName, typ string) (*Message, error) {
	op := "mailbox.read"
	if typ == event.TypeMessageAcked {
		op = "mailbox.ack"
	}
	if messageID == "" || agentName == "" {
		return nil, &swarmerr.ValidationError{Op: op, Msg: "message id and agent name are required"}
	}

	var msg *Message
	err := m.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT m.id, m.from_agent, m.subject, m.body, m.thread_id, m.importance,
			       m.ack_required, m.created_at, r.read_at, r.acked_at
			FROM messages m
			JOIN message_recipients r ON r.message_id = m.id
			WHERE m.project_key = ? AND m.id = ? AND r.agent_name = ?`,
			m.log.Project(), messageID, agentName)
		if err != nil {
			return err
		}
		found, err := scanMessages(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return &swarmerr.NotFoundError{Op: op, Kind: "message", ID: messageID}
		}
		msg = &found[0]

		already := (typ == event.TypeMessageRead && msg.ReadAt != nil) ||
			(typ == event.TypeMessageAcked && msg.AckedAt != nil)
		if already {
			return nil
		}

		var payload any
		if typ == event.TypeMessageRead {
			payload = event.MessageReadData{MessageID: messageID, Agent: agentName}
		} else {
			payload = event.MessageAckedData{MessageID: messageID, Agent: agentName}
		}
		ev, err := event.New(m.log.Project(), typ, payload)
		if err != nil {
			return err
		}
		if _, err := m.log.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
		at := ev.Time()
		if typ == event.TypeMessageRead {
			msg.ReadAt = &at
		} else {
			msg.AckedAt = &at
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// SummarizeOptions controls SummarizeThread. LLM asks the configured
// summarizer for prose; without one the aggregate summary is returned
// as-is.
type SummarizeOptions struct {
	LLM bool
}

// SummarizeThread aggregates message count, participants, and last
// activity for a thread, optionally adding a prose summary.
func (m *Mailbox) SummarizeThread(ctx context.Context, threadID string, opts SummarizeOptions) (*ThreadSummary, error) {
	if threadID == "" {
		return nil, &swarmerr.ValidationError{Op: "mailbox.summarize", Msg: "thread id is required"}
	}

	msgs, err := m.ThreadMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, &swarmerr.NotFoundError{Op: "mailbox.summarize", Kind: "thread", ID: threadID}
	}

	participants := map[string]bool{}
	bodies := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		participants[msg.From] = true
		bodies = append(bodies, msg.Body)
	}
	names := make([]string, 0, len(participants))
	for name := range participants {
		names = append(names, name)
	}
	sort.Strings(names)

	summary := &ThreadSummary{
		ThreadID:     threadID,
		Subject:      msgs[0].Subject,
		MessageCount: len(msgs),
		Participants: names,
		LastActivity: msgs[len(msgs)-1].CreatedAt,
	}
	if opts.LLM && m.summarizer != nil {
		prose, err := m.summarizer.Summarize(ctx, summary.Subject, bodies)
		if err != nil {
			m.logger.Warn("thread summarizer failed, returning aggregates only",
				"thread", threadID, "error", err)
		} else {
			summary.Summary = prose
		}
	}
	return summary, nil
}

// ThreadMessages returns every message in a thread, oldest first, with
// bodies. This is an explicit fetch, not an inbox read, so it is not
// capped.
func (m *Mailbox) ThreadMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := m.log.Store().QueryContext(ctx, `
		SELECT m.id, m.from_agent, m.subject, m.body, m.thread_id, m.importance,
		       m.ack_required, m.created_at, NULL, NULL
		FROM messages m
		WHERE m.project_key = ? AND m.thread_id = ?
		ORDER BY m.created_at, m.id`,
		m.log.Project(), threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread %s: %w", threadID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Threads lists threads by recent activity.
func (m *Mailbox) Threads(ctx context.Context, limit int) ([]ThreadInfo, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	// The bare subject column rides the MAX(created_at) row, so each
	// listing shows the latest subject in the thread.
	rows, err := m.log.Store().QueryContext(ctx, `
		SELECT thread_id, subject, COUNT(id), MAX(created_at)
		FROM messages
		WHERE project_key = ? AND thread_id IS NOT NULL AND thread_id != ''
		GROUP BY thread_id
		ORDER BY MAX(created_at) DESC
		LIMIT ?`,
		m.log.Project(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var out []ThreadInfo
	for rows.Next() {
		var ti ThreadInfo
		var last string
		if err := rows.Scan(&ti.ThreadID, &ti.Subject, &ti.MessageCount, &last); err != nil {
			return nil, err
		}
		if ti.LastActivity, err = store.ParseTime(last); err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// Search scans subject and body with a LIKE match, newest first.
func (m *Mailbox) Search(ctx context.Context, query string, limit int) ([]Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &swarmerr.ValidationError{Op: "mailbox.search", Msg: "query is required"}
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := m.log.Store().QueryContext(ctx, `
		SELECT m.id, m.from_agent, m.subject, m.body, m.thread_id, m.importance,
		       m.ack_required, m.created_at, NULL, NULL
		FROM messages m
		WHERE m.project_key = ? AND (m.subject LIKE ? OR m.body LIKE ?)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`,
		m.log.Project(), like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (m *Mailbox) requireAgent(ctx context.Context, tx *sql.Tx, name string) error {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(name) FROM agents WHERE project_key = ? AND name = ?`,
		m.log.Project(), name).Scan(&count)
	if err != nil {
		return fmt.Errorf("looking up agent %s: %w", name, err)
	}
	if count == 0 {
		return &swarmerr.NotFoundError{Op: "mailbox.send", Kind: "agent", ID: name}
	}
	return nil
}

// expandRecipients resolves "*" to every other registered agent and
// validates explicit names. Duplicates collapse.
func (m *Mailbox) expandRecipients(ctx context.Context, tx *sql.Tx, from string, to []string) ([]string, bool, error) {
	broadcast := false
	for _, name := range to {
		if name == "*" {
			broadcast = true
			break
		}
	}
	if broadcast {
		rows, err := tx.QueryContext(ctx, `
			SELECT name FROM agents WHERE project_key = ? AND name != ? ORDER BY name`,
			m.log.Project(), from)
		if err != nil {
			return nil, false, fmt.Errorf("expanding broadcast: %w", err)
		}
		defer rows.Close()
		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, false, err
			}
			names = append(names, name)
		}
		if err := rows.Err(); err != nil {
			return nil, false, err
		}
		if len(names) == 0 {
			return nil, false, &swarmerr.ValidationError{
				Op: "mailbox.send", Msg: "broadcast found no other registered agents",
			}
		}
		return names, true, nil
	}

	seen := map[string]bool{}
	var names []string
	for _, name := range to {
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := m.requireAgent(ctx, tx, name); err != nil {
			return nil, false, err
		}
		names = append(names, name)
	}
	return names, false, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var msg Message
		var thread sql.NullString
		var ack int
		var created string
		var readAt, ackedAt sql.NullString
		if err := rows.Scan(&msg.ID, &msg.From, &msg.Subject, &msg.Body, &thread,
			&msg.Importance, &ack, &created, &readAt, &ackedAt); err != nil {
			return nil, err
		}
		msg.ThreadID = thread.String
		msg.AckRequired = ack != 0
		var err error
		if msg.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		if msg.ReadAt, err = parseNullTime(readAt); err != nil {
			return nil, err
		}
		if msg.AckedAt, err = parseNullTime(ackedAt); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := store.ParseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
