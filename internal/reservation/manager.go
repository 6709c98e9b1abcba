package reservation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/projection"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Reservation is one lease row. Active means released_at is unset and
// expires_at is in the future.
type Reservation struct {
	ID          string    `json:"id"`
	AgentName   string    `json:"agent_name"`
	PathPattern string    `json:"path_pattern"`
	Exclusive   bool      `json:"exclusive"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Conflict names the holder that kept a requested path from being granted.
type Conflict struct {
	Path          string    `json:"path"`
	ReservationID string    `json:"reservation_id"`
	Holder        string    `json:"holder"`
	HolderPattern string    `json:"holder_pattern"`
	Exclusive     bool      `json:"exclusive"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ReserveRequest asks for a lease over every path in Paths. The zero
// value of Shared requests an exclusive lease; shared leases conflict
// only with exclusive ones. TTLSeconds of zero uses the configured
// default.
type ReserveRequest struct {
	AgentName  string
	Paths      []string
	Reason     string
	Shared     bool
	TTLSeconds int
}

// ReserveResult is all-or-nothing: Granted is empty whenever Conflicts
// is not.
type ReserveResult struct {
	Granted   []Reservation `json:"granted"`
	Conflicts []Conflict    `json:"conflicts"`
}

// ReleaseOptions narrows an agent-scoped release. With both fields
// empty the agent's every active reservation is released.
type ReleaseOptions struct {
	Paths          []string
	ReservationIDs []string
}

// Manager grants and releases leases through the event log.
type Manager struct {
	log        *event.Log
	defaultTTL time.Duration
	logger     *slog.Logger
}

func NewManager(log *event.Log, cfg config.ReservationConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	ttl := time.Duration(cfg.DefaultTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		log:        log,
		defaultTTL: ttl,
		logger:     logger.With("component", "reservation"),
	}
}

// Reserve grants a lease over every requested path or none of them.
// Expired rows are swept inside the same transaction first, so a stale
// holder never blocks a fresh claim. Conflicts are reported in the
// result, not as an error; concurrent reservers retry or surface them.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	if req.AgentName == "" {
		return nil, &swarmerr.ValidationError{Op: "reservation.reserve", Msg: "agent name is required"}
	}
	if len(req.Paths) == 0 {
		return nil, &swarmerr.ValidationError{Op: "reservation.reserve", Msg: "at least one path is required"}
	}
	patterns := make([]Pattern, len(req.Paths))
	for i, p := range req.Paths {
		pat, err := Compile(p)
		if err != nil {
			return nil, err
		}
		patterns[i] = pat
	}

	ttl := m.defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	var result ReserveResult
	err := m.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		result = ReserveResult{}
		now := time.Now()
		if err := m.sweepTx(ctx, tx, now); err != nil {
			return err
		}

		active, err := m.activeTx(ctx, tx, now, "")
		if err != nil {
			return err
		}
		result.Conflicts = conflictsAgainst(active, patterns, req.Paths, req.AgentName, !req.Shared)
		if len(result.Conflicts) > 0 {
			return nil
		}

		expires := now.Add(ttl)
		ev, err := event.New(m.log.Project(), event.TypeFileReserved, event.FileReservedData{
			AgentName:   req.AgentName,
			Paths:       req.Paths,
			Exclusive:   !req.Shared,
			Reason:      req.Reason,
			TTLSeconds:  int(ttl / time.Second),
			ExpiresAtMS: expires.UnixMilli(),
		})
		if err != nil {
			return err
		}
		appended, err := m.log.AppendTx(ctx, tx, ev)
		if err != nil {
			return err
		}
		for i, p := range req.Paths {
			result.Granted = append(result.Granted, Reservation{
				ID:          projection.ReservationID(appended.ID, i),
				AgentName:   req.AgentName,
				PathPattern: p,
				Exclusive:   !req.Shared,
				Reason:      req.Reason,
				CreatedAt:   ev.Time(),
				ExpiresAt:   time.UnixMilli(expires.UnixMilli()),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(result.Granted) > 0 {
		m.logger.Debug("reserved paths",
			"agent", req.AgentName, "paths", len(result.Granted), "exclusive", !req.Shared)
	}
	return &result, nil
}

// Release ends the agent's leases selected by opts and reports how many
// rows it released. Releasing nothing is not an error and appends no
// event.
func (m *Manager) Release(ctx context.Context, agentName string, opts ReleaseOptions) (int, error) {
	if agentName == "" {
		return 0, &swarmerr.ValidationError{Op: "reservation.release", Msg: "agent name is required"}
	}
	if len(opts.Paths) > 0 && len(opts.ReservationIDs) > 0 {
		return 0, &swarmerr.ValidationError{Op: "reservation.release", Msg: "paths and reservation ids are mutually exclusive"}
	}

	var released int
	err := m.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		// The event carries resolved ids the agent actually owns, so the
		// projector never releases another agent's rows by id.
		ids, err := m.ownedReleasable(ctx, tx, agentName, opts)
		if err != nil {
			return err
		}
		released = len(ids)
		if released == 0 {
			return nil
		}
		ev, err := event.New(m.log.Project(), event.TypeFileReleased, event.FileReleasedData{
			AgentName:      agentName,
			ReservationIDs: ids,
		})
		if err != nil {
			return err
		}
		_, err = m.log.AppendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// ReleaseAll releases every active reservation in the project. Admin
// path; the event records the acting agent for audit.
func (m *Manager) ReleaseAll(ctx context.Context, actor string) (int, error) {
	return m.adminRelease(ctx, actor, event.FileReleasedData{AgentName: actor, ReleaseAll: true})
}

// ReleaseAgent releases every active reservation held by target on
// behalf of actor.
func (m *Manager) ReleaseAgent(ctx context.Context, actor, target string) (int, error) {
	if target == "" {
		return 0, &swarmerr.ValidationError{Op: "reservation.release_agent", Msg: "target agent is required"}
	}
	return m.adminRelease(ctx, actor, event.FileReleasedData{AgentName: actor, TargetAgent: target})
}

func (m *Manager) adminRelease(ctx context.Context, actor string, data event.FileReleasedData) (int, error) {
	if actor == "" {
		return 0, &swarmerr.ValidationError{Op: "reservation.release", Msg: "acting agent is required"}
	}
	var released int
	err := m.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		query := `SELECT COUNT(id) FROM reservations WHERE project_key = ? AND released_at IS NULL`
		args := []any{m.log.Project()}
		if data.TargetAgent != "" {
			query += ` AND agent_name = ?`
			args = append(args, data.TargetAgent)
		}
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&released); err != nil {
			return fmt.Errorf("count releasable: %w", err)
		}
		if released == 0 {
			return nil
		}
		ev, err := event.New(m.log.Project(), event.TypeFileReleased, data)
		if err != nil {
			return err
		}
		_, err = m.log.AppendTx(ctx, tx, ev)
		return err
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		m.logger.Info("released reservations", "actor", actor, "target", data.TargetAgent, "count", released)
	}
	return released, nil
}

// Active returns the project's active reservations ordered by creation.
func (m *Manager) Active(ctx context.Context) ([]Reservation, error) {
	return m.active(ctx, "")
}

// ActiveFor returns one agent's active reservations.
func (m *Manager) ActiveFor(ctx context.Context, agentName string) ([]Reservation, error) {
	if agentName == "" {
		return nil, &swarmerr.ValidationError{Op: "reservation.active_for", Msg: "agent name is required"}
	}
	return m.active(ctx, agentName)
}

func (m *Manager) active(ctx context.Context, agentName string) ([]Reservation, error) {
	var out []Reservation
	err := m.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = m.activeTx(ctx, tx, time.Now(), agentName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConflictsFor probes which active reservations would block an
// exclusive claim over paths, without writing anything. Expired rows
// never count: reads filter on expiry whether or not a sweep ran.
func (m *Manager) ConflictsFor(ctx context.Context, paths []string, excludeAgent string) ([]Conflict, error) {
	if len(paths) == 0 {
		return nil, &swarmerr.ValidationError{Op: "reservation.conflicts_for", Msg: "at least one path is required"}
	}
	patterns := make([]Pattern, len(paths))
	for i, p := range paths {
		pat, err := Compile(p)
		if err != nil {
			return nil, err
		}
		patterns[i] = pat
	}
	var conflicts []Conflict
	err := m.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		active, err := m.activeTx(ctx, tx, time.Now(), "")
		if err != nil {
			return err
		}
		conflicts = conflictsAgainst(active, patterns, paths, excludeAgent, true)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conflicts, nil
}

// conflictsAgainst runs the glob intersection between requested
// patterns and held rows. A pair conflicts when the patterns can match
// a common path and at least one side is exclusive. The requesting
// agent's own rows never conflict.
func conflictsAgainst(active []Reservation, patterns []Pattern, paths []string, requester string, exclusive bool) []Conflict {
	var conflicts []Conflict
	for i, pat := range patterns {
		for _, held := range active {
			if requester != "" && held.AgentName == requester {
				continue
			}
			if !exclusive && !held.Exclusive {
				continue
			}
			heldPat, err := Compile(held.PathPattern)
			if err != nil {
				// Stored patterns were validated when reserved.
				continue
			}
			if pat.Intersects(heldPat) {
				conflicts = append(conflicts, Conflict{
					Path:          paths[i],
					ReservationID: held.ID,
					Holder:        held.AgentName,
					HolderPattern: held.PathPattern,
					Exclusive:     held.Exclusive,
					ExpiresAt:     held.ExpiresAt,
				})
			}
		}
	}
	return conflicts
}

// sweepTx releases rows whose TTL lapsed, as a file_released event so
// replay reproduces the same released_at timestamps.
func (m *Manager) sweepTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM reservations
		WHERE project_key = ? AND released_at IS NULL AND expires_at <= ?
		ORDER BY id`,
		m.log.Project(), store.FormatTime(now))
	if err != nil {
		return fmt.Errorf("scan expired: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	ev, err := event.New(m.log.Project(), event.TypeFileReleased, event.FileReleasedData{
		ReservationIDs: ids,
		Expired:        true,
	})
	if err != nil {
		return err
	}
	if _, err := m.log.AppendTx(ctx, tx, ev); err != nil {
		return err
	}
	m.logger.Debug("swept expired reservations", "count", len(ids))
	return nil
}

func (m *Manager) activeTx(ctx context.Context, tx *sql.Tx, now time.Time, agentName string) ([]Reservation, error) {
	query := `
		SELECT id, agent_name, path_pattern, exclusive, reason, created_at, expires_at
		FROM reservations
		WHERE project_key = ? AND released_at IS NULL AND expires_at > ?`
	args := []any{m.log.Project(), store.FormatTime(now)}
	if agentName != "" {
		query += ` AND agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY created_at, id`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		var exclusive int
		var created, expires string
		if err := rows.Scan(&r.ID, &r.AgentName, &r.PathPattern, &exclusive, &r.Reason, &created, &expires); err != nil {
			return nil, err
		}
		r.Exclusive = exclusive != 0
		if r.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		if r.ExpiresAt, err = store.ParseTime(expires); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (m *Manager) ownedReleasable(ctx context.Context, tx *sql.Tx, agentName string, opts ReleaseOptions) ([]string, error) {
	query := `SELECT id FROM reservations WHERE project_key = ? AND agent_name = ? AND released_at IS NULL`
	args := []any{m.log.Project(), agentName}
	switch {
	case len(opts.ReservationIDs) > 0:
		query += ` AND id IN (` + placeholders(len(opts.ReservationIDs)) + `)`
		for _, id := range opts.ReservationIDs {
			args = append(args, id)
		}
	case len(opts.Paths) > 0:
		query += ` AND path_pattern IN (` + placeholders(len(opts.Paths)) + `)`
		for _, p := range opts.Paths {
			args = append(args, p)
		}
	}
	query += ` ORDER BY id`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select releasable: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	s := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			s = append(s, ',')
		}
		s = append(s, '?')
	}
	return string(s)
}
