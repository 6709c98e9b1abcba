// Package session composes the runtime for one project: it opens the
// project database, wires the event log through the projector, and hands
// back the mailbox, reservation, hive, swarm, and memory components over
// that shared log. A Session is what the CLI (and any embedding program)
// holds for the duration of a command or agent run.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/hive"
	"github.com/hexframe/swarmmail/internal/identity"
	"github.com/hexframe/swarmmail/internal/llm"
	"github.com/hexframe/swarmmail/internal/lock"
	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/mailbox"
	"github.com/hexframe/swarmmail/internal/memory"
	"github.com/hexframe/swarmmail/internal/paths"
	"github.com/hexframe/swarmmail/internal/projection"
	"github.com/hexframe/swarmmail/internal/reservation"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarm"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// recallLimit caps how many memories a single recall injects.
const recallLimit = 5

// Options tunes how a Session is opened. The zero value works: config is
// loaded from the default locations, the database lands under the per-user
// config home, and the AI seams activate only when their environment is
// configured.
type Options struct {
	// Config overrides file-based loading entirely. When nil, ConfigPath
	// (or the default search path) is loaded instead.
	Config     *config.Config
	ConfigPath string

	// DBPath overrides the per-project database location.
	DBPath string

	Logger *slog.Logger

	// Embedder, Extractor, and Summarizer override the AI seams. Leave nil
	// to wire them from configuration and environment: an OpenAI-compatible
	// embedder when embedding.model is set, and the Anthropic client for
	// extraction and thread summaries when ANTHROPIC_API_KEY is present.
	Embedder   memory.Embedder
	Extractor  memory.Extractor
	Summarizer mailbox.Summarizer
}

// Session is the assembled runtime for one project key.
type Session struct {
	project string
	cfg     *config.Config
	logger  *slog.Logger

	store *store.Store
	log   *event.Log
	locks *lock.Service

	mailbox      *mailbox.Mailbox
	reservations *reservation.Manager
	hive         *hive.Hive
	swarm        *swarm.Coordinator
	memory       *memory.Service

	mu         sync.Mutex
	lastRecall time.Time
}

// Open assembles a Session for projectKey, creating the project database
// and replay infrastructure on first use.
func Open(ctx context.Context, projectKey string, opts Options) (*Session, error) {
	if projectKey == "" {
		return nil, &swarmerr.ValidationError{Op: "session.open", Msg: "project key cannot be empty"}
	}

	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		p, err := paths.DBPath(projectKey)
		if err != nil {
			return nil, err
		}
		dbPath = p
	}

	st, err := store.Open(ctx, dbPath, logger)
	if err != nil {
		return nil, err
	}

	log := event.NewLog(st, projectKey, projection.New(logger), logger)
	locks := lock.NewService(st, logger)

	embedder := opts.Embedder
	if embedder == nil {
		if e := memory.NewEmbedder(cfg.Embedding); e != nil {
			embedder = e
		}
	}

	extractor := opts.Extractor
	summarizer := opts.Summarizer
	if extractor == nil || summarizer == nil {
		if client := llm.NewFromEnv(logger); client != nil {
			if summarizer == nil {
				summarizer = client
			}
			if extractor == nil {
				extractor = memory.Pipeline{memory.RegexExtractor{}, client}
			}
		}
	}
	if extractor == nil {
		extractor = memory.RegexExtractor{}
	}

	snapshotPath, err := paths.SnapshotPath(projectKey, cfg.Hive.SnapshotDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	h := hive.New(log, cfg.Hive, snapshotPath, locks, logger)
	res := reservation.NewManager(log, cfg.Reservation, logger)
	mb := mailbox.New(log, cfg.Inbox, summarizer, logger)

	return &Session{
		project:      projectKey,
		cfg:          cfg,
		logger:       logger.With("component", "session"),
		store:        st,
		log:          log,
		locks:        locks,
		mailbox:      mb,
		reservations: res,
		hive:         h,
		swarm:        swarm.New(log, h, res, mb, cfg.Review, logger),
		memory:       memory.New(log, cfg.Memory, embedder, extractor, logger),
	}, nil
}

// Close releases the underlying database.
func (s *Session) Close() error {
	return s.store.Close()
}

// Project returns the project key the session was opened for.
func (s *Session) Project() string { return s.project }

// Config returns the effective configuration.
func (s *Session) Config() *config.Config { return s.cfg }

// Events exposes the append-only log for tailing and replay.
func (s *Session) Events() *event.Log { return s.log }

// Locks exposes the fence-token lock service.
func (s *Session) Locks() *lock.Service { return s.locks }

// Mailbox exposes agent messaging.
func (s *Session) Mailbox() *mailbox.Mailbox { return s.mailbox }

// Reservations exposes file reservations.
func (s *Session) Reservations() *reservation.Manager { return s.reservations }

// Hive exposes the work-item tracker.
func (s *Session) Hive() *hive.Hive { return s.hive }

// Swarm exposes the swarm coordinator.
func (s *Session) Swarm() *swarm.Coordinator { return s.swarm }

// Memory exposes the semantic memory store.
func (s *Session) Memory() *memory.Service { return s.memory }

// Agent is a participant registered with the project.
type Agent struct {
	Name            string    `json:"name"`
	Program         string    `json:"program,omitempty"`
	Model           string    `json:"model,omitempty"`
	TaskDescription string    `json:"task_description,omitempty"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// RegisterRequest identifies an agent joining the project.
type RegisterRequest struct {
	Name            string `json:"name"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
}

// RegisterAgent records an agent joining the project. Re-registering an
// existing name refreshes its metadata and activity timestamp.
func (s *Session) RegisterAgent(ctx context.Context, req RegisterRequest) error {
	if err := identity.ValidateAgentName(req.Name); err != nil {
		return &swarmerr.ValidationError{Op: "session.register", Msg: err.Error()}
	}
	ev, err := event.New(s.project, event.TypeAgentRegistered, event.AgentRegisteredData{
		Name:            req.Name,
		Program:         req.Program,
		Model:           req.Model,
		TaskDescription: req.TaskDescription,
	})
	if err != nil {
		return err
	}
	if _, err := s.log.Append(ctx, ev); err != nil {
		return err
	}
	s.logger.Info("agent registered", "agent", req.Name)
	return nil
}

// Heartbeat bumps an agent's last-active timestamp.
func (s *Session) Heartbeat(ctx context.Context, name string) error {
	if err := identity.ValidateAgentName(name); err != nil {
		return &swarmerr.ValidationError{Op: "session.heartbeat", Msg: err.Error()}
	}
	ev, err := event.New(s.project, event.TypeAgentActive, event.AgentActiveData{Name: name})
	if err != nil {
		return err
	}
	_, err = s.log.Append(ctx, ev)
	return err
}

// Agents lists every agent registered with the project, ordered by name.
func (s *Session) Agents(ctx context.Context) ([]Agent, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT name, program, model, task_description, registered_at, last_active_at
		FROM agents WHERE project_key = ? ORDER BY name`, s.project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var registered, active string
		if err := rows.Scan(&a.Name, &a.Program, &a.Model, &a.TaskDescription, &registered, &active); err != nil {
			return nil, err
		}
		if a.RegisteredAt, err = store.ParseTime(registered); err != nil {
			return nil, err
		}
		if a.LastActiveAt, err = store.ParseTime(active); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Recall searches memory on behalf of an agent, applying the relevance
// floor and the injection cooldown. Within the cooldown it returns
// (nil, nil) so callers skip injection entirely; each search that
// actually ran is recorded as a memory_found audit event. The cooldown
// clock only starts when a recall surfaces something.
func (s *Session) Recall(ctx context.Context, agentName, query string) ([]memory.Result, error) {
	cooldown := time.Duration(s.cfg.Memory.RecallCooldownMs) * time.Millisecond
	s.mu.Lock()
	if cooldown > 0 && !s.lastRecall.IsZero() && time.Since(s.lastRecall) < cooldown {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	results, err := s.memory.Find(ctx, query, memory.FindOptions{Limit: recallLimit})
	if err != nil {
		return nil, err
	}
	kept := results[:0]
	for _, r := range results {
		if r.Score >= s.cfg.Memory.MinRecallScore {
			kept = append(kept, r)
		}
	}

	ids := make([]string, 0, len(kept))
	for _, r := range kept {
		ids = append(ids, r.ID)
	}
	ev, err := event.New(s.project, event.TypeMemoryFound, event.MemoryFoundData{
		Query:       query,
		AgentName:   agentName,
		MemoryIDs:   ids,
		ResultCount: len(kept),
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.log.Append(ctx, ev); err != nil {
		return nil, err
	}

	if len(kept) > 0 {
		s.mu.Lock()
		s.lastRecall = time.Now()
		s.mu.Unlock()
	}
	return kept, nil
}
