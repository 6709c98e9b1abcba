// Package memory is the semantic memory store: free-text learnings
// with vector embeddings, a full-text fallback, decay tiers, duplicate
// suppression, and a SKOS-style entity taxonomy. Rows live in the
// shared projection database; every mutation goes through the event
// log so replay rebuilds everything except the vectors, which
// BackfillEmbeddings regenerates from the provider.
package memory

import (
	"container/list"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hexframe/swarmmail/internal/config"
	"github.com/hexframe/swarmmail/internal/event"
	"github.com/hexframe/swarmmail/internal/identity"
	"github.com/hexframe/swarmmail/internal/logging"
	"github.com/hexframe/swarmmail/internal/store"
	"github.com/hexframe/swarmmail/internal/swarmerr"
)

// Decay tiers, freshest first.
const (
	TierHot   = "hot"
	TierWarm  = "warm"
	TierCold  = "cold"
	TierStale = "stale"
)

const (
	// embedLimit is the number of runes of content sent to the
	// embedding provider; longer memories are embedded by their head.
	embedLimit = 1000
	// previewLimit bounds the content preview carried in events.
	previewLimit = 100
	// sessionCacheSize bounds the dedup hash cache.
	sessionCacheSize = 100
	// dedupLimit is how many neighbors the store path inspects.
	dedupLimit = 3
	// overfetch widens KNN when post-filters will drop rows.
	overfetch = 4

	backfillBatch       = 100
	backfillConcurrency = 4
)

// Memory is one stored learning. DecayTier is computed from the last
// validation (or creation) time at read, so it is always current.
type Memory struct {
	ID          string     `json:"id"`
	ProjectKey  string     `json:"project_key,omitempty"`
	Content     string     `json:"content"`
	Tags        []string   `json:"tags,omitempty"`
	Collection  string     `json:"collection"`
	Confidence  float64    `json:"confidence"`
	DecayTier   string     `json:"decay_tier"`
	CreatedAt   time.Time  `json:"created_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
}

// Result is a memory with its retrieval score, plus linked memories
// when the caller asked for expansion.
type Result struct {
	Memory
	Score   float64   `json:"score"`
	Related []Related `json:"related,omitempty"`
}

// Related is a linked memory and the SKOS relation that connects it.
type Related struct {
	Memory
	Relation string `json:"relation"`
}

// StoreRequest carries one memory to store. Zero Confidence means the
// 0.7 default; ExtractEntities, AutoTag, and AutoLink opt in to entity
// extraction, entity-derived tags, and similarity links respectively.
type StoreRequest struct {
	Content         string   `json:"content"`
	Tags            []string `json:"tags,omitempty"`
	Collection      string   `json:"collection,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
	ExtractEntities bool     `json:"extract_entities,omitempty"`
	AutoTag         bool     `json:"auto_tag,omitempty"`
	AutoLink        bool     `json:"auto_link,omitempty"`
}

// StoreResult reports the stored id, or the existing id when the
// content was recognized as a duplicate.
type StoreResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// FindOptions narrows retrieval. FTS forces full-text search even when
// an embedder is available.
type FindOptions struct {
	Limit      int    `json:"limit,omitempty"`
	FTS        bool   `json:"fts,omitempty"`
	Expand     bool   `json:"expand,omitempty"`
	Collection string `json:"collection,omitempty"`
	DecayTier  string `json:"decay_tier,omitempty"`
}

// Service is the semantic memory component. One instance per session;
// the dedup cache and the full-text downgrade are session state.
type Service struct {
	log       *event.Log
	cfg       config.MemoryConfig
	embedder  Embedder
	extractor Extractor
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	seen    *seenCache
	vecInit bool
	ftsOnly bool
	once    sync.Once
}

// New builds a memory service over the log. embedder may be nil, which
// disables semantic search and dedup; extractor may be nil, which
// disables entity linkage.
func New(log *event.Log, cfg config.MemoryConfig, embedder Embedder, extractor Extractor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.DedupScore <= 0 {
		cfg.DedupScore = 0.85
	}
	if cfg.MinRecallScore <= 0 {
		cfg.MinRecallScore = 0.55
	}
	if len(cfg.DecayTiers) != 3 {
		cfg.DecayTiers = []int{7, 30, 180}
	}
	return &Service{
		log:       log,
		cfg:       cfg,
		embedder:  embedder,
		extractor: extractor,
		logger:    logger.With("component", "memory"),
		tracer:    otel.Tracer("swarmmail/memory"),
		seen:      newSeenCache(sessionCacheSize),
	}
}

// Store saves content as a memory unless it is recognized as a
// duplicate, in which case the existing id is returned with Duplicate
// set. Duplicates are caught two ways: a session-local hash cache, and
// a semantic lookup whose best score reaches the dedup threshold.
func (s *Service) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	ctx, span := s.tracer.Start(ctx, "memory.store")
	defer span.End()

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, &swarmerr.ValidationError{Op: "memory.store", Msg: "content is required"}
	}
	confidence := req.Confidence
	if confidence == 0 {
		confidence = 0.7
	}
	if confidence < 0 || confidence > 1 {
		return nil, &swarmerr.ValidationError{
			Op: "memory.store", Msg: fmt.Sprintf("confidence must be in [0,1], got %v", req.Confidence),
		}
	}
	collection := req.Collection
	if collection == "" {
		collection = "default"
	}

	hash := contentHash(content)
	s.mu.Lock()
	cached, hit := s.seen.get(hash)
	s.mu.Unlock()
	if hit {
		s.logger.Debug("memory deduped by session cache", "memory_id", cached)
		return &StoreResult{ID: cached, Duplicate: true}, nil
	}

	// One embedding serves three purposes: semantic dedup, similarity
	// links, and the stored vector.
	var vec []float32
	var neighbors []Result
	if emb := s.embedding(); emb != nil {
		v, err := emb.Embed(ctx, truncate(content, embedLimit))
		if err != nil {
			s.downgrade(err)
		} else {
			vec = v
			neighbors, err = s.knn(ctx, vec, dedupLimit)
			if err != nil {
				return nil, err
			}
			if len(neighbors) > 0 && neighbors[0].Score >= s.cfg.DedupScore {
				dup := neighbors[0].ID
				s.remember(hash, dup)
				s.logger.Debug("memory deduped by similarity",
					"memory_id", dup, "score", neighbors[0].Score)
				return &StoreResult{ID: dup, Duplicate: true}, nil
			}
		}
	}

	var entities []event.EntityRef
	var relations []event.EntityRelation
	if req.ExtractEntities && s.extractor != nil {
		extraction, err := s.extractor.Extract(ctx, content)
		if err != nil {
			s.logger.Warn("entity extraction failed; storing without linkage", "error", err)
		} else if extraction != nil {
			entities = extraction.Entities
			relations = extraction.Relations
		}
	}

	tags := req.Tags
	if req.AutoTag {
		for _, e := range entities {
			tags = appendUnique(tags, strings.ToLower(e.PrefLabel))
		}
	}

	var relatedIDs []string
	if req.AutoLink {
		for _, n := range neighbors {
			if n.Score >= s.cfg.MinRecallScore {
				relatedIDs = append(relatedIDs, n.ID)
			}
		}
	}

	id := identity.GenerateMemoryID()
	ev, err := event.New(s.log.Project(), event.TypeMemoryStored, event.MemoryStoredData{
		MemoryID:       id,
		Content:        content,
		ContentPreview: truncate(content, previewLimit),
		Tags:           tags,
		Collection:     collection,
		Confidence:     confidence,
		Entities:       entities,
		Relations:      relations,
		RelatedIDs:     relatedIDs,
	})
	if err != nil {
		return nil, err
	}

	if vec != nil {
		if err := s.ensureVectors(ctx); err != nil {
			return nil, err
		}
	}
	err = s.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		if _, err := s.log.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
		if vec == nil {
			return nil
		}
		blob, err := sqlite_vec.SerializeFloat32(vec)
		if err != nil {
			return fmt.Errorf("serialize embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_vectors (memory_id, embedding) VALUES (?, ?)`,
			id, blob); err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.remember(hash, id)
	s.logger.Debug("memory stored",
		"memory_id", id, "collection", collection, "entities", len(entities), "links", len(relatedIDs))
	return &StoreResult{ID: id}, nil
}

// Find retrieves memories for a query, best first. Semantic search is
// used when an embedder is live; otherwise, or on opts.FTS, full-text
// search takes over. Scores land in [0,1] for both paths but are not
// comparable across them.
func (s *Service) Find(ctx context.Context, query string, opts FindOptions) ([]Result, error) {
	ctx, span := s.tracer.Start(ctx, "memory.find")
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &swarmerr.ValidationError{Op: "memory.find", Msg: "query is required"}
	}
	if opts.DecayTier != "" && !validTier(opts.DecayTier) {
		return nil, &swarmerr.ValidationError{
			Op: "memory.find", Msg: fmt.Sprintf("unknown decay tier %q", opts.DecayTier),
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}
	// Post-filters run in Go, so fetch wide enough to survive them.
	k := limit
	if opts.Collection != "" || opts.DecayTier != "" {
		k = limit * overfetch
	}

	var results []Result
	useFTS := opts.FTS
	emb := s.embedding()
	if emb == nil {
		s.noteNoEmbedder()
		useFTS = true
	}
	if !useFTS {
		vec, err := emb.Embed(ctx, truncate(query, embedLimit))
		if err != nil {
			s.downgrade(err)
			useFTS = true
		} else {
			results, err = s.knn(ctx, vec, k)
			if err != nil {
				return nil, err
			}
		}
	}
	if useFTS {
		var err error
		results, err = s.ftsFind(ctx, query, k)
		if err != nil {
			return nil, err
		}
	}

	results = filterResults(results, opts)
	if len(results) > limit {
		results = results[:limit]
	}

	if opts.Expand {
		for i := range results {
			related, err := s.related(ctx, results[i].ID)
			if err != nil {
				return nil, err
			}
			results[i].Related = related
		}
	}
	return results, nil
}

// Get returns one memory by id.
func (s *Service) Get(ctx context.Context, id string) (*Memory, error) {
	row := s.log.Store().QueryRowContext(ctx, `
		SELECT `+memoryColumns+` FROM memories m WHERE m.id = ?`, id)
	m, err := s.scanMemory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &swarmerr.NotFoundError{Op: "memory.get", Kind: "memory", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Update patches a memory. A content change re-embeds and replaces the
// vector row in the same transaction as the event.
func (s *Service) Update(ctx context.Context, id string, patch event.MemoryPatch) error {
	if patch.Content == nil && patch.Tags == nil && patch.Collection == nil && patch.Confidence == nil {
		return &swarmerr.ValidationError{Op: "memory.update", Msg: "patch is empty"}
	}
	if patch.Content != nil && strings.TrimSpace(*patch.Content) == "" {
		return &swarmerr.ValidationError{Op: "memory.update", Msg: "content cannot be emptied"}
	}
	if patch.Confidence != nil && (*patch.Confidence < 0 || *patch.Confidence > 1) {
		return &swarmerr.ValidationError{
			Op: "memory.update", Msg: fmt.Sprintf("confidence must be in [0,1], got %v", *patch.Confidence),
		}
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	ev, err := event.New(s.log.Project(), event.TypeMemoryUpdated, event.MemoryUpdatedData{
		MemoryID: id, Patch: patch,
	})
	if err != nil {
		return err
	}

	var vec []float32
	if patch.Content != nil {
		if emb := s.embedding(); emb != nil {
			v, err := emb.Embed(ctx, truncate(*patch.Content, embedLimit))
			if err != nil {
				s.downgrade(err)
			} else {
				vec = v
			}
		}
	}
	if vec != nil {
		if err := s.ensureVectors(ctx); err != nil {
			return err
		}
	}

	return s.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		if _, err := s.log.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
		if vec == nil {
			return nil
		}
		// vec0 has no UPDATE; replace the row.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_vectors WHERE memory_id = ?`, id); err != nil {
			return fmt.Errorf("drop stale embedding: %w", err)
		}
		blob, err := sqlite_vec.SerializeFloat32(vec)
		if err != nil {
			return fmt.Errorf("serialize embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_vectors (memory_id, embedding) VALUES (?, ?)`,
			id, blob); err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
		return nil
	})
}

// Delete removes a memory, its cascaded links, and its vector row.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	ev, err := event.New(s.log.Project(), event.TypeMemoryDeleted, event.MemoryDeletedData{MemoryID: id})
	if err != nil {
		return err
	}
	return s.log.Store().Transact(ctx, func(tx *sql.Tx) error {
		if _, err := s.log.AppendTx(ctx, tx, ev); err != nil {
			return err
		}
		exists, err := vectorsTableExists(ctx, tx)
		if err != nil {
			return err
		}
		if exists {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM memory_vectors WHERE memory_id = ?`, id); err != nil {
				return fmt.Errorf("delete embedding: %w", err)
			}
		}
		return nil
	})
}

// Validate marks a memory as still true, resetting its decay clock.
func (s *Service) Validate(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	ev, err := event.New(s.log.Project(), event.TypeMemoryValidated, event.MemoryValidatedData{MemoryID: id})
	if err != nil {
		return err
	}
	if _, err := s.log.Append(ctx, ev); err != nil {
		return err
	}
	s.logger.Debug("memory validated", "memory_id", id)
	return nil
}

// Stats summarizes the store.
type Stats struct {
	Memories      int            `json:"memories"`
	ByTier        map[string]int `json:"by_tier"`
	ByCollection  map[string]int `json:"by_collection"`
	Entities      int            `json:"entities"`
	TaxonomyLinks int            `json:"taxonomy_links"`
	MemoryLinks   int            `json:"memory_links"`
	Vectors       int            `json:"vectors"`
	Validations   int            `json:"validations"`
}

// Stats counts memories by live tier and collection plus the taxonomy
// and vector shadow sizes.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByTier:       map[string]int{},
		ByCollection: map[string]int{},
	}

	rows, err := s.log.Store().QueryContext(ctx,
		`SELECT collection, created_at, validated_at FROM memories`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	now := time.Now()
	for rows.Next() {
		var collection, created string
		var validated sql.NullString
		if err := rows.Scan(&collection, &created, &validated); err != nil {
			return nil, err
		}
		createdAt, err := store.ParseTime(created)
		if err != nil {
			return nil, err
		}
		st.Memories++
		st.ByCollection[collection]++
		st.ByTier[TierFor(store.NullTimeString(validated), createdAt, now, s.cfg.DecayTiers)]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := []struct {
		dest  *int
		query string
	}{
		{&st.Entities, `SELECT COUNT(pref_label) FROM memory_entities`},
		{&st.TaxonomyLinks, `SELECT COUNT(broader_label) FROM memory_entity_links`},
		{&st.MemoryLinks, `SELECT COUNT(from_id) FROM memory_links`},
		{&st.Validations, `SELECT COUNT(memory_id) FROM memory_validations`},
	}
	for _, c := range counts {
		if err := s.log.Store().QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}

	hasVectors, err := vectorsTableExists(ctx, s.log.Store())
	if err != nil {
		return nil, err
	}
	if hasVectors {
		if err := s.log.Store().QueryRowContext(ctx,
			`SELECT COUNT(memory_id) FROM memory_vectors`).Scan(&st.Vectors); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}

// Entity is one concept in the extracted vocabulary.
type Entity struct {
	PrefLabel   string   `json:"pref_label"`
	AltLabels   []string `json:"alt_labels,omitempty"`
	MemoryCount int      `json:"memory_count"`
	Broader     []string `json:"broader,omitempty"`
	Narrower    []string `json:"narrower,omitempty"`
	MemoryIDs   []string `json:"memory_ids,omitempty"`
}

// ListEntities returns the vocabulary, most-referenced first.
func (s *Service) ListEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.log.Store().QueryContext(ctx, `
		SELECT e.pref_label, e.alt_labels, COUNT(r.memory_id)
		FROM memory_entities e
		LEFT JOIN memory_entity_refs r ON r.pref_label = e.pref_label
		GROUP BY e.pref_label
		ORDER BY COUNT(r.memory_id) DESC, e.pref_label`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entity
	for rows.Next() {
		var e Entity
		var alts string
		if err := rows.Scan(&e.PrefLabel, &alts, &e.MemoryCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(alts), &e.AltLabels); err != nil {
			return nil, fmt.Errorf("decode alt labels for %s: %w", e.PrefLabel, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEntity returns one entity with its taxonomy neighbors and the
// memories that reference it.
func (s *Service) GetEntity(ctx context.Context, label string) (*Entity, error) {
	if label == "" {
		return nil, &swarmerr.ValidationError{Op: "memory.entity", Msg: "label is required"}
	}
	e := &Entity{}
	var alts string
	err := s.log.Store().QueryRowContext(ctx, `
		SELECT pref_label, alt_labels FROM memory_entities WHERE pref_label = ?`,
		label).Scan(&e.PrefLabel, &alts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &swarmerr.NotFoundError{Op: "memory.entity", Kind: "entity", ID: label}
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(alts), &e.AltLabels); err != nil {
		return nil, fmt.Errorf("decode alt labels for %s: %w", label, err)
	}

	q := s.log.Store()
	if e.Broader, err = store.QueryStrings(ctx, q,
		`SELECT broader_label FROM memory_entity_links WHERE narrower_label = ? ORDER BY broader_label`, label); err != nil {
		return nil, err
	}
	if e.Narrower, err = store.QueryStrings(ctx, q,
		`SELECT narrower_label FROM memory_entity_links WHERE broader_label = ? ORDER BY narrower_label`, label); err != nil {
		return nil, err
	}
	if e.MemoryIDs, err = store.QueryStrings(ctx, q,
		`SELECT memory_id FROM memory_entity_refs WHERE pref_label = ? ORDER BY memory_id`, label); err != nil {
		return nil, err
	}
	e.MemoryCount = len(e.MemoryIDs)
	return e, nil
}

// TaxonomyNode is one entity and the concepts filed under it.
type TaxonomyNode struct {
	Label    string          `json:"label"`
	Children []*TaxonomyNode `json:"children,omitempty"`
}

// TaxonomyTree walks narrower links from root. A concept reached twice
// appears the second time as a leaf, which keeps cycles finite.
func (s *Service) TaxonomyTree(ctx context.Context, root string) (*TaxonomyNode, error) {
	if root == "" {
		return nil, &swarmerr.ValidationError{Op: "memory.taxonomy", Msg: "root label is required"}
	}
	var n int
	if err := s.log.Store().QueryRowContext(ctx,
		`SELECT COUNT(pref_label) FROM memory_entities WHERE pref_label = ?`, root).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &swarmerr.NotFoundError{Op: "memory.taxonomy", Kind: "entity", ID: root}
	}
	return s.subtree(ctx, root, map[string]bool{})
}

func (s *Service) subtree(ctx context.Context, label string, visited map[string]bool) (*TaxonomyNode, error) {
	node := &TaxonomyNode{Label: label}
	if visited[label] {
		return node, nil
	}
	visited[label] = true

	children, err := store.QueryStrings(ctx, s.log.Store(),
		`SELECT narrower_label FROM memory_entity_links WHERE broader_label = ? ORDER BY narrower_label`, label)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		sub, err := s.subtree(ctx, child, visited)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, sub)
	}
	return node, nil
}

// BackfillEmbeddings embeds every memory that has no vector row, in
// batches of 100 with four concurrent provider calls, and reports how
// many vectors were written. It uses the configured embedder directly,
// so an explicit backfill retries even after the session downgraded to
// full-text; success lifts the downgrade.
func (s *Service) BackfillEmbeddings(ctx context.Context) (int, error) {
	if s.embedder == nil {
		return 0, &swarmerr.StateError{Op: "memory.backfill", Msg: "no embedding provider configured"}
	}
	if err := s.ensureVectors(ctx); err != nil {
		return 0, err
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := s.missingVectors(ctx, backfillBatch)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}

		vectors := make([][]float32, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(backfillConcurrency)
		for i, m := range batch {
			g.Go(func() error {
				v, err := s.embedder.Embed(gctx, truncate(m.content, embedLimit))
				if err != nil {
					return fmt.Errorf("embed %s: %w", m.id, err)
				}
				vectors[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return total, err
		}

		err = s.log.Store().Transact(ctx, func(tx *sql.Tx) error {
			for i, m := range batch {
				blob, err := sqlite_vec.SerializeFloat32(vectors[i])
				if err != nil {
					return fmt.Errorf("serialize embedding for %s: %w", m.id, err)
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO memory_vectors (memory_id, embedding) VALUES (?, ?)`,
					m.id, blob); err != nil {
					return fmt.Errorf("insert embedding for %s: %w", m.id, err)
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += len(batch)
		s.logger.Info("embeddings backfilled", "batch", len(batch), "total", total)
	}

	s.mu.Lock()
	s.ftsOnly = false
	s.mu.Unlock()
	return total, nil
}

type backfillRow struct {
	id      string
	content string
}

func (s *Service) missingVectors(ctx context.Context, limit int) ([]backfillRow, error) {
	rows, err := s.log.Store().QueryContext(ctx, `
		SELECT id, content FROM memories
		WHERE id NOT IN (SELECT memory_id FROM memory_vectors)
		ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("find unembedded memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []backfillRow
	for rows.Next() {
		var r backfillRow
		if err := rows.Scan(&r.id, &r.content); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TierFor computes the live decay tier at now, anchored to the last
// validation or, if never validated, creation. boundaries holds the
// hot/warm/cold limits in days.
func TierFor(validatedAt, createdAt, now time.Time, boundaries []int) string {
	if len(boundaries) != 3 {
		boundaries = []int{7, 30, 180}
	}
	anchor := validatedAt
	if anchor.IsZero() {
		anchor = createdAt
	}
	age := now.Sub(anchor)
	switch {
	case age <= time.Duration(boundaries[0])*24*time.Hour:
		return TierHot
	case age <= time.Duration(boundaries[1])*24*time.Hour:
		return TierWarm
	case age <= time.Duration(boundaries[2])*24*time.Hour:
		return TierCold
	default:
		return TierStale
	}
}

func validTier(t string) bool {
	switch t {
	case TierHot, TierWarm, TierCold, TierStale:
		return true
	}
	return false
}

const memoryColumns = `m.id, m.project_key, m.content, m.tags, m.collection, m.confidence, m.created_at, m.validated_at`

func (s *Service) scanMemory(scan func(dest ...any) error) (Memory, error) {
	var m Memory
	var project sql.NullString
	var tags, created string
	var validated sql.NullString
	if err := scan(&m.ID, &project, &m.Content, &tags, &m.Collection, &m.Confidence, &created, &validated); err != nil {
		return Memory{}, err
	}
	m.ProjectKey = project.String
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return Memory{}, fmt.Errorf("decode tags for %s: %w", m.ID, err)
	}
	var err error
	if m.CreatedAt, err = store.ParseTime(created); err != nil {
		return Memory{}, err
	}
	validatedAt := store.NullTimeString(validated)
	if !validatedAt.IsZero() {
		m.ValidatedAt = &validatedAt
	}
	m.DecayTier = TierFor(validatedAt, m.CreatedAt, time.Now(), s.cfg.DecayTiers)
	return m, nil
}

// knn runs a vector search and scores hits as 1/(1+distance), which
// maps cosine distance onto (0,1] with 1 for an exact match.
func (s *Service) knn(ctx context.Context, vec []float32, k int) ([]Result, error) {
	if err := s.ensureVectors(ctx); err != nil {
		return nil, err
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, fmt.Errorf("serialize query vector: %w", err)
	}
	rows, err := s.log.Store().QueryContext(ctx, `
		SELECT `+memoryColumns+`, v.distance
		FROM memory_vectors v
		JOIN memories m ON m.id = v.memory_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`, blob, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Result
	for rows.Next() {
		var r Result
		var distance float64
		m, err := s.scanMemory(func(dest ...any) error {
			return rows.Scan(append(dest, &distance)...)
		})
		if err != nil {
			return nil, err
		}
		if distance < 0 {
			distance = 0
		}
		r.Memory = m
		r.Score = 1.0 / (1.0 + distance)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ftsFind searches the FTS5 shadow, scoring by BM25 rank magnitude
// normalized onto [0,1).
func (s *Service) ftsFind(ctx context.Context, query string, k int) ([]Result, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.log.Store().QueryContext(ctx, `
		SELECT `+memoryColumns+`, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?
		ORDER BY rank LIMIT ?`, match, k)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Result
	for rows.Next() {
		var r Result
		var rank float64
		m, err := s.scanMemory(func(dest ...any) error {
			return rows.Scan(append(dest, &rank)...)
		})
		if err != nil {
			return nil, err
		}
		// Better BM25 matches are more negative.
		mag := -rank
		if mag < 0 {
			mag = 0
		}
		r.Memory = m
		r.Score = mag / (1.0 + mag)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ftsQuery quotes each token so user input cannot hit FTS5 syntax.
func ftsQuery(query string) string {
	tokens := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	quoted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func (s *Service) related(ctx context.Context, id string) ([]Related, error) {
	rows, err := s.log.Store().QueryContext(ctx, `
		SELECT `+memoryColumns+`, l.relation
		FROM memory_links l
		JOIN memories m ON m.id = l.to_id
		WHERE l.from_id = ?
		ORDER BY l.relation, m.id`, id)
	if err != nil {
		return nil, fmt.Errorf("expand links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Related
	for rows.Next() {
		var r Related
		m, err := s.scanMemory(func(dest ...any) error {
			return rows.Scan(append(dest, &r.Relation)...)
		})
		if err != nil {
			return nil, err
		}
		r.Memory = m
		out = append(out, r)
	}
	return out, rows.Err()
}

func filterResults(results []Result, opts FindOptions) []Result {
	if opts.Collection == "" && opts.DecayTier == "" {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		if opts.Collection != "" && r.Collection != opts.Collection {
			continue
		}
		if opts.DecayTier != "" && r.DecayTier != opts.DecayTier {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// ensureVectors creates the vec0 shadow lazily: the dimension comes
// from the embedder, which migrations cannot know.
func (s *Service) ensureVectors(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vecInit {
		return nil
	}
	if s.embedder == nil {
		return &swarmerr.StateError{Op: "memory.vectors", Msg: "no embedding provider configured"}
	}
	ddl := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
		memory_id TEXT PRIMARY KEY,
		embedding FLOAT[%d] distance_metric=cosine
	)`, s.embedder.Dim())
	if _, err := s.log.Store().ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create vector table: %w", err)
	}
	s.vecInit = true
	return nil
}

func vectorsTableExists(ctx context.Context, q store.Querier) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(name) FROM sqlite_master WHERE type = 'table' AND name = 'memory_vectors'`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check vector table: %w", err)
	}
	return n > 0, nil
}

// embedding returns the embedder, or nil once the session has
// downgraded to full-text after a provider failure.
func (s *Service) embedding() Embedder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ftsOnly {
		return nil
	}
	return s.embedder
}

// downgrade switches the session to full-text search, logging why once.
func (s *Service) downgrade(err error) {
	s.mu.Lock()
	s.ftsOnly = true
	s.mu.Unlock()
	s.once.Do(func() {
		s.logger.Warn("embedding provider failed; using full-text search for this session", "error", err)
	})
}

func (s *Service) noteNoEmbedder() {
	if s.embedder != nil {
		return
	}
	s.once.Do(func() {
		s.logger.Info("no embedding provider configured; memory search uses full-text only")
	})
}

func (s *Service) remember(hash, id string) {
	s.mu.Lock()
	s.seen.put(hash, id)
	s.mu.Unlock()
}

// contentHash is the session dedup key: the normalized first hundred
// runes plus the normalized length. Cheap, and collisions only cost a
// semantic lookup.
func contentHash(content string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	head := truncate(norm, 100)
	return fmt.Sprintf("%s:%d", head, len(norm))
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// seenCache is the LRU-ish map of content hashes stored this session.
// It is process-local and never authoritative: a miss costs at most
// one extra semantic lookup. Caller holds the service lock.
type seenCache struct {
	max   int
	order *list.List
	items map[string]*list.Element
}

type seenEntry struct {
	hash string
	id   string
}

func newSeenCache(max int) *seenCache {
	return &seenCache{
		max:   max,
		order: list.New(),
		items: make(map[string]*list.Element, max),
	}
}

func (c *seenCache) get(hash string) (string, bool) {
	elem, ok := c.items[hash]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*seenEntry).id, true
}

func (c *seenCache) put(hash, id string) {
	if elem, ok := c.items[hash]; ok {
		elem.Value.(*seenEntry).id = id
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.max {
		back := c.order.Back()
		if back != nil {
			evicted := c.order.Remove(back).(*seenEntry)
			delete(c.items, evicted.hash)
		}
	}
	c.items[hash] = c.order.PushFront(&seenEntry{hash: hash, id: id})
}
