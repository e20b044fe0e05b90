package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kuatroka/code-session-search/internal/logging"
	"github.com/kuatroka/code-session-search/internal/searchdb"
)

var searchLog = logging.ForComponent(logging.CompSearch)

// ErrIndexPartial is returned in strict-completeness mode when the index
// has pending work. Callers that can tolerate partial results simply omit
// strict mode and read the coverage snapshot instead.
var ErrIndexPartial = errors.New("search: index is not fully caught up")

// Result tiers. Tier always dominates score: a fuzzy-only hit can never
// outrank an exact hit regardless of position or recency.
const (
	TierExact  = 1 // literal or contiguous phrase match
	TierTokens = 2 // engine token match, not contiguous
	TierFuzzy  = 3 // fuzzy-only, no exact evidence
)

// Score bases per tier. The ranges are disjoint so any generic numeric
// comparison preserves tier order, and the fuzzy corroboration bonus is
// small enough that a boosted hit stays inside its own tier's range.
const (
	tierExactBase  = 3_000_000
	tierTokensBase = 2_000_000
	tierFuzzyBase  = 1_000
	fuzzyBoost     = 25
)

const (
	// DefaultLimit is the result count when the caller doesn't specify one.
	DefaultLimit = 50
	// MaxLimit clamps caller-requested result counts.
	MaxLimit = 100

	// Exact candidates are fetched well past the requested limit because
	// re-ranking and fuzzy merging discard many of them.
	candidateMultiplier = 8
	candidateFloor      = 200

	fuzzyQueryLimit = 500
)

// Result is one ranked search hit. Ephemeral: recomputed per query.
type Result struct {
	SessionID string       `json:"sessionId"`
	Source    string       `json:"source"`
	Display   string       `json:"display"`
	Project   string       `json:"project"`
	Snippet   string       `json:"snippet"`
	Timestamp int64        `json:"timestamp"`
	Tier      int          `json:"tier"`
	Score     int          `json:"score"`
	Signals   ExactSignals `json:"signals"`

	engineRank int
}

// Response is the full search answer including the coverage snapshot taken
// before retrieval.
type Response struct {
	Query    string   `json:"query"`
	Partial  bool     `json:"partial"`
	Coverage Coverage `json:"coverage"`
	Results  []Result `json:"results"`
}

// Options control a single search call.
type Options struct {
	Source string // filter to one source, "" for all
	Limit  int    // clamped to [1, MaxLimit], 0 means DefaultLimit
	Fuzzy  bool   // run the approximate pass (subject to ShouldUseFuzzy)
	Strict bool   // fail with ErrIndexPartial instead of partial results
}

// docMeta is the cached per-session metadata used to render fuzzy-only
// hits and recency without re-reading the persistent index.
type docMeta struct {
	title     string
	project   string
	timestamp int64
	head      string
}

// Service owns the exact index, the fuzzy sidecar and the coverage
// trackers, and runs the merge-and-rank pipeline. Construct once per
// process and Close on shutdown; no package-level state.
type Service struct {
	db       *searchdb.DB
	fuzzy    *FuzzyIndex
	coverage *CoverageTracker

	metaMu sync.RWMutex
	meta   map[string]docMeta

	dirtyMu sync.Mutex
	dirty   map[string]struct{} // bare session ids, see DirtySet note in DESIGN.md

	initialized bool
}

// NewService builds a Service over an opened index database and rebuilds
// the in-memory mirrors (fuzzy sidecar, indexed set, metadata cache) from
// persisted rows. Stored activity timestamps are recovered from the
// metadata columns so ranking recency survives restarts.
func NewService(ctx context.Context, db *searchdb.DB) (*Service, error) {
	s := &Service{
		db:       db,
		fuzzy:    NewFuzzyIndex(),
		coverage: NewCoverageTracker(),
		meta:     make(map[string]docMeta),
		dirty:    make(map[string]struct{}),
	}

	docs, err := db.All(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]Identity, 0, len(docs))
	for _, d := range docs {
		id := Identity{SessionID: d.SessionID, Source: d.Source}
		ids = append(ids, id)
		s.fuzzy.Add(id, fuzzyText(d.Title, d.ProjectPath, d.Content))
		s.storeMeta(id, d.Title, d.ProjectPath, d.LastActivityAt, d.Content)
	}
	s.coverage.RebuildIndexed(ids)
	s.initialized = true

	searchLog.Info("index_mirrors_rebuilt", slog.Int("documents", len(docs)))
	return s, nil
}

// Coverage returns the current coverage snapshot.
func (s *Service) Coverage() Coverage {
	return s.coverage.Snapshot(s.DirtyCount())
}

// SetExpected replaces the expected session set from a catalog refresh.
func (s *Service) SetExpected(refs []SessionRef) {
	s.coverage.SetExpected(refs)
}

// Search runs the hybrid retrieval pipeline: exact and fuzzy passes in
// parallel, union by composite identity, tier assignment, total order.
func (s *Service) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	limit := clampLimit(opts.Limit)

	// Coverage is computed once, before retrieval, and attached to every
	// response including the empty ones.
	cov := s.Coverage()
	resp := &Response{Query: query, Partial: cov.Partial, Coverage: cov, Results: []Result{}}

	if opts.Strict && cov.Partial {
		return resp, ErrIndexPartial
	}

	trimmed := strings.TrimSpace(query)
	if !s.initialized || trimmed == "" {
		return resp, nil
	}

	matchQuery := BuildMatchQuery(trimmed)
	if matchQuery == "" {
		return resp, nil
	}

	candidateLimit := limit * candidateMultiplier
	if candidateLimit < candidateFloor {
		candidateLimit = candidateFloor
	}

	runFuzzy := opts.Fuzzy && ShouldUseFuzzy(trimmed)

	var exactRows []searchdb.Row
	var fuzzyIDs []Identity

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.db.Query(gctx, matchQuery, opts.Source, candidateLimit)
		if err != nil {
			return err
		}
		exactRows = rows
		return nil
	})
	if runFuzzy {
		g.Go(func() error {
			// Sidecar: a fuzzy failure must never block exact results.
			fuzzyIDs = s.fuzzy.Query(trimmed, fuzzyQueryLimit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		searchLog.Warn("exact_query_failed",
			slog.String("query", trimmed), slog.String("error", err.Error()))
		return resp, nil
	}

	// Merge map is freshly allocated per query; nothing here is shared
	// across concurrent calls.
	merged := make(map[string]*Result, len(exactRows))
	order := make([]*Result, 0, len(exactRows))

	for _, row := range exactRows {
		id := Identity{SessionID: row.SessionID, Source: row.Source}
		sig := DetermineExactSignals(trimmed, row.Title+" "+row.ProjectPath+" "+row.Content)

		tier := TierTokens
		base := tierTokensBase
		if sig.Literal || sig.Phrase {
			tier = TierExact
			base = tierExactBase
		}

		r := &Result{
			SessionID:  row.SessionID,
			Source:     row.Source,
			Display:    row.Title,
			Project:    row.ProjectPath,
			Snippet:    row.Snippet,
			Timestamp:  row.LastActivityAt,
			Tier:       tier,
			Score:      base - row.Rank,
			Signals:    sig,
			engineRank: row.Rank,
		}
		merged[id.Key()] = r
		order = append(order, r)
	}

	for pos, id := range fuzzyIDs {
		if opts.Source != "" && id.Source != opts.Source {
			continue
		}
		if existing, ok := merged[id.Key()]; ok {
			// Fuzzy corroboration nudges an exact hit up within its tier.
			if !existing.Signals.Fuzzy {
				existing.Signals.Fuzzy = true
				existing.Score += fuzzyBoost
			}
			continue
		}

		m, ok := s.lookupMeta(id)
		if !ok {
			continue
		}
		r := &Result{
			SessionID:  id.SessionID,
			Source:     id.Source,
			Display:    m.title,
			Project:    m.project,
			Snippet:    m.head,
			Timestamp:  m.timestamp,
			Tier:       TierFuzzy,
			Score:      tierFuzzyBase - pos,
			Signals:    ExactSignals{Fuzzy: true},
			engineRank: candidateLimit + pos,
		}
		merged[id.Key()] = r
		order = append(order, r)
	}

	sortResults(order)

	if len(order) > limit {
		order = order[:limit]
	}
	results := make([]Result, len(order))
	for i, r := range order {
		results[i] = *r
	}
	resp.Results = results
	return resp, nil
}

// sortResults applies the total order: tier first, then within the exact
// tiers signal strength and recency ahead of the engine's own rank. For
// exact matches a user scanning recent work cares more about "recent and
// clearly relevant" than fine-grained BM25 differences.
func sortResults(results []*Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}

		if a.Tier == TierFuzzy {
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			return a.Timestamp > b.Timestamp
		}

		if a.Signals.Literal != b.Signals.Literal {
			return a.Signals.Literal
		}
		if a.Signals.Phrase != b.Signals.Phrase {
			return a.Signals.Phrase
		}
		if a.Signals.Tokens != b.Signals.Tokens {
			return a.Signals.Tokens
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp > b.Timestamp
		}
		if a.engineRank != b.engineRank {
			return a.engineRank < b.engineRank
		}
		return a.Score > b.Score
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// metaHeadCap bounds the cached content head used as the snippet for
// fuzzy-only hits.
const metaHeadCap = 240

func (s *Service) storeMeta(id Identity, title, project string, ts int64, content string) {
	head := content
	if len(head) > metaHeadCap {
		cut := metaHeadCap
		// Never split a multi-byte rune.
		for cut > 0 && !utf8.RuneStart(head[cut]) {
			cut--
		}
		head = head[:cut]
	}
	s.metaMu.Lock()
	s.meta[id.Key()] = docMeta{title: title, project: project, timestamp: ts, head: head}
	s.metaMu.Unlock()
}

func (s *Service) lookupMeta(id Identity) (docMeta, bool) {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	m, ok := s.meta[id.Key()]
	return m, ok
}

func (s *Service) dropMeta(sessionID, source string) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	if source != "" {
		delete(s.meta, Identity{SessionID: sessionID, Source: source}.Key())
		return
	}
	for key := range s.meta {
		if strings.HasSuffix(key, ":"+sessionID) {
			delete(s.meta, key)
		}
	}
}

// fuzzyText assembles the searchable string for the fuzzy sidecar.
func fuzzyText(title, project, content string) string {
	return title + " " + project + " " + content
}
