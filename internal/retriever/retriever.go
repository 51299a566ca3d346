// Package retriever implements cascading retrieval: similarity search runs
// level by level from the most specific hierarchy scope to the most general,
// candidates get a level-based score boost, and the cascade stops early once
// enough relevant candidates have accumulated (smart expansion).
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/strata-kb/strata/internal/hierarchy"
	"github.com/strata-kb/strata/internal/storage"
)

var (
	// ErrTimeout indicates the retrieval latency budget was exhausted
	// mid-cascade and the caller did not opt into best-effort results.
	ErrTimeout = errors.New("retrieval timed out")

	// ErrCancelled indicates the caller's context was cancelled. The
	// cascade aborts at the next level boundary rather than presenting a
	// partial pool as complete.
	ErrCancelled = errors.New("retrieval cancelled")
)

// Searcher is the read side of the chunk store.
type Searcher interface {
	SearchChunks(ctx context.Context, q storage.SearchQuery) ([]storage.ScoredChunk, error)
}

// Embedder produces the query vector. The model version tags every search
// so only compatible vector spaces are compared.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelVersion() string
}

// Config is the tunable retrieval policy. Boost magnitudes and the
// expansion threshold are policy, not contract; only the ordering
// invariants are fixed.
type Config struct {
	// Boosts is the additive score boost per level. Must be monotonically
	// non-increasing from entity toward platform so a chunk from a more
	// specific level never ranks below an equally-similar general one.
	Boosts map[hierarchy.Level]float64

	// MinScore is the boosted-score threshold for smart expansion: the
	// cascade continues to more general levels until TopK candidates at or
	// above it have accumulated. Candidates below it are dropped from the
	// final result.
	MinScore float64

	// CandidateFactor scales TopK into the per-level candidate limit,
	// leaving room for re-ranking across levels.
	CandidateFactor int

	// MinCandidateLimit is the per-level limit floor for small TopK.
	MinCandidateLimit int

	// Timeout is the upper-bound latency budget for one retrieval.
	Timeout time.Duration
}

// DefaultConfig returns the default retrieval policy.
func DefaultConfig() Config {
	return Config{
		Boosts: map[hierarchy.Level]float64{
			hierarchy.LevelEntity:   0.15,
			hierarchy.LevelModule:   0.10,
			hierarchy.LevelSuite:    0.05,
			hierarchy.LevelPlatform: 0,
		},
		MinScore:          0.45,
		CandidateFactor:   3,
		MinCandidateLimit: 20,
		Timeout:           10 * time.Second,
	}
}

// Query is the transient retrieval request context.
type Query struct {
	Text  string
	Scope hierarchy.Scope
	TopK  int

	// LevelFilter restricts the cascade to a single level when set.
	LevelFilter hierarchy.Level

	// IncludeDeprecated widens retrieval to deprecated documents, used for
	// audit replay. Archived documents are never retrievable.
	IncludeDeprecated bool

	// BestEffort opts into receiving the accumulated pool when the latency
	// budget runs out mid-cascade instead of ErrTimeout.
	BestEffort bool
}

// Hit is one retrieved chunk with its originating level retained for
// citation and explainability.
type Hit struct {
	Chunk    *storage.Chunk
	Level    hierarchy.Level
	RawScore float64 // similarity as reported by the store
	Score    float64 // raw score plus level boost; ranking key
}

// Result is the ordered outcome of one retrieval. Zero hits is a valid
// result, not an error.
type Result struct {
	Hits []Hit

	// BestEffort marks a result truncated by the latency budget.
	BestEffort bool

	// LevelsSearched records how far the cascade ran, in order.
	LevelsSearched []hierarchy.Level
}

// Retriever executes cascading retrieval against the chunk store.
// Safe for concurrent use.
type Retriever struct {
	searcher Searcher
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
}

// New creates a Retriever and validates the boost policy: boosts must not
// increase as levels get more general.
func New(searcher Searcher, embedder Embedder, cfg Config, logger *slog.Logger) (*Retriever, error) {
	if logger == nil {
		logger = slog.Default()
	}

	order := []hierarchy.Level{
		hierarchy.LevelEntity, hierarchy.LevelModule,
		hierarchy.LevelSuite, hierarchy.LevelPlatform,
	}
	for i := 1; i < len(order); i++ {
		if cfg.Boosts[order[i]] > cfg.Boosts[order[i-1]] {
			return nil, fmt.Errorf("boost for %s (%v) exceeds boost for more specific %s (%v)",
				order[i], cfg.Boosts[order[i]], order[i-1], cfg.Boosts[order[i-1]])
		}
	}
	if cfg.CandidateFactor <= 0 {
		cfg.CandidateFactor = 3
	}
	if cfg.MinCandidateLimit <= 0 {
		cfg.MinCandidateLimit = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Retriever{
		searcher: searcher,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Retrieve embeds the query once and cascades through the resolvable levels,
// most specific first. Deterministic given identical inputs, store state,
// and embedding output.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if q.TopK <= 0 {
		return &Result{}, nil
	}

	budgetCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	vectors, err := r.embedder.Embed(budgetCtx, []string{q.Text})
	if err != nil {
		if outcome := r.mapInterrupt(ctx, budgetCtx, q); outcome != nil {
			if errors.Is(outcome, errBudgetBestEffort) {
				return &Result{BestEffort: true}, nil
			}
			return nil, outcome
		}
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors for one text", len(vectors))
	}
	queryVector := vectors[0]

	statuses := []storage.Status{storage.StatusActive}
	if q.IncludeDeprecated {
		statuses = append(statuses, storage.StatusDeprecated)
	}

	levels := hierarchy.CascadeLevels(q.Scope)
	if q.LevelFilter != "" {
		levels = filterLevels(levels, q.LevelFilter)
	}

	perLevelLimit := max(q.TopK*r.cfg.CandidateFactor, r.cfg.MinCandidateLimit)

	var (
		pool       []Hit
		searched   []hierarchy.Level
		bestEffort bool
	)

	for _, level := range levels {
		// Cancellation and budget are checked at every level boundary, not
		// only at the end of the cascade.
		if outcome := r.mapInterrupt(ctx, budgetCtx, q); outcome != nil {
			if errors.Is(outcome, errBudgetBestEffort) {
				bestEffort = true
				break
			}
			return nil, outcome
		}

		scored, err := r.searcher.SearchChunks(budgetCtx, storage.SearchQuery{
			Embedding:      queryVector,
			Level:          level,
			Scope:          q.Scope,
			Statuses:       statuses,
			EmbeddingModel: r.embedder.ModelVersion(),
			Limit:          perLevelLimit,
		})
		if err != nil {
			if outcome := r.mapInterrupt(ctx, budgetCtx, q); outcome != nil {
				if errors.Is(outcome, errBudgetBestEffort) {
					bestEffort = true
					break
				}
				return nil, outcome
			}
			// One level's failure aborts the whole cascade: silently
			// dropping a level could hide the most relevant results.
			return nil, fmt.Errorf("search level %s: %w", level, err)
		}

		boost := r.cfg.Boosts[level]
		for _, sc := range scored {
			pool = append(pool, Hit{
				Chunk:    sc.Chunk,
				Level:    level,
				RawScore: sc.Score,
				Score:    sc.Score + boost,
			})
		}
		searched = append(searched, level)

		// Smart expansion: stop once enough relevant candidates exist.
		if countRelevant(pool, r.cfg.MinScore) >= q.TopK {
			break
		}
	}

	hits := rank(pool, r.cfg.MinScore, q.TopK)

	r.logger.Debug("retrieval complete",
		"levels_searched", len(searched),
		"pool", len(pool),
		"hits", len(hits),
		"best_effort", bestEffort,
	)

	return &Result{
		Hits:           hits,
		BestEffort:     bestEffort,
		LevelsSearched: searched,
	}, nil
}

// errBudgetBestEffort is an internal marker for a budget expiry the caller
// opted to absorb. Never returned to callers.
var errBudgetBestEffort = errors.New("budget exhausted, best effort")

// mapInterrupt translates context state into the retrieval outcome:
// caller cancellation wins over budget expiry, and budget expiry is either
// absorbed (best-effort) or fatal. Returns nil when neither applies.
func (r *Retriever) mapInterrupt(ctx, budgetCtx context.Context, q Query) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if budgetCtx.Err() != nil {
		if q.BestEffort {
			return errBudgetBestEffort
		}
		return fmt.Errorf("%w: budget %s exhausted", ErrTimeout, r.cfg.Timeout)
	}
	return nil
}

// rank filters the pool to relevant candidates, orders it by boosted score
// descending with deterministic tie-breaking (more specific level first,
// then chunk ID ascending), and truncates to topK.
func rank(pool []Hit, minScore float64, topK int) []Hit {
	relevant := make([]Hit, 0, len(pool))
	for _, hit := range pool {
		if hit.Score >= minScore {
			relevant = append(relevant, hit)
		}
	}

	sort.Slice(relevant, func(i, j int) bool {
		a, b := relevant[i], relevant[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Level.Specificity() != b.Level.Specificity() {
			return a.Level.Specificity() > b.Level.Specificity()
		}
		return a.Chunk.ID < b.Chunk.ID
	})

	if len(relevant) > topK {
		relevant = relevant[:topK]
	}
	return relevant
}

// countRelevant counts pool entries at or above the expansion threshold.
func countRelevant(pool []Hit, minScore float64) int {
	n := 0
	for _, hit := range pool {
		if hit.Score >= minScore {
			n++
		}
	}
	return n
}

// filterLevels keeps only the requested level from the cascade sequence.
func filterLevels(levels []hierarchy.Level, keep hierarchy.Level) []hierarchy.Level {
	out := levels[:0:0]
	for _, l := range levels {
		if l == keep {
			out = append(out, l)
		}
	}
	return out
}
