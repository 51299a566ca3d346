package retriever

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-kb/strata/internal/hierarchy"
	"github.com/strata-kb/strata/internal/storage"
)

// fakeSearcher serves canned per-level results and records every query.
type fakeSearcher struct {
	results map[hierarchy.Level][]storage.ScoredChunk
	queries []storage.SearchQuery

	failOn  hierarchy.Level
	sleep   time.Duration
	onQuery func()
}

func (f *fakeSearcher) SearchChunks(ctx context.Context, q storage.SearchQuery) ([]storage.ScoredChunk, error) {
	f.queries = append(f.queries, q)
	if f.onQuery != nil {
		f.onQuery()
	}
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	if f.failOn != "" && q.Level == f.failOn {
		return nil, fmt.Errorf("%w: search exploded", storage.ErrStoreUnreachable)
	}
	return f.results[q.Level], nil
}

func (f *fakeSearcher) levelsQueried() []hierarchy.Level {
	out := make([]hierarchy.Level, len(f.queries))
	for i, q := range f.queries {
		out[i] = q.Level
	}
	return out
}

// staticEmbedder returns the same vector for every text.
type staticEmbedder struct {
	calls int
}

func (e *staticEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (e *staticEmbedder) ModelVersion() string { return "fake-embed-v1" }

func chunk(id string, level hierarchy.Level, score float64) storage.ScoredChunk {
	return storage.ScoredChunk{
		Chunk: &storage.Chunk{
			ID:            id,
			DocumentID:    "doc-" + id,
			Level:         level,
			Content:       "content of " + id,
			DocumentTitle: "title of " + id,
			Status:        storage.StatusActive,
		},
		Score: score,
	}
}

func fullScope() hierarchy.Scope {
	return hierarchy.Scope{TenantID: "t1", SuiteID: "s1", ModuleID: "m1"}
}

func newRetriever(t *testing.T, searcher Searcher, cfg Config) *Retriever {
	t.Helper()
	r, err := New(searcher, &staticEmbedder{}, cfg, nil)
	require.NoError(t, err)
	return r
}

func TestNew_RejectsNonMonotonicBoosts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Boosts[hierarchy.LevelPlatform] = 0.5 // more general, bigger boost

	_, err := New(&fakeSearcher{}, &staticEmbedder{}, cfg, nil)
	require.Error(t, err)
}

func TestRetrieve_TopKZeroReturnsEmpty(t *testing.T) {
	searcher := &fakeSearcher{}
	embedder := &staticEmbedder{}
	r, err := New(searcher, embedder, DefaultConfig(), nil)
	require.NoError(t, err)

	result, err := r.Retrieve(context.Background(), Query{Text: "anything", TopK: 0})
	require.NoError(t, err)
	assert.Empty(t, result.Hits)
	assert.Zero(t, embedder.calls, "no embedding call for an empty request")
	assert.Empty(t, searcher.queries)
}

func TestRetrieve_Deterministic(t *testing.T) {
	searcher := &fakeSearcher{results: map[hierarchy.Level][]storage.ScoredChunk{
		hierarchy.LevelEntity:   {chunk("e1", hierarchy.LevelEntity, 0.8), chunk("e2", hierarchy.LevelEntity, 0.7)},
		hierarchy.LevelModule:   {chunk("m1", hierarchy.LevelModule, 0.75)},
		hierarchy.LevelPlatform: {chunk("p1", hierarchy.LevelPlatform, 0.9)},
	}}
	r := newRetriever(t, searcher, DefaultConfig())

	q := Query{Text: "query", Scope: fullScope(), TopK: 5}
	first, err := r.Retrieve(context.Background(), q)
	require.NoError(t, err)
	second, err := r.Retrieve(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, first.Hits, second.Hits)
}

func TestRetrieve_MonotonicLevelBoost(t *testing.T) {
	// Equal raw similarity at entity and platform: entity must rank first.
	searcher := &fakeSearcher{results: map[hierarchy.Level][]storage.ScoredChunk{
		hierarchy.LevelEntity:   {chunk("entity-chunk", hierarchy.LevelEntity, 0.7)},
		hierarchy.LevelPlatform: {chunk("platform-chunk", hierarchy.LevelPlatform, 0.7)},
	}}
	r := newRetriever(t, searcher, DefaultConfig())

	result, err := r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 5})
	require.NoError(t, err)

	require.Len(t, result.Hits, 2)
	assert.Equal(t, "entity-chunk", result.Hits[0].Chunk.ID)
	assert.Equal(t, "platform-chunk", result.Hits[1].Chunk.ID)
	assert.Greater(t, result.Hits[0].Score, result.Hits[1].Score)
}

func TestRetrieve_EntityBeatsPlatformDespiteLowerRawSimilarity(t *testing.T) {
	// Same semantic content at both levels; the platform copy scores a bit
	// higher raw, but the entity boost outweighs the difference.
	searcher := &fakeSearcher{results: map[hierarchy.Level][]storage.ScoredChunk{
		hierarchy.LevelEntity:   {chunk("entity-copy", hierarchy.LevelEntity, 0.80)},
		hierarchy.LevelPlatform: {chunk("platform-copy", hierarchy.LevelPlatform, 0.85)},
	}}
	r := newRetriever(t, searcher, DefaultConfig())

	result, err := r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 2})
	require.NoError(t, err)

	require.Len(t, result.Hits, 2)
	assert.Equal(t, "entity-copy", result.Hits[0].Chunk.ID)
	assert.Equal(t, hierarchy.LevelEntity, result.Hits[0].Level)
	assert.Equal(t, 0.80, result.Hits[0].RawScore)
}

func TestRetrieve_CascadeFallbackToPlatform(t *testing.T) {
	// No entity/module/suite knowledge exists for this tenant; the cascade
	// must still surface platform-level results.
	searcher := &fakeSearcher{results: map[hierarchy.Level][]storage.ScoredChunk{
		hierarchy.LevelPlatform: {chunk("p1", hierarchy.LevelPlatform, 0.9)},
	}}
	r := newRetriever(t, searcher, DefaultConfig())

	result, err := r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 3})
	require.NoError(t, err)

	assert.Equal(t, []hierarchy.Level{
		hierarchy.LevelEntity, hierarchy.LevelModule,
		hierarchy.LevelSuite, hierarchy.LevelPlatform,
	}, searcher.levelsQueried())

	require.Len(t, result.Hits, 1)
	assert.Equal(t, hierarchy.LevelPlatform, result.Hits[0].Level)
}

func TestRetrieve_PlatformOnlyScenario(t *testing.T) {
	// Single platform document, query with no suite/module context.
	searcher := &fakeSearcher{results: map[hierarchy.Level][]storage.ScoredChunk{
		hierarchy.LevelPlatform: {chunk("mfa-chunk", hierarchy.LevelPlatform, 0.82)},
	}}
	r := newRetriever(t, searcher, DefaultConfig())

	result, err := r.Retrieve(context.Background(), Query{
		Text:  "what authentication is required for admins",
		Scope: hierarchy.Scope{TenantID: "t1"},
		TopK:  5,
	})
	require.NoError(t, err)

	assert.Equal(t, []hierarchy.Level{hierarchy.LevelPlatform}, searcher.levelsQueried(),
		"unresolvable levels must be skipped")
	require.Len(t, result.Hits, 1)
	assert.Equal(t, hierarchy.LevelPlatform, result.Hits[0].Level)
}

func TestRetrieve_SmartExpansionStopsEarly(t *testing.T) {
	searcher := &fakeSearcher{results: map[hierarchy.Level][]storage.ScoredChunk{
		hierarchy.LevelEntity: {
			chunk("e1", hierarchy.LevelEntity, 0.9),
			chunk("e2", hierarchy.LevelEntity, 0.85),
		},
		hierarchy.LevelModule:   {chunk("m1", hierarchy.LevelModule, 0.8)},
		hierarchy.LevelPlatform: {chunk("p1", hierarchy.LevelPlatform, 0.8)},
	}}
	r := newRetriever(t, searcher, DefaultConfig())

	result, err := r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 2})
	require.NoError(t, err)

	assert.Equal(t, []hierarchy.Level{hierarchy.LevelEntity}, searcher.levelsQueried(),
		"enough entity candidates must stop the cascade")
	assert.Len(t, result.Hits, 2)
}

func TestRetrieve_ExpandsWhenBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinScore = 0.6

	// Entity yields candidates but below the relevance threshold; the
	// cascade must keep expanding.
	searcher := &fakeSearcher{results: map[hierarchy.Level][]storage.ScoredChunk{
		hierarchy.LevelEntity:   {chunk("weak", hierarchy.LevelEntity, 0.2)},
		hierarchy.LevelPlatform: {chunk("strong", hierarchy.LevelPlatform, 0.9)},
	}}
	r := newRetriever(t, searcher, cfg)

	result, err := r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 1})
	require.NoError(t, err)

	assert.Len(t, searcher.queries, 4, "all levels must be searched")
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "strong", result.Hits[0].Chunk.ID)
}

func TestRetrieve_EmptyResultIsNotAnError(t *testing.T) {
	searcher := &fakeSearcher{}
	r := newRetriever(t, searcher, DefaultConfig())

	result, err := r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, result.Hits)
	assert.Len(t, result.LevelsSearched, 4)
}

func TestRetrieve_DeterministicTieBreakByLevelThenID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Boosts = map[hierarchy.Level]float64{
		hierarchy.LevelEntity:   0,
		hierarchy.LevelModule:   0,
		hierarchy.LevelSuite:    0,
		hierarchy.LevelPlatform: 0,
	}

	searcher := &fakeSearcher{results: map[hierarchy.Level][]storage.ScoredChunk{
		hierarchy.LevelEntity:   {chunk("zz", hierarchy.LevelEntity, 0.7)},
		hierarchy.LevelPlatform: {chunk("aa", hierarchy.LevelPlatform, 0.7), chunk("bb", hierarchy.LevelPlatform, 0.7)},
	}}
	r := newRetriever(t, searcher, cfg)

	result, err := r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 3})
	require.NoError(t, err)

	require.Len(t, result.Hits, 3)
	// Equal scores everywhere: specificity wins first, then chunk ID.
	assert.Equal(t, "zz", result.Hits[0].Chunk.ID)
	assert.Equal(t, "aa", result.Hits[1].Chunk.ID)
	assert.Equal(t, "bb", result.Hits[2].Chunk.ID)
}

func TestRetrieve_IncludeDeprecatedWidensStatusFilter(t *testing.T) {
	searcher := &fakeSearcher{}
	r := newRetriever(t, searcher, DefaultConfig())

	_, err := r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 1})
	require.NoError(t, err)
	for _, q := range searcher.queries {
		assert.Equal(t, []storage.Status{storage.StatusActive}, q.Statuses)
	}

	searcher.queries = nil
	_, err = r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 1, IncludeDeprecated: true})
	require.NoError(t, err)
	for _, q := range searcher.queries {
		assert.Equal(t, []storage.Status{storage.StatusActive, storage.StatusDeprecated}, q.Statuses)
	}
}

func TestRetrieve_PassesModelVersionAndLimit(t *testing.T) {
	searcher := &fakeSearcher{}
	r := newRetriever(t, searcher, DefaultConfig())

	_, err := r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 10})
	require.NoError(t, err)

	require.NotEmpty(t, searcher.queries)
	for _, q := range searcher.queries {
		assert.Equal(t, "fake-embed-v1", q.EmbeddingModel)
		assert.Equal(t, 30, q.Limit, "per-level limit is TopK times the candidate factor")
	}
}

func TestRetrieve_LevelFilter(t *testing.T) {
	searcher := &fakeSearcher{results: map[hierarchy.Level][]storage.ScoredChunk{
		hierarchy.LevelSuite:    {chunk("s1", hierarchy.LevelSuite, 0.9)},
		hierarchy.LevelPlatform: {chunk("p1", hierarchy.LevelPlatform, 0.9)},
	}}
	r := newRetriever(t, searcher, DefaultConfig())

	result, err := r.Retrieve(context.Background(), Query{
		Text: "q", Scope: fullScope(), TopK: 5,
		LevelFilter: hierarchy.LevelSuite,
	})
	require.NoError(t, err)

	assert.Equal(t, []hierarchy.Level{hierarchy.LevelSuite}, searcher.levelsQueried())
	require.Len(t, result.Hits, 1)
	assert.Equal(t, hierarchy.LevelSuite, result.Hits[0].Level)
}

func TestRetrieve_LevelSearchErrorAbortsCascade(t *testing.T) {
	searcher := &fakeSearcher{
		results: map[hierarchy.Level][]storage.ScoredChunk{
			hierarchy.LevelEntity: {chunk("e1", hierarchy.LevelEntity, 0.2)},
		},
		failOn: hierarchy.LevelModule,
	}
	r := newRetriever(t, searcher, DefaultConfig())

	_, err := r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 5})
	require.ErrorIs(t, err, storage.ErrStoreUnreachable,
		"a failed level must abort the cascade, not be silently dropped")
}

func TestRetrieve_CancelledBeforeCascade(t *testing.T) {
	searcher := &fakeSearcher{}
	r := newRetriever(t, searcher, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Retrieve(ctx, Query{Text: "q", Scope: fullScope(), TopK: 5})
	require.ErrorIs(t, err, ErrCancelled)
}

func TestRetrieve_CancelledMidCascade(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	searcher := &fakeSearcher{
		results: map[hierarchy.Level][]storage.ScoredChunk{
			hierarchy.LevelEntity: {chunk("e1", hierarchy.LevelEntity, 0.1)},
		},
	}
	searcher.onQuery = func() { cancel() } // caller goes away during the first level
	r := newRetriever(t, searcher, DefaultConfig())

	_, err := r.Retrieve(ctx, Query{Text: "q", Scope: fullScope(), TopK: 5})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Len(t, searcher.queries, 1, "cascade must stop at the next level boundary")
}

func TestRetrieve_TimeoutWithoutBestEffort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond

	searcher := &fakeSearcher{
		results: map[hierarchy.Level][]storage.ScoredChunk{
			hierarchy.LevelEntity: {chunk("e1", hierarchy.LevelEntity, 0.1)},
		},
		sleep: 50 * time.Millisecond,
	}
	r := newRetriever(t, searcher, cfg)

	_, err := r.Retrieve(context.Background(), Query{Text: "q", Scope: fullScope(), TopK: 5})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRetrieve_TimeoutBestEffortReturnsAccumulatedPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MinScore = 0.1

	searcher := &fakeSearcher{
		results: map[hierarchy.Level][]storage.ScoredChunk{
			hierarchy.LevelEntity: {chunk("e1", hierarchy.LevelEntity, 0.5)},
		},
		sleep: 50 * time.Millisecond,
	}
	r := newRetriever(t, searcher, cfg)

	result, err := r.Retrieve(context.Background(), Query{
		Text: "q", Scope: fullScope(), TopK: 5, BestEffort: true,
	})
	require.NoError(t, err)

	assert.True(t, result.BestEffort, "budget-truncated results must be flagged")
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "e1", result.Hits[0].Chunk.ID)
}
