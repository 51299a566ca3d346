package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-kb/strata/internal/audit"
	"github.com/strata-kb/strata/internal/hierarchy"
	"github.com/strata-kb/strata/internal/retriever"
	"github.com/strata-kb/strata/internal/storage"
)

type fakeRetriever struct {
	result  *retriever.Result
	err     error
	queries []retriever.Query
}

func (f *fakeRetriever) Retrieve(_ context.Context, q retriever.Query) (*retriever.Result, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &retriever.Result{}, nil
	}
	return f.result, nil
}

type fakeGenerator struct {
	answer  string
	err     error
	calls   int
	lastUsr string
}

func (f *fakeGenerator) Generate(_ context.Context, _, user string) (string, error) {
	f.calls++
	f.lastUsr = user
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeGenerator) Model() string { return "fake-chat-v1" }

type recordingSink struct {
	events []audit.Event
	err    error
}

func (s *recordingSink) Record(_ context.Context, e audit.Event) error {
	s.events = append(s.events, e)
	return s.err
}

func hit(chunkID, docID, title string, level hierarchy.Level, score float64) retriever.Hit {
	return retriever.Hit{
		Chunk: &storage.Chunk{
			ID:            chunkID,
			DocumentID:    docID,
			DocumentTitle: title,
			Content:       "content of " + chunkID,
			HeaderPath:    "# Heading",
		},
		Level: level,
		Score: score,
	}
}

func scope() hierarchy.Scope {
	return hierarchy.Scope{TenantID: "t1", SuiteID: "s1"}
}

func TestAnswer_GroundedWithCitations(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{Hits: []retriever.Hit{
		hit("c1", "d1", "MFA Policy", hierarchy.LevelSuite, 0.9),
		hit("c2", "d2", "Access Control", hierarchy.LevelPlatform, 0.8),
	}}}
	gen := &fakeGenerator{answer: "Admins must use MFA [1]."}
	sink := &recordingSink{}
	o := New(ret, gen, sink, time.Minute, nil)

	resp, err := o.Answer(context.Background(), Request{Question: "is MFA required?", Scope: scope()})
	require.NoError(t, err)

	assert.Equal(t, "Admins must use MFA [1].", resp.Text)
	assert.Equal(t, "fake-chat-v1", resp.Model)
	assert.Equal(t, 2, resp.ChunksUsed)
	assert.False(t, resp.CacheHit)
	assert.False(t, resp.NoGrounding)

	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "d1", resp.Sources[0].DocumentID)
	assert.Equal(t, "c1", resp.Sources[0].ChunkID)
	assert.Equal(t, 1, resp.Sources[0].Ref)

	// The prompt must contain every grounding chunk, labeled.
	assert.Contains(t, gen.lastUsr, "[1] MFA Policy")
	assert.Contains(t, gen.lastUsr, "[2] Access Control")
	assert.True(t, strings.HasSuffix(gen.lastUsr, "Question: is MFA required?"))
}

func TestAnswer_CitationsDedupByDocument(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{Hits: []retriever.Hit{
		hit("c1", "d1", "MFA Policy", hierarchy.LevelSuite, 0.9),
		hit("c2", "d1", "MFA Policy", hierarchy.LevelSuite, 0.85),
		hit("c3", "d2", "Access Control", hierarchy.LevelPlatform, 0.8),
	}}}
	o := New(ret, &fakeGenerator{answer: "a"}, nil, time.Minute, nil)

	resp, err := o.Answer(context.Background(), Request{Question: "q", Scope: scope()})
	require.NoError(t, err)

	assert.Equal(t, 3, resp.ChunksUsed)
	require.Len(t, resp.Sources, 2, "two chunks from the same document collapse into one citation")
	assert.Equal(t, "d1", resp.Sources[0].DocumentID)
	assert.Equal(t, "c1", resp.Sources[0].ChunkID, "the best-ranked chunk represents the document")
	assert.Equal(t, "d2", resp.Sources[1].DocumentID)
}

func TestAnswer_NoGroundingShortCircuit(t *testing.T) {
	gen := &fakeGenerator{answer: "should not be called"}
	sink := &recordingSink{}
	o := New(&fakeRetriever{}, gen, sink, time.Minute, nil)

	resp, err := o.Answer(context.Background(), Request{Question: "q", Scope: scope()})
	require.NoError(t, err)

	assert.True(t, resp.NoGrounding)
	assert.Equal(t, noGroundingMessage, resp.Text)
	assert.Empty(t, resp.Sources)
	assert.Zero(t, gen.calls, "the model must never run without grounding")

	require.Len(t, sink.events, 1)
	assert.True(t, sink.events[0].NoGrounding)
}

func TestAnswer_EmptyQuestionRejected(t *testing.T) {
	o := New(&fakeRetriever{}, &fakeGenerator{}, nil, time.Minute, nil)

	_, err := o.Answer(context.Background(), Request{Question: "   "})
	require.Error(t, err)
}

func TestAnswer_RetrieveErrorPropagates(t *testing.T) {
	ret := &fakeRetriever{err: retriever.ErrTimeout}
	sink := &recordingSink{}
	o := New(ret, &fakeGenerator{}, sink, time.Minute, nil)

	_, err := o.Answer(context.Background(), Request{Question: "q", Scope: scope()})
	require.ErrorIs(t, err, retriever.ErrTimeout)
	assert.Empty(t, sink.events, "failed answers emit no audit event")
}

func TestAnswer_GenerateErrorPropagates(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{Hits: []retriever.Hit{
		hit("c1", "d1", "T", hierarchy.LevelPlatform, 0.9),
	}}}
	gen := &fakeGenerator{err: fmt.Errorf("model overloaded")}
	o := New(ret, gen, nil, time.Minute, nil)

	_, err := o.Answer(context.Background(), Request{Question: "q", Scope: scope()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generate answer")
}

func TestAnswer_CacheHitSkipsRetrievalAndGeneration(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{Hits: []retriever.Hit{
		hit("c1", "d1", "T", hierarchy.LevelSuite, 0.9),
	}}}
	gen := &fakeGenerator{answer: "cached answer"}
	sink := &recordingSink{}
	o := New(ret, gen, sink, time.Minute, nil)

	req := Request{Question: "same question", Scope: scope()}
	first, err := o.Answer(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := o.Answer(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, first.Sources, second.Sources)
	assert.Len(t, ret.queries, 1, "cache hit must not re-run retrieval")
	assert.Equal(t, 1, gen.calls, "cache hit must not re-run generation")

	// Both calls are audited, the second one flagged as a cache hit.
	require.Len(t, sink.events, 2)
	assert.False(t, sink.events[0].CacheHit)
	assert.True(t, sink.events[1].CacheHit)
	assert.Equal(t, []string{"c1"}, sink.events[1].ChunkIDs)
}

func TestAnswer_CacheKeyedByScope(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{Hits: []retriever.Hit{
		hit("c1", "d1", "T", hierarchy.LevelPlatform, 0.9),
	}}}
	o := New(ret, &fakeGenerator{answer: "a"}, nil, time.Minute, nil)

	_, err := o.Answer(context.Background(), Request{Question: "q", Scope: hierarchy.Scope{TenantID: "t1"}})
	require.NoError(t, err)
	_, err = o.Answer(context.Background(), Request{Question: "q", Scope: hierarchy.Scope{TenantID: "t2"}})
	require.NoError(t, err)

	assert.Len(t, ret.queries, 2, "different tenants must not share cached answers")
}

func TestAnswer_SkipCacheForcesFreshAnswer(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{Hits: []retriever.Hit{
		hit("c1", "d1", "T", hierarchy.LevelPlatform, 0.9),
	}}}
	o := New(ret, &fakeGenerator{answer: "a"}, nil, time.Minute, nil)

	req := Request{Question: "q", Scope: scope()}
	_, err := o.Answer(context.Background(), req)
	require.NoError(t, err)

	req.SkipCache = true
	resp, err := o.Answer(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, resp.CacheHit)
	assert.Len(t, ret.queries, 2)
}

func TestAnswer_CacheExpires(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{Hits: []retriever.Hit{
		hit("c1", "d1", "T", hierarchy.LevelPlatform, 0.9),
	}}}
	o := New(ret, &fakeGenerator{answer: "a"}, nil, time.Minute, nil)

	base := time.Now()
	o.cache.now = func() time.Time { return base }

	req := Request{Question: "q", Scope: scope()}
	_, err := o.Answer(context.Background(), req)
	require.NoError(t, err)

	o.cache.now = func() time.Time { return base.Add(2 * time.Minute) }
	resp, err := o.Answer(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, resp.CacheHit)
	assert.Len(t, ret.queries, 2)
}

func TestAnswer_AuditRecordsEveryGroundingChunk(t *testing.T) {
	// Two chunks of the same document ground the answer: citations collapse
	// them, but the audit event must still list every chunk used.
	ret := &fakeRetriever{result: &retriever.Result{Hits: []retriever.Hit{
		hit("c1", "d1", "MFA Policy", hierarchy.LevelSuite, 0.9),
		hit("c2", "d1", "MFA Policy", hierarchy.LevelSuite, 0.85),
		hit("c3", "d2", "Access Control", hierarchy.LevelPlatform, 0.8),
	}}}
	sink := &recordingSink{}
	o := New(ret, &fakeGenerator{answer: "a"}, sink, time.Minute, nil)

	resp, err := o.Answer(context.Background(), Request{Question: "q", Scope: scope()})
	require.NoError(t, err)

	assert.Equal(t, 3, resp.ChunksUsed)
	assert.Len(t, resp.Sources, 2)

	require.Len(t, sink.events, 1)
	assert.Equal(t, []string{"c1", "c2", "c3"}, sink.events[0].ChunkIDs)

	// A cache hit replays the same full grounding set.
	_, err = o.Answer(context.Background(), Request{Question: "q", Scope: scope()})
	require.NoError(t, err)
	require.Len(t, sink.events, 2)
	assert.True(t, sink.events[1].CacheHit)
	assert.Equal(t, []string{"c1", "c2", "c3"}, sink.events[1].ChunkIDs)
}

func TestAnswer_BestEffortResponseIsNeverCached(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{
		Hits:       []retriever.Hit{hit("c1", "d1", "T", hierarchy.LevelSuite, 0.9)},
		BestEffort: true,
	}}
	o := New(ret, &fakeGenerator{answer: "a"}, nil, time.Minute, nil)

	first, err := o.Answer(context.Background(), Request{Question: "q", Scope: scope(), BestEffort: true})
	require.NoError(t, err)
	assert.True(t, first.BestEffort)

	// A caller who did not opt into best-effort must not be served the
	// truncated answer from the cache.
	second, err := o.Answer(context.Background(), Request{Question: "q", Scope: scope()})
	require.NoError(t, err)

	assert.False(t, second.CacheHit)
	assert.Len(t, ret.queries, 2, "the truncated answer must not satisfy a later request")
}

func TestAnswer_SinkFailureDegradesInsteadOfFailing(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{Hits: []retriever.Hit{
		hit("c1", "d1", "T", hierarchy.LevelPlatform, 0.9),
	}}}
	sink := &recordingSink{err: fmt.Errorf("audit store down")}
	o := New(ret, &fakeGenerator{answer: "a"}, sink, time.Minute, nil)

	resp, err := o.Answer(context.Background(), Request{Question: "q", Scope: scope()})
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	assert.Equal(t, "a", resp.Text, "the answer itself is unaffected")
}

func TestAnswer_AuditEventFields(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{Hits: []retriever.Hit{
		hit("c1", "d1", "T", hierarchy.LevelSuite, 0.9),
	}}}
	sink := &recordingSink{}
	o := New(ret, &fakeGenerator{answer: "answer text"}, sink, time.Minute, nil)

	_, err := o.Answer(context.Background(), Request{
		Question: "q",
		Scope:    hierarchy.Scope{TenantID: "t1", SuiteID: "s1", ModuleID: "m1"},
	})
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.Equal(t, "q", e.Query)
	assert.Equal(t, "t1", e.TenantID)
	assert.Equal(t, "s1", e.SuiteID)
	assert.Equal(t, "m1", e.ModuleID)
	assert.Equal(t, []string{"c1"}, e.ChunkIDs)
	assert.Equal(t, len("answer text"), e.AnswerLen)
	assert.False(t, e.Time.IsZero())
}
