// Package orchestrator answers natural-language questions over the knowledge
// hierarchy: retrieve grounding chunks, build a prompt, call the generation
// model, and attach citations for every chunk that informed the answer.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/strata-kb/strata/internal/audit"
	"github.com/strata-kb/strata/internal/hierarchy"
	"github.com/strata-kb/strata/internal/retriever"
)

const (
	// DefaultCacheTTL bounds how long an answer may be served without
	// re-consulting the store. Lifecycle transitions (supersede, archive)
	// become visible to ask after at most this long.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultTopK is the number of grounding chunks fed to the model.
	DefaultTopK = 8

	// noGroundingMessage is returned verbatim when retrieval finds nothing
	// relevant. The model is never called without grounding.
	noGroundingMessage = "No relevant knowledge was found for this question in the accessible scope."
)

const systemPrompt = `You are a knowledge assistant. Answer the question using ONLY the provided context sections.
Each section is labeled [n] with its source document. Cite sections inline as [n].
If the context does not contain the answer, say so plainly instead of guessing.`

// Retriever is the slice of the retrieval engine the orchestrator needs.
type Retriever interface {
	Retrieve(ctx context.Context, q retriever.Query) (*retriever.Result, error)
}

// Generator produces an answer from a prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
	Model() string
}

// Request is one question against the hierarchy.
type Request struct {
	Question          string
	Scope             hierarchy.Scope
	TopK              int
	IncludeDeprecated bool
	BestEffort        bool
	SkipCache         bool
}

// Citation references a source document that grounded the answer.
type Citation struct {
	Ref        int     `json:"ref"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Level      string  `json:"level"`
	HeaderPath string  `json:"header_path,omitempty"`
	Score      float64 `json:"score"`
}

// Response is a completed answer with provenance.
type Response struct {
	Text        string     `json:"text"`
	Sources     []Citation `json:"sources"`
	ChunksUsed  int        `json:"chunks_used"`
	Model       string     `json:"model"`
	CacheHit    bool       `json:"cache_hit"`
	NoGrounding bool       `json:"no_grounding"`
	BestEffort  bool       `json:"best_effort,omitempty"`
	Degraded    bool       `json:"degraded,omitempty"`
}

// Orchestrator wires retrieval, generation, caching, and audit together.
type Orchestrator struct {
	retriever Retriever
	generator Generator
	sink      audit.Sink
	cache     *answerCache
	logger    *slog.Logger
}

// New creates an Orchestrator. A nil sink disables audit recording.
func New(r Retriever, g Generator, sink audit.Sink, cacheTTL time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Orchestrator{
		retriever: r,
		generator: g,
		sink:      sink,
		cache:     newAnswerCache(cacheTTL),
		logger:    logger,
	}
}

// Answer resolves one question. Every call, cached or not, emits exactly one
// audit event; a failing audit sink degrades the response instead of failing it.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (*Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("question must not be empty")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	start := time.Now()

	key := cacheKey(question, req.Scope, topK, req.IncludeDeprecated)
	if !req.SkipCache {
		if cached, chunkIDs, ok := o.cache.get(key); ok {
			cached.CacheHit = true
			o.record(ctx, question, req.Scope, &cached, chunkIDs, time.Since(start))
			return &cached, nil
		}
	}

	result, err := o.retriever.Retrieve(ctx, retriever.Query{
		Text:              question,
		Scope:             req.Scope,
		TopK:              topK,
		IncludeDeprecated: req.IncludeDeprecated,
		BestEffort:        req.BestEffort,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	if len(result.Hits) == 0 {
		resp := Response{
			Text:        noGroundingMessage,
			Sources:     []Citation{},
			NoGrounding: true,
			BestEffort:  result.BestEffort,
		}
		o.record(ctx, question, req.Scope, &resp, nil, time.Since(start))
		return &resp, nil
	}

	answer, err := o.generator.Generate(ctx, systemPrompt, buildPrompt(question, result.Hits))
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	// The audit trail records every chunk that grounded the answer, before
	// citations collapse same-document chunks.
	chunkIDs := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		chunkIDs = append(chunkIDs, hit.Chunk.ID)
	}

	resp := Response{
		Text:       answer,
		Sources:    citations(result.Hits),
		ChunksUsed: len(result.Hits),
		Model:      o.generator.Model(),
		BestEffort: result.BestEffort,
	}

	// A budget-truncated answer is only valid for callers who opted into
	// best-effort mode; it never enters the cache.
	if !result.BestEffort {
		o.cache.set(key, resp, chunkIDs)
	}
	o.record(ctx, question, req.Scope, &resp, chunkIDs, time.Since(start))
	return &resp, nil
}

// record emits the audit event for one answer. chunkIDs is the full
// grounding set, not the deduplicated citations. Sink failure never fails
// the answer: it is logged locally and the response is marked degraded.
func (o *Orchestrator) record(ctx context.Context, question string, scope hierarchy.Scope, resp *Response, chunkIDs []string, latency time.Duration) {
	if o.sink == nil {
		return
	}

	event := audit.Event{
		Time:        time.Now().UTC(),
		Query:       question,
		TenantID:    scope.TenantID,
		SuiteID:     scope.SuiteID,
		ModuleID:    scope.ModuleID,
		ChunkIDs:    chunkIDs,
		AnswerLen:   len(resp.Text),
		Latency:     latency,
		CacheHit:    resp.CacheHit,
		NoGrounding: resp.NoGrounding,
	}
	if err := o.sink.Record(ctx, event); err != nil {
		o.logger.Warn("audit sink failed, answer degraded", "error", err)
		resp.Degraded = true
	}
}

// buildPrompt labels each grounding chunk [n] so the model can cite it.
func buildPrompt(question string, hits []retriever.Hit) string {
	var b strings.Builder
	b.WriteString("Context sections:\n\n")
	for i, hit := range hits {
		fmt.Fprintf(&b, "[%d] %s (%s", i+1, hit.Chunk.DocumentTitle, hit.Level)
		if hit.Chunk.HeaderPath != "" {
			fmt.Fprintf(&b, ", %s", hit.Chunk.HeaderPath)
		}
		b.WriteString(")\n")
		b.WriteString(hit.Chunk.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// citations deduplicates hits by document, keeping the best-ranked chunk per
// document and preserving rank order.
func citations(hits []retriever.Hit) []Citation {
	seen := make(map[string]bool, len(hits))
	out := make([]Citation, 0, len(hits))
	for i, hit := range hits {
		if seen[hit.Chunk.DocumentID] {
			continue
		}
		seen[hit.Chunk.DocumentID] = true
		out = append(out, Citation{
			Ref:        i + 1,
			ChunkID:    hit.Chunk.ID,
			DocumentID: hit.Chunk.DocumentID,
			Title:      hit.Chunk.DocumentTitle,
			Level:      string(hit.Level),
			HeaderPath: hit.Chunk.HeaderPath,
			Score:      hit.Score,
		})
	}
	return out
}

func cacheKey(question string, scope hierarchy.Scope, topK int, includeDeprecated bool) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%t",
		strings.ToLower(question), scope.TenantID, scope.SuiteID, scope.ModuleID, topK, includeDeprecated)
}
