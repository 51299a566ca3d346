package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/strata-kb/strata/internal/hierarchy"
	"github.com/strata-kb/strata/internal/ingest"
	"github.com/strata-kb/strata/internal/orchestrator"
	"github.com/strata-kb/strata/internal/retriever"
	"github.com/strata-kb/strata/internal/storage"
)

const defaultTopK = 8

// makeSearchHandler creates the search_knowledge tool handler: embed the
// query once, cascade through the resolvable levels, return ranked chunks.
func makeSearchHandler(r *retriever.Retriever) func(
	context.Context, *mcp.CallToolRequest, SearchInput,
) (*mcp.CallToolResult, SearchOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchInput) (
		*mcp.CallToolResult, SearchOutput, error,
	) {
		topK := input.TopK
		if topK <= 0 {
			topK = defaultTopK
		}

		result, err := r.Retrieve(ctx, retriever.Query{
			Text: input.Query,
			Scope: hierarchy.Scope{
				TenantID: input.TenantID,
				SuiteID:  input.SuiteID,
				ModuleID: input.ModuleID,
			},
			TopK:              topK,
			IncludeDeprecated: input.IncludeDeprecated,
		})
		if err != nil {
			return nil, SearchOutput{}, fmt.Errorf("search failed: %w", err)
		}

		results := make([]SearchResult, 0, len(result.Hits))
		for _, hit := range result.Hits {
			results = append(results, SearchResult{
				ChunkID:       hit.Chunk.ID,
				DocumentID:    hit.Chunk.DocumentID,
				DocumentTitle: hit.Chunk.DocumentTitle,
				Level:         string(hit.Level),
				HeaderPath:    hit.Chunk.HeaderPath,
				Score:         hit.Score,
				Text:          hit.Chunk.Content,
			})
		}

		levels := make([]string, 0, len(result.LevelsSearched))
		for _, l := range result.LevelsSearched {
			levels = append(levels, string(l))
		}

		out := SearchOutput{
			Results:        results,
			LevelsSearched: levels,
			BestEffort:     result.BestEffort,
		}
		if len(results) == 0 {
			out.Results = []SearchResult{}
			out.Message = "No matching knowledge found in the accessible scope. Try broader search terms."
		}
		return nil, out, nil
	}
}

// makeAskHandler creates the ask tool handler.
func makeAskHandler(o *orchestrator.Orchestrator) func(
	context.Context, *mcp.CallToolRequest, AskInput,
) (*mcp.CallToolResult, AskOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input AskInput) (
		*mcp.CallToolResult, AskOutput, error,
	) {
		resp, err := o.Answer(ctx, orchestrator.Request{
			Question: input.Question,
			Scope: hierarchy.Scope{
				TenantID: input.TenantID,
				SuiteID:  input.SuiteID,
				ModuleID: input.ModuleID,
			},
			TopK: input.TopK,
		})
		if err != nil {
			return nil, AskOutput{}, fmt.Errorf("ask failed: %w", err)
		}

		sources := make([]AskSource, 0, len(resp.Sources))
		for _, c := range resp.Sources {
			sources = append(sources, AskSource{
				Ref:        c.Ref,
				DocumentID: c.DocumentID,
				Title:      c.Title,
				Level:      c.Level,
			})
		}

		return nil, AskOutput{
			Answer:      resp.Text,
			Sources:     sources,
			ChunksUsed:  resp.ChunksUsed,
			Model:       resp.Model,
			CacheHit:    resp.CacheHit,
			NoGrounding: resp.NoGrounding,
		}, nil
	}
}

// makeIngestHandler creates the ingest_document tool handler.
func makeIngestHandler(pipeline *ingest.Pipeline) func(
	context.Context, *mcp.CallToolRequest, IngestInput,
) (*mcp.CallToolResult, IngestOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input IngestInput) (
		*mcp.CallToolResult, IngestOutput, error,
	) {
		level, err := hierarchy.ParseLevel(input.Level)
		if err != nil {
			return nil, IngestOutput{}, err
		}

		doc, err := pipeline.Ingest(ctx, ingest.DocumentInput{
			Title:     input.Title,
			Level:     level,
			TenantID:  input.TenantID,
			SuiteID:   input.SuiteID,
			ModuleID:  input.ModuleID,
			SourceURI: input.SourceURI,
		}, input.Content)
		if err != nil {
			// Scope and content errors are caller mistakes; return them as-is.
			if errors.Is(err, hierarchy.ErrInvalidScope) || errors.Is(err, ingest.ErrEmptyContent) {
				return nil, IngestOutput{}, err
			}
			return nil, IngestOutput{}, fmt.Errorf("ingest failed: %w", err)
		}

		return nil, IngestOutput{
			DocumentID: doc.ID,
			ChunkCount: doc.ChunkCount,
			Status:     string(doc.Status),
		}, nil
	}
}

// makeStatusHandler creates the get_status tool handler.
func makeStatusHandler(store *storage.QdrantStore, embeddingModel string) func(
	context.Context, *mcp.CallToolRequest, StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		counts, err := store.Counts(ctx)
		if err != nil {
			return nil, StatusOutput{}, fmt.Errorf("status failed: %w", err)
		}

		return nil, StatusOutput{
			Documents:           counts.Documents,
			Chunks:              counts.Chunks,
			DeprecatedDocuments: counts.DeprecatedDocuments,
			ArchivedDocuments:   counts.ArchivedDocuments,
			EmbeddingModel:      embeddingModel,
		}, nil
	}
}
