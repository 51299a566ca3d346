// Package ingest turns a source document into hierarchy-tagged, embedded
// chunks persisted to the chunk store. Ingestion is all-or-nothing per
// document: every embedding is computed before the first write, and any
// persistence failure rolls the document's points back, so the retriever
// only ever observes fully-ingested documents.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strata-kb/strata/internal/chunker"
	"github.com/strata-kb/strata/internal/embedding"
	"github.com/strata-kb/strata/internal/hierarchy"
	"github.com/strata-kb/strata/internal/storage"
)

// ErrEmptyContent indicates the raw text was blank after normalization.
var ErrEmptyContent = errors.New("document content is empty")

// Store is the slice of the chunk store the pipeline writes through.
type Store interface {
	InsertDocument(ctx context.Context, doc *storage.Document) error
	InsertChunks(ctx context.Context, chunks []*storage.Chunk) error
	CommitDocument(ctx context.Context, docID string) error
	DeleteDocumentPoints(ctx context.Context, docID string) error
}

// DocumentInput is the ingestion intake record. Text extraction from binary
// formats is the caller's responsibility; RawText is already plain text.
type DocumentInput struct {
	Title       string
	Level       hierarchy.Level
	TenantID    string
	SuiteID     string
	ModuleID    string
	SourceURI   string
	Description string
	Metadata    map[string]string

	// Supersedes links the new document to the one it replaces. Set by the
	// lifecycle manager, empty for first-time ingestion.
	Supersedes string
}

// Pipeline ingests documents: validate, chunk, embed, persist.
type Pipeline struct {
	store    Store
	embedder embedding.Provider
	splitter *chunker.Splitter
	logger   *slog.Logger
}

// NewPipeline creates an ingestion pipeline. A nil logger uses slog.Default().
func NewPipeline(store Store, embedder embedding.Provider, splitter *chunker.Splitter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    store,
		embedder: embedder,
		splitter: splitter,
		logger:   logger,
	}
}

// Ingest validates the input, splits and embeds the text, and persists the
// document with all of its chunks. On any failure after the first write the
// document's points are deleted so no partial set remains visible.
func (p *Pipeline) Ingest(ctx context.Context, in DocumentInput, rawText string) (*storage.Document, error) {
	scope := hierarchy.Scope{
		TenantID: in.TenantID,
		SuiteID:  in.SuiteID,
		ModuleID: in.ModuleID,
	}
	if err := hierarchy.ValidateScope(in.Level, scope); err != nil {
		return nil, err
	}

	text := normalize(rawText)
	if text == "" {
		return nil, fmt.Errorf("%w: %q", ErrEmptyContent, in.Title)
	}

	pieces := p.splitter.Split(text)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyContent, in.Title)
	}

	// Embed every piece before the first write. A persistent provider
	// failure aborts here with zero store mutations.
	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		if piece.HeaderPath != "" {
			// Header context improves retrieval for section fragments.
			texts[i] = piece.HeaderPath + "\n\n" + piece.Content
		} else {
			texts[i] = piece.Content
		}
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed document %q: %w", in.Title, err)
	}
	if len(vectors) != len(pieces) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d chunks",
			embedding.ErrUnavailable, len(vectors), len(pieces))
	}

	modelVersion := p.embedder.ModelVersion()
	doc := &storage.Document{
		ID:             uuid.New().String(),
		TenantID:       in.TenantID,
		Level:          in.Level,
		SuiteID:        in.SuiteID,
		ModuleID:       in.ModuleID,
		Title:          in.Title,
		SourceURI:      in.SourceURI,
		Description:    in.Description,
		Metadata:       in.Metadata,
		ChunkCount:     len(pieces),
		Status:         storage.StatusPending,
		CreatedAt:      time.Now().UTC(),
		Supersedes:     in.Supersedes,
		EmbeddingModel: modelVersion,
	}

	chunks := make([]*storage.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &storage.Chunk{
			ID:             uuid.New().String(),
			DocumentID:     doc.ID,
			Ordinal:        piece.Ordinal,
			HeaderPath:     piece.HeaderPath,
			Content:        piece.Content,
			TenantID:       doc.TenantID,
			Level:          doc.Level,
			SuiteID:        doc.SuiteID,
			ModuleID:       doc.ModuleID,
			Status:         storage.StatusPending,
			DocumentTitle:  doc.Title,
			EmbeddingModel: modelVersion,
			Embedding:      vectors[i],
		}
	}

	if err := p.persist(ctx, doc, chunks); err != nil {
		return nil, err
	}

	doc.Status = storage.StatusActive
	p.logger.Info("ingested document",
		"document_id", doc.ID,
		"title", doc.Title,
		"level", doc.Level,
		"chunks", len(chunks),
	)
	return doc, nil
}

// persist writes the document and chunks as pending, then commits them to
// active in one flip. Any failure triggers a compensating delete.
func (p *Pipeline) persist(ctx context.Context, doc *storage.Document, chunks []*storage.Chunk) error {
	if err := p.store.InsertDocument(ctx, doc); err != nil {
		p.rollback(ctx, doc.ID)
		return fmt.Errorf("store document %q: %w", doc.Title, err)
	}
	if err := p.store.InsertChunks(ctx, chunks); err != nil {
		p.rollback(ctx, doc.ID)
		return fmt.Errorf("store chunks for %q: %w", doc.Title, err)
	}
	if err := p.store.CommitDocument(ctx, doc.ID); err != nil {
		p.rollback(ctx, doc.ID)
		return fmt.Errorf("commit document %q: %w", doc.Title, err)
	}
	return nil
}

// rollback removes whatever points the failed ingestion managed to write.
// Best effort: pending points are invisible to the retriever regardless.
func (p *Pipeline) rollback(ctx context.Context, docID string) {
	if err := p.store.DeleteDocumentPoints(context.WithoutCancel(ctx), docID); err != nil {
		p.logger.Warn("ingestion rollback failed, pending points remain",
			"document_id", docID, "error", err)
	}
}

// normalize trims the text and canonicalizes line endings.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}
