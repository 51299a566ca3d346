// Package storage provides the Qdrant-backed chunk store: persistent
// storage of documents and their embedded chunks with hierarchy metadata.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"

	"github.com/strata-kb/strata/internal/hierarchy"
)

// QdrantStore wraps the Qdrant client with connection management, health
// checks, and the engine's payload schema.
type QdrantStore struct {
	client    *qdrant.Client
	host      string
	port      int
	dimension int
}

// NewQdrantStore creates a Qdrant client and validates connectivity.
// It performs a health check with retry on startup and fails fast if the
// store is unreachable. dimension is the uniform embedding size for the
// whole collection; pass 0 for DefaultVectorDimension.
func NewQdrantStore(host string, port, dimension int) (*QdrantStore, error) {
	if dimension <= 0 {
		dimension = DefaultVectorDimension
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	store := &QdrantStore{
		client:    client,
		host:      host,
		port:      port,
		dimension: dimension,
	}

	ctx := context.Background()
	if err := store.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}

	return store, nil
}

// healthCheckWithRetry performs a health check with exponential backoff.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func (s *QdrantStore) healthCheckWithRetry(ctx context.Context) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, backoff.WithContext(exponentialBackoff, ctx))
}

// Health performs a single health check against Qdrant.
func (s *QdrantStore) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// Dimension returns the uniform embedding dimension for the collection.
func (s *QdrantStore) Dimension() int {
	return s.dimension
}

// EnsureCollection ensures the knowledge collection exists with cosine
// distance and payload indexes on every filterable field. Idempotent.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to list collections: %v", ErrStoreUnreachable, err)
	}

	for _, name := range collections {
		if name == CollectionName {
			return nil
		}
	}

	// Named vector so document points (no vector) and chunk points (with a
	// "content" vector) can share the collection.
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: CollectionName,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			"content": {
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return s.createPayloadIndexes(ctx)
}

// createPayloadIndexes creates keyword indexes for the filterable fields.
// Without these, level- and scope-filtered search degrades badly.
func (s *QdrantStore) createPayloadIndexes(ctx context.Context) error {
	fields := []string{
		"kind",            // "document" vs "chunk"
		"document_id",     // cascade updates and chunk lookup by owner
		"tenant_id",       // entity-level scoping
		"level",           // hierarchy level filter
		"suite_id",        // suite/module/entity scoping
		"module_id",       // module/entity scoping
		"status",          // lifecycle filtering
		"embedding_model", // vector-space compatibility filter
	}

	for _, field := range fields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: CollectionName,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}

	return nil
}

// ClearCollection deletes all points and recreates the collection.
func (s *QdrantStore) ClearCollection(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, CollectionName); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return s.EnsureCollection(ctx)
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// upsertWithRetry performs an upsert with exponential backoff.
func (s *QdrantStore) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: CollectionName,
			Points:         points,
		})
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(exponentialBackoff, ctx)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	return nil
}

// documentFilter matches every point belonging to a document: the document
// point itself and all of its chunks, both of which carry document_id.
func documentFilter(docID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("document_id", docID),
		},
	}
}

// InsertDocument stores a document point. Document points have no vector.
func (s *QdrantStore) InsertDocument(ctx context.Context, doc *Document) error {
	payload := map[string]any{
		"kind":            "document",
		"document_id":     doc.ID,
		"tenant_id":       doc.TenantID,
		"level":           string(doc.Level),
		"suite_id":        doc.SuiteID,
		"module_id":       doc.ModuleID,
		"title":           doc.Title,
		"source_uri":      doc.SourceURI,
		"description":     doc.Description,
		"status":          string(doc.Status),
		"created_at":      doc.CreatedAt.UTC().Format(time.RFC3339),
		"supersedes":      doc.Supersedes,
		"superseded_by":   doc.SupersededBy,
		"audit_refs":      int64(doc.AuditRefs),
		"chunk_count":     int64(doc.ChunkCount),
		"embedding_model": doc.EmbeddingModel,
	}

	if !doc.DeprecatedAt.IsZero() {
		payload["deprecated_at"] = doc.DeprecatedAt.UTC().Format(time.RFC3339)
	}

	meta := map[string]any{}
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	payload["metadata"] = meta

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(doc.ID),
		Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{}),
		Payload: qdrant.NewValueMap(payload),
	}

	return s.upsertWithRetry(ctx, []*qdrant.PointStruct{point})
}

// InsertChunks stores chunk points with embeddings, batched in groups of 100.
// Every chunk's embedding dimension is validated before any write.
func (s *QdrantStore) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	for i, chunk := range chunks {
		if len(chunk.Embedding) != s.dimension {
			return fmt.Errorf("%w: chunk %d has %d dimensions, expected %d",
				ErrDimensionMismatch, i, len(chunk.Embedding), s.dimension)
		}
	}

	batchSize := 100
	for i := 0; i < len(chunks); i += batchSize {
		end := min(i+batchSize, len(chunks))
		batch := chunks[i:end]
		points := make([]*qdrant.PointStruct, len(batch))

		for j, chunk := range batch {
			points[j] = &qdrant.PointStruct{
				Id: qdrant.NewIDUUID(chunk.ID),
				Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
					"content": qdrant.NewVector(chunk.Embedding...),
				}),
				Payload: qdrant.NewValueMap(map[string]any{
					"kind":            "chunk",
					"document_id":     chunk.DocumentID,
					"ordinal":         int64(chunk.Ordinal),
					"header_path":     chunk.HeaderPath,
					"content":         chunk.Content,
					"tenant_id":       chunk.TenantID,
					"level":           string(chunk.Level),
					"suite_id":        chunk.SuiteID,
					"module_id":       chunk.ModuleID,
					"status":          string(chunk.Status),
					"document_title":  chunk.DocumentTitle,
					"embedding_model": chunk.EmbeddingModel,
				}),
			}
		}

		if err := s.upsertWithRetry(ctx, points); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}

	return nil
}

// CommitDocument flips every point of a document from pending to active in
// one SetPayload call. Until this runs, nothing from the ingestion is
// visible to the retriever.
func (s *QdrantStore) CommitDocument(ctx context.Context, docID string) error {
	return s.setStatus(ctx, docID, StatusActive)
}

// UpdateDocumentStatus cascades a lifecycle status to the document point and
// all of its chunks.
func (s *QdrantStore) UpdateDocumentStatus(ctx context.Context, docID string, status Status) error {
	if err := s.setStatus(ctx, docID, status); err != nil {
		return err
	}

	// Deprecation timestamp lives on the document point only.
	if status == StatusDeprecated {
		return s.setDocumentPayload(ctx, docID, map[string]any{
			"deprecated_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
	return nil
}

func (s *QdrantStore) setStatus(ctx context.Context, docID string, status Status) error {
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: CollectionName,
		Payload:        qdrant.NewValueMap(map[string]any{"status": string(status)}),
		PointsSelector: qdrant.NewPointsSelectorFilter(documentFilter(docID)),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to set status for document %s: %v", ErrStoreUnreachable, docID, err)
	}
	return nil
}

// setDocumentPayload sets payload fields on the document point alone.
func (s *QdrantStore) setDocumentPayload(ctx context.Context, docID string, payload map[string]any) error {
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: CollectionName,
		Payload:        qdrant.NewValueMap(payload),
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewIDUUID(docID)),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to update document %s: %v", ErrStoreUnreachable, docID, err)
	}
	return nil
}

// SetSupersededBy records the forward pointer from a deprecated document to
// its replacement.
func (s *QdrantStore) SetSupersededBy(ctx context.Context, oldID, newID string) error {
	return s.setDocumentPayload(ctx, oldID, map[string]any{"superseded_by": newID})
}

// SetAuditRefs overwrites the audit reference count on a document point.
// Callers serialize per document; the store itself has no atomic increment.
func (s *QdrantStore) SetAuditRefs(ctx context.Context, docID string, refs int) error {
	return s.setDocumentPayload(ctx, docID, map[string]any{"audit_refs": int64(refs)})
}

// DeleteDocumentPoints removes the document point and every chunk point
// owned by it. Used both as the ingestion compensation path and for hard
// delete.
func (s *QdrantStore) DeleteDocumentPoints(ctx context.Context, docID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: CollectionName,
		Points:         qdrant.NewPointsSelectorFilter(documentFilter(docID)),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete document %s: %v", ErrStoreUnreachable, docID, err)
	}
	return nil
}

// GetDocument retrieves a document point by ID.
func (s *QdrantStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	result, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: CollectionName,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get document: %v", ErrStoreUnreachable, err)
	}

	if len(result) == 0 {
		return nil, ErrDocumentNotFound
	}

	payload := result[0].Payload
	if kind, ok := payload["kind"]; !ok || kind.GetStringValue() != "document" {
		return nil, ErrDocumentNotFound
	}

	return documentFromPayload(id, payload), nil
}

func documentFromPayload(id string, payload map[string]*qdrant.Value) *Document {
	doc := &Document{
		ID:             id,
		TenantID:       payload["tenant_id"].GetStringValue(),
		Level:          hierarchy.Level(payload["level"].GetStringValue()),
		SuiteID:        payload["suite_id"].GetStringValue(),
		ModuleID:       payload["module_id"].GetStringValue(),
		Title:          payload["title"].GetStringValue(),
		SourceURI:      payload["source_uri"].GetStringValue(),
		Description:    payload["description"].GetStringValue(),
		Status:         Status(payload["status"].GetStringValue()),
		Supersedes:     payload["supersedes"].GetStringValue(),
		SupersededBy:   payload["superseded_by"].GetStringValue(),
		AuditRefs:      int(payload["audit_refs"].GetIntegerValue()),
		ChunkCount:     int(payload["chunk_count"].GetIntegerValue()),
		EmbeddingModel: payload["embedding_model"].GetStringValue(),
	}

	if created, err := time.Parse(time.RFC3339, payload["created_at"].GetStringValue()); err == nil {
		doc.CreatedAt = created
	}
	if v, ok := payload["deprecated_at"]; ok {
		if deprecated, err := time.Parse(time.RFC3339, v.GetStringValue()); err == nil {
			doc.DeprecatedAt = deprecated
		}
	}

	if metaVal, ok := payload["metadata"]; ok && metaVal.GetStructValue() != nil {
		meta := make(map[string]string)
		for k, v := range metaVal.GetStructValue().Fields {
			meta[k] = v.GetStringValue()
		}
		if len(meta) > 0 {
			doc.Metadata = meta
		}
	}

	return doc
}

// SearchChunks performs a filtered vector similarity search over chunk
// points. Results come back ordered by raw cosine similarity descending,
// capped at q.Limit.
func (s *QdrantStore) SearchChunks(ctx context.Context, q SearchQuery) ([]ScoredChunk, error) {
	if len(q.Embedding) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(q.Embedding), s.dimension)
	}

	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = []Status{StatusActive}
	}
	statusKeywords := make([]string, len(statuses))
	for i, st := range statuses {
		statusKeywords[i] = string(st)
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("kind", "chunk"),
		qdrant.NewMatch("level", string(q.Level)),
		qdrant.NewMatchKeywords("status", statusKeywords...),
	}
	if q.EmbeddingModel != "" {
		must = append(must, qdrant.NewMatch("embedding_model", q.EmbeddingModel))
	}

	// Scope conditions restricted to the fields that matter at this level.
	scope := hierarchy.ScopeForLevel(q.Level, q.Scope)
	if scope.TenantID != "" {
		must = append(must, qdrant.NewMatch("tenant_id", scope.TenantID))
	}
	if scope.SuiteID != "" {
		must = append(must, qdrant.NewMatch("suite_id", scope.SuiteID))
	}
	if scope.ModuleID != "" {
		must = append(must, qdrant.NewMatch("module_id", scope.ModuleID))
	}

	vectorName := "content"
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: CollectionName,
		Query:          qdrant.NewQuery(q.Embedding...),
		Using:          &vectorName,
		Filter:         &qdrant.Filter{Must: must},
		Limit:          qdrant.PtrOf(uint64(q.Limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to search chunks: %v", ErrStoreUnreachable, err)
	}

	scored := make([]ScoredChunk, 0, len(results))
	for _, result := range results {
		payload := result.Payload
		scored = append(scored, ScoredChunk{
			Chunk: &Chunk{
				ID:             result.Id.GetUuid(),
				DocumentID:     payload["document_id"].GetStringValue(),
				Ordinal:        int(payload["ordinal"].GetIntegerValue()),
				HeaderPath:     payload["header_path"].GetStringValue(),
				Content:        payload["content"].GetStringValue(),
				TenantID:       payload["tenant_id"].GetStringValue(),
				Level:          hierarchy.Level(payload["level"].GetStringValue()),
				SuiteID:        payload["suite_id"].GetStringValue(),
				ModuleID:       payload["module_id"].GetStringValue(),
				Status:         Status(payload["status"].GetStringValue()),
				DocumentTitle:  payload["document_title"].GetStringValue(),
				EmbeddingModel: payload["embedding_model"].GetStringValue(),
			},
			Score: float64(result.Score),
		})
	}

	return scored, nil
}

// Counts tallies documents and chunks for the health/readiness signal.
// Pending points are mid-ingestion and excluded.
func (s *QdrantStore) Counts(ctx context.Context) (*Counts, error) {
	count := func(conditions ...*qdrant.Condition) (int, error) {
		n, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: CollectionName,
			Filter:         &qdrant.Filter{Must: conditions},
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return 0, fmt.Errorf("%w: count failed: %v", ErrStoreUnreachable, err)
		}
		return int(n), nil
	}

	visible := []string{
		string(StatusActive), string(StatusDeprecated), string(StatusArchived),
	}

	docs, err := count(
		qdrant.NewMatch("kind", "document"),
		qdrant.NewMatchKeywords("status", visible...),
	)
	if err != nil {
		return nil, err
	}

	chunks, err := count(
		qdrant.NewMatch("kind", "chunk"),
		qdrant.NewMatchKeywords("status", visible...),
	)
	if err != nil {
		return nil, err
	}

	deprecated, err := count(
		qdrant.NewMatch("kind", "document"),
		qdrant.NewMatch("status", string(StatusDeprecated)),
	)
	if err != nil {
		return nil, err
	}

	archived, err := count(
		qdrant.NewMatch("kind", "document"),
		qdrant.NewMatch("status", string(StatusArchived)),
	)
	if err != nil {
		return nil, err
	}

	return &Counts{
		Documents:           docs,
		Chunks:              chunks,
		DeprecatedDocuments: deprecated,
		ArchivedDocuments:   archived,
	}, nil
}
