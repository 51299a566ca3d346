package storage

import (
	"time"

	"github.com/strata-kb/strata/internal/hierarchy"
)

// Status is the lifecycle state of a document and, denormalized, of each of
// its chunks.
type Status string

const (
	// StatusPending marks points written mid-ingestion. The retriever never
	// matches pending points; CommitDocument flips them to active in a
	// single call, which is the visibility barrier that makes ingestion
	// all-or-nothing from a reader's point of view.
	StatusPending Status = "pending"

	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusArchived   Status = "archived"
)

// Document is a knowledge document stored in Qdrant as a payload-only point.
// Documents carry no embedding vector; retrieval operates on their chunks.
type Document struct {
	ID       string
	TenantID string
	Level    hierarchy.Level
	SuiteID  string
	ModuleID string

	Title       string
	SourceURI   string
	Description string
	Metadata    map[string]string
	ChunkCount  int

	Status       Status
	CreatedAt    time.Time
	DeprecatedAt time.Time // zero unless deprecated or later

	// Supersede chain, modeled as directed pointers rather than a graph the
	// store would have to traverse.
	Supersedes   string // ID of the document this one replaced
	SupersededBy string // ID of the replacement, set on deprecation

	// AuditRefs counts external audit records that reference this document.
	// Archive and delete are refused while it is non-zero.
	AuditRefs int

	// EmbeddingModel records the model version the document's chunks were
	// embedded with. The retriever filters on it so incompatible vector
	// spaces never mix in one result set.
	EmbeddingModel string
}

// Chunk is the atomic unit of retrieval: a bounded text span with an
// embedding vector. The owning document's level, scope, status, and title
// are denormalized onto the chunk so retrieval-time filtering and citation
// need no join.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int    // position within the source document
	HeaderPath string // section hierarchy, e.g. "# Policy > ## MFA"
	Content    string

	TenantID       string
	Level          hierarchy.Level
	SuiteID        string
	ModuleID       string
	Status         Status
	DocumentTitle  string
	EmbeddingModel string

	Embedding []float32
}

// ScoredChunk pairs a chunk with its raw similarity score from the store.
type ScoredChunk struct {
	Chunk *Chunk
	Score float64
}

// SearchQuery describes one level's filtered similarity search.
type SearchQuery struct {
	Embedding []float32
	Level     hierarchy.Level
	Scope     hierarchy.Scope
	// Statuses a chunk may be in to match. Empty defaults to active only.
	Statuses       []Status
	EmbeddingModel string
	Limit          int
}

// Counts summarizes the store's contents for health and status reporting.
type Counts struct {
	Documents           int
	Chunks              int
	DeprecatedDocuments int
	ArchivedDocuments   int
}

// CollectionName is the single Qdrant collection holding documents and chunks.
const CollectionName = "strata_knowledge"

// DefaultVectorDimension matches text-embedding-3-small.
const DefaultVectorDimension = 1536
