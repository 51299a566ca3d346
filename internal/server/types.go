// Package server exposes the knowledge engine over the Model Context
// Protocol, plus an HTTP health endpoint and a landing page.
package server

// SearchInput defines the input parameters for the search_knowledge tool.
type SearchInput struct {
	// Query is the semantic search query.
	Query string `json:"query" jsonschema:"required,description=The semantic search query"`
	// TenantID scopes the search to one tenant. Empty searches platform knowledge only.
	TenantID string `json:"tenant_id,omitempty" jsonschema:"description=Tenant scope for the cascade"`
	// SuiteID narrows the cascade to a suite within the tenant.
	SuiteID string `json:"suite_id,omitempty" jsonschema:"description=Suite scope within the tenant"`
	// ModuleID narrows the cascade to a module within the suite.
	ModuleID string `json:"module_id,omitempty" jsonschema:"description=Module scope within the suite"`
	// TopK is the maximum number of chunks to return.
	TopK int `json:"top_k,omitempty" jsonschema:"minimum=1,maximum=50,default=8,description=Maximum number of chunks to return"`
	// IncludeDeprecated widens the search to deprecated knowledge.
	IncludeDeprecated bool `json:"include_deprecated,omitempty" jsonschema:"description=Include deprecated documents in results"`
}

// SearchOutput contains the ranked retrieval results.
type SearchOutput struct {
	Results []SearchResult `json:"results"`
	// LevelsSearched lists the hierarchy levels the cascade consulted.
	LevelsSearched []string `json:"levels_searched"`
	// BestEffort indicates the latency budget truncated the cascade.
	BestEffort bool `json:"best_effort,omitempty"`
	// Message provides informational context when no results match.
	Message string `json:"message,omitempty"`
}

// SearchResult is one ranked chunk.
type SearchResult struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	Level         string  `json:"level"`
	HeaderPath    string  `json:"header_path,omitempty"`
	Score         float64 `json:"score"`
	Text          string  `json:"text"`
}

// AskInput defines the input parameters for the ask tool.
type AskInput struct {
	// Question is the natural-language question to answer.
	Question string `json:"question" jsonschema:"required,description=The question to answer from the knowledge hierarchy"`
	TenantID string `json:"tenant_id,omitempty" jsonschema:"description=Tenant scope for the cascade"`
	SuiteID  string `json:"suite_id,omitempty" jsonschema:"description=Suite scope within the tenant"`
	ModuleID string `json:"module_id,omitempty" jsonschema:"description=Module scope within the suite"`
	// TopK is the number of grounding chunks to retrieve.
	TopK int `json:"top_k,omitempty" jsonschema:"minimum=1,maximum=50,default=8,description=Number of grounding chunks"`
}

// AskOutput contains a grounded answer with provenance.
type AskOutput struct {
	Answer      string      `json:"answer"`
	Sources     []AskSource `json:"sources"`
	ChunksUsed  int         `json:"chunks_used"`
	Model       string      `json:"model,omitempty"`
	CacheHit    bool        `json:"cache_hit"`
	NoGrounding bool        `json:"no_grounding,omitempty"`
}

// AskSource cites one document that grounded the answer.
type AskSource struct {
	Ref        int    `json:"ref"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Level      string `json:"level"`
}

// IngestInput defines the input parameters for the ingest_document tool.
type IngestInput struct {
	// Title is the human-readable document title.
	Title string `json:"title" jsonschema:"required,description=Document title"`
	// Content is the full markdown content to ingest.
	Content string `json:"content" jsonschema:"required,description=Full markdown content"`
	// Level places the document in the hierarchy: platform, suite, module, or entity.
	Level    string `json:"level" jsonschema:"required,description=Hierarchy level: platform suite module or entity"`
	TenantID string `json:"tenant_id,omitempty" jsonschema:"description=Owning tenant (required at entity level; forbidden at platform)"`
	SuiteID  string `json:"suite_id,omitempty" jsonschema:"description=Owning suite (required for suite and below)"`
	ModuleID string `json:"module_id,omitempty" jsonschema:"description=Owning module (required for module and below)"`
	// SourceURI records where the content came from.
	SourceURI string `json:"source_uri,omitempty" jsonschema:"description=Provenance URI for the content"`
}

// IngestOutput reports the persisted document.
type IngestOutput struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	Status     string `json:"status"`
}

// StatusInput defines the input for the get_status tool. No parameters.
type StatusInput struct{}

// StatusOutput reports collection counts and model identity.
type StatusOutput struct {
	Documents           int    `json:"documents"`
	Chunks              int    `json:"chunks"`
	DeprecatedDocuments int    `json:"deprecated_documents"`
	ArchivedDocuments   int    `json:"archived_documents"`
	EmbeddingModel      string `json:"embedding_model"`
}
