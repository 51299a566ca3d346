package server

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/strata-kb/strata/internal/ingest"
	"github.com/strata-kb/strata/internal/orchestrator"
	"github.com/strata-kb/strata/internal/retriever"
	"github.com/strata-kb/strata/internal/storage"
)

// Server wraps the MCP server with the engine's components.
type Server struct {
	server *mcp.Server
	store  *storage.QdrantStore
}

// Config holds server dependencies.
type Config struct {
	Store          *storage.QdrantStore
	Retriever      *retriever.Retriever
	Orchestrator   *orchestrator.Orchestrator
	Pipeline       *ingest.Pipeline
	EmbeddingModel string
}

// NewServer creates a configured MCP server with all tools registered.
func NewServer(cfg *Config) *Server {
	impl := &mcp.Implementation{
		Name:    "strata-knowledge-server",
		Version: "v0.1.0",
	}

	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_knowledge",
		Description: "Search the knowledge hierarchy semantically. Cascades from the most specific scope (entity, module, suite) up to platform knowledge and returns ranked chunks.",
	}, makeSearchHandler(cfg.Retriever))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask",
		Description: "Ask a natural-language question against the knowledge hierarchy. Returns a grounded answer with document citations.",
	}, makeAskHandler(cfg.Orchestrator))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_document",
		Description: "Ingest a markdown document into the knowledge hierarchy at a given level and scope. The document becomes visible atomically with all its chunks.",
	}, makeIngestHandler(cfg.Pipeline))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_status",
		Description: "Get knowledge base status: document and chunk counts per lifecycle state, and the embedding model identity.",
	}, makeStatusHandler(cfg.Store, cfg.EmbeddingModel))

	return &Server{
		server: server,
		store:  cfg.Store,
	}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance for transport wrappers.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
