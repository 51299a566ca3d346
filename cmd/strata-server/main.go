// Package main provides the Strata knowledge server entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/strata-kb/strata/internal/audit"
	"github.com/strata-kb/strata/internal/chunker"
	"github.com/strata-kb/strata/internal/embedding"
	"github.com/strata-kb/strata/internal/generation"
	"github.com/strata-kb/strata/internal/ingest"
	"github.com/strata-kb/strata/internal/orchestrator"
	"github.com/strata-kb/strata/internal/retriever"
	"github.com/strata-kb/strata/internal/server"
	"github.com/strata-kb/strata/internal/storage"
)

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Configuration from environment
	qdrantHost := getEnv("QDRANT_HOST", "localhost")
	qdrantPort := getEnvInt("QDRANT_PORT", 6334)
	port := getEnv("PORT", "8080")
	chatModel := getEnv("CHAT_MODEL", generation.DefaultModel)
	cacheTTL := getEnvDuration("ANSWER_CACHE_TTL", orchestrator.DefaultCacheTTL)

	// Initialize embedding provider first: its dimension sizes the collection
	embedder, err := embedding.NewOpenAI(0) // default batch size
	if err != nil {
		log.Fatalf("failed to create embedding provider: %v", err)
	}

	// Initialize storage
	store, err := storage.NewQdrantStore(qdrantHost, qdrantPort, embedder.Dimension())
	if err != nil {
		log.Fatalf("failed to connect to Qdrant: %v", err)
	}
	defer store.Close()

	if err := store.EnsureCollection(ctx); err != nil {
		log.Fatalf("failed to ensure collection: %v", err)
	}

	// Retrieval and answering
	engine, err := retriever.New(store, embedder, retriever.DefaultConfig(), nil)
	if err != nil {
		log.Fatalf("failed to create retriever: %v", err)
	}
	generator := generation.NewOpenAI(embedder.Client(), chatModel)
	answerer := orchestrator.New(engine, generator, audit.NewLogSink(nil), cacheTTL, nil)

	// Ingestion
	pipeline := ingest.NewPipeline(store, embedder, chunker.New(), nil)

	// Create MCP server
	srv := server.NewServer(&server.Config{
		Store:          store,
		Retriever:      engine,
		Orchestrator:   answerer,
		Pipeline:       pipeline,
		EmbeddingModel: embedder.ModelVersion(),
	})

	// HTTP endpoints: MCP transport, health probe, landing page
	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.NewHealthHandler(store))
	mux.Handle("/mcp", server.NewHTTPHandler(srv, nil))
	mux.HandleFunc("/", server.NewLandingHandler())

	// Server mode serves MCP over HTTP; the default is stdio for local clients
	serverMode := getEnv("SERVER_MODE", "false") == "true"

	if serverMode {
		addr := "0.0.0.0:" + port
		log.Printf("Starting HTTP server on %s (MCP at /mcp, health at /health)", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("HTTP server error: %v", err)
		}
	} else {
		// Stdio mode still exposes the health endpoint in the background
		go func() {
			addr := "0.0.0.0:" + port
			log.Printf("Starting health server on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Health server error: %v", err)
			}
		}()

		log.Println("Starting Strata knowledge server (stdio mode)...")
		if err := srv.Run(ctx); err != nil {
			log.Printf("server error: %v", err)
			os.Exit(1)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
