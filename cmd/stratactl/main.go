// Package main provides the stratactl CLI for managing the knowledge hierarchy.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/strata-kb/strata/internal/audit"
	"github.com/strata-kb/strata/internal/chunker"
	"github.com/strata-kb/strata/internal/embedding"
	"github.com/strata-kb/strata/internal/generation"
	"github.com/strata-kb/strata/internal/hierarchy"
	"github.com/strata-kb/strata/internal/ingest"
	"github.com/strata-kb/strata/internal/lifecycle"
	"github.com/strata-kb/strata/internal/orchestrator"
	"github.com/strata-kb/strata/internal/retriever"
	"github.com/strata-kb/strata/internal/source"
	"github.com/strata-kb/strata/internal/storage"
)

var (
	flagTenant string
	flagSuite  string
	flagModule string
	flagLevel  string
	flagTitle  string
	flagFile   string
	flagSource string
	flagTopK   int
	flagDepr   bool
	flagOwner  string
	flagRepo   string
	flagPath   string
)

var rootCmd = &cobra.Command{
	Use:   "stratactl",
	Short: "Strata knowledge hierarchy management tool",
	Long:  "CLI for ingesting, querying, and managing documents in the Strata knowledge base",
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a markdown document at a hierarchy level",
	Long: `Ingest a markdown file into the knowledge hierarchy.

The document and all of its chunks become visible atomically; a failed
ingestion leaves nothing behind.

Environment variables:
  QDRANT_HOST    Qdrant hostname (default: localhost)
  QDRANT_PORT    Qdrant gRPC port (default: 6334)
  OPENAI_API_KEY OpenAI API key for embeddings (required)`,
	RunE: runIngest,
}

var supersedeCmd = &cobra.Command{
	Use:   "supersede <document-id>",
	Short: "Replace an active document with new content",
	Long: `Atomically replace a document: the old version is deprecated and the new
content is ingested in its place, linked through the supersede chain.
Concurrent supersedes of the same document serialize; only one wins.`,
	Args: cobra.ExactArgs(1),
	RunE: runSupersede,
}

var archiveCmd = &cobra.Command{
	Use:   "archive <document-id>",
	Short: "Archive a deprecated document past its grace period",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchive,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Permanently delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Search the hierarchy and print ranked chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and print the grounded answer with citations",
	Args:  cobra.ExactArgs(1),
	RunE:  runAsk,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print document and chunk counts per lifecycle state",
	RunE:  runStatus,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Bulk-ingest a GitHub repository directory",
	Long: `Fetch every markdown file under a repository path and ingest each one at
the configured level and scope. Individual document failures are reported
without aborting the run.

Environment variables:
  GITHUB_TOKEN   GitHub token for higher rate limits (optional)`,
	RunE: runSync,
}

func init() {
	for _, cmd := range []*cobra.Command{ingestCmd, supersedeCmd, queryCmd, askCmd, syncCmd} {
		cmd.Flags().StringVar(&flagTenant, "tenant", "", "tenant ID")
		cmd.Flags().StringVar(&flagSuite, "suite", "", "suite ID")
		cmd.Flags().StringVar(&flagModule, "module", "", "module ID")
	}
	for _, cmd := range []*cobra.Command{ingestCmd, syncCmd} {
		cmd.Flags().StringVar(&flagLevel, "level", "platform", "hierarchy level: platform, suite, module, entity")
	}
	for _, cmd := range []*cobra.Command{ingestCmd, supersedeCmd} {
		cmd.Flags().StringVar(&flagTitle, "title", "", "document title")
		cmd.Flags().StringVar(&flagFile, "file", "", "markdown file to read ('-' for stdin)")
		cmd.Flags().StringVar(&flagSource, "source-uri", "", "provenance URI")
	}
	queryCmd.Flags().IntVar(&flagTopK, "top-k", 8, "maximum results")
	queryCmd.Flags().BoolVar(&flagDepr, "include-deprecated", false, "include deprecated documents")
	askCmd.Flags().IntVar(&flagTopK, "top-k", 8, "grounding chunks")
	syncCmd.Flags().StringVar(&flagOwner, "owner", "", "GitHub repository owner")
	syncCmd.Flags().StringVar(&flagRepo, "repo", "", "GitHub repository name")
	syncCmd.Flags().StringVar(&flagPath, "path", "", "directory within the repository")

	rootCmd.AddCommand(ingestCmd, supersedeCmd, archiveCmd, deleteCmd, queryCmd, askCmd, statusCmd, syncCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// engine bundles the connected components most commands need.
type engine struct {
	store    *storage.QdrantStore
	embedder *embedding.OpenAI
	pipeline *ingest.Pipeline
}

func connect(ctx context.Context) (*engine, error) {
	embedder, err := embedding.NewOpenAI(0)
	if err != nil {
		return nil, fmt.Errorf("create embedding provider: %w", err)
	}

	host := getEnv("QDRANT_HOST", "localhost")
	port := getEnvInt("QDRANT_PORT", 6334)
	store, err := storage.NewQdrantStore(host, port, embedder.Dimension())
	if err != nil {
		return nil, fmt.Errorf("connect to Qdrant at %s:%d: %w", host, port, err)
	}
	if err := store.EnsureCollection(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}

	return &engine{
		store:    store,
		embedder: embedder,
		pipeline: ingest.NewPipeline(store, embedder, chunker.New(), nil),
	}, nil
}

func readContent() (string, error) {
	if flagFile == "" {
		return "", fmt.Errorf("--file is required")
	}
	if flagFile == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(flagFile)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", flagFile, err)
	}
	return string(data), nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	level, err := hierarchy.ParseLevel(flagLevel)
	if err != nil {
		return err
	}
	content, err := readContent()
	if err != nil {
		return err
	}

	eng, err := connect(ctx)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	doc, err := eng.pipeline.Ingest(ctx, ingest.DocumentInput{
		Title:     flagTitle,
		Level:     level,
		TenantID:  flagTenant,
		SuiteID:   flagSuite,
		ModuleID:  flagModule,
		SourceURI: flagSource,
	}, content)
	if err != nil {
		return err
	}

	fmt.Printf("Ingested %q\n", doc.Title)
	fmt.Printf("  ID: %s\n", doc.ID)
	fmt.Printf("  Level: %s\n", doc.Level)
	fmt.Printf("  Chunks: %d\n", doc.ChunkCount)
	return nil
}

func runSupersede(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	oldID := args[0]

	content, err := readContent()
	if err != nil {
		return err
	}

	eng, err := connect(ctx)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	old, err := eng.store.GetDocument(ctx, oldID)
	if err != nil {
		return err
	}

	// The replacement inherits placement and, unless overridden, the title.
	title := flagTitle
	if title == "" {
		title = old.Title
	}

	manager := lifecycle.NewManager(eng.store, eng.pipeline, 0, nil)
	doc, err := manager.Supersede(ctx, oldID, ingest.DocumentInput{
		Title:     title,
		Level:     old.Level,
		TenantID:  old.TenantID,
		SuiteID:   old.SuiteID,
		ModuleID:  old.ModuleID,
		SourceURI: flagSource,
	}, content)
	if err != nil {
		return err
	}

	fmt.Printf("Superseded %s\n", oldID)
	fmt.Printf("  New ID: %s\n", doc.ID)
	fmt.Printf("  Chunks: %d\n", doc.ChunkCount)
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := connect(ctx)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	manager := lifecycle.NewManager(eng.store, eng.pipeline, 0, nil)
	if err := manager.Archive(ctx, args[0]); err != nil {
		return err
	}

	fmt.Printf("Archived %s\n", args[0])
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := connect(ctx)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	manager := lifecycle.NewManager(eng.store, eng.pipeline, 0, nil)
	if err := manager.Delete(ctx, args[0]); err != nil {
		return err
	}

	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := connect(ctx)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	ret, err := retriever.New(eng.store, eng.embedder, retriever.DefaultConfig(), nil)
	if err != nil {
		return err
	}

	result, err := ret.Retrieve(ctx, retriever.Query{
		Text: args[0],
		Scope: hierarchy.Scope{
			TenantID: flagTenant,
			SuiteID:  flagSuite,
			ModuleID: flagModule,
		},
		TopK:              flagTopK,
		IncludeDeprecated: flagDepr,
	})
	if err != nil {
		return err
	}

	if len(result.Hits) == 0 {
		fmt.Println("No results.")
		return nil
	}
	if result.BestEffort {
		fmt.Println("(best-effort: latency budget truncated the cascade)")
	}
	for i, hit := range result.Hits {
		fmt.Printf("%d. [%.3f] %s (%s)\n", i+1, hit.Score, hit.Chunk.DocumentTitle, hit.Level)
		if hit.Chunk.HeaderPath != "" {
			fmt.Printf("   %s\n", hit.Chunk.HeaderPath)
		}
		fmt.Printf("   %s\n", firstLine(hit.Chunk.Content))
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := connect(ctx)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	ret, err := retriever.New(eng.store, eng.embedder, retriever.DefaultConfig(), nil)
	if err != nil {
		return err
	}
	generator := generation.NewOpenAI(eng.embedder.Client(), getEnv("CHAT_MODEL", generation.DefaultModel))
	answerer := orchestrator.New(ret, generator, audit.NewLogSink(nil), 0, nil)

	resp, err := answerer.Answer(ctx, orchestrator.Request{
		Question: args[0],
		Scope: hierarchy.Scope{
			TenantID: flagTenant,
			SuiteID:  flagSuite,
			ModuleID: flagModule,
		},
		TopK: flagTopK,
	})
	if err != nil {
		return err
	}

	fmt.Println(resp.Text)
	if len(resp.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for _, s := range resp.Sources {
			fmt.Printf("  [%d] %s (%s, %s)\n", s.Ref, s.Title, s.Level, s.DocumentID)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := connect(ctx)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	counts, err := eng.store.Counts(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Documents: %d\n", counts.Documents)
	fmt.Printf("  Deprecated: %d\n", counts.DeprecatedDocuments)
	fmt.Printf("  Archived: %d\n", counts.ArchivedDocuments)
	fmt.Printf("Chunks: %d\n", counts.Chunks)
	fmt.Printf("Embedding model: %s\n", eng.embedder.ModelVersion())
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	start := time.Now()

	if flagOwner == "" || flagRepo == "" || flagPath == "" {
		return fmt.Errorf("--owner, --repo, and --path are required")
	}
	level, err := hierarchy.ParseLevel(flagLevel)
	if err != nil {
		return err
	}

	eng, err := connect(ctx)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	client, err := source.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("create GitHub client: %w", err)
	}
	fetcher := source.NewFetcher(client, flagOwner, flagRepo, flagPath)

	syncer := source.NewSyncer(fetcher, eng.pipeline, source.Target{
		Level:    level,
		TenantID: flagTenant,
		SuiteID:  flagSuite,
		ModuleID: flagModule,
	}, nil)

	fmt.Printf("Syncing %s/%s path %s at level %s...\n", flagOwner, flagRepo, flagPath, level)
	result, err := syncer.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Println()
	fmt.Println("Sync complete!")
	fmt.Printf("  Documents: %d/%d\n", result.SuccessfulDocs, result.TotalDocs)
	fmt.Printf("  Chunks: %d\n", result.TotalChunks)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Second))
	fmt.Printf("  Commit: %s\n", result.CommitSHA)

	if len(result.FailedDocs) > 0 {
		fmt.Println()
		fmt.Println("Failed documents:")
		for _, failed := range result.FailedDocs {
			fmt.Printf("  - %s: %s\n", failed.Path, failed.Reason)
		}
	}

	fmt.Println()
	fmt.Printf("Total time: %s\n", time.Since(start).Round(time.Second))
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
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
