package source

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/strata-kb/strata/internal/hierarchy"
	"github.com/strata-kb/strata/internal/ingest"
	"github.com/strata-kb/strata/internal/storage"
)

// SyncResult reports one bulk sync run.
type SyncResult struct {
	TotalDocs      int
	SuccessfulDocs int
	TotalChunks    int
	FailedDocs     []FailedDoc
	CommitSHA      string
	Duration       time.Duration
}

// FailedDoc is one document that could not be ingested. A failed document
// never aborts the run; the rest of the repository still syncs.
type FailedDoc struct {
	Path   string
	Reason string
}

// Lister enumerates and fetches repository documents.
type Lister interface {
	ListDocs(ctx context.Context) ([]string, error)
	FetchDoc(ctx context.Context, relativePath string) (*FetchedDoc, error)
	LatestCommitSHA(ctx context.Context) (string, error)
}

// Ingestor is the slice of the ingestion pipeline the syncer needs.
type Ingestor interface {
	Ingest(ctx context.Context, in ingest.DocumentInput, rawText string) (*storage.Document, error)
}

// Target fixes the hierarchy placement for every document of a sync run.
// All documents of one repository land at the same level and scope.
type Target struct {
	Level    hierarchy.Level
	TenantID string
	SuiteID  string
	ModuleID string
}

// Syncer bulk-ingests a repository directory into the hierarchy.
type Syncer struct {
	fetcher  Lister
	ingestor Ingestor
	target   Target
	logger   *slog.Logger
}

// NewSyncer creates a Syncer. The target scope must be valid for the target
// level; Sync reports the validation error on the first document otherwise.
func NewSyncer(fetcher Lister, ingestor Ingestor, target Target, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		fetcher:  fetcher,
		ingestor: ingestor,
		target:   target,
		logger:   logger,
	}
}

// Sync lists every markdown document in the repository and ingests each one
// at the configured level and scope. Individual document failures are
// collected, not fatal.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	start := time.Now()
	result := &SyncResult{}

	commitSHA, err := s.fetcher.LatestCommitSHA(ctx)
	if err != nil {
		return nil, fmt.Errorf("get commit SHA: %w", err)
	}
	result.CommitSHA = commitSHA
	s.logger.Info("starting sync", "commit", commitSHA, "level", s.target.Level)

	paths, err := s.fetcher.ListDocs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list docs: %w", err)
	}
	result.TotalDocs = len(paths)
	s.logger.Info("found documents", "count", len(paths))

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunks, err := s.syncDocument(ctx, p, commitSHA)
		if err != nil {
			s.logger.Warn("failed to sync document", "path", p, "error", err)
			result.FailedDocs = append(result.FailedDocs, FailedDoc{Path: p, Reason: err.Error()})
			continue
		}
		result.SuccessfulDocs++
		result.TotalChunks += chunks
	}

	result.Duration = time.Since(start)
	s.logger.Info("sync complete",
		"successful", result.SuccessfulDocs,
		"failed", len(result.FailedDocs),
		"chunks", result.TotalChunks,
		"duration", result.Duration,
	)

	return result, nil
}

func (s *Syncer) syncDocument(ctx context.Context, relPath, commitSHA string) (int, error) {
	fetched, err := s.fetcher.FetchDoc(ctx, relPath)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}

	doc, err := s.ingestor.Ingest(ctx, ingest.DocumentInput{
		Title:     titleFromPath(relPath),
		Level:     s.target.Level,
		TenantID:  s.target.TenantID,
		SuiteID:   s.target.SuiteID,
		ModuleID:  s.target.ModuleID,
		SourceURI: fetched.URL,
		Metadata: map[string]string{
			"source_path": relPath,
			"commit_sha":  commitSHA,
			"blob_sha":    fetched.SHA,
		},
	}, fetched.Content)
	if err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}

	return doc.ChunkCount, nil
}

// titleFromPath derives a readable title from a file path:
// "guides/access-control.md" becomes "access control".
func titleFromPath(relPath string) string {
	base := strings.TrimSuffix(path.Base(relPath), ".md")
	return strings.ReplaceAll(strings.ReplaceAll(base, "-", " "), "_", " ")
}
