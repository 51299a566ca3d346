// Package lifecycle manages the document lifecycle: supersede, archive, and
// delete, with referential consistency against audit references.
//
// Updates to the same document are serialized through a per-document lock so
// two concurrent supersede calls can never produce two simultaneously-active
// replacements. Operations on different documents proceed in parallel.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strata-kb/strata/internal/ingest"
	"github.com/strata-kb/strata/internal/storage"
)

var (
	// ErrReferentialIntegrity indicates the operation would orphan audit
	// records that still reference the document. Never auto-resolved.
	ErrReferentialIntegrity = errors.New("document is referenced by audit records")

	// ErrNotActive indicates a supersede target that is not in active
	// status, typically because a concurrent supersede already won.
	ErrNotActive = errors.New("document is not active")

	// ErrNotDeprecated indicates an archive target that has not been
	// deprecated first.
	ErrNotDeprecated = errors.New("document is not deprecated")

	// ErrGracePeriod indicates the deprecation grace period has not elapsed.
	ErrGracePeriod = errors.New("deprecation grace period has not elapsed")
)

// DefaultGracePeriod is how long a deprecated document stays out of the
// archive, keeping it reachable for audit replay.
const DefaultGracePeriod = 30 * 24 * time.Hour

// Store is the slice of the chunk store the manager needs.
type Store interface {
	GetDocument(ctx context.Context, id string) (*storage.Document, error)
	UpdateDocumentStatus(ctx context.Context, docID string, status storage.Status) error
	SetSupersededBy(ctx context.Context, oldID, newID string) error
	SetAuditRefs(ctx context.Context, docID string, refs int) error
	DeleteDocumentPoints(ctx context.Context, docID string) error
}

// Ingestor runs the ingestion pipeline for replacement documents.
type Ingestor interface {
	Ingest(ctx context.Context, in ingest.DocumentInput, rawText string) (*storage.Document, error)
}

// Manager coordinates lifecycle transitions.
type Manager struct {
	store    Store
	ingestor Ingestor
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*docLock
}

// docLock is one document's transition lock, reference counted so the entry
// can be reclaimed once the last holder releases it.
type docLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a lifecycle manager. grace 0 selects
// DefaultGracePeriod; a nil logger uses slog.Default().
func NewManager(store Store, ingestor Ingestor, grace time.Duration, logger *slog.Logger) *Manager {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		ingestor: ingestor,
		grace:    grace,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*docLock),
	}
}

// lockDocument serializes lifecycle transitions per document identifier.
// The entry is removed when the last holder unlocks, so the map stays
// proportional to in-flight transitions rather than documents ever touched.
func (m *Manager) lockDocument(id string) func() {
	m.mu.Lock()
	entry, ok := m.locks[id]
	if !ok {
		entry = &docLock{}
		m.locks[id] = entry
	}
	entry.refs++
	m.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		m.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// Supersede deprecates oldID and ingests its replacement, linking the two
// documents. The deprecated version stays retrievable with the
// include-deprecated flag until archived. If the replacement fails to
// ingest, the old document is restored to active.
func (m *Manager) Supersede(ctx context.Context, oldID string, in ingest.DocumentInput, rawText string) (*storage.Document, error) {
	unlock := m.lockDocument(oldID)
	defer unlock()

	old, err := m.store.GetDocument(ctx, oldID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", oldID, err)
	}
	if old.Status != storage.StatusActive {
		return nil, fmt.Errorf("%w: %s has status %s", ErrNotActive, oldID, old.Status)
	}

	if err := m.store.UpdateDocumentStatus(ctx, oldID, storage.StatusDeprecated); err != nil {
		return nil, fmt.Errorf("deprecate document %s: %w", oldID, err)
	}

	in.Supersedes = oldID
	replacement, err := m.ingestor.Ingest(ctx, in, rawText)
	if err != nil {
		// Ingestion wrote nothing; reactivate the old version so the
		// knowledge base does not lose its only copy.
		if restoreErr := m.store.UpdateDocumentStatus(ctx, oldID, storage.StatusActive); restoreErr != nil {
			m.logger.Error("failed to restore document after supersede failure",
				"document_id", oldID, "error", restoreErr)
		}
		return nil, fmt.Errorf("ingest replacement for %s: %w", oldID, err)
	}

	if err := m.store.SetSupersededBy(ctx, oldID, replacement.ID); err != nil {
		return nil, fmt.Errorf("link supersede %s -> %s: %w", oldID, replacement.ID, err)
	}

	m.logger.Info("superseded document",
		"old_id", oldID, "new_id", replacement.ID, "title", replacement.Title)
	return replacement, nil
}

// Archive transitions a deprecated document to archived, excluding it and
// its chunks from all retrieval regardless of flags. Requires the grace
// period to have elapsed and zero audit references.
func (m *Manager) Archive(ctx context.Context, id string) error {
	unlock := m.lockDocument(id)
	defer unlock()

	doc, err := m.store.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("load document %s: %w", id, err)
	}

	if doc.Status != storage.StatusDeprecated {
		return fmt.Errorf("%w: %s has status %s", ErrNotDeprecated, id, doc.Status)
	}
	if doc.DeprecatedAt.IsZero() || m.now().Sub(doc.DeprecatedAt) < m.grace {
		return fmt.Errorf("%w: %s deprecated at %s, grace %s",
			ErrGracePeriod, id, doc.DeprecatedAt.Format(time.RFC3339), m.grace)
	}
	if doc.AuditRefs > 0 {
		return fmt.Errorf("%w: %s has %d audit references", ErrReferentialIntegrity, id, doc.AuditRefs)
	}

	if err := m.store.UpdateDocumentStatus(ctx, id, storage.StatusArchived); err != nil {
		return fmt.Errorf("archive document %s: %w", id, err)
	}

	m.logger.Info("archived document", "document_id", id)
	return nil
}

// Delete hard-deletes a document and its chunks. Permitted only when no
// audit record references the document.
func (m *Manager) Delete(ctx context.Context, id string) error {
	unlock := m.lockDocument(id)
	defer unlock()

	doc, err := m.store.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("load document %s: %w", id, err)
	}
	if doc.AuditRefs > 0 {
		return fmt.Errorf("%w: %s has %d audit references", ErrReferentialIntegrity, id, doc.AuditRefs)
	}

	if err := m.store.DeleteDocumentPoints(ctx, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}

	m.logger.Info("deleted document", "document_id", id)
	return nil
}

// AddAuditRef increments the document's audit reference count. Called when
// an external audit record starts referencing the document.
func (m *Manager) AddAuditRef(ctx context.Context, id string) error {
	unlock := m.lockDocument(id)
	defer unlock()

	doc, err := m.store.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("load document %s: %w", id, err)
	}
	return m.store.SetAuditRefs(ctx, id, doc.AuditRefs+1)
}

// ClearAuditRefs zeroes the document's audit reference count, typically
// after the external audit trail has been compacted or expired.
func (m *Manager) ClearAuditRefs(ctx context.Context, id string) error {
	unlock := m.lockDocument(id)
	defer unlock()

	if _, err := m.store.GetDocument(ctx, id); err != nil {
		return fmt.Errorf("load document %s: %w", id, err)
	}
	return m.store.SetAuditRefs(ctx, id, 0)
}
