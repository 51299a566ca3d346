// Package embedding converts text to fixed-dimension vectors through a
// pluggable provider.
package embedding

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the embedding provider could not be reached or
// kept failing after bounded retries. Retrieval and ingestion surface it
// rather than degrading to a text-only fallback.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider is the capability contract every embedding backend satisfies.
// Implementations are selected by explicit configuration at construction,
// never by runtime dispatch.
type Provider interface {
	// Embed returns one vector per input text, in input order. Vectors have
	// a stable dimensionality equal to Dimension().
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the fixed vector size this provider produces.
	Dimension() int

	// ModelVersion identifies the embedding model. Chunks are tagged with it
	// so vectors from incompatible models are never compared.
	ModelVersion() string
}
