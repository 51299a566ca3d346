package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
)

const (
	// DefaultModel is the OpenAI embedding model.
	DefaultModel = "text-embedding-3-small"

	// DefaultDimension is the vector dimension for text-embedding-3-small.
	DefaultDimension = 1536

	// DefaultBatchSize balances requests-per-minute vs tokens-per-minute
	// rate limits. OpenAI accepts up to 2048 texts per batch; smaller
	// batches reduce TPM pressure.
	DefaultBatchSize = 500
)

// OpenAI embeds text with OpenAI's embedding API. Requests are batched and
// rate-limit errors retried with exponential backoff; persistent failures
// come back wrapped in ErrUnavailable.
type OpenAI struct {
	client    *openai.Client
	model     string
	dimension int
	batchSize int
}

// NewOpenAI creates an OpenAI embedding provider. The API key is read from
// OPENAI_API_KEY; an unset key is a construction error, not a call-time
// surprise. batchSize 0 selects DefaultBatchSize.
func NewOpenAI(batchSize int) (*OpenAI, error) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	client := openai.NewClient()
	return &OpenAI{
		client:    &client,
		model:     DefaultModel,
		dimension: DefaultDimension,
		batchSize: batchSize,
	}, nil
}

// Client exposes the underlying OpenAI client for components that share the
// connection (generation provider).
func (o *OpenAI) Client() *openai.Client {
	return o.client
}

// Dimension implements Provider.
func (o *OpenAI) Dimension() int {
	return o.dimension
}

// ModelVersion implements Provider.
func (o *OpenAI) ModelVersion() string {
	return o.model
}

// Embed implements Provider. Inputs are processed in batches; each batch is
// retried with exponential backoff on rate-limit errors.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var all [][]float32
	for i := 0; i < len(texts); i += o.batchSize {
		end := min(i+o.batchSize, len(texts))
		batch := texts[i:end]

		embeddings, err := o.embedBatchWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%w: batch %d-%d: %v", ErrUnavailable, i, end, err)
		}
		all = append(all, embeddings...)
	}

	return all, nil
}

// embedBatchWithRetry embeds a single batch. Rate-limit errors (HTTP 429)
// retry with backoff; other errors are permanent.
func (o *OpenAI) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var embeddings [][]float32

	operation := func() error {
		resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: openai.EmbeddingModel(o.model),
		})
		if err != nil {
			if isRateLimitError(err) {
				return err // retry with backoff
			}
			return backoff.Permanent(err)
		}

		embeddings = make([][]float32, len(resp.Data))
		for i, data := range resp.Data {
			embeddings[i] = toFloat32(data.Embedding)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return embeddings, err
}

// isRateLimitError checks if the error is a rate limit error (HTTP 429).
func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

// toFloat32 converts the API's float64 vectors to the float32 the store
// keeps for memory efficiency.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
