package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/codemend/internal/config"
)

// remoteDimensions maps known remote embedding models to vector widths.
// Models not listed here still work; the dimension is then reported as 0.
var remoteDimensions = map[string]int{
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-base-en-v1.5":                  768,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

// RemoteEmbedder generates embeddings through an OpenAI-compatible API.
// This covers OpenAI itself as well as self-hosted TEI or Ollama servers
// that speak the same protocol.
type RemoteEmbedder struct {
	embedder  *embeddings.EmbedderImpl
	model     string
	dimension int
}

// NewRemoteEmbedder creates a client for the endpoint in cfg.BaseURL.
func NewRemoteEmbedder(cfg config.EmbeddingsConfig) (*RemoteEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("embeddings base_url is required for the openai provider")
	}
	if cfg.Model == "" {
		return nil, errors.New("embeddings model is required for the openai provider")
	}

	// langchaingo requires a token even though self-hosted endpoints
	// ignore it, so substitute a placeholder when none is configured.
	apiKey := cfg.APIKey.Value()
	if apiKey == "" {
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	return &RemoteEmbedder{
		embedder:  embedder,
		model:     cfg.Model,
		dimension: remoteDimensions[cfg.Model],
	}, nil
}

// EmbedDocuments generates embeddings for a batch of documents.
func (r *RemoteEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("texts cannot be empty")
	}
	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents with %s: %w", r.model, err)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (r *RemoteEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("text cannot be empty")
	}
	vector, err := r.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query with %s: %w", r.model, err)
	}
	return vector, nil
}

// Dimension returns the vector width of the configured model.
func (r *RemoteEmbedder) Dimension() int {
	return r.dimension
}

// Close is a no-op; the HTTP client holds no long-lived resources.
func (r *RemoteEmbedder) Close() error {
	return nil
}

var _ Embedder = (*RemoteEmbedder)(nil)
