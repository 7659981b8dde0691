package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/codemend/internal/config"
)

// ErrFastEmbedUnavailable is returned when the fastembed provider is
// requested from a binary built without cgo.
var ErrFastEmbedUnavailable = errors.New("fastembed support not available: rebuild with CGO_ENABLED=1 or use the openai provider")

// Embedder turns text into vectors for storage and recall. Implementations
// must be safe for concurrent use.
type Embedder interface {
	// EmbedDocuments embeds a batch of documents for storage.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single recall query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension reports the width of produced vectors, or 0 when the model
	// is not in the known-dimension tables.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// NewEmbedder constructs the provider named by cfg.Provider: "fastembed"
// runs ONNX models in-process (cgo builds only), "openai" reaches any
// OpenAI-compatible HTTP endpoint.
func NewEmbedder(cfg config.EmbeddingsConfig) (Embedder, error) {
	switch cfg.Provider {
	case "fastembed":
		e, err := NewLocalEmbedder(cfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "openai":
		e, err := NewRemoteEmbedder(cfg)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q (want fastembed or openai)", cfg.Provider)
	}
}
