//go:build !cgo

package memory

import (
	"context"

	"github.com/fyrsmithlabs/codemend/internal/config"
)

// LocalEmbedder is a stub for builds without cgo. Constructing one fails
// with ErrFastEmbedUnavailable; use the openai provider instead.
type LocalEmbedder struct{}

// NewLocalEmbedder always fails: fastembed needs the ONNX runtime, which
// requires cgo.
func NewLocalEmbedder(_ config.EmbeddingsConfig) (*LocalEmbedder, error) {
	return nil, ErrFastEmbedUnavailable
}

// EmbedDocuments always returns ErrFastEmbedUnavailable.
func (l *LocalEmbedder) EmbedDocuments(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrFastEmbedUnavailable
}

// EmbedQuery always returns ErrFastEmbedUnavailable.
func (l *LocalEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return nil, ErrFastEmbedUnavailable
}

// Dimension returns 0; no model is loaded.
func (l *LocalEmbedder) Dimension() int {
	return 0
}

// Close is a no-op.
func (l *LocalEmbedder) Close() error {
	return nil
}

var _ Embedder = (*LocalEmbedder)(nil)
