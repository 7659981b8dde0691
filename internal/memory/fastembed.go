//go:build cgo

package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	fastembed "github.com/anush008/fastembed-go"

	"github.com/fyrsmithlabs/codemend/internal/config"
)

// localMaxLength caps tokenized input length for local models.
const localMaxLength = 512

// localBatchSize is the number of passages embedded per ONNX call.
const localBatchSize = 256

// localModels maps config model names to fastembed constants. Both the
// HuggingFace identifiers and the short fastembed aliases are accepted.
var localModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,

	"fast-bge-small-en-v1.5": fastembed.BGESmallENV15,
	"fast-bge-small-en":      fastembed.BGESmallEN,
	"fast-bge-base-en-v1.5":  fastembed.BGEBaseENV15,
	"fast-bge-base-en":       fastembed.BGEBaseEN,
	"fast-bge-small-zh-v1.5": fastembed.BGESmallZH,
	"fast-all-MiniLM-L6-v2":  fastembed.AllMiniLML6V2,
}

// localDimensions records the vector width of each supported model.
var localDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGESmallEN:    384,
	fastembed.BGEBaseENV15:  768,
	fastembed.BGEBaseEN:     768,
	fastembed.BGESmallZH:    512,
	fastembed.AllMiniLML6V2: 384,
}

// LocalEmbedder runs ONNX embedding models in-process through fastembed.
// The first use of a model downloads it into the cache directory; after
// that, embedding works fully offline.
type LocalEmbedder struct {
	mu        sync.RWMutex
	model     *fastembed.FlagEmbedding
	name      string
	dimension int
}

// NewLocalEmbedder loads the configured model, downloading it on first use.
func NewLocalEmbedder(cfg config.EmbeddingsConfig) (*LocalEmbedder, error) {
	model, ok := localModels[cfg.Model]
	if !ok {
		// Accept direct fastembed model names too.
		model = fastembed.EmbeddingModel(cfg.Model)
		if _, known := localDimensions[model]; !known {
			return nil, fmt.Errorf("unsupported local embedding model %q (supported: BAAI/bge-small-en-v1.5, BAAI/bge-base-en-v1.5, sentence-transformers/all-MiniLM-L6-v2)", cfg.Model)
		}
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "~/.cache/codemend/models"
	}
	cacheDir, err := expandPath(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("expand cache dir: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", cacheDir, err)
	}

	// No progress bar: output would interleave with structured logs.
	showProgress := false

	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            localMaxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize fastembed model %s: %w", cfg.Model, err)
	}

	return &LocalEmbedder{
		model:     flag,
		name:      cfg.Model,
		dimension: localDimensions[model],
	}, nil
}

// EmbedDocuments generates embeddings for a batch of documents. fastembed
// adds the "passage: " prefix BGE models expect for stored text.
func (l *LocalEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("texts cannot be empty")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.model == nil {
		return nil, errors.New("embedder is closed")
	}

	vectors, err := l.model.PassageEmbed(texts, localBatchSize)
	if err != nil {
		return nil, fmt.Errorf("embed documents with %s: %w", l.name, err)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query. fastembed adds
// the "query: " prefix BGE models expect for search text.
func (l *LocalEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("text cannot be empty")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.model == nil {
		return nil, errors.New("embedder is closed")
	}

	vector, err := l.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("embed query with %s: %w", l.name, err)
	}
	return vector, nil
}

// Dimension returns the vector width of the loaded model.
func (l *LocalEmbedder) Dimension() int {
	return l.dimension
}

// Close releases the ONNX runtime session. Safe to call more than once.
func (l *LocalEmbedder) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.model != nil {
		err := l.model.Destroy()
		l.model = nil
		return err
	}
	return nil
}

var _ Embedder = (*LocalEmbedder)(nil)
