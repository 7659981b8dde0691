// Package memory stores applied fixes in an embedded vector database and
// recalls the ones similar to a new issue.
//
// Fix descriptions are the embedded content; the file and resolution ride
// along as metadata. Recall works on issue text, so a new "division by
// zero" issue surfaces past zero-division fixes regardless of which file
// they landed in. The backing store is chromem-go, a pure-Go embedded
// database persisting to gob files, so memory needs no external service.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/config"
	"github.com/fyrsmithlabs/codemend/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/memory"

// defaultRecall is the number of hints returned when the caller does not
// ask for a specific count.
const defaultRecall = 3

// Fix is one remembered repair.
type Fix struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	File        string    `json:"file"`
	Description string    `json:"description"`
	Resolution  string    `json:"resolution,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Memory records applied fixes and recalls similar past ones.
type Memory interface {
	// Record stores fixes. Empty input is a no-op.
	Record(ctx context.Context, fixes []Fix) error

	// Recall returns up to k hint strings for fixes similar to the issue
	// text. An empty store yields no hints and no error.
	Recall(ctx context.Context, issue string, k int) ([]string, error)

	// Close releases the embedder.
	Close() error
}

// Service implements Memory over a persistent chromem database.
type Service struct {
	db         *chromem.DB
	embedder   Embedder
	collection string
	logger     *logging.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	fixCounter    metric.Int64Counter
	recallCounter metric.Int64Counter
}

// NewService opens (or creates) the database at cfg.Path.
func NewService(cfg config.MemoryConfig, embedder Embedder, logger *logging.Logger) (*Service, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Collection == "" {
		return nil, errors.New("memory collection is required")
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expand memory path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create memory directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, !cfg.NoCompress)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}

	s := &Service{
		db:         db,
		embedder:   embedder,
		collection: cfg.Collection,
		logger:     logger.Named("memory"),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}

	s.fixCounter, err = s.meter.Int64Counter(
		"codemend.memory.fixes_total",
		metric.WithDescription("Total number of fixes recorded"),
		metric.WithUnit("{fix}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create fix counter", zap.Error(err))
	}
	s.recallCounter, err = s.meter.Int64Counter(
		"codemend.memory.recalls_total",
		metric.WithDescription("Total number of recall queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create recall counter", zap.Error(err))
	}

	s.logger.Info(context.Background(), "fix memory opened",
		zap.String("path", path),
		zap.String("collection", cfg.Collection),
		zap.Int("dimension", embedder.Dimension()),
	)
	return s, nil
}

// Record embeds the fix descriptions and stores them with file and
// resolution metadata. IDs are generated when absent.
func (s *Service) Record(ctx context.Context, fixes []Fix) error {
	if len(fixes) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "memory.record")
	defer span.End()
	span.SetAttributes(attribute.Int("fixes", len(fixes)))

	texts := make([]string, len(fixes))
	for i, fix := range fixes {
		texts[i] = fix.Description
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("embed fixes: %w", err)
	}

	docs := make([]chromem.Document, len(fixes))
	for i, fix := range fixes {
		id := fix.ID
		if id == "" {
			id = uuid.NewString()
		}
		recordedAt := fix.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now().UTC()
		}
		docs[i] = chromem.Document{
			ID:      id,
			Content: fix.Description,
			Metadata: map[string]string{
				"file":        fix.File,
				"resolution":  fix.Resolution,
				"run_id":      fix.RunID,
				"recorded_at": recordedAt.Format(time.RFC3339),
			},
			Embedding: vectors[i],
		}
	}

	// The embedding func must be passed even though embeddings are
	// precomputed: chromem falls back to its OpenAI default on nil.
	col, err := s.db.GetOrCreateCollection(s.collection, nil, s.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("open collection %s: %w", s.collection, err)
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("store fixes: %w", err)
	}

	if s.fixCounter != nil {
		s.fixCounter.Add(ctx, int64(len(fixes)))
	}
	s.logger.Debug(ctx, "fixes recorded",
		zap.Int("count", len(fixes)),
		zap.String("collection", s.collection),
	)
	return nil
}

// Recall returns hint strings for the k stored fixes most similar to the
// issue text.
func (s *Service) Recall(ctx context.Context, issue string, k int) ([]string, error) {
	if strings.TrimSpace(issue) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = defaultRecall
	}

	ctx, span := s.tracer.Start(ctx, "memory.recall")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	col := s.db.GetCollection(s.collection, s.embeddingFunc())
	if col == nil {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := col.Query(ctx, issue, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query fixes: %w", err)
	}

	hints := make([]string, 0, len(results))
	for _, r := range results {
		hints = append(hints, formatHint(r.Content, r.Metadata["file"], r.Metadata["resolution"]))
	}

	if s.recallCounter != nil {
		s.recallCounter.Add(ctx, 1)
	}
	span.SetAttributes(attribute.Int("hints", len(hints)))
	s.logger.Debug(ctx, "fixes recalled",
		zap.Int("hints", len(hints)),
		zap.Int("stored", count),
	)
	return hints, nil
}

// Close releases the embedder. chromem persists on write and needs no
// explicit close.
func (s *Service) Close() error {
	return s.embedder.Close()
}

func (s *Service) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

func formatHint(description, file, resolution string) string {
	hint := description
	if file != "" {
		hint += fmt.Sprintf(" (fixed in %s)", file)
	}
	if resolution != "" {
		hint += ": " + resolution
	}
	return hint
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Ensure interfaces are implemented at compile time.
var _ Memory = (*Service)(nil)
