// Package testgen writes pytest test modules for sandbox sources that have
// none.
//
// Generation runs at most once per run and only when the sandbox holds no
// test files at all; hand-written tests are never added to or overwritten.
// Files are generated independently, so one bad model response degrades the
// result to partial instead of sinking the whole step.
package testgen

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/journal"
	"github.com/fyrsmithlabs/codemend/internal/llm"
	"github.com/fyrsmithlabs/codemend/internal/logging"
	"github.com/fyrsmithlabs/codemend/internal/sandbox"
	"github.com/fyrsmithlabs/codemend/pkg/pytest"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/testgen"

// generateSystemPrompt asks for a pytest module for one source file.
const generateSystemPrompt = `You are an expert Python test engineer.

You receive one Python source file. Write a pytest test module for it:
- cover the public functions and classes, including edge cases
- import the module under test by its file name
- use plain asserts and pytest.raises, no unittest classes

Respond ONLY with the complete test file content. No explanations, no
markdown fences.`

// Result reports what generation did.
type Result struct {
	// Skipped is true when the sandbox already had test files.
	Skipped bool

	// Generated lists the test files written, in source order.
	Generated []string

	// Failed lists source files whose test generation failed.
	Failed []string
}

// Partial reports whether some but not all files got tests.
func (r *Result) Partial() bool {
	return len(r.Generated) > 0 && len(r.Failed) > 0
}

// Generator writes missing test files.
type Generator interface {
	GenerateTests(ctx context.Context, files []string) (*Result, error)
}

// Service implements Generator with LLM-written pytest modules.
type Service struct {
	store    sandbox.Store
	client   llm.Client
	recorder *journal.Recorder
	logger   *logging.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	fileCounter metric.Int64Counter
}

// NewService creates a test generator. The recorder may be nil.
func NewService(store sandbox.Store, client llm.Client, recorder *journal.Recorder, logger *logging.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if client == nil {
		return nil, errors.New("llm client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	s := &Service{
		store:    store,
		client:   client,
		recorder: recorder,
		logger:   logger.Named("testgen"),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	var err error
	s.fileCounter, err = s.meter.Int64Counter(
		"codemend.testgen.files_total",
		metric.WithDescription("Total number of test files generated"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create file counter", zap.Error(err))
	}

	return s, nil
}

// GenerateTests writes one test module per source file.
//
// Existing test files anywhere in the sandbox skip the whole step. A
// per-file model failure is journaled and skipped; the step only errors
// when no file could be generated at all.
func (s *Service) GenerateTests(ctx context.Context, files []string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "testgen.generate")
	defer span.End()
	span.SetAttributes(attribute.Int("files", len(files)))

	existing, err := s.existingTestFiles(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(existing) > 0 {
		span.SetAttributes(attribute.Bool("skipped", true))
		s.logger.Info(ctx, "test files already present, skipping generation",
			zap.Int("existing", len(existing)),
		)
		s.recorder.Emit(ctx, journal.Record{
			Agent:      journal.AgentTestGen,
			ModelUsed:  s.client.Model(),
			ActionKind: journal.ActionGeneration,
			Details: map[string]any{
				"skipped":        true,
				"existing_tests": len(existing),
			},
			Status: journal.StatusSuccess,
		})
		return &Result{Skipped: true}, nil
	}

	result := &Result{}
	for _, file := range files {
		testFile, err := s.generateFor(ctx, file)
		if err != nil {
			s.logger.Warn(ctx, "test generation failed for file",
				zap.String("file", file),
				zap.Error(err),
			)
			result.Failed = append(result.Failed, file)
			continue
		}
		result.Generated = append(result.Generated, testFile)
	}

	if len(result.Generated) == 0 && len(result.Failed) > 0 {
		err := fmt.Errorf("test generation produced nothing for %d files", len(result.Failed))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("generated", len(result.Generated)),
		attribute.Int("failed", len(result.Failed)),
	)
	s.logger.Info(ctx, "test generation finished",
		zap.Int("generated", len(result.Generated)),
		zap.Int("failed", len(result.Failed)),
	)
	return result, nil
}

// existingTestFiles lists test files already in the sandbox.
func (s *Service) existingTestFiles(ctx context.Context) ([]string, error) {
	all, err := s.store.List(ctx, "*.py")
	if err != nil {
		return nil, fmt.Errorf("list test files: %w", err)
	}
	var tests []string
	for _, f := range all {
		if pytest.IsTestFile(f) {
			tests = append(tests, f)
		}
	}
	return tests, nil
}

// generateFor writes the test module for one source file.
func (s *Service) generateFor(ctx context.Context, file string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "testgen.generate_file")
	defer span.End()
	span.SetAttributes(attribute.String("file", file))

	code, err := s.store.Read(ctx, file)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	prompt := fmt.Sprintf("Path: %s\n\nSource:\n%s", file, code)
	raw, err := s.client.Complete(ctx, llm.Request{
		System: generateSystemPrompt,
		Prompt: prompt,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.journalGeneration(ctx, file, "", 0, journal.StatusFailed)
		return "", err
	}

	content := llm.StripFences(raw)
	if content == "" {
		err := errors.New("model returned an empty test module")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.journalGeneration(ctx, file, "", 0, journal.StatusFailed)
		return "", err
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	testFile := testFileName(file)
	if err := s.store.Write(ctx, testFile, []byte(content)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.journalGeneration(ctx, file, testFile, len(content), journal.StatusFailed)
		return "", err
	}

	if s.fileCounter != nil {
		s.fileCounter.Add(ctx, 1)
	}
	s.journalGeneration(ctx, file, testFile, len(content), journal.StatusSuccess)
	return testFile, nil
}

func (s *Service) journalGeneration(ctx context.Context, source, testFile string, size int, status journal.Status) {
	s.recorder.Emit(ctx, journal.Record{
		Agent:      journal.AgentTestGen,
		ModelUsed:  s.client.Model(),
		ActionKind: journal.ActionGeneration,
		Details: map[string]any{
			"source_file": source,
			"test_file":   testFile,
			"test_size":   size,
		},
		Status: status,
	})
}

// testFileName maps a source path to its test module path, in the same
// directory: a/b/calc.py -> a/b/test_calc.py.
func testFileName(file string) string {
	dir, base := path.Split(file)
	return dir + "test_" + base
}

// Ensure interfaces are implemented at compile time.
var _ Generator = (*Service)(nil)
