// Package patch generates replacement file content for planned issues.
//
// One request covers exactly one file. On the first attempt the model sees
// the issue alone; on retries after a failed validation it also sees the
// current test failures, which switches the prompt from "fix" to "debug"
// mode. Output is the raw replacement content with markdown fences
// stripped; deciding whether and how to write it is the engine's business.
package patch

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/fyrsmithlabs/codemend/internal/planner"
	"github.com/fyrsmithlabs/codemend/internal/sandbox"
	"github.com/fyrsmithlabs/codemend/pkg/pytest"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/patch"

// Journal detail truncation limits.
const (
	maxJournaledPrompt   = 1000
	maxJournaledResponse = 500
)

// fixSystemPrompt is used on the first attempt at an issue.
const fixSystemPrompt = `You are an expert Python refactoring engineer.

You receive one Python source file and one issue to fix. Rewrite the whole
file with the issue resolved. Keep behavior not implicated by the issue
exactly as it is, preserve the public interface, and do not add new
dependencies.

Respond ONLY with the complete replacement file content. No explanations,
no markdown fences.`

// healSystemPrompt is used when a previous attempt left tests failing.
const healSystemPrompt = `You are an expert Python debugging engineer.

A previous fix attempt left the test suite failing. You receive one Python
source file, the issue being addressed, and the current test failures.
Rewrite the whole file so the tests pass while still resolving the issue.

Respond ONLY with the complete replacement file content. No explanations,
no markdown fences.`

// Request asks for a patch for one issue.
type Request struct {
	// Issue is the planned defect being addressed.
	Issue planner.Issue

	// Failures is the feedback from the most recent failed validation.
	// Non-empty feedback switches the prompt into debug mode.
	Failures []pytest.Failure

	// Hints are summaries of similar past fixes, when fix memory is on.
	Hints []string
}

// Patch is the proposed replacement content for one file.
type Patch struct {
	File    string
	Content []byte

	// Unchanged is true when the proposed content is byte-identical to
	// what is already on disk. The engine skips the write in that case.
	Unchanged bool
}

// Generator produces patches.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Patch, error)
}

// Service implements Generator with LLM rewrites.
type Service struct {
	store    sandbox.Store
	client   llm.Client
	recorder *journal.Recorder
	logger   *logging.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	patchCounter metric.Int64Counter
}

// NewService creates a patch generator. The recorder may be nil.
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
		logger:   logger.Named("patch"),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	var err error
	s.patchCounter, err = s.meter.Int64Counter(
		"codemend.patch.patches_total",
		metric.WithDescription("Total number of patches generated"),
		metric.WithUnit("{patch}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create patch counter", zap.Error(err))
	}

	return s, nil
}

// Generate rewrites the issue's file.
func (s *Service) Generate(ctx context.Context, req Request) (*Patch, error) {
	ctx, span := s.tracer.Start(ctx, "patch.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("file", req.Issue.File),
		attribute.Int("failures", len(req.Failures)),
	)

	current, err := s.store.Read(ctx, req.Issue.File)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("patch %s: %w", req.Issue.File, err)
	}

	system := fixSystemPrompt
	kind := journal.ActionFix
	if len(req.Failures) > 0 {
		system = healSystemPrompt
		kind = journal.ActionDebug
	}
	prompt := buildPrompt(req, string(current))

	raw, err := s.client.Complete(ctx, llm.Request{System: system, Prompt: prompt})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.journalPatch(ctx, req, kind, prompt, "", false, journal.StatusFailed)
		return nil, fmt.Errorf("patch %s: %w", req.Issue.File, err)
	}

	content := llm.StripFences(raw)
	if content == "" {
		err := fmt.Errorf("patch %s: model returned an empty replacement", req.Issue.File)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.journalPatch(ctx, req, kind, prompt, raw, false, journal.StatusFailed)
		return nil, err
	}
	// Source files end with a newline; fence stripping eats it. Restore so
	// no-op detection compares like with like.
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	unchanged := content == string(current)

	if s.patchCounter != nil {
		s.patchCounter.Add(ctx, 1)
	}
	span.SetAttributes(attribute.Bool("unchanged", unchanged))
	s.journalPatch(ctx, req, kind, prompt, raw, unchanged, journal.StatusSuccess)
	s.logger.Debug(ctx, "patch generated",
		zap.String("file", req.Issue.File),
		zap.Int("bytes", len(content)),
		zap.Bool("unchanged", unchanged),
		zap.Bool("debug_mode", kind == journal.ActionDebug),
	)

	return &Patch{
		File:      req.Issue.File,
		Content:   []byte(content),
		Unchanged: unchanged,
	}, nil
}

func (s *Service) journalPatch(ctx context.Context, req Request, kind journal.ActionKind, prompt, response string, unchanged bool, status journal.Status) {
	s.recorder.Emit(ctx, journal.Record{
		Agent:      journal.AgentPatcher,
		ModelUsed:  s.client.Model(),
		ActionKind: kind,
		Details: map[string]any{
			"file_fixed":      req.Issue.File,
			"issue":           req.Issue.Description,
			"input_prompt":    clip(prompt, maxJournaledPrompt),
			"output_response": clip(response, maxJournaledResponse),
			"feedback_count":  len(req.Failures),
			"unchanged":       unchanged,
		},
		Status: status,
	})
}

// buildPrompt assembles the user message for one patch request.
func buildPrompt(req Request, code string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Path: %s\n", req.Issue.File)
	fmt.Fprintf(&b, "Issue: %s\n", req.Issue.Description)
	if req.Issue.SuggestedFix != "" {
		fmt.Fprintf(&b, "Suggested fix: %s\n", req.Issue.SuggestedFix)
	}

	if len(req.Failures) > 0 {
		b.WriteString("\nFailing tests:\n")
		for _, f := range req.Failures {
			fmt.Fprintf(&b, "- %s\n", f.String())
		}
	}

	if len(req.Hints) > 0 {
		b.WriteString("\nPast fixes for similar issues:\n")
		for _, h := range req.Hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	fmt.Fprintf(&b, "\nSource:\n%s", code)
	return b.String()
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// Ensure interfaces are implemented at compile time.
var _ Generator = (*Service)(nil)
