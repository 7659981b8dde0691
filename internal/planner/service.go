package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/inspect"
	"github.com/fyrsmithlabs/codemend/internal/journal"
	"github.com/fyrsmithlabs/codemend/internal/llm"
	"github.com/fyrsmithlabs/codemend/internal/logging"
	"github.com/fyrsmithlabs/codemend/internal/sandbox"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/planner"

// Journal detail truncation limits. Full prompts and responses belong in
// traces, not in every journal line.
const (
	maxJournaledPrompt   = 1000
	maxJournaledResponse = 500
)

// analysisSystemPrompt is the system prompt for per-file code analysis.
const analysisSystemPrompt = `You are a senior Python code reviewer producing a refactoring plan.

You receive one Python source file together with the findings of a static
analyzer. Identify the defects worth fixing: logic errors, crash risks,
misleading names, dead code, and the style problems the analyzer flagged.

Respond with a JSON object of the form:
{"issues": [{"file": "<path>", "description": "<what is wrong>", "suggested_fix": "<how to fix it>"}]}

Rules:
- "file" must be exactly the path you were given.
- One issue per distinct defect, most severe first.
- An empty issues list is valid when the file needs no work.

Respond ONLY with the JSON object, no additional text.`

// Planner builds refactoring plans.
type Planner interface {
	BuildPlan(ctx context.Context, files []string) (*Plan, error)
}

// Service implements Planner with per-file LLM analysis.
type Service struct {
	store     sandbox.Store
	inspector inspect.Inspector
	client    llm.Client
	recorder  *journal.Recorder
	logger    *logging.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	planCounter metric.Int64Counter
}

// NewService creates a planner service. The recorder may be nil when
// journaling is not wanted.
func NewService(store sandbox.Store, inspector inspect.Inspector, client llm.Client, recorder *journal.Recorder, logger *logging.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if inspector == nil {
		return nil, errors.New("inspector is required")
	}
	if client == nil {
		return nil, errors.New("llm client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	s := &Service{
		store:     store,
		inspector: inspector,
		client:    client,
		recorder:  recorder,
		logger:    logger.Named("planner"),
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}

	var err error
	s.planCounter, err = s.meter.Int64Counter(
		"codemend.planner.plans_total",
		metric.WithDescription("Total number of refactoring plans built"),
		metric.WithUnit("{plan}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create plan counter", zap.Error(err))
	}

	return s, nil
}

// BuildPlan analyzes every file and aggregates the per-file issues into one
// plan, in file order. Any tool, model, or parse failure aborts the whole
// build; a partial plan is worse than no plan.
func (s *Service) BuildPlan(ctx context.Context, files []string) (*Plan, error) {
	ctx, span := s.tracer.Start(ctx, "planner.build_plan")
	defer span.End()
	span.SetAttributes(attribute.Int("files", len(files)))

	plan := &Plan{Issues: make([]Issue, 0, len(files))}
	for _, file := range files {
		issues, err := s.analyzeFile(ctx, file)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		plan.Issues = append(plan.Issues, issues...)
	}

	if s.planCounter != nil {
		s.planCounter.Add(ctx, 1)
	}
	span.SetAttributes(attribute.Int("issues", len(plan.Issues)))
	s.logger.Info(ctx, "plan built",
		zap.Int("files", len(files)),
		zap.Int("issues", len(plan.Issues)),
	)
	return plan, nil
}

// analyzeFile inspects one file and asks the model for its issues.
func (s *Service) analyzeFile(ctx context.Context, file string) ([]Issue, error) {
	ctx, span := s.tracer.Start(ctx, "planner.analyze_file")
	defer span.End()
	span.SetAttributes(attribute.String("file", file))

	code, err := s.store.Read(ctx, file)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read %s: %w", file, err)
	}

	res, err := s.inspector.Inspect(ctx, s.store.Root(), file)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	prompt := buildAnalysisPrompt(file, string(code), res)

	raw, err := s.client.Complete(ctx, llm.Request{
		System: analysisSystemPrompt,
		Prompt: prompt,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.journalAnalysis(ctx, file, prompt, "", len(code), res, 0, journal.StatusFailed)
		return nil, fmt.Errorf("analyze %s: %w", file, err)
	}

	filePlan, err := ParsePlan(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.journalAnalysis(ctx, file, prompt, raw, len(code), res, 0, journal.StatusFailed)
		return nil, fmt.Errorf("analyze %s: %w", file, err)
	}

	// The path is authoritative here, not whatever the model echoed back.
	for i := range filePlan.Issues {
		if filePlan.Issues[i].File != file {
			s.logger.Debug(ctx, "normalizing issue path",
				zap.String("file", file),
				zap.String("reported", filePlan.Issues[i].File),
			)
			filePlan.Issues[i].File = file
		}
	}

	s.journalAnalysis(ctx, file, prompt, raw, len(code), res, len(filePlan.Issues), journal.StatusSuccess)
	span.SetAttributes(attribute.Int("issues", len(filePlan.Issues)))
	return filePlan.Issues, nil
}

func (s *Service) journalAnalysis(ctx context.Context, file, prompt, response string, codeLen int, res *inspect.Result, issues int, status journal.Status) {
	s.recorder.Emit(ctx, journal.Record{
		Agent:      journal.AgentPlanner,
		ModelUsed:  s.client.Model(),
		ActionKind: journal.ActionAnalysis,
		Details: map[string]any{
			"file_analyzed":   file,
			"input_prompt":    clip(prompt, maxJournaledPrompt),
			"output_response": clip(response, maxJournaledResponse),
			"code_length":     codeLen,
			"pylint_score":    res.Report.Score,
			"issues_count":    issues,
		},
		Status: status,
	})
}

// buildAnalysisPrompt assembles the user message for one file.
func buildAnalysisPrompt(file, code string, res *inspect.Result) string {
	score := "unknown"
	if res.Report.ScoreKnown {
		score = fmt.Sprintf("%.2f/10", res.Report.Score)
	}

	findings := "[]"
	if msgs := res.Report.AllMessages(); len(msgs) > 0 {
		if data, err := json.MarshalIndent(msgs, "", "  "); err == nil {
			findings = string(data)
		}
	}

	return fmt.Sprintf("Path: %s\n\nSource:\n%s\n\nAnalyzer score: %s\nAnalyzer findings:\n%s",
		file, code, score, findings)
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// Ensure interfaces are implemented at compile time.
var _ Planner = (*Service)(nil)
