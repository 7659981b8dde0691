// Package validate combines the test run and the quality gate into one
// verdict.
//
// Tests always run first. A failing suite skips the quality gate entirely,
// quality feedback on broken code is not actionable. When tests pass and
// quality falls short, the gate synthesizes a single pseudo-failure so the
// fix stage consumes one uniform failure list no matter which gate failed.
package validate

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

	"github.com/fyrsmithlabs/codemend/internal/config"
	"github.com/fyrsmithlabs/codemend/internal/inspect"
	"github.com/fyrsmithlabs/codemend/internal/journal"
	"github.com/fyrsmithlabs/codemend/internal/logging"
	"github.com/fyrsmithlabs/codemend/internal/sandbox"
	"github.com/fyrsmithlabs/codemend/internal/testrun"
	"github.com/fyrsmithlabs/codemend/pkg/pytest"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/validate"

// QualityGateFile is the pseudo file name carried by the synthesized
// failure when tests pass but quality does not.
const QualityGateFile = "Quality Gate"

const (
	defaultMaxIssues   = 5
	maxJournaledOutput = 1000
)

// FileScore is the quality outcome for one inspected file.
type FileScore struct {
	File       string  `json:"file"`
	Score      float64 `json:"score"`
	ScoreKnown bool    `json:"score_known"`
	Passed     bool    `json:"passed"`
}

// Verdict is the combined validation outcome.
//
// QualitySkipped is true when the gate did not run: either the tests
// already failed or the gate is disabled in config.
type Verdict struct {
	Success        bool             `json:"success"`
	TestsPassed    bool             `json:"tests_passed"`
	QualitySkipped bool             `json:"quality_skipped"`
	FailingTests   []pytest.Failure `json:"failing_tests,omitempty"`
	Stats          pytest.Stats     `json:"stats"`
	FileScores     []FileScore      `json:"file_scores,omitempty"`
	TestOutput     string           `json:"-"`
}

// Validator produces a verdict for the current sandbox state.
type Validator interface {
	Validate(ctx context.Context, files []string) (*Verdict, error)
}

// Service implements Validator over the test runner and the inspector.
type Service struct {
	config    config.InspectorConfig
	store     sandbox.Store
	tests     testrun.Runner
	inspector inspect.Inspector
	recorder  *journal.Recorder
	logger    *logging.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	verdictCounter metric.Int64Counter
}

// NewService creates a validator. The recorder may be nil.
func NewService(cfg config.InspectorConfig, store sandbox.Store, tests testrun.Runner, inspector inspect.Inspector, recorder *journal.Recorder, logger *logging.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if tests == nil {
		return nil, errors.New("test runner is required")
	}
	if inspector == nil && !cfg.SkipQualityGate {
		return nil, errors.New("inspector is required when the quality gate is enabled")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	s := &Service{
		config:    cfg,
		store:     store,
		tests:     tests,
		inspector: inspector,
		recorder:  recorder,
		logger:    logger.Named("validate"),
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}

	var err error
	s.verdictCounter, err = s.meter.Int64Counter(
		"codemend.validate.verdicts_total",
		metric.WithDescription("Total number of validation verdicts"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create verdict counter", zap.Error(err))
	}

	return s, nil
}

// Validate runs the suite and, when it passes, the quality gate over the
// given source files. Tool-level problems (missing binary, timeout) return
// as errors; failing tests and low scores are verdict content.
func (s *Service) Validate(ctx context.Context, files []string) (*Verdict, error) {
	ctx, span := s.tracer.Start(ctx, "validate.run")
	defer span.End()
	span.SetAttributes(attribute.Int("files", len(files)))

	run, err := s.tests.Run(ctx, s.store.Root())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	verdict := &Verdict{
		TestsPassed: run.Success,
		Stats:       run.Stats,
		TestOutput:  run.Output,
	}

	if !run.Success {
		verdict.QualitySkipped = true
		verdict.FailingTests = run.Failures
		return s.finish(ctx, span, verdict)
	}

	if s.config.SkipQualityGate {
		verdict.QualitySkipped = true
		verdict.Success = true
		return s.finish(ctx, span, verdict)
	}

	var failing []*inspect.Result
	for _, file := range files {
		result, err := s.inspector.Inspect(ctx, s.store.Root(), file)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		passed := result.Passes(s.config.QualityThreshold)
		verdict.FileScores = append(verdict.FileScores, FileScore{
			File:       file,
			Score:      result.Report.Score,
			ScoreKnown: result.Report.ScoreKnown,
			Passed:     passed,
		})
		if !passed {
			failing = append(failing, result)
		}
	}

	if len(failing) > 0 {
		verdict.FailingTests = []pytest.Failure{{
			File:      QualityGateFile,
			TestName:  "quality_threshold",
			ErrorLine: s.qualityReport(failing),
		}}
		return s.finish(ctx, span, verdict)
	}

	verdict.Success = true
	return s.finish(ctx, span, verdict)
}

// finish stamps telemetry and the journal record and returns the verdict.
func (s *Service) finish(ctx context.Context, span trace.Span, verdict *Verdict) (*Verdict, error) {
	span.SetAttributes(
		attribute.Bool("success", verdict.Success),
		attribute.Bool("tests_passed", verdict.TestsPassed),
		attribute.Bool("quality_skipped", verdict.QualitySkipped),
		attribute.Int("failing", len(verdict.FailingTests)),
	)
	if s.verdictCounter != nil {
		s.verdictCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", verdict.Success)))
	}

	status := journal.StatusSuccess
	if !verdict.Success {
		status = journal.StatusFailed
	}
	scores := make(map[string]any, len(verdict.FileScores))
	for _, fs := range verdict.FileScores {
		if fs.ScoreKnown {
			scores[fs.File] = fs.Score
		} else {
			scores[fs.File] = "unknown"
		}
	}
	s.recorder.Emit(ctx, journal.Record{
		Agent:      journal.AgentValidator,
		ActionKind: journal.ActionValidation,
		Details: map[string]any{
			"target_directory": s.store.Root(),
			"output_response":  clip(verdict.TestOutput, maxJournaledOutput),
			"all_tests_passed": verdict.TestsPassed,
			"quality_skipped":  verdict.QualitySkipped,
			"tests_passed":     verdict.Stats.Passed,
			"tests_failed":     verdict.Stats.Failed,
			"pylint_scores":    scores,
		},
		Status: status,
	})

	s.logger.Info(ctx, "validation verdict",
		zap.Bool("success", verdict.Success),
		zap.Bool("tests_passed", verdict.TestsPassed),
		zap.Bool("quality_skipped", verdict.QualitySkipped),
		zap.Int("failing", len(verdict.FailingTests)),
	)
	return verdict, nil
}

// qualityReport renders one line per under-threshold file: the score, the
// required threshold, and the top issues in severity order. The issue list
// is capped to keep fix feedback dense.
func (s *Service) qualityReport(failing []*inspect.Result) string {
	maxIssues := s.config.MaxReportedIssues
	if maxIssues <= 0 {
		maxIssues = defaultMaxIssues
	}

	lines := make([]string, 0, len(failing))
	for _, result := range failing {
		if !result.Report.ScoreKnown {
			lines = append(lines, fmt.Sprintf("%s could not be scored", result.File))
			continue
		}

		msgs := result.Report.AllMessages()
		shown := msgs
		if len(shown) > maxIssues {
			shown = shown[:maxIssues]
		}
		rendered := make([]string, 0, len(shown))
		for _, m := range shown {
			rendered = append(rendered, m.String())
		}

		line := fmt.Sprintf("%s scored %.2f/10 (threshold %.2f)", result.File, result.Report.Score, s.config.QualityThreshold)
		if len(rendered) > 0 {
			line += ": " + strings.Join(rendered, "; ")
		}
		if hidden := len(msgs) - len(shown); hidden > 0 {
			line += fmt.Sprintf(" (+%d more)", hidden)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// Ensure interfaces are implemented at compile time.
var _ Validator = (*Service)(nil)
