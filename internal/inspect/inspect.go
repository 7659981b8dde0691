// Package inspect runs static analysis on sandbox files and turns the raw
// tool output into scored reports.
//
// The tool is invoked twice per file, once for the JSON message list and
// once for the text score line, matching how pylint splits its output
// formats. A missing binary or an exceeded time budget surfaces as a
// toolexec infrastructure error, never as a low score.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/config"
	"github.com/fyrsmithlabs/codemend/internal/logging"
	"github.com/fyrsmithlabs/codemend/internal/toolexec"
	"github.com/fyrsmithlabs/codemend/pkg/pylint"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/inspect"

// Result is the analysis outcome for one file.
type Result struct {
	File     string
	Report   pylint.Report
	RawJSON  string
	RawText  string
	Duration time.Duration
}

// Passes reports whether the file clears the quality threshold. An
// unknown score never passes; "could not be scored" must not read as
// "good enough".
func (r *Result) Passes(threshold float64) bool {
	return r.Report.ScoreKnown && r.Report.Score >= threshold
}

// Inspector analyzes single files.
type Inspector interface {
	Inspect(ctx context.Context, dir, file string) (*Result, error)
}

// Service implements Inspector on top of a toolexec runner.
type Service struct {
	config config.InspectorConfig
	runner toolexec.Runner
	logger *logging.Logger

	tracer     trace.Tracer
	meter      metric.Meter
	runCounter metric.Int64Counter
}

// NewService creates an inspector service.
func NewService(cfg config.InspectorConfig, runner toolexec.Runner, logger *logging.Logger) (*Service, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Binary == "" {
		return nil, errors.New("inspector binary is required")
	}

	s := &Service{
		config: cfg,
		runner: runner,
		logger: logger.Named("inspect"),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	s.runCounter, err = s.meter.Int64Counter(
		"codemend.inspect.runs_total",
		metric.WithDescription("Total number of inspector invocations"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create run counter", zap.Error(err))
	}

	return s, nil
}

// Inspect analyzes one file inside dir. file is passed to the tool as
// given, so relative paths keep the tool's reported paths relative to dir.
func (s *Service) Inspect(ctx context.Context, dir, file string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "inspect.file")
	defer span.End()
	span.SetAttributes(
		attribute.String("file", file),
		attribute.String("binary", s.config.Binary),
	)

	start := time.Now()

	jsonCap, err := s.invoke(ctx, dir, file, "--output-format=json")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("inspect %s: %w", file, err)
	}

	textCap, err := s.invoke(ctx, dir, file, "--output-format=text")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("inspect %s: %w", file, err)
	}

	msgs, err := pylint.ParseMessages([]byte(jsonCap.Stdout))
	if err != nil {
		// The tool ran; garbled JSON degrades to "no structured messages"
		// rather than failing the inspection. The score still counts.
		s.logger.Warn(ctx, "unparseable analyzer JSON, continuing without messages",
			zap.String("file", file),
			zap.Error(err),
		)
		msgs = nil
	}

	report := pylint.BuildReport(msgs, textCap.Stdout)
	result := &Result{
		File:     file,
		Report:   report,
		RawJSON:  jsonCap.Stdout,
		RawText:  textCap.Stdout,
		Duration: time.Since(start),
	}

	if s.runCounter != nil {
		s.runCounter.Add(ctx, 1)
	}
	span.SetAttributes(
		attribute.Float64("score", report.Score),
		attribute.Bool("score_known", report.ScoreKnown),
		attribute.Int("issues", report.TotalIssues()),
	)
	s.logger.Debug(ctx, "file inspected",
		zap.String("file", file),
		zap.Float64("score", report.Score),
		zap.Bool("score_known", report.ScoreKnown),
		zap.Int("issues", report.TotalIssues()),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (s *Service) invoke(ctx context.Context, dir, file, formatFlag string) (*toolexec.Capture, error) {
	args := make([]string, 0, len(s.config.Args)+2)
	args = append(args, file)
	args = append(args, s.config.Args...)
	args = append(args, formatFlag)

	return s.runner.Run(ctx, toolexec.Invocation{
		Binary:  s.config.Binary,
		Args:    args,
		Dir:     dir,
		Timeout: s.config.Timeout.Duration(),
	})
}
