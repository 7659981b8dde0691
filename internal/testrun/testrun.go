// Package testrun executes the test suite over a sandbox directory and
// parses the outcome into a structured result.
//
// A failing suite is a domain outcome, not an error: the Result carries
// the failure records and the caller decides what to do with them. Errors
// are reserved for infrastructure problems, a missing test binary or an
// exceeded time budget, which surface as toolexec sentinel errors.
package testrun

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
	"github.com/fyrsmithlabs/codemend/pkg/pytest"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/testrun"

// baseFlags shape the output the parser depends on: verbose test list,
// short tracebacks, no header noise. Extra config args are appended after
// these.
var baseFlags = []string{"-v", "--tb=short", "--no-header"}

// Result is the outcome of one full test run.
type Result struct {
	Success  bool
	ExitCode int
	Stats    pytest.Stats
	Failures []pytest.Failure
	Output   string
	Duration time.Duration
}

// Summary renders a short human-readable digest of the run.
func (r *Result) Summary() string {
	return r.Stats.Summary(r.ExitCode)
}

// Runner executes the test suite for a directory.
type Runner interface {
	Run(ctx context.Context, dir string) (*Result, error)
}

// Service implements Runner on top of a toolexec runner.
type Service struct {
	config config.TestsConfig
	runner toolexec.Runner
	logger *logging.Logger

	tracer     trace.Tracer
	meter      metric.Meter
	runCounter metric.Int64Counter
}

// NewService creates a test runner service.
func NewService(cfg config.TestsConfig, runner toolexec.Runner, logger *logging.Logger) (*Service, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Binary == "" {
		return nil, errors.New("test binary is required")
	}

	s := &Service{
		config: cfg,
		runner: runner,
		logger: logger.Named("testrun"),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	s.runCounter, err = s.meter.Int64Counter(
		"codemend.testrun.runs_total",
		metric.WithDescription("Total number of test suite runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create run counter", zap.Error(err))
	}

	return s, nil
}

// Run executes the suite with dir as working directory. The target is "."
// so collected paths in the output stay relative to dir and line up with
// sandbox-relative file names downstream.
func (s *Service) Run(ctx context.Context, dir string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "testrun.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("dir", dir),
		attribute.String("binary", s.config.Binary),
	)

	args := make([]string, 0, len(baseFlags)+len(s.config.Args)+1)
	args = append(args, ".")
	args = append(args, baseFlags...)
	args = append(args, s.config.Args...)

	capture, err := s.runner.Run(ctx, toolexec.Invocation{
		Binary:  s.config.Binary,
		Args:    args,
		Dir:     dir,
		Timeout: s.config.Timeout.Duration(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("run tests in %s: %w", dir, err)
	}

	output := capture.Stdout
	if capture.Stderr != "" {
		output += "\n" + capture.Stderr
	}

	result := &Result{
		Success:  capture.ExitCode == 0,
		ExitCode: capture.ExitCode,
		Stats:    pytest.ParseStats(output),
		Failures: pytest.ExtractFailures(output),
		Output:   output,
		Duration: capture.Duration,
	}

	// A failed run must always carry at least one failure record so the
	// fix phase has something concrete to chew on.
	if !result.Success && len(result.Failures) == 0 {
		result.Failures = []pytest.Failure{pytest.OpaqueFailure()}
	}

	if s.runCounter != nil {
		s.runCounter.Add(ctx, 1)
	}
	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int("passed", result.Stats.Passed),
		attribute.Int("failed", result.Stats.Failed),
	)
	s.logger.Info(ctx, "test suite finished",
		zap.String("dir", dir),
		zap.Bool("success", result.Success),
		zap.Int("passed", result.Stats.Passed),
		zap.Int("failed", result.Stats.Failed),
		zap.Int("errors", result.Stats.Errors),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}
