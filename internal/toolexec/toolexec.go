// Package toolexec runs external analysis tools as subprocesses.
//
// It separates three outcomes that callers must not conflate: the tool ran
// and reported its verdict through an exit code, the tool binary is missing,
// and the tool exceeded its time budget. The latter two are infrastructure
// failures and never mean the analyzed code is broken.
package toolexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/toolexec"

var (
	// ErrToolUnavailable indicates the tool binary could not be started.
	ErrToolUnavailable = errors.New("tool unavailable")

	// ErrToolTimeout indicates the tool exceeded its time budget.
	ErrToolTimeout = errors.New("tool timed out")
)

// Invocation describes one external tool run.
type Invocation struct {
	Binary  string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Capture holds the raw outcome of a completed tool run.
//
// A non-zero ExitCode is not an error here; analysis tools report their
// verdict through exit codes and callers interpret them.
type Capture struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner abstracts subprocess execution for testability.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Capture, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, inv Invocation) (*Capture, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, inv Invocation) (*Capture, error) {
	return f(ctx, inv)
}

// ExecRunner implements Runner via os/exec.
type ExecRunner struct {
	logger *logging.Logger
	tracer trace.Tracer
}

// NewExecRunner creates a runner. logger must not be nil.
func NewExecRunner(logger *logging.Logger) (*ExecRunner, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &ExecRunner{
		logger: logger.Named("toolexec"),
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Run executes the invocation and captures its output.
//
// Timeouts and a missing binary are reported as errors wrapping
// ErrToolTimeout and ErrToolUnavailable. A timeout still returns the
// partial capture for diagnostics.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (*Capture, error) {
	ctx, span := r.tracer.Start(ctx, "toolexec.run",
		trace.WithAttributes(
			attribute.String("tool.binary", inv.Binary),
			attribute.String("tool.dir", inv.Dir),
		))
	defer span.End()

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	err := cmd.Run()
	capture := &Capture{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	span.SetAttributes(attribute.Int64("tool.duration_ms", capture.Duration.Milliseconds()))

	if err != nil {
		// The process was killed by the deadline, not by its own doing.
		if ctx.Err() == context.DeadlineExceeded {
			r.logger.Warn(ctx, "tool timed out",
				zap.String("binary", inv.Binary),
				zap.Duration("timeout", inv.Timeout))
			capture.ExitCode = -1
			return capture, fmt.Errorf("%s after %s: %w", inv.Binary, inv.Timeout, ErrToolTimeout)
		}
		if ctx.Err() == context.Canceled {
			return capture, ctx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			capture.ExitCode = exitErr.ExitCode()
			span.SetAttributes(attribute.Int("tool.exit_code", capture.ExitCode))
			r.logger.Debug(ctx, "tool finished",
				zap.String("binary", inv.Binary),
				zap.Int("exit_code", capture.ExitCode),
				zap.Duration("duration", capture.Duration))
			return capture, nil
		}

		if errors.Is(err, exec.ErrNotFound) {
			r.logger.Error(ctx, "tool binary not found",
				zap.String("binary", inv.Binary))
			return nil, fmt.Errorf("%s not found on PATH: %w", inv.Binary, ErrToolUnavailable)
		}

		return nil, fmt.Errorf("%s failed to start: %w", inv.Binary, errors.Join(ErrToolUnavailable, err))
	}

	span.SetAttributes(attribute.Int("tool.exit_code", 0))
	r.logger.Debug(ctx, "tool finished",
		zap.String("binary", inv.Binary),
		zap.Int("exit_code", 0),
		zap.Duration("duration", capture.Duration))

	return capture, nil
}
