// internal/logging/context.go
package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	// Run correlation
	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}

	// Pipeline phase
	if phase := PhaseFromContext(ctx); phase != "" {
		fields = append(fields, zap.String("phase", phase))
	}

	// Iteration counter (1-based, 0 means outside the loop)
	if iteration := IterationFromContext(ctx); iteration > 0 {
		fields = append(fields, zap.Int("iteration", iteration))
	}

	// Acting agent
	if agent := AgentFromContext(ctx); agent != "" {
		fields = append(fields, zap.String("agent", agent))
	}

	return fields
}

// Context key types
type runCtxKey struct{}
type phaseCtxKey struct{}
type iterationCtxKey struct{}
type agentCtxKey struct{}

// Validation constants
const (
	maxRunIDLen = 128
	maxNameLen  = 64
)

// namePattern allows alphanumeric, hyphen, underscore
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateName validates a run ID, phase, or agent name.
func validateName(value, name string, maxLen int) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxLen)
	}
	if !namePattern.MatchString(value) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// RunIDFromContext extracts run ID from context.
func RunIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(runCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRunID adds run ID to context.
// Panics if runID is empty or contains invalid characters.
func WithRunID(ctx context.Context, runID string) context.Context {
	if err := validateName(runID, "runID", maxRunIDLen); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// PhaseFromContext extracts the pipeline phase from context.
func PhaseFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(phaseCtxKey{}).(string); ok {
		return p
	}
	return ""
}

// WithPhase adds the pipeline phase to context.
// Panics if phase is empty or contains invalid characters.
func WithPhase(ctx context.Context, phase string) context.Context {
	if err := validateName(phase, "phase", maxNameLen); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// IterationFromContext extracts the iteration counter from context.
// Returns 0 when no iteration is set.
func IterationFromContext(ctx context.Context) int {
	if i, ok := ctx.Value(iterationCtxKey{}).(int); ok {
		return i
	}
	return 0
}

// WithIteration adds the iteration counter to context.
// Panics if iteration is not positive.
func WithIteration(ctx context.Context, iteration int) context.Context {
	if iteration < 1 {
		panic(fmt.Sprintf("logging: iteration must be >= 1, got %d", iteration))
	}
	return context.WithValue(ctx, iterationCtxKey{}, iteration)
}

// AgentFromContext extracts the acting agent name from context.
func AgentFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(agentCtxKey{}).(string); ok {
		return a
	}
	return ""
}

// WithAgent adds the acting agent name to context.
// Panics if agent is empty or contains invalid characters.
func WithAgent(ctx context.Context, agent string) context.Context {
	if err := validateName(agent, "agent", maxNameLen); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, agentCtxKey{}, agent)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a default nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
