// Package journal records the experiment trail of a refactoring run.
//
// Every agent interaction and stage transition may emit one Record. The
// journal is append-only and delivery is best-effort: a failing sink is
// logged and counted, never allowed to abort the run.
package journal

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/journal"

// Agent names used in journal records.
const (
	AgentPlanner   = "planner"
	AgentPatcher   = "patcher"
	AgentTestGen   = "testgen"
	AgentValidator = "validator"
	AgentEngine    = "engine"
)

// ActionKind classifies what a record describes.
type ActionKind string

// Action kinds.
const (
	ActionAnalysis   ActionKind = "analysis"
	ActionFix        ActionKind = "fix"
	ActionDebug      ActionKind = "debug"
	ActionGeneration ActionKind = "generation"
	ActionValidation ActionKind = "validation"
	ActionTransition ActionKind = "transition"
)

// Status is the outcome recorded for an action.
type Status string

// Statuses.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial_success"
)

// Record is one journal entry.
type Record struct {
	RunID      string         `json:"run_id"`
	Agent      string         `json:"agent"`
	ModelUsed  string         `json:"model_used,omitempty"`
	ActionKind ActionKind     `json:"action_kind"`
	Details    map[string]any `json:"details,omitempty"`
	Status     Status         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Sink delivers journal records somewhere durable.
type Sink interface {
	Emit(ctx context.Context, rec Record) error
	Close() error
}

// Recorder stamps and delivers records for one run.
//
// Emit never returns an error: the journal is observability, not control
// flow, and a dead sink must not take the pipeline down with it.
type Recorder struct {
	runID  string
	sink   Sink
	logger *logging.Logger

	meter          metric.Meter
	recordCounter  metric.Int64Counter
	failureCounter metric.Int64Counter
}

// NewRecorder creates a recorder that stamps records with runID.
//
// A nil sink or logger degrades to a no-op recorder so callers never have
// to guard their journal calls.
func NewRecorder(runID string, sink Sink, logger *logging.Logger) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	r := &Recorder{
		runID:  runID,
		sink:   sink,
		logger: logger.Named("journal"),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	r.recordCounter, err = r.meter.Int64Counter(
		"codemend.journal.records_total",
		metric.WithDescription("Total number of journal records emitted"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create record counter", zap.Error(err))
	}
	r.failureCounter, err = r.meter.Int64Counter(
		"codemend.journal.sink_failures_total",
		metric.WithDescription("Total number of journal sink delivery failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create failure counter", zap.Error(err))
	}

	return r
}

// RunID returns the run identifier stamped onto records.
func (r *Recorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Emit stamps and delivers one record. Safe on a nil recorder.
func (r *Recorder) Emit(ctx context.Context, rec Record) {
	if r == nil {
		return
	}
	if rec.RunID == "" {
		rec.RunID = r.runID
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if r.recordCounter != nil {
		r.recordCounter.Add(ctx, 1)
	}

	if err := r.sink.Emit(ctx, rec); err != nil {
		if r.failureCounter != nil {
			r.failureCounter.Add(ctx, 1)
		}
		r.logger.Warn(ctx, "journal delivery failed",
			zap.String("agent", rec.Agent),
			zap.String("action_kind", string(rec.ActionKind)),
			zap.Error(err),
		)
	}
}

// Close closes the underlying sink.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.sink.Close()
}
