// Package engine drives one refactoring run as an explicit state machine.
//
// The machine is Audit → GenerateTests (optional, once) → Validate →
// {Fix → Validate}* → Terminal. A single RunState travels through every
// transition; handlers mutate it and name the next phase. Domain failures
// (failing tests, low quality) feed the next iteration; infrastructure
// failures (missing tools, timeouts, malformed plans) abort the run with a
// terminal result that keeps the two distinguishable. Cancellation is
// checked at the top of every transition and lands in Terminal with reason
// aborted.
//
// MaxIterations bounds fix phases: a run performs at most MaxIterations
// fix attempts and MaxIterations+1 validations (the initial validation
// consumes no attempt). Success is evaluated before the ceiling, so a run
// that passes on its final allowed iteration succeeds.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/config"
	"github.com/fyrsmithlabs/codemend/internal/gitinfo"
	"github.com/fyrsmithlabs/codemend/internal/guard"
	"github.com/fyrsmithlabs/codemend/internal/journal"
	"github.com/fyrsmithlabs/codemend/internal/logging"
	"github.com/fyrsmithlabs/codemend/internal/memory"
	"github.com/fyrsmithlabs/codemend/internal/patch"
	"github.com/fyrsmithlabs/codemend/internal/planner"
	"github.com/fyrsmithlabs/codemend/internal/sandbox"
	"github.com/fyrsmithlabs/codemend/internal/testgen"
	"github.com/fyrsmithlabs/codemend/internal/validate"
	"github.com/fyrsmithlabs/codemend/pkg/pytest"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/engine"

// recallHints caps how many remembered fixes are offered per issue.
const recallHints = 3

// ProgressCallback receives a state snapshot at every phase boundary.
type ProgressCallback func(snap RunState)

// Engine executes refactoring runs.
type Engine struct {
	cfg       config.EngineConfig
	store     sandbox.Store
	planner   planner.Planner
	patches   patch.Generator
	testGen   testgen.Generator
	validator validate.Validator
	scanner   guard.Scanner
	memory    memory.Memory
	recorder  *journal.Recorder
	logger    *logging.Logger
	progress  ProgressCallback

	tracer trace.Tracer
	meter  metric.Meter

	runCounter       metric.Int64Counter
	iterationCounter metric.Int64Counter
	appliedCounter   metric.Int64Counter
	rejectedCounter  metric.Int64Counter
}

// New creates an engine over its collaborators.
//
// The test generator is required only when cfg.GenerateTests is set. The
// memory may be nil (no hints recalled, no fixes recorded) and the
// recorder may be nil (no journal).
func New(
	cfg config.EngineConfig,
	store sandbox.Store,
	plan planner.Planner,
	patches patch.Generator,
	testGen testgen.Generator,
	validator validate.Validator,
	scanner guard.Scanner,
	mem memory.Memory,
	recorder *journal.Recorder,
	logger *logging.Logger,
) (*Engine, error) {
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("max iterations must be at least 1, got %d", cfg.MaxIterations)
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if plan == nil {
		return nil, errors.New("planner is required")
	}
	if patches == nil {
		return nil, errors.New("patch generator is required")
	}
	if validator == nil {
		return nil, errors.New("validator is required")
	}
	if testGen == nil && cfg.GenerateTests {
		return nil, errors.New("test generator is required when test generation is enabled")
	}
	if scanner == nil {
		return nil, errors.New("guard scanner is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		planner:   plan,
		patches:   patches,
		testGen:   testGen,
		validator: validator,
		scanner:   scanner,
		memory:    mem,
		recorder:  recorder,
		logger:    logger.Named("engine"),
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	e.initMetrics()

	return e, nil
}

func (e *Engine) initMetrics() {
	var err error
	e.runCounter, err = e.meter.Int64Counter(
		"codemend.engine.runs_total",
		metric.WithDescription("Total number of refactoring runs, by terminal reason"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create run counter", zap.Error(err))
	}
	e.iterationCounter, err = e.meter.Int64Counter(
		"codemend.engine.fix_iterations_total",
		metric.WithDescription("Total number of fix iterations executed"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create iteration counter", zap.Error(err))
	}
	e.appliedCounter, err = e.meter.Int64Counter(
		"codemend.engine.patches_applied_total",
		metric.WithDescription("Total number of patches written to the sandbox"),
		metric.WithUnit("{patch}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create applied counter", zap.Error(err))
	}
	e.rejectedCounter, err = e.meter.Int64Counter(
		"codemend.engine.patches_rejected_total",
		metric.WithDescription("Total number of patches rejected by the secret guard"),
		metric.WithUnit("{patch}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create rejected counter", zap.Error(err))
	}
}

// OnProgress sets the callback invoked at every phase boundary. Must be
// set before Run.
func (e *Engine) OnProgress(cb ProgressCallback) {
	e.progress = cb
}

// Run executes one refactoring run against the sandbox root.
//
// The returned state always carries a terminal result. The error is
// non-nil only for aborts and infrastructure failures; exhausted
// iterations are a domain outcome, not an error.
func (e *Engine) Run(ctx context.Context) (*RunState, error) {
	state := NewRunState(e.store.Root(), e.cfg.MaxIterations)
	// The recorder owns the run identity when one is wired: planner and
	// patcher records are stamped with it, and the state must agree.
	if rid := e.recorder.RunID(); rid != "" {
		state.RunID = rid
	}
	state.Provenance = gitinfo.Collect(state.TargetRoot)

	ctx = logging.WithRunID(ctx, state.RunID)
	ctx, span := e.tracer.Start(ctx, "engine.run",
		trace.WithAttributes(
			attribute.String("run.id", state.RunID),
			attribute.String("target.root", state.TargetRoot),
			attribute.Int("max.iterations", state.MaxIterations),
		))
	defer span.End()

	e.logger.Info(ctx, "run started",
		zap.String("target_root", state.TargetRoot),
		zap.Int("max_iterations", state.MaxIterations),
		zap.String("git_branch", state.Provenance.Branch),
		zap.Bool("git_dirty", state.Provenance.Dirty),
	)

	// Opening record; carries the provenance so the journal alone can
	// answer what code a run operated on.
	e.recorder.Emit(ctx, journal.Record{
		Agent:      journal.AgentEngine,
		ActionKind: journal.ActionTransition,
		Status:     journal.StatusSuccess,
		Details: map[string]any{
			"to":             string(PhaseAudit),
			"target_root":    state.TargetRoot,
			"max_iterations": state.MaxIterations,
			"git_branch":     state.Provenance.Branch,
			"git_commit":     state.Provenance.Commit,
			"git_dirty":      state.Provenance.Dirty,
		},
	})

	handlers := map[Phase]func(context.Context, *RunState) (Phase, error){
		PhaseAudit:         e.runAudit,
		PhaseGenerateTests: e.runGenerateTests,
		PhaseValidate:      e.runValidate,
		PhaseFix:           e.runFix,
	}

	phase := PhaseAudit
	for phase != PhaseTerminal {
		select {
		case <-ctx.Done():
			e.setTerminal(state, &Result{
				Reason:         ReasonAborted,
				IterationsUsed: state.FixAttempts,
				Verdict:        state.LastVerdict,
				Error:          ctx.Err().Error(),
			})
			span.SetStatus(codes.Error, "run aborted")
			e.finish(ctx, state)
			return state, ctx.Err()
		default:
		}

		handler, ok := handlers[phase]
		if !ok {
			err := fmt.Errorf("no handler for phase %s", phase)
			e.setTerminal(state, &Result{
				Reason:         ReasonInfraFailure,
				IterationsUsed: state.FixAttempts,
				Error:          err.Error(),
			})
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.finish(ctx, state)
			return state, err
		}

		state.Phase = phase
		e.reportProgress(state)

		pctx := logging.WithPhase(ctx, string(phase))
		if state.Iteration > 0 {
			pctx = logging.WithIteration(pctx, state.Iteration)
		}

		started := time.Now().UTC()
		next, err := handler(pctx, state)
		if err != nil {
			state.History = append(state.History, PhaseResult{
				Phase:       phase,
				Status:      StatusFailed,
				StartedAt:   started,
				CompletedAt: time.Now().UTC(),
				Error:       err.Error(),
			})
			if ctx.Err() != nil {
				// The stage error is the cancellation surfacing
				// mid-call; classify it as an abort, not an
				// infrastructure failure.
				e.setTerminal(state, &Result{
					Reason:         ReasonAborted,
					IterationsUsed: state.FixAttempts,
					Verdict:        state.LastVerdict,
					Error:          ctx.Err().Error(),
				})
				span.SetStatus(codes.Error, "run aborted")
				e.finish(ctx, state)
				return state, ctx.Err()
			}
			e.setTerminal(state, &Result{
				Reason:         ReasonInfraFailure,
				IterationsUsed: state.FixAttempts,
				Verdict:        state.LastVerdict,
				Error:          err.Error(),
			})
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.finish(ctx, state)
			return state, fmt.Errorf("%s: %w", phase, err)
		}
		state.History = append(state.History, PhaseResult{
			Phase:       phase,
			Status:      StatusCompleted,
			StartedAt:   started,
			CompletedAt: time.Now().UTC(),
			Output:      string(next),
		})

		e.recorder.Emit(pctx, journal.Record{
			Agent:      journal.AgentEngine,
			ActionKind: journal.ActionTransition,
			Status:     journal.StatusSuccess,
			Details: map[string]any{
				"from":      string(phase),
				"to":        string(next),
				"iteration": state.Iteration,
			},
		})

		phase = next
	}

	e.finish(ctx, state)
	return state, nil
}

// runAudit discovers source files and builds the plan.
func (e *Engine) runAudit(ctx context.Context, state *RunState) (Phase, error) {
	ctx, span := e.tracer.Start(ctx, "engine.audit")
	defer span.End()

	files, err := e.store.List(ctx, "*.py")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("discovering files: %w", err)
	}

	sources := make([]string, 0, len(files))
	for _, f := range files {
		if pytest.IsTestFile(f) || filepath.Base(f) == "__init__.py" {
			continue
		}
		sources = append(sources, f)
	}
	state.DiscoveredFiles = sources
	span.SetAttributes(attribute.Int("files.discovered", len(sources)))

	if len(sources) == 0 {
		e.logger.Info(ctx, "no source files found", zap.String("target_root", state.TargetRoot))
		e.setTerminal(state, &Result{Reason: ReasonNoFiles})
		return PhaseTerminal, nil
	}

	plan, err := e.planner.BuildPlan(ctx, sources)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("building plan: %w", err)
	}
	state.Plan = plan
	state.Iteration = 1
	span.SetAttributes(attribute.Int("plan.issues", len(plan.Issues)))

	e.logger.Info(ctx, "audit complete",
		zap.Int("files", len(sources)),
		zap.Int("issues", len(plan.Issues)),
	)

	if e.cfg.DryRun {
		e.setTerminal(state, &Result{Success: true, Reason: ReasonDryRun})
		return PhaseTerminal, nil
	}
	if e.cfg.GenerateTests && !state.TestsGenerated {
		return PhaseGenerateTests, nil
	}
	return PhaseValidate, nil
}

// runGenerateTests writes missing test files, at most once per run.
func (e *Engine) runGenerateTests(ctx context.Context, state *RunState) (Phase, error) {
	ctx, span := e.tracer.Start(ctx, "engine.generate_tests")
	defer span.End()

	res, err := e.testGen.GenerateTests(ctx, state.DiscoveredFiles)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("generating tests: %w", err)
	}
	state.TestsGenerated = true

	if res.Skipped {
		e.logger.Info(ctx, "test generation skipped, tests already present")
	} else {
		e.logger.Info(ctx, "test generation complete",
			zap.Int("generated", len(res.Generated)),
			zap.Int("failed", len(res.Failed)),
		)
	}
	return PhaseValidate, nil
}

// runValidate produces a verdict and decides: terminal on success, Fix on
// failure with attempts remaining, terminal exhausted otherwise.
func (e *Engine) runValidate(ctx context.Context, state *RunState) (Phase, error) {
	ctx, span := e.tracer.Start(ctx, "engine.validate",
		trace.WithAttributes(attribute.Int("fix.attempts", state.FixAttempts)))
	defer span.End()

	verdict, err := e.validator.Validate(ctx, state.DiscoveredFiles)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("validating: %w", err)
	}
	state.LastVerdict = verdict
	span.SetAttributes(attribute.Bool("verdict.success", verdict.Success))

	if verdict.Success {
		if state.Plan != nil {
			state.Plan.Errors = nil
		}
		e.setTerminal(state, &Result{
			Success:        true,
			Reason:         ReasonSuccess,
			IterationsUsed: state.FixAttempts,
			Verdict:        verdict,
		})
		return PhaseTerminal, nil
	}

	failures := verdict.FailingTests
	if len(failures) == 0 {
		failures = []pytest.Failure{pytest.OpaqueFailure()}
	}
	state.Plan.Errors = failures

	e.logger.Info(ctx, "validation failed",
		zap.Int("failing_tests", len(failures)),
		zap.Bool("tests_passed", verdict.TestsPassed),
	)

	// Success is evaluated before the ceiling, so a run that passes on
	// its final allowed iteration still succeeds.
	if state.FixAttempts >= state.MaxIterations {
		e.setTerminal(state, &Result{
			Reason:         ReasonExhausted,
			IterationsUsed: state.FixAttempts,
			Verdict:        verdict,
		})
		return PhaseTerminal, nil
	}

	state.Iteration = state.FixAttempts + 1
	return PhaseFix, nil
}

// runFix patches every planned issue, then hands back to validation.
func (e *Engine) runFix(ctx context.Context, state *RunState) (Phase, error) {
	ctx, span := e.tracer.Start(ctx, "engine.fix",
		trace.WithAttributes(attribute.Int("iteration", state.Iteration)))
	defer span.End()

	if len(state.Plan.Issues) == 0 {
		e.logger.Warn(ctx, "plan has no issues to fix, validation feedback cannot be acted on")
	}

	for _, issue := range orderIssues(state.Plan) {
		var hints []string
		if e.memory != nil {
			var err error
			hints, err = e.memory.Recall(ctx, issue.Description, recallHints)
			if err != nil {
				e.logger.Warn(ctx, "fix memory recall failed",
					zap.String("file", issue.File),
					zap.Error(err))
				hints = nil
			}
		}

		p, err := e.patches.Generate(ctx, patch.Request{
			Issue:    issue,
			Failures: state.Plan.Errors,
			Hints:    hints,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("generating patch for %s: %w", issue.File, err)
		}

		if p.Unchanged {
			e.logger.Debug(ctx, "patch matches current content, skipping write",
				zap.String("file", p.File))
			continue
		}

		if findings := e.scanner.Scan(ctx, p.File, p.Content); len(findings) > 0 {
			if e.rejectedCounter != nil {
				e.rejectedCounter.Add(ctx, 1)
			}
			rules := make([]string, 0, len(findings))
			for _, f := range findings {
				rules = append(rules, f.RuleID)
			}
			e.logger.Warn(ctx, "patch rejected, secret material detected",
				zap.String("file", p.File),
				zap.Strings("rules", rules),
			)
			e.recorder.Emit(ctx, journal.Record{
				Agent:      journal.AgentEngine,
				ActionKind: journal.ActionFix,
				Status:     journal.StatusFailed,
				Details: map[string]any{
					"file":     p.File,
					"rejected": "secret material detected",
					"findings": len(findings),
					"rules":    rules,
				},
			})
			continue
		}

		if err := e.store.Write(ctx, p.File, p.Content); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("writing patch for %s: %w", p.File, err)
		}
		if e.appliedCounter != nil {
			e.appliedCounter.Add(ctx, 1)
		}
		state.AppliedFixes = append(state.AppliedFixes, AppliedFix{
			File:        p.File,
			Description: issue.Description,
			Resolution:  issue.SuggestedFix,
			Iteration:   state.Iteration,
		})
		e.logger.Info(ctx, "patch applied", zap.String("file", p.File))
	}

	state.FixAttempts++
	if e.iterationCounter != nil {
		e.iterationCounter.Add(ctx, 1)
	}
	return PhaseValidate, nil
}

// setTerminal stages the terminal result. The first result wins; later
// calls are ignored so the result is set exactly once per run.
func (e *Engine) setTerminal(state *RunState, res *Result) {
	if state.TerminalResult != nil {
		return
	}
	state.TerminalResult = res
}

// finish performs the terminal phase: record applied fixes into memory on
// success, emit the final journal record, count the run.
func (e *Engine) finish(ctx context.Context, state *RunState) {
	if state.TerminalResult == nil {
		state.TerminalResult = &Result{
			Reason: ReasonInfraFailure,
			Error:  "terminal state reached without a result",
		}
	}
	res := state.TerminalResult
	state.Phase = PhaseTerminal

	now := time.Now().UTC()
	state.History = append(state.History, PhaseResult{
		Phase:       PhaseTerminal,
		Status:      StatusCompleted,
		StartedAt:   now,
		CompletedAt: now,
		Output:      string(res.Reason),
	})

	tctx := logging.WithPhase(ctx, string(PhaseTerminal))

	if e.runCounter != nil {
		e.runCounter.Add(tctx, 1, metric.WithAttributes(
			attribute.String("reason", string(res.Reason)),
		))
	}

	if e.memory != nil && res.Success && len(state.AppliedFixes) > 0 {
		fixes := make([]memory.Fix, 0, len(state.AppliedFixes))
		for _, af := range state.AppliedFixes {
			fixes = append(fixes, memory.Fix{
				RunID:       state.RunID,
				File:        af.File,
				Description: af.Description,
				Resolution:  af.Resolution,
			})
		}
		if err := e.memory.Record(tctx, fixes); err != nil {
			e.logger.Warn(tctx, "recording fixes to memory failed", zap.Error(err))
		}
	}

	status := journal.StatusFailed
	if res.Success {
		status = journal.StatusSuccess
	}
	e.recorder.Emit(tctx, journal.Record{
		Agent:      journal.AgentEngine,
		ActionKind: journal.ActionTransition,
		Status:     status,
		Details: map[string]any{
			"to":              string(PhaseTerminal),
			"reason":          string(res.Reason),
			"success":         res.Success,
			"iterations_used": res.IterationsUsed,
		},
	})

	e.logger.Info(tctx, "run finished",
		zap.Bool("success", res.Success),
		zap.String("reason", string(res.Reason)),
		zap.Int("iterations_used", res.IterationsUsed),
		zap.Duration("duration", now.Sub(state.StartedAt)),
	)

	e.reportProgress(state)
}

func (e *Engine) reportProgress(state *RunState) {
	if e.progress != nil {
		e.progress(state.Snapshot())
	}
}

// orderIssues returns plan issues with the ones implicated by the current
// failures first. Order within each group follows the plan, so with no
// failures attached the plan order is returned untouched.
func orderIssues(plan *planner.Plan) []planner.Issue {
	if len(plan.Errors) == 0 || len(plan.Issues) < 2 {
		return plan.Issues
	}

	implicated := func(issue planner.Issue) bool {
		stem := strings.TrimSuffix(filepath.Base(issue.File), ".py")
		if stem == "" {
			return false
		}
		for _, f := range plan.Errors {
			if f.File == issue.File ||
				strings.Contains(f.File, stem) ||
				strings.Contains(f.ErrorLine, stem) {
				return true
			}
		}
		return false
	}

	front := make([]planner.Issue, 0, len(plan.Issues))
	var back []planner.Issue
	for _, issue := range plan.Issues {
		if implicated(issue) {
			front = append(front, issue)
		} else {
			back = append(back, issue)
		}
	}
	return append(front, back...)
}
