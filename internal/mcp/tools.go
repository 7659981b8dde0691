package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/engine"
	"github.com/fyrsmithlabs/codemend/internal/planner"
	"github.com/fyrsmithlabs/codemend/internal/validate"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.registerRunTool()
	s.registerAuditTool()
}

// ===== REFACTOR RUN =====

type refactorRunInput struct {
	TargetDir     string `json:"target_dir" jsonschema:"required,Path to the Python project to refactor"`
	MaxIterations int    `json:"max_iterations,omitempty" jsonschema:"Maximum fix iterations (default from server config)"`
	GenerateTests *bool  `json:"generate_tests,omitempty" jsonschema:"Generate missing tests before the first validation"`
}

type refactorRunOutput struct {
	RunID          string               `json:"run_id" jsonschema:"Run identifier stamped on journal records"`
	Success        bool                 `json:"success" jsonschema:"True when the tree passed validation"`
	Reason         string               `json:"reason" jsonschema:"How the run ended"`
	IterationsUsed int                  `json:"iterations_used" jsonschema:"Fix iterations consumed"`
	TestsPassed    bool                 `json:"tests_passed" jsonschema:"Whether the final test run passed"`
	FileScores     []validate.FileScore `json:"file_scores,omitempty" jsonschema:"Final per-file quality scores"`
	AppliedFixes   []engine.AppliedFix  `json:"applied_fixes,omitempty" jsonschema:"Patches written during the run"`
	Error          string               `json:"error,omitempty" jsonschema:"Failure detail for unsuccessful runs"`
}

func (s *Server) registerRunTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "refactor_run",
		Description: "Audit a Python project and iteratively fix it until its tests and quality gate pass",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args refactorRunInput) (*mcp.CallToolResult, refactorRunOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "refactor_run")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "refactor_run")
			s.metrics.RecordInvocation(ctx, "refactor_run", time.Since(start), toolErr)
		}()

		out, err := s.executeRun(ctx, args)
		if err != nil {
			toolErr = err
			return nil, refactorRunOutput{}, err
		}

		// A run that reached a terminal state is reported structurally
		// even when it failed; only infrastructure failures count toward
		// the error metrics.
		if out.Reason == string(engine.ReasonInfraFailure) && out.Error != "" {
			toolErr = errors.New(out.Error)
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: summarizeRun(out)},
			},
		}, out, nil
	})
}

// executeRun assembles a pipeline for the request and drives it to a
// terminal state. Errors are returned only when no meaningful run output
// exists (bad arguments, assembly failure); completed runs report their
// outcome through the output struct.
func (s *Server) executeRun(ctx context.Context, args refactorRunInput) (refactorRunOutput, error) {
	target, err := resolveTargetDir(args.TargetDir)
	if err != nil {
		return refactorRunOutput{}, err
	}
	if args.MaxIterations < 0 {
		return refactorRunOutput{}, fmt.Errorf("max_iterations must be positive, got %d", args.MaxIterations)
	}

	cfg := *s.runCfg
	if args.MaxIterations > 0 {
		cfg.Engine.MaxIterations = args.MaxIterations
	}
	if args.GenerateTests != nil {
		cfg.Engine.GenerateTests = *args.GenerateTests
	}

	p, err := s.newPipeline(ctx, &cfg, target, s.logger)
	if err != nil {
		return refactorRunOutput{}, fmt.Errorf("assemble pipeline: %w", err)
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			s.logger.Warn(ctx, "pipeline close failed", zap.Error(cerr))
		}
	}()

	state, runErr := p.Engine.Run(ctx)
	if state == nil || state.TerminalResult == nil {
		if runErr != nil {
			return refactorRunOutput{}, runErr
		}
		return refactorRunOutput{}, errors.New("run ended without a terminal result")
	}

	return buildRunOutput(state), nil
}

// buildRunOutput flattens a terminal run state into the tool result.
func buildRunOutput(state *engine.RunState) refactorRunOutput {
	res := state.TerminalResult
	out := refactorRunOutput{
		RunID:          state.RunID,
		Success:        res.Success,
		Reason:         string(res.Reason),
		IterationsUsed: res.IterationsUsed,
		AppliedFixes:   state.AppliedFixes,
		Error:          res.Error,
	}
	if res.Verdict != nil {
		out.TestsPassed = res.Verdict.TestsPassed
		out.FileScores = res.Verdict.FileScores
	}
	return out
}

func summarizeRun(out refactorRunOutput) string {
	if out.Success {
		return fmt.Sprintf("Run %s succeeded after %d fix iteration(s); %d patch(es) applied",
			out.RunID, out.IterationsUsed, len(out.AppliedFixes))
	}
	return fmt.Sprintf("Run %s ended without success (%s) after %d fix iteration(s)",
		out.RunID, out.Reason, out.IterationsUsed)
}

// ===== REFACTOR AUDIT =====

type refactorAuditInput struct {
	TargetDir string `json:"target_dir" jsonschema:"required,Path to the Python project to audit"`
}

type refactorAuditOutput struct {
	RunID  string          `json:"run_id" jsonschema:"Run identifier stamped on journal records"`
	Files  []string        `json:"files,omitempty" jsonschema:"Python files discovered under the target"`
	Issues []planner.Issue `json:"issues,omitempty" jsonschema:"Issues the fix phase would work through"`
	Reason string          `json:"reason" jsonschema:"How the audit ended"`
}

func (s *Server) registerAuditTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "refactor_audit",
		Description: "Audit a Python project and report planned issues without modifying any file",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args refactorAuditInput) (*mcp.CallToolResult, refactorAuditOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "refactor_audit")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "refactor_audit")
			s.metrics.RecordInvocation(ctx, "refactor_audit", time.Since(start), toolErr)
		}()

		out, err := s.executeAudit(ctx, args)
		if err != nil {
			toolErr = err
			return nil, refactorAuditOutput{}, err
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Audit found %d issue(s) across %d file(s)",
					len(out.Issues), len(out.Files))},
			},
		}, out, nil
	})
}

// executeAudit runs the engine in dry-run mode: audit and plan, then stop
// before anything is written to the sandbox.
func (s *Server) executeAudit(ctx context.Context, args refactorAuditInput) (refactorAuditOutput, error) {
	target, err := resolveTargetDir(args.TargetDir)
	if err != nil {
		return refactorAuditOutput{}, err
	}

	cfg := *s.runCfg
	cfg.Engine.DryRun = true

	p, err := s.newPipeline(ctx, &cfg, target, s.logger)
	if err != nil {
		return refactorAuditOutput{}, fmt.Errorf("assemble pipeline: %w", err)
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			s.logger.Warn(ctx, "pipeline close failed", zap.Error(cerr))
		}
	}()

	state, runErr := p.Engine.Run(ctx)
	if state == nil || state.TerminalResult == nil {
		if runErr != nil {
			return refactorAuditOutput{}, runErr
		}
		return refactorAuditOutput{}, errors.New("audit ended without a terminal result")
	}

	out := refactorAuditOutput{
		RunID:  state.RunID,
		Files:  state.DiscoveredFiles,
		Reason: string(state.TerminalResult.Reason),
	}
	if state.Plan != nil {
		out.Issues = state.Plan.Issues
	}
	return out, nil
}
