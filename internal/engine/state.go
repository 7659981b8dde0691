package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/codemend/internal/gitinfo"
	"github.com/fyrsmithlabs/codemend/internal/planner"
	"github.com/fyrsmithlabs/codemend/internal/validate"
	"github.com/fyrsmithlabs/codemend/pkg/pytest"
)

// Phase identifies one stage of the refactoring state machine.
type Phase string

const (
	// PhaseAudit discovers source files and builds the plan.
	PhaseAudit Phase = "audit"

	// PhaseGenerateTests writes missing test files (optional, once).
	PhaseGenerateTests Phase = "generate_tests"

	// PhaseValidate runs tests and the quality gate.
	PhaseValidate Phase = "validate"

	// PhaseFix patches planned issues using validation feedback.
	PhaseFix Phase = "fix"

	// PhaseTerminal is the end state; no further transitions occur.
	PhaseTerminal Phase = "terminal"
)

// AllPhases returns every phase in nominal first-visit order.
func AllPhases() []Phase {
	return []Phase{PhaseAudit, PhaseGenerateTests, PhaseValidate, PhaseFix, PhaseTerminal}
}

// PhaseStatus is the completion status of one phase execution.
type PhaseStatus string

const (
	StatusPending    PhaseStatus = "pending"
	StatusInProgress PhaseStatus = "in_progress"
	StatusCompleted  PhaseStatus = "completed"
	StatusFailed     PhaseStatus = "failed"
	StatusSkipped    PhaseStatus = "skipped"
)

// PhaseResult captures one phase execution in the run history. The same
// phase appears once per visit, so validate and fix repeat across
// iterations.
type PhaseResult struct {
	Phase       Phase       `json:"phase"`
	Status      PhaseStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Reason classifies how a run ended.
type Reason string

const (
	// ReasonSuccess means validation passed.
	ReasonSuccess Reason = "success"

	// ReasonExhausted means the iteration ceiling was hit with the code
	// still failing.
	ReasonExhausted Reason = "exhausted"

	// ReasonNoFiles means the target held no auditable source files.
	ReasonNoFiles Reason = "no files found"

	// ReasonDryRun means the run stopped after the audit by request.
	ReasonDryRun Reason = "dry run"

	// ReasonAborted means the run context was cancelled.
	ReasonAborted Reason = "aborted"

	// ReasonInfraFailure means a stage failed for reasons unrelated to
	// the code under repair: a missing tool, a timeout, a malformed
	// plan.
	ReasonInfraFailure Reason = "infrastructure failure"
)

// Result is the terminal outcome of a run.
//
// Exhausted iterations and infrastructure failure both leave Success
// false; Reason and Error keep them distinguishable.
type Result struct {
	Success        bool              `json:"success"`
	Reason         Reason            `json:"reason"`
	IterationsUsed int               `json:"iterations_used"`
	Verdict        *validate.Verdict `json:"verdict,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// AppliedFix records one patch the engine wrote during the run.
type AppliedFix struct {
	File        string `json:"file"`
	Description string `json:"description"`
	Resolution  string `json:"resolution,omitempty"`
	Iteration   int    `json:"iteration"`
}

// RunState is the single mutable record threaded through every transition
// of one run.
//
// Iteration numbers the current fix cycle, 1-based; the initial validate
// after audit consumes no cycle. FixAttempts counts completed fix phases
// and never exceeds MaxIterations.
type RunState struct {
	RunID      string       `json:"run_id"`
	TargetRoot string       `json:"target_root"`
	StartedAt  time.Time    `json:"started_at"`
	Provenance gitinfo.Info `json:"provenance"`

	Phase           Phase             `json:"current_phase"`
	DiscoveredFiles []string          `json:"discovered_files,omitempty"`
	Plan            *planner.Plan     `json:"plan,omitempty"`
	Iteration       int               `json:"iteration"`
	MaxIterations   int               `json:"max_iterations"`
	FixAttempts     int               `json:"fix_attempts"`
	TestsGenerated  bool              `json:"tests_generated"`
	AppliedFixes    []AppliedFix      `json:"applied_fixes,omitempty"`
	LastVerdict     *validate.Verdict `json:"last_verdict,omitempty"`
	TerminalResult  *Result           `json:"terminal_result,omitempty"`
	History         []PhaseResult     `json:"history,omitempty"`
}

// NewRunState creates the state for one run against targetRoot.
func NewRunState(targetRoot string, maxIterations int) *RunState {
	return &RunState{
		RunID:         uuid.NewString(),
		TargetRoot:    targetRoot,
		StartedAt:     time.Now().UTC(),
		Phase:         PhaseAudit,
		MaxIterations: maxIterations,
	}
}

// Snapshot returns a copy safe to read while the engine keeps mutating
// the original. Nested plan, verdict, and history data are copied, not
// shared.
func (s *RunState) Snapshot() RunState {
	snap := *s
	snap.DiscoveredFiles = append([]string(nil), s.DiscoveredFiles...)
	snap.AppliedFixes = append([]AppliedFix(nil), s.AppliedFixes...)
	snap.History = append([]PhaseResult(nil), s.History...)
	if s.Plan != nil {
		snap.Plan = &planner.Plan{
			Issues: append([]planner.Issue(nil), s.Plan.Issues...),
			Errors: append([]pytest.Failure(nil), s.Plan.Errors...),
		}
	}
	snap.LastVerdict = cloneVerdict(s.LastVerdict)
	if s.TerminalResult != nil {
		res := *s.TerminalResult
		res.Verdict = cloneVerdict(s.TerminalResult.Verdict)
		snap.TerminalResult = &res
	}
	return snap
}

func cloneVerdict(v *validate.Verdict) *validate.Verdict {
	if v == nil {
		return nil
	}
	out := *v
	out.FailingTests = append([]pytest.Failure(nil), v.FailingTests...)
	out.FileScores = append([]validate.FileScore(nil), v.FileScores...)
	return &out
}
