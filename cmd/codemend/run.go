package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/config"
	"github.com/fyrsmithlabs/codemend/internal/dashboard"
	"github.com/fyrsmithlabs/codemend/internal/engine"
	"github.com/fyrsmithlabs/codemend/internal/logging"
	"github.com/fyrsmithlabs/codemend/internal/services"
	"github.com/fyrsmithlabs/codemend/internal/status"
	"github.com/fyrsmithlabs/codemend/internal/telemetry"
	"github.com/fyrsmithlabs/codemend/internal/validate"
	"github.com/fyrsmithlabs/codemend/internal/watch"
)

// progressBuffer sizes the dashboard snapshot channel. The engine never
// blocks on a slow UI; snapshots beyond the buffer are dropped.
const progressBuffer = 64

// maxFailuresShown caps the failing tests listed in the exhausted summary.
const maxFailuresShown = 5

var (
	maxIterations    int
	qualityThreshold float64
	generateTests    bool
	watchMode        bool
	showDashboard    bool
	statusAddr       string
	dryRun           bool
)

// runCmd executes the refactoring pipeline against a target directory
var runCmd = &cobra.Command{
	Use:   "run <target-dir>",
	Short: "Audit, patch, and validate a Python tree until its tests pass",
	Long: `Run the self-healing pipeline against a Python project.

The pipeline audits the tree with an LLM, applies one patch per issue, and
validates with pytest and pylint. Failing validations feed the next fix
round until the tests pass or the iteration budget runs out.

Examples:
  # Refactor with defaults
  codemend run ./service

  # Audit only, print the plan
  codemend run --dry-run ./service

  # Allow more fix rounds and require a higher pylint score
  codemend run --max-iterations 5 --quality-threshold 8.5 ./service

  # Keep fixing as files change, with a status endpoint
  codemend run --watch --status-addr :8344 ./service`,
	Args: cobra.ExactArgs(1),
	RunE: runRefactor,
}

func init() {
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "fix attempts before giving up (overrides config)")
	runCmd.Flags().Float64Var(&qualityThreshold, "quality-threshold", 0, "minimum pylint score out of 10 (overrides config)")
	runCmd.Flags().BoolVar(&generateTests, "generate-tests", false, "generate a pytest suite when the target has none")
	runCmd.Flags().BoolVar(&watchMode, "watch", false, "keep watching the tree and rerun after each change")
	runCmd.Flags().BoolVar(&showDashboard, "dashboard", false, "show a live terminal dashboard for the run")
	runCmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve /health, /api/v1/run, and /metrics on this address")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop after the audit and print the plan")
}

// session carries what a single pipeline execution needs besides the
// context. Watch mode reuses one session across runs so the status server
// keeps its port.
type session struct {
	cfg       *config.Config
	target    string
	logger    *logging.Logger
	status    *status.Server
	dashboard bool
}

func runRefactor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadWithFile(configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Watch.Enabled && showDashboard {
		return errors.New("--dashboard cannot be combined with --watch")
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := buildLogger(tel, showDashboard)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	sess := &session{
		cfg:       cfg,
		target:    args[0],
		logger:    logger,
		dashboard: showDashboard,
	}

	if cfg.Status.Enabled {
		srv, err := status.NewServer(cfg.Status.Addr, logger)
		if err != nil {
			return fmt.Errorf("create status server: %w", err)
		}
		go func() {
			if serr := srv.Start(); serr != nil {
				logger.Warn(ctx, "status server failed", zap.Error(serr))
			}
		}()
		defer func() {
			if serr := srv.Shutdown(context.Background()); serr != nil {
				logger.Warn(ctx, "status server shutdown failed", zap.Error(serr))
			}
		}()
		sess.status = srv
	}

	if cfg.Watch.Enabled {
		return runWatch(ctx, sess)
	}
	return executeOnce(ctx, sess)
}

// applyFlagOverrides copies explicitly set flags onto the loaded config.
// Unset flags leave the file and environment values alone.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("max-iterations") {
		cfg.Engine.MaxIterations = maxIterations
	}
	if flags.Changed("quality-threshold") {
		cfg.Inspector.QualityThreshold = qualityThreshold
	}
	if flags.Changed("generate-tests") {
		cfg.Engine.GenerateTests = generateTests
	}
	if flags.Changed("dry-run") {
		cfg.Engine.DryRun = dryRun
	}
	if flags.Changed("watch") {
		cfg.Watch.Enabled = watchMode
	}
	if flags.Changed("status-addr") {
		cfg.Status.Addr = statusAddr
		cfg.Status.Enabled = true
	}
}

// buildLogger wires zap to stderr, or silences it entirely while the
// dashboard owns the terminal.
func buildLogger(tel *telemetry.Telemetry, dashboardMode bool) (*logging.Logger, error) {
	if dashboardMode {
		return logging.NewNop(), nil
	}
	logCfg := logging.NewDefaultConfig()
	if tel.IsEnabled() {
		logCfg.Output.OTEL = true
	}
	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// runWatch re-executes the pipeline after each quiescent change batch
// until the context is cancelled. Individual run failures are logged, not
// fatal; watching only ends with the process.
func runWatch(ctx context.Context, sess *session) error {
	w, err := watch.New(sess.target, watch.Config{
		Debounce:   sess.cfg.Watch.Debounce.Duration(),
		IgnoreDirs: []string{sess.cfg.Sandbox.BackupDir},
	}, sess.logger)
	if err != nil {
		return fmt.Errorf("watch %s: %w", sess.target, err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("watch %s: %w", sess.target, err)
	}
	defer w.Stop()

	// First pass runs immediately; later passes wait for changes.
	if err := executeOnce(ctx, sess); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		sess.logger.Warn(ctx, "run failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-w.Changes():
			if !ok {
				return nil
			}
			sess.logger.Info(ctx, "files changed, rerunning",
				zap.Int("files", len(change.Paths)))
			if err := executeOnce(ctx, sess); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				sess.logger.Warn(ctx, "run failed", zap.Error(err))
			}
		}
	}
}

// executeOnce assembles a fresh pipeline, runs it to its terminal state,
// and prints the outcome.
func executeOnce(ctx context.Context, sess *session) error {
	p, err := services.New(ctx, sess.cfg, sess.target, sess.logger)
	if err != nil {
		return fmt.Errorf("assemble pipeline: %w", err)
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			sess.logger.Warn(ctx, "pipeline close failed", zap.Error(cerr))
		}
	}()

	var dashCh chan engine.RunState
	var prog *tea.Program
	if sess.dashboard {
		dashCh = make(chan engine.RunState, progressBuffer)
		prog = tea.NewProgram(dashboard.New(dashCh))
	}

	p.Engine.OnProgress(func(snap engine.RunState) {
		if sess.status != nil {
			sess.status.Observe(snap)
		}
		if dashCh != nil {
			// Drop snapshots rather than stall the engine on a slow UI.
			select {
			case dashCh <- snap:
			default:
			}
		}
	})

	var state *engine.RunState
	var runErr error
	if prog != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			state, runErr = p.Engine.Run(ctx)
			close(dashCh)
		}()
		// Quitting the view does not stop the run; the outcome still
		// prints once the engine finishes.
		if _, uiErr := prog.Run(); uiErr != nil {
			sess.logger.Warn(ctx, "dashboard failed", zap.Error(uiErr))
		}
		<-done
	} else {
		state, runErr = p.Engine.Run(ctx)
	}

	return reportOutcome(os.Stdout, state, runErr)
}

// reportOutcome prints the terminal banner and maps the run result onto
// the process exit contract: nil for success and dry runs, an error for
// everything else.
func reportOutcome(w io.Writer, state *engine.RunState, runErr error) error {
	if state == nil || state.TerminalResult == nil {
		if runErr != nil {
			return runErr
		}
		return errors.New("run ended without a terminal result")
	}

	res := state.TerminalResult
	switch {
	case res.Reason == engine.ReasonDryRun:
		fmt.Fprintln(w, renderPlan(state))
		return nil
	case res.Success:
		fmt.Fprintln(w, renderSuccess(state))
		return nil
	case res.Reason == engine.ReasonExhausted:
		fmt.Fprintln(w, renderExhausted(state))
		return fmt.Errorf("validation still failing after %d fix iteration(s)", res.IterationsUsed)
	case res.Reason == engine.ReasonNoFiles:
		return fmt.Errorf("no Python files found under %s", state.TargetRoot)
	case res.Reason == engine.ReasonAborted:
		return errors.New("run aborted")
	default:
		if res.Error != "" {
			return fmt.Errorf("run failed: %s", res.Error)
		}
		if runErr != nil {
			return runErr
		}
		return errors.New("run failed")
	}
}

// Outcome banner styles (same palette as the dashboard).
var (
	okBanner = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("46")).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("46")).
			Padding(0, 2)

	failBanner = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("196")).
			Padding(0, 2)

	planHeading = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("51"))
	planFile    = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	dimText     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func renderSuccess(state *engine.RunState) string {
	res := state.TerminalResult
	lines := []string{
		fmt.Sprintf("✓ run %s: validation passed", state.RunID),
		fmt.Sprintf("fix iterations: %d   patches applied: %d", res.IterationsUsed, len(state.AppliedFixes)),
	}
	if v := res.Verdict; v != nil {
		line := fmt.Sprintf("tests: %d/%d passing", v.Stats.Passed, v.Stats.Total)
		if score, ok := meanScore(v); ok {
			line += fmt.Sprintf("   quality: %.1f/10", score)
		}
		lines = append(lines, line)
	}
	return okBanner.Render(strings.Join(lines, "\n"))
}

func renderExhausted(state *engine.RunState) string {
	res := state.TerminalResult
	lines := []string{
		fmt.Sprintf("✗ run %s: still failing after %d fix iteration(s)", state.RunID, res.IterationsUsed),
	}
	if v := res.Verdict; v != nil {
		if v.Stats.Total > 0 {
			lines = append(lines, fmt.Sprintf("tests: %d/%d passing", v.Stats.Passed, v.Stats.Total))
		}
		for i, f := range v.FailingTests {
			if i == maxFailuresShown {
				lines = append(lines, fmt.Sprintf("  … and %d more", len(v.FailingTests)-maxFailuresShown))
				break
			}
			lines = append(lines, "  "+f.String())
		}
	}
	if n := len(state.AppliedFixes); n > 0 {
		lines = append(lines, fmt.Sprintf("%d partial patch(es) remain on disk; originals are in the backup dir", n))
	}
	return failBanner.Render(strings.Join(lines, "\n"))
}

func renderPlan(state *engine.RunState) string {
	issues := 0
	if state.Plan != nil {
		issues = len(state.Plan.Issues)
	}
	head := planHeading.Render(fmt.Sprintf("audit: %d issue(s) across %d file(s)", issues, len(state.DiscoveredFiles)))
	if issues == 0 {
		return head + "\n" + dimText.Render("nothing to fix")
	}

	var b strings.Builder
	b.WriteString(head)
	for _, issue := range state.Plan.Issues {
		b.WriteString("\n" + planFile.Render(issue.File) + ": " + issue.Description)
		if issue.SuggestedFix != "" {
			b.WriteString("\n" + dimText.Render("    fix: "+issue.SuggestedFix))
		}
	}
	return b.String()
}

// meanScore averages the known per-file pylint scores of a verdict.
func meanScore(v *validate.Verdict) (float64, bool) {
	var sum float64
	var n int
	for _, fs := range v.FileScores {
		if fs.ScoreKnown {
			sum += fs.Score
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
