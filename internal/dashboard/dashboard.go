// Package dashboard renders a live terminal view of one refactoring run.
//
// The model consumes the same state snapshots the status server serves:
// the CLI forwards the engine's progress callback into a channel and the
// dashboard re-renders on every message. Closing the channel ends the
// program.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/codemend/internal/engine"
	"github.com/fyrsmithlabs/codemend/internal/validate"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	logWidth        = 76
	logHeight       = 8
	maxEvents       = 200
)

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// Model is the BubbleTea model for the run dashboard.
type Model struct {
	snapshots <-chan engine.RunState

	state      *engine.RunState
	lastUpdate time.Time
	quitting   bool

	// Derived view state. validations and fixes track how much of the
	// snapshot history has already been turned into events.
	scores      []float64
	events      []string
	validations int
	fixes       int

	iterProgress progress.Model
	spin         spinner.Model
	log          viewport.Model
}

// New creates the dashboard model reading snapshots from ch. The channel
// must be closed once the run finishes so the program exits on its own.
func New(ch <-chan engine.RunState) Model {
	iterProg := progress.New(
		progress.WithGradient("#00ffff", "#ff00ff"),
		progress.WithWidth(40),
	)

	spin := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(sparklineStyle),
	)

	log := viewport.New(logWidth, logHeight)

	return Model{
		snapshots:    ch,
		scores:       make([]float64, 0, historySize),
		iterProgress: iterProg,
		spin:         spin,
		log:          log,
	}
}

// Message types
type snapshotMsg engine.RunState
type streamClosedMsg struct{}

// waitForSnapshot blocks on the snapshot channel and converts the next
// value (or the close) into a message.
func waitForSnapshot(ch <-chan engine.RunState) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

// Init starts the spinner and the snapshot reader.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, waitForSnapshot(m.snapshots))
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		// Remaining keys scroll the event log.
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case snapshotMsg:
		m.absorb(engine.RunState(msg))
		return m, waitForSnapshot(m.snapshots)

	case streamClosedMsg:
		return m, tea.Quit
	}

	return m, nil
}

// absorb folds a snapshot into the view state, deriving log events from
// what changed since the previous one.
func (m *Model) absorb(snap engine.RunState) {
	if n := countValidations(snap); n > m.validations {
		m.validations = n
		if score, ok := averageScore(snap.LastVerdict); ok {
			m.scores = appendToHistory(m.scores, score)
		}
		if snap.LastVerdict != nil {
			m.pushEvent(verdictEvent(snap.LastVerdict))
		}
	}

	for _, fix := range snap.AppliedFixes[m.fixes:] {
		m.pushEvent(fmt.Sprintf("patched %s (iteration %d)", fix.File, fix.Iteration))
	}
	m.fixes = len(snap.AppliedFixes)

	if snap.Phase != engine.PhaseTerminal && (m.state == nil || m.state.Phase != snap.Phase) {
		m.pushEvent(fmt.Sprintf("entering %s", snap.Phase))
	}
	if snap.TerminalResult != nil && (m.state == nil || m.state.TerminalResult == nil) {
		m.pushEvent(fmt.Sprintf("run finished: %s", snap.TerminalResult.Reason))
	}

	m.state = &snap
	m.lastUpdate = time.Now()
	m.log.SetContent(strings.Join(m.events, "\n"))
	m.log.GotoBottom()
}

func (m *Model) pushEvent(text string) {
	line := dimStyle.Render(time.Now().Format("15:04:05")) + " " + text
	m.events = append(m.events, line)
	if len(m.events) > maxEvents {
		m.events = m.events[1:]
	}
}

// countValidations counts validate visits recorded in the history.
func countValidations(snap engine.RunState) int {
	n := 0
	for _, h := range snap.History {
		if h.Phase == engine.PhaseValidate {
			n++
		}
	}
	return n
}

// averageScore averages the known per-file quality scores of a verdict.
func averageScore(v *validate.Verdict) (float64, bool) {
	if v == nil || len(v.FileScores) == 0 {
		return 0, false
	}
	var sum float64
	n := 0
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

func verdictEvent(v *validate.Verdict) string {
	if v.Success {
		return "validation passed"
	}
	if !v.TestsPassed && v.Stats.Failed > 0 {
		return fmt.Sprintf("validation failed: %d of %d test(s) failing", v.Stats.Failed, v.Stats.Total)
	}
	if !v.TestsPassed {
		return "validation failed: test run did not pass"
	}
	return "validation failed: quality gate below threshold"
}

// appendToHistory appends a value to history, maintaining max size.
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data.
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}

	return sparklineStyle.Render(spark.View())
}

// statusBadge renders the run status for the header line.
func statusBadge(state *engine.RunState, spin spinner.Model) string {
	if state == nil || state.TerminalResult == nil {
		return runningStyle.Render(spin.View() + "RUNNING")
	}
	res := state.TerminalResult
	label := strings.ToUpper(string(res.Reason))
	if res.Success {
		return healthyStyle.Render("✓ " + label)
	}
	return errorStyle.Render("✗ " + label)
}

// phaseTrail renders the phase sequence with the current one highlighted.
func phaseTrail(state *engine.RunState) string {
	parts := make([]string, 0, len(engine.AllPhases()))
	visited := map[engine.Phase]bool{}
	for _, h := range state.History {
		visited[h.Phase] = true
	}
	for _, p := range engine.AllPhases() {
		name := string(p)
		switch {
		case p == state.Phase && state.TerminalResult == nil:
			parts = append(parts, valueStyle.Render("▸ "+name))
		case visited[p] || (p == engine.PhaseTerminal && state.TerminalResult != nil):
			parts = append(parts, healthyStyle.Render("✓ ")+labelStyle.Render(name))
		default:
			parts = append(parts, dimStyle.Render("  "+name))
		}
	}
	return strings.Join(parts, dimStyle.Render("  "))
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.state == nil {
		return m.renderWaiting()
	}
	return m.renderRun()
}

func (m Model) renderWaiting() string {
	header := headerStyle.Render(" codemend Run ")

	var content string
	content += header + "\n\n"
	content += m.spin.View() + dimStyle.Render("waiting for the run to start") + "\n"
	content += "\n" + footerKeyStyle.Render("[q]") + footerStyle.Render(" quit")

	return containerStyle.Render(content)
}

func (m Model) renderRun() string {
	state := m.state
	var content string

	// Header with status badge
	lastUpdateStr := "never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("15:04:05")
	}
	content += headerStyle.Render(" codemend Run ") + "\n"
	content += fmt.Sprintf("%s   %s %s   %s\n",
		statusBadge(state, m.spin),
		dimStyle.Render("updated"),
		valueStyle.Render(lastUpdateStr),
		dimStyle.Render(state.RunID))
	content += labelStyle.Render("Target: ") + valueStyle.Render(state.TargetRoot) + "\n"

	// Phase progress
	content += "\n" + sectionStyle.Render("┃ Phases") + "\n"
	content += "  " + phaseTrail(state) + "\n"

	iterRatio := 0.0
	if state.MaxIterations > 0 {
		iterRatio = float64(state.FixAttempts) / float64(state.MaxIterations)
		if iterRatio > 1.0 {
			iterRatio = 1.0
		}
	}
	content += labelStyle.Render("  Fix budget: ") +
		m.iterProgress.ViewAs(iterRatio) +
		" " + dimStyle.Render(fmt.Sprintf("%d/%d", state.FixAttempts, state.MaxIterations)) + "\n"

	// Quality section with sparkline
	content += "\n" + sectionStyle.Render("┃ Quality") + "\n"

	scoreStr := "no score yet"
	if len(m.scores) > 0 {
		scoreStr = fmt.Sprintf("%.1f / 10", m.scores[len(m.scores)-1])
	}
	content += labelStyle.Render("  Score: ") +
		valueStyle.Render(scoreStr) +
		"   " + createSparkline(m.scores) + "\n"

	if v := state.LastVerdict; v != nil {
		testsBadge := errorStyle.Render("[✗]")
		if v.TestsPassed {
			testsBadge = healthyStyle.Render("[✓]")
		}
		content += labelStyle.Render("  Tests: ") +
			valueStyle.Render(fmt.Sprintf("%d/%d passing", v.Stats.Passed, v.Stats.Total)) +
			" " + testsBadge + "\n"
	}

	// Event log
	content += "\n" + sectionStyle.Render("┃ Events") + "\n"
	content += m.log.View() + "\n"

	// Footer
	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[↑/↓]") + footerStyle.Render(" scroll events")
	content += "\n" + footer

	return containerStyle.Render(content)
}
