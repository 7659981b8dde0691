package validate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codemend/internal/config"
	"github.com/fyrsmithlabs/codemend/internal/inspect"
	"github.com/fyrsmithlabs/codemend/internal/journal"
	"github.com/fyrsmithlabs/codemend/internal/logging"
	"github.com/fyrsmithlabs/codemend/internal/sandbox"
	"github.com/fyrsmithlabs/codemend/internal/testrun"
	"github.com/fyrsmithlabs/codemend/internal/toolexec"
	"github.com/fyrsmithlabs/codemend/pkg/pylint"
	"github.com/fyrsmithlabs/codemend/pkg/pytest"
)

// MockRunner is a mock implementation of testrun.Runner.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, dir string) (*testrun.Result, error) {
	args := m.Called(ctx, dir)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*testrun.Result), args.Error(1)
}

// MockInspector is a mock implementation of inspect.Inspector.
type MockInspector struct {
	mock.Mock
}

func (m *MockInspector) Inspect(ctx context.Context, dir, file string) (*inspect.Result, error) {
	args := m.Called(ctx, dir, file)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*inspect.Result), args.Error(1)
}

type captureSink struct {
	records []journal.Record
}

func (c *captureSink) Emit(_ context.Context, rec journal.Record) error {
	c.records = append(c.records, rec)
	return nil
}

func (c *captureSink) Close() error { return nil }

func testStore(t *testing.T) sandbox.Store {
	t.Helper()
	cfg := sandbox.DefaultConfig()
	cfg.Root = t.TempDir()
	store, err := sandbox.New(cfg, logging.NewNop())
	require.NoError(t, err)
	return store
}

func inspectorConfig() config.InspectorConfig {
	return config.InspectorConfig{
		Binary:            "pylint",
		QualityThreshold:  8.0,
		MaxReportedIssues: 5,
	}
}

func passingRun() *testrun.Result {
	return &testrun.Result{
		Success: true,
		Stats:   pytest.Stats{Passed: 3, Total: 3},
		Output:  "3 passed in 0.12s",
	}
}

func scoredResult(file string, score float64) *inspect.Result {
	return &inspect.Result{File: file, Report: pylint.Report{Score: score, ScoreKnown: true}}
}

func TestNewService_Validation(t *testing.T) {
	store := testStore(t)
	runner := &MockRunner{}
	inspector := &MockInspector{}
	logger := logging.NewNop()

	tests := []struct {
		name      string
		cfg       config.InspectorConfig
		store     sandbox.Store
		runner    testrun.Runner
		inspector inspect.Inspector
		logger    *logging.Logger
		wantErr   string
	}{
		{"missing store", inspectorConfig(), nil, runner, inspector, logger, "store is required"},
		{"missing runner", inspectorConfig(), store, nil, inspector, logger, "test runner is required"},
		{"missing inspector", inspectorConfig(), store, runner, nil, logger, "inspector is required"},
		{"missing logger", inspectorConfig(), store, runner, inspector, nil, "logger is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(tt.cfg, tt.store, tt.runner, tt.inspector, nil, tt.logger)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("inspector optional when gate disabled", func(t *testing.T) {
		cfg := inspectorConfig()
		cfg.SkipQualityGate = true
		_, err := NewService(cfg, store, runner, nil, nil, logger)
		require.NoError(t, err)
	})
}

func TestService_Validate_TestFailureSkipsQuality(t *testing.T) {
	failures := []pytest.Failure{
		{File: "test_calc.py", TestName: "test_div", ErrorLine: "ZeroDivisionError: division by zero"},
	}
	runner := &MockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).Return(&testrun.Result{
		Success:  false,
		ExitCode: 1,
		Stats:    pytest.Stats{Passed: 2, Failed: 1, Total: 3},
		Failures: failures,
		Output:   "1 failed, 2 passed",
	}, nil)
	inspector := &MockInspector{}
	sink := &captureSink{}
	recorder := journal.NewRecorder("run-1", sink, logging.NewNop())

	svc, err := NewService(inspectorConfig(), testStore(t), runner, inspector, recorder, logging.NewNop())
	require.NoError(t, err)

	verdict, err := svc.Validate(context.Background(), []string{"calculator.py"})
	require.NoError(t, err)
	assert.False(t, verdict.Success)
	assert.False(t, verdict.TestsPassed)
	assert.True(t, verdict.QualitySkipped)
	assert.Equal(t, failures, verdict.FailingTests)
	inspector.AssertNotCalled(t, "Inspect", mock.Anything, mock.Anything, mock.Anything)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, journal.AgentValidator, rec.Agent)
	assert.Equal(t, journal.ActionValidation, rec.ActionKind)
	assert.Equal(t, journal.StatusFailed, rec.Status)
	assert.Equal(t, false, rec.Details["all_tests_passed"])
}

func TestService_Validate_AllGatesPass(t *testing.T) {
	runner := &MockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).Return(passingRun(), nil)
	inspector := &MockInspector{}
	inspector.On("Inspect", mock.Anything, mock.Anything, "calculator.py").Return(scoredResult("calculator.py", 9.1), nil)
	inspector.On("Inspect", mock.Anything, mock.Anything, "shapes.py").Return(scoredResult("shapes.py", 8.0), nil)
	sink := &captureSink{}
	recorder := journal.NewRecorder("run-1", sink, logging.NewNop())

	svc, err := NewService(inspectorConfig(), testStore(t), runner, inspector, recorder, logging.NewNop())
	require.NoError(t, err)

	verdict, err := svc.Validate(context.Background(), []string{"calculator.py", "shapes.py"})
	require.NoError(t, err)
	assert.True(t, verdict.Success)
	assert.True(t, verdict.TestsPassed)
	assert.False(t, verdict.QualitySkipped)
	assert.Empty(t, verdict.FailingTests)
	runner.AssertExpectations(t)
	inspector.AssertExpectations(t)

	require.Len(t, verdict.FileScores, 2)
	assert.Equal(t, "calculator.py", verdict.FileScores[0].File)
	assert.Equal(t, "shapes.py", verdict.FileScores[1].File)
	assert.True(t, verdict.FileScores[0].Passed)
	assert.True(t, verdict.FileScores[1].Passed)

	require.Len(t, sink.records, 1)
	assert.Equal(t, journal.StatusSuccess, sink.records[0].Status)
	scores, ok := sink.records[0].Details["pylint_scores"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 9.1, scores["calculator.py"])
}

func TestService_Validate_QualityFailureSynthesizesPseudoFailure(t *testing.T) {
	msgs := make([]pylint.Message, 0, 7)
	for i := 0; i < 7; i++ {
		msgs = append(msgs, pylint.Message{
			Type:      pylint.TypeConvention,
			Path:      "calculator.py",
			Line:      i + 1,
			MessageID: fmt.Sprintf("C010%d", i),
			Message:   fmt.Sprintf("convention issue %d", i),
			Symbol:    "some-symbol",
		})
	}
	runner := &MockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).Return(passingRun(), nil)
	inspector := &MockInspector{}
	inspector.On("Inspect", mock.Anything, mock.Anything, "calculator.py").Return(&inspect.Result{
		File: "calculator.py",
		Report: pylint.Report{
			Score:       6.5,
			ScoreKnown:  true,
			Conventions: msgs,
		},
	}, nil)
	inspector.On("Inspect", mock.Anything, mock.Anything, "shapes.py").Return(scoredResult("shapes.py", 10), nil)

	cfg := inspectorConfig()
	cfg.MaxReportedIssues = 2
	svc, err := NewService(cfg, testStore(t), runner, inspector, nil, logging.NewNop())
	require.NoError(t, err)

	verdict, err := svc.Validate(context.Background(), []string{"calculator.py", "shapes.py"})
	require.NoError(t, err)
	assert.False(t, verdict.Success)
	assert.True(t, verdict.TestsPassed)

	require.Len(t, verdict.FailingTests, 1)
	f := verdict.FailingTests[0]
	assert.Equal(t, QualityGateFile, f.File)
	assert.Equal(t, "quality_threshold", f.TestName)
	assert.Contains(t, f.ErrorLine, "calculator.py scored 6.50/10 (threshold 8.00)")
	assert.Contains(t, f.ErrorLine, "convention issue 0")
	assert.Contains(t, f.ErrorLine, "convention issue 1")
	assert.NotContains(t, f.ErrorLine, "convention issue 2")
	assert.Contains(t, f.ErrorLine, "(+5 more)")

	// shapes.py passed its gate and stays out of the text.
	assert.NotContains(t, f.ErrorLine, "shapes.py")
}

func TestService_Validate_UnknownScoreFailsGate(t *testing.T) {
	runner := &MockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).Return(passingRun(), nil)
	inspector := &MockInspector{}
	inspector.On("Inspect", mock.Anything, mock.Anything, "broken.py").Return(&inspect.Result{
		File:   "broken.py",
		Report: pylint.Report{ScoreKnown: false},
	}, nil)

	svc, err := NewService(inspectorConfig(), testStore(t), runner, inspector, nil, logging.NewNop())
	require.NoError(t, err)

	verdict, err := svc.Validate(context.Background(), []string{"broken.py"})
	require.NoError(t, err)
	assert.False(t, verdict.Success)
	require.Len(t, verdict.FailingTests, 1)
	assert.Contains(t, verdict.FailingTests[0].ErrorLine, "broken.py could not be scored")
}

func TestService_Validate_GateDisabled(t *testing.T) {
	runner := &MockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).Return(passingRun(), nil)
	cfg := inspectorConfig()
	cfg.SkipQualityGate = true

	svc, err := NewService(cfg, testStore(t), runner, nil, nil, logging.NewNop())
	require.NoError(t, err)

	verdict, err := svc.Validate(context.Background(), []string{"calculator.py"})
	require.NoError(t, err)
	assert.True(t, verdict.Success)
	assert.True(t, verdict.QualitySkipped)
	assert.Empty(t, verdict.FileScores)
}

func TestService_Validate_RunnerInfrastructureError(t *testing.T) {
	runner := &MockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("run tests: %w", toolexec.ErrToolUnavailable))
	inspector := &MockInspector{}

	svc, err := NewService(inspectorConfig(), testStore(t), runner, inspector, nil, logging.NewNop())
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), []string{"calculator.py"})
	require.ErrorIs(t, err, toolexec.ErrToolUnavailable)
	inspector.AssertNotCalled(t, "Inspect", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_Validate_InspectorInfrastructureError(t *testing.T) {
	runner := &MockRunner{}
	runner.On("Run", mock.Anything, mock.Anything).Return(passingRun(), nil)
	inspector := &MockInspector{}
	inspector.On("Inspect", mock.Anything, mock.Anything, mock.Anything).Return(nil, fmt.Errorf("inspect: %w", toolexec.ErrToolTimeout))

	svc, err := NewService(inspectorConfig(), testStore(t), runner, inspector, nil, logging.NewNop())
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), []string{"calculator.py"})
	require.ErrorIs(t, err, toolexec.ErrToolTimeout)
}
