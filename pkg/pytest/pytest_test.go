package pytest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mixedRunOutput = `collected 4 items

tests/test_calculator.py::test_add PASSED                                [ 25%]
tests/test_calculator.py::test_sub PASSED                                [ 50%]
tests/test_calculator.py::test_div FAILED                                [ 75%]
tests/test_calculator.py::TestEdge::test_zero FAILED                     [100%]

=================================== FAILURES ===================================
___________________________________ test_div ___________________________________
tests/test_calculator.py:14: in test_div
    assert divide(1, 0) == 0
calculator.py:9: in divide
    return a / b
E   ZeroDivisionError: division by zero
=========================== short test summary info ============================
FAILED tests/test_calculator.py::test_div - ZeroDivisionError: division by zero
FAILED tests/test_calculator.py::TestEdge::test_zero - assert 1 == 2
========================= 2 failed, 2 passed in 0.12s ==========================
`

func TestParseStats(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Stats
	}{
		{
			name:   "all passed",
			output: "========================== 3 passed in 0.04s ==========================\n",
			want:   Stats{Passed: 3, Total: 3},
		},
		{
			name:   "failed listed before passed",
			output: mixedRunOutput,
			want:   Stats{Passed: 2, Failed: 2, Total: 4},
		},
		{
			name:   "collection errors only",
			output: "=============================== 2 errors in 0.15s ===============================\n",
			want:   Stats{Errors: 2, Total: 2},
		},
		{
			name:   "passed with skips",
			output: "==================== 5 passed, 2 skipped in 0.21s ====================\n",
			want:   Stats{Passed: 5, Skipped: 2, Total: 5},
		},
		{
			name:   "full mix",
			output: "========== 1 failed, 3 passed, 1 skipped, 1 error in 0.33s ==========\n",
			want:   Stats{Passed: 3, Failed: 1, Errors: 1, Skipped: 1, Total: 5},
		},
		{
			name:   "no tests ran",
			output: "========================= no tests ran in 0.01s =========================\n",
			want:   Stats{},
		},
		{
			name:   "empty output",
			output: "",
			want:   Stats{},
		},
		{
			name: "summary bar wins over captured test output",
			output: "tests/test_report.py::test_banner PASSED\n" +
				"note: 99 passed previously\n" +
				"========================== 1 passed in 0.01s ==========================\n",
			want: Stats{Passed: 1, Total: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStats(tt.output))
		})
	}
}

func TestExtractFailures(t *testing.T) {
	failures := ExtractFailures(mixedRunOutput)
	require.Len(t, failures, 2)

	assert.Equal(t, "tests/test_calculator.py", failures[0].File)
	assert.Equal(t, "test_div", failures[0].TestName)
	assert.Equal(t, "ZeroDivisionError: division by zero", failures[0].ErrorLine)

	// Class-scoped tests keep the class in the test name, not the file.
	assert.Equal(t, "tests/test_calculator.py", failures[1].File)
	assert.Equal(t, "TestEdge::test_zero", failures[1].TestName)
	assert.Equal(t, "assert 1 == 2", failures[1].ErrorLine)
}

func TestExtractFailures_NoTrailingError(t *testing.T) {
	output := "FAILED tests/test_a.py::test_x\n"

	failures := ExtractFailures(output)
	require.Len(t, failures, 1)
	assert.Equal(t, "tests/test_a.py", failures[0].File)
	assert.Equal(t, "test_x", failures[0].TestName)
	assert.Equal(t, "FAILED tests/test_a.py::test_x", failures[0].ErrorLine)
}

func TestExtractFailures_SkipsNonLocators(t *testing.T) {
	output := `FAILED tests/test_a.py
FAILED - something went wrong
tests/test_a.py::test_x FAILED [100%]
`

	assert.Empty(t, ExtractFailures(output))
}

func TestExtractFailures_EmptyOutput(t *testing.T) {
	assert.Empty(t, ExtractFailures(""))
}

func TestOpaqueFailure(t *testing.T) {
	f := OpaqueFailure()

	assert.Equal(t, "unknown", f.File)
	assert.Equal(t, "unknown", f.TestName)
	assert.Contains(t, f.ErrorLine, "no structured failure")
}

func TestStats_Summary(t *testing.T) {
	tests := []struct {
		name     string
		stats    Stats
		exitCode int
		want     []string
	}{
		{
			name:  "no tests collected",
			stats: Stats{},
			want:  []string{"No tests found or collected"},
		},
		{
			name:     "all passed",
			stats:    Stats{Passed: 3, Total: 3},
			exitCode: 0,
			want:     []string{"Total: 3 tests", "Passed: 3", "All tests passed"},
		},
		{
			name:     "mixed failure",
			stats:    Stats{Passed: 2, Failed: 1, Skipped: 1, Total: 3},
			exitCode: 1,
			want:     []string{"Failed: 1", "Skipped: 1", "Some tests failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := tt.stats.Summary(tt.exitCode)
			for _, want := range tt.want {
				assert.Contains(t, summary, want)
			}
		})
	}
}

func TestIsTestFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"test_calculator.py", true},
		{"calculator_test.py", true},
		{"tests/test_utils.py", true},
		{"deep/nested/thing_test.py", true},
		{`win\path\test_x.py`, true},
		{"calculator.py", false},
		{"conftest.py", false},
		{"testing.py", false},
		{"src/latest_report.py", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTestFile(tt.path))
		})
	}
}

func TestFailure_String(t *testing.T) {
	f := Failure{File: "tests/test_a.py", TestName: "test_x", ErrorLine: "assert 1 == 2"}
	assert.Equal(t, "tests/test_a.py::test_x: assert 1 == 2", f.String())
}
