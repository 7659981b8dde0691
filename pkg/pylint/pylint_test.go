package pylint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `[
  {
    "type": "convention",
    "module": "calculator",
    "obj": "",
    "line": 1,
    "column": 0,
    "path": "calculator.py",
    "symbol": "missing-module-docstring",
    "message": "Missing module docstring",
    "message-id": "C0114"
  },
  {
    "type": "error",
    "module": "calculator",
    "obj": "divide",
    "line": 12,
    "column": 4,
    "path": "calculator.py",
    "symbol": "undefined-variable",
    "message": "Undefined variable 'resutl'",
    "message-id": "E0602"
  },
  {
    "type": "warning",
    "module": "calculator",
    "obj": "add",
    "line": 4,
    "column": 8,
    "path": "calculator.py",
    "symbol": "unused-variable",
    "message": "Unused variable 'tmp'",
    "message-id": "W0612"
  },
  {
    "type": "refactor",
    "module": "calculator",
    "obj": "compute",
    "line": 20,
    "column": 0,
    "path": "calculator.py",
    "symbol": "too-many-branches",
    "message": "Too many branches (15/12)",
    "message-id": "R0912"
  },
  {
    "type": "fatal",
    "module": "calculator",
    "obj": "",
    "line": 1,
    "column": 0,
    "path": "calculator.py",
    "symbol": "astroid-error",
    "message": "internal error",
    "message-id": "F0002"
  }
]`

const sampleText = `************* Module calculator
calculator.py:1:0: C0114: Missing module docstring (missing-module-docstring)
calculator.py:12:4: E0602: Undefined variable 'resutl' (undefined-variable)

------------------------------------------------------------------
Your code has been rated at 6.15/10 (previous run: 5.00/10, +1.15)

`

func TestParseMessages(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCount int
		wantErr   bool
	}{
		{
			name:      "full message array",
			input:     sampleJSON,
			wantCount: 5,
		},
		{
			name:      "empty output means clean file",
			input:     "",
			wantCount: 0,
		},
		{
			name:      "whitespace only",
			input:     "  \n\t",
			wantCount: 0,
		},
		{
			name:      "empty array",
			input:     "[]",
			wantCount: 0,
		},
		{
			name:    "truncated JSON",
			input:   `[{"type": "error", "path": "a.py"`,
			wantErr: true,
		},
		{
			name:    "text output fed to JSON parser",
			input:   "************* Module calculator",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := ParseMessages([]byte(tt.input))

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedOutput)
				return
			}
			require.NoError(t, err)
			assert.Len(t, msgs, tt.wantCount)
		})
	}
}

func TestParseMessages_FieldDecoding(t *testing.T) {
	msgs, err := ParseMessages([]byte(sampleJSON))
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	errMsg := msgs[1]
	assert.Equal(t, "error", errMsg.Type)
	assert.Equal(t, "calculator.py", errMsg.Path)
	assert.Equal(t, 12, errMsg.Line)
	assert.Equal(t, 4, errMsg.Column)
	assert.Equal(t, "E0602", errMsg.MessageID)
	assert.Equal(t, "undefined-variable", errMsg.Symbol)
	assert.Equal(t, "Undefined variable 'resutl'", errMsg.Message)
}

func TestExtractScore(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantScore float64
		wantKnown bool
	}{
		{
			name:      "standard rating line",
			input:     sampleText,
			wantScore: 6.15,
			wantKnown: true,
		},
		{
			name:      "perfect score without previous run",
			input:     "Your code has been rated at 10.00/10\n",
			wantScore: 10.00,
			wantKnown: true,
		},
		{
			name:      "negative score",
			input:     "Your code has been rated at -3.33/10 (previous run: 0.00/10, -3.33)",
			wantScore: -3.33,
			wantKnown: true,
		},
		{
			name:      "no rating line",
			input:     "************* Module calculator\ncalculator.py:1:0: E0001: invalid syntax (syntax-error)",
			wantKnown: false,
		},
		{
			name:      "empty output",
			input:     "",
			wantKnown: false,
		},
		{
			name:      "rating line with garbage score",
			input:     "Your code has been rated at banana/10",
			wantKnown: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, known := ExtractScore(tt.input)

			assert.Equal(t, tt.wantKnown, known)
			if tt.wantKnown {
				assert.InDelta(t, tt.wantScore, score, 0.001)
			}
		})
	}
}

func TestBuildReport(t *testing.T) {
	msgs, err := ParseMessages([]byte(sampleJSON))
	require.NoError(t, err)

	report := BuildReport(msgs, sampleText)

	assert.True(t, report.ScoreKnown)
	assert.InDelta(t, 6.15, report.Score, 0.001)
	assert.Len(t, report.Errors, 1)
	assert.Len(t, report.Warnings, 1)
	assert.Len(t, report.Conventions, 1)
	assert.Len(t, report.Refactors, 1)

	// The fatal message is not categorized.
	assert.Equal(t, 4, report.TotalIssues())
}

func TestBuildReport_CleanFile(t *testing.T) {
	report := BuildReport(nil, "Your code has been rated at 10.00/10\n")

	assert.True(t, report.ScoreKnown)
	assert.InDelta(t, 10.0, report.Score, 0.001)
	assert.Equal(t, 0, report.TotalIssues())
	assert.Empty(t, report.AllMessages())
}

func TestReport_AllMessages_SeverityOrder(t *testing.T) {
	msgs, err := ParseMessages([]byte(sampleJSON))
	require.NoError(t, err)

	report := BuildReport(msgs, sampleText)
	all := report.AllMessages()

	require.Len(t, all, 4)
	assert.Equal(t, "error", all[0].Type)
	assert.Equal(t, "warning", all[1].Type)
	assert.Equal(t, "convention", all[2].Type)
	assert.Equal(t, "refactor", all[3].Type)
}

func TestReport_Summary(t *testing.T) {
	tests := []struct {
		name   string
		report Report
		want   string
	}{
		{
			name:   "score unknown",
			report: Report{},
			want:   "Unable to determine score",
		},
		{
			name:   "excellent",
			report: Report{Score: 9.5, ScoreKnown: true},
			want:   "Excellent code quality",
		},
		{
			name:   "good",
			report: Report{Score: 7.2, ScoreKnown: true},
			want:   "Good code quality",
		},
		{
			name:   "needs improvement",
			report: Report{Score: 5.0, ScoreKnown: true},
			want:   "Needs improvement",
		},
		{
			name:   "poor",
			report: Report{Score: 2.1, ScoreKnown: true},
			want:   "Poor code quality",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, tt.report.Summary(), tt.want)
		})
	}
}

func TestMessage_String(t *testing.T) {
	m := Message{
		Type:      "error",
		Path:      "calculator.py",
		Line:      12,
		Column:    4,
		MessageID: "E0602",
		Symbol:    "undefined-variable",
		Message:   "Undefined variable 'resutl'",
	}

	assert.Equal(t, "calculator.py:12:4: E0602: Undefined variable 'resutl' (undefined-variable)", m.String())
}
