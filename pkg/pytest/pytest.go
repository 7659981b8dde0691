// Package pytest parses pytest terminal output into structured results.
//
// Two things are scraped from a run's combined stdout+stderr: the summary
// bar counts ("== 1 failed, 2 passed in 0.03s ==") and the short-test-summary
// FAILED lines ("FAILED tests/test_calc.py::test_div - ZeroDivisionError").
// This package parses output only; process execution lives elsewhere.
//
// Example:
//
//	stats := pytest.ParseStats(output)
//	failures := pytest.ExtractFailures(output)
//	if exitCode != 0 && len(failures) == 0 {
//	    failures = []pytest.Failure{pytest.OpaqueFailure()}
//	}
package pytest

import (
	"fmt"
	"strconv"
	"strings"
)

// failedMarker prefixes each entry in pytest's short test summary section.
const failedMarker = "FAILED "

// Stats are the run counts scraped from the pytest summary bar.
//
// Total counts passed, failed, and errored tests; skips are reported but
// do not contribute to the total.
type Stats struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

// Summary renders a short human-readable digest of the run.
func (s Stats) Summary(exitCode int) string {
	if s.Total == 0 {
		return "No tests found or collected"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Total: %d tests", s.Total)
	if s.Passed > 0 {
		fmt.Fprintf(&b, " | Passed: %d", s.Passed)
	}
	if s.Failed > 0 {
		fmt.Fprintf(&b, " | Failed: %d", s.Failed)
	}
	if s.Errors > 0 {
		fmt.Fprintf(&b, " | Errors: %d", s.Errors)
	}
	if s.Skipped > 0 {
		fmt.Fprintf(&b, " | Skipped: %d", s.Skipped)
	}

	if exitCode == 0 {
		b.WriteString("\nAll tests passed")
	} else {
		b.WriteString("\nSome tests failed, review output for details")
	}
	return b.String()
}

// Failure identifies one failing test extracted from pytest output.
type Failure struct {
	File      string `json:"file"`
	TestName  string `json:"test_name"`
	ErrorLine string `json:"error_line"`
}

// String renders the failure as a pytest-style locator with its error.
func (f Failure) String() string {
	return fmt.Sprintf("%s::%s: %s", f.File, f.TestName, f.ErrorLine)
}

// OpaqueFailure returns the single synthetic record used when a run failed
// but no FAILED markers could be parsed from its output. Downstream
// consumers always receive at least one failure to act on.
func OpaqueFailure() Failure {
	return Failure{
		File:      "unknown",
		TestName:  "unknown",
		ErrorLine: "test run failed but no structured failure could be extracted from pytest output",
	}
}

// ParseStats scrapes test counts from pytest output.
//
// Counts are taken from "<n> <keyword>" token pairs on lines mentioning a
// count keyword, e.g. "== 1 failed, 2 passed, 1 skipped in 0.03s ==". The
// summary bar is the last such line, so later lines win over stray matches
// in captured test output.
func ParseStats(output string) Stats {
	var s Stats
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "passed") && !strings.Contains(line, "failed") &&
			!strings.Contains(line, "error") && !strings.Contains(line, "skipped") {
			continue
		}

		words := strings.Fields(line)
		for i, w := range words {
			if i == 0 {
				continue
			}
			n, err := strconv.Atoi(strings.Trim(words[i-1], "=,"))
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(w, "passed"):
				s.Passed = n
			case strings.HasPrefix(w, "failed"):
				s.Failed = n
			case strings.HasPrefix(w, "error"):
				s.Errors = n
			case strings.HasPrefix(w, "skipped"):
				s.Skipped = n
			}
		}
	}
	s.Total = s.Passed + s.Failed + s.Errors
	return s
}

// ExtractFailures parses the short-test-summary FAILED lines into failure
// records. Each line has the shape
//
//	FAILED <file>::<test> - <error>
//
// where <test> may itself contain "::" for class-scoped tests; the split
// happens at the first "::" so the file path stays intact. Lines without a
// file::test locator are skipped. A FAILED line without a trailing error
// keeps the whole line as its error text.
func ExtractFailures(output string) []Failure {
	var failures []Failure
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, failedMarker) {
			continue
		}

		rest := strings.TrimSpace(strings.TrimPrefix(line, failedMarker))
		locator := rest
		errLine := ""
		if loc, msg, found := strings.Cut(rest, " - "); found {
			locator = strings.TrimSpace(loc)
			errLine = strings.TrimSpace(msg)
		}

		file, test, found := strings.Cut(locator, "::")
		if !found || file == "" || test == "" {
			continue
		}
		if errLine == "" {
			errLine = line
		}

		failures = append(failures, Failure{File: file, TestName: test, ErrorLine: errLine})
	}
	return failures
}

// IsTestFile reports whether a path names a pytest test module: the base
// name starts with "test_" or ends with "_test.py".
func IsTestFile(path string) bool {
	base := path
	if idx := strings.LastIndexAny(path, `/\`); idx >= 0 {
		base = path[idx+1:]
	}
	return strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.py")
}
