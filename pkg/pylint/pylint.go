// Package pylint parses pylint output into structured reports.
//
// pylint is run twice per file: once with --output-format=json for the
// machine-readable message list, once with --output-format=text for the
// rating line. This package parses both halves; it never executes the
// tool itself.
//
// Example:
//
//	msgs, err := pylint.ParseMessages(jsonOut)
//	if err != nil {
//	    return err
//	}
//	report := pylint.BuildReport(msgs, textOut)
//	// report.Score, report.Errors, report.Warnings, ...
package pylint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedOutput indicates the JSON message stream could not be decoded.
var ErrMalformedOutput = errors.New("malformed pylint JSON output")

// ratingMarker prefixes the score line in text-format output, e.g.
// "Your code has been rated at 7.50/10 (previous run: 6.00/10, +1.50)".
const ratingMarker = "Your code has been rated at"

// Message types emitted by pylint. Only these four participate in
// categorization; "fatal" and "information" messages are dropped.
const (
	TypeError      = "error"
	TypeWarning    = "warning"
	TypeConvention = "convention"
	TypeRefactor   = "refactor"
)

// Message is a single pylint diagnostic as emitted by --output-format=json.
type Message struct {
	Type      string `json:"type"`
	Module    string `json:"module"`
	Obj       string `json:"obj"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Path      string `json:"path"`
	Symbol    string `json:"symbol"`
	Message   string `json:"message"`
	MessageID string `json:"message-id"`
}

// String renders the message in pylint's parseable text style:
// "path:line:column: message-id: message (symbol)".
func (m Message) String() string {
	return fmt.Sprintf("%s:%d:%d: %s: %s (%s)", m.Path, m.Line, m.Column, m.MessageID, m.Message, m.Symbol)
}

// Report is the categorized result of one pylint run on one file.
//
// ScoreKnown is false when no rating line was present in the text output,
// which happens when pylint bails out before scoring (unparseable file,
// usage error). A zero score with ScoreKnown=true is a real 0.00/10.
type Report struct {
	Score       float64
	ScoreKnown  bool
	Errors      []Message
	Warnings    []Message
	Conventions []Message
	Refactors   []Message
}

// TotalIssues returns the number of categorized messages.
func (r Report) TotalIssues() int {
	return len(r.Errors) + len(r.Warnings) + len(r.Conventions) + len(r.Refactors)
}

// AllMessages returns every categorized message in severity order:
// errors, warnings, conventions, refactors.
func (r Report) AllMessages() []Message {
	out := make([]Message, 0, r.TotalIssues())
	out = append(out, r.Errors...)
	out = append(out, r.Warnings...)
	out = append(out, r.Conventions...)
	out = append(out, r.Refactors...)
	return out
}

// Summary renders a short human-readable digest of the report.
func (r Report) Summary() string {
	if !r.ScoreKnown {
		return "Unable to determine score"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Score: %.2f/10\n", r.Score)
	fmt.Fprintf(&b, "Errors: %d, Warnings: %d, Conventions: %d, Refactors: %d",
		len(r.Errors), len(r.Warnings), len(r.Conventions), len(r.Refactors))

	switch {
	case r.Score >= 9.0:
		b.WriteString("\nExcellent code quality")
	case r.Score >= 7.0:
		b.WriteString("\nGood code quality")
	case r.Score >= 5.0:
		b.WriteString("\nNeeds improvement")
	default:
		b.WriteString("\nPoor code quality, significant refactoring needed")
	}
	return b.String()
}

// ParseMessages decodes the JSON array produced by pylint
// --output-format=json. Empty or whitespace-only input yields a nil slice
// and no error: pylint emits nothing on a clean file.
func ParseMessages(jsonOut []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(jsonOut)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var msgs []Message
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return msgs, nil
}

// ExtractScore scans text-format output for the rating line and returns
// the numeric score. The second return is false when no rating line is
// present. Scores can be negative; pylint deducts below zero for very
// broken files.
func ExtractScore(textOut string) (float64, bool) {
	for _, line := range strings.Split(textOut, "\n") {
		idx := strings.Index(line, ratingMarker)
		if idx < 0 {
			continue
		}
		rest := line[idx+len(ratingMarker):]
		frac, _, found := strings.Cut(rest, "/")
		if !found {
			continue
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(frac), 64)
		if err != nil {
			continue
		}
		return score, true
	}
	return 0, false
}

// BuildReport categorizes messages by type and attaches the score scraped
// from the text output.
func BuildReport(msgs []Message, textOut string) Report {
	var r Report
	r.Score, r.ScoreKnown = ExtractScore(textOut)

	for _, m := range msgs {
		switch m.Type {
		case TypeError:
			r.Errors = append(r.Errors, m)
		case TypeWarning:
			r.Warnings = append(r.Warnings, m)
		case TypeConvention:
			r.Conventions = append(r.Conventions, m)
		case TypeRefactor:
			r.Refactors = append(r.Refactors, m)
		}
	}
	return r
}
