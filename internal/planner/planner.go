// Package planner turns analyzer findings into a structured refactoring
// plan.
//
// The plan is the contract between analysis and fixing: a list of issues,
// each tied to a file and a suggested remedy. Planner output that does not
// parse into that shape aborts the audit; a garbage plan must never reach
// the fix stage.
package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/codemend/internal/llm"
	"github.com/fyrsmithlabs/codemend/pkg/pytest"
)

// ErrMalformedPlan reports planner output that does not match the plan
// contract.
var ErrMalformedPlan = errors.New("planner output does not match the plan contract")

// Issue is one planned fix: a defect in a file and how to remedy it.
// Issues are immutable once parsed; the patch stage consumes them as-is.
type Issue struct {
	File         string `json:"file"`
	Description  string `json:"description"`
	SuggestedFix string `json:"suggested_fix"`
}

// Plan is the structured output of an audit.
//
// Errors carries the most recent validation failures; it is attached by the
// engine after a failed validate and cleared on success, so its presence
// means "the last run failed and this is why".
type Plan struct {
	Issues []Issue          `json:"issues"`
	Errors []pytest.Failure `json:"errors,omitempty"`
}

// ParsePlan parses raw model output into a Plan.
//
// The expected shape is {"issues": [{"file", "description", "suggested_fix"}]}.
// A surrounding markdown fence is tolerated (models add them constantly);
// anything else non-conforming fails with ErrMalformedPlan: missing issues
// key, issues that lack a file or description, or JSON that does not parse.
// suggested_fix may be empty. Duplicate (file, description) pairs are
// dropped, first occurrence wins.
func ParsePlan(raw string) (*Plan, error) {
	cleaned := llm.StripFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedPlan)
	}

	var payload struct {
		Issues *[]Issue `json:"issues"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPlan, err)
	}
	if payload.Issues == nil {
		return nil, fmt.Errorf("%w: missing issues list", ErrMalformedPlan)
	}

	seen := make(map[[2]string]bool, len(*payload.Issues))
	issues := make([]Issue, 0, len(*payload.Issues))
	for i, issue := range *payload.Issues {
		issue.File = strings.TrimSpace(issue.File)
		issue.Description = strings.TrimSpace(issue.Description)
		issue.SuggestedFix = strings.TrimSpace(issue.SuggestedFix)

		if issue.File == "" {
			return nil, fmt.Errorf("%w: issue %d has no file", ErrMalformedPlan, i)
		}
		if issue.Description == "" {
			return nil, fmt.Errorf("%w: issue %d has no description", ErrMalformedPlan, i)
		}

		key := [2]string{issue.File, issue.Description}
		if seen[key] {
			continue
		}
		seen[key] = true
		issues = append(issues, issue)
	}

	return &Plan{Issues: issues}, nil
}
