// Package llm provides the chat completion client used by the planner,
// patcher, and test generator.
//
// The client speaks the OpenAI chat completions wire format, which local
// runtimes such as Ollama and vLLM also serve, so the same code path covers
// hosted and local models. Requests are rate limited and retried with
// exponential backoff on transient failures.
package llm

import (
	"context"
	"strings"
)

// Request is a single completion request.
type Request struct {
	// System is an optional system prompt establishing the model's role.
	System string

	// Prompt is the user message to complete.
	Prompt string
}

// Client generates text completions.
type Client interface {
	// Complete sends the request and returns the model's text response.
	Complete(ctx context.Context, req Request) (string, error)

	// Model returns the model identifier requests are sent to.
	Model() string
}

// StripFences removes a surrounding markdown code fence from model output.
//
// Models routinely wrap generated code in ``` blocks despite instructions
// not to. The opening fence line is dropped whole, so language tags such as
// ```python or ```json disappear with it. Fences inside the body are left
// alone.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "```") {
		s = s[:len(s)-3]
	}
	return strings.TrimSpace(s)
}
