package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when the provider answered without content.
var ErrEmptyResponse = errors.New("llm: empty response")

// Request is one chat completion: a system instruction and a user payload.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Completer defines the interface for text completion providers.
type Completer interface {
	// Complete returns the raw text of the first choice.
	Complete(ctx context.Context, req Request) (string, error)
}

// StripCodeFence removes a surrounding markdown code block, if any.
func StripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if i := strings.IndexByte(content, '\n'); i >= 0 && !strings.Contains(content[:i], " ") {
		// Drop the language tag line, e.g. ```json.
		content = content[i+1:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
