// Package llm defines the Provider interface for Large Language Model backends.
//
// The gateway uses an LLM in two places: the end-of-turn judge asks a yes/no
// question about a transcript, and the reply generator turns a caller turn
// into an answer. Both are single request/response exchanges, so the
// interface is a plain non-streaming completion.
//
// Implementors must be safe for concurrent use and must return promptly when
// the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyCompletion is returned by providers when the backend answers
// without any content. Fallback chains treat it like any other failure.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional instruction placed before the history.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// JSONMode asks the model to answer with a single JSON object. Providers
	// without native support fall back to an instruction in the system prompt.
	JSONMode bool
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// JSONInstruction is appended to the system prompt by providers that cannot
// enforce JSON output natively.
const JSONInstruction = "Respond with a single JSON object and nothing else."

// InstructedSystemPrompt returns the system prompt with [JSONInstruction]
// appended when JSON mode is requested.
func (r CompletionRequest) InstructedSystemPrompt() string {
	if !r.JSONMode {
		return r.SystemPrompt
	}
	return strings.TrimSpace(r.SystemPrompt + "\n\n" + JSONInstruction)
}
