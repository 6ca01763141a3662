// Package llmjudge provides a turn.Classifier that asks an LLM whether the
// caller has finished speaking. The model answers in JSON mode with
// {"end_of_turn": bool}.
package llmjudge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/turn"
)

// DefaultPrompt is the system prompt used when none is configured.
const DefaultPrompt = `You watch a live phone conversation and decide whether the caller has finished their turn.
The caller has finished when their last message is a complete thought, a question that expects an answer, or a closing phrase.
The caller has NOT finished when the last message trails off, ends in a conjunction or filler word, or announces more to come.
Answer with {"end_of_turn": true} or {"end_of_turn": false}.`

// Option is a functional option for Judge.
type Option func(*Judge)

// WithPrompt replaces the system prompt.
func WithPrompt(p string) Option {
	return func(j *Judge) {
		j.prompt = p
	}
}

// WithMaxHistory bounds how many trailing messages are sent to the model.
// Zero sends all of them.
func WithMaxHistory(n int) Option {
	return func(j *Judge) {
		j.maxHistory = n
	}
}

// Judge implements turn.Classifier on top of an llm.Provider.
type Judge struct {
	llm        llm.Provider
	prompt     string
	maxHistory int
}

// New creates a Judge backed by p.
func New(p llm.Provider, opts ...Option) (*Judge, error) {
	if p == nil {
		return nil, errors.New("llmjudge: provider must not be nil")
	}
	j := &Judge{llm: p, prompt: DefaultPrompt, maxHistory: 10}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

var _ turn.Classifier = (*Judge)(nil)

// EndOfTurn implements turn.Classifier.
func (j *Judge) EndOfTurn(ctx context.Context, messages []llm.Message) (bool, error) {
	if len(messages) == 0 {
		return false, errors.New("llmjudge: no messages")
	}
	if j.maxHistory > 0 && len(messages) > j.maxHistory {
		messages = messages[len(messages)-j.maxHistory:]
	}

	resp, err := j.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: j.prompt,
		Messages:     []llm.Message{llm.UserMessage(transcript(messages))},
		Temperature:  0.1,
		MaxTokens:    20,
		JSONMode:     true,
	})
	if err != nil {
		return false, fmt.Errorf("llmjudge: %w", err)
	}
	if resp == nil {
		return false, fmt.Errorf("llmjudge: %w: empty response", turn.ErrMalformed)
	}
	return turn.ParseVerdict([]byte(resp.Content))
}

// transcript renders the conversation as one labelled line per message so
// the model judges the conversation instead of continuing it.
func transcript(messages []llm.Message) string {
	var b strings.Builder
	b.WriteString("CONVERSATION:\n")
	for _, m := range messages {
		label := "caller"
		if m.Role == llm.RoleAssistant {
			label = "agent"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, m.Content)
	}
	b.WriteString("\nHas the caller finished their turn?")
	return b.String()
}
