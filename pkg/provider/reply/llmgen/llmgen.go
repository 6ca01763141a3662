// Package llmgen provides a reply.Generator backed by an llm.Provider.
//
// The model is asked for a JSON object {"response", "output_channel"} and
// picks the output channel itself: usually the caller's input channel, text
// for content that does not work when spoken (emails, codes, links).
package llmgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/reply"
)

// DefaultPrompt is the system prompt used when none is configured.
const DefaultPrompt = `You are a helpful voice assistant on a live call.
Always reply with a JSON object with two keys: "response" (your answer) and "output_channel" ("audio" or "text").
Each user message is a JSON object {"message": ..., "input_channel": ...}.
Choose output_channel by matching the input channel unless the caller asks otherwise or the content is unsuitable for speech; use "text" for emails, codes, links and lists.
Keep spoken answers short.`

// Option is a functional option for Generator.
type Option func(*Generator)

// WithPrompt replaces the system prompt.
func WithPrompt(p string) Option {
	return func(g *Generator) {
		g.prompt = p
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(g *Generator) {
		g.temperature = t
	}
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option {
	return func(g *Generator) {
		g.maxTokens = n
	}
}

// Generator implements reply.Generator on top of an llm.Provider.
type Generator struct {
	llm         llm.Provider
	prompt      string
	temperature float64
	maxTokens   int
}

// New creates a Generator backed by p.
func New(p llm.Provider, opts ...Option) (*Generator, error) {
	if p == nil {
		return nil, errors.New("llmgen: provider must not be nil")
	}
	g := &Generator{llm: p, prompt: DefaultPrompt, temperature: 0.1, maxTokens: 400}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

var _ reply.Generator = (*Generator)(nil)

type userTurn struct {
	Message      string `json:"message"`
	InputChannel string `json:"input_channel"`
}

// Generate implements reply.Generator.
func (g *Generator) Generate(ctx context.Context, req reply.Request) ([]byte, error) {
	turn, err := json.Marshal(userTurn{Message: req.Message, InputChannel: string(req.InputChannel)})
	if err != nil {
		return nil, fmt.Errorf("llmgen: encode turn: %w", err)
	}
	msgs := make([]llm.Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, llm.UserMessage(string(turn)))

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: g.prompt,
		Messages:     msgs,
		Temperature:  g.temperature,
		MaxTokens:    g.maxTokens,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("llmgen: %w", err)
	}
	if resp == nil || resp.Content == "" {
		return nil, errors.New("llmgen: empty completion")
	}
	return []byte(resp.Content), nil
}
