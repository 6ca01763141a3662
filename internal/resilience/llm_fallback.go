package resilience

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
)

// LLMFallback completes requests on the first healthy of several LLM
// backends. The turn judge and the reply generator share one chain when both
// are LLM backed.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns a chain that prefers primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend to the chain.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete returns the first non-blank completion. A backend answering with
// nothing is failed over like an error, since an empty reply cannot be
// spoken or parsed.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		switch {
		case err != nil:
			return nil, err
		case resp == nil || strings.TrimSpace(resp.Content) == "":
			return nil, fmt.Errorf("resilience: %w", llm.ErrEmptyCompletion)
		}
		return resp, nil
	})
}

// States reports the breaker state of every backend.
func (f *LLMFallback) States() map[string]State { return f.group.States() }
