package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voxgate/pkg/provider/reply"
)

var errEmptyReply = errors.New("resilience: generator returned an empty reply")

// ReplyFallback implements [reply.Generator] with automatic failover across
// several generators, for example a remote agent backed by a local LLM.
type ReplyFallback struct {
	group *FallbackGroup[reply.Generator]
}

// Compile-time interface assertion.
var _ reply.Generator = (*ReplyFallback)(nil)

// NewReplyFallback creates a [ReplyFallback] with primary as the preferred
// generator.
func NewReplyFallback(primary reply.Generator, primaryName string, cfg FallbackConfig) *ReplyFallback {
	return &ReplyFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional generator.
func (f *ReplyFallback) AddFallback(name string, g reply.Generator) {
	f.group.AddFallback(name, g)
}

// Generate asks the first healthy generator for a reply. An empty reply counts
// as a failure.
func (f *ReplyFallback) Generate(ctx context.Context, req reply.Request) ([]byte, error) {
	return ExecuteWithResult(f.group, func(g reply.Generator) ([]byte, error) {
		b, err := g.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, errEmptyReply
		}
		return b, nil
	})
}

// States reports the breaker state of every generator.
func (f *ReplyFallback) States() map[string]State { return f.group.States() }
