// Package mock provides a test double for the reply.Generator interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/reply"
)

// Generator is a mock implementation of reply.Generator.
type Generator struct {
	mu sync.Mutex

	// Reply is returned by every successful Generate call.
	Reply []byte

	// GenerateFunc, if set, computes the reply instead of Reply.
	GenerateFunc func(req reply.Request) ([]byte, error)

	// GenerateErr, if non-nil, is returned by Generate.
	GenerateErr error

	// Block makes Generate wait for ctx and return ctx.Err().
	Block bool

	// Calls records every request in order.
	Calls []reply.Request
}

// Generate records the call and returns the scripted reply.
func (g *Generator) Generate(ctx context.Context, req reply.Request) ([]byte, error) {
	g.mu.Lock()
	g.Calls = append(g.Calls, req)
	fn, out, err, block := g.GenerateFunc, g.Reply, g.GenerateErr, g.Block
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fn != nil {
		return fn(req)
	}
	return out, err
}

// CallCount returns the number of Generate calls. Thread-safe.
func (g *Generator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Calls)
}

// Requests returns a copy of every recorded request. Thread-safe.
func (g *Generator) Requests() []reply.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]reply.Request(nil), g.Calls...)
}

// Ensure Generator implements reply.Generator at compile time.
var _ reply.Generator = (*Generator)(nil)
