// Package mock provides a test double for the turn.Classifier interface.
//
// Results are consumed in order; once exhausted the Default verdict is
// returned. Set Block to make EndOfTurn wait for its context, which is how
// tests exercise the classifier timeout.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/turn"
)

// Result is one scripted answer.
type Result struct {
	EndOfTurn bool
	Err       error
}

// Classifier is a mock implementation of turn.Classifier.
type Classifier struct {
	mu sync.Mutex

	// Results are returned in order, one per call.
	Results []Result

	// Default is returned once Results is exhausted.
	Default Result

	// EndOfTurnFunc, when set, decides every call and takes precedence over
	// Results, Default and Block.
	EndOfTurnFunc func(ctx context.Context, messages []llm.Message) (bool, error)

	// Block makes EndOfTurn wait for ctx and return ctx.Err().
	Block bool

	// Calls records the messages of every invocation in order.
	Calls [][]llm.Message
}

// EndOfTurn records the call and returns the next scripted result.
func (c *Classifier) EndOfTurn(ctx context.Context, messages []llm.Message) (bool, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, append([]llm.Message(nil), messages...))
	r := c.Default
	if len(c.Results) > 0 {
		r = c.Results[0]
		c.Results = c.Results[1:]
	}
	block := c.Block
	fn := c.EndOfTurnFunc
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, messages)
	}
	if block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return r.EndOfTurn, r.Err
}

// CallCount returns the number of EndOfTurn calls. Thread-safe.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// LastUtterance returns the last user text of the most recent call.
func (c *Classifier) LastUtterance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Calls) == 0 {
		return ""
	}
	return turn.LastUserText(c.Calls[len(c.Calls)-1])
}

// Ensure Classifier implements turn.Classifier at compile time.
var _ turn.Classifier = (*Classifier)(nil)
