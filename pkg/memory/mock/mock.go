// Package mock provides an in-memory test double for memory.TranscriptStore.
//
// Store keeps appended turns in a slice, so tests can assert exactly what a
// session persisted and in which order.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/memory"
)

// Store is a configurable test double for [memory.TranscriptStore].
type Store struct {
	mu          sync.Mutex
	turns       []memory.TurnRecord
	recentCalls []string

	// AppendErr is returned by AppendTurn when non-nil. The turn is not kept.
	AppendErr error

	// RecentErr is returned by Recent when non-nil.
	RecentErr error
}

// AppendTurn records rec unless AppendErr is set.
func (m *Store) AppendTurn(_ context.Context, rec memory.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.turns = append(m.turns, rec)
	return nil
}

// Recent returns the latest turns of callerID, oldest first.
func (m *Store) Recent(_ context.Context, callerID string, limit int) ([]memory.TurnRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentCalls = append(m.recentCalls, callerID)
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	out := []memory.TurnRecord{}
	if callerID == "" {
		return out, nil
	}
	for _, r := range m.turns {
		if r.CallerID == callerID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// RecentCalls returns the caller ids Recent was asked for. Thread-safe.
func (m *Store) RecentCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.recentCalls...)
}

// Turns returns a copy of every stored turn. Thread-safe.
func (m *Store) Turns() []memory.TurnRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]memory.TurnRecord(nil), m.turns...)
}

// Ensure Store implements memory.TranscriptStore at compile time.
var _ memory.TranscriptStore = (*Store)(nil)
