package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxgate/pkg/memory"
)

// persistTimeout bounds a single store call made on behalf of a session.
const persistTimeout = 2 * time.Second

// MemoryGuard wraps a [memory.TranscriptStore] and makes all operations
// non-fatal. If the underlying store fails, operations return defaults
// and log warnings instead of propagating errors, so a database outage never
// interrupts a live call. IsDegraded reports whether the most recent
// operation failed.
//
// A MemoryGuard with a nil store accepts and discards every write.
//
// All methods are safe for concurrent use.
type MemoryGuard struct {
	store    memory.TranscriptStore
	degraded atomic.Bool
}

// NewMemoryGuard creates a new [MemoryGuard] wrapping the given store.
func NewMemoryGuard(store memory.TranscriptStore) *MemoryGuard {
	return &MemoryGuard{store: store}
}

// AppendTurn writes rec to the underlying store. On failure the error is
// logged and swallowed and the store is marked as degraded. On success the
// degraded flag is cleared.
func (mg *MemoryGuard) AppendTurn(ctx context.Context, rec memory.TurnRecord) error {
	if mg.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := mg.store.AppendTurn(ctx, rec); err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: AppendTurn failed, swallowing error",
			"session_id", rec.SessionID,
			"speaker", rec.Speaker,
			"err", err,
		)
		return nil
	}
	mg.degraded.Store(false)
	return nil
}

// Recent reads the latest turns of a caller. On failure an empty slice is
// returned and the store is marked as degraded.
func (mg *MemoryGuard) Recent(ctx context.Context, callerID string, limit int) ([]memory.TurnRecord, error) {
	if mg.store == nil || callerID == "" {
		return []memory.TurnRecord{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	recs, err := mg.store.Recent(ctx, callerID, limit)
	if err != nil {
		mg.degraded.Store(true)
		slog.Warn("memory guard: Recent failed, returning empty",
			"caller_id", callerID,
			"err", err,
		)
		return []memory.TurnRecord{}, nil
	}
	mg.degraded.Store(false)
	return recs, nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (mg *MemoryGuard) IsDegraded() bool {
	return mg.degraded.Load()
}

// Compile-time check that MemoryGuard satisfies memory.TranscriptStore.
var _ memory.TranscriptStore = (*MemoryGuard)(nil)
