// Package postgres provides a PostgreSQL-backed memory.TranscriptStore.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.AppendTurn(ctx, rec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    channel     TEXT         NOT NULL DEFAULT 'audio',
    at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    latency_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_session
    ON conversation_turns (session_id, id);

ALTER TABLE conversation_turns
    ADD COLUMN IF NOT EXISTS caller_id TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS idx_conversation_turns_caller
    ON conversation_turns (caller_id, id)
    WHERE caller_id <> '';
`

// Migrate creates the tables the store needs. It is idempotent and safe to
// call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
