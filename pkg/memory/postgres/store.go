package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxgate/pkg/memory"
)

var _ memory.TranscriptStore = (*Store)(nil)

// Store is a transcript store over a single [pgxpool.Pool].
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// AppendTurn implements [memory.TranscriptStore].
func (s *Store) AppendTurn(ctx context.Context, rec memory.TurnRecord) error {
	const q = `
		INSERT INTO conversation_turns (session_id, caller_id, speaker, text, channel, at, latency_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	channel := rec.Channel
	if channel == "" {
		channel = "audio"
	}
	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.CallerID,
		string(rec.Speaker),
		rec.Text,
		channel,
		at,
		rec.Latency.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("transcript store: append turn: %w", err)
	}
	return nil
}

// Recent implements [memory.TranscriptStore].
func (s *Store) Recent(ctx context.Context, callerID string, limit int) ([]memory.TurnRecord, error) {
	if callerID == "" {
		return []memory.TurnRecord{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT session_id, caller_id, speaker, text, channel, at, latency_ns FROM (
		    SELECT * FROM conversation_turns
		    WHERE  caller_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) t
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, callerID, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript store: recent: %w", err)
	}
	return collectTurns(rows)
}

func collectTurns(rows pgx.Rows) ([]memory.TurnRecord, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.TurnRecord, error) {
		var (
			r         memory.TurnRecord
			speaker   string
			latencyNS int64
		)
		if err := row.Scan(&r.SessionID, &r.CallerID, &speaker, &r.Text, &r.Channel, &r.At, &latencyNS); err != nil {
			return memory.TurnRecord{}, err
		}
		r.Speaker = memory.Speaker(speaker)
		r.Latency = time.Duration(latencyNS)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []memory.TurnRecord{}
	}
	return turns, nil
}
