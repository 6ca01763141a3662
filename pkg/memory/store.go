// Package memory defines the transcript store the gateway persists
// conversations to.
//
// Every completed exchange produces two records, the caller's turn and the
// assistant's reply, written in conversation order. The live session keeps
// its own bounded history; the store is the durable record behind it and is
// optional. When a caller is identified, a new session resumes from the
// caller's latest stored turns.
//
// Every implementation must be safe for concurrent use.
package memory

import "context"

// TranscriptStore persists conversation turns.
type TranscriptStore interface {
	// AppendTurn stores one turn. Turns are returned in the order they were
	// appended.
	AppendTurn(ctx context.Context, rec TurnRecord) error

	// Recent returns up to limit of the latest turns recorded for callerID
	// across all of the caller's sessions, oldest first. An empty callerID
	// matches nothing.
	Recent(ctx context.Context, callerID string, limit int) ([]TurnRecord, error)
}
