package session

import (
	"context"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts    = 5
	defaultReconnectDelay = 1 * time.Second
)

// ReconnectPolicy bounds how a dropped transcription connection is reopened.
// After an unexpected close the channel waits Delay and reopens; after
// MaxAttempts consecutive failed reopens it gives up.
type ReconnectPolicy struct {
	// MaxAttempts is the number of consecutive failed reopens tolerated.
	// Defaults to 5 if zero.
	MaxAttempts int

	// Delay is the wait before each reopen. Defaults to 1s if zero.
	Delay time.Duration
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Delay <= 0 {
		p.Delay = defaultReconnectDelay
	}
	return p
}

// reconnectState counts consecutive reopen failures under a policy.
// It is owned by a single goroutine.
type reconnectState struct {
	policy  ReconnectPolicy
	attempt int
}

func newReconnectState(p ReconnectPolicy) *reconnectState {
	return &reconnectState{policy: p.withDefaults()}
}

// next reserves the next attempt. It reports false once MaxAttempts
// attempts have been used since the last reset.
func (r *reconnectState) next() (attempt int, ok bool) {
	if r.attempt >= r.policy.MaxAttempts {
		return r.attempt, false
	}
	r.attempt++
	return r.attempt, true
}

// reset is called after a successful open.
func (r *reconnectState) reset() { r.attempt = 0 }

// wait sleeps for the policy delay. It returns false if ctx ends first.
func (r *reconnectState) wait(ctx context.Context) bool {
	t := time.NewTimer(r.policy.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
