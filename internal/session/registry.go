package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRegistryFull is returned by [Registry.Create] when the session limit is
// reached.
var ErrRegistryFull = errors.New("session: registry full")

// ErrDuplicateSession is returned by [Registry.Create] for an id that is
// already live.
var ErrDuplicateSession = errors.New("session: duplicate session id")

// Registry defaults.
const (
	defaultMaxSessions   = 100
	defaultIdleTimeout   = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
	defaultKeepAliveTick = 2 * time.Second
)

// Status values sent by the registry.
const (
	StatusIdleTimeout = "idle_timeout"
	StatusShutdown    = "shutdown"
)

// RegistryConfig bounds and paces a [Registry]. Zero fields select defaults.
type RegistryConfig struct {
	// MaxSessions is the maximum number of concurrent sessions.
	MaxSessions int

	// IdleTimeout closes sessions that saw no caller activity for this long.
	IdleTimeout time.Duration

	// SweepInterval is how often idle sessions are looked for.
	SweepInterval time.Duration

	// KeepAliveTick is how often sessions are asked to keep their
	// transcription connection alive.
	KeepAliveTick time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.MaxSessions <= 0 {
		c.MaxSessions = defaultMaxSessions
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.KeepAliveTick <= 0 {
		c.KeepAliveTick = defaultKeepAliveTick
	}
	return c
}

// Stats is a snapshot of the registry.
type Stats struct {
	// Active is the number of live sessions.
	Active int

	// Created counts sessions started since the registry was built.
	Created uint64

	// Rejected counts Create calls refused because the registry was full.
	Rejected uint64

	// Failed counts sessions ended by a fatal error.
	Failed uint64

	// Average latencies across all sessions since start. Zero when no
	// sample was observed.
	AvgSTT        time.Duration
	AvgGeneration time.Duration
	AvgSynthesis  time.Duration
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithFatalHandler registers fn to be called when a session ends with a
// fatal error. fn must not block.
func WithFatalHandler(fn func(id string, err error)) RegistryOption {
	return func(r *Registry) { r.onFatal = fn }
}

// WithLogger sets the registry logger. Sessions log through Deps.Logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

type latencyTotal struct {
	sum time.Duration
	n   int64
}

func (t latencyTotal) avg() time.Duration {
	if t.n == 0 {
		return 0
	}
	return t.sum / time.Duration(t.n)
}

// Registry owns the live sessions of the process. A single mutex guards the
// session map and the aggregate counters.
//
// All methods are safe for concurrent use.
type Registry struct {
	cfg     RegistryConfig
	deps    Deps
	log     *slog.Logger
	onFatal func(id string, err error)

	mu       sync.Mutex
	session  Config
	sessions map[string]*Session // nil value: reserved while starting
	closed   bool
	created  uint64
	rejected uint64
	failed   uint64
	latency  map[string]latencyTotal
}

// NewRegistry returns a registry that starts sessions with sessionCfg and
// deps.
func NewRegistry(cfg RegistryConfig, sessionCfg Config, deps Deps, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		session:  sessionCfg,
		deps:     deps,
		sessions: make(map[string]*Session),
		latency:  make(map[string]latencyTotal),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = cmp.Or(deps.Logger, slog.Default())
	}
	return r
}

// Create starts a session for info on t and registers it. It returns
// [ErrRegistryFull] when the limit is reached and [ErrDuplicateSession] when
// info.ID is already live.
func (r *Registry) Create(ctx context.Context, info StartInfo, t Transport) (*Session, error) {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return nil, ErrClosed
	case len(r.sessions) >= r.cfg.MaxSessions:
		r.rejected++
		r.mu.Unlock()
		r.log.Warn("session rejected, registry full", "session_id", info.ID, "max_sessions", r.cfg.MaxSessions)
		return nil, ErrRegistryFull
	}
	if _, dup := r.sessions[info.ID]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, info.ID)
	}
	r.sessions[info.ID] = nil
	sessionCfg := r.session
	r.mu.Unlock()

	s, err := newSession(ctx, info, t, sessionCfg, r.deps, hooks{
		onLatency: r.observeLatency,
		onFatal:   r.sessionFailed,
		onClose:   r.forget,
	})

	r.mu.Lock()
	if err != nil {
		delete(r.sessions, info.ID)
		r.mu.Unlock()
		return nil, err
	}
	if _, ok := r.sessions[info.ID]; !ok {
		r.mu.Unlock()
		_ = s.Close()
		return nil, fmt.Errorf("session: %s ended while starting: %w", info.ID, cmp.Or(s.Err(), ErrClosed))
	}
	r.sessions[info.ID] = s
	r.created++
	active := len(r.sessions)
	r.mu.Unlock()

	if m := r.deps.Metrics; m != nil {
		m.ActiveSessions.Add(ctx, 1)
	}
	r.log.Info("session registered", "session_id", info.ID, "active", active)
	return s, nil
}

// UpdateConfig replaces the configuration used for sessions created from now
// on. Live sessions keep the configuration they started with.
func (r *Registry) UpdateConfig(cfg Config) {
	r.mu.Lock()
	r.session = cfg
	r.mu.Unlock()
	r.log.Info("session configuration updated")
}

// Get returns the live session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	return s, s != nil
}

// Remove closes the session with id and waits for its teardown. It reports
// whether such a session was live.
func (r *Registry) Remove(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	_ = s.Close()
	return true
}

// forget drops s from the map once it has closed.
func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	cur, ok := r.sessions[s.id]
	if !ok || (cur != nil && cur != s) {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.id)
	active := len(r.sessions)
	r.mu.Unlock()

	if cur == nil {
		return
	}
	if m := r.deps.Metrics; m != nil {
		m.ActiveSessions.Add(context.Background(), -1)
	}
	r.log.Info("session unregistered", "session_id", s.id, "active", active)
}

func (r *Registry) sessionFailed(s *Session, err error) {
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
	if r.onFatal != nil {
		r.onFatal(s.id, err)
	}
}

func (r *Registry) observeLatency(stage string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.latency[stage]
	t.sum += d
	t.n++
	r.latency[stage] = t
}

// snapshot returns the live sessions.
func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// SweepIdle closes every session inactive for longer than the idle timeout
// at now and returns how many were closed.
func (r *Registry) SweepIdle(now time.Time) int {
	var idle []*Session
	for _, s := range r.snapshot() {
		if now.Sub(s.LastActive()) > r.cfg.IdleTimeout {
			idle = append(idle, s)
		}
	}
	closeAll(idle, func(s *Session) {
		r.log.Info("closing idle session", "session_id", s.id, "idle", now.Sub(s.LastActive()).Round(time.Second))
		s.sendEvent(Event{Type: EventStatus, Status: StatusIdleTimeout})
	})
	return len(idle)
}

// KeepAlive lets every session keep its transcription connection alive.
func (r *Registry) KeepAlive(now time.Time) {
	for _, s := range r.snapshot() {
		s.KeepAlive(now)
	}
}

// Run drives the idle sweep and keep-alives until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()
	keepAlive := time.NewTicker(r.cfg.KeepAliveTick)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-sweep.C:
			if n := r.SweepIdle(now); n > 0 {
				r.log.Info("idle sessions closed", "count", n)
			}
		case now := <-keepAlive.C:
			r.KeepAlive(now)
		}
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int { return len(r.snapshot()) }

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := 0
	for _, s := range r.sessions {
		if s != nil {
			active++
		}
	}
	return Stats{
		Active:        active,
		Created:       r.created,
		Rejected:      r.rejected,
		Failed:        r.failed,
		AvgSTT:        r.latency["stt"].avg(),
		AvgGeneration: r.latency["generation"].avg(),
		AvgSynthesis:  r.latency["synthesis"].avg(),
	}
}

// Capacity returns the remaining number of sessions that can be created.
func (r *Registry) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.MaxSessions - len(r.sessions)
}

// CloseAll refuses new sessions and closes every live one. It returns
// ctx.Err() if ctx ends before all sessions are torn down.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	sessions := r.snapshot()
	done := make(chan struct{})
	go func() {
		closeAll(sessions, func(s *Session) {
			s.sendEvent(Event{Type: EventStatus, Status: StatusShutdown})
		})
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeAll closes sessions concurrently after calling before on each.
func closeAll(sessions []*Session, before func(*Session)) {
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			before(s)
			_ = s.Close()
		}()
	}
	wg.Wait()
}
