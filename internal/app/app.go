// Package app wires the voxgate subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New builds the session registry,
// the WebSocket endpoints and the operational HTTP routes, Run serves them,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/pkg/memory"
	"github.com/MrWong99/voxgate/pkg/memory/postgres"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers, including the WebSocket upgrade request.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the gateway.
type App struct {
	cfg       *config.Config
	providers *Providers

	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics
	onFatal func(id string, err error)

	// Subsystems, initialised in New and torn down in Shutdown.
	store    memory.TranscriptStore
	registry *session.Registry
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	mu       sync.Mutex // guards cfg after New
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a transcript store instead of connecting to the
// configured PostgreSQL database.
func WithStore(s memory.TranscriptStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar hands the level of the process logger to the app so that
// configuration reloads can change it.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithFatalReporter registers fn to be called when a session ends with a
// fatal error, in addition to logging it. fn must not block.
func WithFatalReporter(fn func(id string, err error)) Option {
	return func(a *App) { a.onFatal = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the providers built by [BuildProviders].
// It connects to the transcript store when one is configured; everything
// else is started by [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil || providers == nil {
		return nil, errors.New("app: config and providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transcript store ──────────────────────────────────────────────
	var checkers []health.Checker
	if a.store == nil && cfg.Storage.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: open transcript store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "storage", Check: p.Ping})
	}

	// ── 2. Session registry ──────────────────────────────────────────────
	a.registry = session.NewRegistry(RegistryConfig(cfg), SessionConfig(cfg), session.Deps{
		STT:        providers.STT,
		Segmenter:  providers.Segmenter,
		Transcoder: providers.Transcoder,
		Classifier: providers.Classifier,
		Generator:  providers.Generator,
		TTS:        providers.TTS,
		Store:      a.store,
		Metrics:    a.metrics,
		Logger:     a.log,
	},
		session.WithLogger(a.log.With("component", "registry")),
		session.WithFatalHandler(a.sessionFailed),
	)

	// ── 3. HTTP routes ───────────────────────────────────────────────────
	checkers = append(checkers, health.Capacity(a.registry.Capacity))
	for kind, states := range providers.Breakers {
		checkers = append(checkers, health.Breakers(kind, states))
	}

	starter := gateway.RegistryStarter(a.registry)
	gwCfg := GatewayConfig(cfg)
	gwLog := a.log.With("component", "gateway")

	mux := http.NewServeMux()
	mux.Handle(cfg.Gateway.TelephonyPath, gateway.NewHandler(gateway.DialectTelephony, starter, gwCfg,
		gateway.WithMetrics(a.metrics), gateway.WithLogger(gwLog)))
	mux.Handle(cfg.Gateway.BrowserPath, gateway.NewHandler(gateway.DialectBrowser, starter, gwCfg,
		gateway.WithMetrics(a.metrics), gateway.WithLogger(gwLog)))
	a.health = health.New(checkers...)
	a.health.Register(mux)
	mux.Handle("GET "+cfg.Observability.MetricsPath, promhttp.Handler())

	a.handler = observe.Middleware(a.metrics, "/healthz", "/readyz", cfg.Observability.MetricsPath)(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	a.log.Info("app initialised",
		"telephony_path", cfg.Gateway.TelephonyPath,
		"browser_path", cfg.Gateway.BrowserPath,
		"max_sessions", a.registry.Capacity(),
		"transcript_store", a.store != nil,
		"classifier", providers.Classifier != nil,
	)
	return a, nil
}

func (a *App) sessionFailed(id string, err error) {
	a.log.Error("session failed", "session_id", id, "err", err)
	if a.onFatal != nil {
		a.onFatal(id, err)
	}
}

// Handler returns the root HTTP handler: both gateway dialects, the health
// probes and the metrics endpoint.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the gateway until ctx is cancelled or the listener fails. On
// cancellation it closes all sessions and drains the HTTP server within the
// configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like [App.Run] but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	cfg := a.Config()
	tlsCfg := cfg.Server.TLS
	if tlsCfg != nil {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("app: load tls key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.registry.Run(gctx)
	})

	g.Go(func() error {
		a.log.Info("gateway listening", "addr", ln.Addr().String(), "tls", tlsCfg != nil)
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
			cmp.Or(cfg.Server.ShutdownTimeout, config.DefaultShutdownTimeout))
		defer cancel()

		// Sessions first: closing them ends the hijacked WebSocket
		// connections that Server.Shutdown does not track.
		a.health.Drain()
		if err := a.registry.CloseAll(shutdownCtx); err != nil {
			a.log.Warn("sessions did not close in time", "err", err)
		}
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies a reloaded configuration. The log level changes
// immediately and per-session settings apply to sessions started afterwards.
// Every other change is logged as requiring a restart.
func (a *App) ApplyConfig(newCfg *config.Config) {
	a.mu.Lock()
	old := a.cfg
	a.mu.Unlock()

	d := config.Diff(old, newCfg)
	if d.IsEmpty() {
		a.log.Debug("config reloaded without changes")
		return
	}
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Level())
		}
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.registry.UpdateConfig(SessionConfig(newCfg))
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config sections changed that only apply after a restart", "sections", d.RestartRequired)
	}

	// Keep restart-only sections as they are so later diffs keep reporting
	// them against what is actually running.
	applied := *old
	applied.Server.LogLevel = newCfg.Server.LogLevel
	applied.Pipeline = newCfg.Pipeline
	applied.Transcription = newCfg.Transcription
	applied.Turn = newCfg.Turn
	applied.Response = newCfg.Response
	applied.Outbound = newCfg.Outbound
	applied.Session.MaxHistory = newCfg.Session.MaxHistory

	a.mu.Lock()
	a.cfg = &applied
	a.mu.Unlock()
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes any remaining sessions and releases the transcript store.
// It is safe to call more than once and after [App.Run] returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.health.Drain()
		if err := a.registry.CloseAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		a.log.Info("app shut down")
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	return nil
}
