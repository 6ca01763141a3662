// Command voxgate is the entry point of the voxgate voice gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/MrWong99/voxgate/internal/app"
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

const sentryFlushTimeout = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch-interval", config.DefaultWatchInterval, "how often the config file is checked for changes (0 reloads on SIGHUP only)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxgate",
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		SampleRatio:    cfg.Observability.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	var reportFatal func(id string, err error)
	if dsn := cfg.Observability.SentryDSN; dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: cfg.Observability.Environment,
			Release:     "voxgate@" + version,
		})
		if err != nil {
			slog.Warn("sentry init failed", "err", err)
		} else {
			slog.Info("sentry initialised", "environment", cfg.Observability.Environment)
			defer sentry.Flush(sentryFlushTimeout)
			reportFatal = captureSessionError
		}
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg.Providers, reg, logger)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogger(logger), app.WithLevelVar(level)}
	if reportFatal != nil {
		opts = append(opts, app.WithFatalReporter(reportFatal))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		if reportFatal != nil {
			sentry.CaptureException(err)
		}
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, newCfg *config.Config) {
		application.ApplyConfig(newCfg)
	}, config.WithInterval(*watchInterval), config.WithWatchLogger(logger.With("component", "config")))
	if err != nil {
		slog.Warn("config reloading disabled", "err", err)
	} else {
		defer watcher.Stop()
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		if reportFatal != nil {
			sentry.CaptureException(err)
		}
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup rereads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := w.Reload(); err != nil {
				slog.Warn("SIGHUP reload failed", "err", err)
			}
		}
	}
}

// captureSessionError reports a fatal session error to Sentry.
func captureSessionError(id string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", id)
		scope.SetExtra("message", "session ended with a fatal error")
		sentry.CaptureException(err)
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxgate: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Classifier", cfg.Providers.Classifier.Name, "")
	printProvider("Generator", cfg.Providers.Generator.Name, "")
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Transcoder", cfg.Providers.Transcoder.Name, "")
	fmt.Printf("║  %-12s    : %-19s ║\n", "Telephony", cfg.Gateway.TelephonyPath)
	fmt.Printf("║  %-12s    : %-19s ║\n", "Browser", cfg.Gateway.BrowserPath)
	store := "(disabled)"
	if cfg.Storage.PostgresDSN != "" {
		store = "postgres"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", "Transcripts", store)
	fmt.Printf("║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
