// Command babelcast is a terminal client for a real-time speech translation
// backend. It captures the microphone, streams speech segments over a
// websocket and prints (and optionally plays) the translations that come back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/babelcast/internal/config"
	"github.com/MrWong99/babelcast/internal/health"
	"github.com/MrWong99/babelcast/internal/history"
	"github.com/MrWong99/babelcast/internal/observe"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	langFlag := flag.String("lang", "", "target language code, overrides session.target_language")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "babelcast: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "babelcast: %v\n", err)
		}
		return 1
	}
	if *langFlag != "" {
		if err := config.ValidateLanguage(*langFlag); err != nil {
			fmt.Fprintf(os.Stderr, "babelcast: -lang: %v\n", err)
			return 1
		}
		cfg.Session.TargetLanguage = *langFlag
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("babelcast starting",
		"version", version,
		"config", *configPath,
		"endpoint", cfg.Backend.Endpoint,
		"dialect", cfg.Backend.Dialect,
		"language", cfg.Session.TargetLanguage,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Endpoint:       cfg.Backend.Endpoint,
		Dialect:        string(cfg.Backend.Dialect),
		Source:         cfg.Audio.Source,
		Player:         cfg.Playback.Player,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Components ────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinComponents(reg)

	saved := history.NewStore(history.DefaultCapacity)
	cons := newConsole(os.Stdout, saved, cfg.Session.TargetLanguage)

	app, err := build(cfg, reg, metrics, cons)
	if err != nil {
		slog.Error("failed to build session controller", "err", err)
		return 1
	}
	defer app.close()
	cons.ctrl = app.ctrl

	printStartupSummary(cfg, reg)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(ctx, &level, cons, old, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := newHTTPServer(addr, app, metrics)
		g.Go(func() error {
			slog.Info("serving metrics and health", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		return cons.run(gctx, os.Stdin)
	})

	if err := cons.start(ctx); err != nil {
		slog.Warn("initial session start failed, type 'start' to retry", "err", err)
	}

	err = g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	if stopErr := app.ctrl.Stop(); stopErr != nil {
		slog.Warn("session stop error", "err", stopErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errQuit) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newHTTPServer(addr string, app *application, metrics *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET "+observe.ScrapePath, promhttp.Handler())
	health.New(health.SessionCheck(app.ctrl)).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// applyReload applies the hot-reloadable part of a config change and logs
// the rest.
func applyReload(ctx context.Context, level *slog.LevelVar, cons *console, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LanguageChanged {
		slog.Info("target language changed in config", "language", d.NewLanguage)
		cons.changeLanguage(ctx, d.NewLanguage)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "keys", d.RestartRequired)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        babelcast, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Endpoint", cfg.Backend.Endpoint)
	printRow("Dialect", string(cfg.Backend.Dialect))
	printRow("Language", cfg.Session.TargetLanguage)
	printRow("Lang policy", string(cfg.Session.LanguagePolicy))
	printRow("Source", cfg.Audio.Source)
	printRow("Segmenting", string(cfg.Encoder.Policy))
	printRow("Player", cfg.Playback.Player)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
	slog.Debug("registered components", "sources", reg.Sources(), "players", reg.Players())
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
