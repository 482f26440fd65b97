// Command voxmill is the speech synthesis service: HTTP gateway, durable job
// store, Redis-backed worker pipeline, and the XTTS engine facade.
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

	"github.com/voxmill/voxmill/internal/api"
	"github.com/voxmill/voxmill/internal/artifact"
	"github.com/voxmill/voxmill/internal/catalog"
	"github.com/voxmill/voxmill/internal/config"
	"github.com/voxmill/voxmill/internal/engine"
	"github.com/voxmill/voxmill/internal/engine/xtts"
	"github.com/voxmill/voxmill/internal/health"
	"github.com/voxmill/voxmill/internal/observe"
	"github.com/voxmill/voxmill/internal/queue"
	"github.com/voxmill/voxmill/internal/store/postgres"
	"github.com/voxmill/voxmill/internal/worker"
	"github.com/voxmill/voxmill/pkg/audio/transcode"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxmill: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxmill: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxmill starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"device", string(cfg.Engine.Device),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics provider ──────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Durable store ─────────────────────────────────────────────────────────
	st, err := postgres.New(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect to store", "err", err)
		return 1
	}
	defer st.Close()

	// ── Broker ────────────────────────────────────────────────────────────────
	broker, err := queue.NewRedisBroker(ctx, cfg.Queue.RedisURL, cfg.Queue.PollInterval, logger)
	if err != nil {
		slog.Error("failed to connect to broker", "err", err)
		return 1
	}
	defer broker.Close()

	if recovered, err := broker.Recover(ctx); err != nil {
		slog.Error("broker recovery failed", "err", err)
		return 1
	} else if recovered > 0 {
		slog.Info("requeued stranded deliveries", "count", recovered)
	}

	// ── On-disk layout ────────────────────────────────────────────────────────
	layout := artifact.Layout{
		ArtifactDir: cfg.Paths.ArtifactDir,
		VoiceDir:    cfg.Paths.VoiceDir,
		PresetDir:   cfg.Paths.PresetDir,
	}
	if err := layout.EnsureDirs(); err != nil {
		slog.Error("failed to prepare data directories", "err", err)
		return 1
	}

	// ── Catalogs ──────────────────────────────────────────────────────────────
	qualityCatalog := catalog.NewQualityCatalog(st, logger)
	if err := qualityCatalog.EnsureBuiltins(ctx); err != nil {
		slog.Error("failed to install builtin quality profiles", "err", err)
		return 1
	}
	voiceCatalog := catalog.NewVoiceCatalog(st, logger)

	// ── Engine ────────────────────────────────────────────────────────────────
	backend, err := xtts.New(cfg.Engine.ServerURL, xtts.WithTimeout(cfg.Engine.SynthesisTimeout))
	if err != nil {
		slog.Error("failed to create engine backend", "err", err)
		return 1
	}
	facade := engine.NewFacade(backend, engine.FacadeConfig{
		Device:           string(cfg.Engine.Device),
		CPUFallback:      cfg.Engine.CPUFallback,
		SynthesisTimeout: cfg.Engine.SynthesisTimeout,
	}, logger)
	if err := facade.Warmup(ctx); err != nil {
		slog.Error("engine warm-up failed", "err", err)
		return 1
	}

	// ── Worker pool ───────────────────────────────────────────────────────────
	transcoder := transcode.NewFFmpeg()
	pool := worker.New(st, broker, facade, qualityCatalog, layout, transcoder, metrics, worker.Config{
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		ShutdownGrace:     cfg.Server.ShutdownGrace,
	}, logger)

	// Sweep jobs stranded in processing by a previous instance. Deliveries for
	// them were requeued above; the sweep makes sure anything still marked
	// processing with no live owner goes terminal.
	if swept, err := st.ReconcileOrphans(ctx, cfg.Server.ShutdownGrace, pool.Inflight); err != nil {
		slog.Warn("orphan reconciliation failed", "err", err)
	} else if swept > 0 {
		slog.Info("abandoned orphaned jobs", "count", swept)
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	gateway := api.New(st, broker, qualityCatalog, voiceCatalog, layout, transcoder, logger,
		api.WithUploadReadTimeout(cfg.Server.UploadReadTimeout),
		api.WithMetrics(metrics),
	)

	mux := http.NewServeMux()
	gateway.Register(mux)
	health.New(facade.State,
		health.Checker{Name: "store", Check: st.Ping},
		health.Checker{Name: "queue", Check: broker.Ping},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics, logger)(mux),
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	workerDone := make(chan error, 1)
	go func() { workerDone <- pool.Run(ctx) }()

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		slog.Error("http server failed", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	gateway.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace+5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := <-workerDone; err != nil {
		slog.Warn("worker pool error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// newLogger builds the process logger from the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
