package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ripqueue/ripqueue/internal/config"
	"github.com/ripqueue/ripqueue/internal/fetch"
	"github.com/ripqueue/ripqueue/internal/fetch/direct"
	"github.com/ripqueue/ripqueue/internal/fetch/ytdlp"
	"github.com/ripqueue/ripqueue/internal/http/rest"
	"github.com/ripqueue/ripqueue/internal/logctx"
	"github.com/ripqueue/ripqueue/internal/notifier"
	"github.com/ripqueue/ripqueue/internal/queue"
	"github.com/ripqueue/ripqueue/internal/ratelimit"
	"github.com/ripqueue/ripqueue/internal/retention"
	"github.com/ripqueue/ripqueue/internal/storage/sqlite"
	"github.com/ripqueue/ripqueue/internal/telemetry"
)

const (
	serviceName    = "ripqueue"
	serviceVersion = "1.0.0"

	queueDepthInterval = 15 * time.Second
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("ripqueue starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// Error paths below must unwind the worker pool, not just signals.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedItemRepository(database, tel)

	// =========================================================================
	// Start Engine
	bucket := ratelimit.NewBucket(cfg.SpeedLimit)

	fetcher, err := buildFetcher(cfg, bucket)
	if err != nil {
		return fmt.Errorf("failed to build fetcher: %w", err)
	}

	engine := queue.NewEngine(queue.Config{
		Workers:      cfg.Workers,
		DownloadDir:  cfg.DownloadDir,
		AudioFormat:  cfg.AudioFormat,
		FetchTimeout: cfg.FetchTimeout,
		Repository:   repo,
		Fetcher:      fetch.NewInstrumentedFetcher(fetcher, cfg.Fetcher, tel),
		Bucket:       bucket,
	})
	defer func() {
		cancel()
		engine.Close()
	}()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// =========================================================================
	// Start Notification
	setupNotifications(ctx, engine, cfg)

	// =========================================================================
	// Start Retention
	sweeper := retention.NewSweeper(engine, cfg.RetentionWindow, cfg.SweepInterval, cfg.DeleteFilesOnExpiry)
	go sweeper.Run(ctx)

	// =========================================================================
	// Start Queue Depth Gauge
	go watchQueueDepth(ctx, engine, tel)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, engine, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for submissions...",
		"workers", cfg.Workers,
		"download_dir", cfg.DownloadDir,
		"audio_format", cfg.AudioFormat,
		"retention", cfg.RetentionWindow.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}

		return nil
	}
}

// This is an abstract factory for the fetch backend.
func buildFetcher(cfg *config.Config, bucket *ratelimit.Bucket) (fetch.Fetcher, error) {
	switch cfg.Fetcher {
	case "ytdlp":
		return ytdlp.New(cfg.YTDLPBinary, bucket, cfg.Workers), nil
	case "direct":
		return direct.New(&http.Client{}, bucket), nil
	}

	return nil, fmt.Errorf("invalid fetcher: %s", cfg.Fetcher)
}

func setupNotifications(ctx context.Context, engine *queue.Engine, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = notifier.NewWebhookNotifier(cfg.WebhookURL)
	}

	go func() {
		for item := range engine.OnItemFinished {
			logger.Info("download finished", "download_id", item.ID, "title", item.Title)

			if notif == nil {
				continue
			}

			msg := fmt.Sprintf("✅ Download finished: %s (%s)", item.Title, item.ID)
			if notifyErr := notif.Notify(ctx, msg); notifyErr != nil {
				logger.Error("failed to send notification", "download_id", item.ID, "err", notifyErr)
			}
		}
	}()

	go func() {
		for item := range engine.OnItemFailed {
			logger.Error("download failed", "download_id", item.ID, "category", item.ErrorCategory, "reason", item.Error)

			if notif == nil {
				continue
			}

			msg := fmt.Sprintf("❌ Download failed: %s (%s): %s", item.Title, item.ID, item.Error)
			if notifyErr := notif.Notify(ctx, msg); notifyErr != nil {
				logger.Error("failed to send notification", "download_id", item.ID, "err", notifyErr)
			}
		}
	}()
}

func watchQueueDepth(ctx context.Context, engine *queue.Engine, tel *telemetry.Telemetry) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queued, active, paused := engine.Stats()
			tel.RecordQueueDepth(int64(queued), int64(active), int64(paused))
		}
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, engine *queue.Engine, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewDownloadsHandler(engine, tel).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
