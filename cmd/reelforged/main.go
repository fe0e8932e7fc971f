// Command reelforged runs one worker replica: queue consumer, workflow
// engine, HTTP API and websocket event stream in a single process.
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

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/reelforge/reelforge/pkg/api"
	"github.com/reelforge/reelforge/pkg/blob"
	"github.com/reelforge/reelforge/pkg/capability"
	"github.com/reelforge/reelforge/pkg/config"
	"github.com/reelforge/reelforge/pkg/dispatcher"
	"github.com/reelforge/reelforge/pkg/events"
	"github.com/reelforge/reelforge/pkg/pipeline"
	"github.com/reelforge/reelforge/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("reelforged exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	_ = godotenv.Load() // absent .env is fine

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		logger.Warn("config file not found, using defaults", "path", *configPath)
		cfg = config.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store := storage.New(db)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	blobs, err := blob.NewStore(ctx, blob.Options{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("connect blob store: %w", err)
	}

	// Capability backends.
	text := capability.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	images, err := capability.NewGeminiClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		return fmt.Errorf("connect image backend: %w", err)
	}
	defer images.Close()
	videos := capability.NewVideoClient(cfg.VideoBackend.Endpoint, cfg.VideoBackend.PollEvery, cfg.VideoBackend.PollTimeout)

	// Events.
	bus := events.NewBus(logger)
	defer bus.Close()
	hub := events.NewHub(bus, logger)
	go hub.Run(ctx)

	// Engine.
	engine := pipeline.NewEngine(
		store, blobs, text, images, videos, text,
		pipeline.NewFFmpegStitcher(cfg.Render.FFmpegPath, cfg.Render.WorkDir),
		bus,
		pipeline.Options{
			Frame:              cfg.Quality.Frame,
			Video:              cfg.Quality.Video,
			SafetyRetries:      cfg.Quality.SafetyRetries,
			IncrementalPreview: cfg.Render.IncrementalPreview,
		},
		logger,
	)

	// Dispatcher.
	workerID := hostWorkerID()
	disp := dispatcher.New(engine, store, store, bus, dispatcher.Options{
		WorkerID:  workerID,
		LockTTL:   cfg.Lock.TTL,
		Heartbeat: cfg.Lock.Heartbeat,
	}, logger)
	srv := dispatcher.NewServer(cfg.Redis.Addr, cfg.Redis.Password, cfg.Worker.Concurrency)
	if err := srv.Start(disp.Mux()); err != nil {
		return fmt.Errorf("start queue consumer: %w", err)
	}
	defer srv.Shutdown()

	janitor := dispatcher.NewJanitor(store, logger)
	if err := janitor.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer janitor.Stop()

	// HTTP API.
	queue := dispatcher.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Worker.TaskTimeout)
	defer queue.Close()
	apiSrv := api.NewServer(store, queue, hub, logger)
	httpSrv := &http.Server{Addr: cfg.Server.Addr, Handler: apiSrv.Router()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	logger.Info("reelforged running",
		"worker_id", workerID, "addr", cfg.Server.Addr, "redis", cfg.Redis.Addr)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func hostWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.New().String()[:8]
}
