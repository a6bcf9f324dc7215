// Package main implements the entry point for the voxnote API server,
// which turns uploaded voice notes into transcripts and action items
// and streams per-task progress to clients.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/voxnote/voxnote-api/internal/api"
	"github.com/voxnote/voxnote-api/internal/config"
	"github.com/voxnote/voxnote-api/internal/consumer"
	"github.com/voxnote/voxnote-api/internal/pipeline"
	"github.com/voxnote/voxnote-api/internal/platform/gemini"
	"github.com/voxnote/voxnote-api/internal/platform/logger"
	"github.com/voxnote/voxnote-api/internal/platform/objectstore"
	"github.com/voxnote/voxnote-api/internal/platform/postgres"
	"github.com/voxnote/voxnote-api/internal/platform/redisq"
	"github.com/voxnote/voxnote-api/internal/service/auth"
	"github.com/voxnote/voxnote-api/internal/status"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"queue_stream", cfg.Redis.Stream)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database.
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Redis: durable queue, status history, workflow notifications.
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	queue, err := redisq.NewQueue(redisClient, cfg.Redis.Stream, cfg.Redis.Group)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	historyStore := redisq.NewHistoryStore(redisClient)
	announcer := redisq.NewAnnouncer(redisClient)

	// Stores and model adapters.
	taskStore := postgres.NewPostgresTaskStore(db, appLogger)

	objectStore, err := objectstore.New(cfg.ObjectStore, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize object store client: %w", err)
	}
	defer func() { _ = objectStore.Close() }()

	modelClient, err := gemini.New(ctx, appLogger, cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to initialize model client: %w", err)
	}

	// Status broadcast and pipeline.
	registry := status.NewRegistry(status.DefaultHistoryCapacity, historyStore, appLogger)
	defer registry.Stop()

	orchestrator := pipeline.NewOrchestrator(
		taskStore,
		objectStore,
		modelClient,
		modelClient,
		modelClient,
		registry,
		cfg.Pipeline.ConfirmTimeout,
		appLogger,
	)

	consumerCfg := consumer.DefaultConfig()
	if hostname, err := os.Hostname(); err == nil {
		consumerCfg.Consumer = hostname
	}
	queueConsumer := consumer.New(queue, orchestrator, announcer, consumerCfg, appLogger)
	queueConsumer.Start()
	defer queueConsumer.Stop()

	// HTTP surface.
	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	router := api.NewRouter(api.RouterDeps{
		Tasks:      taskStore,
		Queue:      queue,
		Registry:   registry,
		JWTService: jwtService,
		Logger:     appLogger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
		appLogger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}

	appLogger.Info("server stopped")
	return nil
}
