// Forgebox - AI agent sandbox fleet server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/avetra/forgebox/internal/agentclient"
	"github.com/avetra/forgebox/internal/api"
	"github.com/avetra/forgebox/internal/approval"
	"github.com/avetra/forgebox/internal/config"
	"github.com/avetra/forgebox/internal/eventsync"
	"github.com/avetra/forgebox/internal/middleware"
	"github.com/avetra/forgebox/internal/runtime"
	"github.com/avetra/forgebox/internal/sandbox"
	"github.com/avetra/forgebox/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// One-time migration from the pre-multitenant schema, run before the
	// server accepts requests.
	deleted, err := repo.CleanupLegacyState(context.Background())
	if err != nil {
		slog.Error("Failed to cleanup legacy state", "error", err)
		os.Exit(1)
	}
	if deleted > 0 {
		slog.Info("Legacy state cleanup complete", "rows_deleted", deleted)
	}

	adapter, err := runtime.NewDockerAdapter(cfg.ContainerRuntime, cfg.SandboxNetwork)
	if err != nil {
		slog.Error("Failed to initialize container runtime", "error", err)
		os.Exit(1)
	}
	slog.Info("Container runtime initialized")

	networkID, err := adapter.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure sandbox network", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox network ready", "network_id", networkID)

	approvals := approval.NewCache()
	engine := eventsync.NewEngine(repo, approvals, agentclient.NewFactory(), cfg.Sync)
	coord := sandbox.NewCoordinator(repo, adapter, engine, cfg)
	handler := api.NewHandler(coord, engine, repo)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper := sandbox.NewReaper(coord, repo, cfg.ReaperInterval, cfg.IdleStopAfter)
	reaper.Start(ctx)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
