// Package main is the driftwatch comparison command. It analyzes two
// datasets laid out on disk and prints the drift verdict as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jparkml/driftwatch/internal/cache"
	"github.com/jparkml/driftwatch/internal/config"
	"github.com/jparkml/driftwatch/internal/dataset"
	"github.com/jparkml/driftwatch/internal/service"
	"github.com/jparkml/driftwatch/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("driftwatch failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		subject     = flag.String("subject", "", "subject dataset ID (directory under -data)")
		counterpart = flag.String("counterpart", "", "counterpart dataset ID to compare against")
		dataDir     = flag.String("data", "./data", "root directory holding dataset directories")
		force       = flag.Bool("force", false, "recompute all inputs, ignoring cached analyses")
	)
	flag.Parse()

	if *subject == "" || *counterpart == "" {
		return fmt.Errorf("both -subject and -counterpart are required")
	}

	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "workers", cfg.Queue.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Wire the service against the filesystem collaborators
	collaborators := dataset.NewFileCollaborators(*dataDir)
	svc := service.NewDriftService(
		store.NewPostgresStore(pool),
		redisCache,
		*cfg,
		collaborators,
		collaborators,
		collaborators,
		slog.Default(),
	)

	// 6. Compare
	slog.Info("comparing datasets",
		"subject", *subject, "counterpart", *counterpart, "force", *force)
	verdict, err := svc.ComputeDrift(ctx, *subject, *counterpart, *force)
	if err != nil {
		return fmt.Errorf("compute drift: %w", err)
	}

	out, err := json.MarshalIndent(verdict, "", "  ")
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	fmt.Println(string(out))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("drain workers: %w", err)
	}

	slog.Info("done",
		"overall_score", verdict.Ensemble.OverallScore,
		"status", verdict.Ensemble.Status)
	return nil
}
