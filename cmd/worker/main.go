package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hugh/tenantgate/internal/billing"
	"github.com/hugh/tenantgate/internal/catalog"
	"github.com/hugh/tenantgate/internal/database"
	"github.com/hugh/tenantgate/internal/entitlement"
	"github.com/hugh/tenantgate/internal/notify"
	"github.com/hugh/tenantgate/internal/tasks"
	"github.com/hugh/tenantgate/pkg/config"
	"github.com/hugh/tenantgate/pkg/queue"
	"github.com/hugh/tenantgate/pkg/util"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := util.NewLogger(cfg.Server.Env)
	slog.SetDefault(logger)

	logger.Info("starting tenantgate worker", "concurrency", cfg.Worker.Concurrency)

	// Connect to database
	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	// Redis backs the plan catalog cache; the catalog falls back to the
	// database when it is unreachable.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warn("failed to connect to Redis, catalog cache disabled", "error", err)
		redisClient = nil
	}

	asynqClient := queue.NewClient(&cfg.Redis)

	// Build the reconciler. Notifications it raises go back onto the queue
	// and are delivered by this same worker.
	store := entitlement.NewStore(db, logger)
	plans := catalog.New(db, redisClient, cfg.Catalog.CacheTTL(), logger)
	reconciler := billing.NewReconciler(db, store, plans, notify.NewDispatcher(asynqClient, logger), logger)

	handler := tasks.NewHandler(reconciler, notify.NewLogSender(logger), logger, tasks.HandlerConfig{
		NotFoundMaxRetries: cfg.Billing.NotFoundMaxRetries,
		Retention:          cfg.Ledger.Retention(),
	})

	// Register handlers
	mux := asynq.NewServeMux()
	handler.RegisterHandlers(mux)

	srv := queue.NewServer(&cfg.Redis, cfg.Worker.Concurrency)

	// Periodic ledger pruning
	scheduler := queue.NewScheduler(&cfg.Redis)
	pruneTask, err := tasks.NewLedgerPruneTask(tasks.LedgerPrunePayload{})
	if err != nil {
		logger.Error("failed to build prune task", "error", err)
		os.Exit(1)
	}
	entryID, err := scheduler.Register(cfg.Ledger.PruneCron, pruneTask)
	if err != nil {
		logger.Error("failed to schedule ledger prune", "cron", cfg.Ledger.PruneCron, "error", err)
		os.Exit(1)
	}
	if next, err := util.NextCronTime(cfg.Ledger.PruneCron, time.Now()); err == nil {
		logger.Info("ledger prune scheduled", "entry_id", entryID, "cron", cfg.Ledger.PruneCron, "next_run", next)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Handle shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutting down worker...")
		scheduler.Shutdown()
		srv.Shutdown()
		cancel()
	}()

	logger.Info("worker started, waiting for tasks...")

	// Start the server
	if err := srv.Run(mux); err != nil {
		logger.Error("worker error", "error", err)
	}

	// Wait for context cancellation
	<-ctx.Done()

	asynqClient.Close()
	if redisClient != nil {
		redisClient.Close()
	}

	// Close database connection
	sqlDB, _ := db.DB()
	sqlDB.Close()

	logger.Info("worker stopped")
}
