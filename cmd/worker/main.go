package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/atlas-bms/atlas/internal/app"
	"github.com/atlas-bms/atlas/internal/authz"
	"github.com/atlas-bms/atlas/internal/platform/cache"
	"github.com/atlas-bms/atlas/internal/platform/db"
	"github.com/atlas-bms/atlas/internal/shared"
	"github.com/atlas-bms/atlas/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	repo := authz.NewRepository(pool)
	authzCache := authz.NewCache(redisClient, cfg.AuthzCacheTTL)
	auditLogger := shared.NewAuditLogger(pool)
	admin := authz.NewAdmin(repo, repo, authzCache, auditLogger, nil, logger)

	handlers := &jobs.Handlers{
		Admin:  admin,
		Store:  repo,
		Logger: logger,
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuthzGroupInvalidate, Handler: handlers.HandleGroupInvalidate},
			{Type: jobs.TaskAuthzExpirySweep, Handler: handlers.HandleExpirySweep},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "45 2 * * *", Task: jobs.NewExpirySweepTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
