package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/homecare/homecare/internal/app"
	"github.com/homecare/homecare/internal/audit"
	jobmetrics "github.com/homecare/homecare/internal/jobs"
	"github.com/homecare/homecare/internal/platform/cache"
	"github.com/homecare/homecare/internal/platform/db"
	"github.com/homecare/homecare/internal/rbac"
	"github.com/homecare/homecare/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, "homecare-worker")
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("redis ping", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	// The sweep invalidates through the same cache topology as the API so a
	// shared Redis backend or the broadcast channel reaches every process.
	core, err := app.NewAuthz(app.AuthzParams{
		Logger: logger,
		Config: cfg,
		Store:  rbac.NewRepository(pool),
		Audit:  audit.MultiSink{audit.NewPostgresSink(pool), audit.NewLogSink(logger)},
		Redis:  redisClient,
	})
	if err != nil {
		logger.Error("init authz core", slog.Any("error", err))
		os.Exit(1)
	}

	sweepJob := jobs.NewAssignmentSweepJob(core.Service, logger, jobmetrics.NewMetrics(nil))
	sweepTask, err := jobs.NewAssignmentSweepTask("cron", time.Time{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAssignmentSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AuthzSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
