package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/homecare/homecare/cmd/homecare/cli"
	"github.com/homecare/homecare/internal/app"
	"github.com/homecare/homecare/internal/audit"
	"github.com/homecare/homecare/internal/observability"
	"github.com/homecare/homecare/internal/platform/cache"
	"github.com/homecare/homecare/internal/platform/db"
	"github.com/homecare/homecare/internal/rbac"
	"github.com/homecare/homecare/jobs"
)

type poolPinger struct {
	ping func(ctx context.Context) error
}

func (p poolPinger) Ping(ctx context.Context) error { return p.ping(ctx) }

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(ctx, cfg, logger, os.Args[2:]))
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, "homecare")
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		if cfg.AuthzCacheBackend == app.CacheBackendRedis {
			logger.Error("redis required by authz cache", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	core, err := app.NewAuthz(app.AuthzParams{
		Logger:  logger,
		Config:  cfg,
		Store:   rbac.NewRepository(dbpool),
		Audit:   audit.MultiSink{audit.NewPostgresSink(dbpool), audit.NewLogSink(logger)},
		Redis:   optionalRedis(cfg, redisClient),
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("init authz core", slog.Any("error", err))
		os.Exit(1)
	}
	if err := core.Start(ctx); err != nil {
		logger.Error("start authz core", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:  logger,
		Config:  cfg,
		Authz:   core,
		Metrics: metrics,
		Jobs:    jobs.NewHandler(inspector, logger),
		Health:  poolPinger{ping: dbpool.Ping},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// optionalRedis returns the client only when some authz component uses it.
func optionalRedis(cfg *app.Config, client *redis.Client) *redis.Client {
	if cfg.AuthzCacheBackend == app.CacheBackendRedis || cfg.AuthzInvalidationBroadcast {
		return client
	}
	return nil
}

func runJobsCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
	}()

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: homecare jobs trigger <job> | stats | scheduled")
		return 2
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: homecare jobs trigger <job>")
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			logger.Error("trigger job", slog.String("job", args[1]), slog.Any("error", err))
			return 1
		}
		logger.Info("job enqueued", slog.String("id", info.ID), slog.String("type", info.Type))
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			logger.Error("inspect queue", slog.Any("error", err))
			return 1
		}
		_ = enc.Encode(stats)
	case "scheduled":
		tasks, err := jobsCLI.ListScheduled(ctx, 20)
		if err != nil {
			logger.Error("list scheduled", slog.Any("error", err))
			return 1
		}
		for _, t := range tasks {
			_ = enc.Encode(map[string]any{"id": t.ID, "type": t.Type, "next_process_at": t.NextProcessAt})
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs command %q\n", args[0])
		return 2
	}
	return 0
}
