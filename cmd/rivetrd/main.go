package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rivetr/rivetr/internal/app/migrate"
	"github.com/rivetr/rivetr/internal/executor/docker"
	httpx "github.com/rivetr/rivetr/internal/http"
	"github.com/rivetr/rivetr/internal/repository/postgres"
	appsvc "github.com/rivetr/rivetr/internal/service/app"
	"github.com/rivetr/rivetr/internal/service/auth"
	"github.com/rivetr/rivetr/internal/service/deploy"
	"github.com/rivetr/rivetr/internal/service/logs"
	"github.com/rivetr/rivetr/internal/stream"
	"github.com/rivetr/rivetr/internal/workspace"
	"github.com/rivetr/rivetr/internal/ws"
	"github.com/rivetr/rivetr/pkg/config"
	"github.com/rivetr/rivetr/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("rivetrd", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	exec, err := docker.New(cfg.DockerHost, cfg.StopTimeout, log)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer exec.Close()
	if err := exec.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	pipelineHub := ws.NewHub()

	authSvc := auth.New(repo, cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, log)
	if err := authSvc.EnsureOperator(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.Error("failed to bootstrap operator", "error", err)
		os.Exit(1)
	}
	appSvc := appsvc.New(repo, cfg.EnvEncryptionKey, log)
	logSvc := logs.New(repo, pipelineHub, log)

	store := deploy.NewStore(repo)
	pipeline := deploy.NewPipeline(store, logSvc, exec, workspaces, appSvc, deploy.Config{
		GitTimeout:          cfg.GitTimeout,
		BuildTimeout:        cfg.BuildTimeout,
		StartTimeout:        cfg.StartTimeout,
		HealthcheckDeadline: cfg.HealthcheckDeadline,
	}, log)
	scheduler := deploy.NewScheduler(ctx, store, pipeline, cfg.Registry, log)

	streams := stream.NewManager(repo, exec, cfg.LogTailBuffer, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, appSvc, scheduler, store, logSvc, streams, limiter, map[string]func(context.Context) error{
		"database": pool.Ping,
		"docker":   exec.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("rivetrd starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := scheduler.Wait(shutdownCtx); err != nil {
			log.Warn("pipelines still winding down at exit", "error", err)
		}
		log.Info("rivetrd stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
