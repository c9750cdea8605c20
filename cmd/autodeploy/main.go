package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/splax/autodeploy/internal/app/migrate"
	"github.com/splax/autodeploy/internal/deployconf"
	"github.com/splax/autodeploy/internal/git"
	httpx "github.com/splax/autodeploy/internal/http"
	"github.com/splax/autodeploy/internal/lock"
	"github.com/splax/autodeploy/internal/repository"
	"github.com/splax/autodeploy/internal/repository/memory"
	"github.com/splax/autodeploy/internal/repository/postgres"
	"github.com/splax/autodeploy/internal/service/deploy"
	"github.com/splax/autodeploy/internal/workspace"
	"github.com/splax/autodeploy/internal/ws"
	"github.com/splax/autodeploy/pkg/config"
	"github.com/splax/autodeploy/pkg/logger"
)

const (
	defaultAddr     = ":8080"
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg := config.LoadAgentConfig()
	pflag.StringVarP(&cfg.ConfigPath, "config", "c", cfg.ConfigPath, "deployment document (.json, .jsonc, .yaml)")
	pflag.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (default from server.port, then "+defaultAddr+")")
	pflag.StringVar(&cfg.ReposDir, "repos-dir", cfg.ReposDir, "directory holding working copies")
	pflag.StringVar(&cfg.GitBackend, "git-backend", cfg.GitBackend, "git implementation: cli or native")
	pflag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	pflag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "rolling log file, or \"off\"")
	pflag.Parse()

	var sink io.Writer = os.Stdout
	if cfg.FileLogging() {
		fileSink, err := logger.OpenFileSink(cfg.LogFile, logger.RotateOptions{
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxAgeDays: cfg.LogMaxAgeDays,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   cfg.LogCompress,
			Daily:      cfg.LogRotateDaily,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer fileSink.Close()
		sink = fileSink
	}
	level := logger.ParseLevel(cfg.LogLevel)
	log := logger.NewWithWriter(sink, "autodeploy", level)

	doc, err := deployconf.Load(cfg.ConfigPath)
	if err != nil {
		log.Error("failed to load deployment configuration", "error", err)
		os.Exit(1)
	}
	if doc.Server.Layout != "" {
		log = logger.NewWithTimeFormat(sink, "autodeploy", level, doc.Server.Layout)
	}
	for _, warning := range doc.Warnings() {
		log.Warn("deployment configuration", "warning", warning)
	}
	log.Debug("deployment configuration loaded", "path", cfg.ConfigPath, "repositories", len(doc.Repositories))

	addr := resolveAddr(cfg.Addr, doc.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsm, err := workspace.New(cfg.ReposDir)
	if err != nil {
		log.Error("failed to prepare repositories directory", "dir", cfg.ReposDir, "error", err)
		os.Exit(1)
	}
	log.Info("repositories directory ready", "dir", wsm.Root())

	backend, err := newBackend(cfg)
	if err != nil {
		log.Error("invalid git backend", "error", err)
		os.Exit(1)
	}

	checks := map[string]httpx.HealthCheck{
		"workspace": func(context.Context) error { return wsm.Check() },
	}

	var locker lock.Locker = lock.NewLocal()
	var limiter httpx.RateLimiter
	var redisClient *redis.Client
	if redisAddr := strings.TrimSpace(cfg.RedisAddr); redisAddr != "" {
		redisLock, err := lock.NewRedis(redisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LockTTL, log)
		if err != nil {
			log.Warn("redis unavailable, using in-process locking and rate limits", "error", err)
		} else {
			defer redisLock.Close()
			redisClient = redisLock.Client()
			locker = lock.Chain{locker, redisLock}
			limiter = httpx.NewRedisRateLimiter(redisClient, log)
			checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		}
	}

	var history repository.DeploymentRepository = memory.New(cfg.HistoryLimit)
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		pool, err := openDatabase(ctx, dsn, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("database setup failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		history = postgres.New(pool)
		checks["database"] = pool.Ping
	}

	hub := ws.NewHub()
	defer hub.Close()
	stream := deploy.NewStream(hub, log)
	metrics := deploy.NewMetrics(nil)

	orchestrator := deploy.NewOrchestrator(backend, wsm, deploy.OrchestratorOptions{
		StageTimeout: cfg.StageTimeout,
		Policy:       doc.StagePolicy,
		Logger:       log,
		Observers:    []deploy.StageObserver{metrics, stream},
	})
	svc := deploy.New(doc, orchestrator, locker, history, deploy.Options{
		LockWait:  cfg.LockWait,
		Logger:    log,
		Metrics:   metrics,
		Observers: []deploy.StageObserver{stream},
	})

	router := httpx.NewRouter(log, svc, httpx.Options{
		Hub:              hub,
		Limiter:          limiter,
		WebhookRateLimit: cfg.WebhookRateLimit,
		HealthChecks:     checks,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("autodeploy listening", "addr", addr, "git_backend", cfg.GitBackend, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := svc.Wait(shutdownCtx); err != nil {
			log.Warn("in-flight deploys cancelled", "error", err)
		}
		log.Info("autodeploy stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func resolveAddr(addr string, port int) string {
	if strings.TrimSpace(addr) != "" {
		return addr
	}
	if port > 0 {
		return fmt.Sprintf(":%d", port)
	}
	return defaultAddr
}

func newBackend(cfg config.AgentConfig) (git.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.GitBackend)) {
	case "", "cli":
		return git.NewCLI(git.ExecRunner{}, cfg.GitBinary), nil
	case "native":
		var auth *git.Auth
		if cfg.GitToken != "" {
			auth = &git.Auth{Username: cfg.GitUsername, Token: cfg.GitToken}
		}
		return git.NewNative(auth), nil
	default:
		return nil, fmt.Errorf("unknown git backend %q (want cli or native)", cfg.GitBackend)
	}
}

func openDatabase(ctx context.Context, dsn, migrationsDir string, log *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	runner, err := migrate.New(dsn, migrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := runner.Ensure(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
