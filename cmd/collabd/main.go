package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Ahui-qn/2video/internal/app/migrate"
	httpx "github.com/Ahui-qn/2video/internal/http"
	"github.com/Ahui-qn/2video/internal/repository"
	"github.com/Ahui-qn/2video/internal/repository/memory"
	"github.com/Ahui-qn/2video/internal/repository/postgres"
	"github.com/Ahui-qn/2video/internal/repository/sqlite"
	"github.com/Ahui-qn/2video/internal/service/auth"
	"github.com/Ahui-qn/2video/internal/service/collab"
	"github.com/Ahui-qn/2video/internal/service/project"
	"github.com/Ahui-qn/2video/internal/ws"
	"github.com/Ahui-qn/2video/pkg/config"
	"github.com/Ahui-qn/2video/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("collabd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open storage", "driver", cfg.StorageDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := ws.NewHub(ws.WithDropHandler(func(projectID string, client ws.Subscriber) {
		log.Warn("dropped slow subscriber", "project_id", projectID, "connection_id", client.ID())
	}))
	defer hub.Close()

	authSvc := auth.New(store, log, cfg)
	projectSvc := project.New(store, log)
	collabSvc := collab.New(store, hub, log, collab.WithMetrics(collab.NewMetrics(registry)))

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Deps{
		Auth:     authSvc,
		Projects: projectSvc,
		Collab:   collabSvc,
		Limiter:  limiter,
		DBHealth: store.Ping,
		Registry: registry,
		WS: ws.ClientOptions{
			SendBuffer:      cfg.WSSendBuffer,
			MaxMessageBytes: cfg.WSMaxMessageBytes,
			PingPeriod:      cfg.WSPingPeriod,
		},
		TrustedProxies: cfg.TrustedProxies,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("collab server starting", "addr", cfg.Addr, "storage", cfg.StorageDriver, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("collab server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openStore connects the configured driver and brings its schema up to date.
func openStore(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (repository.Store, error) {
	switch cfg.StorageDriver {
	case migrate.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		runner, err := migrate.New(migrate.DriverPostgres, cfg.DatabaseURL, log)
		if err != nil {
			pool.Close()
			return nil, err
		}
		defer runner.Close()
		if err := prepare(ctx, runner); err != nil {
			pool.Close()
			return nil, err
		}
		return postgres.New(pool), nil
	case migrate.DriverSQLite:
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		runner, err := migrate.FromDB(repo.DB(), migrate.DriverSQLite, log)
		if err != nil {
			repo.Close()
			return nil, err
		}
		if err := prepare(ctx, runner); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	case "memory":
		if cfg.IsProduction() {
			return nil, errors.New("memory storage is not allowed in production")
		}
		log.Warn("using in-memory storage; data is lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func prepare(ctx context.Context, runner migrate.Runner) error {
	if err := runner.Ping(ctx); err != nil {
		return err
	}
	return runner.Ensure(ctx)
}
