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

	"github.com/redis/go-redis/v9"

	api "agent-queue/internal/api"
	"agent-queue/internal/config"
	"agent-queue/internal/ratelimit"
	"agent-queue/internal/service"
	"agent-queue/internal/store"
	"agent-queue/internal/store/memory"
	"agent-queue/internal/telemetry"
)

type repository interface {
	service.Repository
	Ping(ctx context.Context) error
	Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repo, err := openRepository(ctx, cfg, log)
	if err != nil {
		log.Error("open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	var limiter api.Limiter
	if cfg.RateLimitEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	svc := service.New(repo, service.OptionsFromConfig(cfg), log)
	resolver := service.NewResolver(repo, service.ResolverOptions{
		FederatedSecret: cfg.FederatedJWTSecret,
		FederatedIssuer: cfg.FederatedJWTIssuer,
		AllowAnonymous:  cfg.AllowAnonymousWorkers,
	})
	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN is not set; operator endpoints are unauthenticated")
	}
	server := api.New(svc, resolver, api.Options{
		Limiter:    limiter,
		Health:     repo,
		AdminToken: cfg.AdminToken,
		Logger:     log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "addr", httpServer.Addr, "store", cfg.StoreDriver, "rate_limit", cfg.RateLimitEnabled)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}

func openRepository(ctx context.Context, cfg config.Config, log *slog.Logger) (repository, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store; state is lost on restart and not shared between instances")
		return memory.New(), nil
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
