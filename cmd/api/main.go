package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"mathviz/internal/api"
	"mathviz/internal/config"
	"mathviz/internal/queue"
	"mathviz/internal/ratelimit"
	"mathviz/internal/storage"
	"mathviz/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(queue.Options{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		VisibilityTTL: cfg.JobDeadline + time.Minute,
	})

	artifacts, err := newArtifactStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("init artifact store", "error", err)
		os.Exit(1)
	}

	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(api.Config{
		JWTSecret: cfg.JWTSecret,
		QueueMax:  cfg.QueueMax,
	}, st, q, artifacts, limiter, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newArtifactStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.StorageBucket == "" {
		logger.Warn("no storage bucket configured, using local artifact store", "dir", cfg.StorageLocalDir)
		return storage.NewLocalStore(cfg.StorageLocalDir), nil
	}
	return storage.NewS3Store(ctx, storage.Config{
		Bucket:    cfg.StorageBucket,
		Prefix:    cfg.StoragePrefix,
		Region:    cfg.StorageRegion,
		Endpoint:  cfg.StorageEndpoint,
		PathStyle: cfg.StoragePathStyle,
	}, logger)
}
