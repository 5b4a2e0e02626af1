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
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pairquiz/config"
	"pairquiz/internal/cache"
	"pairquiz/internal/limiter"
	"pairquiz/internal/registry"
	"pairquiz/internal/repository"
	"pairquiz/internal/service"
	"pairquiz/internal/session"
	"pairquiz/internal/transport/rest"
	"pairquiz/internal/transport/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := config.Load()
	ctx := context.Background()

	// MongoDB connection
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Error("failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer mongoClient.Disconnect(ctx)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mongoClient.Ping(pingCtx, nil); err != nil {
		logger.Error("failed to ping MongoDB", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to MongoDB")

	db := mongoClient.Database(cfg.MongoDatabase)

	// Redis connection
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.Error("failed to ping Redis", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to Redis")

	sessionRepo := repository.NewSessionRepo(db)
	snapshots := cache.NewSessionCache(rdb, cfg.SnapshotTTL)

	metrics := session.NewMetrics()
	hub := ws.NewHub(logger)
	lim := limiter.NewSlidingWindow(cfg.RateLimitWindow, cfg.RateLimitMax)
	reg := registry.New(cfg.HeartbeatTimeout, cfg.HeartbeatInterval, logger)
	authSvc := service.NewAuthService(cfg.JWTSecret)

	coordinator := session.NewCoordinator(sessionRepo, snapshots, hub, metrics, cfg.SessionStaleAfter, logger)

	router := ws.NewRouter(coordinator, reg, hub, authSvc, metrics, logger)
	wsHandler := ws.NewHandler(hub, lim, reg, router, metrics, logger)

	// Cleanup sweeper: reaps abandoned sessions and aged-out limiter entries.
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := coordinator.Sweep(sweepCtx); n > 0 {
					logger.Info("sweeper evicted sessions", "count", n)
				}
				lim.Prune()
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	httpRouter := rest.NewRouter(&rest.Container{
		AuthService: authSvc,
		Metrics:     metrics,
		Registry:    reg,
		Coordinator: coordinator,
		WSHandler:   wsHandler,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: httpRouter,
	}

	go func() {
		logger.Info("server starting", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen and serve", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	stopSweeper()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited")
}
