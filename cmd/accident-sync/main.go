package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mr1hm/go-aviation-accidents/internal/api"
	"github.com/mr1hm/go-aviation-accidents/internal/app"
	"github.com/mr1hm/go-aviation-accidents/internal/config"
	"github.com/mr1hm/go-aviation-accidents/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logger := logging.Setup(cfg.Logging.Level)

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port, "db_driver", cfg.DB.Driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		logging.Fatalf("Failed to initialize pipeline: %v", err)
	}
	defer a.Close()

	if cfg.Sync.Secret == "" && !cfg.Sync.TrustSchedulerHeader {
		slog.Warn("no SYNC_SECRET configured, trigger routes will reject every request")
	}

	// Start scheduled pollers
	a.Manager.Start(ctx, a.Schedules()...)

	// Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Set to false when using wildcard origins
	}))
	router.Use(api.RateLimitMiddleware(5)) // 5 req/s per client

	handler := api.NewHandler(a.Repo, a.Manager, a.Broadcaster, api.SyncAuth{
		Secret:               cfg.Sync.Secret,
		SchedulerHeader:      cfg.Sync.SchedulerHeader,
		TrustSchedulerHeader: cfg.Sync.TrustSchedulerHeader,
	}, api.WithLogger(logging.Component(logger, "api")))
	handler.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	cancel()
	a.Manager.Stop()
	a.Broadcaster.Close() // Ends open run streams

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}
