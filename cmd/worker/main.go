package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-consensus/internal/checks"
	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/ingest"
	"github.com/leozw/uptime-consensus/internal/logger"
	"github.com/leozw/uptime-consensus/internal/metrics"
	"github.com/leozw/uptime-consensus/internal/scheduler"
	"github.com/leozw/uptime-consensus/internal/storage"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()
	zlog = zlog.With(zap.String("worker_id", cfg.Worker.ID), zap.String("region", cfg.Worker.Region))

	// The worker only reads sites and grants; observations go through the API.
	st, closeStore, err := storage.Open(cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to open store", zap.Error(err))
	}
	defer closeStore()

	collector := metrics.NewCollector(cfg.Mimir, cfg.Worker.ID, zlog)
	executor := checks.NewExecutor(cfg.Worker, cfg.Probe, collector, zlog)
	reporter := ingest.NewReporter(cfg.Worker.APIURL, cfg.Auth.WorkerToken, cfg.Worker.ReportTimeout)
	sched := scheduler.NewScheduler(st, executor, reporter, collector, zlog, cfg.Scheduler, cfg.Worker.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Start(ctx)
	}()

	go collector.StartRemoteWrite(ctx)

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "worker": cfg.Worker.ID})
	})
	router.GET("/metrics", gin.WrapH(collector.Handler()))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	zlog.Info("Worker started", zap.String("api_url", cfg.Worker.APIURL))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("Shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Metrics server forced to shutdown", zap.Error(err))
	}

	cancel()
	<-done
	zlog.Info("Worker exited")
}
