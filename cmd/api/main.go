package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/leozw/uptime-consensus/internal/api"
	"github.com/leozw/uptime-consensus/internal/api/handlers"
	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/consensus"
	"github.com/leozw/uptime-consensus/internal/events"
	"github.com/leozw/uptime-consensus/internal/incidents"
	"github.com/leozw/uptime-consensus/internal/logger"
	"github.com/leozw/uptime-consensus/internal/metrics"
	"github.com/leozw/uptime-consensus/internal/notify"
	"github.com/leozw/uptime-consensus/internal/report"
	"github.com/leozw/uptime-consensus/internal/status"
	"github.com/leozw/uptime-consensus/internal/storage"
	"github.com/leozw/uptime-consensus/internal/storage/dynamodb"
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

	st, closeStore, err := storage.Open(cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to open store", zap.Error(err))
	}
	defer closeStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	collector := metrics.NewCollector(cfg.Mimir, "", zlog)
	bus := events.NewBus()

	// Subscribers doing I/O each get their own buffered queue.
	incidentService := incidents.NewService(st, collector, zlog)
	incidentQueue := events.NewAsync("incidents", incidentService.Handle, cfg.Notify.BufferSize, zlog, events.StatusUpdated)
	bus.Subscribe(incidentQueue.Handle)
	run(incidentQueue.Run)

	dispatcher := notify.NewDispatcher(st, cfg.Notify, collector, zlog)
	notifyQueue := events.NewAsync("notify", dispatcher.Handle, cfg.Notify.BufferSize, zlog,
		events.StatusChanged, events.ReportDue)
	bus.Subscribe(notifyQueue.Handle)
	run(notifyQueue.Run)

	if cfg.Archive.Enabled {
		client, err := dynamodb.NewClient(ctx, cfg.Archive.Region)
		if err != nil {
			zlog.Fatal("Failed to create DynamoDB client", zap.Error(err))
		}
		archiver := dynamodb.NewArchiver(client, cfg.Archive.TableName, collector, zlog)
		archiveQueue := events.NewAsync("archive", archiver.Handle, cfg.Notify.BufferSize, zlog, events.StatusUpdated)
		bus.Subscribe(archiveQueue.Handle)
		run(archiveQueue.Run)
		zlog.Info("Status archive enabled", zap.String("table", cfg.Archive.TableName))
	}

	aggregator := consensus.NewAggregator(st, bus, collector, zlog, cfg.Consensus)
	statusService := status.NewService(st, cfg.Consensus.Window, zlog)

	// The schedule also drives the retention sweep, so it runs even with
	// reports disabled.
	generator := report.NewGenerator(st, bus, collector, zlog, cfg.Reports)
	run(func(ctx context.Context) {
		if err := generator.Start(ctx); err != nil {
			zlog.Error("Report scheduler stopped", zap.Error(err))
		}
	})

	run(collector.StartRemoteWrite)

	gin.SetMode(cfg.Server.Mode)
	h := handlers.NewHandler(st, aggregator, statusService, incidentService, collector, zlog)
	router := api.NewRouter(h, cfg.Auth, collector.Handler(), zlog)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	zlog.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Server forced to shutdown", zap.Error(err))
	}
	cancel()
	wg.Wait()

	zlog.Info("Server exited")
}
