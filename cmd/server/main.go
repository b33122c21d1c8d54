package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/alerting"
	"github.com/gridpulse/metering-plane/internal/archive"
	"github.com/gridpulse/metering-plane/internal/billing"
	"github.com/gridpulse/metering-plane/internal/config"
	"github.com/gridpulse/metering-plane/internal/gateway"
	"github.com/gridpulse/metering-plane/internal/ingress"
	"github.com/gridpulse/metering-plane/internal/metering"
	"github.com/gridpulse/metering-plane/internal/notifications"
	"github.com/gridpulse/metering-plane/internal/pipeline"
	"github.com/gridpulse/metering-plane/internal/recalc"
	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/cache"
	"github.com/gridpulse/metering-plane/pkg/database"
	"github.com/gridpulse/metering-plane/pkg/events"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting GridPulse Metering Plane")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	pgStore := store.NewPostgresStore(db)
	if err := pgStore.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("failed to apply schema", zap.Error(err))
	}

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)

	// Alert delivery channels
	notifier := notifications.FromEnv(logger)
	monitor := alerting.NewMonitor(pgStore, notifier, eventBus, logger)

	// Rate tables are read on every sample; front the store with the
	// Redis cache.
	rates := billing.NewCachedRateSource(billing.NewStoreRateSource(pgStore), redisCache, cfg.Ingest.RateCacheTTL, logger)

	// Optional raw-sample archive
	var archiver pipeline.Archiver
	if cfg.Archive.Enabled {
		influx := archive.NewInfluxArchive(cfg.Archive, logger)
		defer influx.Close()
		archiver = influx
		logger.Info("telemetry archive enabled", zap.String("url", cfg.Archive.URL))
	}

	aggregator := metering.NewAggregator(logger)
	pipe := pipeline.New(cfg.Ingest, pgStore, aggregator, rates, monitor, eventBus, archiver, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background recalculation sweep
	if cfg.Recalc.Enabled {
		recalculator := recalc.New(pgStore, rates, aggregator, monitor, eventBus, cfg.Recalc.Interval, logger)
		go recalculator.Start(ctx)
	}

	// Streaming ingress
	if cfg.Kafka.Enabled {
		consumer, err := ingress.NewKafkaConsumer(cfg.Kafka, pipe, logger)
		if err != nil {
			logger.Fatal("failed to initialize kafka ingress", zap.Error(err))
		}
		defer consumer.Close()
		go consumer.Start(ctx)
	}
	if cfg.MQTT.Enabled {
		subscriber := ingress.NewMQTTSubscriber(cfg.MQTT, pipe, logger)
		go func() {
			if err := subscriber.Start(ctx); err != nil {
				logger.Error("mqtt ingress failed", zap.Error(err))
			}
		}()
	}

	// Initialize API gateway
	gw := gateway.NewGateway(pgStore, pipe, rates, db, redisCache, eventBus, cfg.Security.AdminAPIToken, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
