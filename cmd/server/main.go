package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cart-service/config"
	"cart-service/internal/api"
	"cart-service/internal/broker"
	"cart-service/internal/cartapi"
	"cart-service/internal/redisclient"
	"cart-service/internal/service"
	"cart-service/internal/store"
	"cart-service/internal/util"
	"cart-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting cart service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Business.GuestCartTTL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	checks := []api.ReadinessCheck{{Name: "redis", Check: redisClient.Ping}}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var local service.LocalStore = redisClient
	switch cfg.LocalStore.Driver {
	case "redis":
	case "postgres":
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.EnsureSchema(context.Background()); err != nil {
			logger.Fatal("Failed to prepare guest cart schema", zap.Error(err))
		}
		logger.Info("Database connected")

		local = db
		checks = append(checks, api.ReadinessCheck{Name: "postgres", Check: db.Ping})
		go runJanitor(workerCtx, db, cfg.Business.GuestCartTTL, cfg.Business.JanitorInterval)
	default:
		logger.Fatal("Unknown local store driver", zap.String("driver", cfg.LocalStore.Driver))
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCart)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)
	remote := cartapi.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout)

	registry := service.NewRegistry(service.Dependencies{
		Remote:       remote,
		Local:        local,
		Locker:       redisClient,
		Publisher:    eventPublisher,
		MergeLockTTL: cfg.Business.MergeLockTTL,
	}, redisClient, cfg.Kafka.InstanceID)

	go runSweeper(workerCtx, registry, cfg.Business.SessionIdleAfter)

	stockConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicInventory, cfg.Kafka.StockConsumerGroup())
	stockWorker := worker.NewStockWorker(stockConsumer, registry)
	go func() {
		if err := stockWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Stock worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(registry, cfg.Auth.JWTSecret, checks...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	stockWorker.Stop()

	logger.Info("Server exited")
}

// runSweeper drops cart engines for sessions that have gone quiet.
func runSweeper(ctx context.Context, registry *service.Registry, idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Sweep(idle)
		}
	}
}

// runJanitor expires guest carts in Postgres, which has no native TTL.
func runJanitor(ctx context.Context, db *store.Store, maxAge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := util.GetLogger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.DeleteStaleGuestCarts(ctx, maxAge)
			if err != nil {
				logger.Warn("Guest cart janitor failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Expired stale guest carts", zap.Int64("deleted", n))
			}
		}
	}
}
