package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phyco-order-service/config"
	"phyco-order-service/internal/api"
	"phyco-order-service/internal/broker"
	"phyco-order-service/internal/models"
	"phyco-order-service/internal/redisclient"
	"phyco-order-service/internal/service"
	"phyco-order-service/internal/store"
	"phyco-order-service/internal/store/memory"
	"phyco-order-service/internal/util"
	"phyco-order-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.Endpoint)
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

	repo, err := openRepository(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer repo.Close()

	redisClient, err := connectRedis(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	var (
		stockCache service.StockCache
		orderOpts  []service.Option
	)
	if redisClient != nil {
		defer redisClient.Close()
		stockCache = redisClient
		orderOpts = append(orderOpts, service.WithIdempotency(redisClient, cfg.Order.IdempotencyTTL))
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))

	orderService := service.NewOrderService(repo, cfg.Order.CodePrefix, orderOpts...)
	cartService := service.NewCartService(repo)
	couponService := service.NewCouponService(repo)
	inventoryCache := service.NewInventoryCache(repo, stockCache)

	ctx := context.Background()
	if err := inventoryCache.SyncAll(ctx); err != nil {
		logger.Error("Failed to sync inventory to Redis", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	relay := worker.NewOutboxRelay(repo, producer, cfg.Order.OutboxPollInterval, cfg.Order.OutboxBatchSize)
	go func() {
		if err := relay.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Outbox relay error", zap.Error(err))
		}
	}()

	cacheConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ConsumerGroup)
	cacheWorker := worker.NewInventoryCacheWorker(cacheConsumer, inventoryCache)
	go func() {
		if err := cacheWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Inventory cache worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, cartService, couponService, inventoryCache, repo)
	if redisClient != nil {
		handler.AddReadinessCheck("redis", redisClient)
	}
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

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := cacheWorker.Stop(); err != nil {
		logger.Error("Failed to stop inventory cache worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

// openRepository connects the configured store, migrating Postgres first when asked.
func openRepository(cfg *config.Config, logger *zap.Logger) (store.Repository, error) {
	if cfg.Database.Driver == "memory" {
		repo := memory.New()
		seedDemoCatalog(repo)
		logger.Warn("Using in-memory store; data is lost on restart")
		return repo, nil
	}

	if cfg.Database.MigrateOnStart {
		if err := store.MigrateUp(cfg.Database.URL); err != nil {
			return nil, err
		}
		logger.Info("Database migrated")
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	logger.Info("Database connected")
	return db, nil
}

// connectRedis returns the Redis client. With the memory store Redis is
// optional: when it is unreachable the service runs without the stock cache
// and Idempotency-Key handling, and a nil client is returned.
func connectRedis(cfg *config.Config, logger *zap.Logger) (*redisclient.Client, error) {
	client, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		if cfg.Database.Driver == "memory" {
			logger.Warn("Redis unavailable, running without stock cache and idempotency",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	return client, nil
}

func seedDemoCatalog(repo *memory.Store) {
	sale := int64(189000)
	repo.PutVariant(models.ProductVariant{ProductID: 1, SKU: "PHY-TEE-M", Price: 249000, SalePrice: &sale, ManageStock: true, StockQuantity: 20})
	repo.PutVariant(models.ProductVariant{ProductID: 1, SKU: "PHY-TEE-L", Price: 249000, ManageStock: true, StockQuantity: 3})
	repo.PutVariant(models.ProductVariant{ProductID: 2, SKU: "PHY-CAP", Price: 159000, ManageStock: false})
}
