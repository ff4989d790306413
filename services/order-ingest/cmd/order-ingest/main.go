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

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/techcsc21/trade4u-sub030/libs/health"
	"github.com/techcsc21/trade4u-sub030/libs/httpmiddleware"
	"github.com/techcsc21/trade4u-sub030/libs/kafka"
	"github.com/techcsc21/trade4u-sub030/libs/ledger"
	"github.com/techcsc21/trade4u-sub030/libs/logging"
	"github.com/techcsc21/trade4u-sub030/libs/metrics"
	"github.com/techcsc21/trade4u-sub030/libs/trace"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/config"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/handlers"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/market"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/orderbook"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/service"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.App.LogFormat, cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	slog.SetDefault(logger)

	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()

	orderMetrics := service.NewMetrics(registry)
	ledgerMetrics := ledger.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg.DB.DSN())
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	ready.AddCheck("postgres", pool.Ping)

	primary, err := kafka.NewPublisher(cfg.Kafka.Driver, cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	deadLetters, err := kafka.NewPublisher(cfg.Kafka.Driver, cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka dead-letter producer init failed", "error", err)
		os.Exit(1)
	}
	producer := kafka.NewDLQPublisher(primary, deadLetters, cfg.Kafka.DeadLetter, logger)
	defer producer.Close()

	ledgerStore := ledger.New(pool, logger, ledgerMetrics)
	store := storage.New(pool, ledgerStore, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	markets := market.NewCache(store, logger)
	if err := markets.Load(ctx); err != nil {
		logger.Warn("initial market load failed", "error", err)
	}
	markets.StartAutoRefresh(ctx, cfg.MarketRefreshInterval)

	books := orderbook.NewProvider(store, orderbook.ProviderConfig{
		Depth:            cfg.OrderBook.Depth,
		Timeout:          cfg.OrderBook.Timeout,
		FailureThreshold: cfg.OrderBook.FailureThreshold,
		Cooldown:         cfg.OrderBook.Cooldown,
	}, logger)

	orderSvc := service.NewOrderService(store, markets, books, ledgerStore, producer, logger, orderMetrics, cfg.WalletType)

	handler := handlers.New(orderSvc, logger)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	ready.SetReady(true)

	go func() {
		logger.Info("order-ingest http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, cancel, logger)
}

func connectDB(dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
