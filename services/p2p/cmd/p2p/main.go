package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/techcsc21/trade4u-sub030/libs/health"
	"github.com/techcsc21/trade4u-sub030/libs/httpmiddleware"
	"github.com/techcsc21/trade4u-sub030/libs/idempotency"
	"github.com/techcsc21/trade4u-sub030/libs/kafka"
	"github.com/techcsc21/trade4u-sub030/libs/ledger"
	"github.com/techcsc21/trade4u-sub030/libs/logging"
	"github.com/techcsc21/trade4u-sub030/libs/metrics"
	"github.com/techcsc21/trade4u-sub030/libs/outbox"
	"github.com/techcsc21/trade4u-sub030/libs/trace"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/config"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/escrow"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/handlers"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/notify"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/offers"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/reaper"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/storage"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/tasks"
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

	escrowMetrics := escrow.NewMetrics(registry)
	offerMetrics := offers.NewMetrics(registry)
	reaperMetrics := reaper.NewMetrics(registry)
	ledgerMetrics := ledger.NewMetrics(registry)
	idemMetrics := idempotency.NewMetrics(registry)
	outboxMetrics := outbox.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg.DB.DSN())
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	ready.AddCheck("postgres", pool.Ping)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	ready.AddOptionalCheck("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		// The gate degrades to unprotected execution while Redis is down.
		logger.Warn("redis unavailable at startup", "addr", cfg.Redis.Addr, "error", err)
	}

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
	store := storage.New(pool, logger)
	gate := idempotency.NewGate(
		idempotency.NewRedisStore(redisClient, cfg.Redis.Prefix),
		cfg.Escrow.LockTTL, cfg.Escrow.ResultTTL, logger, idemMetrics,
	)

	escrowSvc := escrow.NewService(store, ledgerStore, gate, escrow.Config{
		AutoCompleteDelay: cfg.Escrow.AutoCompleteDelay,
	}, logger, escrowMetrics)
	offerSvc := offers.NewService(store, ledgerStore, cfg.AutoApproveOffer, logger, offerMetrics)
	sweeper := reaper.New(store, escrowSvc, reaper.Config{
		Interval:           cfg.Reaper.Interval,
		ReputationInterval: cfg.Reaper.ReputationInterval,
		BatchSize:          cfg.Reaper.BatchSize,
		OfferInactivity:    cfg.Reaper.OfferInactivity,
		ReleaseGrace:       cfg.Reaper.ReleaseGrace,
		MaxRetryBackoff:    cfg.Reaper.MaxRetryBackoff,
	}, logger, reaperMetrics)

	worker := outbox.NewWorker(outbox.NewPostgresStore(pool), outbox.WorkerConfig{
		Interval:    cfg.Outbox.Interval,
		BatchSize:   cfg.Outbox.BatchSize,
		Lease:       cfg.Outbox.Lease,
		BaseBackoff: cfg.Outbox.BaseBackoff,
		MaxBackoff:  cfg.Outbox.MaxBackoff,
	}, logger, outboxMetrics)
	tasks.Register(worker, escrowSvc, notify.NewKafkaSink(producer, cfg.Kafka.Notifications, logger), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		worker.Run(ctx)
	}()
	if cfg.Reaper.Enabled {
		background.Add(1)
		go func() {
			defer background.Done()
			sweeper.Run(ctx)
		}()
	}

	handler := handlers.New(offerSvc, escrowSvc, store, sweeper, logger)
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
		logger.Info("p2p http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, cancel, &background, logger)
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

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, background *sync.WaitGroup, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	cancel()
	background.Wait()
	logger.Info("shutdown complete")
}
