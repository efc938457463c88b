package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/course-purchase-service/internal/config"
	"github.com/richardliu001/course-purchase-service/internal/consumer"
	"github.com/richardliu001/course-purchase-service/internal/dlq"
	"github.com/richardliu001/course-purchase-service/internal/emitter"
	"github.com/richardliu001/course-purchase-service/internal/ledger"
	"github.com/richardliu001/course-purchase-service/internal/logger"
	"github.com/richardliu001/course-purchase-service/internal/metrics"
	"github.com/richardliu001/course-purchase-service/internal/purchase"
	"github.com/richardliu001/course-purchase-service/internal/repo"
	"github.com/richardliu001/course-purchase-service/internal/retry"
	"github.com/richardliu001/course-purchase-service/internal/service"
	httptransport "github.com/richardliu001/course-purchase-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level, "purchase-consumer")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. postgres; the schema is owned by cmd/migrate
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if sqlDB, err := gdb.DB(); err == nil && cfg.Postgres.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	}

	// 4. redis, realtime fan-out only
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warnw("redis unreachable, realtime broadcasts will fail until it recovers", "error", err)
	}

	// 5. metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	// 6. kafka writers
	outbound := emitter.NewWriter(cfg.Kafka.Brokers)
	deadLetters := dlq.NewWriter(cfg.Kafka.Brokers)
	defer outbound.Close()
	defer deadLetters.Close()

	// 7. repo, engine & service
	repository := repo.NewRepository(gdb, log)
	index := purchase.NewIndexCache(repository.ActivePurchaseIndexExists, cfg.Engine.IndexCacheTTL, log)
	engine := purchase.NewEngine(repository, index, log, m, cfg.Engine.IndexWarningInterval)
	notifier := emitter.New(outbound, rdb, emitter.Topics{
		PurchaseCreated: cfg.Kafka.Topics.PurchaseCreated,
		AccessGranted:   cfg.Kafka.Topics.AccessGranted,
	}, cfg.Realtime.Channel, log)
	svc := service.NewPurchaseService(repository, engine, ledger.New(repository, log), notifier, m, log).
		WithFailFastOnInvalid(cfg.Retry.FailFastOnInvalid)

	executor := retry.NewExecutor(log, retry.WithOnRetry(func(meta retry.Meta, _ int, _ error) {
		m.RetryAttempt(meta.Operation)
	}))
	policy := retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
	}
	publisher := dlq.NewPublisher(deadLetters, cfg.Kafka.Topics.DeadLetter, log, m)
	handler := consumer.WithRetry(svc.HandleMessage, executor, policy, publisher, log)

	// 8. ops http
	router := httptransport.NewRouter(svc, reg, cfg.RateLimit, log)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		log.Infof("ops server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("listen: %v", err)
			stop()
		}
	}()

	// 9. consume until signalled
	supervise(ctx, log, cfg, handler)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("ops server shutdown", "error", err)
	}
	log.Info("purchase consumer stopped")
}

// supervise runs one consumer at a time. After a handler error the consumer leaves the
// group and a new one rejoins, which redelivers from the last committed offset.
func supervise(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config, h consumer.Handler) {
	ccfg := consumer.Config{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		Topics:  []string{cfg.Kafka.Topics.PurchaseConfirmed},

		PartitionQueue: cfg.Kafka.PartitionQueue,
	}
	for ctx.Err() == nil {
		c := consumer.New(ccfg, log)
		if err := c.Connect(); err != nil {
			log.Fatalf("connect consumer: %v", err)
		}
		err := c.Start(ctx, h)
		if stopErr := c.Stop(); stopErr != nil {
			log.Warnw("consumer close", "error", stopErr)
		}
		if err == nil || ctx.Err() != nil {
			return
		}
		log.Errorw("consumer failed, rejoining group", "error", err, "backoff", cfg.Kafka.RestartBackoff)
		select {
		case <-time.After(cfg.Kafka.RestartBackoff):
		case <-ctx.Done():
		}
	}
}
