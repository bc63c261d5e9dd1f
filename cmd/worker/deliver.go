package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/config"
	"github.com/IKRedHat/webhook-gateway/internal/db"
	"github.com/IKRedHat/webhook-gateway/internal/delivery"
	"github.com/IKRedHat/webhook-gateway/internal/kafka"
	"github.com/IKRedHat/webhook-gateway/internal/logger"
	"github.com/IKRedHat/webhook-gateway/internal/metrics"
	"github.com/IKRedHat/webhook-gateway/internal/ratelimit"
	"github.com/IKRedHat/webhook-gateway/internal/repository"
	"github.com/IKRedHat/webhook-gateway/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Run the delivery plane (outbox relay, retry scheduler, deliverer)",
	RunE:  runDeliver,
}

// runDeliver hosts all three delivery-plane loops in one process. Every
// loop tolerates concurrent instances (the conditional claim dedups), so
// the command scales horizontally as a unit.
func runDeliver(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Logging.Level)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connections
	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
		DSN:             cfg.ClickHouse.DSN,
		MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
		PingTimeout:     cfg.ClickHouse.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	defer func() { _ = chDB.Close() }()

	// 3) repositories
	subsRepo := repository.NewSubscriptionsRepository(dbx)
	eventsRepo := repository.NewEventsRepository(dbx)
	deliveriesRepo := repository.NewDeliveriesRepository(dbx)
	outboxRepo := repository.NewOutboxRepository(dbx)
	attemptsRepo := repository.NewAttemptsRepository(chDB)

	// 4) kafka
	topic := cfg.Kafka.Topic
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "whgw-deliverer"
	}

	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	producer := kafka.NewProducerFromConfig(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers})
	defer producer.Close()

	// 5) delivery engine
	sender := delivery.NewSender(cfg.Delivery.RequestTimeout, cfg.Delivery.UserAgent)
	limiter := ratelimit.New()
	inflight := ratelimit.NewInFlight(cfg.Delivery.MaxInFlight)
	breakers := delivery.NewBreakerSet(cfg.Delivery.BreakerThreshold, cfg.Delivery.BreakerOpenFor)
	engine := delivery.NewEngine(subsRepo, eventsRepo, deliveriesRepo, limiter, inflight, breakers, sender, 0)

	// 6) loops
	relay := worker.NewRelay(outboxRepo, producer)
	if cfg.Outbox.PollInterval > 0 {
		relay.PollInterval = cfg.Outbox.PollInterval
	}
	if cfg.Outbox.BatchSize > 0 {
		relay.BatchSize = cfg.Outbox.BatchSize
	}

	sched := worker.NewScheduler(deliveriesRepo, producer, topic)
	if cfg.Scheduler.Tick > 0 {
		sched.Tick = cfg.Scheduler.Tick
	}
	if cfg.Scheduler.BatchSize > 0 {
		sched.BatchSize = cfg.Scheduler.BatchSize
	}
	if cfg.Scheduler.ReclaimEvery > 0 {
		sched.ReclaimEvery = cfg.Scheduler.ReclaimEvery
	}
	if cfg.Scheduler.ReclaimAfter > 0 {
		sched.ReclaimAfter = cfg.Scheduler.ReclaimAfter
	}

	deliverer := worker.NewDeliverer(consumer, engine, attemptsRepo)
	if cfg.Delivery.WorkerCount > 0 {
		deliverer.Workers = cfg.Delivery.WorkerCount
	}
	if cfg.Ledger.BatchSize > 0 {
		deliverer.BatchSize = cfg.Ledger.BatchSize
	}
	if cfg.Ledger.BatchWait > 0 {
		deliverer.BatchWait = cfg.Ledger.BatchWait
	}

	// 7) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() { _ = relay.Run(ctx) }()
	go func() { _ = sched.Run(ctx) }()

	logger.Log.Info("delivery plane started",
		zap.String("topic", topic),
		zap.String("group", groupID),
		zap.Int("workers", deliverer.Workers),
		zap.Int("batch_size", deliverer.BatchSize),
		zap.Duration("batch_wait", deliverer.BatchWait),
	)

	return deliverer.Run(ctx)
}
