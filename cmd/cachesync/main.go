package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grocerly/fulfillment/internal/cache"
	"github.com/grocerly/fulfillment/internal/config"
	"github.com/grocerly/fulfillment/internal/messaging"
	"github.com/grocerly/fulfillment/internal/telemetry"
)

const (
	serviceVersion = "0.1.0"

	consumerRestartDelay = 5 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Load()

	_, shutdownTelemetry, err := telemetry.Setup(ctx, cfg.ServiceName+"-cachesync", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	views := cache.NewViews(cache.NewClient(cfg.Redis.Addr), cfg.Redis.ViewTTL)
	invalidator := cache.NewInvalidator(views, logger)

	orderConsumer := messaging.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.OrderTopic, cfg.Kafka.CacheGroup, logger)
	defer func() { _ = orderConsumer.Close() }()

	stockConsumer := messaging.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.InventoryTopic, cfg.Kafka.CacheGroup, logger)
	defer func() { _ = stockConsumer.Close() }()

	logger.Info("starting cache invalidator",
		"brokers", cfg.Kafka.Brokers,
		"topics", []string{cfg.Kafka.OrderTopic, cfg.Kafka.InventoryTopic},
		"consumer_group", cfg.Kafka.CacheGroup,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumeLoop(ctx, orderConsumer, invalidator, logger)
	})
	g.Go(func() error {
		return consumeLoop(ctx, stockConsumer, invalidator, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("cache invalidator stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("cache invalidator stopped")
}

func consumeLoop(ctx context.Context, consumer *messaging.Consumer, invalidator *cache.Invalidator, logger *slog.Logger) error {
	for {
		err := consumer.Consume(ctx, invalidator.HandleEvent)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("cache consumer failed, restarting", "error", err)

		select {
		case <-time.After(consumerRestartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
