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

	"github.com/grocerly/fulfillment/internal/config"
	"github.com/grocerly/fulfillment/internal/database"
	"github.com/grocerly/fulfillment/internal/delivery"
	"github.com/grocerly/fulfillment/internal/inventory"
	"github.com/grocerly/fulfillment/internal/messaging"
	"github.com/grocerly/fulfillment/internal/orders"
	"github.com/grocerly/fulfillment/internal/outbox"
	"github.com/grocerly/fulfillment/internal/sweeper"
	"github.com/grocerly/fulfillment/internal/telemetry"
)

const (
	serviceVersion = "0.1.0"

	// consumerRestartDelay spaces out reconnect attempts after a consumer
	// failure so a broker outage doesn't turn into a hot loop.
	consumerRestartDelay = 5 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Load()

	_, shutdownTelemetry, err := telemetry.Setup(ctx, cfg.ServiceName+"-worker", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := database.Open(cfg.Database)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	eventStore := outbox.NewStore(cfg.ServiceName + "-worker")

	inventoryRepo := inventory.NewRepository(db)
	inventoryService := inventory.NewService(inventoryRepo, eventStore, cfg.ReservationTTL)

	deliveryRepo := delivery.NewRepository(db)

	orderRepo := orders.NewRepository(db)
	orderService := orders.NewService(db, orderRepo, inventoryService, eventStore, deliveryRepo, cfg.ConflictRetries)

	selector := delivery.NewPoolSelector(cfg.CourierPool)
	coordinator := delivery.NewCoordinator(db, deliveryRepo, orderService, selector, eventStore, logger)

	expirySweeper := sweeper.NewSweeper(db, inventoryService, cfg.SweepInterval, cfg.SweepBatchSize, logger)

	consumer := messaging.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.OrderTopic, cfg.Kafka.DeliveryGroup, logger)
	defer func() { _ = consumer.Close() }()

	logger.Info("starting worker",
		"brokers", cfg.Kafka.Brokers,
		"order_topic", cfg.Kafka.OrderTopic,
		"consumer_group", cfg.Kafka.DeliveryGroup,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return expirySweeper.Run(ctx)
	})

	g.Go(func() error {
		return coordinator.RunReconciler(ctx, cfg.ReconcileInterval, cfg.ReconcileBatchSize)
	})

	g.Go(func() error {
		for {
			err := consumer.Consume(ctx, coordinator.HandleOrderEvent)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("order consumer failed, restarting", "error", err)

			select {
			case <-time.After(consumerRestartDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
