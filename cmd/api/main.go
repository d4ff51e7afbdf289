package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/grocerly/fulfillment/internal/cache"
	"github.com/grocerly/fulfillment/internal/config"
	"github.com/grocerly/fulfillment/internal/database"
	"github.com/grocerly/fulfillment/internal/delivery"
	"github.com/grocerly/fulfillment/internal/inventory"
	"github.com/grocerly/fulfillment/internal/messaging"
	"github.com/grocerly/fulfillment/internal/orders"
	"github.com/grocerly/fulfillment/internal/outbox"
	"github.com/grocerly/fulfillment/internal/telemetry"
)

const serviceVersion = "0.1.0"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Load()

	metricsHandler, shutdownTelemetry, err := telemetry.Setup(ctx, cfg.ServiceName+"-api", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(ctx) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime metrics", "error", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	publisher := messaging.NewPublisher(cfg.Kafka.Brokers)
	defer func() { _ = publisher.Close() }()

	router := messaging.NewTopicRouter(cfg.Kafka.OrderTopic, cfg.Kafka.InventoryTopic, cfg.Kafka.DeliveryTopic)
	eventStore := outbox.NewStore(cfg.ServiceName + "-api")
	relay := outbox.NewRelay(db, eventStore, publisher, router, cfg.RelayInterval, cfg.RelayBatchSize, logger)

	views := cache.NewViews(cache.NewClient(cfg.Redis.Addr), cfg.Redis.ViewTTL)

	inventoryRepo := inventory.NewRepository(db)
	inventoryService := inventory.NewService(inventoryRepo, eventStore, cfg.ReservationTTL)
	inventoryHandler := inventory.NewHandler(inventoryRepo, views, logger)

	deliveryRepo := delivery.NewRepository(db)

	orderRepo := orders.NewRepository(db)
	orderService := orders.NewService(db, orderRepo, inventoryService, eventStore, deliveryRepo, cfg.ConflictRetries)
	orderHandler := orders.NewHandler(orderService, views, logger)

	selector := delivery.NewPoolSelector(cfg.CourierPool)
	coordinator := delivery.NewCoordinator(db, deliveryRepo, orderService, selector, eventStore, logger)
	courierHandler := delivery.NewHandler(coordinator, logger)

	relayCtx, cancelRelay := context.WithCancel(ctx)
	defer cancelRelay()
	go func() {
		if err := relay.Run(relayCtx); err != nil && relayCtx.Err() == nil {
			logger.Error("outbox relay stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(orderHandler.HandleCreate))
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(orderHandler.HandleList))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(orderHandler.HandleGet))
	mux.HandleFunc("POST /orders/{id}/transition", telemetry.WithHTTPRoute(orderHandler.HandleTransition))
	mux.HandleFunc("POST /orders/{id}/cancel", telemetry.WithHTTPRoute(orderHandler.HandleCancel))
	mux.HandleFunc("PATCH /orders/{id}/payment-status", telemetry.WithHTTPRoute(orderHandler.HandlePaymentStatus))
	mux.HandleFunc("GET /stock", telemetry.WithHTTPRoute(inventoryHandler.HandleListStock))
	mux.HandleFunc("GET /stock/{productID}", telemetry.WithHTTPRoute(inventoryHandler.HandleGetStock))
	mux.HandleFunc("GET /couriers/assignments/{id}", telemetry.WithHTTPRoute(courierHandler.HandleGetAssignment))
	mux.HandleFunc("POST /couriers/assignments/{id}/accept", telemetry.WithHTTPRoute(courierHandler.HandleAccept))
	mux.HandleFunc("POST /couriers/assignments/{id}/reject", telemetry.WithHTTPRoute(courierHandler.HandleReject))
	mux.HandleFunc("POST /couriers/assignments/{id}/pickup", telemetry.WithHTTPRoute(courierHandler.HandlePickup))
	mux.HandleFunc("POST /couriers/assignments/{id}/transit", telemetry.WithHTTPRoute(courierHandler.HandleTransit))
	mux.HandleFunc("POST /couriers/assignments/{id}/deliver", telemetry.WithHTTPRoute(courierHandler.HandleDeliver))
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: otelhttp.NewHandler(mux, "api",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting api", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancelRelay()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
