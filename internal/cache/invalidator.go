package cache

import (
	"context"
	"log/slog"

	"github.com/grocerly/fulfillment/internal/domain"
)

// viewStore is the slice of Views the invalidator needs.
type viewStore interface {
	InvalidateOrder(ctx context.Context, orderID string) error
	InvalidateStock(ctx context.Context, productID, variantID, warehouseID string) error
}

// Invalidator drops read views in response to the event stream. It drops
// exactly the views named by the event's entity ids; dropping is idempotent,
// so redelivered events are harmless.
type Invalidator struct {
	views  viewStore
	logger *slog.Logger
}

func NewInvalidator(views viewStore, logger *slog.Logger) *Invalidator {
	return &Invalidator{
		views:  views,
		logger: logger,
	}
}

// HandleEvent is the consumer handler for both the order and inventory
// topics. A Redis failure is returned so the consumer retries the event;
// malformed payloads are logged and skipped.
func (i *Invalidator) HandleEvent(ctx context.Context, event domain.Event) error {
	switch event.Type {
	case domain.EventOrderCreated,
		domain.EventOrderStatusChanged,
		domain.EventOrderCancelled,
		domain.EventOrderPaymentStatusChanged:
		return i.dropOrder(ctx, event)

	case domain.EventStockReserved,
		domain.EventStockReleased,
		domain.EventStockFulfilled:
		return i.dropStockLines(ctx, event)

	case domain.EventReservationExpired:
		return i.dropExpiredStock(ctx, event)
	}
	return nil
}

func (i *Invalidator) dropOrder(ctx context.Context, event domain.Event) error {
	// Every order event correlates on the order id; no payload decode needed.
	if event.CorrelationID == "" {
		i.logger.Warn("order event without correlation id", "event_id", event.ID, "event_type", event.Type)
		return nil
	}
	if err := i.views.InvalidateOrder(ctx, event.CorrelationID); err != nil {
		return err
	}
	i.logger.Debug("order view dropped", "order_id", event.CorrelationID, "event_type", event.Type)
	return nil
}

func (i *Invalidator) dropStockLines(ctx context.Context, event domain.Event) error {
	payload, err := domain.UnmarshalPayload[domain.StockMovementPayload](event)
	if err != nil {
		i.logger.Error("skipping malformed stock event", "error", err, "event_id", event.ID)
		return nil
	}

	for _, line := range payload.Lines {
		if err := i.views.InvalidateStock(ctx, line.ProductID, line.VariantID, line.WarehouseID); err != nil {
			return err
		}
	}
	i.logger.Debug("stock views dropped", "order_id", payload.OrderID, "lines", len(payload.Lines))
	return nil
}

func (i *Invalidator) dropExpiredStock(ctx context.Context, event domain.Event) error {
	payload, err := domain.UnmarshalPayload[domain.ReservationExpiredPayload](event)
	if err != nil {
		i.logger.Error("skipping malformed expiry event", "error", err, "event_id", event.ID)
		return nil
	}
	return i.views.InvalidateStock(ctx, payload.ProductID, payload.VariantID, payload.WarehouseID)
}
