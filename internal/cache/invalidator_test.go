package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/grocerly/fulfillment/internal/domain"
)

type fakeViews struct {
	orders []string
	stock  []string

	orderErr error
	stockErr error
}

func (f *fakeViews) InvalidateOrder(_ context.Context, orderID string) error {
	if f.orderErr != nil {
		return f.orderErr
	}
	f.orders = append(f.orders, orderID)
	return nil
}

func (f *fakeViews) InvalidateStock(_ context.Context, productID, variantID, warehouseID string) error {
	if f.stockErr != nil {
		return f.stockErr
	}
	f.stock = append(f.stock, productID+":"+variantID+":"+warehouseID)
	return nil
}

func newTestInvalidator(views *fakeViews) *Invalidator {
	return NewInvalidator(views, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandleEvent(t *testing.T) {
	t.Run("order events drop the order view", func(t *testing.T) {
		for _, eventType := range []string{
			domain.EventOrderCreated,
			domain.EventOrderStatusChanged,
			domain.EventOrderCancelled,
			domain.EventOrderPaymentStatusChanged,
		} {
			t.Run(eventType, func(t *testing.T) {
				views := &fakeViews{}
				inv := newTestInvalidator(views)

				event := domain.NewEvent(eventType, "o1", map[string]string{"order_id": "o1"})
				if err := inv.HandleEvent(context.Background(), event); err != nil {
					t.Fatalf("HandleEvent() error = %v", err)
				}
				if len(views.orders) != 1 || views.orders[0] != "o1" {
					t.Errorf("invalidated orders = %v, want [o1]", views.orders)
				}
				if len(views.stock) != 0 {
					t.Errorf("stock views touched: %v", views.stock)
				}
			})
		}
	})

	t.Run("stock movement drops each line's view", func(t *testing.T) {
		views := &fakeViews{}
		inv := newTestInvalidator(views)

		event := domain.NewEvent(domain.EventStockReserved, "o1", domain.StockMovementPayload{
			OrderID: "o1",
			Lines: []domain.StockLine{
				{ProductID: "p1", WarehouseID: "wh-1", Quantity: 2},
				{ProductID: "p2", VariantID: "v1", WarehouseID: "wh-1", Quantity: 1},
			},
		})
		if err := inv.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}

		want := []string{"p1::wh-1", "p2:v1:wh-1"}
		if len(views.stock) != len(want) {
			t.Fatalf("invalidated stock = %v, want %v", views.stock, want)
		}
		for i := range want {
			if views.stock[i] != want[i] {
				t.Errorf("invalidated stock = %v, want %v", views.stock, want)
			}
		}
		if len(views.orders) != 0 {
			t.Errorf("order views touched: %v", views.orders)
		}
	})

	t.Run("expiry drops the reservation's stock view", func(t *testing.T) {
		views := &fakeViews{}
		inv := newTestInvalidator(views)

		event := domain.NewEvent(domain.EventReservationExpired, "o1", domain.ReservationExpiredPayload{
			ReservationID: "r1",
			OrderID:       "o1",
			ProductID:     "p1",
			WarehouseID:   "wh-1",
			Quantity:      2,
		})
		if err := inv.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
		if len(views.stock) != 1 || views.stock[0] != "p1::wh-1" {
			t.Errorf("invalidated stock = %v, want [p1::wh-1]", views.stock)
		}
	})

	t.Run("unrelated events are ignored", func(t *testing.T) {
		views := &fakeViews{}
		inv := newTestInvalidator(views)

		event := domain.NewEvent(domain.EventCourierAssigned, "o1", domain.CourierAssignedPayload{OrderID: "o1"})
		if err := inv.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
		if len(views.orders) != 0 || len(views.stock) != 0 {
			t.Error("courier events must not invalidate anything")
		}
	})

	t.Run("redis failure is surfaced for retry", func(t *testing.T) {
		views := &fakeViews{orderErr: errors.New("connection refused")}
		inv := newTestInvalidator(views)

		event := domain.NewEvent(domain.EventOrderCancelled, "o1", map[string]string{"order_id": "o1"})
		if err := inv.HandleEvent(context.Background(), event); err == nil {
			t.Fatal("HandleEvent() expected error")
		}
	})

	t.Run("malformed stock payload is skipped", func(t *testing.T) {
		views := &fakeViews{}
		inv := newTestInvalidator(views)

		event := domain.Event{ID: "e1", Type: domain.EventStockReserved, CorrelationID: "o1", Payload: []byte("{broken")}
		if err := inv.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
		if len(views.stock) != 0 {
			t.Error("nothing should be invalidated")
		}
	})
}
