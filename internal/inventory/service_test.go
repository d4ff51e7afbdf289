package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/grocerly/fulfillment/internal/domain"
)

type memStore struct {
	records      map[string]*domain.InventoryRecord
	reservations map[string]*domain.Reservation
}

func newMemStore() *memStore {
	return &memStore{
		records:      make(map[string]*domain.InventoryRecord),
		reservations: make(map[string]*domain.Reservation),
	}
}

func (m *memStore) addRecord(productID, variantID, warehouseID string, onHand, reserved int) {
	m.records[stockKey(productID, variantID, warehouseID)] = &domain.InventoryRecord{
		ProductID:   productID,
		VariantID:   variantID,
		WarehouseID: warehouseID,
		OnHand:      onHand,
		Reserved:    reserved,
	}
}

func stockKey(productID, variantID, warehouseID string) string {
	return productID + "|" + variantID + "|" + warehouseID
}

func (m *memStore) ReserveStock(_ context.Context, _ *sql.Tx, productID, variantID, warehouseID string, qty int) error {
	rec, ok := m.records[stockKey(productID, variantID, warehouseID)]
	if !ok {
		return fmt.Errorf("inventory %s/%s@%s: %w", productID, variantID, warehouseID, domain.ErrNotFound)
	}
	if rec.OnHand-rec.Reserved < qty {
		return &domain.InsufficientStockError{
			ProductID:   productID,
			VariantID:   variantID,
			WarehouseID: warehouseID,
			Requested:   qty,
			Available:   rec.OnHand - rec.Reserved,
		}
	}
	rec.Reserved += qty
	return nil
}

func (m *memStore) FulfillStock(_ context.Context, _ *sql.Tx, productID, variantID, warehouseID string, qty int) error {
	rec, ok := m.records[stockKey(productID, variantID, warehouseID)]
	if !ok || rec.Reserved < qty {
		return fmt.Errorf("fulfill %d: %w", qty, domain.ErrInvalidState)
	}
	rec.OnHand -= qty
	rec.Reserved -= qty
	return nil
}

func (m *memStore) ReleaseStock(_ context.Context, _ *sql.Tx, productID, variantID, warehouseID string, qty int) error {
	rec, ok := m.records[stockKey(productID, variantID, warehouseID)]
	if !ok || rec.Reserved < qty {
		return fmt.Errorf("release %d: %w", qty, domain.ErrInvalidState)
	}
	rec.Reserved -= qty
	return nil
}

func (m *memStore) InsertReservation(_ context.Context, _ *sql.Tx, res *domain.Reservation) error {
	cp := *res
	m.reservations[res.ID] = &cp
	return nil
}

func (m *memStore) ReservationsForOrder(_ context.Context, _ *sql.Tx, orderID string) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, res := range m.reservations {
		if res.OrderID == orderID {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetReservationForUpdate(_ context.Context, _ *sql.Tx, id string) (*domain.Reservation, error) {
	res, ok := m.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	cp := *res
	return &cp, nil
}

func (m *memStore) MarkReservationFulfilled(_ context.Context, _ *sql.Tx, id string, at time.Time) error {
	res, ok := m.reservations[id]
	if !ok || res.Status != domain.ReservationStatusReserved {
		return fmt.Errorf("reservation %s: %w", id, domain.ErrInvalidState)
	}
	res.Status = domain.ReservationStatusFulfilled
	res.FulfilledAt = &at
	return nil
}

func (m *memStore) MarkReservationReleased(_ context.Context, _ *sql.Tx, id string, at time.Time) error {
	res, ok := m.reservations[id]
	if !ok || res.Status != domain.ReservationStatusReserved {
		return fmt.Errorf("reservation %s: %w", id, domain.ErrInvalidState)
	}
	res.Status = domain.ReservationStatusReleased
	res.ReleasedAt = &at
	return nil
}

func (m *memStore) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, res := range m.reservations {
		if res.Status == domain.ReservationStatusReserved && !res.ExpiresAt.After(now) {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type capturedEvents struct {
	events []domain.Event
	err    error
}

func (c *capturedEvents) Append(_ context.Context, _ *sql.Tx, events ...domain.Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, events...)
	return nil
}

func (c *capturedEvents) types() []string {
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(store *memStore, events *capturedEvents) *Service {
	svc := NewService(store, events, 15*time.Minute)
	svc.nowFunc = func() time.Time { return testNow }
	return svc
}

func testOrder(lines ...domain.OrderLine) *domain.Order {
	return &domain.Order{
		ID:          "order-1",
		CustomerID:  "cust-1",
		WarehouseID: "wh-1",
		Lines:       lines,
	}
}

func line(productID, variantID string, qty int) domain.OrderLine {
	return domain.OrderLine{
		ProductID: productID,
		VariantID: variantID,
		Quantity:  qty,
		UnitPrice: decimal.NewFromInt(5),
	}
}

func TestServiceReserve(t *testing.T) {
	t.Run("claims stock and records one reservation per line", func(t *testing.T) {
		store := newMemStore()
		store.addRecord("p1", "", "wh-1", 10, 0)
		store.addRecord("p2", "v1", "wh-1", 4, 1)
		events := &capturedEvents{}
		svc := newTestService(store, events)

		reservations, err := svc.Reserve(context.Background(), nil, testOrder(line("p1", "", 3), line("p2", "v1", 2)))
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}

		if len(reservations) != 2 {
			t.Fatalf("got %d reservations, want 2", len(reservations))
		}
		for _, res := range reservations {
			if res.Status != domain.ReservationStatusReserved {
				t.Errorf("reservation status = %s, want reserved", res.Status)
			}
			if !res.ExpiresAt.Equal(testNow.Add(15 * time.Minute)) {
				t.Errorf("ExpiresAt = %v, want now+15m", res.ExpiresAt)
			}
		}

		if got := store.records[stockKey("p1", "", "wh-1")].Reserved; got != 3 {
			t.Errorf("p1 reserved = %d, want 3", got)
		}
		if got := store.records[stockKey("p2", "v1", "wh-1")].Reserved; got != 3 {
			t.Errorf("p2 reserved = %d, want 3", got)
		}

		if len(events.events) != 1 || events.events[0].Type != domain.EventStockReserved {
			t.Fatalf("events = %v, want one %s", events.types(), domain.EventStockReserved)
		}
		payload, err := domain.UnmarshalPayload[domain.StockMovementPayload](events.events[0])
		if err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.OrderID != "order-1" || len(payload.Lines) != 2 {
			t.Errorf("payload = %+v, want order-1 with 2 lines", payload)
		}
	})

	t.Run("insufficient stock names the failing line", func(t *testing.T) {
		store := newMemStore()
		store.addRecord("p1", "", "wh-1", 10, 0)
		store.addRecord("p2", "", "wh-1", 2, 1)
		events := &capturedEvents{}
		svc := newTestService(store, events)

		_, err := svc.Reserve(context.Background(), nil, testOrder(line("p1", "", 3), line("p2", "", 2)))
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("Reserve() error = %v, want ErrInsufficientStock", err)
		}

		var detail *domain.InsufficientStockError
		if !errors.As(err, &detail) {
			t.Fatalf("error %v does not carry line detail", err)
		}
		if detail.ProductID != "p2" || detail.Requested != 2 || detail.Available != 1 {
			t.Errorf("detail = %+v, want p2 requested 2 available 1", detail)
		}

		if len(events.events) != 0 {
			t.Errorf("no event should be recorded on failure, got %v", events.types())
		}
	})

	t.Run("unknown record is not found", func(t *testing.T) {
		store := newMemStore()
		events := &capturedEvents{}
		svc := newTestService(store, events)

		_, err := svc.Reserve(context.Background(), nil, testOrder(line("ghost", "", 1)))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Reserve() error = %v, want ErrNotFound", err)
		}
	})
}

func TestServiceFulfill(t *testing.T) {
	setup := func(t *testing.T) (*memStore, *capturedEvents, *Service) {
		t.Helper()
		store := newMemStore()
		store.addRecord("p1", "", "wh-1", 10, 0)
		events := &capturedEvents{}
		svc := newTestService(store, events)
		if _, err := svc.Reserve(context.Background(), nil, testOrder(line("p1", "", 4))); err != nil {
			t.Fatalf("seed reserve: %v", err)
		}
		events.events = nil
		return store, events, svc
	}

	t.Run("consumes reserved stock and flips claims", func(t *testing.T) {
		store, events, svc := setup(t)

		if err := svc.Fulfill(context.Background(), nil, "order-1"); err != nil {
			t.Fatalf("Fulfill() error = %v", err)
		}

		rec := store.records[stockKey("p1", "", "wh-1")]
		if rec.OnHand != 6 || rec.Reserved != 0 {
			t.Errorf("record = %d/%d, want on hand 6 reserved 0", rec.OnHand, rec.Reserved)
		}
		for _, res := range store.reservations {
			if res.Status != domain.ReservationStatusFulfilled {
				t.Errorf("reservation status = %s, want fulfilled", res.Status)
			}
			if res.FulfilledAt == nil || !res.FulfilledAt.Equal(testNow) {
				t.Errorf("FulfilledAt = %v, want %v", res.FulfilledAt, testNow)
			}
		}
		if len(events.events) != 1 || events.events[0].Type != domain.EventStockFulfilled {
			t.Errorf("events = %v, want one %s", events.types(), domain.EventStockFulfilled)
		}
	})

	t.Run("released claim fails the whole call", func(t *testing.T) {
		store, events, svc := setup(t)
		for _, res := range store.reservations {
			res.Status = domain.ReservationStatusReleased
		}

		err := svc.Fulfill(context.Background(), nil, "order-1")
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("Fulfill() error = %v, want ErrInvalidState", err)
		}
		if len(events.events) != 0 {
			t.Errorf("no event should be recorded, got %v", events.types())
		}
	})

	t.Run("no reservations is invalid state", func(t *testing.T) {
		_, _, svc := setup(t)

		err := svc.Fulfill(context.Background(), nil, "order-other")
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("Fulfill() error = %v, want ErrInvalidState", err)
		}
	})
}

func TestServiceReleaseForCancel(t *testing.T) {
	t.Run("releases reserved claims and skips released ones", func(t *testing.T) {
		store := newMemStore()
		store.addRecord("p1", "", "wh-1", 10, 0)
		store.addRecord("p2", "", "wh-1", 10, 0)
		events := &capturedEvents{}
		svc := newTestService(store, events)
		if _, err := svc.Reserve(context.Background(), nil, testOrder(line("p1", "", 2), line("p2", "", 3))); err != nil {
			t.Fatalf("seed reserve: %v", err)
		}
		events.events = nil

		// One claim already released by the sweeper.
		for _, res := range store.reservations {
			if res.ProductID == "p1" {
				res.Status = domain.ReservationStatusReleased
				store.records[stockKey("p1", "", "wh-1")].Reserved = 0
			}
		}

		released, err := svc.ReleaseForCancel(context.Background(), nil, "order-1")
		if err != nil {
			t.Fatalf("ReleaseForCancel() error = %v", err)
		}
		if released != 1 {
			t.Errorf("released = %d, want 1", released)
		}
		if got := store.records[stockKey("p2", "", "wh-1")].Reserved; got != 0 {
			t.Errorf("p2 reserved = %d, want 0", got)
		}
		if len(events.events) != 1 || events.events[0].Type != domain.EventStockReleased {
			t.Errorf("events = %v, want one %s", events.types(), domain.EventStockReleased)
		}
	})

	t.Run("all claims already released is a quiet no-op", func(t *testing.T) {
		store := newMemStore()
		store.addRecord("p1", "", "wh-1", 10, 0)
		events := &capturedEvents{}
		svc := newTestService(store, events)
		if _, err := svc.Reserve(context.Background(), nil, testOrder(line("p1", "", 2))); err != nil {
			t.Fatalf("seed reserve: %v", err)
		}
		events.events = nil
		for _, res := range store.reservations {
			res.Status = domain.ReservationStatusReleased
		}

		released, err := svc.ReleaseForCancel(context.Background(), nil, "order-1")
		if err != nil {
			t.Fatalf("ReleaseForCancel() error = %v", err)
		}
		if released != 0 {
			t.Errorf("released = %d, want 0", released)
		}
		if len(events.events) != 0 {
			t.Errorf("no event should be recorded, got %v", events.types())
		}
	})

	t.Run("fulfilled claim vetoes the release", func(t *testing.T) {
		store := newMemStore()
		store.addRecord("p1", "", "wh-1", 10, 0)
		events := &capturedEvents{}
		svc := newTestService(store, events)
		if _, err := svc.Reserve(context.Background(), nil, testOrder(line("p1", "", 2))); err != nil {
			t.Fatalf("seed reserve: %v", err)
		}
		if err := svc.Fulfill(context.Background(), nil, "order-1"); err != nil {
			t.Fatalf("seed fulfill: %v", err)
		}
		events.events = nil

		_, err := svc.ReleaseForCancel(context.Background(), nil, "order-1")
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("ReleaseForCancel() error = %v, want ErrInvalidState", err)
		}
	})
}

func TestServiceExpire(t *testing.T) {
	seed := func(t *testing.T) (*memStore, *capturedEvents, *Service, string) {
		t.Helper()
		store := newMemStore()
		store.addRecord("p1", "", "wh-1", 10, 0)
		events := &capturedEvents{}
		svc := newTestService(store, events)
		reservations, err := svc.Reserve(context.Background(), nil, testOrder(line("p1", "", 2)))
		if err != nil {
			t.Fatalf("seed reserve: %v", err)
		}
		events.events = nil
		return store, events, svc, reservations[0].ID
	}

	t.Run("releases a reserved claim and emits expiry", func(t *testing.T) {
		store, events, svc, id := seed(t)

		released, err := svc.Expire(context.Background(), nil, id)
		if err != nil {
			t.Fatalf("Expire() error = %v", err)
		}
		if !released {
			t.Fatal("Expire() = false, want true")
		}
		if got := store.records[stockKey("p1", "", "wh-1")].Reserved; got != 0 {
			t.Errorf("reserved = %d, want 0", got)
		}
		if len(events.events) != 1 || events.events[0].Type != domain.EventReservationExpired {
			t.Fatalf("events = %v, want one %s", events.types(), domain.EventReservationExpired)
		}
		payload, err := domain.UnmarshalPayload[domain.ReservationExpiredPayload](events.events[0])
		if err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.ReservationID != id || payload.OrderID != "order-1" {
			t.Errorf("payload = %+v, want reservation %s on order-1", payload, id)
		}
	})

	t.Run("already released is a no-op", func(t *testing.T) {
		store, events, svc, id := seed(t)
		store.reservations[id].Status = domain.ReservationStatusReleased

		released, err := svc.Expire(context.Background(), nil, id)
		if err != nil {
			t.Fatalf("Expire() error = %v", err)
		}
		if released {
			t.Error("Expire() = true, want false")
		}
		if len(events.events) != 0 {
			t.Errorf("no event should be recorded, got %v", events.types())
		}
	})

	t.Run("already fulfilled reports invalid state", func(t *testing.T) {
		store, _, svc, id := seed(t)
		store.reservations[id].Status = domain.ReservationStatusFulfilled

		released, err := svc.Expire(context.Background(), nil, id)
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("Expire() error = %v, want ErrInvalidState", err)
		}
		if released {
			t.Error("Expire() = true, want false")
		}
	})

	t.Run("missing claim is not found", func(t *testing.T) {
		_, _, svc, _ := seed(t)

		_, err := svc.Expire(context.Background(), nil, "ghost")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Expire() error = %v, want ErrNotFound", err)
		}
	})
}

func TestServiceExpiredCandidates(t *testing.T) {
	store := newMemStore()
	store.addRecord("p1", "", "wh-1", 10, 0)
	events := &capturedEvents{}
	svc := newTestService(store, events)
	if _, err := svc.Reserve(context.Background(), nil, testOrder(line("p1", "", 1))); err != nil {
		t.Fatalf("seed reserve: %v", err)
	}

	candidates, err := svc.ExpiredCandidates(context.Background(), 10)
	if err != nil {
		t.Fatalf("ExpiredCandidates() error = %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("got %d candidates before expiry, want 0", len(candidates))
	}

	svc.nowFunc = func() time.Time { return testNow.Add(16 * time.Minute) }
	candidates, err = svc.ExpiredCandidates(context.Background(), 10)
	if err != nil {
		t.Fatalf("ExpiredCandidates() error = %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates after expiry, want 1", len(candidates))
	}
}
