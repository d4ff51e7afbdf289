//go:build integration

package test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/grocerly/fulfillment/internal/cache"
	"github.com/grocerly/fulfillment/internal/delivery"
	"github.com/grocerly/fulfillment/internal/domain"
	"github.com/grocerly/fulfillment/internal/inventory"
	"github.com/grocerly/fulfillment/internal/messaging"
	"github.com/grocerly/fulfillment/internal/orders"
	"github.com/grocerly/fulfillment/internal/outbox"
	"github.com/grocerly/fulfillment/internal/sweeper"
)

// testEnv wires the real services against a migrated database, the same way
// the binaries do.
type testEnv struct {
	db           *sql.DB
	logger       *slog.Logger
	eventStore   *outbox.Store
	inventory    *inventory.Service
	deliveryRepo *delivery.Repository
	orders       *orders.Service
	coordinator  *delivery.Coordinator
}

func newTestEnv(db *sql.DB, reservationTTL time.Duration) *testEnv {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eventStore := outbox.NewStore("integration-test")

	invRepo := inventory.NewRepository(db)
	invService := inventory.NewService(invRepo, eventStore, reservationTTL)

	deliveryRepo := delivery.NewRepository(db)

	orderRepo := orders.NewRepository(db)
	orderService := orders.NewService(db, orderRepo, invService, eventStore, deliveryRepo, 3)

	selector := delivery.NewPoolSelector([]string{"courier-1", "courier-2"})
	coordinator := delivery.NewCoordinator(db, deliveryRepo, orderService, selector, eventStore, logger)

	return &testEnv{
		db:           db,
		logger:       logger,
		eventStore:   eventStore,
		inventory:    invService,
		deliveryRepo: deliveryRepo,
		orders:       orderService,
		coordinator:  coordinator,
	}
}

// createDemoOrder places two units of seeded oat milk for the seeded demo
// customer.
func createDemoOrder(ctx context.Context, t *testing.T, env *testEnv) *domain.Order {
	t.Helper()

	order, err := env.orders.CreateOrder(ctx, orders.CreateOrderInput{
		CustomerID:  "cust-maria",
		AddressID:   "addr-maria-home",
		WarehouseID: "wh-centro",
		Lines: []orders.LineInput{
			{ProductID: "prod-oat-milk", Quantity: 2},
		},
		Tax:         decimal.RequireFromString("0.90"),
		DeliveryFee: decimal.RequireFromString("5.00"),
		Discount:    decimal.Zero,
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	return order
}

func stockLevel(t *testing.T, db *sql.DB, productID, variantID, warehouseID string) (onHand, reserved int) {
	t.Helper()

	err := db.QueryRow(`
		SELECT on_hand, reserved FROM inventory
		WHERE product_id = $1 AND variant_id = $2 AND warehouse_id = $3
	`, productID, variantID, warehouseID).Scan(&onHand, &reserved)
	if err != nil {
		t.Fatalf("failed to read stock level: %v", err)
	}
	return onHand, reserved
}

func reservationStatuses(t *testing.T, db *sql.DB, orderID string) []string {
	t.Helper()

	rows, err := db.Query(`SELECT status FROM reservations WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		t.Fatalf("failed to read reservations: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var statuses []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			t.Fatalf("failed to scan reservation status: %v", err)
		}
		statuses = append(statuses, s)
	}
	return statuses
}

func TestOrderLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	connStr := StartPostgres(ctx, t)
	redisAddr := StartRedis(ctx, t)
	db := OpenDB(t, connStr)

	env := newTestEnv(db, 15*time.Minute)

	views := cache.NewViews(cache.NewClient(redisAddr), time.Minute)
	handler := orders.NewHandler(env.orders, views, env.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /orders", handler.HandleCreate)
	mux.HandleFunc("GET /orders/{id}", handler.HandleGet)

	reqBody := `{
		"customer_id": "cust-maria",
		"address_id": "addr-maria-home",
		"warehouse_id": "wh-centro",
		"lines": [{"product_id": "prod-oat-milk", "quantity": 2}],
		"tax": "0.90",
		"delivery_fee": "5.00"
	}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}

	var created domain.Order
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode created order: %v", err)
	}
	if created.Status != domain.OrderStatusPending {
		t.Fatalf("expected status %s, got %s", domain.OrderStatusPending, created.Status)
	}
	if want := decimal.RequireFromString("12.90"); !created.Total.Equal(want) {
		t.Fatalf("expected total %s, got %s", want, created.Total)
	}
	if created.CustomerName != "Maria Silva" {
		t.Fatalf("expected snapshot name Maria Silva, got %q", created.CustomerName)
	}

	if onHand, reserved := stockLevel(t, db, "prod-oat-milk", "", "wh-centro"); onHand != 120 || reserved != 2 {
		t.Fatalf("expected stock 120/2 after reserve, got %d/%d", onHand, reserved)
	}

	// Warehouse flow up to the handoff point.
	for _, target := range []domain.OrderStatus{
		domain.OrderStatusConfirmed,
		domain.OrderStatusPicking,
		domain.OrderStatusReady,
	} {
		if _, err := env.orders.Transition(ctx, created.ID, target, "ops-1"); err != nil {
			t.Fatalf("transition to %s failed: %v", target, err)
		}
	}

	// Confirmation consumed the claim.
	if onHand, reserved := stockLevel(t, db, "prod-oat-milk", "", "wh-centro"); onHand != 118 || reserved != 0 {
		t.Fatalf("expected stock 118/0 after fulfill, got %d/%d", onHand, reserved)
	}
	for _, s := range reservationStatuses(t, db, created.ID) {
		if s != "fulfilled" {
			t.Fatalf("expected fulfilled reservations, got %q", s)
		}
	}

	// Courier leg.
	if err := env.coordinator.AssignCourier(ctx, created.ID); err != nil {
		t.Fatalf("assign courier failed: %v", err)
	}

	assignment, err := env.deliveryRepo.GetActiveForOrder(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to load active assignment: %v", err)
	}
	if assignment == nil {
		t.Fatal("expected an active assignment after dispatch")
	}
	if assignment.PickupName != "Centro Dark Store" {
		t.Fatalf("expected pickup snapshot Centro Dark Store, got %q", assignment.PickupName)
	}

	if _, err := env.coordinator.Accept(ctx, assignment.ID); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if _, err := env.coordinator.Pickup(ctx, assignment.ID); err != nil {
		t.Fatalf("pickup failed: %v", err)
	}
	if _, err := env.coordinator.Transit(ctx, assignment.ID); err != nil {
		t.Fatalf("transit failed: %v", err)
	}
	final, err := env.coordinator.Deliver(ctx, assignment.ID)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if final.Status != domain.AssignmentStatusDelivered {
		t.Fatalf("expected assignment %s, got %s", domain.AssignmentStatusDelivered, final.Status)
	}
	if final.AcceptedAt == nil || final.PickedUpAt == nil || final.InTransitAt == nil || final.DeliveredAt == nil {
		t.Fatal("expected every courier milestone to be stamped")
	}

	// Read path, twice: second hit is served from the cache.
	for i := 0; i < 2; i++ {
		req = httptest.NewRequest(http.MethodGet, "/orders/"+created.ID, nil)
		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("get %d: expected status %d, got %d: %s", i, http.StatusOK, rec.Code, rec.Body.String())
		}
		var got domain.Order
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("get %d: failed to decode order: %v", i, err)
		}
		if got.Status != domain.OrderStatusDelivered {
			t.Fatalf("get %d: expected status %s, got %s", i, domain.OrderStatusDelivered, got.Status)
		}
	}
}

func TestCancelRestoresStock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db := OpenDB(t, StartPostgres(ctx, t))

	env := newTestEnv(db, 15*time.Minute)
	order := createDemoOrder(ctx, t, env)

	if _, reserved := stockLevel(t, db, "prod-oat-milk", "", "wh-centro"); reserved != 2 {
		t.Fatalf("expected 2 reserved before cancel, got %d", reserved)
	}

	cancelled, err := env.orders.CancelOrder(ctx, order.ID, "changed my mind", "cust-maria")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected status %s, got %s", domain.OrderStatusCancelled, cancelled.Status)
	}
	if cancelled.CancelReason != "changed my mind" {
		t.Fatalf("expected cancel reason recorded, got %q", cancelled.CancelReason)
	}

	if onHand, reserved := stockLevel(t, db, "prod-oat-milk", "", "wh-centro"); onHand != 120 || reserved != 0 {
		t.Fatalf("expected stock restored to 120/0, got %d/%d", onHand, reserved)
	}
	for _, s := range reservationStatuses(t, db, order.ID) {
		if s != "released" {
			t.Fatalf("expected released reservations, got %q", s)
		}
	}
}

func TestCancelAfterConfirmIsRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db := OpenDB(t, StartPostgres(ctx, t))

	env := newTestEnv(db, 15*time.Minute)
	order := createDemoOrder(ctx, t, env)

	if _, err := env.orders.Transition(ctx, order.ID, domain.OrderStatusConfirmed, "ops-1"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	_, err := env.orders.CancelOrder(ctx, order.ID, "too late", "cust-maria")
	if err == nil {
		t.Fatal("expected cancel of a confirmed order to be refused")
	}
	if !strings.Contains(err.Error(), "fulfilled") {
		t.Fatalf("expected fulfillment veto, got: %v", err)
	}

	current, err := env.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("failed to reload order: %v", err)
	}
	if current.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected order to stay %s, got %s", domain.OrderStatusConfirmed, current.Status)
	}
	if onHand, reserved := stockLevel(t, db, "prod-oat-milk", "", "wh-centro"); onHand != 118 || reserved != 0 {
		t.Fatalf("expected consumed stock untouched at 118/0, got %d/%d", onHand, reserved)
	}
}

func TestConcurrentReserveContention(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db := OpenDB(t, StartPostgres(ctx, t))

	env := newTestEnv(db, 15*time.Minute)

	// Seeded whole-bean coffee has 35 on hand, so two orders of 20 cannot
	// both hold stock.
	input := orders.CreateOrderInput{
		CustomerID:  "cust-joao",
		AddressID:   "addr-joao-home",
		WarehouseID: "wh-centro",
		Lines: []orders.LineInput{
			{ProductID: "prod-coffee", VariantID: "var-coffee-beans", Quantity: 20},
		},
		Tax:         decimal.Zero,
		DeliveryFee: decimal.Zero,
		Discount:    decimal.Zero,
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.orders.CreateOrder(ctx, input)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range results {
		if err == nil {
			continue
		}
		failures++
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("expected insufficient stock for the loser, got: %v", err)
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one losing order, got %d failures", failures)
	}

	if onHand, reserved := stockLevel(t, db, "prod-coffee", "var-coffee-beans", "wh-centro"); onHand != 35 || reserved != 20 {
		t.Fatalf("expected stock 35/20 after the race, got %d/%d", onHand, reserved)
	}
}

func TestExpiredReservationSweep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db := OpenDB(t, StartPostgres(ctx, t))

	// Negative TTL: the claim is born expired.
	env := newTestEnv(db, -time.Minute)
	order := createDemoOrder(ctx, t, env)

	if _, reserved := stockLevel(t, db, "prod-oat-milk", "", "wh-centro"); reserved != 2 {
		t.Fatalf("expected 2 reserved before sweep, got %d", reserved)
	}

	s := sweeper.NewSweeper(db, env.inventory, 20*time.Millisecond, 10, env.logger)
	sweepCtx, stopSweep := context.WithTimeout(ctx, 2*time.Second)
	defer stopSweep()
	_ = s.Run(sweepCtx)

	if onHand, reserved := stockLevel(t, db, "prod-oat-milk", "", "wh-centro"); onHand != 120 || reserved != 0 {
		t.Fatalf("expected stock released to 120/0, got %d/%d", onHand, reserved)
	}
	for _, st := range reservationStatuses(t, db, order.ID) {
		if st != "released" {
			t.Fatalf("expected released reservations, got %q", st)
		}
	}

	// The sweep only frees stock; the order itself is untouched.
	current, err := env.orders.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("failed to reload order: %v", err)
	}
	if current.Status != domain.OrderStatusPending {
		t.Fatalf("expected order to stay %s, got %s", domain.OrderStatusPending, current.Status)
	}
}

func TestOutboxRelayDeliversToKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	connStr := StartPostgres(ctx, t)
	brokers := StartKafka(ctx, t)
	db := OpenDB(t, connStr)

	env := newTestEnv(db, 15*time.Minute)
	order := createDemoOrder(ctx, t, env)

	publisher := messaging.NewPublisher(brokers)
	defer func() { _ = publisher.Close() }()

	router := messaging.NewTopicRouter("orders.events", "inventory.events", "delivery.events")
	relay := outbox.NewRelay(db, env.eventStore, publisher, router, 50*time.Millisecond, 100, env.logger)

	relayCtx, stopRelay := context.WithCancel(ctx)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = relay.Run(relayCtx)
	}()

	deadline := time.Now().Add(90 * time.Second)
	for {
		var pending int
		if err := db.QueryRow(`SELECT count(*) FROM domain_events WHERE published_at IS NULL`).Scan(&pending); err != nil {
			t.Fatalf("failed to count pending events: %v", err)
		}
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			stopRelay()
			t.Fatalf("outbox not drained, %d events still pending", pending)
		}
		time.Sleep(200 * time.Millisecond)
	}
	stopRelay()
	<-relayDone

	consumer := messaging.NewConsumer(brokers, "orders.events", "relay-it", env.logger,
		messaging.WithStartOffset(kafka.FirstOffset))
	defer func() { _ = consumer.Close() }()

	received := make(chan domain.Event, 1)
	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	go func() {
		_ = consumer.Consume(consumeCtx, func(_ context.Context, e domain.Event) error {
			if e.Type == domain.EventOrderCreated && e.CorrelationID == order.ID {
				select {
				case received <- e:
				default:
				}
			}
			return nil
		})
	}()

	select {
	case e := <-received:
		if e.ID == "" {
			t.Fatal("expected event_id on the delivered envelope")
		}
		if e.Source != "integration-test" {
			t.Fatalf("expected source integration-test, got %q", e.Source)
		}
		payload, err := domain.UnmarshalPayload[domain.OrderCreatedPayload](e)
		if err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		if payload.OrderID != order.ID {
			t.Fatalf("expected payload order %s, got %s", order.ID, payload.OrderID)
		}
	case <-time.After(90 * time.Second):
		t.Fatal("order.created never arrived on the order topic")
	}
}

func TestCacheViews(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	redisAddr := StartRedis(ctx, t)

	views := cache.NewViews(cache.NewClient(redisAddr), time.Minute)

	if got, err := views.GetOrder(ctx, "nope"); err != nil || got != nil {
		t.Fatalf("expected clean miss, got %v / %v", got, err)
	}

	order := &domain.Order{
		ID:     "o-cache",
		Status: domain.OrderStatusReady,
		Total:  decimal.RequireFromString("12.90"),
	}
	if err := views.SetOrder(ctx, order); err != nil {
		t.Fatalf("failed to cache order: %v", err)
	}

	got, err := views.GetOrder(ctx, "o-cache")
	if err != nil {
		t.Fatalf("failed to read cached order: %v", err)
	}
	if got == nil || got.Status != domain.OrderStatusReady || !got.Total.Equal(order.Total) {
		t.Fatalf("cached order mismatch: %+v", got)
	}

	if err := views.InvalidateOrder(ctx, "o-cache"); err != nil {
		t.Fatalf("failed to invalidate order view: %v", err)
	}
	if got, err := views.GetOrder(ctx, "o-cache"); err != nil || got != nil {
		t.Fatalf("expected miss after invalidation, got %v / %v", got, err)
	}
}
