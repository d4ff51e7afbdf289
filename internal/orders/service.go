// Package orders owns the order lifecycle: creation against reserved stock,
// the fixed forward status chain with its cancelled escape hatch, and the
// compare-and-swap discipline that keeps racing transitions from both
// winning.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/grocerly/fulfillment/internal/database"
	"github.com/grocerly/fulfillment/internal/domain"
)

var (
	meter = otel.Meter("orders")

	ordersCreated, _ = meter.Int64Counter("fulfillment.orders.created",
		metric.WithDescription("Orders accepted at intake."))
	orderTransitions, _ = meter.Int64Counter("fulfillment.orders.transitions",
		metric.WithDescription("Committed order status changes, cancellations included."))
)

func recordTransition(ctx context.Context, from, to domain.OrderStatus) {
	orderTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

type orderStore interface {
	GetCustomerSnapshot(ctx context.Context, customerID, addressID string) (*CustomerSnapshot, error)
	GetProductSnapshot(ctx context.Context, productID, variantID string) (*ProductSnapshot, error)
	WarehouseExists(ctx context.Context, warehouseID string) (bool, error)
	InsertOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error)
	UpdateStatusCAS(ctx context.Context, tx *sql.Tx, id string, from, to domain.OrderStatus, now time.Time) (bool, error)
	UpdateCancelledCAS(ctx context.Context, tx *sql.Tx, id string, from domain.OrderStatus, reason, actorID string, now time.Time) (bool, error)
	UpdatePaymentStatusCAS(ctx context.Context, tx *sql.Tx, id string, from, to domain.PaymentStatus, now time.Time) (bool, error)
}

// stockService is the slice of the inventory service the order state
// machine drives. Reservations are taken at creation and settled when
// the order is confirmed or cancelled.
type stockService interface {
	Reserve(ctx context.Context, tx *sql.Tx, order *domain.Order) ([]domain.Reservation, error)
	Fulfill(ctx context.Context, tx *sql.Tx, orderID string) error
	ReleaseForCancel(ctx context.Context, tx *sql.Tx, orderID string) (int, error)
}

type EventAppender interface {
	Append(ctx context.Context, tx *sql.Tx, events ...domain.Event) error
}

// AssignmentCanceller pulls back an in-flight courier assignment when its
// order is cancelled.
type AssignmentCanceller interface {
	CancelActiveForOrder(ctx context.Context, tx *sql.Tx, orderID string, at time.Time) (bool, error)
}

type Service struct {
	store       orderStore
	stock       stockService
	events      EventAppender
	assignments AssignmentCanceller

	conflictRetries int

	runTx   func(ctx context.Context, fn func(*sql.Tx) error) error
	nowFunc func() time.Time
}

func NewService(
	db *sql.DB,
	store orderStore,
	stock stockService,
	events EventAppender,
	assignments AssignmentCanceller,
	conflictRetries int,
) *Service {
	return &Service{
		store:           store,
		stock:           stock,
		events:          events,
		assignments:     assignments,
		conflictRetries: conflictRetries,
		runTx: func(ctx context.Context, fn func(*sql.Tx) error) error {
			return database.WithTxRetry(ctx, db, fn)
		},
		nowFunc: time.Now,
	}
}

type LineInput struct {
	ProductID string
	VariantID string
	Quantity  int
}

type CreateOrderInput struct {
	CustomerID  string
	AddressID   string
	WarehouseID string
	Lines       []LineInput
	Tax         decimal.Decimal
	DeliveryFee decimal.Decimal
	Discount    decimal.Decimal
}

// CreateOrder builds the order from catalog snapshots, reserves stock for
// every line, and persists order, lines, reservations, and events as one
// atomic unit. No order is ever visible without fully reserved stock.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.Order, error) {
	if len(in.Lines) == 0 {
		return nil, fmt.Errorf("order has no lines: %w", domain.ErrInvalidState)
	}
	for _, l := range in.Lines {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("quantity for product %s must be positive: %w", l.ProductID, domain.ErrInvalidState)
		}
	}
	if in.Tax.IsNegative() || in.DeliveryFee.IsNegative() || in.Discount.IsNegative() {
		return nil, fmt.Errorf("charges must be non-negative: %w", domain.ErrInvalidState)
	}

	exists, err := s.store.WarehouseExists(ctx, in.WarehouseID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("warehouse %s: %w", in.WarehouseID, domain.ErrNotFound)
	}

	snap, err := s.store.GetCustomerSnapshot(ctx, in.CustomerID, in.AddressID)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc().UTC()
	order := &domain.Order{
		ID:                 uuid.NewString(),
		CustomerID:         in.CustomerID,
		WarehouseID:        in.WarehouseID,
		CustomerName:       snap.Name,
		CustomerEmail:      snap.Email,
		CustomerPhone:      snap.Phone,
		DeliveryStreet:     snap.Street,
		DeliveryCity:       snap.City,
		DeliveryPostalCode: snap.PostalCode,
		Tax:                in.Tax,
		DeliveryFee:        in.DeliveryFee,
		Discount:           in.Discount,
		Status:             domain.OrderStatusPending,
		PaymentStatus:      domain.PaymentStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	subtotal := decimal.Zero
	eventLines := make([]domain.EventLine, 0, len(in.Lines))
	for _, l := range in.Lines {
		product, err := s.store.GetProductSnapshot(ctx, l.ProductID, l.VariantID)
		if err != nil {
			return nil, err
		}

		lineSubtotal := product.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
		order.Lines = append(order.Lines, domain.OrderLine{
			ID:        uuid.NewString(),
			OrderID:   order.ID,
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			Name:      product.Name,
			SKU:       product.SKU,
			UnitPrice: product.UnitPrice,
			Quantity:  l.Quantity,
			Subtotal:  lineSubtotal,
		})
		subtotal = subtotal.Add(lineSubtotal)

		eventLines = append(eventLines, domain.EventLine{
			ProductID:   l.ProductID,
			VariantID:   l.VariantID,
			WarehouseID: in.WarehouseID,
			Quantity:    l.Quantity,
			UnitPrice:   product.UnitPrice,
		})
	}

	order.Subtotal = subtotal
	order.Total = subtotal.Add(in.Tax).Add(in.DeliveryFee).Sub(in.Discount)
	if order.Total.IsNegative() {
		return nil, fmt.Errorf("discount exceeds order value: %w", domain.ErrInvalidState)
	}

	err = s.runTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.InsertOrder(ctx, tx, order); err != nil {
			return err
		}

		event := domain.NewEvent(domain.EventOrderCreated, order.ID, domain.OrderCreatedPayload{
			OrderID:     order.ID,
			CustomerID:  order.CustomerID,
			WarehouseID: order.WarehouseID,
			Lines:       eventLines,
			Total:       order.Total,
		})
		if err := s.events.Append(ctx, tx, event); err != nil {
			return fmt.Errorf("record order created: %w", err)
		}

		if _, err := s.stock.Reserve(ctx, tx, order); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ordersCreated.Add(ctx, 1)
	return order, nil
}

// Transition moves the order to target, which must be the designated
// successor of its current status; cancelled routes through CancelOrder.
// A lost compare-and-swap is retried with a fresh read up to the bounded
// attempt count, then surfaces as Conflict.
func (s *Service) Transition(ctx context.Context, orderID string, target domain.OrderStatus, actorID string) (*domain.Order, error) {
	if !target.Valid() {
		return nil, &domain.InvalidTransitionError{To: target, Reason: "unknown status"}
	}
	if target == domain.OrderStatusCancelled {
		return s.CancelOrder(ctx, orderID, "", actorID)
	}

	var lastErr error
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		order, err := s.store.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !domain.CanTransition(order.Status, target) {
			return nil, &domain.InvalidTransitionError{From: order.Status, To: target}
		}

		now := s.nowFunc().UTC()
		err = s.runTx(ctx, func(tx *sql.Tx) error {
			ok, err := s.store.UpdateStatusCAS(ctx, tx, orderID, order.Status, target, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("order %s left %s underneath us: %w", orderID, order.Status, domain.ErrConflict)
			}

			// Confirmation is the point where reserved stock is consumed.
			if target == domain.OrderStatusConfirmed {
				if err := s.stock.Fulfill(ctx, tx, orderID); err != nil {
					return err
				}
			}

			event := domain.NewEvent(domain.EventOrderStatusChanged, orderID, domain.OrderStatusChangedPayload{
				OrderID: orderID,
				From:    order.Status,
				To:      target,
				ActorID: actorID,
			})
			return s.events.Append(ctx, tx, event)
		})
		if err == nil {
			recordTransition(ctx, order.Status, target)
			order.Status = target
			order.UpdatedAt = now
			return order, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("transition to %s exhausted retries: %w", target, lastErr)
}

// CancelOrder is the escape hatch: legal from any non-terminal status, but
// vetoed once stock is fulfilled. The release, the status swap, the
// assignment pullback, and the event all commit together.
func (s *Service) CancelOrder(ctx context.Context, orderID, reason, actorID string) (*domain.Order, error) {
	var lastErr error
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		order, err := s.store.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !domain.CanTransition(order.Status, domain.OrderStatusCancelled) {
			return nil, &domain.InvalidTransitionError{From: order.Status, To: domain.OrderStatusCancelled}
		}

		now := s.nowFunc().UTC()
		err = s.runTx(ctx, func(tx *sql.Tx) error {
			if _, err := s.stock.ReleaseForCancel(ctx, tx, orderID); err != nil {
				if errors.Is(err, domain.ErrInvalidState) {
					return &domain.InvalidTransitionError{
						From:   order.Status,
						To:     domain.OrderStatusCancelled,
						Reason: "stock already fulfilled",
					}
				}
				return err
			}

			ok, err := s.store.UpdateCancelledCAS(ctx, tx, orderID, order.Status, reason, actorID, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("order %s left %s underneath us: %w", orderID, order.Status, domain.ErrConflict)
			}

			if s.assignments != nil {
				if _, err := s.assignments.CancelActiveForOrder(ctx, tx, orderID, now); err != nil {
					return fmt.Errorf("cancel assignment: %w", err)
				}
			}

			event := domain.NewEvent(domain.EventOrderCancelled, orderID, domain.OrderCancelledPayload{
				OrderID: orderID,
				From:    order.Status,
				Reason:  reason,
				ActorID: actorID,
			})
			return s.events.Append(ctx, tx, event)
		})
		if err == nil {
			recordTransition(ctx, order.Status, domain.OrderStatusCancelled)
			order.Status = domain.OrderStatusCancelled
			order.CancelReason = reason
			order.CancelledBy = actorID
			order.CancelledAt = &now
			order.UpdatedAt = now
			return order, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("cancel exhausted retries: %w", lastErr)
}

// UpdatePaymentStatus records the externally decided payment outcome.
// Setting the status it already has is an idempotent no-op.
func (s *Service) UpdatePaymentStatus(ctx context.Context, orderID string, target domain.PaymentStatus) (*domain.Order, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("unknown payment status %q: %w", target, domain.ErrInvalidState)
	}

	var lastErr error
	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		order, err := s.store.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.PaymentStatus == target {
			return order, nil
		}

		now := s.nowFunc().UTC()
		err = s.runTx(ctx, func(tx *sql.Tx) error {
			ok, err := s.store.UpdatePaymentStatusCAS(ctx, tx, orderID, order.PaymentStatus, target, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("payment status of %s changed underneath us: %w", orderID, domain.ErrConflict)
			}

			event := domain.NewEvent(domain.EventOrderPaymentStatusChanged, orderID, domain.PaymentStatusChangedPayload{
				OrderID: orderID,
				From:    order.PaymentStatus,
				To:      target,
			})
			return s.events.Append(ctx, tx, event)
		})
		if err == nil {
			order.PaymentStatus = target
			order.UpdatedAt = now
			return order, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("payment status update exhausted retries: %w", lastErr)
}

// GetOrder returns one order with lines.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.store.GetByID(ctx, orderID)
}

// ListOrders returns a customer's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, customerID string) ([]domain.Order, error) {
	return s.store.ListByCustomer(ctx, customerID)
}
