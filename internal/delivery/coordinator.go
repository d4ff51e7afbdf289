// Package delivery binds couriers to orders that are ready to leave the
// warehouse and feeds courier-reported progress back into the order state
// machine.
package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/grocerly/fulfillment/internal/database"
	"github.com/grocerly/fulfillment/internal/domain"
)

// dispatchActor is recorded on order transitions the coordinator performs
// itself, as opposed to courier-reported moves.
const dispatchActor = "dispatch"

type orderAPI interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	Transition(ctx context.Context, orderID string, target domain.OrderStatus, actorID string) (*domain.Order, error)
}

type assignmentStore interface {
	GetWarehouseSnapshot(ctx context.Context, warehouseID string) (*WarehouseSnapshot, error)
	InsertAssignment(ctx context.Context, tx *sql.Tx, a *domain.DeliveryAssignment) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryAssignment, error)
	GetActiveForOrder(ctx context.Context, orderID string) (*domain.DeliveryAssignment, error)
	UpdateStatusCAS(ctx context.Context, tx *sql.Tx, id string, from, to domain.AssignmentStatus, at time.Time) (bool, error)
	RejectedCouriers(ctx context.Context, orderID string) ([]string, error)
	OrdersAwaitingAssignment(ctx context.Context, limit int) ([]string, error)
}

type EventAppender interface {
	Append(ctx context.Context, tx *sql.Tx, events ...domain.Event) error
}

type Coordinator struct {
	store    assignmentStore
	orders   orderAPI
	selector CourierSelector
	events   EventAppender
	logger   *slog.Logger

	runTx   func(ctx context.Context, fn func(*sql.Tx) error) error
	nowFunc func() time.Time
}

func NewCoordinator(
	db *sql.DB,
	store assignmentStore,
	orders orderAPI,
	selector CourierSelector,
	events EventAppender,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		store:    store,
		orders:   orders,
		selector: selector,
		events:   events,
		logger:   logger,
		runTx: func(ctx context.Context, fn func(*sql.Tx) error) error {
			return database.WithTxRetry(ctx, db, fn)
		},
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// HandleOrderEvent reacts to the order stream. Only the hop into ready
// matters here; every other event type passes through untouched.
func (c *Coordinator) HandleOrderEvent(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventOrderStatusChanged {
		return nil
	}

	payload, err := domain.UnmarshalPayload[domain.OrderStatusChangedPayload](event)
	if err != nil {
		c.logger.Error("skipping malformed status event", "error", err, "event_id", event.ID)
		return nil
	}
	if payload.To != domain.OrderStatusReady {
		return nil
	}
	return c.AssignCourier(ctx, payload.OrderID)
}

// AssignCourier binds a courier to the order if it still needs one. Safe
// under redelivery: an existing active assignment short-circuits, and a
// ready order that already has one only needs its status repaired.
func (c *Coordinator) AssignCourier(ctx context.Context, orderID string) error {
	order, err := c.orders.GetOrder(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn("order vanished before assignment", "order_id", orderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}

	switch order.Status {
	case domain.OrderStatusReady, domain.OrderStatusAssigned:
	default:
		c.logger.Debug("order no longer awaiting courier", "order_id", orderID, "status", string(order.Status))
		return nil
	}

	active, err := c.store.GetActiveForOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if active != nil {
		if order.Status == domain.OrderStatusReady {
			return c.transitionTolerant(ctx, orderID, domain.OrderStatusAssigned, dispatchActor)
		}
		return nil
	}

	exclude, err := c.store.RejectedCouriers(ctx, orderID)
	if err != nil {
		return err
	}

	courierID, err := c.selector.SelectCourier(ctx, order, exclude)
	if errors.Is(err, ErrNoCourierAvailable) {
		c.logger.Warn("no courier available, leaving order for reconciliation", "order_id", orderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("select courier for order %s: %w", orderID, err)
	}

	warehouse, err := c.store.GetWarehouseSnapshot(ctx, order.WarehouseID)
	if err != nil {
		return fmt.Errorf("snapshot pickup address: %w", err)
	}

	assignment := &domain.DeliveryAssignment{
		ID:                uuid.NewString(),
		OrderID:           order.ID,
		CourierID:         courierID,
		PickupName:        warehouse.Name,
		PickupStreet:      warehouse.Street,
		PickupCity:        warehouse.City,
		DropoffStreet:     order.DeliveryStreet,
		DropoffCity:       order.DeliveryCity,
		DropoffPostalCode: order.DeliveryPostalCode,
		Status:            domain.AssignmentStatusAssigned,
		AssignedAt:        c.nowFunc(),
	}

	err = c.runTx(ctx, func(tx *sql.Tx) error {
		if err := c.store.InsertAssignment(ctx, tx, assignment); err != nil {
			return err
		}
		return c.events.Append(ctx, tx, domain.NewEvent(domain.EventCourierAssigned, order.ID, domain.CourierAssignedPayload{
			OrderID:      order.ID,
			AssignmentID: assignment.ID,
			CourierID:    courierID,
		}))
	})
	// The one-active-per-order index catches concurrent assigners that both
	// passed the GetActiveForOrder check. Losing that race means the order is
	// bound; only the status repair may still be owed.
	if database.IsUniqueViolation(err) {
		c.logger.Info("order already bound by concurrent assignment", "order_id", orderID)
		if order.Status == domain.OrderStatusReady {
			return c.transitionTolerant(ctx, orderID, domain.OrderStatusAssigned, dispatchActor)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("create assignment for order %s: %w", orderID, err)
	}

	c.logger.Info("courier assigned", "order_id", order.ID, "assignment_id", assignment.ID, "courier_id", courierID)

	if order.Status == domain.OrderStatusReady {
		return c.transitionTolerant(ctx, orderID, domain.OrderStatusAssigned, dispatchActor)
	}
	return nil
}

// GetAssignment loads one assignment by id.
func (c *Coordinator) GetAssignment(ctx context.Context, assignmentID string) (*domain.DeliveryAssignment, error) {
	return c.store.GetByID(ctx, assignmentID)
}

// Accept records that the courier took the job. No order-side mirror.
func (c *Coordinator) Accept(ctx context.Context, assignmentID string) (*domain.DeliveryAssignment, error) {
	return c.advance(ctx, assignmentID, domain.AssignmentStatusAccepted)
}

// Reject closes the assignment and immediately tries the next courier.
// The order keeps its assigned status while a replacement is found.
func (c *Coordinator) Reject(ctx context.Context, assignmentID string) (*domain.DeliveryAssignment, error) {
	return c.advance(ctx, assignmentID, domain.AssignmentStatusRejected)
}

// Pickup records the handover at the warehouse and moves the order along.
func (c *Coordinator) Pickup(ctx context.Context, assignmentID string) (*domain.DeliveryAssignment, error) {
	return c.advance(ctx, assignmentID, domain.AssignmentStatusPickedUp)
}

// Transit records that the courier is on the way.
func (c *Coordinator) Transit(ctx context.Context, assignmentID string) (*domain.DeliveryAssignment, error) {
	return c.advance(ctx, assignmentID, domain.AssignmentStatusInTransit)
}

// Deliver records the drop-off, completing both assignment and order.
func (c *Coordinator) Deliver(ctx context.Context, assignmentID string) (*domain.DeliveryAssignment, error) {
	return c.advance(ctx, assignmentID, domain.AssignmentStatusDelivered)
}

// advance applies one courier-reported move: the order mirror first,
// tolerant of rework, then the assignment swap plus its event in one
// transaction.
func (c *Coordinator) advance(ctx context.Context, assignmentID string, target domain.AssignmentStatus) (*domain.DeliveryAssignment, error) {
	a, err := c.store.GetByID(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !domain.CanAssignmentTransition(a.Status, target) {
		return nil, fmt.Errorf("assignment %s cannot move from %s to %s: %w",
			assignmentID, a.Status, target, domain.ErrInvalidTransition)
	}

	if mirror, ok := target.OrderStatusFor(); ok {
		if err := c.transitionTolerant(ctx, a.OrderID, mirror, "courier:"+a.CourierID); err != nil {
			return nil, fmt.Errorf("mirror %s onto order %s: %w", target, a.OrderID, err)
		}
	}

	from := a.Status
	now := c.nowFunc()
	err = c.runTx(ctx, func(tx *sql.Tx) error {
		ok, err := c.store.UpdateStatusCAS(ctx, tx, assignmentID, from, target, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("assignment %s changed underneath us: %w", assignmentID, domain.ErrConflict)
		}
		return c.events.Append(ctx, tx, domain.NewEvent(domain.EventAssignmentUpdated, a.OrderID, domain.AssignmentUpdatedPayload{
			OrderID:      a.OrderID,
			AssignmentID: a.ID,
			CourierID:    a.CourierID,
			From:         from,
			To:           target,
		}))
	})
	if err != nil {
		return nil, err
	}

	a.Status = target
	stamp(a, target, now)

	c.logger.Info("assignment updated",
		"assignment_id", a.ID, "order_id", a.OrderID, "courier_id", a.CourierID, "status", string(target))

	if target == domain.AssignmentStatusRejected {
		if err := c.AssignCourier(ctx, a.OrderID); err != nil {
			c.logger.Error("failed to reassign after rejection", "error", err, "order_id", a.OrderID)
		}
	}
	return a, nil
}

// transitionTolerant moves the order to target, treating "already at target"
// as success so redelivered events and retried callbacks stay idempotent.
func (c *Coordinator) transitionTolerant(ctx context.Context, orderID string, target domain.OrderStatus, actor string) error {
	_, err := c.orders.Transition(ctx, orderID, target, actor)
	if err == nil {
		return nil
	}
	var detail *domain.InvalidTransitionError
	if errors.As(err, &detail) && detail.From == target {
		return nil
	}
	return err
}

func stamp(a *domain.DeliveryAssignment, status domain.AssignmentStatus, at time.Time) {
	switch status {
	case domain.AssignmentStatusAccepted:
		a.AcceptedAt = &at
	case domain.AssignmentStatusRejected:
		a.RejectedAt = &at
	case domain.AssignmentStatusPickedUp:
		a.PickedUpAt = &at
	case domain.AssignmentStatusInTransit:
		a.InTransitAt = &at
	case domain.AssignmentStatusDelivered:
		a.DeliveredAt = &at
	case domain.AssignmentStatusCancelled:
		a.CancelledAt = &at
	}
}

// RunReconciler re-attempts assignment for orders stuck without a courier,
// once per interval, until ctx is cancelled. It is the backstop for "no
// courier available" and for rejections whose immediate re-selection found
// nobody either.
func (c *Coordinator) RunReconciler(ctx context.Context, interval time.Duration, batchSize int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("assignment reconciler started", "interval", interval.String(), "batch_size", batchSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.reconcileOnce(ctx, batchSize); err != nil {
				c.logger.Error("assignment reconciliation failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) reconcileOnce(ctx context.Context, batchSize int) error {
	ids, err := c.store.OrdersAwaitingAssignment(ctx, batchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.AssignCourier(ctx, id); err != nil {
			c.logger.Error("failed to assign courier", "error", err, "order_id", id)
		}
	}
	return nil
}
