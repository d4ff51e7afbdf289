package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grocerly/fulfillment/internal/domain"
)

// ledgerStore is the slice of Repository the service composes. All mutations
// run against the caller's transaction; owning the transaction stays with
// whoever coordinates the business operation.
type ledgerStore interface {
	ReserveStock(ctx context.Context, tx *sql.Tx, productID, variantID, warehouseID string, qty int) error
	FulfillStock(ctx context.Context, tx *sql.Tx, productID, variantID, warehouseID string, qty int) error
	ReleaseStock(ctx context.Context, tx *sql.Tx, productID, variantID, warehouseID string, qty int) error
	InsertReservation(ctx context.Context, tx *sql.Tx, res *domain.Reservation) error
	ReservationsForOrder(ctx context.Context, tx *sql.Tx, orderID string) ([]domain.Reservation, error)
	GetReservationForUpdate(ctx context.Context, tx *sql.Tx, id string) (*domain.Reservation, error)
	MarkReservationFulfilled(ctx context.Context, tx *sql.Tx, id string, at time.Time) error
	MarkReservationReleased(ctx context.Context, tx *sql.Tx, id string, at time.Time) error
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error)
}

// EventAppender records envelopes in the same transaction as the state
// change producing them.
type EventAppender interface {
	Append(ctx context.Context, tx *sql.Tx, events ...domain.Event) error
}

type Service struct {
	store   ledgerStore
	events  EventAppender
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewService(store ledgerStore, events EventAppender, ttl time.Duration) *Service {
	return &Service{
		store:   store,
		events:  events,
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// Reserve claims stock for every line of the order and records one claim row
// per line, all expiring together. The first shortfall aborts with
// InsufficientStock naming the failing line, leaving the caller's
// transaction to roll everything back.
func (s *Service) Reserve(ctx context.Context, tx *sql.Tx, order *domain.Order) ([]domain.Reservation, error) {
	now := s.nowFunc().UTC()
	expiresAt := now.Add(s.ttl)

	reservations := make([]domain.Reservation, 0, len(order.Lines))
	stockLines := make([]domain.StockLine, 0, len(order.Lines))

	for _, line := range order.Lines {
		if err := s.store.ReserveStock(ctx, tx, line.ProductID, line.VariantID, order.WarehouseID, line.Quantity); err != nil {
			return nil, fmt.Errorf("reserve stock for product %s: %w", line.ProductID, err)
		}

		res := domain.Reservation{
			ID:          uuid.NewString(),
			OrderID:     order.ID,
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			WarehouseID: order.WarehouseID,
			Quantity:    line.Quantity,
			Status:      domain.ReservationStatusReserved,
			ExpiresAt:   expiresAt,
			CreatedAt:   now,
		}
		if err := s.store.InsertReservation(ctx, tx, &res); err != nil {
			return nil, fmt.Errorf("insert reservation: %w", err)
		}

		reservations = append(reservations, res)
		stockLines = append(stockLines, domain.StockLine{
			ProductID:   line.ProductID,
			VariantID:   line.VariantID,
			WarehouseID: order.WarehouseID,
			Quantity:    line.Quantity,
		})
	}

	event := domain.NewEvent(domain.EventStockReserved, order.ID, domain.StockMovementPayload{
		OrderID: order.ID,
		Lines:   stockLines,
	})
	if err := s.events.Append(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("record stock reserved: %w", err)
	}

	return reservations, nil
}

// Fulfill converts every claim of the order into consumed stock: on hand and
// reserved both shrink, claims flip to fulfilled. Any claim not currently
// reserved (expired and swept, for example) fails the whole call with
// InvalidState.
func (s *Service) Fulfill(ctx context.Context, tx *sql.Tx, orderID string) error {
	reservations, err := s.store.ReservationsForOrder(ctx, tx, orderID)
	if err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}
	if len(reservations) == 0 {
		return fmt.Errorf("order %s has no reservations: %w", orderID, domain.ErrInvalidState)
	}

	now := s.nowFunc().UTC()
	stockLines := make([]domain.StockLine, 0, len(reservations))

	for _, res := range reservations {
		if res.Status != domain.ReservationStatusReserved {
			return fmt.Errorf("reservation %s is %s: %w", res.ID, res.Status, domain.ErrInvalidState)
		}

		if err := s.store.FulfillStock(ctx, tx, res.ProductID, res.VariantID, res.WarehouseID, res.Quantity); err != nil {
			return fmt.Errorf("fulfill stock for product %s: %w", res.ProductID, err)
		}
		if err := s.store.MarkReservationFulfilled(ctx, tx, res.ID, now); err != nil {
			return err
		}

		stockLines = append(stockLines, domain.StockLine{
			ProductID:   res.ProductID,
			VariantID:   res.VariantID,
			WarehouseID: res.WarehouseID,
			Quantity:    res.Quantity,
		})
	}

	event := domain.NewEvent(domain.EventStockFulfilled, orderID, domain.StockMovementPayload{
		OrderID: orderID,
		Lines:   stockLines,
	})
	if err := s.events.Append(ctx, tx, event); err != nil {
		return fmt.Errorf("record stock fulfilled: %w", err)
	}

	return nil
}

// ReleaseForCancel releases every still-reserved claim of the order.
// Already-released claims are skipped; any fulfilled claim vetoes the whole
// release with InvalidState, because consumed stock cannot quietly
// reappear.
func (s *Service) ReleaseForCancel(ctx context.Context, tx *sql.Tx, orderID string) (int, error) {
	reservations, err := s.store.ReservationsForOrder(ctx, tx, orderID)
	if err != nil {
		return 0, fmt.Errorf("load reservations: %w", err)
	}

	now := s.nowFunc().UTC()
	var stockLines []domain.StockLine

	for _, res := range reservations {
		switch res.Status {
		case domain.ReservationStatusFulfilled:
			return 0, fmt.Errorf("reservation %s already fulfilled: %w", res.ID, domain.ErrInvalidState)
		case domain.ReservationStatusReleased:
			continue
		}

		if err := s.store.ReleaseStock(ctx, tx, res.ProductID, res.VariantID, res.WarehouseID, res.Quantity); err != nil {
			return 0, fmt.Errorf("release stock for product %s: %w", res.ProductID, err)
		}
		if err := s.store.MarkReservationReleased(ctx, tx, res.ID, now); err != nil {
			return 0, err
		}

		stockLines = append(stockLines, domain.StockLine{
			ProductID:   res.ProductID,
			VariantID:   res.VariantID,
			WarehouseID: res.WarehouseID,
			Quantity:    res.Quantity,
		})
	}

	if len(stockLines) > 0 {
		event := domain.NewEvent(domain.EventStockReleased, orderID, domain.StockMovementPayload{
			OrderID: orderID,
			Lines:   stockLines,
		})
		if err := s.events.Append(ctx, tx, event); err != nil {
			return 0, fmt.Errorf("record stock released: %w", err)
		}
	}

	return len(stockLines), nil
}

// Expire releases one claim that outlived its window. Returns false without
// error when the claim was already released (cancellation got there first)
// and InvalidState when it was fulfilled (confirmation got there first);
// the sweeper skips both.
func (s *Service) Expire(ctx context.Context, tx *sql.Tx, reservationID string) (bool, error) {
	res, err := s.store.GetReservationForUpdate(ctx, tx, reservationID)
	if err != nil {
		return false, err
	}

	switch res.Status {
	case domain.ReservationStatusReleased:
		return false, nil
	case domain.ReservationStatusFulfilled:
		return false, fmt.Errorf("reservation %s already fulfilled: %w", res.ID, domain.ErrInvalidState)
	}

	now := s.nowFunc().UTC()
	if err := s.store.ReleaseStock(ctx, tx, res.ProductID, res.VariantID, res.WarehouseID, res.Quantity); err != nil {
		return false, fmt.Errorf("release stock for product %s: %w", res.ProductID, err)
	}
	if err := s.store.MarkReservationReleased(ctx, tx, res.ID, now); err != nil {
		return false, err
	}

	event := domain.NewEvent(domain.EventReservationExpired, res.OrderID, domain.ReservationExpiredPayload{
		ReservationID: res.ID,
		OrderID:       res.OrderID,
		ProductID:     res.ProductID,
		VariantID:     res.VariantID,
		WarehouseID:   res.WarehouseID,
		Quantity:      res.Quantity,
		ExpiredAt:     res.ExpiresAt,
	})
	if err := s.events.Append(ctx, tx, event); err != nil {
		return false, fmt.Errorf("record reservation expired: %w", err)
	}

	return true, nil
}

// ExpiredCandidates lists claims the sweeper should release this pass.
func (s *Service) ExpiredCandidates(ctx context.Context, limit int) ([]domain.Reservation, error) {
	return s.store.ExpiredReservations(ctx, s.nowFunc().UTC(), limit)
}
