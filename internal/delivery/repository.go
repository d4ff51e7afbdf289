package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/grocerly/fulfillment/internal/domain"
)

// activeStatuses are the assignment states that still bind a courier to an
// order. Kept in sync with AssignmentStatus.Active.
var activeStatuses = []string{
	string(domain.AssignmentStatusAssigned),
	string(domain.AssignmentStatusAccepted),
	string(domain.AssignmentStatusPickedUp),
	string(domain.AssignmentStatusInTransit),
}

// stampColumns maps each assignment status to the timestamp column its
// transition stamps.
var stampColumns = map[domain.AssignmentStatus]string{
	domain.AssignmentStatusAccepted:  "accepted_at",
	domain.AssignmentStatusRejected:  "rejected_at",
	domain.AssignmentStatusPickedUp:  "picked_up_at",
	domain.AssignmentStatusInTransit: "in_transit_at",
	domain.AssignmentStatusDelivered: "delivered_at",
	domain.AssignmentStatusCancelled: "cancelled_at",
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// WarehouseSnapshot is the pickup address frozen into an assignment.
type WarehouseSnapshot struct {
	Name   string
	Street string
	City   string
}

func (r *Repository) GetWarehouseSnapshot(ctx context.Context, warehouseID string) (*WarehouseSnapshot, error) {
	var snap WarehouseSnapshot
	err := r.db.QueryRowContext(ctx,
		`SELECT name, street, city FROM warehouses WHERE id = $1`,
		warehouseID,
	).Scan(&snap.Name, &snap.Street, &snap.City)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("warehouse %s: %w", warehouseID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get warehouse snapshot: %w", err)
	}
	return &snap, nil
}

func (r *Repository) InsertAssignment(ctx context.Context, tx *sql.Tx, a *domain.DeliveryAssignment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_assignments (
			id, order_id, courier_id,
			pickup_name, pickup_street, pickup_city,
			dropoff_street, dropoff_city, dropoff_postal_code,
			status, assigned_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.OrderID, a.CourierID,
		a.PickupName, a.PickupStreet, a.PickupCity,
		a.DropoffStreet, a.DropoffCity, a.DropoffPostalCode,
		a.Status, a.AssignedAt,
	)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

const assignmentColumns = `id, order_id, courier_id,
	pickup_name, pickup_street, pickup_city,
	dropoff_street, dropoff_city, dropoff_postal_code,
	status, assigned_at, accepted_at, rejected_at,
	picked_up_at, in_transit_at, delivered_at, cancelled_at`

func scanAssignment(row interface{ Scan(...any) error }) (*domain.DeliveryAssignment, error) {
	var a domain.DeliveryAssignment
	var accepted, rejected, pickedUp, inTransit, delivered, cancelled sql.NullTime

	err := row.Scan(
		&a.ID, &a.OrderID, &a.CourierID,
		&a.PickupName, &a.PickupStreet, &a.PickupCity,
		&a.DropoffStreet, &a.DropoffCity, &a.DropoffPostalCode,
		&a.Status, &a.AssignedAt, &accepted, &rejected,
		&pickedUp, &inTransit, &delivered, &cancelled,
	)
	if err != nil {
		return nil, err
	}

	a.AcceptedAt = timePtr(accepted)
	a.RejectedAt = timePtr(rejected)
	a.PickedUpAt = timePtr(pickedUp)
	a.InTransitAt = timePtr(inTransit)
	a.DeliveredAt = timePtr(delivered)
	a.CancelledAt = timePtr(cancelled)
	return &a, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func (r *Repository) GetByID(ctx context.Context, id string) (*domain.DeliveryAssignment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM delivery_assignments WHERE id = $1`, id)

	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

// GetActiveForOrder returns the assignment currently binding a courier to
// the order, or nil when there is none. At most one can be active because
// every binding path checks this first and cancellation closes the old one.
func (r *Repository) GetActiveForOrder(ctx context.Context, orderID string) (*domain.DeliveryAssignment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+`
		 FROM delivery_assignments
		 WHERE order_id = $1 AND status = ANY($2)
		 ORDER BY assigned_at DESC
		 LIMIT 1`,
		orderID, pq.Array(activeStatuses))

	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active assignment: %w", err)
	}
	return a, nil
}

// UpdateStatusCAS moves the assignment from one status to another and stamps
// the matching timestamp column. Returns false when the row was not in the
// expected status.
func (r *Repository) UpdateStatusCAS(ctx context.Context, tx *sql.Tx, id string, from, to domain.AssignmentStatus, at time.Time) (bool, error) {
	column, ok := stampColumns[to]
	if !ok {
		return false, fmt.Errorf("no timestamp column for assignment status %s", to)
	}

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE delivery_assignments SET status = $3, %s = $4 WHERE id = $1 AND status = $2`, column),
		id, from, to, at,
	)
	if err != nil {
		return false, fmt.Errorf("update assignment status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update assignment status: %w", err)
	}
	return affected == 1, nil
}

// CancelActiveForOrder closes whatever assignment still binds a courier to
// the order. Used by order cancellation inside its own transaction; returns
// false when there was nothing to cancel.
func (r *Repository) CancelActiveForOrder(ctx context.Context, tx *sql.Tx, orderID string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE delivery_assignments
		 SET status = $2, cancelled_at = $3
		 WHERE order_id = $1 AND status = ANY($4)`,
		orderID, domain.AssignmentStatusCancelled, at, pq.Array(activeStatuses),
	)
	if err != nil {
		return false, fmt.Errorf("cancel active assignment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel active assignment: %w", err)
	}
	return affected > 0, nil
}

// RejectedCouriers lists couriers that already turned this order down, so
// re-selection never offers it to them again.
func (r *Repository) RejectedCouriers(ctx context.Context, orderID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT courier_id FROM delivery_assignments
		 WHERE order_id = $1 AND status = $2`,
		orderID, domain.AssignmentStatusRejected,
	)
	if err != nil {
		return nil, fmt.Errorf("list rejected couriers: %w", err)
	}
	defer rows.Close()

	var couriers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan rejected courier: %w", err)
		}
		couriers = append(couriers, id)
	}
	return couriers, rows.Err()
}

// OrdersAwaitingAssignment finds orders that should have a courier but do
// not: ready orders nobody picked up for dispatch, and assigned orders whose
// assignment was rejected before a replacement could be found.
func (r *Repository) OrdersAwaitingAssignment(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT o.id
		 FROM orders o
		 WHERE o.status = ANY($1)
		   AND NOT EXISTS (
			SELECT 1 FROM delivery_assignments a
			WHERE a.order_id = o.id AND a.status = ANY($2)
		   )
		 ORDER BY o.updated_at
		 LIMIT $3`,
		pq.Array([]string{string(domain.OrderStatusReady), string(domain.OrderStatusAssigned)}),
		pq.Array(activeStatuses),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list orders awaiting assignment: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
