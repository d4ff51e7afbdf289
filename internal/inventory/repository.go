// Package inventory implements the stock ledger and the reservation store.
// Every ledger mutation is a single guarded UPDATE against one inventory
// row, so concurrent callers contending for the same stock serialize on the
// row and the reserved counter can never overshoot what is on hand.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/grocerly/fulfillment/internal/domain"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetRecord returns the ledger row for one (product, variant, warehouse)
// key, or domain.ErrNotFound.
func (r *Repository) GetRecord(ctx context.Context, productID, variantID, warehouseID string) (*domain.InventoryRecord, error) {
	rec := &domain.InventoryRecord{}

	err := r.db.QueryRowContext(ctx, `
		SELECT product_id, variant_id, warehouse_id, on_hand, reserved
		FROM inventory
		WHERE product_id = $1 AND variant_id = $2 AND warehouse_id = $3
	`, productID, variantID, warehouseID).Scan(
		&rec.ProductID, &rec.VariantID, &rec.WarehouseID, &rec.OnHand, &rec.Reserved,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("inventory %s/%s@%s: %w", productID, variantID, warehouseID, domain.ErrNotFound)
		}
		return nil, err
	}

	return rec, nil
}

// ListRecords returns ledger rows, optionally filtered. Empty filter values
// match everything.
func (r *Repository) ListRecords(ctx context.Context, productID, variantID, warehouseID string) ([]domain.InventoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, variant_id, warehouse_id, on_hand, reserved
		FROM inventory
		WHERE ($1 = '' OR product_id = $1)
		  AND ($2 = '' OR variant_id = $2)
		  AND ($3 = '' OR warehouse_id = $3)
		ORDER BY product_id, variant_id, warehouse_id
	`, productID, variantID, warehouseID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []domain.InventoryRecord
	for rows.Next() {
		var rec domain.InventoryRecord
		if err := rows.Scan(&rec.ProductID, &rec.VariantID, &rec.WarehouseID, &rec.OnHand, &rec.Reserved); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// ReserveStock claims qty units on the ledger row. The guard keeps the claim
// inside available stock; zero rows affected means the row is missing or the
// stock is short, and the follow-up read tells the two apart.
func (r *Repository) ReserveStock(ctx context.Context, tx *sql.Tx, productID, variantID, warehouseID string, qty int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET reserved = reserved + $4
		WHERE product_id = $1 AND variant_id = $2 AND warehouse_id = $3
		  AND on_hand - reserved >= $4
	`, productID, variantID, warehouseID, qty)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var onHand, reserved int
		err := tx.QueryRowContext(ctx, `
			SELECT on_hand, reserved
			FROM inventory
			WHERE product_id = $1 AND variant_id = $2 AND warehouse_id = $3
		`, productID, variantID, warehouseID).Scan(&onHand, &reserved)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("inventory %s/%s@%s: %w", productID, variantID, warehouseID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return &domain.InsufficientStockError{
			ProductID:   productID,
			VariantID:   variantID,
			WarehouseID: warehouseID,
			Requested:   qty,
			Available:   onHand - reserved,
		}
	}

	return nil
}

// FulfillStock converts qty reserved units into consumed ones, shrinking
// both counters. Reserved below qty means the claim is gone.
func (r *Repository) FulfillStock(ctx context.Context, tx *sql.Tx, productID, variantID, warehouseID string, qty int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET on_hand = on_hand - $4, reserved = reserved - $4
		WHERE product_id = $1 AND variant_id = $2 AND warehouse_id = $3
		  AND reserved >= $4
	`, productID, variantID, warehouseID, qty)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("fulfill %d of %s/%s@%s: %w", qty, productID, variantID, warehouseID, domain.ErrInvalidState)
	}

	return nil
}

// ReleaseStock returns qty reserved units to availability; on hand is
// untouched.
func (r *Repository) ReleaseStock(ctx context.Context, tx *sql.Tx, productID, variantID, warehouseID string, qty int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE inventory
		SET reserved = reserved - $4
		WHERE product_id = $1 AND variant_id = $2 AND warehouse_id = $3
		  AND reserved >= $4
	`, productID, variantID, warehouseID, qty)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("release %d of %s/%s@%s: %w", qty, productID, variantID, warehouseID, domain.ErrInvalidState)
	}

	return nil
}

// InsertReservation persists a new claim row.
func (r *Repository) InsertReservation(ctx context.Context, tx *sql.Tx, res *domain.Reservation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (id, order_id, product_id, variant_id, warehouse_id, quantity, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, res.ID, res.OrderID, res.ProductID, res.VariantID, res.WarehouseID,
		res.Quantity, res.Status, res.ExpiresAt, res.CreatedAt)
	return err
}

const reservationColumns = `id, order_id, product_id, variant_id, warehouse_id, quantity, status, expires_at, created_at, released_at, fulfilled_at`

func scanReservation(row interface{ Scan(...any) error }) (domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(
		&res.ID, &res.OrderID, &res.ProductID, &res.VariantID, &res.WarehouseID,
		&res.Quantity, &res.Status, &res.ExpiresAt, &res.CreatedAt,
		&res.ReleasedAt, &res.FulfilledAt,
	)
	return res, err
}

// ReservationsForOrder returns every reservation of an order, locked for the
// rest of the transaction so nothing else can move their status underneath.
func (r *Repository) ReservationsForOrder(ctx context.Context, tx *sql.Tx, orderID string) ([]domain.Reservation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE order_id = $1
		ORDER BY created_at, id
		FOR UPDATE
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reservations []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, res)
	}

	return reservations, rows.Err()
}

// GetReservationForUpdate locks and returns one reservation, or
// domain.ErrNotFound.
func (r *Repository) GetReservationForUpdate(ctx context.Context, tx *sql.Tx, id string) (*domain.Reservation, error) {
	res, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &res, nil
}

// MarkReservationFulfilled flips one claim from reserved to fulfilled. Zero
// rows affected means the claim was not in reserved.
func (r *Repository) MarkReservationFulfilled(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE reservations
		SET status = $2, fulfilled_at = $3
		WHERE id = $1 AND status = $4
	`, id, domain.ReservationStatusFulfilled, at, domain.ReservationStatusReserved)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("reservation %s not in %s: %w", id, domain.ReservationStatusReserved, domain.ErrInvalidState)
	}

	return nil
}

// MarkReservationReleased flips one claim from reserved to released.
func (r *Repository) MarkReservationReleased(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE reservations
		SET status = $2, released_at = $3
		WHERE id = $1 AND status = $4
	`, id, domain.ReservationStatusReleased, at, domain.ReservationStatusReserved)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("reservation %s not in %s: %w", id, domain.ReservationStatusReserved, domain.ErrInvalidState)
	}

	return nil
}

// ExpiredReservations returns up to limit claims still reserved past their
// expiry, oldest first. Read outside any transaction; the sweeper re-checks
// status under lock before releasing each one.
func (r *Repository) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3
	`, domain.ReservationStatusReserved, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reservations []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, res)
	}

	return reservations, rows.Err()
}
