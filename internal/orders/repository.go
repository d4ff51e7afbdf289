package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/grocerly/fulfillment/internal/domain"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CustomerSnapshot is the denormalized slice of customer and address copied
// onto an order at creation.
type CustomerSnapshot struct {
	Name       string
	Email      string
	Phone      string
	Street     string
	City       string
	PostalCode string
}

// GetCustomerSnapshot loads the snapshot source for one customer/address
// pair, or domain.ErrNotFound when either half is missing.
func (r *Repository) GetCustomerSnapshot(ctx context.Context, customerID, addressID string) (*CustomerSnapshot, error) {
	snap := &CustomerSnapshot{}

	err := r.db.QueryRowContext(ctx, `
		SELECT c.name, c.email, c.phone, a.street, a.city, a.postal_code
		FROM customers c
		JOIN customer_addresses a ON a.customer_id = c.id AND a.id = $2
		WHERE c.id = $1
	`, customerID, addressID).Scan(
		&snap.Name, &snap.Email, &snap.Phone, &snap.Street, &snap.City, &snap.PostalCode,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("customer %s address %s: %w", customerID, addressID, domain.ErrNotFound)
		}
		return nil, err
	}

	return snap, nil
}

// ProductSnapshot is the catalog slice copied onto an order line.
type ProductSnapshot struct {
	Name      string
	SKU       string
	UnitPrice decimal.Decimal
}

// GetProductSnapshot loads the snapshot source for one product and optional
// variant. A named variant that does not belong to the product is
// domain.ErrNotFound.
func (r *Repository) GetProductSnapshot(ctx context.Context, productID, variantID string) (*ProductSnapshot, error) {
	snap := &ProductSnapshot{}
	var variantName sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT p.name, p.sku, p.unit_price, v.name
		FROM products p
		LEFT JOIN product_variants v ON v.product_id = p.id AND v.id = $2
		WHERE p.id = $1
	`, productID, variantID).Scan(&snap.Name, &snap.SKU, &snap.UnitPrice, &variantName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
		}
		return nil, err
	}

	if variantID != "" {
		if !variantName.Valid {
			return nil, fmt.Errorf("product %s variant %s: %w", productID, variantID, domain.ErrNotFound)
		}
		snap.Name = fmt.Sprintf("%s (%s)", snap.Name, variantName.String)
	}

	return snap, nil
}

// WarehouseExists reports whether the warehouse is known.
func (r *Repository) WarehouseExists(ctx context.Context, warehouseID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM warehouses WHERE id = $1)
	`, warehouseID).Scan(&exists)
	return exists, err
}

// InsertOrder persists the order and its lines. Snapshot columns are written
// once here and never updated afterwards.
func (r *Repository) InsertOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, warehouse_id,
			customer_name, customer_email, customer_phone,
			delivery_street, delivery_city, delivery_postal_code,
			subtotal, tax, delivery_fee, discount, total,
			status, payment_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
	`, order.ID, order.CustomerID, order.WarehouseID,
		order.CustomerName, order.CustomerEmail, order.CustomerPhone,
		order.DeliveryStreet, order.DeliveryCity, order.DeliveryPostalCode,
		order.Subtotal, order.Tax, order.DeliveryFee, order.Discount, order.Total,
		order.Status, order.PaymentStatus, order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, line := range order.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, product_id, variant_id, name, sku, unit_price, quantity, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, line.ID, line.OrderID, line.ProductID, line.VariantID,
			line.Name, line.SKU, line.UnitPrice, line.Quantity, line.Subtotal,
		)
		if err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}
	}

	return nil
}

const orderColumns = `
	id, customer_id, warehouse_id,
	customer_name, customer_email, customer_phone,
	delivery_street, delivery_city, delivery_postal_code,
	subtotal, tax, delivery_fee, discount, total,
	status, payment_status,
	cancel_reason, cancelled_by, cancelled_at,
	created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	order := &domain.Order{}
	var cancelReason, cancelledBy sql.NullString
	var cancelledAt sql.NullTime

	err := row.Scan(
		&order.ID, &order.CustomerID, &order.WarehouseID,
		&order.CustomerName, &order.CustomerEmail, &order.CustomerPhone,
		&order.DeliveryStreet, &order.DeliveryCity, &order.DeliveryPostalCode,
		&order.Subtotal, &order.Tax, &order.DeliveryFee, &order.Discount, &order.Total,
		&order.Status, &order.PaymentStatus,
		&cancelReason, &cancelledBy, &cancelledAt,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	order.CancelReason = cancelReason.String
	order.CancelledBy = cancelledBy.String
	if cancelledAt.Valid {
		t := cancelledAt.Time
		order.CancelledAt = &t
	}
	return order, nil
}

// GetByID returns the order with its lines, or domain.ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, variant_id, name, sku, unit_price, quantity, subtotal
		FROM order_lines
		WHERE order_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(
			&line.ID, &line.OrderID, &line.ProductID, &line.VariantID,
			&line.Name, &line.SKU, &line.UnitPrice, &line.Quantity, &line.Subtotal,
		); err != nil {
			return nil, err
		}
		order.Lines = append(order.Lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}

// ListByCustomer returns a customer's orders, newest first, lines attached
// in one batched query.
func (r *Repository) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		order.Lines = []domain.OrderLine{}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	lineRows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, variant_id, name, sku, unit_price, quantity, subtotal
		FROM order_lines
		WHERE order_id = ANY($1)
		ORDER BY id
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = lineRows.Close() }()

	for lineRows.Next() {
		var line domain.OrderLine
		if err := lineRows.Scan(
			&line.ID, &line.OrderID, &line.ProductID, &line.VariantID,
			&line.Name, &line.SKU, &line.UnitPrice, &line.Quantity, &line.Subtotal,
		); err != nil {
			return nil, err
		}
		order := orderMap[line.OrderID]
		order.Lines = append(order.Lines, line)
	}

	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}

// UpdateStatusCAS moves the status from exactly `from` to `to`. Returns
// false when the row was not in `from` anymore, which is how racing
// transitions lose.
func (r *Repository) UpdateStatusCAS(ctx context.Context, tx *sql.Tx, id string, from, to domain.OrderStatus, now time.Time) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, from, to, now)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpdateCancelledCAS moves the order into cancelled and records the
// cancellation metadata in the same guarded write.
func (r *Repository) UpdateCancelledCAS(ctx context.Context, tx *sql.Tx, id string, from domain.OrderStatus, reason, actorID string, now time.Time) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, cancel_reason = $4, cancelled_by = $5, cancelled_at = $6, updated_at = $6
		WHERE id = $1 AND status = $2
	`, id, from, domain.OrderStatusCancelled, reason, actorID, now)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpdatePaymentStatusCAS moves payment_status from exactly `from` to `to`.
func (r *Repository) UpdatePaymentStatusCAS(ctx context.Context, tx *sql.Tx, id string, from, to domain.PaymentStatus, now time.Time) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $3, updated_at = $4
		WHERE id = $1 AND payment_status = $2
	`, id, from, to, now)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
