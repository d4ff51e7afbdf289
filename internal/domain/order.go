package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPicking   OrderStatus = "picking"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusAssigned  OrderStatus = "assigned"
	OrderStatusPickedUp  OrderStatus = "picked_up"
	OrderStatusInTransit OrderStatus = "in_transit"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// nextStatus encodes the single forward path of the fulfillment lifecycle.
// cancelled is handled separately in CanTransition.
var nextStatus = map[OrderStatus]OrderStatus{
	OrderStatusPending:   OrderStatusConfirmed,
	OrderStatusConfirmed: OrderStatusPicking,
	OrderStatusPicking:   OrderStatusReady,
	OrderStatusReady:     OrderStatusAssigned,
	OrderStatusAssigned:  OrderStatusPickedUp,
	OrderStatusPickedUp:  OrderStatusInTransit,
	OrderStatusInTransit: OrderStatusDelivered,
}

func (s OrderStatus) Valid() bool {
	if s == OrderStatusCancelled || s == OrderStatusDelivered {
		return true
	}
	_, ok := nextStatus[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Next returns the designated successor of s, or false for terminal states.
func (s OrderStatus) Next() (OrderStatus, bool) {
	n, ok := nextStatus[s]
	return n, ok
}

// CanTransition reports whether to is a legal target from from: either the
// fixed successor, or the cancelled escape hatch from any non-terminal state.
// Skipping forward states is never allowed.
func CanTransition(from, to OrderStatus) bool {
	if to == OrderStatusCancelled {
		return !from.Terminal()
	}
	n, ok := nextStatus[from]
	return ok && n == to
}

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// Order is the aggregate the state machine owns. Customer and delivery
// address fields are snapshots taken at creation time and are never
// refreshed from the source records, so the order stays historically
// accurate even if the customer later moves or renames.
type Order struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	WarehouseID string `json:"warehouse_id"`

	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`

	DeliveryStreet     string `json:"delivery_street"`
	DeliveryCity       string `json:"delivery_city"`
	DeliveryPostalCode string `json:"delivery_postal_code"`

	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	DeliveryFee decimal.Decimal `json:"delivery_fee"`
	Discount    decimal.Decimal `json:"discount"`
	Total       decimal.Decimal `json:"total"`

	Status        OrderStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`

	CancelReason string     `json:"cancel_reason,omitempty"`
	CancelledBy  string     `json:"cancelled_by,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Lines []OrderLine `json:"lines,omitempty"`
}

// OrderLine is an immutable snapshot of the product at order time.
type OrderLine struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	VariantID string          `json:"variant_id,omitempty"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}
