package domain

import "time"

// InventoryRecord tracks stock for one (product, variant, warehouse) key.
// VariantID is empty for products without variants. The ledger maintains
// 0 <= Reserved <= OnHand at every mutation; callers never write these
// counters directly.
type InventoryRecord struct {
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id,omitempty"`
	WarehouseID string `json:"warehouse_id"`
	OnHand      int    `json:"on_hand"`
	Reserved    int    `json:"reserved"`
}

func (r InventoryRecord) Available() int {
	return r.OnHand - r.Reserved
}

type ReservationStatus string

const (
	ReservationStatusReserved  ReservationStatus = "reserved"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusFulfilled ReservationStatus = "fulfilled"
)

// Reservation is a time-boxed claim against one inventory record on behalf
// of one order line. Quantity never changes after creation; only the status
// and the matching timestamp move.
type Reservation struct {
	ID          string            `json:"id"`
	OrderID     string            `json:"order_id"`
	ProductID   string            `json:"product_id"`
	VariantID   string            `json:"variant_id,omitempty"`
	WarehouseID string            `json:"warehouse_id"`
	Quantity    int               `json:"quantity"`
	Status      ReservationStatus `json:"status"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CreatedAt   time.Time         `json:"created_at"`
	ReleasedAt  *time.Time        `json:"released_at,omitempty"`
	FulfilledAt *time.Time        `json:"fulfilled_at,omitempty"`
}
