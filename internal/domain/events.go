package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types, dotted by entity family. The outbox relay routes on the
// family prefix; the cache invalidator and the delivery coordinator match
// on the full name.
const (
	EventOrderCreated              = "order.created"
	EventOrderStatusChanged        = "order.status_changed"
	EventOrderCancelled            = "order.cancelled"
	EventOrderPaymentStatusChanged = "order.payment_status_changed"

	EventStockReserved      = "inventory.stock_reserved"
	EventStockReleased      = "inventory.stock_released"
	EventStockFulfilled     = "inventory.stock_fulfilled"
	EventReservationExpired = "inventory.reservation_expired"

	EventCourierAssigned   = "delivery.courier_assigned"
	EventAssignmentUpdated = "delivery.assignment_updated"
)

// Event is the immutable envelope appended to the durable log. ID is the
// consumer-side deduplication key; CorrelationID is the order id, which also
// becomes the Kafka message key so per-order ordering survives transport.
// Source is stamped by the emitter at append time.
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"event_type"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEvent builds an envelope around payload. Payload types in this package
// are plain data and always marshal; a failure here is a programming error,
// so it panics rather than returning an error every call site would ignore.
func NewEvent(eventType, correlationID string, payload any) Event {
	b, err := json.Marshal(payload)
	if err != nil {
		panic("domain: marshal event payload: " + err.Error())
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       b,
	}
}

// UnmarshalPayload decodes the type-specific payload of an envelope.
func UnmarshalPayload[T any](e Event) (T, error) {
	var t T
	err := json.Unmarshal(e.Payload, &t)
	return t, err
}

type EventLine struct {
	ProductID   string          `json:"product_id"`
	VariantID   string          `json:"variant_id,omitempty"`
	WarehouseID string          `json:"warehouse_id"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type OrderCreatedPayload struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	WarehouseID string          `json:"warehouse_id"`
	Lines       []EventLine     `json:"lines"`
	Total       decimal.Decimal `json:"total"`
}

type OrderStatusChangedPayload struct {
	OrderID string      `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
	ActorID string      `json:"actor_id,omitempty"`
}

type OrderCancelledPayload struct {
	OrderID string      `json:"order_id"`
	From    OrderStatus `json:"from"`
	Reason  string      `json:"reason"`
	ActorID string      `json:"actor_id,omitempty"`
}

type PaymentStatusChangedPayload struct {
	OrderID string        `json:"order_id"`
	From    PaymentStatus `json:"from"`
	To      PaymentStatus `json:"to"`
}

// StockLine is the per-line shape of inventory movement payloads. Unlike
// EventLine it carries no price; ledger events describe quantities only.
type StockLine struct {
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id,omitempty"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int    `json:"quantity"`
}

type StockMovementPayload struct {
	OrderID string      `json:"order_id"`
	Lines   []StockLine `json:"lines"`
}

type ReservationExpiredPayload struct {
	ReservationID string    `json:"reservation_id"`
	OrderID       string    `json:"order_id"`
	ProductID     string    `json:"product_id"`
	VariantID     string    `json:"variant_id,omitempty"`
	WarehouseID   string    `json:"warehouse_id"`
	Quantity      int       `json:"quantity"`
	ExpiredAt     time.Time `json:"expired_at"`
}

type CourierAssignedPayload struct {
	OrderID      string `json:"order_id"`
	AssignmentID string `json:"assignment_id"`
	CourierID    string `json:"courier_id"`
}

type AssignmentUpdatedPayload struct {
	OrderID      string           `json:"order_id"`
	AssignmentID string           `json:"assignment_id"`
	CourierID    string           `json:"courier_id"`
	From         AssignmentStatus `json:"from"`
	To           AssignmentStatus `json:"to"`
}
