package domain

import "time"

type AssignmentStatus string

const (
	AssignmentStatusAssigned  AssignmentStatus = "assigned"
	AssignmentStatusAccepted  AssignmentStatus = "accepted"
	AssignmentStatusRejected  AssignmentStatus = "rejected"
	AssignmentStatusPickedUp  AssignmentStatus = "picked_up"
	AssignmentStatusInTransit AssignmentStatus = "in_transit"
	AssignmentStatusDelivered AssignmentStatus = "delivered"
	AssignmentStatusCancelled AssignmentStatus = "cancelled"
)

var assignmentNext = map[AssignmentStatus]map[AssignmentStatus]bool{
	AssignmentStatusAssigned:  {AssignmentStatusAccepted: true, AssignmentStatusRejected: true, AssignmentStatusCancelled: true},
	AssignmentStatusAccepted:  {AssignmentStatusPickedUp: true, AssignmentStatusCancelled: true},
	AssignmentStatusPickedUp:  {AssignmentStatusInTransit: true},
	AssignmentStatusInTransit: {AssignmentStatusDelivered: true},
}

func CanAssignmentTransition(from, to AssignmentStatus) bool {
	return assignmentNext[from][to]
}

// Active reports whether the assignment still binds a courier to the order.
// Rejected, delivered and cancelled assignments are dead records.
func (s AssignmentStatus) Active() bool {
	switch s {
	case AssignmentStatusAssigned, AssignmentStatusAccepted, AssignmentStatusPickedUp, AssignmentStatusInTransit:
		return true
	}
	return false
}

// OrderStatusFor maps a courier-side move onto the order transition it
// mirrors. accepted and rejected have no order-side mirror.
func (s AssignmentStatus) OrderStatusFor() (OrderStatus, bool) {
	switch s {
	case AssignmentStatusPickedUp:
		return OrderStatusPickedUp, true
	case AssignmentStatusInTransit:
		return OrderStatusInTransit, true
	case AssignmentStatusDelivered:
		return OrderStatusDelivered, true
	}
	return "", false
}

// DeliveryAssignment binds a courier to an order. Pickup fields snapshot the
// warehouse address, dropoff fields snapshot the order's delivery address;
// both are frozen at assignment time.
type DeliveryAssignment struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	CourierID string `json:"courier_id"`

	PickupName   string `json:"pickup_name"`
	PickupStreet string `json:"pickup_street"`
	PickupCity   string `json:"pickup_city"`

	DropoffStreet     string `json:"dropoff_street"`
	DropoffCity       string `json:"dropoff_city"`
	DropoffPostalCode string `json:"dropoff_postal_code"`

	Status AssignmentStatus `json:"status"`

	AssignedAt  time.Time  `json:"assigned_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
	PickedUpAt  *time.Time `json:"picked_up_at,omitempty"`
	InTransitAt *time.Time `json:"in_transit_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}
