package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers match with errors.Is;
// the detailed types below additionally satisfy errors.As when the line or
// transition that failed matters to the response.
var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("conflicting concurrent update")
	ErrInvalidState      = errors.New("reservation not in required state")
	ErrNotFound          = errors.New("not found")
)

// InsufficientStockError names the first line that could not be reserved.
type InsufficientStockError struct {
	ProductID   string
	VariantID   string
	WarehouseID string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("insufficient stock for product %s variant %s at warehouse %s: requested %d, available %d",
			e.ProductID, e.VariantID, e.WarehouseID, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient stock for product %s at warehouse %s: requested %d, available %d",
		e.ProductID, e.WarehouseID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// InvalidTransitionError carries the rejected edge.
type InvalidTransitionError struct {
	From   OrderStatus
	To     OrderStatus
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot transition order from %s to %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("cannot transition order from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
