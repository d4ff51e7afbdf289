package orders

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/grocerly/fulfillment/internal/domain"
	"github.com/grocerly/fulfillment/internal/validation"
)

// OrderViewCache is the denormalized read view for single-order lookups.
// A nil order with nil error is a miss.
type OrderViewCache interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	SetOrder(ctx context.Context, order *domain.Order) error
	InvalidateOrder(ctx context.Context, orderID string) error
}

type Handler struct {
	service *Service
	cache   OrderViewCache
	logger  *slog.Logger
}

func NewHandler(service *Service, cache OrderViewCache, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		cache:   cache,
		logger:  logger,
	}
}

type createOrderLine struct {
	ProductID string `json:"product_id" validate:"required"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type createOrderRequest struct {
	CustomerID  string            `json:"customer_id" validate:"required"`
	AddressID   string            `json:"address_id" validate:"required"`
	WarehouseID string            `json:"warehouse_id" validate:"required"`
	Lines       []createOrderLine `json:"lines" validate:"required,min=1,dive"`
	Tax         decimal.Decimal   `json:"tax"`
	DeliveryFee decimal.Decimal   `json:"delivery_fee"`
	Discount    decimal.Decimal   `json:"discount"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := validation.Bind(r, &req); err != nil {
		h.respondError(w, err)
		return
	}

	in := CreateOrderInput{
		CustomerID:  req.CustomerID,
		AddressID:   req.AddressID,
		WarehouseID: req.WarehouseID,
		Tax:         req.Tax,
		DeliveryFee: req.DeliveryFee,
		Discount:    req.Discount,
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, LineInput{
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			Quantity:  l.Quantity,
		})
	}

	order, err := h.service.CreateOrder(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info("order created", "order_id", order.ID, "customer_id", order.CustomerID, "total", order.Total)
	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	if order, err := h.cache.GetOrder(r.Context(), id); err != nil {
		h.logger.Warn("order cache read failed", "error", err)
	} else if order != nil {
		h.writeJSON(w, http.StatusOK, order)
		return
	}

	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	if err := h.cache.SetOrder(r.Context(), order); err != nil {
		h.logger.Warn("order cache write failed", "error", err)
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customer_id")
	if customerID == "" {
		h.writeError(w, http.StatusBadRequest, "missing customer_id")
		return
	}

	orders, err := h.service.ListOrders(r.Context(), customerID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, orders)
}

type transitionRequest struct {
	TargetStatus string `json:"target_status" validate:"required"`
	ActorID      string `json:"actor_id"`
}

func (h *Handler) HandleTransition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req transitionRequest
	if err := validation.Bind(r, &req); err != nil {
		h.respondError(w, err)
		return
	}

	order, err := h.service.Transition(r.Context(), id, domain.OrderStatus(req.TargetStatus), req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.invalidateView(r.Context(), id)
	h.logger.Info("order transitioned", "order_id", id, "status", order.Status, "actor_id", req.ActorID)
	h.writeJSON(w, http.StatusOK, order)
}

type cancelRequest struct {
	Reason  string `json:"reason" validate:"required"`
	ActorID string `json:"actor_id"`
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req cancelRequest
	if err := validation.Bind(r, &req); err != nil {
		h.respondError(w, err)
		return
	}

	order, err := h.service.CancelOrder(r.Context(), id, req.Reason, req.ActorID)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.invalidateView(r.Context(), id)
	h.logger.Info("order cancelled", "order_id", id, "reason", req.Reason, "actor_id", req.ActorID)
	h.writeJSON(w, http.StatusOK, order)
}

type paymentStatusRequest struct {
	PaymentStatus string `json:"payment_status" validate:"required"`
}

func (h *Handler) HandlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req paymentStatusRequest
	if err := validation.Bind(r, &req); err != nil {
		h.respondError(w, err)
		return
	}

	order, err := h.service.UpdatePaymentStatus(r.Context(), id, domain.PaymentStatus(req.PaymentStatus))
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.invalidateView(r.Context(), id)
	h.logger.Info("payment status updated", "order_id", id, "payment_status", order.PaymentStatus)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) invalidateView(ctx context.Context, orderID string) {
	if err := h.cache.InvalidateOrder(ctx, orderID); err != nil {
		h.logger.Warn("order cache invalidation failed", "error", err, "order_id", orderID)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var verrs validation.Errors
	var stockErr *domain.InsufficientStockError
	var transErr *domain.InvalidTransitionError

	switch {
	case errors.Is(err, validation.ErrMalformedBody):
		h.writeError(w, http.StatusBadRequest, "invalid request body")
	case errors.As(err, &verrs):
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": verrs,
		})
	case errors.As(err, &stockErr):
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error":        "insufficient stock",
			"product_id":   stockErr.ProductID,
			"variant_id":   stockErr.VariantID,
			"warehouse_id": stockErr.WarehouseID,
			"requested":    stockErr.Requested,
			"available":    stockErr.Available,
		})
	case errors.As(err, &transErr):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "invalid transition",
			"from":   transErr.From,
			"to":     transErr.To,
			"reason": transErr.Reason,
		})
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid transition")
	case errors.Is(err, domain.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflicting update, retry")
	case errors.Is(err, domain.ErrInvalidState):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
