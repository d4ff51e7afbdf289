package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/grocerly/fulfillment/internal/domain"
)

// Handler serves the courier-facing callbacks. Couriers look up their
// assignment and report each leg of the delivery against it.
type Handler struct {
	coordinator *Coordinator
	logger      *slog.Logger
}

func NewHandler(coordinator *Coordinator, logger *slog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		logger:      logger,
	}
}

// HandleGetAssignment serves GET /couriers/assignments/{id}.
func (h *Handler) HandleGetAssignment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing assignment id")
		return
	}

	assignment, err := h.coordinator.GetAssignment(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "assignment not found")
			return
		}
		h.logger.Error("failed to get assignment", "error", err, "assignment_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, assignment)
}

// HandleAccept serves POST /couriers/assignments/{id}/accept.
func (h *Handler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	h.applyMove(w, r, h.coordinator.Accept)
}

// HandleReject serves POST /couriers/assignments/{id}/reject.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.applyMove(w, r, h.coordinator.Reject)
}

// HandlePickup serves POST /couriers/assignments/{id}/pickup.
func (h *Handler) HandlePickup(w http.ResponseWriter, r *http.Request) {
	h.applyMove(w, r, h.coordinator.Pickup)
}

// HandleTransit serves POST /couriers/assignments/{id}/transit.
func (h *Handler) HandleTransit(w http.ResponseWriter, r *http.Request) {
	h.applyMove(w, r, h.coordinator.Transit)
}

// HandleDeliver serves POST /couriers/assignments/{id}/deliver.
func (h *Handler) HandleDeliver(w http.ResponseWriter, r *http.Request) {
	h.applyMove(w, r, h.coordinator.Deliver)
}

func (h *Handler) applyMove(w http.ResponseWriter, r *http.Request, move func(ctx context.Context, assignmentID string) (*domain.DeliveryAssignment, error)) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing assignment id")
		return
	}

	assignment, err := move(r.Context(), id)
	if err != nil {
		h.respondError(w, err, id)
		return
	}

	h.logger.Info("courier callback applied",
		"assignment_id", assignment.ID, "order_id", assignment.OrderID, "status", string(assignment.Status))
	h.writeJSON(w, http.StatusOK, assignment)
}

func (h *Handler) respondError(w http.ResponseWriter, err error, assignmentID string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "assignment not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflicting update, retry")
	default:
		h.logger.Error("courier callback failed", "error", err, "assignment_id", assignmentID)
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
