package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/grocerly/fulfillment/internal/domain"
)

// StockViewCache is the denormalized read view for exact-key stock lookups.
// A nil record with nil error is a miss.
type StockViewCache interface {
	GetStock(ctx context.Context, productID, variantID, warehouseID string) (*domain.InventoryRecord, error)
	SetStock(ctx context.Context, rec *domain.InventoryRecord) error
}

type Handler struct {
	repo   *Repository
	cache  StockViewCache
	logger *slog.Logger
}

func NewHandler(repo *Repository, cache StockViewCache, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		cache:  cache,
		logger: logger,
	}
}

// HandleListStock serves GET /stock with optional product_id, variant_id,
// and warehouse_id filters.
func (h *Handler) HandleListStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	records, err := h.repo.ListRecords(r.Context(), q.Get("product_id"), q.Get("variant_id"), q.Get("warehouse_id"))
	if err != nil {
		h.logger.Error("failed to list stock", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if records == nil {
		records = []domain.InventoryRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

// HandleGetStock serves GET /stock/{productID}. warehouse_id is required;
// variant_id defaults to the variantless sentinel. Reads go through the
// cache and repopulate it on a miss.
func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productID")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	q := r.URL.Query()
	variantID := q.Get("variant_id")
	warehouseID := q.Get("warehouse_id")
	if warehouseID == "" {
		h.writeError(w, http.StatusBadRequest, "missing warehouse_id")
		return
	}

	if rec, err := h.cache.GetStock(r.Context(), productID, variantID, warehouseID); err != nil {
		h.logger.Warn("stock cache read failed", "error", err)
	} else if rec != nil {
		h.writeJSON(w, http.StatusOK, rec)
		return
	}

	rec, err := h.repo.GetRecord(r.Context(), productID, variantID, warehouseID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "stock record not found")
			return
		}
		h.logger.Error("failed to get stock", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := h.cache.SetStock(r.Context(), rec); err != nil {
		h.logger.Warn("stock cache write failed", "error", err)
	}

	h.writeJSON(w, http.StatusOK, rec)
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
