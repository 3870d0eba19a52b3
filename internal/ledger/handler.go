package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires HTTP endpoints for stock queries.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the stock query handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers stock query routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/balance", h.handleBalance)
	r.Get("/existence", h.handleExistence)
	r.Post("/markers", h.handleEnsureMarker)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	storeID, itemID, ok := storeItemParams(w, r)
	if !ok {
		return
	}
	breakdown, err := h.service.GetBreakdown(r.Context(), storeID, itemID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"store_id":  storeID,
		"item_id":   itemID,
		"balance":   breakdown.Balance(),
		"breakdown": breakdown,
	})
}

func (h *Handler) handleExistence(w http.ResponseWriter, r *http.Request) {
	storeID, itemID, ok := storeItemParams(w, r)
	if !ok {
		return
	}
	exists, err := h.service.ItemExistsInStore(r.Context(), storeID, itemID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"store_id": storeID,
		"item_id":  itemID,
		"exists":   exists,
	})
}

type ensureMarkerRequest struct {
	StoreID int64 `json:"store_id"`
	ItemID  int64 `json:"item_id"`
}

func (h *Handler) handleEnsureMarker(w http.ResponseWriter, r *http.Request) {
	var req ensureMarkerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if req.StoreID <= 0 || req.ItemID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "store_id and item_id are required")
		return
	}
	if err := h.service.EnsureStoreItemExists(r.Context(), req.StoreID, req.ItemID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ensured": true})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, shared.ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	h.logger.Error("stock query failed", slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

func storeItemParams(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	storeID, err := strconv.ParseInt(r.URL.Query().Get("store_id"), 10, 64)
	if err != nil || storeID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "store_id must be a positive integer")
		return 0, 0, false
	}
	itemID, err := strconv.ParseInt(r.URL.Query().Get("item_id"), 10, 64)
	if err != nil || itemID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item_id must be a positive integer")
		return 0, 0, false
	}
	return storeID, itemID, true
}
