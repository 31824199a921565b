package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medvend/go-pfe/internal/domain/fulfillment"
	"github.com/medvend/go-pfe/internal/observability/metrics"
)

// InventoryHandler exposes machine operations. Sits behind AdminAuth.
type InventoryHandler struct {
	inventory *fulfillment.Inventory
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewInventoryHandler creates the admin handler set.
func NewInventoryHandler(inv *fulfillment.Inventory, m *metrics.Metrics, logger *zap.Logger) *InventoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryHandler{inventory: inv, metrics: m, logger: logger}
}

// Routes returns the machine-operations routes.
func (h *InventoryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Put("/{code}/inventory/{medicineID}", h.Restock)
	return r
}

// RestockRequest is the body for PUT /machines/{code}/inventory/{medicineID}.
type RestockRequest struct {
	Quantity int `json:"quantity"`
}

// Restock sets the absolute stock level of one medicine at one machine.
func (h *InventoryHandler) Restock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := chi.URLParam(r, "code")
	medicineID, err := strconv.ParseInt(chi.URLParam(r, "medicineID"), 10, 64)
	if err != nil {
		writeError(w, "invalid medicine id", http.StatusBadRequest)
		return
	}

	var req RestockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.inventory.Restock(ctx, code, medicineID, req.Quantity); err != nil {
		status := http.StatusInternalServerError
		switch fulfillment.KindOf(err) {
		case fulfillment.KindValidation:
			status = http.StatusBadRequest
		case fulfillment.KindNotFound:
			status = http.StatusNotFound
		}
		if status == http.StatusInternalServerError {
			h.logger.Error("restock failed",
				zap.String("machine_code", code),
				zap.Int64("medicine_id", medicineID),
				zap.Error(err))
			writeError(w, "internal server error", status)
			return
		}
		writeError(w, err.Error(), status)
		return
	}
	h.metrics.Restocks.Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"machine_code": code,
		"medicine_id":  medicineID,
		"quantity":     req.Quantity,
	})
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
