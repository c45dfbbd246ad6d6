package inventory

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{
		ledger: ledger,
		logger: logger,
	}
}

func (h *Handler) HandleGetStock(w http.ResponseWriter, r *http.Request) {
	variantID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || variantID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid variant id")
		return
	}

	variant, err := h.ledger.GetVariant(r.Context(), variantID)
	if err != nil {
		h.logger.Error("failed to get variant stock", "error", err, "variant_id", variantID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if variant == nil {
		h.writeError(w, http.StatusNotFound, "variant not found")
		return
	}

	h.writeJSON(w, http.StatusOK, variant)
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
