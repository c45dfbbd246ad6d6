package reconcile

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
	"github.com/joao-fontenele/storefront-checkout/internal/orders"
	"github.com/joao-fontenele/storefront-checkout/internal/payment"
)

const maxCallbackBody = 64 << 10

type Handler struct {
	reconciler *Reconciler
	logger     *slog.Logger
}

func NewHandler(reconciler *Reconciler, logger *slog.Logger) *Handler {
	return &Handler{
		reconciler: reconciler,
		logger:     logger,
	}
}

// HandleMoMoIPN answers 204 once the notification is applied or recognised
// as a repeat. Callbacks that can never succeed get a 4xx; anything else
// gets a 5xx so MoMo redelivers.
func (h *Handler) HandleMoMoIPN(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := h.reconciler.Apply(r.Context(), domain.PaymentMethodMoMo, raw); err != nil {
		status, message := callbackStatus(err)
		h.writeError(w, status, message)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type vnpayIPNResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// HandleVNPayIPN follows VNPay's IPN contract: a JSON RspCode tells VNPay
// whether to stop retrying. Transient failures also return a 5xx.
func (h *Handler) HandleVNPayIPN(w http.ResponseWriter, r *http.Request) {
	raw, err := vnpayPayload(w, r)
	if err != nil {
		h.writeJSON(w, http.StatusOK, vnpayIPNResponse{RspCode: "99", Message: "Invalid request"})
		return
	}

	res, err := h.reconciler.Apply(r.Context(), domain.PaymentMethodVNPay, raw)
	switch {
	case err == nil && res.Outcome == OutcomeApplied:
		h.writeJSON(w, http.StatusOK, vnpayIPNResponse{RspCode: "00", Message: "Confirm Success"})
	case err == nil:
		h.writeJSON(w, http.StatusOK, vnpayIPNResponse{RspCode: "02", Message: "Order already confirmed"})
	case errors.Is(err, payment.ErrSignatureMismatch):
		h.writeJSON(w, http.StatusOK, vnpayIPNResponse{RspCode: "97", Message: "Invalid Checksum"})
	case errors.Is(err, orders.ErrOrderNotFound):
		h.writeJSON(w, http.StatusOK, vnpayIPNResponse{RspCode: "01", Message: "Order not found"})
	case errors.Is(err, ErrAmountMismatch):
		h.writeJSON(w, http.StatusOK, vnpayIPNResponse{RspCode: "04", Message: "Invalid amount"})
	case permanent(err):
		h.writeJSON(w, http.StatusOK, vnpayIPNResponse{RspCode: "99", Message: "Invalid request"})
	default:
		h.writeJSON(w, http.StatusInternalServerError, vnpayIPNResponse{RspCode: "99", Message: "Unknown error"})
	}
}

type returnResponse struct {
	*Result
	StatusLabel string `json:"status_label"`
}

// HandleVNPayReturn handles the payer's browser coming back from VNPay. The
// query carries the same signed fields as the IPN and is reconciled the same
// way, so whichever arrives first settles the payment.
func (h *Handler) HandleVNPayReturn(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.Apply(r.Context(), domain.PaymentMethodVNPay, []byte(r.URL.RawQuery))
	if err != nil {
		status, message := callbackStatus(err)
		h.writeError(w, status, message)
		return
	}

	h.writeJSON(w, http.StatusOK, returnResponse{Result: res, StatusLabel: res.OrderStatus.Label()})
}

func (h *Handler) HandleExpire(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	count, err := h.reconciler.ExpireStale(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to expire pending payments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"expired": count})
}

func vnpayPayload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Method == http.MethodPost {
		return io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	}
	return []byte(r.URL.RawQuery), nil
}

func permanent(err error) bool {
	return errors.Is(err, payment.ErrSignatureMismatch) ||
		errors.Is(err, payment.ErrMalformedCallback) ||
		errors.Is(err, payment.ErrUnsupportedMethod) ||
		errors.Is(err, orders.ErrOrderNotFound) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrMethodMismatch)
}

func callbackStatus(err error) (int, string) {
	switch {
	case errors.Is(err, payment.ErrSignatureMismatch):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, payment.ErrUnsupportedMethod):
		return http.StatusNotFound, "payment method not enabled"
	case permanent(err):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal server error"
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
