package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
	"github.com/joao-fontenele/storefront-checkout/internal/inventory"
	"github.com/joao-fontenele/storefront-checkout/internal/payment"
	"github.com/joao-fontenele/storefront-checkout/internal/store"
	"github.com/joao-fontenele/storefront-checkout/internal/vouchers"
)

// UserIDHeader carries the authenticated user id set by the upstream auth
// layer. Absent for guest checkouts.
const UserIDHeader = "X-User-ID"

const maxRequestBody = 64 << 10

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

type createOrderRequest struct {
	Items         []LineItem       `json:"items"`
	Recipient     domain.Recipient `json:"recipient"`
	Notes         string           `json:"notes"`
	VoucherID     *int64           `json:"voucher_id"`
	VoucherCode   string           `json:"voucher_code"`
	PaymentMethod string           `json:"payment_method"`
}

type orderResponse struct {
	*domain.Order
	StatusLabel string          `json:"status_label"`
	Payment     *domain.Payment `json:"payment,omitempty"`
}

type createOrderResponse struct {
	Order       orderResponse `json:"order"`
	RedirectURL string        `json:"redirect_url,omitempty"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID, err := userIDFrom(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	method, _ := domain.ParsePaymentMethod(req.PaymentMethod)
	if method == "" {
		method = domain.PaymentMethod(req.PaymentMethod)
	}

	placement, err := h.service.PlaceOrder(r.Context(), PlaceOrderRequest{
		Items:         req.Items,
		Recipient:     req.Recipient,
		Notes:         req.Notes,
		VoucherID:     req.VoucherID,
		VoucherCode:   req.VoucherCode,
		PaymentMethod: method,
		UserID:        userID,
		ClientIP:      clientIP(r),
	})
	if err != nil {
		h.writePlaceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, createOrderResponse{
		Order:       orderResponse{Order: placement.Order, StatusLabel: placement.Order.Status.Label()},
		RedirectURL: placement.RedirectURL,
	})
}

func (h *Handler) writePlaceError(w http.ResponseWriter, err error) {
	var stockErr *inventory.StockError
	switch {
	case errors.Is(err, ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &stockErr) && errors.Is(err, inventory.ErrVariantNotFound):
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("variant %d does not exist", stockErr.VariantID))
	case errors.As(err, &stockErr) && errors.Is(err, inventory.ErrInsufficientStock):
		h.writeError(w, http.StatusConflict, fmt.Sprintf("insufficient stock for variant %d", stockErr.VariantID))
	case errors.Is(err, vouchers.ErrVoucherInvalid):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, payment.ErrGatewayUnavailable), errors.Is(err, payment.ErrGatewayRejected):
		h.logger.Warn("payment gateway failed during checkout", "error", err)
		h.writeError(w, http.StatusBadGateway, "payment gateway unavailable, please try again")
	case store.IsRetryable(err):
		h.writeError(w, http.StatusServiceUnavailable, "order could not be placed, please retry")
	default:
		h.logger.Error("failed to place order", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, p, err := h.service.Get(r.Context(), id)
	if errors.Is(err, ErrOrderNotFound) {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, orderResponse{Order: order, StatusLabel: order.Status.Label(), Payment: p})
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	var filter ListFilter

	if v := r.URL.Query().Get("status"); v != "" {
		status, ok := domain.ParseOrderStatus(v)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = &status
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		filter.UserID = &id
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	orders, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]orderResponse, len(orders))
	for i := range orders {
		out[i] = orderResponse{Order: &orders[i], StatusLabel: orders[i].Status.Label()}
	}

	h.logger.Info("orders listed", "count", len(out))
	h.writeJSON(w, http.StatusOK, out)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	order, err := h.service.UpdateStatus(r.Context(), id, status)
	switch {
	case errors.Is(err, ErrOrderNotFound):
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	case errors.Is(err, ErrOrderClosed):
		h.writeError(w, http.StatusConflict, "order is closed")
		return
	case err != nil:
		h.logger.Error("failed to update order status", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, orderResponse{Order: order, StatusLabel: order.Status.Label()})
}

func userIDFrom(r *http.Request) (*int64, error) {
	v := r.Header.Get(UserIDHeader)
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid %s %q", UserIDHeader, v)
	}
	return &id, nil
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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
