package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
	"github.com/joao-fontenele/storefront-checkout/internal/inventory"
	"github.com/joao-fontenele/storefront-checkout/internal/payment"
	"github.com/joao-fontenele/storefront-checkout/internal/store"
	"github.com/joao-fontenele/storefront-checkout/internal/vouchers"
)

// maxLineQuantity caps the units of one variant in a single order, keeping
// quantities well inside the INTEGER columns they are stored in.
const maxLineQuantity = 10000

var (
	ErrValidation    = errors.New("validation failed")
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderClosed   = errors.New("order is closed")
	ErrInvalidStatus = errors.New("invalid order status")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// EventPublisher receives lifecycle events after the change is committed.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error
}

type LineItem struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

type PlaceOrderRequest struct {
	Items         []LineItem
	Recipient     domain.Recipient
	Notes         string
	VoucherID     *int64
	VoucherCode   string
	PaymentMethod domain.PaymentMethod
	UserID        *int64
	ClientIP      string
}

type Placement struct {
	Order       *domain.Order `json:"order"`
	RedirectURL string        `json:"redirect_url,omitempty"`
}

type Service struct {
	db       *sql.DB
	orders   *Repository
	payments *PaymentRepository
	stock    *inventory.Ledger
	vouchers *vouchers.Repository
	gateways *payment.Registry
	events   EventPublisher
	logger   *slog.Logger
	now      func() time.Time

	placed   metric.Int64Counter
	rejected metric.Int64Counter
}

func NewService(db *sql.DB, gateways *payment.Registry, events EventPublisher, logger *slog.Logger) (*Service, error) {
	meter := otel.Meter("checkout/orders")

	placed, err := meter.Int64Counter("checkout.orders.placed",
		metric.WithDescription("Orders committed, by payment method"))
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("checkout.orders.rejected",
		metric.WithDescription("Order placements rolled back, by reason"))
	if err != nil {
		return nil, err
	}

	return &Service{
		db:       db,
		orders:   NewRepository(db),
		payments: NewPaymentRepository(db),
		stock:    inventory.NewLedger(db),
		vouchers: vouchers.NewRepository(db),
		gateways: gateways,
		events:   events,
		logger:   logger,
		now:      time.Now,
		placed:   placed,
		rejected: rejected,
	}, nil
}

// PlaceOrder creates the order, its line items and, for COD, the pending
// payment in one transaction. Stock and voucher consumption roll back with
// it. For online methods the payer redirect is built after commit; if that
// fails the order is cancelled again with full compensation.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Placement, error) {
	lines, err := s.validate(req)
	if err != nil {
		s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "validation")))
		return nil, err
	}

	now := s.now().UTC()
	order := &domain.Order{
		ID:            uuid.NewString(),
		OrderDate:     now,
		UpdatedAt:     now,
		Status:        domain.OrderStatusPendingConfirmation,
		PaymentMethod: req.PaymentMethod,
		Recipient: domain.Recipient{
			Name:    strings.TrimSpace(req.Recipient.Name),
			Phone:   strings.TrimSpace(req.Recipient.Phone),
			Address: strings.TrimSpace(req.Recipient.Address),
		},
		Notes:  strings.TrimSpace(req.Notes),
		UserID: req.UserID,
	}

	err = store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		ledger := s.stock.WithTx(tx)
		for _, line := range lines {
			price, err := ledger.Decrement(ctx, line.VariantID, line.Quantity)
			if err != nil {
				return err
			}
			order.Items = append(order.Items, domain.OrderProduct{
				VariantID:   line.VariantID,
				Quantity:    line.Quantity,
				PriceAtTime: price,
			})
		}

		subtotal := order.Subtotal()
		if req.VoucherID != nil || req.VoucherCode != "" {
			discount, voucherID, err := s.redeemVoucher(ctx, tx, req, subtotal, now)
			if err != nil {
				return err
			}
			order.VoucherID = &voucherID
			order.DiscountAmount = discount
		}
		order.TotalAmount = subtotal - order.DiscountAmount

		if err := s.orders.WithTx(tx).Insert(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		if order.PaymentMethod == domain.PaymentMethodCOD {
			if err := s.payments.WithTx(tx).CreatePending(ctx, order); err != nil {
				return fmt.Errorf("create cod payment: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectReason(err))))
		return nil, err
	}

	s.placed.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", string(order.PaymentMethod))))
	s.logger.Info("order placed", "order_id", order.ID, "payment_method", order.PaymentMethod,
		"total_amount", order.TotalAmount, "items", len(order.Items))
	s.publish(ctx, domain.EventOrderPlaced, order, "")

	placement := &Placement{Order: order}
	if !order.PaymentMethod.Online() {
		return placement, nil
	}

	adapter, err := s.gateways.Get(order.PaymentMethod)
	if err == nil {
		var target *payment.RedirectTarget
		target, err = adapter.BuildRequest(ctx, order, req.ClientIP)
		if err == nil {
			placement.RedirectURL = target.URL
			return placement, nil
		}
	}

	s.logger.Error("failed to build payment request, cancelling order", "error", err, "order_id", order.ID)
	if cerr := s.cancelPending(context.WithoutCancel(ctx), order.ID, "payment request failed"); cerr != nil {
		s.logger.Error("failed to cancel order after gateway error", "error", cerr, "order_id", order.ID)
	}

	return nil, err
}

func (s *Service) redeemVoucher(ctx context.Context, tx *sql.Tx, req PlaceOrderRequest, subtotal int64, now time.Time) (int64, int64, error) {
	repo := s.vouchers.WithTx(tx)

	var voucherID int64
	if req.VoucherID != nil {
		voucherID = *req.VoucherID
	} else {
		v, err := repo.GetByCode(ctx, strings.TrimSpace(req.VoucherCode))
		if err != nil {
			return 0, 0, err
		}
		if v == nil {
			return 0, 0, vouchers.ErrVoucherNotFound
		}
		voucherID = v.ID
	}

	v, err := repo.Redeem(ctx, voucherID, now)
	if err != nil {
		return 0, 0, err
	}

	discount, err := vouchers.Discount(v, subtotal)
	if err != nil {
		return 0, 0, err
	}

	return discount, v.ID, nil
}

// validate checks the request and returns its lines merged per variant and
// sorted by variant id, so concurrent orders lock variant rows in one order.
func (s *Service) validate(req PlaceOrderRequest) ([]LineItem, error) {
	if strings.TrimSpace(req.Recipient.Name) == "" {
		return nil, &ValidationError{Field: "recipient.name", Reason: "is required"}
	}
	if strings.TrimSpace(req.Recipient.Phone) == "" {
		return nil, &ValidationError{Field: "recipient.phone", Reason: "is required"}
	}
	if strings.TrimSpace(req.Recipient.Address) == "" {
		return nil, &ValidationError{Field: "recipient.address", Reason: "is required"}
	}

	if _, ok := domain.ParsePaymentMethod(string(req.PaymentMethod)); !ok {
		return nil, &ValidationError{Field: "payment_method", Reason: fmt.Sprintf("unknown method %q", req.PaymentMethod)}
	}
	if req.PaymentMethod.Online() && !s.gateways.Supports(req.PaymentMethod) {
		return nil, &ValidationError{Field: "payment_method", Reason: fmt.Sprintf("%s is not available", req.PaymentMethod)}
	}

	if len(req.Items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "cart is empty"}
	}
	if req.VoucherID != nil && *req.VoucherID <= 0 {
		return nil, &ValidationError{Field: "voucher_id", Reason: "must be positive"}
	}

	quantities := make(map[int64]int, len(req.Items))
	for i, item := range req.Items {
		if item.VariantID <= 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].variant_id", i), Reason: "must be positive"}
		}
		if item.Quantity <= 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be positive"}
		}
		if item.Quantity > maxLineQuantity {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: fmt.Sprintf("must not exceed %d", maxLineQuantity)}
		}
		quantities[item.VariantID] += item.Quantity
		if quantities[item.VariantID] > maxLineQuantity {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("items[%d].quantity", i),
				Reason: fmt.Sprintf("variant %d exceeds %d units per order", item.VariantID, maxLineQuantity),
			}
		}
	}

	lines := make([]LineItem, 0, len(quantities))
	for variantID, quantity := range quantities {
		lines = append(lines, LineItem{VariantID: variantID, Quantity: quantity})
	}
	slices.SortFunc(lines, func(a, b LineItem) int {
		switch {
		case a.VariantID < b.VariantID:
			return -1
		case a.VariantID > b.VariantID:
			return 1
		}
		return 0
	})

	return lines, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Order, *domain.Payment, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if order == nil {
		return nil, nil, ErrOrderNotFound
	}

	p, err := s.payments.GetByOrder(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return order, p, nil
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]domain.Order, error) {
	return s.orders.List(ctx, filter)
}

// UpdateStatus is the manual override used by admins. Moving to cancelled
// runs the cancellation compensation. Marking a COD order delivered confirms
// its payment. Cancelled and delivered orders are closed.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}

	var order *domain.Order
	var changed bool
	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		order, err = s.orders.WithTx(tx).GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if order == nil {
			return ErrOrderNotFound
		}

		if order.Status == status {
			return nil
		}
		if order.Status.Terminal() {
			return ErrOrderClosed
		}

		changed = true
		now := s.now().UTC()

		if status == domain.OrderStatusCancelled {
			return s.CancelInTx(ctx, tx, order, "cancelled by admin", nil)
		}

		if err := s.orders.WithTx(tx).SetStatus(ctx, order.ID, status, now); err != nil {
			return err
		}
		order.Status = status
		order.UpdatedAt = now

		if status == domain.OrderStatusDelivered && order.PaymentMethod == domain.PaymentMethodCOD {
			_, err := s.payments.WithTx(tx).Settle(ctx, order, &domain.Payment{
				Method: domain.PaymentMethodCOD,
				Status: domain.PaymentStatusPaid,
				PaidAt: &now,
			}, now)
			return err
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.Info("order status updated", "order_id", order.ID, "status", order.Status)
		if order.Status == domain.OrderStatusCancelled {
			s.publish(ctx, domain.EventOrderCancelled, order, "cancelled by admin")
		} else {
			s.publish(ctx, domain.EventOrderStatusChanged, order, "")
		}
	}

	return order, nil
}

// CancelInTx cancels a locked order: stock for every line is restored, the
// voucher use is released and the payment is settled as failed. failure, when
// given, is the payment record to store (for example the gateway's failed
// notification); otherwise one carrying reason is written.
func (s *Service) CancelInTx(ctx context.Context, tx *sql.Tx, order *domain.Order, reason string, failure *domain.Payment) error {
	ledger := s.stock.WithTx(tx)
	for _, item := range order.Items {
		if err := ledger.Restore(ctx, item.VariantID, item.Quantity); err != nil {
			return fmt.Errorf("restore stock: %w", err)
		}
	}

	if order.VoucherID != nil {
		err := s.vouchers.WithTx(tx).Release(ctx, *order.VoucherID)
		if errors.Is(err, vouchers.ErrNoRedemption) {
			s.logger.Warn("voucher had no redemption to release", "order_id", order.ID, "voucher_id", *order.VoucherID)
		} else if err != nil {
			return fmt.Errorf("release voucher: %w", err)
		}
	}

	now := s.now().UTC()
	if failure == nil {
		info, err := json.Marshal(map[string]string{"reason": reason})
		if err != nil {
			return err
		}
		failure = &domain.Payment{Method: order.PaymentMethod, Status: domain.PaymentStatusFailed, Info: info}
	}
	settled, err := s.payments.WithTx(tx).Settle(ctx, order, failure, now)
	if err != nil {
		return fmt.Errorf("fail payment: %w", err)
	}
	if !settled {
		s.logger.Warn("cancelled order already has a settled payment, refund may be required", "order_id", order.ID)
	}

	if err := s.orders.WithTx(tx).SetStatus(ctx, order.ID, domain.OrderStatusCancelled, now); err != nil {
		return err
	}
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = now

	return nil
}

func (s *Service) cancelPending(ctx context.Context, id, reason string) error {
	var order *domain.Order
	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		order, err = s.orders.WithTx(tx).GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if order == nil {
			return ErrOrderNotFound
		}
		if order.Status != domain.OrderStatusPendingConfirmation {
			order = nil
			return nil
		}
		return s.CancelInTx(ctx, tx, order, reason, nil)
	})
	if err != nil || order == nil {
		return err
	}

	s.publish(ctx, domain.EventOrderCancelled, order, reason)
	return nil
}

// Publish emits a lifecycle event. Failures are logged; committed state is
// never rolled back because of them.
func (s *Service) Publish(ctx context.Context, event domain.OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger.Error("failed to publish order event", "error", err, "type", event.Type, "order_id", event.OrderID)
	}
}

func (s *Service) publish(ctx context.Context, eventType domain.EventType, order *domain.Order, reason string) {
	s.Publish(ctx, domain.OrderEvent{
		Type:          eventType,
		OrderID:       order.ID,
		OrderStatus:   order.Status,
		PaymentMethod: order.PaymentMethod,
		TotalAmount:   order.TotalAmount,
		Reason:        reason,
		Timestamp:     s.now().UTC(),
	})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, inventory.ErrVariantNotFound):
		return "unknown_variant"
	case errors.Is(err, vouchers.ErrVoucherInvalid):
		return "voucher_invalid"
	case store.IsRetryable(err):
		return "conflict"
	}
	return "error"
}
