// Package reconcile applies verified gateway notifications to orders and
// their payments. Each order row is locked while a notification is applied,
// so concurrent or repeated deliveries for one order take effect once.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
	"github.com/joao-fontenele/storefront-checkout/internal/orders"
	"github.com/joao-fontenele/storefront-checkout/internal/payment"
	"github.com/joao-fontenele/storefront-checkout/internal/store"
)

var (
	ErrAmountMismatch = errors.New("callback amount does not match order total")
	ErrMethodMismatch = errors.New("callback gateway does not match order payment method")
)

var tracer = otel.Tracer("checkout/reconcile")

type Outcome string

const (
	// OutcomeApplied means the payment was settled by this notification.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the payment was already settled the same way.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeConflict means the notification disagrees with committed state
	// and was not applied. Someone has to look at it.
	OutcomeConflict Outcome = "conflict"
)

type Result struct {
	OrderID       string               `json:"order_id"`
	Outcome       Outcome              `json:"outcome"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	OrderStatus   domain.OrderStatus   `json:"order_status"`
}

type Reconciler struct {
	db         *sql.DB
	orders     *orders.Repository
	payments   *orders.PaymentRepository
	service    *orders.Service
	gateways   *payment.Registry
	pendingTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time

	callbacks metric.Int64Counter
	expired   metric.Int64Counter
}

func New(db *sql.DB, service *orders.Service, gateways *payment.Registry, pendingTTL time.Duration, logger *slog.Logger) (*Reconciler, error) {
	meter := otel.Meter("checkout/reconcile")

	callbacks, err := meter.Int64Counter("checkout.payment.callbacks",
		metric.WithDescription("Gateway notifications received, by gateway and outcome"))
	if err != nil {
		return nil, err
	}
	expired, err := meter.Int64Counter("checkout.payment.expired",
		metric.WithDescription("Online payments cancelled after waiting too long"))
	if err != nil {
		return nil, err
	}

	return &Reconciler{
		db:         db,
		orders:     orders.NewRepository(db),
		payments:   orders.NewPaymentRepository(db),
		service:    service,
		gateways:   gateways,
		pendingTTL: pendingTTL,
		logger:     logger,
		now:        time.Now,
		callbacks:  callbacks,
		expired:    expired,
	}, nil
}

// Apply verifies raw with the gateway's adapter and applies the result.
func (r *Reconciler) Apply(ctx context.Context, method domain.PaymentMethod, raw []byte) (*Result, error) {
	ctx, span := tracer.Start(ctx, "reconcile "+string(method),
		trace.WithAttributes(attribute.String("payment.method", string(method))),
	)
	defer span.End()

	res, err := r.apply(ctx, method, raw)

	outcome := "error"
	switch {
	case err == nil:
		outcome = string(res.Outcome)
		span.SetAttributes(
			attribute.String("order.id", res.OrderID),
			attribute.String("reconcile.outcome", outcome),
		)
	case errors.Is(err, payment.ErrSignatureMismatch):
		outcome = "bad_signature"
	case errors.Is(err, orders.ErrOrderNotFound):
		outcome = "unknown_order"
	}
	r.callbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", string(method)),
		attribute.String("outcome", outcome),
	))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return res, err
}

func (r *Reconciler) apply(ctx context.Context, method domain.PaymentMethod, raw []byte) (*Result, error) {
	adapter, err := r.gateways.Get(method)
	if err != nil {
		return nil, err
	}

	cb, err := adapter.ParseCallback(raw)
	if err != nil {
		r.logger.Warn("rejected payment callback", "gateway", method, "error", err)
		return nil, err
	}

	res := &Result{OrderID: cb.OrderID, PaymentStatus: cb.Status}
	var order *domain.Order
	var settled bool

	err = store.InTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		order, err = r.orders.WithTx(tx).GetForUpdate(ctx, cb.OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			return orders.ErrOrderNotFound
		}
		if order.PaymentMethod != cb.Method {
			return ErrMethodMismatch
		}
		if order.TotalAmount != cb.Amount {
			return ErrAmountMismatch
		}

		payments := r.payments.WithTx(tx)
		existing, err := payments.GetByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status.Terminal() {
			res.PaymentStatus = existing.Status
			res.OrderStatus = order.Status
			res.Outcome = OutcomeDuplicate
			if existing.Status != cb.Status {
				res.Outcome = OutcomeConflict
			}
			return nil
		}

		now := r.now().UTC()
		p := &domain.Payment{
			Method:        cb.Method,
			Status:        cb.Status,
			TransactionID: cb.TransactionID,
			Info:          cb.Payload,
		}
		res.Outcome = OutcomeApplied

		switch {
		case cb.Status == domain.PaymentStatusFailed && order.Status == domain.OrderStatusPendingConfirmation:
			if err := r.service.CancelInTx(ctx, tx, order, "payment failed", p); err != nil {
				return err
			}
		case cb.Status == domain.PaymentStatusFailed:
			if _, err := payments.Settle(ctx, order, p, now); err != nil {
				return err
			}
		default:
			p.PaidAt = &now
			if _, err := payments.Settle(ctx, order, p, now); err != nil {
				return err
			}
			switch order.Status {
			case domain.OrderStatusPendingConfirmation:
				if err := r.orders.WithTx(tx).SetStatus(ctx, order.ID, domain.OrderStatusProcessing, now); err != nil {
					return err
				}
				order.Status = domain.OrderStatusProcessing
			case domain.OrderStatusCancelled:
				res.Outcome = OutcomeConflict
			}
		}

		settled = true
		res.OrderStatus = order.Status
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrOrderNotFound), errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrMethodMismatch):
			r.logger.Warn("rejected payment callback", "gateway", method, "order_id", cb.OrderID, "error", err)
		default:
			r.logger.Error("failed to apply payment callback", "gateway", method, "order_id", cb.OrderID, "error", err)
		}
		return nil, err
	}

	logArgs := []any{"gateway", method, "order_id", cb.OrderID, "payment_status", cb.Status,
		"transaction_id", cb.TransactionID, "result_code", cb.ResultCode}
	switch res.Outcome {
	case OutcomeDuplicate:
		r.logger.Info("duplicate payment callback ignored", logArgs...)
	case OutcomeConflict:
		r.logger.Error("conflicting payment callback, manual refund may be required", logArgs...)
	default:
		r.logger.Info("payment callback applied", logArgs...)
	}

	if settled {
		r.publish(ctx, order, cb.Status, cb.ResultCode)
	}

	return res, nil
}

// ExpireStale cancels online orders whose payment has not settled within the
// pending TTL, returning stock and voucher uses. It returns how many orders
// were cancelled.
func (r *Reconciler) ExpireStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := r.now().UTC().Add(-r.pendingTTL)

	ids, err := r.orders.ListStalePending(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		order, err := r.expireOne(ctx, id, cutoff)
		if err != nil {
			r.logger.Error("failed to expire pending payment", "order_id", id, "error", err)
			continue
		}
		if order == nil {
			continue
		}

		count++
		r.expired.Add(ctx, 1, metric.WithAttributes(attribute.String("gateway", string(order.PaymentMethod))))
		r.logger.Info("pending payment expired", "order_id", id, "gateway", order.PaymentMethod)
		r.publish(ctx, order, domain.PaymentStatusFailed, "expired")
	}

	return count, nil
}

func (r *Reconciler) expireOne(ctx context.Context, id string, cutoff time.Time) (*domain.Order, error) {
	var expired *domain.Order

	err := store.InTx(ctx, r.db, func(tx *sql.Tx) error {
		order, err := r.orders.WithTx(tx).GetForUpdate(ctx, id)
		if err != nil || order == nil {
			return err
		}
		if order.Status != domain.OrderStatusPendingConfirmation || !order.OrderDate.Before(cutoff) {
			return nil
		}

		existing, err := r.payments.WithTx(tx).GetByOrder(ctx, id)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status.Terminal() {
			return nil
		}

		info, err := json.Marshal(map[string]string{"reason": "expired"})
		if err != nil {
			return err
		}
		failure := &domain.Payment{Method: order.PaymentMethod, Status: domain.PaymentStatusFailed, Info: info}
		if err := r.service.CancelInTx(ctx, tx, order, "payment expired", failure); err != nil {
			return err
		}

		expired = order
		return nil
	})

	return expired, err
}

func (r *Reconciler) publish(ctx context.Context, order *domain.Order, status domain.PaymentStatus, reason string) {
	eventType := domain.EventPaymentPaid
	if status == domain.PaymentStatusFailed {
		eventType = domain.EventPaymentFailed
	}

	event := domain.OrderEvent{
		Type:          eventType,
		OrderID:       order.ID,
		OrderStatus:   order.Status,
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: status,
		TotalAmount:   order.TotalAmount,
		Reason:        reason,
		Timestamp:     r.now().UTC(),
	}
	r.service.Publish(ctx, event)

	if status == domain.PaymentStatusFailed && order.Status == domain.OrderStatusCancelled {
		event.Type = domain.EventOrderCancelled
		r.service.Publish(ctx, event)
	}
}
