package orders

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
	"github.com/joao-fontenele/storefront-checkout/internal/store"
)

var ErrPaymentExists = errors.New("payment already recorded for order")

const paymentColumns = `payment_id, order_id, payment_method, payment_status, transaction_id, payment_info,
	paid_at, user_id, voucher_id, updated_at`

// PaymentRepository keeps at most one payment row per order.
type PaymentRepository struct {
	db store.Querier
}

func NewPaymentRepository(db store.Querier) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) WithTx(tx *sql.Tx) *PaymentRepository {
	return &PaymentRepository{db: tx}
}

func (r *PaymentRepository) GetByOrder(ctx context.Context, orderID string) (*domain.Payment, error) {
	p := &domain.Payment{}
	var info []byte
	var txnID sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
	`, orderID).Scan(&p.ID, &p.OrderID, &p.Method, &p.Status, &txnID, &info,
		&p.PaidAt, &p.UserID, &p.VoucherID, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.TransactionID = txnID.String
	if len(info) > 0 {
		p.Info = info
	}

	return p, nil
}

// CreatePending records the payment placeholder written at order time.
func (r *PaymentRepository) CreatePending(ctx context.Context, order *domain.Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (order_id, payment_method, payment_status, user_id, voucher_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, order.ID, order.PaymentMethod, domain.PaymentStatusPending, order.UserID, order.VoucherID, order.OrderDate)
	if store.IsUniqueViolation(err) {
		return ErrPaymentExists
	}
	return err
}

// Settle moves the order's payment to a terminal status, creating the row on
// the first callback. A payment that is already terminal is left untouched and
// Settle reports false.
func (r *PaymentRepository) Settle(ctx context.Context, order *domain.Order, p *domain.Payment, now time.Time) (bool, error) {
	var info any
	if len(p.Info) > 0 {
		info = string(p.Info)
	}
	var txnID any
	if p.TransactionID != "" {
		txnID = p.TransactionID
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (order_id, payment_method, payment_status, transaction_id, payment_info,
			paid_at, user_id, voucher_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (order_id) DO UPDATE
		SET payment_status = EXCLUDED.payment_status,
		    transaction_id = EXCLUDED.transaction_id,
		    payment_info = EXCLUDED.payment_info,
		    paid_at = EXCLUDED.paid_at,
		    updated_at = EXCLUDED.updated_at
		WHERE payments.payment_status = 'pending'
	`, order.ID, p.Method, p.Status, txnID, info, p.PaidAt, order.UserID, order.VoucherID, now)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}
