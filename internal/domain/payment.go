package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type PaymentMethod string

const (
	PaymentMethodCOD   PaymentMethod = "cod"
	PaymentMethodMoMo  PaymentMethod = "momo"
	PaymentMethodVNPay PaymentMethod = "vnpay"
)

func ParsePaymentMethod(v string) (PaymentMethod, bool) {
	switch m := PaymentMethod(strings.ToLower(strings.TrimSpace(v))); m {
	case PaymentMethodCOD, PaymentMethodMoMo, PaymentMethodVNPay:
		return m, true
	}
	return "", false
}

// Online reports whether the method settles through an external gateway.
func (m PaymentMethod) Online() bool {
	return m == PaymentMethodMoMo || m == PaymentMethodVNPay
}

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusFailed
}

type Payment struct {
	ID            int64           `json:"payment_id"`
	OrderID       string          `json:"order_id"`
	Method        PaymentMethod   `json:"payment_method"`
	Status        PaymentStatus   `json:"payment_status"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Info          json.RawMessage `json:"payment_info,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	UserID        *int64          `json:"user_id,omitempty"`
	VoucherID     *int64          `json:"voucher_id,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
