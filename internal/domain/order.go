package domain

import (
	"strings"
	"time"
)

type OrderStatus string

const (
	OrderStatusPendingConfirmation OrderStatus = "pending_confirmation"
	OrderStatusProcessing          OrderStatus = "processing"
	OrderStatusShipped             OrderStatus = "shipped"
	OrderStatusDelivered           OrderStatus = "delivered"
	OrderStatusCancelled           OrderStatus = "cancelled"
)

var orderStatusLabels = map[OrderStatus]string{
	OrderStatusPendingConfirmation: "Chờ xác nhận",
	OrderStatusProcessing:          "Đang xử lý",
	OrderStatusShipped:             "Đang vận chuyển",
	OrderStatusDelivered:           "Đã giao",
	OrderStatusCancelled:           "Đã hủy",
}

// Label returns the Vietnamese display label shown to customers and admins.
// Business logic must compare OrderStatus values, never labels.
func (s OrderStatus) Label() string {
	return orderStatusLabels[s]
}

func (s OrderStatus) Valid() bool {
	_, ok := orderStatusLabels[s]
	return ok
}

// Terminal reports whether the order can no longer change status. Delivered
// goods have left the warehouse, so their stock and voucher stay consumed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusDelivered
}

// ParseOrderStatus accepts either the canonical value or its display label.
func ParseOrderStatus(v string) (OrderStatus, bool) {
	v = strings.TrimSpace(v)
	if s := OrderStatus(strings.ToLower(v)); s.Valid() {
		return s, true
	}
	for s, label := range orderStatusLabels {
		if strings.EqualFold(label, v) {
			return s, true
		}
	}
	return "", false
}

type Recipient struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type OrderProduct struct {
	VariantID   int64 `json:"variant_id"`
	Quantity    int   `json:"quantity"`
	PriceAtTime int64 `json:"price_at_time"`
}

func (p OrderProduct) LineTotal() int64 {
	return int64(p.Quantity) * p.PriceAtTime
}

type Order struct {
	ID             string         `json:"id"`
	OrderDate      time.Time      `json:"order_date"`
	Status         OrderStatus    `json:"status"`
	PaymentMethod  PaymentMethod  `json:"payment_method"`
	DiscountAmount int64          `json:"discount_amount"`
	TotalAmount    int64          `json:"total_amount"`
	Recipient      Recipient      `json:"recipient"`
	Notes          string         `json:"notes,omitempty"`
	UserID         *int64         `json:"user_id,omitempty"`
	VoucherID      *int64         `json:"voucher_id,omitempty"`
	Items          []OrderProduct `json:"items"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Subtotal is the pre-discount sum of the snapshotted line totals.
func (o *Order) Subtotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.LineTotal()
	}
	return total
}
