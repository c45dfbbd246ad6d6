package domain

import "time"

type EventType string

const (
	EventOrderPlaced        EventType = "order.placed"
	EventOrderStatusChanged EventType = "order.status_changed"
	EventOrderCancelled     EventType = "order.cancelled"
	EventPaymentPaid        EventType = "payment.paid"
	EventPaymentFailed      EventType = "payment.failed"
)

// OrderEvent is published after a state change has been committed.
type OrderEvent struct {
	Type          EventType     `json:"type"`
	OrderID       string        `json:"order_id"`
	OrderStatus   OrderStatus   `json:"order_status"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	PaymentStatus PaymentStatus `json:"payment_status,omitempty"`
	TotalAmount   int64         `json:"total_amount"`
	Reason        string        `json:"reason,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}
