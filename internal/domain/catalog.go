package domain

import "time"

type Variant struct {
	ID        int64  `json:"variant_id"`
	ProductID int64  `json:"product_id"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
	Stock     int    `json:"stock"`
	Price     int64  `json:"price"`
}

type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

type VoucherStatus string

const (
	VoucherActive   VoucherStatus = "active"
	VoucherInactive VoucherStatus = "inactive"
)

type Voucher struct {
	ID            int64         `json:"voucher_id"`
	Code          string        `json:"voucher_code"`
	DiscountType  DiscountType  `json:"discount_type"`
	DiscountValue int64         `json:"discount_value"`
	MinOrderValue int64         `json:"min_order_value"`
	StartDate     time.Time     `json:"start_date"`
	EndDate       time.Time     `json:"end_date"`
	UsageLimit    int           `json:"usage_limit"`
	UsedCount     int           `json:"used_count"`
	Status        VoucherStatus `json:"voucher_status"`
}
