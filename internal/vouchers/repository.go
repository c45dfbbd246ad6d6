package vouchers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
	"github.com/joao-fontenele/storefront-checkout/internal/store"
)

var ErrVoucherInvalid = errors.New("voucher invalid")

var (
	ErrVoucherNotFound     = fmt.Errorf("%w: not found", ErrVoucherInvalid)
	ErrVoucherExhausted    = fmt.Errorf("%w: usage limit reached", ErrVoucherInvalid)
	ErrVoucherExpired      = fmt.Errorf("%w: expired", ErrVoucherInvalid)
	ErrVoucherNotStarted   = fmt.Errorf("%w: not started yet", ErrVoucherInvalid)
	ErrVoucherInactive     = fmt.Errorf("%w: inactive", ErrVoucherInvalid)
	ErrVoucherBelowMinimum = fmt.Errorf("%w: order below minimum value", ErrVoucherInvalid)
)

var ErrNoRedemption = errors.New("voucher has no redemption to release")

const voucherColumns = `voucher_id, voucher_code, discount_type, discount_value, min_order_value,
	start_date, end_date, usage_limit, used_count, voucher_status`

type Repository struct {
	db store.Querier
}

func NewRepository(db store.Querier) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*domain.Voucher, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT `+voucherColumns+`
		FROM vouchers
		WHERE voucher_id = $1
	`, id))
}

func (r *Repository) GetByCode(ctx context.Context, code string) (*domain.Voucher, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT `+voucherColumns+`
		FROM vouchers
		WHERE voucher_code = $1
	`, code))
}

// Redeem consumes one use of the voucher. The eligibility checks, the counter
// updates and the switch to inactive on the last use are one statement.
func (r *Repository) Redeem(ctx context.Context, id int64, now time.Time) (*domain.Voucher, error) {
	v, err := r.scanOne(r.db.QueryRowContext(ctx, `
		UPDATE vouchers
		SET usage_limit = usage_limit - 1,
		    used_count = used_count + 1,
		    voucher_status = CASE WHEN usage_limit - 1 = 0 THEN 'inactive' ELSE voucher_status END
		WHERE voucher_id = $1
		  AND voucher_status = 'active'
		  AND usage_limit > 0
		  AND $2 BETWEEN start_date AND end_date
		RETURNING `+voucherColumns, id, now))
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v, nil
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return nil, classify(current, now)
}

// Release gives back one use, reactivating a voucher that was exhausted.
func (r *Repository) Release(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE vouchers
		SET usage_limit = usage_limit + 1,
		    used_count = used_count - 1,
		    voucher_status = CASE WHEN usage_limit = 0 THEN 'active' ELSE voucher_status END
		WHERE voucher_id = $1 AND used_count > 0
	`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNoRedemption
	}

	return nil
}

func classify(v *domain.Voucher, now time.Time) error {
	switch {
	case v == nil:
		return ErrVoucherNotFound
	case v.UsageLimit <= 0:
		return ErrVoucherExhausted
	case v.Status != domain.VoucherActive:
		return ErrVoucherInactive
	case now.Before(v.StartDate):
		return ErrVoucherNotStarted
	case now.After(v.EndDate):
		return ErrVoucherExpired
	}
	return ErrVoucherInvalid
}

func (r *Repository) scanOne(row *sql.Row) (*domain.Voucher, error) {
	v := &domain.Voucher{}

	err := row.Scan(&v.ID, &v.Code, &v.DiscountType, &v.DiscountValue, &v.MinOrderValue,
		&v.StartDate, &v.EndDate, &v.UsageLimit, &v.UsedCount, &v.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return v, nil
}
