package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
	"github.com/joao-fontenele/storefront-checkout/internal/store"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrVariantNotFound   = errors.New("variant not found")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

// StockError names the variant that could not be decremented.
type StockError struct {
	VariantID int64
	Requested int
	Err       error
}

func (e *StockError) Error() string {
	return fmt.Sprintf("variant %d: %v (requested %d)", e.VariantID, e.Err, e.Requested)
}

func (e *StockError) Unwrap() error {
	return e.Err
}

// Ledger owns variant_stock. Every mutation is a single conditional UPDATE so
// concurrent orders for the last units are linearized by the row lock Postgres
// takes for the update.
type Ledger struct {
	db store.Querier
}

func NewLedger(db store.Querier) *Ledger {
	return &Ledger{db: db}
}

// WithTx returns a ledger bound to tx.
func (l *Ledger) WithTx(tx *sql.Tx) *Ledger {
	return &Ledger{db: tx}
}

func (l *Ledger) GetVariant(ctx context.Context, variantID int64) (*domain.Variant, error) {
	v := &domain.Variant{}

	err := l.db.QueryRowContext(ctx, `
		SELECT v.variant_id, v.product_id, v.size, v.color, v.variant_stock, p.price
		FROM variants v
		JOIN products p ON p.product_id = v.product_id
		WHERE v.variant_id = $1
	`, variantID).Scan(&v.ID, &v.ProductID, &v.Size, &v.Color, &v.Stock, &v.Price)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return v, nil
}

// Decrement removes quantity units from the variant and returns the current
// catalog unit price, read under the same row lock.
func (l *Ledger) Decrement(ctx context.Context, variantID int64, quantity int) (int64, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}

	var price int64
	err := l.db.QueryRowContext(ctx, `
		UPDATE variants v
		SET variant_stock = v.variant_stock - $2
		FROM products p
		WHERE v.variant_id = $1
		  AND v.variant_stock >= $2
		  AND p.product_id = v.product_id
		RETURNING p.price
	`, variantID, quantity).Scan(&price)
	if err == nil {
		return price, nil
	}
	if store.IsCheckViolation(err) {
		return 0, &StockError{VariantID: variantID, Requested: quantity, Err: ErrInsufficientStock}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var exists bool
	if err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM variants WHERE variant_id = $1)
	`, variantID).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, &StockError{VariantID: variantID, Requested: quantity, Err: ErrVariantNotFound}
	}

	return 0, &StockError{VariantID: variantID, Requested: quantity, Err: ErrInsufficientStock}
}

// Restore is the compensation for Decrement.
func (l *Ledger) Restore(ctx context.Context, variantID int64, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE variants
		SET variant_stock = variant_stock + $2
		WHERE variant_id = $1
	`, variantID, quantity)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return &StockError{VariantID: variantID, Requested: quantity, Err: ErrVariantNotFound}
	}

	return nil
}
