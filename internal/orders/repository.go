package orders

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
	"github.com/joao-fontenele/storefront-checkout/internal/store"
)

const orderColumns = `order_id, order_date, order_status, payment_method, discount_amount, total_amount,
	recipient_name, recipient_phone, recipient_address, notes, user_id, voucher_id, updated_at`

type Repository struct {
	db store.Querier
}

func NewRepository(db store.Querier) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

// Insert writes the order row and its line items. Call it inside a
// transaction so the order never exists without its items.
func (r *Repository) Insert(ctx context.Context, order *domain.Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $2)
	`, order.ID, order.OrderDate, order.Status, order.PaymentMethod, order.DiscountAmount, order.TotalAmount,
		order.Recipient.Name, order.Recipient.Phone, order.Recipient.Address, order.Notes, order.UserID, order.VoucherID)
	if err != nil {
		return err
	}

	for _, item := range order.Items {
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO order_products (order_id, variant_id, quantity, price_at_time)
			VALUES ($1, $2, $3, $4)
		`, order.ID, item.VariantID, item.Quantity, item.PriceAtTime)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Order, error) {
	return r.get(ctx, id, "")
}

// GetForUpdate locks the order row until the surrounding transaction ends.
// Concurrent callbacks for the same order serialize here.
func (r *Repository) GetForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	return r.get(ctx, id, "FOR UPDATE")
}

func (r *Repository) get(ctx context.Context, id, lock string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_id = $1
		`+lock, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	items, err := r.itemsFor(ctx, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]

	return order, nil
}

func (r *Repository) SetStatus(ctx context.Context, id string, status domain.OrderStatus, now time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET order_status = $1, updated_at = $2
		WHERE order_id = $3
	`, status, now, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrOrderNotFound
	}

	return nil
}

type ListFilter struct {
	Status *domain.OrderStatus
	UserID *int64
	Limit  int
}

func (r *Repository) List(ctx context.Context, filter ListFilter) ([]domain.Order, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE ($1::text IS NULL OR order_status = $1)
		  AND ($2::bigint IS NULL OR user_id = $2)
		ORDER BY order_date DESC
		LIMIT $3
	`, filter.Status, filter.UserID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orders []domain.Order
	var orderIDs []string
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	items, err := r.itemsFor(ctx, orderIDs)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	return orders, nil
}

// ListStalePending returns online-payment orders still awaiting confirmation
// that were placed before cutoff and have no settled payment.
func (r *Repository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	methods := []string{string(domain.PaymentMethodMoMo), string(domain.PaymentMethodVNPay)}

	rows, err := r.db.QueryContext(ctx, `
		SELECT o.order_id
		FROM orders o
		LEFT JOIN payments p ON p.order_id = o.order_id
		WHERE o.order_status = $1
		  AND o.payment_method = ANY($2)
		  AND o.order_date < $3
		  AND (p.payment_status IS NULL OR p.payment_status = $4)
		ORDER BY o.order_date
		LIMIT $5
	`, domain.OrderStatusPendingConfirmation, pq.Array(methods), cutoff, domain.PaymentStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (r *Repository) itemsFor(ctx context.Context, orderIDs []string) (map[string][]domain.OrderProduct, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, variant_id, quantity, price_at_time
		FROM order_products
		WHERE order_id = ANY($1)
		ORDER BY order_product_id
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := make(map[string][]domain.OrderProduct, len(orderIDs))
	for rows.Next() {
		var orderID string
		var item domain.OrderProduct
		if err := rows.Scan(&orderID, &item.VariantID, &item.Quantity, &item.PriceAtTime); err != nil {
			return nil, err
		}
		items[orderID] = append(items[orderID], item)
	}

	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*domain.Order, error) {
	order := &domain.Order{}
	err := row.Scan(&order.ID, &order.OrderDate, &order.Status, &order.PaymentMethod, &order.DiscountAmount,
		&order.TotalAmount, &order.Recipient.Name, &order.Recipient.Phone, &order.Recipient.Address,
		&order.Notes, &order.UserID, &order.VoucherID, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return order, nil
}
