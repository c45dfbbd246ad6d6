package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/DATA-DOG/go-sqlmock.v1"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
	"github.com/joao-fontenele/storefront-checkout/internal/orders"
	"github.com/joao-fontenele/storefront-checkout/internal/payment"
)

const (
	tmnCode    = "SHOP0001"
	hashSecret = "VNPAYTESTSECRET"
)

var fixedNow = time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)

var (
	orderColumns = []string{"order_id", "order_date", "order_status", "payment_method", "discount_amount",
		"total_amount", "recipient_name", "recipient_phone", "recipient_address", "notes", "user_id", "voucher_id", "updated_at"}
	itemColumns    = []string{"order_id", "variant_id", "quantity", "price_at_time"}
	paymentColumns = []string{"payment_id", "order_id", "payment_method", "payment_status", "transaction_id",
		"payment_info", "paid_at", "user_id", "voucher_id", "updated_at"}
)

type recordingPublisher struct {
	events []domain.OrderEvent
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event domain.OrderEvent) error {
	p.events = append(p.events, event)
	return nil
}

func newTestReconciler(t *testing.T) (*Reconciler, sqlmock.Sqlmock, *recordingPublisher) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := payment.NewRegistry(
		payment.NewVNPay(payment.VNPayConfig{TmnCode: tmnCode, HashSecret: hashSecret, PayURL: "https://pay", ReturnURL: "https://ret"}),
		payment.NewMoMo(payment.MoMoConfig{PartnerCode: "MOMO", AccessKey: "ak", SecretKey: "sk", Endpoint: "http://unused"}, http.DefaultClient),
	)
	events := &recordingPublisher{}

	svc, err := orders.NewService(db, registry, events, logger)
	require.NoError(t, err)
	rec, err := New(db, svc, registry, 15*time.Minute, logger)
	require.NoError(t, err)
	rec.now = func() time.Time { return fixedNow }

	return rec, mock, events
}

// vnpayCallback signs params the way VNPay does.
func vnpayCallback(responseCode string, amount string) []byte {
	params := map[string]string{
		"vnp_Amount":            amount,
		"vnp_BankCode":          "NCB",
		"vnp_OrderInfo":         "Thanh toan don hang ord-1",
		"vnp_ResponseCode":      responseCode,
		"vnp_TmnCode":           tmnCode,
		"vnp_TransactionNo":     "14422574",
		"vnp_TransactionStatus": responseCode,
		"vnp_TxnRef":            "ord-1",
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = url.QueryEscape(k) + "=" + url.QueryEscape(params[k])
	}
	data := strings.Join(pairs, "&")

	mac := hmac.New(sha512.New, []byte(hashSecret))
	mac.Write([]byte(data))
	return []byte(data + "&vnp_SecureHash=" + hex.EncodeToString(mac.Sum(nil)))
}

// signedMoMoIPN builds a MoMo IPN body for ord-1 signed with the test secret.
func signedMoMoIPN(resultCode int) []byte {
	data := fmt.Sprintf("accessKey=ak&amount=200000&extraData=&message=Successful.&orderId=ord-1&orderInfo=ord-1"+
		"&orderType=momo_wallet&partnerCode=MOMO&payType=qr&requestId=req-1&responseTime=1773118800000"+
		"&resultCode=%d&transId=4088878653", resultCode)
	mac := hmac.New(sha256.New, []byte("sk"))
	mac.Write([]byte(data))

	body, _ := json.Marshal(map[string]any{
		"partnerCode":  "MOMO",
		"orderId":      "ord-1",
		"requestId":    "req-1",
		"amount":       200000,
		"orderInfo":    "ord-1",
		"orderType":    "momo_wallet",
		"transId":      4088878653,
		"resultCode":   resultCode,
		"message":      "Successful.",
		"payType":      "qr",
		"responseTime": 1773118800000,
		"extraData":    "",
		"signature":    hex.EncodeToString(mac.Sum(nil)),
	})
	return body
}

func expectOrder(mock sqlmock.Sqlmock, status domain.OrderStatus, total int64, voucherID any) {
	mock.ExpectQuery("SELECT order_id, order_date").
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows(orderColumns).AddRow("ord-1", fixedNow.Add(-time.Hour), string(status), "vnpay",
			int64(0), total, "Nguyen Van A", "0901234567", "12 Le Loi", "", nil, voucherID, fixedNow))
	mock.ExpectQuery("FROM order_products").
		WillReturnRows(sqlmock.NewRows(itemColumns).AddRow("ord-1", int64(5), 2, int64(100000)))
}

func expectPayment(mock sqlmock.Sqlmock, status domain.PaymentStatus) {
	rows := sqlmock.NewRows(paymentColumns)
	if status != "" {
		rows.AddRow(int64(1), "ord-1", "vnpay", string(status), "14422574", []byte(`{}`), fixedNow, nil, nil, fixedNow)
	}
	mock.ExpectQuery("FROM payments").WithArgs("ord-1").WillReturnRows(rows)
}

func TestReconciler_Apply(t *testing.T) {
	ctx := context.Background()

	t.Run("successful vnpay payment advances order", func(t *testing.T) {
		rec, mock, events := newTestReconciler(t)

		mock.ExpectBegin()
		expectOrder(mock, domain.OrderStatusPendingConfirmation, 200000, nil)
		expectPayment(mock, "")
		mock.ExpectExec("INSERT INTO payments").
			WithArgs("ord-1", domain.PaymentMethodVNPay, domain.PaymentStatusPaid, "14422574",
				sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil, fixedNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE orders SET").
			WithArgs(domain.OrderStatusProcessing, fixedNow, "ord-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := rec.Apply(ctx, domain.PaymentMethodVNPay, vnpayCallback("00", "20000000"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, res.Outcome)
		assert.Equal(t, domain.OrderStatusProcessing, res.OrderStatus)
		assert.Equal(t, domain.PaymentStatusPaid, res.PaymentStatus)
		require.Len(t, events.events, 1)
		assert.Equal(t, domain.EventPaymentPaid, events.events[0].Type)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replayed callback is a no-op", func(t *testing.T) {
		rec, mock, events := newTestReconciler(t)

		mock.ExpectBegin()
		expectOrder(mock, domain.OrderStatusProcessing, 200000, nil)
		expectPayment(mock, domain.PaymentStatusPaid)
		mock.ExpectCommit()

		res, err := rec.Apply(ctx, domain.PaymentMethodVNPay, vnpayCallback("00", "20000000"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, res.Outcome)
		assert.Equal(t, domain.OrderStatusProcessing, res.OrderStatus)
		assert.Empty(t, events.events)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed payment cancels order and compensates", func(t *testing.T) {
		rec, mock, events := newTestReconciler(t)

		mock.ExpectBegin()
		expectOrder(mock, domain.OrderStatusPendingConfirmation, 200000, int64(3))
		expectPayment(mock, "")
		mock.ExpectExec("UPDATE variants").WithArgs(int64(5), 2).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE vouchers").WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO payments").
			WithArgs("ord-1", domain.PaymentMethodVNPay, domain.PaymentStatusFailed, "14422574",
				sqlmock.AnyArg(), nil, nil, int64(3), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE orders SET").
			WithArgs(domain.OrderStatusCancelled, sqlmock.AnyArg(), "ord-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := rec.Apply(ctx, domain.PaymentMethodVNPay, vnpayCallback("24", "20000000"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, res.Outcome)
		assert.Equal(t, domain.OrderStatusCancelled, res.OrderStatus)
		require.Len(t, events.events, 2)
		assert.Equal(t, domain.EventPaymentFailed, events.events[0].Type)
		assert.Equal(t, domain.EventOrderCancelled, events.events[1].Type)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("paid after a recorded failure is a conflict", func(t *testing.T) {
		rec, mock, events := newTestReconciler(t)

		mock.ExpectBegin()
		expectOrder(mock, domain.OrderStatusCancelled, 200000, nil)
		expectPayment(mock, domain.PaymentStatusFailed)
		mock.ExpectCommit()

		res, err := rec.Apply(ctx, domain.PaymentMethodVNPay, vnpayCallback("00", "20000000"))

		require.NoError(t, err)
		assert.Equal(t, OutcomeConflict, res.Outcome)
		assert.Equal(t, domain.PaymentStatusFailed, res.PaymentStatus)
		assert.Empty(t, events.events)
	})

	t.Run("tampered signature never reaches the database", func(t *testing.T) {
		rec, mock, _ := newTestReconciler(t)

		raw := strings.Replace(string(vnpayCallback("24", "20000000")), "vnp_ResponseCode=24", "vnp_ResponseCode=00", 1)
		_, err := rec.Apply(ctx, domain.PaymentMethodVNPay, []byte(raw))

		assert.ErrorIs(t, err, payment.ErrSignatureMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown order is rejected", func(t *testing.T) {
		rec, mock, _ := newTestReconciler(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT order_id, order_date").WillReturnRows(sqlmock.NewRows(orderColumns))
		mock.ExpectRollback()

		_, err := rec.Apply(ctx, domain.PaymentMethodVNPay, vnpayCallback("00", "20000000"))

		assert.ErrorIs(t, err, orders.ErrOrderNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("amount mismatch is rejected", func(t *testing.T) {
		rec, mock, _ := newTestReconciler(t)

		mock.ExpectBegin()
		expectOrder(mock, domain.OrderStatusPendingConfirmation, 200000, nil)
		mock.ExpectRollback()

		_, err := rec.Apply(ctx, domain.PaymentMethodVNPay, vnpayCallback("00", "100000"))

		assert.ErrorIs(t, err, ErrAmountMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("momo callback for a vnpay order is rejected", func(t *testing.T) {
		rec, mock, _ := newTestReconciler(t)

		raw := signedMoMoIPN(0)
		mock.ExpectBegin()
		expectOrder(mock, domain.OrderStatusPendingConfirmation, 200000, nil)
		mock.ExpectRollback()

		_, err := rec.Apply(ctx, domain.PaymentMethodMoMo, raw)

		assert.ErrorIs(t, err, ErrMethodMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReconciler_ExpireStale(t *testing.T) {
	rec, mock, events := newTestReconciler(t)

	mock.ExpectQuery("SELECT o.order_id").
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow("ord-1"))
	mock.ExpectBegin()
	expectOrder(mock, domain.OrderStatusPendingConfirmation, 200000, nil)
	expectPayment(mock, "")
	mock.ExpectExec("UPDATE variants").WithArgs(int64(5), 2).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO payments").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE orders SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	count, err := rec.ExpireStale(context.Background(), 0)

	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, events.events, 2)
	assert.Equal(t, "expired", events.events[0].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}
