package reconcile

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gopkg.in/DATA-DOG/go-sqlmock.v1"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

func newTestHandlerMux(t *testing.T) (*http.ServeMux, sqlmock.Sqlmock) {
	t.Helper()

	rec, mock, _ := newTestReconciler(t)
	handler := NewHandler(rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /payments/momo/ipn", handler.HandleMoMoIPN)
	mux.HandleFunc("GET /payments/vnpay/ipn", handler.HandleVNPayIPN)
	mux.HandleFunc("POST /payments/vnpay/ipn", handler.HandleVNPayIPN)
	mux.HandleFunc("GET /payments/vnpay/return", handler.HandleVNPayReturn)
	mux.HandleFunc("POST /admin/payments/expire", handler.HandleExpire)
	return mux, mock
}

func vnpayRspCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var resp vnpayIPNResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.RspCode
}

func TestHandler_HandleVNPayIPN(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		mux, mock := newTestHandlerMux(t)
		mock.ExpectBegin()
		expectOrder(mock, domain.OrderStatusPendingConfirmation, 200000, nil)
		expectPayment(mock, "")
		mock.ExpectExec("INSERT INTO payments").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE orders SET").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req := httptest.NewRequest(http.MethodGet, "/payments/vnpay/ipn?"+string(vnpayCallback("00", "20000000")), nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if code := vnpayRspCode(t, rec); code != "00" {
			t.Errorf("expected RspCode 00, got %s", code)
		}
	})

	t.Run("form post", func(t *testing.T) {
		mux, mock := newTestHandlerMux(t)
		mock.ExpectBegin()
		expectOrder(mock, domain.OrderStatusPendingConfirmation, 200000, nil)
		expectPayment(mock, "")
		mock.ExpectExec("INSERT INTO payments").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE orders SET").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req := httptest.NewRequest(http.MethodPost, "/payments/vnpay/ipn", bytes.NewReader(vnpayCallback("00", "20000000")))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if code := vnpayRspCode(t, rec); code != "00" {
			t.Errorf("expected RspCode 00, got %s", code)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("replay", func(t *testing.T) {
		mux, mock := newTestHandlerMux(t)
		mock.ExpectBegin()
		expectOrder(mock, domain.OrderStatusProcessing, 200000, nil)
		expectPayment(mock, domain.PaymentStatusPaid)
		mock.ExpectCommit()

		req := httptest.NewRequest(http.MethodGet, "/payments/vnpay/ipn?"+string(vnpayCallback("00", "20000000")), nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if code := vnpayRspCode(t, rec); code != "02" {
			t.Errorf("expected RspCode 02, got %s", code)
		}
	})

	t.Run("bad checksum", func(t *testing.T) {
		mux, _ := newTestHandlerMux(t)

		raw := strings.Replace(string(vnpayCallback("00", "20000000")), "vnp_BankCode=NCB", "vnp_BankCode=VCB", 1)
		req := httptest.NewRequest(http.MethodGet, "/payments/vnpay/ipn?"+raw, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if code := vnpayRspCode(t, rec); code != "97" {
			t.Errorf("expected RspCode 97, got %s", code)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		mux, mock := newTestHandlerMux(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT order_id, order_date").WillReturnRows(sqlmock.NewRows(orderColumns))
		mock.ExpectRollback()

		req := httptest.NewRequest(http.MethodGet, "/payments/vnpay/ipn?"+string(vnpayCallback("00", "20000000")), nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if code := vnpayRspCode(t, rec); code != "01" {
			t.Errorf("expected RspCode 01, got %s", code)
		}
	})

	t.Run("amount mismatch", func(t *testing.T) {
		mux, mock := newTestHandlerMux(t)
		mock.ExpectBegin()
		expectOrder(mock, domain.OrderStatusPendingConfirmation, 200000, nil)
		mock.ExpectRollback()

		req := httptest.NewRequest(http.MethodGet, "/payments/vnpay/ipn?"+string(vnpayCallback("00", "100000")), nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if code := vnpayRspCode(t, rec); code != "04" {
			t.Errorf("expected RspCode 04, got %s", code)
		}
	})

	t.Run("database failure asks for redelivery", func(t *testing.T) {
		mux, mock := newTestHandlerMux(t)
		mock.ExpectBegin().WillReturnError(io.ErrUnexpectedEOF)

		req := httptest.NewRequest(http.MethodGet, "/payments/vnpay/ipn?"+string(vnpayCallback("00", "20000000")), nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rec.Code)
		}
	})
}

func TestHandler_HandleMoMoIPN(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		mux, mock := newTestHandlerMux(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT order_id, order_date").
			WillReturnRows(sqlmock.NewRows(orderColumns).AddRow("ord-1", fixedNow, "pending_confirmation", "momo",
				int64(0), int64(200000), "Nguyen Van A", "0901234567", "12 Le Loi", "", nil, nil, fixedNow))
		mock.ExpectQuery("FROM order_products").
			WillReturnRows(sqlmock.NewRows(itemColumns).AddRow("ord-1", int64(5), 2, int64(100000)))
		expectPayment(mock, "")
		mock.ExpectExec("INSERT INTO payments").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE orders SET").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		req := httptest.NewRequest(http.MethodPost, "/payments/momo/ipn", bytes.NewReader(signedMoMoIPN(0)))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d: %s", rec.Code, rec.Body.String())
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("replay is acknowledged without settling again", func(t *testing.T) {
		mux, mock := newTestHandlerMux(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT order_id, order_date").
			WillReturnRows(sqlmock.NewRows(orderColumns).AddRow("ord-1", fixedNow, "processing", "momo",
				int64(0), int64(200000), "Nguyen Van A", "0901234567", "12 Le Loi", "", nil, nil, fixedNow))
		mock.ExpectQuery("FROM order_products").
			WillReturnRows(sqlmock.NewRows(itemColumns).AddRow("ord-1", int64(5), 2, int64(100000)))
		mock.ExpectQuery("FROM payments").
			WithArgs("ord-1").
			WillReturnRows(sqlmock.NewRows(paymentColumns).
				AddRow(int64(1), "ord-1", "momo", "paid", "2547000000", []byte(`{}`), fixedNow, nil, nil, fixedNow))
		mock.ExpectCommit()

		req := httptest.NewRequest(http.MethodPost, "/payments/momo/ipn", bytes.NewReader(signedMoMoIPN(0)))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d: %s", rec.Code, rec.Body.String())
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		mux, _ := newTestHandlerMux(t)

		body := bytes.Replace(signedMoMoIPN(0), []byte(`"amount":200000`), []byte(`"amount":1000`), 1)
		req := httptest.NewRequest(http.MethodPost, "/payments/momo/ipn", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", rec.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		mux, _ := newTestHandlerMux(t)

		req := httptest.NewRequest(http.MethodPost, "/payments/momo/ipn", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
	})
}

func TestHandler_HandleVNPayReturn(t *testing.T) {
	mux, mock := newTestHandlerMux(t)
	mock.ExpectBegin()
	expectOrder(mock, domain.OrderStatusProcessing, 200000, nil)
	expectPayment(mock, domain.PaymentStatusPaid)
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodGet, "/payments/vnpay/return?"+string(vnpayCallback("00", "20000000")), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		OrderID     string `json:"order_id"`
		Outcome     string `json:"outcome"`
		StatusLabel string `json:"status_label"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.OrderID != "ord-1" || resp.Outcome != string(OutcomeDuplicate) {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.StatusLabel != domain.OrderStatusProcessing.Label() {
		t.Errorf("expected label %q, got %q", domain.OrderStatusProcessing.Label(), resp.StatusLabel)
	}
}

func TestHandler_HandleExpire(t *testing.T) {
	t.Run("nothing stale", func(t *testing.T) {
		mux, mock := newTestHandlerMux(t)
		mock.ExpectQuery("SELECT o.order_id").WillReturnRows(sqlmock.NewRows([]string{"order_id"}))

		req := httptest.NewRequest(http.MethodPost, "/admin/payments/expire?limit=10", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != `{"expired":0}` {
			t.Errorf("unexpected body %s", got)
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		mux, _ := newTestHandlerMux(t)

		req := httptest.NewRequest(http.MethodPost, "/admin/payments/expire?limit=abc", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
	})
}
