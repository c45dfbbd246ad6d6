package payment

import (
	"context"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

const (
	vnpSecureHash     = "vnp_SecureHash"
	vnpSecureHashType = "vnp_SecureHashType"
	vnpDateLayout     = "20060102150405"
)

// VNPay timestamps are wall-clock Vietnam time.
var vietnamTime = time.FixedZone("ICT", 7*60*60)

type VNPayConfig struct {
	TmnCode     string
	HashSecret  string
	PayURL      string
	ReturnURL   string
	Version     string
	Locale      string
	OrderType   string
	ExpireAfter time.Duration
}

// VNPay is redirect-only: building a request makes no outbound call.
type VNPay struct {
	cfg VNPayConfig
	now func() time.Time
}

func NewVNPay(cfg VNPayConfig) *VNPay {
	if cfg.Version == "" {
		cfg.Version = "2.1.0"
	}
	if cfg.Locale == "" {
		cfg.Locale = "vn"
	}
	if cfg.OrderType == "" {
		cfg.OrderType = "other"
	}
	if cfg.ExpireAfter == 0 {
		cfg.ExpireAfter = 15 * time.Minute
	}
	return &VNPay{cfg: cfg, now: time.Now}
}

func (v *VNPay) Method() domain.PaymentMethod {
	return domain.PaymentMethodVNPay
}

func (v *VNPay) BuildRequest(_ context.Context, order *domain.Order, clientIP string) (*RedirectTarget, error) {
	if clientIP == "" {
		clientIP = "127.0.0.1"
	}
	created := v.now().In(vietnamTime)

	params := url.Values{}
	params.Set("vnp_Version", v.cfg.Version)
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", v.cfg.TmnCode)
	params.Set("vnp_Amount", decimal.NewFromInt(order.TotalAmount).Shift(2).String())
	params.Set("vnp_CurrCode", "VND")
	params.Set("vnp_TxnRef", order.ID)
	params.Set("vnp_OrderInfo", "Thanh toan don hang "+order.ID)
	params.Set("vnp_OrderType", v.cfg.OrderType)
	params.Set("vnp_Locale", v.cfg.Locale)
	params.Set("vnp_ReturnUrl", v.cfg.ReturnURL)
	params.Set("vnp_IpAddr", clientIP)
	params.Set("vnp_CreateDate", created.Format(vnpDateLayout))
	params.Set("vnp_ExpireDate", created.Add(v.cfg.ExpireAfter).Format(vnpDateLayout))

	data := canonicalQuery(params)
	signature := signHex(sha512.New, v.cfg.HashSecret, data)

	return &RedirectTarget{URL: v.cfg.PayURL + "?" + data + "&" + vnpSecureHash + "=" + signature}, nil
}

// ParseCallback accepts the raw query string of a return or IPN request.
func (v *VNPay) ParseCallback(raw []byte) (*CallbackResult, error) {
	params, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	got := params.Get(vnpSecureHash)
	if got == "" || !equalSignature(got, signHex(sha512.New, v.cfg.HashSecret, canonicalQuery(params))) {
		return nil, ErrSignatureMismatch
	}

	if params.Get("vnp_TmnCode") != v.cfg.TmnCode {
		return nil, fmt.Errorf("%w: unexpected tmn code %q", ErrMalformedCallback, params.Get("vnp_TmnCode"))
	}

	orderID := params.Get("vnp_TxnRef")
	if orderID == "" {
		return nil, fmt.Errorf("%w: missing vnp_TxnRef", ErrMalformedCallback)
	}

	minor, err := decimal.NewFromString(params.Get("vnp_Amount"))
	if err != nil {
		return nil, fmt.Errorf("%w: vnp_Amount: %v", ErrMalformedCallback, err)
	}
	amount := minor.Shift(-2)
	if !amount.Equal(amount.Truncate(0)) {
		return nil, fmt.Errorf("%w: fractional amount %s", ErrMalformedCallback, minor)
	}

	responseCode := params.Get("vnp_ResponseCode")
	txnStatus := params.Get("vnp_TransactionStatus")
	status := domain.PaymentStatusFailed
	if responseCode == "00" && (txnStatus == "" || txnStatus == "00") {
		status = domain.PaymentStatusPaid
	}

	audit := make(map[string]string, len(params))
	for k := range params {
		if k != vnpSecureHash && k != vnpSecureHashType {
			audit[k] = params.Get(k)
		}
	}
	payload, err := json.Marshal(audit)
	if err != nil {
		return nil, err
	}

	return &CallbackResult{
		Method:        domain.PaymentMethodVNPay,
		OrderID:       orderID,
		Status:        status,
		Amount:        amount.IntPart(),
		TransactionID: params.Get("vnp_TransactionNo"),
		ResultCode:    responseCode,
		Message:       params.Get("vnp_OrderInfo"),
		Payload:       payload,
	}, nil
}

// canonicalQuery is the string VNPay signs: non-empty vnp_ fields other than
// the hash itself, sorted by key, form-encoded.
func canonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == vnpSecureHash || k == vnpSecureHashType || !strings.HasPrefix(k, "vnp_") {
			continue
		}
		if params.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params.Get(k)))
	}
	return b.String()
}
