package payment

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

type MoMoConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	RedirectURL string
	IPNURL      string
	RequestType string
	Lang        string
}

// MoMo talks to the MoMo all-in-one (captureWallet) API.
type MoMo struct {
	cfg    MoMoConfig
	client *http.Client
	newID  func() string
}

func NewMoMo(cfg MoMoConfig, client *http.Client) *MoMo {
	if cfg.RequestType == "" {
		cfg.RequestType = "captureWallet"
	}
	if cfg.Lang == "" {
		cfg.Lang = "vi"
	}
	return &MoMo{cfg: cfg, client: client, newID: uuid.NewString}
}

func (m *MoMo) Method() domain.PaymentMethod {
	return domain.PaymentMethodMoMo
}

type momoCreateRequest struct {
	PartnerCode string `json:"partnerCode"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IPNURL      string `json:"ipnUrl"`
	RequestType string `json:"requestType"`
	ExtraData   string `json:"extraData"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`
}

type momoCreateResponse struct {
	PartnerCode  string `json:"partnerCode"`
	RequestID    string `json:"requestId"`
	OrderID      string `json:"orderId"`
	Amount       int64  `json:"amount"`
	ResponseTime int64  `json:"responseTime"`
	Message      string `json:"message"`
	ResultCode   int    `json:"resultCode"`
	PayURL       string `json:"payUrl"`
	Deeplink     string `json:"deeplink"`
	QRCodeURL    string `json:"qrCodeUrl"`
}

// momoIPN is the server-to-server notification body.
type momoIPN struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      int64  `json:"transId"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	PayType      string `json:"payType"`
	ResponseTime int64  `json:"responseTime"`
	ExtraData    string `json:"extraData"`
	Signature    string `json:"signature"`
}

func (m *MoMo) BuildRequest(ctx context.Context, order *domain.Order, _ string) (*RedirectTarget, error) {
	req := momoCreateRequest{
		PartnerCode: m.cfg.PartnerCode,
		RequestID:   m.newID(),
		Amount:      order.TotalAmount,
		OrderID:     order.ID,
		OrderInfo:   "Thanh toan don hang " + order.ID,
		RedirectURL: m.cfg.RedirectURL,
		IPNURL:      m.cfg.IPNURL,
		RequestType: m.cfg.RequestType,
		Lang:        m.cfg.Lang,
	}
	req.Signature = m.createSignature(req)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: momo responded %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var out momoCreateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode momo response: %v", ErrGatewayUnavailable, err)
	}

	if out.ResultCode != 0 || out.PayURL == "" {
		return nil, fmt.Errorf("%w: momo result %d: %s", ErrGatewayRejected, out.ResultCode, out.Message)
	}

	return &RedirectTarget{URL: out.PayURL, RequestID: req.RequestID}, nil
}

func (m *MoMo) ParseCallback(raw []byte) (*CallbackResult, error) {
	var ipn momoIPN
	if err := json.Unmarshal(raw, &ipn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	if ipn.Signature == "" || !equalSignature(ipn.Signature, m.ipnSignature(ipn)) {
		return nil, ErrSignatureMismatch
	}
	if ipn.PartnerCode != m.cfg.PartnerCode {
		return nil, fmt.Errorf("%w: unexpected partner code %q", ErrMalformedCallback, ipn.PartnerCode)
	}
	if ipn.OrderID == "" {
		return nil, fmt.Errorf("%w: missing orderId", ErrMalformedCallback)
	}

	status := domain.PaymentStatusFailed
	if ipn.ResultCode == 0 {
		status = domain.PaymentStatusPaid
	}

	return &CallbackResult{
		Method:        domain.PaymentMethodMoMo,
		OrderID:       ipn.OrderID,
		Status:        status,
		Amount:        ipn.Amount,
		TransactionID: strconv.FormatInt(ipn.TransID, 10),
		ResultCode:    strconv.Itoa(ipn.ResultCode),
		Message:       ipn.Message,
		Payload:       append(json.RawMessage(nil), raw...),
	}, nil
}

func (m *MoMo) createSignature(req momoCreateRequest) string {
	raw := "accessKey=" + m.cfg.AccessKey +
		"&amount=" + strconv.FormatInt(req.Amount, 10) +
		"&extraData=" + req.ExtraData +
		"&ipnUrl=" + req.IPNURL +
		"&orderId=" + req.OrderID +
		"&orderInfo=" + req.OrderInfo +
		"&partnerCode=" + req.PartnerCode +
		"&redirectUrl=" + req.RedirectURL +
		"&requestId=" + req.RequestID +
		"&requestType=" + req.RequestType
	return signHex(sha256.New, m.cfg.SecretKey, raw)
}

func (m *MoMo) ipnSignature(ipn momoIPN) string {
	raw := "accessKey=" + m.cfg.AccessKey +
		"&amount=" + strconv.FormatInt(ipn.Amount, 10) +
		"&extraData=" + ipn.ExtraData +
		"&message=" + ipn.Message +
		"&orderId=" + ipn.OrderID +
		"&orderInfo=" + ipn.OrderInfo +
		"&orderType=" + ipn.OrderType +
		"&partnerCode=" + ipn.PartnerCode +
		"&payType=" + ipn.PayType +
		"&requestId=" + ipn.RequestID +
		"&responseTime=" + strconv.FormatInt(ipn.ResponseTime, 10) +
		"&resultCode=" + strconv.Itoa(ipn.ResultCode) +
		"&transId=" + strconv.FormatInt(ipn.TransID, 10)
	return signHex(sha256.New, m.cfg.SecretKey, raw)
}
