// Package payment adapts the external payment gateways (MoMo, VNPay) to one
// capability: build a signed payer redirect for an order, and verify and
// parse the gateway's callback. Callers select an adapter by payment method
// and never look at gateway specific fields.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/joao-fontenele/storefront-checkout/internal/domain"
)

var (
	ErrSignatureMismatch  = errors.New("signature verification failed")
	ErrMalformedCallback  = errors.New("malformed callback")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected request")
	ErrUnsupportedMethod  = errors.New("unsupported payment method")
)

// RedirectTarget is where the payer's browser is sent to complete payment.
type RedirectTarget struct {
	URL       string `json:"url"`
	RequestID string `json:"request_id,omitempty"`
}

// CallbackResult is a verified gateway notification. Only adapters construct
// it, after the signature has been checked.
type CallbackResult struct {
	Method        domain.PaymentMethod
	OrderID       string
	Status        domain.PaymentStatus
	Amount        int64
	TransactionID string
	ResultCode    string
	Message       string
	Payload       json.RawMessage
}

type Adapter interface {
	Method() domain.PaymentMethod
	BuildRequest(ctx context.Context, order *domain.Order, clientIP string) (*RedirectTarget, error)
	ParseCallback(raw []byte) (*CallbackResult, error)
}

type Registry struct {
	adapters map[domain.PaymentMethod]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.PaymentMethod]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Method()] = a
	}
	return r
}

func (r *Registry) Get(method domain.PaymentMethod) (Adapter, error) {
	a, ok := r.adapters[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return a, nil
}

func (r *Registry) Supports(method domain.PaymentMethod) bool {
	_, ok := r.adapters[method]
	return ok
}

// Methods lists the enabled gateways in a stable order.
func (r *Registry) Methods() []domain.PaymentMethod {
	methods := make([]domain.PaymentMethod, 0, len(r.adapters))
	for m := range r.adapters {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}
