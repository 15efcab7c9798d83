package clients

import (
	"context"
	"errors"
	"net/http"
)

// ChargeStatus is the gateway-neutral outcome of a card operation.
type ChargeStatus string

const (
	ChargeSucceeded      ChargeStatus = "succeeded"
	ChargeFailed         ChargeStatus = "failed"
	ChargePending        ChargeStatus = "pending"
	ChargeRequiresAction ChargeStatus = "requires_action"
)

// ErrInvalidSignature is returned when a callback or webhook fails verification.
var ErrInvalidSignature = errors.New("invalid gateway signature")

// ThreeDSRequest starts a 3-D Secure card payment. Amounts are in minor units.
type ThreeDSRequest struct {
	ConversationID string
	AmountMinor    int64
	Currency       string
	Description    string
	PaymentMethod  string // gateway payment method / card token from the client SDK
	CustomerEmail  string
	CustomerName   string
	CustomerPhone  string
	CallbackURL    string
	SaveCard       bool
}

// ThreeDSResult is what the client needs to continue a card payment.
type ThreeDSResult struct {
	Status           ChargeStatus
	GatewayReference string // payment intent / order id known before the callback
	RedirectURL      string
	Checkout         map[string]any // payload for the gateway's client SDK
	Charge           *ChargeResult  // set when the payment settled without a challenge
	ErrorMessage     string
}

// CallbackParams are the fields a gateway returns to the 3DS callback URL.
type CallbackParams struct {
	ConversationID   string
	GatewayReference string
	GatewayPaymentID string
	Signature        string
	Fields           map[string]string
}

// ChargeResult is the verified state of a payment at the gateway.
type ChargeResult struct {
	Status            ChargeStatus
	GatewayReference  string
	GatewayPaymentID  string
	ConversationID    string
	AmountMinor       int64
	Currency          string
	CardToken         string
	GatewayCustomerID string
	CardLast4         string
	ErrorMessage      string
}

// RecurringRequest charges a stored card without the customer present.
type RecurringRequest struct {
	ConversationID    string
	IdempotencyKey    string
	AmountMinor       int64
	Currency          string
	Description       string
	CardToken         string
	GatewayCustomerID string
	CustomerEmail     string
	CustomerPhone     string
}

// WebhookEvent is a verified, gateway-neutral asynchronous notification.
type WebhookEvent struct {
	Type             string
	Status           ChargeStatus // empty for events billing does not act on
	ConversationID   string
	GatewayReference string
	GatewayPaymentID string
	AmountMinor      int64
	Currency         string
	ErrorMessage     string
}

// CardGateway is implemented by every card / recurring-payment processor.
type CardGateway interface {
	Name() string
	Initiate3DS(ctx context.Context, req ThreeDSRequest) (*ThreeDSResult, error)
	ParseCallback(r *http.Request) (*CallbackParams, error)
	Complete3DS(ctx context.Context, params CallbackParams) (*ChargeResult, error)
	FetchPayment(ctx context.Context, gatewayReference string) (*ChargeResult, error)
	ChargeRecurring(ctx context.Context, req RecurringRequest) (*ChargeResult, error)
	ParseWebhook(body []byte, header http.Header) (*WebhookEvent, error)
}

// callbackForm merges query string and POST form values.
func callbackForm(r *http.Request) (map[string]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(r.Form))
	for k, v := range r.Form {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return fields, nil
}
