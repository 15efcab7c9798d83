package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/joy095/billing/logger"
	"github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
)

// RazorpayAPI is the slice of the Razorpay SDK the gateway uses.
// It exists so tests can replace the HTTP-backed SDK.
type RazorpayAPI interface {
	CreateOrder(data map[string]interface{}) (map[string]interface{}, error)
	CreateCustomer(data map[string]interface{}) (map[string]interface{}, error)
	FetchPayment(paymentID string, query map[string]interface{}) (map[string]interface{}, error)
	OrderPayments(orderID string) (map[string]interface{}, error)
	CreateRecurringPayment(data map[string]interface{}) (map[string]interface{}, error)
}

// RazorpayClient implements RazorpayAPI using the actual Razorpay SDK.
type RazorpayClient struct {
	Client *razorpay.Client
}

// NewRazorpayClient initializes the underlying Razorpay SDK client with the provided key ID and secret.
func NewRazorpayClient(keyID, keySecret string) *RazorpayClient {
	return &RazorpayClient{Client: razorpay.NewClient(keyID, keySecret)}
}

func (r *RazorpayClient) CreateOrder(data map[string]interface{}) (map[string]interface{}, error) {
	return r.Client.Order.Create(data, nil)
}

func (r *RazorpayClient) CreateCustomer(data map[string]interface{}) (map[string]interface{}, error) {
	return r.Client.Customer.Create(data, nil)
}

func (r *RazorpayClient) FetchPayment(paymentID string, query map[string]interface{}) (map[string]interface{}, error) {
	return r.Client.Payment.Fetch(paymentID, query, nil)
}

func (r *RazorpayClient) OrderPayments(orderID string) (map[string]interface{}, error) {
	return r.Client.Order.Payments(orderID, nil, nil)
}

func (r *RazorpayClient) CreateRecurringPayment(data map[string]interface{}) (map[string]interface{}, error) {
	return r.Client.Payment.CreateRecurringPayment(data, nil)
}

// RazorpayGateway implements CardGateway on Razorpay orders. The bank
// challenge happens inside Razorpay Checkout, which posts the signed result to
// our callback URL.
type RazorpayGateway struct {
	api           RazorpayAPI
	keyID         string
	keySecret     string
	webhookSecret string
}

// NewRazorpayGateway wires the gateway to the SDK client.
func NewRazorpayGateway(keyID, keySecret, webhookSecret string) *RazorpayGateway {
	return NewRazorpayGatewayWithAPI(NewRazorpayClient(keyID, keySecret), keyID, keySecret, webhookSecret)
}

// NewRazorpayGatewayWithAPI lets callers supply their own RazorpayAPI.
func NewRazorpayGatewayWithAPI(api RazorpayAPI, keyID, keySecret, webhookSecret string) *RazorpayGateway {
	return &RazorpayGateway{api: api, keyID: keyID, keySecret: keySecret, webhookSecret: webhookSecret}
}

func (g *RazorpayGateway) Name() string { return "razorpay" }

func (g *RazorpayGateway) Initiate3DS(ctx context.Context, req ThreeDSRequest) (*ThreeDSResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	orderData := map[string]interface{}{
		"amount":          req.AmountMinor,
		"currency":        strings.ToUpper(req.Currency),
		"receipt":         req.ConversationID,
		"payment_capture": 1,
		"notes":           map[string]interface{}{"conversation_id": req.ConversationID},
	}

	var customerID string
	if req.SaveCard {
		customer, err := g.api.CreateCustomer(map[string]interface{}{
			"name":          req.CustomerName,
			"email":         req.CustomerEmail,
			"contact":       req.CustomerPhone,
			"fail_existing": "0",
		})
		if err != nil {
			return nil, fmt.Errorf("razorpay customer error: %w", err)
		}
		customerID = stringField(customer, "id")
		orderData["customer_id"] = customerID
	}

	order, err := g.api.CreateOrder(orderData)
	if err != nil {
		return nil, fmt.Errorf("razorpay order error: %w", err)
	}
	orderID := stringField(order, "id")
	if orderID == "" {
		return nil, fmt.Errorf("razorpay order response has no id")
	}

	checkout := map[string]any{
		"key":          g.keyID,
		"order_id":     orderID,
		"amount":       req.AmountMinor,
		"currency":     strings.ToUpper(req.Currency),
		"description":  req.Description,
		"callback_url": req.CallbackURL,
		"redirect":     true,
		"prefill": map[string]string{
			"name":    req.CustomerName,
			"email":   req.CustomerEmail,
			"contact": req.CustomerPhone,
		},
	}
	if customerID != "" {
		checkout["customer_id"] = customerID
		checkout["save"] = 1
	}

	return &ThreeDSResult{
		Status:           ChargeRequiresAction,
		GatewayReference: orderID,
		Checkout:         checkout,
	}, nil
}

// ParseCallback reads the fields Razorpay Checkout posts to callback_url.
func (g *RazorpayGateway) ParseCallback(r *http.Request) (*CallbackParams, error) {
	fields, err := callbackForm(r)
	if err != nil {
		return nil, fmt.Errorf("invalid razorpay callback: %w", err)
	}

	params := &CallbackParams{
		ConversationID:   fields["conversation_id"],
		GatewayReference: fields["razorpay_order_id"],
		GatewayPaymentID: fields["razorpay_payment_id"],
		Signature:        fields["razorpay_signature"],
		Fields:           fields,
	}
	if params.GatewayReference == "" {
		// Failed checkouts post error[metadata] as JSON instead of the order id.
		var meta struct {
			OrderID   string `json:"order_id"`
			PaymentID string `json:"payment_id"`
		}
		if raw := fields["error[metadata]"]; raw != "" && json.Unmarshal([]byte(raw), &meta) == nil {
			params.GatewayReference = meta.OrderID
			params.GatewayPaymentID = meta.PaymentID
		}
	}
	if params.ConversationID == "" {
		return nil, fmt.Errorf("razorpay callback is missing conversation_id")
	}
	return params, nil
}

// Complete3DS settles a Checkout callback. Unsigned callbacks, which Checkout
// posts when a payment attempt errors, only report what Razorpay itself says
// about the order.
func (g *RazorpayGateway) Complete3DS(ctx context.Context, params CallbackParams) (*ChargeResult, error) {
	if params.Signature == "" {
		return g.unsignedCallback(ctx, params)
	}

	if !g.VerifyPaymentSignature(params.GatewayReference, params.GatewayPaymentID, params.Signature) {
		logger.WarnLogger.Warnf("Razorpay signature mismatch for order %s", params.GatewayReference)
		return nil, ErrInvalidSignature
	}

	charge, err := g.fetchPaymentByID(ctx, params.GatewayPaymentID)
	if err != nil {
		return nil, err
	}
	if charge.ConversationID == "" {
		charge.ConversationID = params.ConversationID
	}
	return charge, nil
}

func (g *RazorpayGateway) unsignedCallback(ctx context.Context, params CallbackParams) (*ChargeResult, error) {
	pending := &ChargeResult{Status: ChargePending, GatewayReference: params.GatewayReference, ConversationID: params.ConversationID}
	if params.GatewayReference == "" {
		return pending, nil
	}
	charge, err := g.FetchPayment(ctx, params.GatewayReference)
	if err != nil {
		return nil, err
	}
	if charge.Status != ChargeFailed && charge.Status != ChargeSucceeded {
		logger.WarnLogger.Warnf("Unsigned Razorpay callback for order %s (%s) not confirmed by the gateway", params.GatewayReference, params.Fields["error[description]"])
		return pending, nil
	}
	if charge.ConversationID == "" {
		charge.ConversationID = params.ConversationID
	}
	return charge, nil
}

// FetchPayment resolves an order id to the state of its latest payment.
func (g *RazorpayGateway) FetchPayment(ctx context.Context, gatewayReference string) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := g.api.OrderPayments(gatewayReference)
	if err != nil {
		return nil, fmt.Errorf("razorpay order payments error: %w", err)
	}
	items, _ := resp["items"].([]interface{})

	var latest map[string]interface{}
	for _, item := range items {
		p, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if latest == nil || numberField(p, "created_at") > numberField(latest, "created_at") {
			latest = p
		}
		if stringField(p, "status") == "captured" {
			latest = p
			break
		}
	}
	if latest == nil {
		return &ChargeResult{Status: ChargePending, GatewayReference: gatewayReference}, nil
	}
	return g.fetchPaymentByID(ctx, stringField(latest, "id"))
}

func (g *RazorpayGateway) fetchPaymentByID(ctx context.Context, paymentID string) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payment, err := g.api.FetchPayment(paymentID, map[string]interface{}{"expand[]": "card"})
	if err != nil {
		return nil, fmt.Errorf("razorpay payment fetch error: %w", err)
	}
	return chargeFromPayment(payment), nil
}

func (g *RazorpayGateway) ChargeRecurring(ctx context.Context, req RecurringRequest) (*ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	order, err := g.api.CreateOrder(map[string]interface{}{
		"amount":          req.AmountMinor,
		"currency":        strings.ToUpper(req.Currency),
		"receipt":         req.ConversationID,
		"payment_capture": 1,
		"customer_id":     req.GatewayCustomerID,
		"notes": map[string]interface{}{
			"conversation_id": req.ConversationID,
			"idempotency_key": req.IdempotencyKey,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("razorpay order error: %w", err)
	}
	orderID := stringField(order, "id")

	resp, err := g.api.CreateRecurringPayment(map[string]interface{}{
		"email":       req.CustomerEmail,
		"contact":     req.CustomerPhone,
		"amount":      req.AmountMinor,
		"currency":    strings.ToUpper(req.Currency),
		"order_id":    orderID,
		"customer_id": req.GatewayCustomerID,
		"token":       req.CardToken,
		"recurring":   "1",
		"description": req.Description,
		"notes":       map[string]interface{}{"conversation_id": req.ConversationID},
	})
	if err != nil {
		return &ChargeResult{
			Status:           ChargeFailed,
			GatewayReference: orderID,
			ConversationID:   req.ConversationID,
			ErrorMessage:     err.Error(),
		}, nil
	}

	// Razorpay settles recurring debits asynchronously; the webhook finishes them.
	return &ChargeResult{
		Status:            ChargePending,
		GatewayReference:  orderID,
		GatewayPaymentID:  stringField(resp, "razorpay_payment_id"),
		ConversationID:    req.ConversationID,
		AmountMinor:       req.AmountMinor,
		Currency:          strings.ToUpper(req.Currency),
		CardToken:         req.CardToken,
		GatewayCustomerID: req.GatewayCustomerID,
	}, nil
}

func (g *RazorpayGateway) ParseWebhook(body []byte, header http.Header) (*WebhookEvent, error) {
	signature := header.Get("X-Razorpay-Signature")
	if signature == "" || !utils.VerifyWebhookSignature(string(body), signature, g.webhookSecret) {
		return nil, ErrInvalidSignature
	}

	var envelope struct {
		Event   string `json:"event"`
		Payload struct {
			Payment struct {
				Entity map[string]interface{} `json:"entity"`
			} `json:"payment"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("invalid razorpay webhook payload: %w", err)
	}

	event := &WebhookEvent{Type: envelope.Event}
	switch envelope.Event {
	case "payment.captured", "payment.failed":
	default:
		return event, nil
	}

	charge := chargeFromPayment(envelope.Payload.Payment.Entity)
	event.Status = charge.Status
	event.ConversationID = charge.ConversationID
	event.GatewayReference = charge.GatewayReference
	event.GatewayPaymentID = charge.GatewayPaymentID
	event.AmountMinor = charge.AmountMinor
	event.Currency = charge.Currency
	event.ErrorMessage = charge.ErrorMessage
	return event, nil
}

// VerifyPaymentSignature checks the checkout signature over order_id|payment_id.
func (g *RazorpayGateway) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return utils.VerifyPaymentSignature(map[string]interface{}{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": paymentID,
	}, signature, g.keySecret)
}

func chargeFromPayment(p map[string]interface{}) *ChargeResult {
	charge := &ChargeResult{
		GatewayReference:  stringField(p, "order_id"),
		GatewayPaymentID:  stringField(p, "id"),
		AmountMinor:       int64(numberField(p, "amount")),
		Currency:          strings.ToUpper(stringField(p, "currency")),
		CardToken:         stringField(p, "token_id"),
		GatewayCustomerID: stringField(p, "customer_id"),
	}
	if notes, ok := p["notes"].(map[string]interface{}); ok {
		charge.ConversationID = stringField(notes, "conversation_id")
	}
	if card, ok := p["card"].(map[string]interface{}); ok {
		charge.CardLast4 = stringField(card, "last4")
	}

	switch stringField(p, "status") {
	case "captured":
		charge.Status = ChargeSucceeded
	case "failed":
		charge.Status = ChargeFailed
		charge.ErrorMessage = stringField(p, "error_description")
		if charge.ErrorMessage == "" {
			charge.ErrorMessage = "payment failed"
		}
	default:
		// created / authorized: auto-capture has not happened yet
		charge.Status = ChargePending
	}
	return charge
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func numberField(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}
