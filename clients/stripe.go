package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/joy095/billing/logger"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const stripeConversationKey = "conversation_id"

// StripeGateway implements CardGateway with PaymentIntents. 3-D Secure is
// always requested; the bank challenge comes back as a redirect URL whose
// return URL is our callback endpoint.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway creates a gateway bound to one secret key.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	return &StripeGateway{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
	}
}

func (s *StripeGateway) Name() string { return "stripe" }

func (s *StripeGateway) Initiate3DS(ctx context.Context, req ThreeDSRequest) (*ThreeDSResult, error) {
	if req.PaymentMethod == "" {
		return nil, fmt.Errorf("stripe requires a payment method id from Stripe.js")
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.PaymentMethod),
		Confirm:       stripe.Bool(true),
		ReturnURL:     stripe.String(req.CallbackURL),
		Description:   stripe.String(req.Description),
		PaymentMethodOptions: &stripe.PaymentIntentPaymentMethodOptionsParams{
			Card: &stripe.PaymentIntentPaymentMethodOptionsCardParams{
				RequestThreeDSecure: stripe.String("any"),
			},
		},
	}
	if req.CustomerEmail != "" {
		params.ReceiptEmail = stripe.String(req.CustomerEmail)
	}

	if req.SaveCard {
		customerParams := &stripe.CustomerParams{
			Email: stripe.String(req.CustomerEmail),
			Name:  stripe.String(req.CustomerName),
		}
		customerParams.Context = ctx
		customer, err := s.api.Customers.New(customerParams)
		if err != nil {
			return nil, fmt.Errorf("stripe customer error: %w", err)
		}
		params.Customer = stripe.String(customer.ID)
		params.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	}

	params.Context = ctx
	params.SetIdempotencyKey(req.ConversationID)
	params.AddMetadata(stripeConversationKey, req.ConversationID)
	params.AddExpand("payment_method")

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		if charge, ok := declinedCharge(err); ok {
			charge.ConversationID = req.ConversationID
			return &ThreeDSResult{Status: ChargeFailed, GatewayReference: charge.GatewayReference, Charge: charge, ErrorMessage: charge.ErrorMessage}, nil
		}
		return nil, fmt.Errorf("stripe error: %w", err)
	}

	charge := chargeFromIntent(pi)
	result := &ThreeDSResult{
		Status:           charge.Status,
		GatewayReference: pi.ID,
		Charge:           charge,
		ErrorMessage:     charge.ErrorMessage,
	}
	if charge.Status == ChargeRequiresAction {
		if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
			result.RedirectURL = pi.NextAction.RedirectToURL.URL
		}
		result.Checkout = map[string]any{
			"payment_intent": pi.ID,
			"client_secret":  pi.ClientSecret,
		}
	}
	return result, nil
}

// ParseCallback reads the query Stripe appends to the return URL:
// ?conversation_id=...&payment_intent=pi_...&redirect_status=...
func (s *StripeGateway) ParseCallback(r *http.Request) (*CallbackParams, error) {
	fields, err := callbackForm(r)
	if err != nil {
		return nil, fmt.Errorf("invalid stripe callback: %w", err)
	}
	params := &CallbackParams{
		ConversationID:   fields["conversation_id"],
		GatewayReference: fields["payment_intent"],
		Fields:           fields,
	}
	if params.ConversationID == "" || params.GatewayReference == "" {
		return nil, fmt.Errorf("stripe callback is missing conversation_id or payment_intent")
	}
	return params, nil
}

// Complete3DS never trusts redirect_status; it re-reads the intent.
func (s *StripeGateway) Complete3DS(ctx context.Context, params CallbackParams) (*ChargeResult, error) {
	return s.FetchPayment(ctx, params.GatewayReference)
}

func (s *StripeGateway) FetchPayment(ctx context.Context, gatewayReference string) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("payment_method")

	pi, err := s.api.PaymentIntents.Get(gatewayReference, params)
	if err != nil {
		return nil, fmt.Errorf("stripe error: %w", err)
	}
	return chargeFromIntent(pi), nil
}

func (s *StripeGateway) ChargeRecurring(ctx context.Context, req RecurringRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Customer:      stripe.String(req.GatewayCustomerID),
		PaymentMethod: stripe.String(req.CardToken),
		Description:   stripe.String(req.Description),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(stripeConversationKey, req.ConversationID)
	params.AddExpand("payment_method")

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		if charge, ok := declinedCharge(err); ok {
			charge.ConversationID = req.ConversationID
			return charge, nil
		}
		return nil, fmt.Errorf("stripe error: %w", err)
	}

	charge := chargeFromIntent(pi)
	if charge.Status == ChargeRequiresAction {
		// Off-session charges cannot complete a challenge.
		charge.Status = ChargeFailed
		charge.ErrorMessage = "card requires authentication"
	}
	return charge, nil
}

func (s *StripeGateway) ParseWebhook(body []byte, header http.Header) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(body, header.Get("Stripe-Signature"), s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		logger.WarnLogger.Warnf("Stripe webhook verification failed: %v", err)
		return nil, ErrInvalidSignature
	}

	out := &WebhookEvent{Type: string(event.Type)}
	switch out.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
	default:
		return out, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("invalid payment_intent payload: %w", err)
	}
	charge := chargeFromIntent(&pi)
	if out.Type == "payment_intent.payment_failed" {
		charge.Status = ChargeFailed
	}

	out.Status = charge.Status
	out.ConversationID = charge.ConversationID
	out.GatewayReference = pi.ID
	out.GatewayPaymentID = pi.ID
	out.AmountMinor = charge.AmountMinor
	out.Currency = charge.Currency
	out.ErrorMessage = charge.ErrorMessage
	return out, nil
}

func chargeFromIntent(pi *stripe.PaymentIntent) *ChargeResult {
	charge := &ChargeResult{
		GatewayReference: pi.ID,
		GatewayPaymentID: pi.ID,
		ConversationID:   pi.Metadata[stripeConversationKey],
		AmountMinor:      pi.Amount,
		Currency:         strings.ToUpper(string(pi.Currency)),
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		charge.Status = ChargeSucceeded
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		charge.Status = ChargeRequiresAction
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		charge.Status = ChargePending
	default:
		charge.Status = ChargeFailed
		charge.ErrorMessage = "payment was not completed"
	}
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		charge.ErrorMessage = pi.LastPaymentError.Msg
	}

	if pi.PaymentMethod != nil {
		charge.CardToken = pi.PaymentMethod.ID
		if pi.PaymentMethod.Card != nil {
			charge.CardLast4 = pi.PaymentMethod.Card.Last4
		}
	}
	if pi.Customer != nil {
		charge.GatewayCustomerID = pi.Customer.ID
	}
	return charge
}

// declinedCharge turns a card error into a failed charge instead of a transport error.
func declinedCharge(err error) (*ChargeResult, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) || stripeErr.Type != stripe.ErrorTypeCard {
		return nil, false
	}
	charge := &ChargeResult{Status: ChargeFailed, ErrorMessage: stripeErr.Msg}
	if stripeErr.PaymentIntent != nil {
		charge.GatewayReference = stripeErr.PaymentIntent.ID
		charge.GatewayPaymentID = stripeErr.PaymentIntent.ID
	}
	return charge, true
}
