package payment_handlers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joy095/billing/clients"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/utils"
)

const callbackLockTTL = 30 * time.Second

// CardHandler runs card checkouts through a CardGateway, including the 3-D
// Secure round trip and asynchronous webhooks.
type CardHandler struct {
	*BasePaymentHandler
	gateway clients.CardGateway
	locker  Locker
}

func NewCardHandler(base *BasePaymentHandler, gateway clients.CardGateway, locker Locker) *CardHandler {
	return &CardHandler{BasePaymentHandler: base, gateway: gateway, locker: locker}
}

// Gateway returns the card gateway checkouts are sent to.
func (h *CardHandler) Gateway() clients.CardGateway { return h.gateway }

func (h *CardHandler) Locker() Locker { return h.locker }

type CardCheckoutRequest struct {
	CheckoutRequest
	PaymentMethod string
	SaveCard      bool
}

type CardCheckoutResult struct {
	Transaction  *payment_transaction_models.PaymentTransaction `json:"transaction"`
	Status       string                                         `json:"status"`
	RedirectURL  string                                         `json:"redirect_url,omitempty"`
	Checkout     map[string]any                                 `json:"checkout,omitempty"`
	ErrorMessage string                                         `json:"error_message,omitempty"`
	Existing     bool                                           `json:"existing"`
}

// Initiate creates a pending card transaction and starts 3-D Secure at the gateway.
func (h *CardHandler) Initiate(ctx context.Context, req CardCheckoutRequest) (*CardCheckoutResult, error) {
	req.Channel = shared_models.ChannelCard
	prep, err := h.PrepareCheckout(ctx, req.CheckoutRequest)
	if err != nil {
		return nil, err
	}
	if prep.Existing {
		return replayResult(prep.Transaction), nil
	}

	t := prep.Transaction
	conversationID, err := utils.NewConversationID()
	if err != nil {
		return nil, err
	}
	expires := h.now().Add(h.cfg.ThreeDSTTL)
	t.ConversationID = &conversationID
	t.Gateway = h.gateway.Name()
	t.SaveCard = req.SaveCard
	t.ExpiresAt = &expires
	stored, existing, err := h.CreatePending(ctx, t)
	if err != nil {
		return nil, err
	}
	if existing {
		return replayResult(stored), nil
	}

	phone := ""
	if prep.Profile.Phone != nil {
		phone = *prep.Profile.Phone
	}
	res, err := h.gateway.Initiate3DS(ctx, clients.ThreeDSRequest{
		ConversationID: conversationID,
		AmountMinor:    utils.ToMinorUnits(t.Amount),
		Currency:       t.Currency,
		Description:    fmt.Sprintf("%s (%s)", prep.Package.Name, t.Period),
		PaymentMethod:  req.PaymentMethod,
		CustomerEmail:  prep.Profile.Email,
		CustomerName:   prep.Profile.FullName,
		CustomerPhone:  phone,
		CallbackURL:    h.CallbackURL(conversationID),
		SaveCard:       req.SaveCard,
	})
	if err != nil {
		logger.ErrorLogger.Errorf("Gateway %s failed to start payment %s: %v", h.gateway.Name(), t.ID, err)
		if _, failErr := h.Fail(ctx, t.ID, "gateway unavailable"); failErr != nil {
			logger.ErrorLogger.Errorf("Failed to mark payment %s failed: %v", t.ID, failErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	switch res.Status {
	case clients.ChargeRequiresAction:
		t, err = h.updateLocked(ctx, t.ID, func(_ Repository, t *payment_transaction_models.PaymentTransaction) error {
			t.GatewayReference = res.GatewayReference
			t.RedirectURL = res.RedirectURL
			t.Checkout = res.Checkout
			return t.TransitionTo(payment_transaction_models.StatusAwaiting3DS)
		})
		if err != nil {
			return nil, err
		}
		return &CardCheckoutResult{Transaction: t, Status: t.Status, RedirectURL: res.RedirectURL, Checkout: res.Checkout}, nil

	case clients.ChargeSucceeded, clients.ChargeFailed, clients.ChargePending:
		if err := h.setGatewayReference(ctx, t, res.GatewayReference); err != nil {
			return nil, err
		}
		charge := res.Charge
		if charge == nil {
			charge = &clients.ChargeResult{Status: res.Status, GatewayReference: res.GatewayReference, ErrorMessage: res.ErrorMessage}
		}
		t, err = h.applyCharge(ctx, t, charge)
		if err != nil {
			return nil, err
		}
		return &CardCheckoutResult{Transaction: t, Status: t.Status, ErrorMessage: t.ErrorMessage}, nil

	default:
		return nil, fmt.Errorf("gateway returned unknown status %q", res.Status)
	}
}

// replayResult answers a repeated checkout. A transaction still waiting on
// 3-D Secure carries its redirect so the client can resume the challenge.
func replayResult(t *payment_transaction_models.PaymentTransaction) *CardCheckoutResult {
	res := &CardCheckoutResult{Transaction: t, Status: t.Status, ErrorMessage: t.ErrorMessage, Existing: true}
	if t.Status == payment_transaction_models.StatusAwaiting3DS {
		res.RedirectURL = t.RedirectURL
		res.Checkout = t.Checkout
	}
	return res
}

// CallbackURL is where the gateway sends the browser after the bank challenge.
func (h *CardHandler) CallbackURL(conversationID string) string {
	return strings.TrimRight(h.cfg.PublicAPIURL, "/") + "/payments/card/callback?conversation_id=" + url.QueryEscape(conversationID)
}

func (h *CardHandler) setGatewayReference(ctx context.Context, t *payment_transaction_models.PaymentTransaction, ref string) error {
	if ref == "" || ref == t.GatewayReference {
		return nil
	}
	updated, err := h.updateLocked(ctx, t.ID, func(_ Repository, t *payment_transaction_models.PaymentTransaction) error {
		t.GatewayReference = ref
		return nil
	})
	if err != nil {
		return err
	}
	*t = *updated
	return nil
}

// HandleCallback finishes a 3-D Secure round trip. Repeated callbacks for a
// completed transaction succeed without charging again.
func (h *CardHandler) HandleCallback(ctx context.Context, params clients.CallbackParams) (*payment_transaction_models.PaymentTransaction, error) {
	release, err := h.locker.Acquire(ctx, "callback:"+params.ConversationID, callbackLockTTL)
	if errors.Is(err, ErrLockHeld) {
		// another callback or webhook is settling it; report which payment
		t, findErr := h.repo.FindTransaction(ctx, payment_transaction_models.Lookup{ConversationID: params.ConversationID})
		if findErr != nil {
			return nil, err
		}
		return t, err
	}
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := h.repo.FindTransaction(ctx, payment_transaction_models.Lookup{ConversationID: params.ConversationID})
	if errors.Is(err, shared_models.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case payment_transaction_models.StatusCompleted:
		logger.InfoLogger.Infof("Duplicate 3DS callback for completed payment %s", t.ID)
		return t, nil
	case payment_transaction_models.StatusFailed, payment_transaction_models.StatusCancelled, payment_transaction_models.StatusExpired:
		return t, ErrTransactionClosed
	}
	if t.Gateway != h.gateway.Name() {
		return t, ErrGatewayMismatch
	}

	charge, err := h.gateway.Complete3DS(ctx, params)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			logger.WarnLogger.Warnf("Rejected 3DS callback with bad signature for payment %s", t.ID)
			return t, err
		}
		logger.ErrorLogger.Errorf("Gateway %s failed to complete 3DS for %s: %v", h.gateway.Name(), t.ID, err)
		return t, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if charge.GatewayReference != "" && t.GatewayReference != "" && charge.GatewayReference != t.GatewayReference {
		logger.WarnLogger.Warnf("3DS callback for payment %s points at gateway reference %s, expected %s", t.ID, charge.GatewayReference, t.GatewayReference)
		return t, ErrInvalidSignature
	}
	return h.applyCharge(ctx, t, charge)
}

// HandleWebhook reconciles an asynchronous gateway event. Events for unknown
// transactions return ErrTransactionNotFound.
func (h *CardHandler) HandleWebhook(ctx context.Context, event *clients.WebhookEvent) (*payment_transaction_models.PaymentTransaction, error) {
	if event.Status == "" {
		return nil, nil
	}

	t, err := h.findForEvent(ctx, event)
	if err != nil {
		return nil, err
	}

	lockKey := "callback:" + t.ID.String()
	if t.ConversationID != nil {
		lockKey = "callback:" + *t.ConversationID
	}
	release, err := h.locker.Acquire(ctx, lockKey, callbackLockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	// re-read under the lock
	if t, err = h.repo.GetTransaction(ctx, t.ID); err != nil {
		return nil, err
	}
	switch t.Status {
	case payment_transaction_models.StatusCompleted:
		return t, nil
	case payment_transaction_models.StatusFailed, payment_transaction_models.StatusCancelled, payment_transaction_models.StatusExpired:
		if event.Status == clients.ChargeSucceeded {
			logger.ErrorLogger.Errorf("Gateway reports money captured for closed payment %s (%s); refund or complete manually", t.ID, t.Status)
		}
		return t, ErrTransactionClosed
	}

	return h.applyCharge(ctx, t, &clients.ChargeResult{
		Status:           event.Status,
		GatewayReference: event.GatewayReference,
		GatewayPaymentID: event.GatewayPaymentID,
		ConversationID:   event.ConversationID,
		AmountMinor:      event.AmountMinor,
		Currency:         event.Currency,
		ErrorMessage:     event.ErrorMessage,
	})
}

func (h *CardHandler) findForEvent(ctx context.Context, event *clients.WebhookEvent) (*payment_transaction_models.PaymentTransaction, error) {
	var lookups []payment_transaction_models.Lookup
	if event.ConversationID != "" {
		lookups = append(lookups, payment_transaction_models.Lookup{ConversationID: event.ConversationID})
	}
	if event.GatewayReference != "" {
		lookups = append(lookups, payment_transaction_models.Lookup{GatewayReference: event.GatewayReference})
	}
	for _, l := range lookups {
		t, err := h.repo.FindTransaction(ctx, l)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, shared_models.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrTransactionNotFound
}

// Sync refreshes a card transaction that has waited on 3-D Secure longer than
// STALE_SYNC_AFTER by asking the gateway.
func (h *CardHandler) Sync(ctx context.Context, t *payment_transaction_models.PaymentTransaction) (*payment_transaction_models.PaymentTransaction, error) {
	if t.Channel != shared_models.ChannelCard || t.GatewayReference == "" || t.Gateway != h.gateway.Name() {
		return t, nil
	}
	if t.Status != payment_transaction_models.StatusAwaiting3DS && t.Status != payment_transaction_models.StatusPending {
		return t, nil
	}
	if h.now().Sub(t.UpdatedAt) < h.cfg.StaleSyncAfter {
		return t, nil
	}

	lockKey := "callback:" + t.ID.String()
	if t.ConversationID != nil {
		lockKey = "callback:" + *t.ConversationID
	}
	release, err := h.locker.Acquire(ctx, lockKey, callbackLockTTL)
	if errors.Is(err, ErrLockHeld) {
		// a callback is being processed right now
		return t, nil
	}
	if err != nil {
		return t, err
	}
	defer release()

	charge, err := h.gateway.FetchPayment(ctx, t.GatewayReference)
	if err != nil {
		logger.WarnLogger.Warnf("Could not sync payment %s with %s: %v", t.ID, h.gateway.Name(), err)
		return t, nil
	}
	if charge.Status == clients.ChargeRequiresAction || charge.Status == clients.ChargePending {
		return t, nil
	}

	fresh, err := h.repo.GetTransaction(ctx, t.ID)
	if err != nil {
		return t, err
	}
	if payment_transaction_models.IsTerminal(fresh.Status) {
		return fresh, nil
	}
	logger.InfoLogger.Infof("Syncing stale payment %s: gateway says %s", t.ID, charge.Status)
	return h.applyCharge(ctx, fresh, charge)
}

// applyCharge moves a transaction according to a verified gateway result. On
// error it returns t as loaded, so callers always have the payment to report.
func (h *CardHandler) applyCharge(ctx context.Context, t *payment_transaction_models.PaymentTransaction, charge *clients.ChargeResult) (*payment_transaction_models.PaymentTransaction, error) {
	updated, err := h.recordCharge(ctx, t, charge)
	if err != nil {
		return t, err
	}
	return updated, nil
}

func (h *CardHandler) recordCharge(ctx context.Context, t *payment_transaction_models.PaymentTransaction, charge *clients.ChargeResult) (*payment_transaction_models.PaymentTransaction, error) {
	switch charge.Status {
	case clients.ChargeSucceeded:
		if mismatch := amountMismatch(t, charge); mismatch != "" {
			logger.ErrorLogger.Errorf("Payment %s: %s", t.ID, mismatch)
			return h.Fail(ctx, t.ID, "amount mismatch")
		}
		details := CompletionDetails{GatewayPaymentID: charge.GatewayPaymentID, CardLast4: charge.CardLast4}
		if t.SaveCard || t.Source == payment_transaction_models.SourceRenewal {
			details.CardToken = charge.CardToken
			details.GatewayCustomerID = charge.GatewayCustomerID
		}
		res, err := h.Complete(ctx, t.ID, details)
		if err != nil {
			return nil, err
		}
		return res.Transaction, nil

	case clients.ChargeFailed:
		reason := charge.ErrorMessage
		if reason == "" {
			reason = "payment declined"
		}
		return h.Fail(ctx, t.ID, reason)

	default:
		// still with the bank or the gateway; a callback or webhook will follow
		return h.updateLocked(ctx, t.ID, func(_ Repository, t *payment_transaction_models.PaymentTransaction) error {
			if charge.GatewayPaymentID != "" {
				t.GatewayPaymentID = charge.GatewayPaymentID
			}
			if charge.GatewayReference != "" && t.GatewayReference == "" {
				t.GatewayReference = charge.GatewayReference
			}
			if t.Status == payment_transaction_models.StatusPending && charge.Status == clients.ChargeRequiresAction {
				return t.TransitionTo(payment_transaction_models.StatusAwaiting3DS)
			}
			return nil
		})
	}
}

func amountMismatch(t *payment_transaction_models.PaymentTransaction, charge *clients.ChargeResult) string {
	if charge.AmountMinor != 0 && charge.AmountMinor != utils.ToMinorUnits(t.Amount) {
		return fmt.Sprintf("gateway charged %d minor units, expected %d", charge.AmountMinor, utils.ToMinorUnits(t.Amount))
	}
	if charge.Currency != "" && !strings.EqualFold(charge.Currency, t.Currency) {
		return fmt.Sprintf("gateway charged in %s, expected %s", charge.Currency, t.Currency)
	}
	return ""
}
