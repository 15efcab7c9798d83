package payment_handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/joy095/billing/clients"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/models/subscription_models"
	"github.com/joy095/billing/utils"
)

const renewalLockTTL = 2 * time.Minute

// RenewalHandler charges stored cards for subscriptions about to run out.
type RenewalHandler struct {
	*BasePaymentHandler
	gateway clients.CardGateway
	locker  Locker
}

func NewRenewalHandler(base *BasePaymentHandler, gateway clients.CardGateway, locker Locker) *RenewalHandler {
	return &RenewalHandler{BasePaymentHandler: base, gateway: gateway, locker: locker}
}

// RenewalSummary counts what one RenewDue run did.
type RenewalSummary struct {
	Due     int `json:"due"`
	Charged int `json:"charged"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type renewalOutcome int

const (
	renewalCharged renewalOutcome = iota
	renewalPending
	renewalFailed
	renewalSkipped
)

// RenewalKey is the idempotency key of one renewal attempt. Retries get their
// own key so a failed attempt never blocks the next one.
func RenewalKey(s *subscription_models.Subscription) string {
	key := fmt.Sprintf("renewal:%s:%d", s.ID, s.CurrentPeriodEnd.Unix())
	if s.RenewalAttempts > 0 {
		key = fmt.Sprintf("%s:%d", key, s.RenewalAttempts)
	}
	return key
}

// RenewDue charges every auto-renewing subscription ending within RENEWAL_LEAD
// of now, RENEWAL_WORKERS at a time.
func (h *RenewalHandler) RenewDue(ctx context.Context, now time.Time) (RenewalSummary, error) {
	var summary RenewalSummary

	horizon := now.Add(h.cfg.RenewalLead)
	autoRenew := true
	subs, err := h.repo.ListSubscriptions(ctx, subscription_models.Filter{
		Statuses:   subscription_models.CurrentStatuses,
		EndsBefore: &horizon,
		AutoRenew:  &autoRenew,
	})
	if err != nil {
		return summary, fmt.Errorf("failed to list renewable subscriptions: %w", err)
	}

	var due []subscription_models.Subscription
	for _, s := range subs {
		if !s.HasCardOnFile() || (s.NextRetryAt != nil && s.NextRetryAt.After(now)) {
			continue
		}
		if s.Gateway != h.gateway.Name() {
			logger.WarnLogger.Warnf("Subscription %s renews through %s, not configured here", s.ID, s.Gateway)
			continue
		}
		due = append(due, s)
	}
	summary.Due = len(due)
	if len(due) == 0 {
		return summary, nil
	}

	workers := h.cfg.RenewalWorkers
	if workers < 1 {
		workers = 1
	}
	wp := workerpool.New(workers)
	var mu sync.Mutex
	for i := range due {
		sub := due[i]
		wp.Submit(func() {
			outcome := h.renew(ctx, &sub, now)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case renewalCharged:
				summary.Charged++
			case renewalPending:
				summary.Pending++
			case renewalFailed:
				summary.Failed++
			default:
				summary.Skipped++
			}
		})
	}
	wp.StopWait()

	logger.InfoLogger.Infof("Renewal run: %d due, %d charged, %d pending, %d failed, %d skipped",
		summary.Due, summary.Charged, summary.Pending, summary.Failed, summary.Skipped)
	return summary, nil
}

func (h *RenewalHandler) renew(ctx context.Context, sub *subscription_models.Subscription, now time.Time) renewalOutcome {
	release, err := h.locker.Acquire(ctx, "renewal:"+sub.ID.String(), renewalLockTTL)
	if err != nil {
		if !errors.Is(err, ErrLockHeld) {
			logger.ErrorLogger.Errorf("Renewal lock for subscription %s: %v", sub.ID, err)
		}
		return renewalSkipped
	}
	defer release()

	key := RenewalKey(sub)
	existing, err := h.repo.FindTransaction(ctx, payment_transaction_models.Lookup{UserID: sub.UserID, IdempotencyKey: key})
	switch {
	case err == nil:
		if existing.Status == payment_transaction_models.StatusPending || existing.Status == payment_transaction_models.StatusAwaiting3DS {
			return renewalPending
		}
		return renewalSkipped
	case !errors.Is(err, shared_models.ErrNotFound):
		logger.ErrorLogger.Errorf("Failed to check renewal %s: %v", key, err)
		return renewalSkipped
	}

	pkg, err := h.repo.GetPackage(ctx, sub.PackageID)
	if err != nil {
		logger.ErrorLogger.Errorf("Renewal of %s: package %s: %v", sub.ID, sub.PackageID, err)
		return renewalSkipped
	}
	price, err := Quote(pkg, sub.Period, false, false, h.cfg.VATRate, h.cfg.Currency)
	if err != nil {
		logger.ErrorLogger.Errorf("Renewal of %s: %v", sub.ID, err)
		return renewalSkipped
	}
	profile, err := h.repo.GetBillingProfile(ctx, sub.UserID)
	if err != nil {
		logger.ErrorLogger.Errorf("Renewal of %s: profile: %v", sub.ID, err)
		return renewalSkipped
	}

	t, err := payment_transaction_models.NewPaymentTransaction(sub.UserID, pkg.ID, shared_models.ChannelCard,
		payment_transaction_models.SourceRenewal, sub.Period)
	if err != nil {
		return renewalSkipped
	}
	applyPrice(t, price)
	conversationID, err := utils.NewConversationID()
	if err != nil {
		return renewalSkipped
	}
	subID := sub.ID
	expires := now.Add(h.cfg.RenewalRetryDelay)
	t.ConversationID = &conversationID
	t.IdempotencyKey = &key
	t.Gateway = sub.Gateway
	t.SubscriptionID = &subID
	t.ExpiresAt = &expires
	if _, existing, err := h.CreatePending(ctx, t); err != nil || existing {
		if err != nil {
			logger.ErrorLogger.Errorf("Failed to create renewal transaction for %s: %v", sub.ID, err)
		}
		return renewalSkipped
	}

	phone := ""
	if profile.Phone != nil {
		phone = *profile.Phone
	}
	charge, err := h.gateway.ChargeRecurring(ctx, clients.RecurringRequest{
		ConversationID:    conversationID,
		IdempotencyKey:    key,
		AmountMinor:       utils.ToMinorUnits(t.Amount),
		Currency:          t.Currency,
		Description:       fmt.Sprintf("%s renewal (%s)", pkg.Name, sub.Period),
		CardToken:         sub.CardToken,
		GatewayCustomerID: sub.GatewayCustomerID,
		CustomerEmail:     profile.Email,
		CustomerPhone:     phone,
	})
	if err != nil {
		logger.ErrorLogger.Errorf("Recurring charge for subscription %s failed: %v", sub.ID, err)
		h.failRenewal(ctx, t, "gateway unavailable")
		return renewalFailed
	}

	switch charge.Status {
	case clients.ChargeSucceeded:
		if mismatch := amountMismatch(t, charge); mismatch != "" {
			logger.ErrorLogger.Errorf("Renewal %s: %s", t.ID, mismatch)
			h.failRenewal(ctx, t, "amount mismatch")
			return renewalFailed
		}
		if _, err := h.Complete(ctx, t.ID, CompletionDetails{
			GatewayPaymentID:  charge.GatewayPaymentID,
			CardLast4:         charge.CardLast4,
			CardToken:         sub.CardToken,
			GatewayCustomerID: sub.GatewayCustomerID,
		}); err != nil {
			logger.ErrorLogger.Errorf("Failed to complete renewal %s: %v", t.ID, err)
			return renewalFailed
		}
		return renewalCharged

	case clients.ChargePending:
		if _, err := h.updateLocked(ctx, t.ID, func(_ Repository, t *payment_transaction_models.PaymentTransaction) error {
			t.GatewayReference = charge.GatewayReference
			t.GatewayPaymentID = charge.GatewayPaymentID
			return nil
		}); err != nil {
			logger.ErrorLogger.Errorf("Failed to record pending renewal %s: %v", t.ID, err)
		}
		return renewalPending

	default:
		reason := charge.ErrorMessage
		if charge.Status == clients.ChargeRequiresAction {
			reason = "card requires authentication"
		}
		if reason == "" {
			reason = "payment declined"
		}
		h.failRenewal(ctx, t, reason)
		return renewalFailed
	}
}

func (h *RenewalHandler) failRenewal(ctx context.Context, t *payment_transaction_models.PaymentTransaction, reason string) {
	if _, err := h.Fail(ctx, t.ID, reason); err != nil {
		logger.ErrorLogger.Errorf("Failed to mark renewal %s failed: %v", t.ID, err)
	}
}
