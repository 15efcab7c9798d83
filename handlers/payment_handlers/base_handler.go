// handlers/payment_handlers/base_handler.go
package payment_handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joy095/billing/config"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/models/subscription_models"
	"github.com/joy095/billing/models/user_models"
)

// BasePaymentHandler holds the rules every payment channel shares: pricing,
// idempotency, completion and subscription scheduling.
type BasePaymentHandler struct {
	repo     Repository
	cfg      *config.PaymentConfig
	notifier Notifier
	now      func() time.Time
}

func NewBasePaymentHandler(repo Repository, cfg *config.PaymentConfig, notifier Notifier) *BasePaymentHandler {
	return &BasePaymentHandler{repo: repo, cfg: cfg, notifier: notifier, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces time.Now, for tests and replays.
func (h *BasePaymentHandler) SetClock(now func() time.Time) { h.now = now }

func (h *BasePaymentHandler) Repository() Repository        { return h.repo }
func (h *BasePaymentHandler) Config() *config.PaymentConfig { return h.cfg }

// CheckoutRequest is what a user asks to buy.
type CheckoutRequest struct {
	UserID         uuid.UUID
	PackageID      uuid.UUID
	Period         string
	Trial          bool
	Channel        string
	IdempotencyKey string
}

// PreparedCheckout is a priced, not yet stored transaction, or the stored one
// when the idempotency key was seen before (Existing).
type PreparedCheckout struct {
	Package     *package_models.Package
	Profile     *user_models.BillingProfile
	Price       Price
	Transaction *payment_transaction_models.PaymentTransaction
	Existing    bool
}

// CompletionDetails carry what the gateway told us about a successful payment.
type CompletionDetails struct {
	GatewayPaymentID  string
	CardLast4         string
	CardToken         string
	GatewayCustomerID string
}

// CompletionResult reports the completed transaction and the subscription it paid for.
type CompletionResult struct {
	Transaction      *payment_transaction_models.PaymentTransaction `json:"transaction"`
	Subscription     *subscription_models.Subscription              `json:"subscription,omitempty"`
	AlreadyProcessed bool                                           `json:"already_processed"`
}

func (h *BasePaymentHandler) getPackage(ctx context.Context, id uuid.UUID) (*package_models.Package, error) {
	pkg, err := h.repo.GetPackage(ctx, id)
	if errors.Is(err, shared_models.ErrNotFound) {
		return nil, ErrPackageNotFound
	}
	return pkg, err
}

// TrialEligible reports whether the user may still buy a trial: no trial
// ever used and no current subscription.
func (h *BasePaymentHandler) TrialEligible(ctx context.Context, r Repository, userID uuid.UUID) (bool, error) {
	used, err := r.HasUsedTrial(ctx, userID)
	if err != nil {
		return false, err
	}
	if used {
		return false, nil
	}
	current, err := r.GetCurrentSubscription(ctx, userID)
	switch {
	case errors.Is(err, shared_models.ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	}
	return !current.IsCurrent(h.now()), nil
}

// QuoteFor prices a package for a user, including trial eligibility.
func (h *BasePaymentHandler) QuoteFor(ctx context.Context, userID, packageID uuid.UUID, period string, trial bool) (*package_models.Package, Price, error) {
	pkg, err := h.getPackage(ctx, packageID)
	if err != nil {
		return nil, Price{}, err
	}
	if !pkg.IsActive {
		return nil, Price{}, ErrPackageInactive
	}

	eligible := false
	if trial {
		if eligible, err = h.TrialEligible(ctx, h.repo, userID); err != nil {
			return nil, Price{}, err
		}
	}
	price, err := Quote(pkg, period, trial, eligible, h.cfg.VATRate, h.cfg.Currency)
	if err != nil {
		return nil, Price{}, err
	}
	return pkg, price, nil
}

// PrepareCheckout validates and prices a checkout and resolves its idempotency key.
func (h *BasePaymentHandler) PrepareCheckout(ctx context.Context, req CheckoutRequest) (*PreparedCheckout, error) {
	if req.IdempotencyKey != "" {
		existing, err := h.repo.FindTransaction(ctx, payment_transaction_models.Lookup{UserID: req.UserID, IdempotencyKey: req.IdempotencyKey})
		switch {
		case err == nil:
			if !sameCheckout(existing, req.PackageID, req.Period, req.Channel, req.Trial) {
				return nil, ErrIdempotencyConflict
			}
			pkg, err := h.getPackage(ctx, existing.PackageID)
			if err != nil {
				return nil, err
			}
			logger.InfoLogger.Infof("Idempotency key reused by user %s, returning transaction %s", req.UserID, existing.ID)
			return &PreparedCheckout{Package: pkg, Transaction: existing, Existing: true}, nil
		case !errors.Is(err, shared_models.ErrNotFound):
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	if !shared_models.ValidPeriod(req.Period) {
		return nil, ErrInvalidPeriod
	}
	pkg, price, err := h.QuoteFor(ctx, req.UserID, req.PackageID, req.Period, req.Trial)
	if err != nil {
		return nil, err
	}

	profile, err := h.repo.GetBillingProfile(ctx, req.UserID)
	if errors.Is(err, shared_models.ErrNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}

	t, err := payment_transaction_models.NewPaymentTransaction(req.UserID, pkg.ID, req.Channel,
		payment_transaction_models.SourceCheckout, req.Period)
	if err != nil {
		return nil, err
	}
	applyPrice(t, price)
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		t.IdempotencyKey = &key
	}

	return &PreparedCheckout{Package: pkg, Profile: profile, Price: price, Transaction: t}, nil
}

func applyPrice(t *payment_transaction_models.PaymentTransaction, p Price) {
	t.IsTrial = p.IsTrial
	t.Amount = p.Gross
	t.NetAmount = p.Net
	t.VATAmount = p.VAT
	t.Currency = p.Currency
}

func sameCheckout(t *payment_transaction_models.PaymentTransaction, packageID uuid.UUID, period, channel string, trial bool) bool {
	return t.PackageID == packageID && t.Period == period && t.Channel == channel && t.IsTrial == trial
}

// CreatePending stores a new pending transaction. When a concurrent request
// stored one first under the same idempotency key and the same inputs, that
// transaction is returned with existing set.
func (h *BasePaymentHandler) CreatePending(ctx context.Context, t *payment_transaction_models.PaymentTransaction) (stored *payment_transaction_models.PaymentTransaction, existing bool, err error) {
	if t.Status != payment_transaction_models.StatusPending {
		return nil, false, fmt.Errorf("%w: new transactions must be pending", payment_transaction_models.ErrInvalidTransition)
	}
	err = h.repo.CreateTransaction(ctx, t)
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, ErrDuplicateRecord) {
		return nil, false, err
	}
	if t.IdempotencyKey == nil {
		return nil, false, ErrIdempotencyConflict
	}

	winner, findErr := h.repo.FindTransaction(ctx, payment_transaction_models.Lookup{UserID: t.UserID, IdempotencyKey: *t.IdempotencyKey})
	if findErr != nil || !sameCheckout(winner, t.PackageID, t.Period, t.Channel, t.IsTrial) {
		return nil, false, ErrIdempotencyConflict
	}
	logger.InfoLogger.Infof("Idempotency key raced for user %s, returning transaction %s", t.UserID, winner.ID)
	return winner, true, nil
}

// updateLocked loads a transaction under a row lock, lets fn modify it and
// writes it back.
func (h *BasePaymentHandler) updateLocked(ctx context.Context, id uuid.UUID, fn func(r Repository, t *payment_transaction_models.PaymentTransaction) error) (*payment_transaction_models.PaymentTransaction, error) {
	var out *payment_transaction_models.PaymentTransaction
	err := h.repo.WithTx(ctx, func(r Repository) error {
		t, err := r.GetTransactionForUpdate(ctx, id)
		if errors.Is(err, shared_models.ErrNotFound) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(r, t); err != nil {
			return err
		}
		out = t
		return r.UpdateTransaction(ctx, t)
	})
	return out, err
}

// Complete marks a transaction paid and applies it to the user's subscription.
// Completing an already completed transaction is a no-op.
func (h *BasePaymentHandler) Complete(ctx context.Context, id uuid.UUID, details CompletionDetails) (*CompletionResult, error) {
	result := &CompletionResult{}
	var pkg *package_models.Package

	err := h.repo.WithTx(ctx, func(r Repository) error {
		t, err := r.GetTransactionForUpdate(ctx, id)
		if errors.Is(err, shared_models.ErrNotFound) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		result.Transaction = t

		if t.Status == payment_transaction_models.StatusCompleted {
			result.AlreadyProcessed = true
			if t.SubscriptionID != nil {
				if sub, err := r.GetSubscription(ctx, *t.SubscriptionID); err == nil {
					result.Subscription = sub
				}
			}
			return nil
		}
		if !payment_transaction_models.CanTransition(t.Status, payment_transaction_models.StatusCompleted) {
			return fmt.Errorf("%w: transaction %s is %s", ErrTransactionClosed, t.ID, t.Status)
		}

		pkg, err = r.GetPackage(ctx, t.PackageID)
		if err != nil {
			return fmt.Errorf("failed to load package %s: %w", t.PackageID, err)
		}

		now := h.now()
		sub, err := h.scheduleSubscription(ctx, r, t, pkg, details, now)
		if err != nil {
			return err
		}

		if err := t.TransitionTo(payment_transaction_models.StatusCompleted); err != nil {
			return err
		}
		t.CompletedAt = &now
		t.SubscriptionID = &sub.ID
		t.ErrorMessage = ""
		if details.GatewayPaymentID != "" {
			t.GatewayPaymentID = details.GatewayPaymentID
		}
		if details.CardLast4 != "" {
			t.CardLast4 = details.CardLast4
		}
		result.Subscription = sub
		return r.UpdateTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	if result.AlreadyProcessed {
		logger.InfoLogger.Infof("Payment transaction %s was already completed", id)
		return result, nil
	}

	logger.InfoLogger.Infof("Payment transaction %s completed, subscription %s is %s until %s",
		id, result.Subscription.ID, result.Subscription.Status, result.Subscription.CurrentPeriodEnd.Format(time.RFC3339))
	h.notify(ctx, result.Transaction.UserID, func(p *user_models.BillingProfile) error {
		return h.notifier.PaymentCompleted(ctx, p, result.Transaction, pkg)
	})
	return result, nil
}

// Fail moves a transaction to failed. Failing a failed transaction is a no-op.
func (h *BasePaymentHandler) Fail(ctx context.Context, id uuid.UUID, reason string) (*payment_transaction_models.PaymentTransaction, error) {
	return h.close(ctx, id, payment_transaction_models.StatusFailed, reason)
}

// Expire moves a stale pending or awaiting_3ds transaction to expired.
func (h *BasePaymentHandler) Expire(ctx context.Context, id uuid.UUID, reason string) (*payment_transaction_models.PaymentTransaction, error) {
	return h.close(ctx, id, payment_transaction_models.StatusExpired, reason)
}

func (h *BasePaymentHandler) close(ctx context.Context, id uuid.UUID, status, reason string) (*payment_transaction_models.PaymentTransaction, error) {
	var (
		changed  bool
		disabled *subscription_models.Subscription
	)
	t, err := h.updateLocked(ctx, id, func(r Repository, t *payment_transaction_models.PaymentTransaction) error {
		if t.Status == status {
			return nil
		}
		if !payment_transaction_models.CanTransition(t.Status, status) {
			return fmt.Errorf("%w: transaction %s is %s", ErrTransactionClosed, t.ID, t.Status)
		}
		if err := t.TransitionTo(status); err != nil {
			return err
		}
		t.ErrorMessage = reason
		changed = true

		if t.Source == payment_transaction_models.SourceRenewal && t.SubscriptionID != nil {
			sub, err := h.recordRenewalFailure(ctx, r, *t.SubscriptionID)
			if err != nil {
				return err
			}
			if !sub.AutoRenew {
				disabled = sub
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}

	logger.WarnLogger.Warnf("Payment transaction %s is now %s: %s", t.ID, status, reason)
	if status == payment_transaction_models.StatusFailed {
		h.notify(ctx, t.UserID, func(p *user_models.BillingProfile) error {
			pkg, err := h.repo.GetPackage(ctx, t.PackageID)
			if err != nil {
				return err
			}
			return h.notifier.PaymentFailed(ctx, p, t, pkg)
		})
	}
	if disabled != nil {
		h.notify(ctx, disabled.UserID, func(p *user_models.BillingProfile) error {
			pkg, err := h.repo.GetPackage(ctx, disabled.PackageID)
			if err != nil {
				return err
			}
			return h.notifier.RenewalDisabled(ctx, p, disabled, pkg)
		})
	}
	return t, nil
}

// Cancel lets a user abandon their own pending transaction.
func (h *BasePaymentHandler) Cancel(ctx context.Context, userID, id uuid.UUID) (*payment_transaction_models.PaymentTransaction, error) {
	return h.updateLocked(ctx, id, func(_ Repository, t *payment_transaction_models.PaymentTransaction) error {
		if t.UserID != userID {
			return ErrTransactionNotFound
		}
		if t.Status == payment_transaction_models.StatusCancelled {
			return nil
		}
		if !payment_transaction_models.CanTransition(t.Status, payment_transaction_models.StatusCancelled) {
			return fmt.Errorf("%w: transaction %s is %s", ErrTransactionClosed, t.ID, t.Status)
		}
		t.ErrorMessage = "cancelled by user"
		return t.TransitionTo(payment_transaction_models.StatusCancelled)
	})
}

// recordRenewalFailure pushes the next retry out and turns auto-renew off once
// the attempts are used up.
func (h *BasePaymentHandler) recordRenewalFailure(ctx context.Context, r Repository, subID uuid.UUID) (*subscription_models.Subscription, error) {
	sub, err := r.GetSubscription(ctx, subID)
	if err != nil {
		return nil, fmt.Errorf("failed to load renewing subscription %s: %w", subID, err)
	}

	sub.RenewalAttempts++
	if sub.Status != subscription_models.StatusScheduled {
		sub.Status = subscription_models.StatusPastDue
	}
	if sub.RenewalAttempts >= h.cfg.MaxRenewalAttempts {
		sub.AutoRenew = false
		sub.NextRetryAt = nil
		logger.WarnLogger.Warnf("Subscription %s failed %d renewals, auto-renew disabled", sub.ID, sub.RenewalAttempts)
	} else {
		retry := h.now().Add(h.cfg.RenewalRetryDelay)
		sub.NextRetryAt = &retry
	}
	if err := r.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// scheduleSubscription applies a paid transaction to the user's subscriptions.
func (h *BasePaymentHandler) scheduleSubscription(ctx context.Context, r Repository, t *payment_transaction_models.PaymentTransaction, pkg *package_models.Package, details CompletionDetails, now time.Time) (*subscription_models.Subscription, error) {
	var current *subscription_models.Subscription
	var err error
	if t.Source == payment_transaction_models.SourceRenewal && t.SubscriptionID != nil {
		current, err = r.GetSubscription(ctx, *t.SubscriptionID)
	} else {
		current, err = r.GetCurrentSubscription(ctx, t.UserID)
	}
	if err != nil && !errors.Is(err, shared_models.ErrNotFound) {
		return nil, fmt.Errorf("failed to load current subscription: %w", err)
	}

	if current != nil && t.Source != payment_transaction_models.SourceRenewal {
		if err := h.dropScheduled(ctx, r, t.UserID, now); err != nil {
			return nil, err
		}
	}

	var sub *subscription_models.Subscription
	switch {
	case current == nil:
		sub = newSubscription(t, pkg, now)

	case current.PackageID == pkg.ID && (t.Source == payment_transaction_models.SourceRenewal || current.IsCurrent(now)):
		sub = current
		start := sub.CurrentPeriodEnd
		if start.Before(now) {
			start = now
			sub.CurrentPeriodStart = now
		}
		sub.Period = t.Period
		sub.CurrentPeriodEnd = PeriodEnd(start, t.Period, t.IsTrial, pkg.TrialDays)
		sub.Status = subscription_models.StatusActive
		if t.IsTrial {
			sub.Status = subscription_models.StatusTrialing
		}
		sub.RenewalAttempts = 0
		sub.NextRetryAt = nil
		sub.CancelledAt = nil

	case !current.IsCurrent(now):
		current.Status = subscription_models.StatusExpired
		current.AutoRenew = false
		if err := r.SaveSubscription(ctx, current); err != nil {
			return nil, err
		}
		sub = newSubscription(t, pkg, now)

	default:
		currentPkg, err := r.GetPackage(ctx, current.PackageID)
		if err != nil {
			return nil, fmt.Errorf("failed to load current package: %w", err)
		}

		if pkg.MonthlyEquivalent().GreaterThan(currentPkg.MonthlyEquivalent()) {
			logger.InfoLogger.Infof("Upgrading user %s from %s to %s", t.UserID, currentPkg.Slug, pkg.Slug)
			sub = newSubscription(t, pkg, now)
			inheritCard(sub, current)
			current.Status = subscription_models.StatusReplaced
			current.CurrentPeriodEnd = now
		} else {
			logger.InfoLogger.Infof("Scheduling downgrade of user %s from %s to %s at %s",
				t.UserID, currentPkg.Slug, pkg.Slug, current.CurrentPeriodEnd.Format(time.RFC3339))
			sub = newSubscription(t, pkg, current.CurrentPeriodEnd)
			sub.Status = subscription_models.StatusScheduled
			inheritCard(sub, current)
		}
		current.AutoRenew = false
		if err := r.SaveSubscription(ctx, current); err != nil {
			return nil, err
		}
	}

	if t.IsTrial {
		sub.TrialUsed = true
	}
	if details.CardToken != "" {
		sub.AutoRenew = true
		sub.Gateway = t.Gateway
		sub.CardToken = details.CardToken
		sub.GatewayCustomerID = details.GatewayCustomerID
	}
	if err := r.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func newSubscription(t *payment_transaction_models.PaymentTransaction, pkg *package_models.Package, start time.Time) *subscription_models.Subscription {
	status := subscription_models.StatusActive
	if t.IsTrial {
		status = subscription_models.StatusTrialing
	}
	return &subscription_models.Subscription{
		UserID:             t.UserID,
		PackageID:          pkg.ID,
		Period:             t.Period,
		Status:             status,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   PeriodEnd(start, t.Period, t.IsTrial, pkg.TrialDays),
	}
}

func inheritCard(sub, from *subscription_models.Subscription) {
	if !from.HasCardOnFile() {
		return
	}
	sub.Gateway = from.Gateway
	sub.CardToken = from.CardToken
	sub.GatewayCustomerID = from.GatewayCustomerID
	sub.AutoRenew = from.AutoRenew
}

// dropScheduled cancels plan changes that were waiting for the current period to end.
func (h *BasePaymentHandler) dropScheduled(ctx context.Context, r Repository, userID uuid.UUID, now time.Time) error {
	scheduled, err := r.ListSubscriptions(ctx, subscription_models.Filter{
		UserID:   &userID,
		Statuses: []string{subscription_models.StatusScheduled},
	})
	if err != nil {
		return err
	}
	for i := range scheduled {
		s := &scheduled[i]
		s.Status = subscription_models.StatusCancelled
		s.AutoRenew = false
		s.CancelledAt = &now
		if err := r.SaveSubscription(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// notify loads the user's profile and runs send, logging failures.
func (h *BasePaymentHandler) notify(ctx context.Context, userID uuid.UUID, send func(*user_models.BillingProfile) error) {
	if h.notifier == nil {
		return
	}
	profile, err := h.repo.GetBillingProfile(ctx, userID)
	if err != nil {
		logger.WarnLogger.Warnf("Skipping notification for user %s: %v", userID, err)
		return
	}
	if err := send(profile); err != nil {
		logger.ErrorLogger.Errorf("Failed to notify user %s: %v", userID, err)
	}
}
