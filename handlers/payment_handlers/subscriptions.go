package payment_handlers

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/models/subscription_models"
)

// SubscriptionView is what a user sees about their plan.
type SubscriptionView struct {
	Subscription *subscription_models.Subscription `json:"subscription"`
	Package      *package_models.Package           `json:"package"`
	Scheduled    *subscription_models.Subscription `json:"scheduled,omitempty"`
	HasCard      bool                              `json:"has_card_on_file"`
}

// CurrentSubscription returns the user's current plan and any plan change
// waiting for it to end.
func (h *BasePaymentHandler) CurrentSubscription(ctx context.Context, userID uuid.UUID) (*SubscriptionView, error) {
	sub, err := h.repo.GetCurrentSubscription(ctx, userID)
	if errors.Is(err, shared_models.ErrNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}
	if !sub.IsCurrent(h.now()) {
		return nil, ErrNoSubscription
	}

	pkg, err := h.getPackage(ctx, sub.PackageID)
	if err != nil {
		return nil, err
	}
	view := &SubscriptionView{Subscription: sub, Package: pkg, HasCard: sub.HasCardOnFile()}

	scheduled, err := h.repo.ListSubscriptions(ctx, subscription_models.Filter{
		UserID:   &userID,
		Statuses: []string{subscription_models.StatusScheduled},
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(scheduled) > 0 {
		view.Scheduled = &scheduled[0]
	}
	return view, nil
}

// CancelRenewal stops auto-renewal. The user keeps access until the period
// ends, and a scheduled plan change is dropped.
func (h *BasePaymentHandler) CancelRenewal(ctx context.Context, userID uuid.UUID) (*subscription_models.Subscription, error) {
	var out *subscription_models.Subscription
	err := h.repo.WithTx(ctx, func(r Repository) error {
		sub, err := r.GetCurrentSubscription(ctx, userID)
		if errors.Is(err, shared_models.ErrNotFound) {
			return ErrNoSubscription
		}
		if err != nil {
			return err
		}

		now := h.now()
		if err := h.dropScheduled(ctx, r, userID, now); err != nil {
			return err
		}
		sub.AutoRenew = false
		sub.NextRetryAt = nil
		if sub.CancelledAt == nil {
			sub.CancelledAt = &now
		}
		out = sub
		return r.SaveSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	logger.InfoLogger.Infof("User %s cancelled renewal of subscription %s", userID, out.ID)
	return out, nil
}
