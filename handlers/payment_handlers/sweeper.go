package payment_handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/models/subscription_models"
)

// Sweeper closes what time has run out on: stale transactions, scheduled plan
// changes and lapsed subscriptions.
type Sweeper struct {
	base *BasePaymentHandler
	card *CardHandler
}

// NewSweeper builds a sweeper. card may be nil; when set, stale card payments
// are synced with the gateway before they expire.
func NewSweeper(base *BasePaymentHandler, card *CardHandler) *Sweeper {
	return &Sweeper{base: base, card: card}
}

type SweepSummary struct {
	ExpiredTransfers       int `json:"expired_transfers"`
	ExpiredCardPayments    int `json:"expired_card_payments"`
	SyncedCardPayments     int `json:"synced_card_payments"`
	ActivatedSubscriptions int `json:"activated_subscriptions"`
	ExpiredSubscriptions   int `json:"expired_subscriptions"`
}

func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepSummary, error) {
	var summary SweepSummary
	var errs []error

	if err := s.expireTransactions(ctx, now, &summary); err != nil {
		errs = append(errs, err)
	}
	if err := s.activateScheduled(ctx, now, &summary); err != nil {
		errs = append(errs, err)
	}
	if err := s.expireSubscriptions(ctx, now, &summary); err != nil {
		errs = append(errs, err)
	}

	logger.InfoLogger.Infof("Sweep: %d transfers expired, %d card payments expired, %d synced, %d subscriptions activated, %d expired",
		summary.ExpiredTransfers, summary.ExpiredCardPayments, summary.SyncedCardPayments,
		summary.ActivatedSubscriptions, summary.ExpiredSubscriptions)
	return summary, errors.Join(errs...)
}

func (s *Sweeper) expireTransactions(ctx context.Context, now time.Time, summary *SweepSummary) error {
	open, err := s.base.repo.ListTransactions(ctx, payment_transaction_models.Filter{
		Statuses: []string{payment_transaction_models.StatusPending, payment_transaction_models.StatusAwaiting3DS},
	})
	if err != nil {
		return fmt.Errorf("failed to list open transactions: %w", err)
	}

	for i := range open {
		t := &open[i]
		if t.ExpiresAt == nil || t.ExpiresAt.After(now) {
			continue
		}

		if t.Channel == shared_models.ChannelCard && s.card != nil {
			synced, err := s.card.Sync(ctx, t)
			if err == nil && payment_transaction_models.IsTerminal(synced.Status) {
				summary.SyncedCardPayments++
				continue
			}
		}

		reason := "bank transfer was not received in time"
		if t.Channel == shared_models.ChannelCard {
			reason = "card payment was not completed in time"
		}
		if _, err := s.base.Expire(ctx, t.ID, reason); err != nil {
			if !errors.Is(err, ErrTransactionClosed) {
				logger.ErrorLogger.Errorf("Failed to expire transaction %s: %v", t.ID, err)
			}
			continue
		}
		if t.Channel == shared_models.ChannelCard {
			summary.ExpiredCardPayments++
		} else {
			summary.ExpiredTransfers++
		}
	}
	return nil
}

func (s *Sweeper) activateScheduled(ctx context.Context, now time.Time, summary *SweepSummary) error {
	scheduled, err := s.base.repo.ListSubscriptions(ctx, subscription_models.Filter{
		Statuses:     []string{subscription_models.StatusScheduled},
		StartsBefore: &now,
	})
	if err != nil {
		return fmt.Errorf("failed to list scheduled subscriptions: %w", err)
	}

	for i := range scheduled {
		next := &scheduled[i]
		err := s.base.repo.WithTx(ctx, func(r Repository) error {
			prev, err := r.GetCurrentSubscription(ctx, next.UserID)
			switch {
			case err == nil && prev.ID != next.ID:
				prev.Status = subscription_models.StatusExpired
				prev.AutoRenew = false
				if err := r.SaveSubscription(ctx, prev); err != nil {
					return err
				}
			case err != nil && !errors.Is(err, shared_models.ErrNotFound):
				return err
			}
			next.Status = subscription_models.StatusActive
			return r.SaveSubscription(ctx, next)
		})
		if err != nil {
			logger.ErrorLogger.Errorf("Failed to activate scheduled subscription %s: %v", next.ID, err)
			continue
		}
		logger.InfoLogger.Infof("Activated scheduled subscription %s for user %s", next.ID, next.UserID)
		summary.ActivatedSubscriptions++
	}
	return nil
}

func (s *Sweeper) expireSubscriptions(ctx context.Context, now time.Time, summary *SweepSummary) error {
	ended, err := s.base.repo.ListSubscriptions(ctx, subscription_models.Filter{
		Statuses:   subscription_models.CurrentStatuses,
		EndsBefore: &now,
	})
	if err != nil {
		return fmt.Errorf("failed to list ended subscriptions: %w", err)
	}

	for i := range ended {
		sub := &ended[i]
		if sub.AutoRenew && sub.HasCardOnFile() {
			// renewals are still being retried
			continue
		}
		sub.Status = subscription_models.StatusExpired
		if err := s.base.repo.SaveSubscription(ctx, sub); err != nil {
			logger.ErrorLogger.Errorf("Failed to expire subscription %s: %v", sub.ID, err)
			continue
		}
		summary.ExpiredSubscriptions++
	}
	return nil
}
