package subscription_models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/shared_models"
)

// Subscription statuses
const (
	StatusTrialing  = "trialing"
	StatusActive    = "active"
	StatusPastDue   = "past_due"
	StatusScheduled = "scheduled"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
	StatusReplaced  = "replaced"
)

// CurrentStatuses are the statuses that grant access to the product.
var CurrentStatuses = []string{StatusTrialing, StatusActive, StatusPastDue}

// Subscription is a user's entitlement to a package for a period.
type Subscription struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             uuid.UUID  `json:"user_id"`
	PackageID          uuid.UUID  `json:"package_id"`
	Period             string     `json:"period"`
	Status             string     `json:"status"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	AutoRenew          bool       `json:"auto_renew"`
	Gateway            string     `json:"gateway,omitempty"`
	GatewayCustomerID  string     `json:"-"`
	CardToken          string     `json:"-"`
	RenewalAttempts    int        `json:"renewal_attempts"`
	NextRetryAt        *time.Time `json:"next_retry_at,omitempty"`
	TrialUsed          bool       `json:"trial_used"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsCurrent reports whether the subscription grants access at the given time.
func (s *Subscription) IsCurrent(now time.Time) bool {
	if s.CurrentPeriodEnd.Before(now) {
		return false
	}
	for _, st := range CurrentStatuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// HasCardOnFile reports whether off-session renewals can be attempted.
func (s *Subscription) HasCardOnFile() bool {
	return s.CardToken != "" && s.Gateway != ""
}

// Filter narrows List results.
type Filter struct {
	UserID       *uuid.UUID
	Statuses     []string
	EndsBefore   *time.Time
	StartsBefore *time.Time
	AutoRenew    *bool
	Limit        int
}

const subscriptionColumns = `id, user_id, package_id, period, status, current_period_start, current_period_end,
	auto_renew, gateway, gateway_customer_id, card_token, renewal_attempts, next_retry_at, trial_used,
	cancelled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	s := &Subscription{}
	err := row.Scan(&s.ID, &s.UserID, &s.PackageID, &s.Period, &s.Status, &s.CurrentPeriodStart,
		&s.CurrentPeriodEnd, &s.AutoRenew, &s.Gateway, &s.GatewayCustomerID, &s.CardToken,
		&s.RenewalAttempts, &s.NextRetryAt, &s.TrialUsed, &s.CancelledAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// GetSubscriptionByID fetches a subscription by id.
func GetSubscriptionByID(ctx context.Context, db shared_models.DBTX, id uuid.UUID) (*Subscription, error) {
	s, err := scanSubscription(db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared_models.ErrNotFound
		}
		return nil, fmt.Errorf("database error fetching subscription %s: %w", id, err)
	}
	return s, nil
}

// GetCurrentSubscription returns the user's latest trialing, active or
// past-due subscription and row-locks it when called inside a transaction.
func GetCurrentSubscription(ctx context.Context, db shared_models.DBTX, userID uuid.UUID) (*Subscription, error) {
	s, err := scanSubscription(db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND status = ANY($2)
		ORDER BY current_period_end DESC LIMIT 1 FOR UPDATE`,
		userID, CurrentStatuses))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared_models.ErrNotFound
		}
		logger.ErrorLogger.Errorf("Failed to fetch current subscription for user %s: %v", userID, err)
		return nil, fmt.Errorf("database error fetching current subscription: %w", err)
	}
	return s, nil
}

// SaveSubscription inserts or updates a subscription.
func SaveSubscription(ctx context.Context, db shared_models.DBTX, s *Subscription) error {
	now := time.Now().UTC()
	if s.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate UUID for subscription: %w", err)
		}
		s.ID = id
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := db.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			package_id = EXCLUDED.package_id,
			period = EXCLUDED.period,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			auto_renew = EXCLUDED.auto_renew,
			gateway = EXCLUDED.gateway,
			gateway_customer_id = EXCLUDED.gateway_customer_id,
			card_token = EXCLUDED.card_token,
			renewal_attempts = EXCLUDED.renewal_attempts,
			next_retry_at = EXCLUDED.next_retry_at,
			trial_used = EXCLUDED.trial_used,
			cancelled_at = EXCLUDED.cancelled_at,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.UserID, s.PackageID, s.Period, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.AutoRenew, s.Gateway, s.GatewayCustomerID, s.CardToken, s.RenewalAttempts, s.NextRetryAt,
		s.TrialUsed, s.CancelledAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		logger.ErrorLogger.Errorf("Failed to save subscription %s: %v", s.ID, err)
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns subscriptions matching the filter ordered by period end.
func ListSubscriptions(ctx context.Context, db shared_models.DBTX, f Filter) ([]Subscription, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", f.Statuses)
	}
	if f.EndsBefore != nil {
		add("current_period_end <= $%d", *f.EndsBefore)
	}
	if f.StartsBefore != nil {
		add("current_period_start <= $%d", *f.StartsBefore)
	}
	if f.AutoRenew != nil {
		add("auto_renew = $%d", *f.AutoRenew)
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY current_period_end ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database error listing subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("error reading subscription row: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading subscriptions: %w", err)
	}
	return out, nil
}

// HasUsedTrial reports whether the user ever started a trial, through a
// subscription flag or a completed trial payment.
func HasUsedTrial(ctx context.Context, db shared_models.DBTX, userID uuid.UUID) (bool, error) {
	var used bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM subscriptions WHERE user_id = $1 AND trial_used)
		    OR EXISTS (SELECT 1 FROM payment_transactions WHERE user_id = $1 AND is_trial AND status = 'completed')`,
		userID).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("database error checking trial usage: %w", err)
	}
	return used, nil
}
