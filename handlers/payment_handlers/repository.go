package payment_handlers

import (
	"context"

	"github.com/google/uuid"
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/subscription_models"
	"github.com/joy095/billing/models/user_models"
)

// Repository is the persistence the payment handlers need. Lookups that match
// nothing return shared_models.ErrNotFound.
type Repository interface {
	// WithTx runs fn against a repository bound to one database transaction.
	// fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(r Repository) error) error

	CreateTransaction(ctx context.Context, t *payment_transaction_models.PaymentTransaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*payment_transaction_models.PaymentTransaction, error)
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*payment_transaction_models.PaymentTransaction, error)
	FindTransaction(ctx context.Context, l payment_transaction_models.Lookup) (*payment_transaction_models.PaymentTransaction, error)
	UpdateTransaction(ctx context.Context, t *payment_transaction_models.PaymentTransaction) error
	ListTransactions(ctx context.Context, f payment_transaction_models.Filter) ([]payment_transaction_models.PaymentTransaction, error)

	GetPackage(ctx context.Context, id uuid.UUID) (*package_models.Package, error)
	ListActivePackages(ctx context.Context) ([]package_models.Package, error)

	GetSubscription(ctx context.Context, id uuid.UUID) (*subscription_models.Subscription, error)
	GetCurrentSubscription(ctx context.Context, userID uuid.UUID) (*subscription_models.Subscription, error)
	SaveSubscription(ctx context.Context, s *subscription_models.Subscription) error
	ListSubscriptions(ctx context.Context, f subscription_models.Filter) ([]subscription_models.Subscription, error)
	HasUsedTrial(ctx context.Context, userID uuid.UUID) (bool, error)

	GetBillingProfile(ctx context.Context, userID uuid.UUID) (*user_models.BillingProfile, error)

	LogWebhookEvent(ctx context.Context, gateway, eventType string, payload []byte) (int64, error)
	MarkWebhookEventProcessed(ctx context.Context, id int64) error
	GetWebhookStats(ctx context.Context) (*payment_transaction_models.WebhookStats, error)
}
