package payment_handlers

import (
	"context"

	"github.com/joy095/billing/config"
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/subscription_models"
	"github.com/joy095/billing/models/user_models"
)

// Notifier tells users about billing events. Failures never roll back a payment.
type Notifier interface {
	PaymentCompleted(ctx context.Context, profile *user_models.BillingProfile, t *payment_transaction_models.PaymentTransaction, pkg *package_models.Package) error
	BankTransferInstructions(ctx context.Context, profile *user_models.BillingProfile, t *payment_transaction_models.PaymentTransaction, pkg *package_models.Package, accounts []config.BankAccount) error
	PaymentFailed(ctx context.Context, profile *user_models.BillingProfile, t *payment_transaction_models.PaymentTransaction, pkg *package_models.Package) error
	RenewalDisabled(ctx context.Context, profile *user_models.BillingProfile, s *subscription_models.Subscription, pkg *package_models.Package) error
}
