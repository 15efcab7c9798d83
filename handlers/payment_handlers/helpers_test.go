package payment_handlers_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/models/subscription_models"
	"github.com/joy095/billing/utils/test_utils"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	*test_utils.Fixture
	base    *payment_handlers.BasePaymentHandler
	card    *payment_handlers.CardHandler
	bank    *payment_handlers.BankTransferHandler
	renewal *payment_handlers.RenewalHandler
	sweeper *payment_handlers.Sweeper
	now     time.Time
}

func newTestEnv() *testEnv {
	f := test_utils.NewFixture()
	env := &testEnv{Fixture: f, now: f.Now}
	env.base = payment_handlers.NewBasePaymentHandler(f.Repo, f.Config, f.Notifier)
	env.base.SetClock(func() time.Time { return env.now })
	env.card = payment_handlers.NewCardHandler(env.base, f.Gateway, f.Locker)
	env.bank = payment_handlers.NewBankTransferHandler(env.base)
	env.renewal = payment_handlers.NewRenewalHandler(env.base, f.Gateway, f.Locker)
	env.sweeper = payment_handlers.NewSweeper(env.base, env.card)
	return env
}

// buyByTransfer runs a full bank transfer checkout and approval.
func (e *testEnv) buyByTransfer(t *testing.T, userID, packageID uuid.UUID, period string) *payment_handlers.CompletionResult {
	t.Helper()
	ctx := context.Background()
	res, err := e.bank.Initiate(ctx, payment_handlers.CheckoutRequest{UserID: userID, PackageID: packageID, Period: period})
	require.NoError(t, err)
	done, err := e.bank.Approve(ctx, res.Transaction.ID, res.Amount)
	require.NoError(t, err)
	return done
}

// seedCardSubscription stores an auto-renewing subscription ending in endsIn.
func (e *testEnv) seedCardSubscription(t *testing.T, endsIn time.Duration) *subscription_models.Subscription {
	t.Helper()
	end := e.now.Add(endsIn)
	sub := &subscription_models.Subscription{
		UserID:             e.UserID,
		PackageID:          e.Starter.ID,
		Period:             "monthly",
		Status:             subscription_models.StatusActive,
		CurrentPeriodStart: end.AddDate(0, -1, 0),
		CurrentPeriodEnd:   end,
		AutoRenew:          true,
		Gateway:            e.Gateway.Name(),
		CardToken:          "pm_saved",
		GatewayCustomerID:  "cus_1",
	}
	require.NoError(t, e.Repo.SaveSubscription(context.Background(), sub))
	return sub
}

func (e *testEnv) subscription(t *testing.T, id uuid.UUID) *subscription_models.Subscription {
	t.Helper()
	sub, err := e.Repo.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}
