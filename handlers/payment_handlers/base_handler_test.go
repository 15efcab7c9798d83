package payment_handlers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/subscription_models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareCheckout(t *testing.T) {
	ctx := context.Background()

	t.Run("IdempotencyKeyReturnsExisting", func(t *testing.T) {
		env := newTestEnv()
		req := payment_handlers.CheckoutRequest{UserID: env.UserID, PackageID: env.Starter.ID, Period: "monthly", IdempotencyKey: "k1"}

		first, err := env.bank.Initiate(ctx, req)
		require.NoError(t, err)
		second, err := env.bank.Initiate(ctx, req)
		require.NoError(t, err)

		assert.False(t, first.Existing)
		assert.True(t, second.Existing)
		assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
		assert.Equal(t, first.ReferenceCode, second.ReferenceCode)
		assert.Len(t, env.Repo.Transactions(), 1)
	})

	t.Run("IdempotencyKeyReusedForOtherPackage", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.bank.Initiate(ctx, payment_handlers.CheckoutRequest{UserID: env.UserID, PackageID: env.Starter.ID, Period: "monthly", IdempotencyKey: "k1"})
		require.NoError(t, err)

		_, err = env.bank.Initiate(ctx, payment_handlers.CheckoutRequest{UserID: env.UserID, PackageID: env.Pro.ID, Period: "monthly", IdempotencyKey: "k1"})
		assert.ErrorIs(t, err, payment_handlers.ErrIdempotencyConflict)
	})

	t.Run("UnknownPackage", func(t *testing.T) {
		env := newTestEnv()
		_, err := env.base.PrepareCheckout(ctx, payment_handlers.CheckoutRequest{UserID: env.UserID, PackageID: env.UserID, Period: "monthly"})
		assert.ErrorIs(t, err, payment_handlers.ErrPackageNotFound)
	})

	t.Run("InactivePackage", func(t *testing.T) {
		env := newTestEnv()
		retired := env.Starter
		retired.IsActive = false
		env.Repo.AddPackage(retired)
		_, err := env.base.PrepareCheckout(ctx, payment_handlers.CheckoutRequest{UserID: env.UserID, PackageID: retired.ID, Period: "monthly"})
		assert.ErrorIs(t, err, payment_handlers.ErrPackageInactive)
	})

	t.Run("TrialOnlyOnce", func(t *testing.T) {
		env := newTestEnv()
		req := payment_handlers.CheckoutRequest{UserID: env.UserID, PackageID: env.Starter.ID, Period: "monthly", Trial: true}

		res, err := env.bank.Initiate(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.Transaction.IsTrial)
		assert.Equal(t, "12.00", res.Amount.StringFixed(2))
		done, err := env.bank.Approve(ctx, res.Transaction.ID, res.Amount)
		require.NoError(t, err)
		assert.Equal(t, subscription_models.StatusTrialing, done.Subscription.Status)
		assert.Equal(t, env.now.AddDate(0, 0, 7), done.Subscription.CurrentPeriodEnd)

		_, err = env.bank.Initiate(ctx, req)
		assert.ErrorIs(t, err, payment_handlers.ErrTrialNotEligible)
	})

	t.Run("MissingProfile", func(t *testing.T) {
		env := newTestEnv()
		stranger := env.Starter.ID // any id without a profile
		_, err := env.base.PrepareCheckout(ctx, payment_handlers.CheckoutRequest{UserID: stranger, PackageID: env.Starter.ID, Period: "monthly"})
		assert.ErrorIs(t, err, payment_handlers.ErrProfileNotFound)
	})
}

func TestCreatePendingRace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	req := payment_handlers.CheckoutRequest{UserID: env.UserID, PackageID: env.Starter.ID, Period: "monthly", Channel: "bank_transfer", IdempotencyKey: "k1"}

	// all three are prepared before any of them is stored
	winner, err := env.base.PrepareCheckout(ctx, req)
	require.NoError(t, err)
	loser, err := env.base.PrepareCheckout(ctx, req)
	require.NoError(t, err)
	otherReq := req
	otherReq.PackageID = env.Pro.ID
	other, err := env.base.PrepareCheckout(ctx, otherReq)
	require.NoError(t, err)

	stored, existing, err := env.base.CreatePending(ctx, winner.Transaction)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, winner.Transaction.ID, stored.ID)

	stored, existing, err = env.base.CreatePending(ctx, loser.Transaction)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, winner.Transaction.ID, stored.ID)

	_, _, err = env.base.CreatePending(ctx, other.Transaction)
	assert.ErrorIs(t, err, payment_handlers.ErrIdempotencyConflict)
	assert.Len(t, env.Repo.Transactions(), 1)
}

func TestComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("SecondCompletionIsNoop", func(t *testing.T) {
		env := newTestEnv()
		done := env.buyByTransfer(t, env.UserID, env.Starter.ID, "monthly")

		again, err := env.base.Complete(ctx, done.Transaction.ID, payment_handlers.CompletionDetails{})
		require.NoError(t, err)
		assert.True(t, again.AlreadyProcessed)
		assert.Equal(t, done.Subscription.ID, again.Subscription.ID)
		assert.Len(t, env.Repo.Subscriptions(env.UserID), 1)
		assert.Equal(t, []string{"bank_transfer_instructions", "payment_completed"}, env.Notifier.Kinds())
	})

	t.Run("RollsBackOnFailure", func(t *testing.T) {
		env := newTestEnv()
		res, err := env.bank.Initiate(ctx, payment_handlers.CheckoutRequest{UserID: env.UserID, PackageID: env.Starter.ID, Period: "monthly"})
		require.NoError(t, err)

		env.Repo.FailUpdates = errors.New("connection lost")
		_, err = env.base.Complete(ctx, res.Transaction.ID, payment_handlers.CompletionDetails{})
		require.Error(t, err)

		env.Repo.FailUpdates = nil
		assert.Empty(t, env.Repo.Subscriptions(env.UserID))
		tx, err := env.Repo.GetTransaction(ctx, res.Transaction.ID)
		require.NoError(t, err)
		assert.Equal(t, payment_transaction_models.StatusPending, tx.Status)
	})

	t.Run("ClosedTransaction", func(t *testing.T) {
		env := newTestEnv()
		res, err := env.bank.Initiate(ctx, payment_handlers.CheckoutRequest{UserID: env.UserID, PackageID: env.Starter.ID, Period: "monthly"})
		require.NoError(t, err)
		_, err = env.bank.Reject(ctx, res.Transaction.ID, "")
		require.NoError(t, err)

		_, err = env.base.Complete(ctx, res.Transaction.ID, payment_handlers.CompletionDetails{})
		assert.ErrorIs(t, err, payment_handlers.ErrTransactionClosed)
	})
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	res, err := env.bank.Initiate(ctx, payment_handlers.CheckoutRequest{UserID: env.UserID, PackageID: env.Starter.ID, Period: "monthly"})
	require.NoError(t, err)

	failed, err := env.base.Fail(ctx, res.Transaction.ID, "declined")
	require.NoError(t, err)
	assert.Equal(t, payment_transaction_models.StatusFailed, failed.Status)
	assert.Equal(t, "declined", failed.ErrorMessage)

	again, err := env.base.Fail(ctx, res.Transaction.ID, "declined twice")
	require.NoError(t, err)
	assert.Equal(t, "declined", again.ErrorMessage)
	assert.Equal(t, []string{"bank_transfer_instructions", "payment_failed"}, env.Notifier.Kinds())

	done := env.buyByTransfer(t, env.UserID, env.Starter.ID, "monthly")
	_, err = env.base.Fail(ctx, done.Transaction.ID, "too late")
	assert.ErrorIs(t, err, payment_handlers.ErrTransactionClosed)
}

func TestSubscriptionScheduling(t *testing.T) {
	t.Run("FirstPurchase", func(t *testing.T) {
		env := newTestEnv()
		done := env.buyByTransfer(t, env.UserID, env.Starter.ID, "monthly")

		sub := done.Subscription
		assert.Equal(t, subscription_models.StatusActive, sub.Status)
		assert.Equal(t, env.now, sub.CurrentPeriodStart)
		assert.Equal(t, env.now.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
		assert.False(t, sub.AutoRenew)
		assert.Equal(t, sub.ID, *done.Transaction.SubscriptionID)
	})

	t.Run("SamePackageExtends", func(t *testing.T) {
		env := newTestEnv()
		first := env.buyByTransfer(t, env.UserID, env.Starter.ID, "monthly")
		second := env.buyByTransfer(t, env.UserID, env.Starter.ID, "monthly")

		assert.Equal(t, first.Subscription.ID, second.Subscription.ID)
		assert.Equal(t, env.now.AddDate(0, 1, 0).AddDate(0, 1, 0), second.Subscription.CurrentPeriodEnd)
		assert.Len(t, env.Repo.Subscriptions(env.UserID), 1)
	})

	t.Run("UpgradeReplacesImmediately", func(t *testing.T) {
		env := newTestEnv()
		first := env.buyByTransfer(t, env.UserID, env.Starter.ID, "monthly")
		upgrade := env.buyByTransfer(t, env.UserID, env.Pro.ID, "monthly")

		old := env.subscription(t, first.Subscription.ID)
		assert.Equal(t, subscription_models.StatusReplaced, old.Status)
		assert.Equal(t, env.now, old.CurrentPeriodEnd)

		assert.Equal(t, subscription_models.StatusActive, upgrade.Subscription.Status)
		assert.Equal(t, env.Pro.ID, upgrade.Subscription.PackageID)
		assert.Equal(t, env.now, upgrade.Subscription.CurrentPeriodStart)
	})

	t.Run("DowngradeWaitsForPeriodEnd", func(t *testing.T) {
		env := newTestEnv()
		first := env.buyByTransfer(t, env.UserID, env.Pro.ID, "monthly")
		down := env.buyByTransfer(t, env.UserID, env.Starter.ID, "monthly")

		current := env.subscription(t, first.Subscription.ID)
		assert.Equal(t, subscription_models.StatusActive, current.Status)
		assert.False(t, current.AutoRenew)

		assert.Equal(t, subscription_models.StatusScheduled, down.Subscription.Status)
		assert.Equal(t, current.CurrentPeriodEnd, down.Subscription.CurrentPeriodStart)
		assert.Equal(t, current.CurrentPeriodEnd.AddDate(0, 1, 0), down.Subscription.CurrentPeriodEnd)
	})

	t.Run("NewChoiceDropsScheduledDowngrade", func(t *testing.T) {
		env := newTestEnv()
		env.buyByTransfer(t, env.UserID, env.Pro.ID, "monthly")
		down := env.buyByTransfer(t, env.UserID, env.Starter.ID, "monthly")
		env.buyByTransfer(t, env.UserID, env.Pro.ID, "monthly")

		dropped := env.subscription(t, down.Subscription.ID)
		assert.Equal(t, subscription_models.StatusCancelled, dropped.Status)
	})

	t.Run("EndedSubscriptionStartsFresh", func(t *testing.T) {
		env := newTestEnv()
		first := env.buyByTransfer(t, env.UserID, env.Starter.ID, "monthly")

		env.now = env.now.AddDate(0, 2, 0)
		second := env.buyByTransfer(t, env.UserID, env.Pro.ID, "monthly")

		assert.NotEqual(t, first.Subscription.ID, second.Subscription.ID)
		assert.Equal(t, subscription_models.StatusExpired, env.subscription(t, first.Subscription.ID).Status)
		assert.Equal(t, env.now, second.Subscription.CurrentPeriodStart)
	})
}

func TestCancelRenewal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	_, err := env.base.CancelRenewal(ctx, env.UserID)
	assert.ErrorIs(t, err, payment_handlers.ErrNoSubscription)

	sub := env.seedCardSubscription(t, 240*time.Hour)
	cancelled, err := env.base.CancelRenewal(ctx, env.UserID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, cancelled.ID)
	assert.False(t, cancelled.AutoRenew)
	assert.NotNil(t, cancelled.CancelledAt)

	view, err := env.base.CurrentSubscription(ctx, env.UserID)
	require.NoError(t, err)
	assert.Equal(t, env.Starter.ID, view.Package.ID)
	assert.True(t, view.HasCard)
}
