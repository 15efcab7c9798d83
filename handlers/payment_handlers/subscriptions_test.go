package payment_handlers_test

import (
	"context"
	"testing"

	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/models/subscription_models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentSubscription(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	_, err := env.base.CurrentSubscription(ctx, env.UserID)
	assert.ErrorIs(t, err, payment_handlers.ErrNoSubscription)

	pro := env.buyByTransfer(t, env.UserID, env.Pro.ID, "monthly")
	down := env.buyByTransfer(t, env.UserID, env.Starter.ID, "monthly")

	view, err := env.base.CurrentSubscription(ctx, env.UserID)
	require.NoError(t, err)
	assert.Equal(t, pro.Subscription.ID, view.Subscription.ID)
	assert.Equal(t, "pro", view.Package.Slug)
	require.NotNil(t, view.Scheduled)
	assert.Equal(t, down.Subscription.ID, view.Scheduled.ID)
	assert.False(t, view.HasCard)

	t.Run("CancelRenewalDropsScheduledChange", func(t *testing.T) {
		_, err := env.base.CancelRenewal(ctx, env.UserID)
		require.NoError(t, err)

		assert.Equal(t, subscription_models.StatusCancelled, env.subscription(t, down.Subscription.ID).Status)
		view, err := env.base.CurrentSubscription(ctx, env.UserID)
		require.NoError(t, err)
		assert.Nil(t, view.Scheduled)
	})

	t.Run("EndedSubscriptionIsNotCurrent", func(t *testing.T) {
		env.now = env.now.AddDate(0, 3, 0)
		_, err := env.base.CurrentSubscription(ctx, env.UserID)
		assert.ErrorIs(t, err, payment_handlers.ErrNoSubscription)
	})
}
