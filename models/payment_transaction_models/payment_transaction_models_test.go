package payment_transaction_models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/joy095/billing/models/shared_models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{StatusPending, StatusAwaiting3DS},
		{StatusPending, StatusCompleted},
		{StatusPending, StatusCancelled},
		{StatusAwaiting3DS, StatusCompleted},
		{StatusAwaiting3DS, StatusFailed},
		{StatusAwaiting3DS, StatusExpired},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]string{
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusCompleted},
		{StatusAwaiting3DS, StatusCancelled},
		{StatusAwaiting3DS, StatusPending},
		{StatusExpired, StatusCompleted},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestTransitionTo(t *testing.T) {
	tx, err := NewPaymentTransaction(uuid.New(), uuid.New(), shared_models.ChannelCard, SourceCheckout, shared_models.PeriodMonthly)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)

	require.NoError(t, tx.TransitionTo(StatusAwaiting3DS))
	require.NoError(t, tx.TransitionTo(StatusCompleted))
	assert.True(t, IsTerminal(tx.Status))

	err = tx.TransitionTo(StatusFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, tx.Status)
}
