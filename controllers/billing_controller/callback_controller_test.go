package billing_controller_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/joy095/billing/clients"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redirectTarget(t *testing.T, w *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusSeeOther, w.Code, w.Body.String())
	u, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return u
}

func TestCardCallback(t *testing.T) {
	t.Run("SuccessRedirect", func(t *testing.T) {
		env := newControllerEnv()
		res := env.startCard(t)

		w := env.do(t, request{method: http.MethodGet, path: "/payments/card/callback?conversation_id=" + *res.Transaction.ConversationID})
		u := redirectTarget(t, w)
		assert.Equal(t, "http://localhost:3000/billing/success", u.Scheme+"://"+u.Host+u.Path)
		assert.Equal(t, res.Transaction.ID.String(), u.Query().Get("transaction"))

		tx, err := env.Repo.GetTransaction(context.Background(), res.Transaction.ID)
		require.NoError(t, err)
		assert.Equal(t, payment_transaction_models.StatusCompleted, tx.Status)
	})

	t.Run("FormPost", func(t *testing.T) {
		env := newControllerEnv()
		res := env.startCard(t)

		form := url.Values{"conversation_id": {*res.Transaction.ConversationID}}
		r := httptest.NewRequest(http.MethodPost, "/payments/card/callback", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, r)

		assert.Equal(t, "/billing/success", redirectTarget(t, w).Path)
	})

	t.Run("DeclinedRedirectCarriesReason", func(t *testing.T) {
		env := newControllerEnv()
		res := env.startCard(t)
		env.Gateway.CompleteResult = &clients.ChargeResult{Status: clients.ChargeFailed, ErrorMessage: "insufficient funds"}

		w := env.do(t, request{method: http.MethodGet, path: "/payments/card/callback?conversation_id=" + *res.Transaction.ConversationID})
		u := redirectTarget(t, w)
		assert.Equal(t, "/billing/failed", u.Path)
		assert.Equal(t, res.Transaction.ID.String(), u.Query().Get("transaction"))
		assert.Equal(t, "insufficient funds", u.Query().Get("reason"))
	})

	t.Run("PendingAtGateway", func(t *testing.T) {
		env := newControllerEnv()
		res := env.startCard(t)
		env.Gateway.CompleteResult = &clients.ChargeResult{Status: clients.ChargePending}

		w := env.do(t, request{method: http.MethodGet, path: "/payments/card/callback?conversation_id=" + *res.Transaction.ConversationID})
		assert.Equal(t, "/billing/pending", redirectTarget(t, w).Path)
	})

	t.Run("ConcurrentCallbackIsPending", func(t *testing.T) {
		env := newControllerEnv()
		res := env.startCard(t)
		env.Locker.Hold("callback:" + *res.Transaction.ConversationID)

		w := env.do(t, request{method: http.MethodGet, path: "/payments/card/callback?conversation_id=" + *res.Transaction.ConversationID})
		u := redirectTarget(t, w)
		assert.Equal(t, "/billing/pending", u.Path)
		assert.Equal(t, res.Transaction.ID.String(), u.Query().Get("transaction"))
		assert.Empty(t, env.Gateway.Completed)
	})

	t.Run("UnknownConversation", func(t *testing.T) {
		env := newControllerEnv()
		w := env.do(t, request{method: http.MethodGet, path: "/payments/card/callback?conversation_id=nope"})
		u := redirectTarget(t, w)
		assert.Equal(t, "/billing/failed", u.Path)
		assert.Equal(t, "unknown_payment", u.Query().Get("reason"))
		assert.Empty(t, u.Query().Get("transaction"))
	})

	t.Run("MissingConversation", func(t *testing.T) {
		env := newControllerEnv()
		w := env.do(t, request{method: http.MethodGet, path: "/payments/card/callback"})
		assert.Equal(t, "invalid_callback", redirectTarget(t, w).Query().Get("reason"))
	})

	t.Run("BadSignature", func(t *testing.T) {
		env := newControllerEnv()
		res := env.startCard(t)
		env.Gateway.CompleteErr = clients.ErrInvalidSignature

		w := env.do(t, request{method: http.MethodGet, path: "/payments/card/callback?conversation_id=" + *res.Transaction.ConversationID})
		assert.Equal(t, "invalid_signature", redirectTarget(t, w).Query().Get("reason"))
	})
}
