package billing_controller_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joy095/billing/clients"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitiateBankTransfer(t *testing.T) {
	t.Run("Created", func(t *testing.T) {
		env := newControllerEnv()
		res := env.startTransfer(t, env.Pro.ID, "yearly")

		assert.Regexp(t, regexp.MustCompile(`^RT-[A-Z0-9]{6}$`), res.ReferenceCode)
		assert.True(t, decimal.NewFromInt(3000).Equal(res.Amount), res.Amount.String())
		assert.Equal(t, "TRY", res.Currency)
		assert.Len(t, res.BankAccounts, 1)
		assert.Equal(t, payment_transaction_models.StatusPending, res.Transaction.Status)
	})

	t.Run("IdempotencyKeyReturnsSamePayment", func(t *testing.T) {
		env := newControllerEnv()
		req := request{
			method:  http.MethodPost,
			path:    "/payments/bank-transfer",
			body:    gin.H{"package_id": env.Starter.ID, "period": "monthly"},
			user:    env.UserID,
			headers: map[string]string{"Idempotency-Key": "order-42"},
		}
		first := env.do(t, req)
		require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
		second := env.do(t, req)
		require.Equal(t, http.StatusOK, second.Code, second.Body.String())

		var a, b payment_handlers.BankTransferResult
		decode(t, first, &a)
		decode(t, second, &b)
		assert.Equal(t, a.Transaction.ID, b.Transaction.ID)
		assert.True(t, b.Existing)

		req.body = gin.H{"package_id": env.Pro.ID, "period": "monthly"}
		conflict := env.do(t, req)
		assert.Equal(t, http.StatusConflict, conflict.Code)
	})

	tests := []struct {
		name   string
		body   func(env *controllerEnv) gin.H
		anon   bool
		status int
	}{
		{"BadPeriod", func(env *controllerEnv) gin.H { return gin.H{"package_id": env.Starter.ID, "period": "weekly"} }, false, http.StatusBadRequest},
		{"MissingPackage", func(env *controllerEnv) gin.H { return gin.H{"period": "monthly"} }, false, http.StatusBadRequest},
		{"UnknownPackage", func(env *controllerEnv) gin.H { return gin.H{"package_id": uuid.New(), "period": "monthly"} }, false, http.StatusNotFound},
		{"TrialNotOffered", func(env *controllerEnv) gin.H {
			return gin.H{"package_id": env.Pro.ID, "period": "monthly", "trial": true}
		}, false, http.StatusBadRequest},
		{"Anonymous", func(env *controllerEnv) gin.H { return gin.H{"package_id": env.Starter.ID, "period": "monthly"} }, true, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newControllerEnv()
			req := request{method: http.MethodPost, path: "/payments/bank-transfer", body: tt.body(env), user: env.UserID}
			if tt.anon {
				req.user = uuid.Nil
			}
			w := env.do(t, req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestInitiateCardPayment(t *testing.T) {
	t.Run("ChallengeRequired", func(t *testing.T) {
		env := newControllerEnv()
		res := env.startCard(t)

		assert.Equal(t, payment_transaction_models.StatusAwaiting3DS, res.Status)
		assert.NotEmpty(t, res.RedirectURL)
		require.Len(t, env.Gateway.Initiated, 1)
		assert.Equal(t, "pm_card_visa", env.Gateway.Initiated[0].PaymentMethod)
	})

	t.Run("ReplayReturnsRedirect", func(t *testing.T) {
		env := newControllerEnv()
		post := func() *httptest.ResponseRecorder {
			return env.do(t, request{
				method:  http.MethodPost,
				path:    "/payments/card",
				body:    gin.H{"package_id": env.Starter.ID, "period": "monthly"},
				user:    env.UserID,
				headers: map[string]string{"Idempotency-Key": "checkout-1"},
			})
		}
		w := post()
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var first payment_handlers.CardCheckoutResult
		decode(t, w, &first)

		w = post()
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var second payment_handlers.CardCheckoutResult
		decode(t, w, &second)
		assert.True(t, second.Existing)
		assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
		assert.Equal(t, first.RedirectURL, second.RedirectURL)
		assert.NotEmpty(t, second.RedirectURL)
	})

	t.Run("DeclinedIsPaymentRequired", func(t *testing.T) {
		env := newControllerEnv()
		env.Gateway.InitiateResult = &clients.ThreeDSResult{Status: clients.ChargeFailed, GatewayReference: "pi_x", ErrorMessage: "card declined"}
		w := env.do(t, request{
			method: http.MethodPost,
			path:   "/payments/card",
			body:   gin.H{"package_id": env.Starter.ID, "period": "monthly"},
			user:   env.UserID,
		})
		require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
		var res payment_handlers.CardCheckoutResult
		decode(t, w, &res)
		assert.Equal(t, "card declined", res.ErrorMessage)
	})

	t.Run("GatewayDown", func(t *testing.T) {
		env := newControllerEnv()
		env.Gateway.InitiateErr = errors.New("connection refused")
		w := env.do(t, request{
			method: http.MethodPost,
			path:   "/payments/card",
			body:   gin.H{"package_id": env.Starter.ID, "period": "monthly"},
			user:   env.UserID,
		})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestPaymentReads(t *testing.T) {
	env := newControllerEnv()
	mine := env.startTransfer(t, env.Starter.ID, "monthly")

	other := uuid.New()
	env.AddUser(other, "Bob Builder", "bob@example.com")

	t.Run("ListOnlyOwnPayments", func(t *testing.T) {
		w := env.do(t, request{method: http.MethodGet, path: "/payments", user: env.UserID})
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Payments []payment_transaction_models.PaymentTransaction `json:"payments"`
		}
		decode(t, w, &body)
		require.Len(t, body.Payments, 1)
		assert.Equal(t, mine.Transaction.ID, body.Payments[0].ID)

		w = env.do(t, request{method: http.MethodGet, path: "/payments", user: other})
		decode(t, w, &body)
		assert.Empty(t, body.Payments)
	})

	t.Run("GetOwnPayment", func(t *testing.T) {
		w := env.do(t, request{method: http.MethodGet, path: "/payments/" + mine.Transaction.ID.String(), user: env.UserID})
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Payment payment_transaction_models.PaymentTransaction `json:"payment"`
		}
		decode(t, w, &body)
		assert.Equal(t, mine.Transaction.ID, body.Payment.ID)
	})

	t.Run("StaleSyncFailureStillAnswers", func(t *testing.T) {
		env := newControllerEnv()
		res := env.startCard(t)
		env.bc.Base.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
		env.Repo.FailUpdates = errors.New("db down")

		w := env.do(t, request{method: http.MethodGet, path: "/payments/" + res.Transaction.ID.String(), user: env.UserID})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var body struct {
			Payment payment_transaction_models.PaymentTransaction `json:"payment"`
		}
		decode(t, w, &body)
		assert.Equal(t, res.Transaction.ID, body.Payment.ID)
		assert.Equal(t, payment_transaction_models.StatusAwaiting3DS, body.Payment.Status)
	})

	t.Run("OtherUsersPaymentIsNotFound", func(t *testing.T) {
		w := env.do(t, request{method: http.MethodGet, path: "/payments/" + mine.Transaction.ID.String(), user: other})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("InvalidID", func(t *testing.T) {
		w := env.do(t, request{method: http.MethodGet, path: "/payments/not-a-uuid", user: env.UserID})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCancelPayment(t *testing.T) {
	env := newControllerEnv()
	res := env.startTransfer(t, env.Starter.ID, "monthly")
	path := "/payments/" + res.Transaction.ID.String() + "/cancel"

	w := env.do(t, request{method: http.MethodPost, path: path, user: uuid.New()})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, request{method: http.MethodPost, path: path, user: env.UserID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Payment payment_transaction_models.PaymentTransaction `json:"payment"`
	}
	decode(t, w, &body)
	assert.Equal(t, payment_transaction_models.StatusCancelled, body.Payment.Status)

	// cancelling twice is harmless
	w = env.do(t, request{method: http.MethodPost, path: path, user: env.UserID})
	assert.Equal(t, http.StatusOK, w.Code)

	t.Run("CompletedPaymentCannotBeCancelled", func(t *testing.T) {
		done := env.startTransfer(t, env.Starter.ID, "monthly")
		approve := env.do(t, request{
			method: http.MethodPost,
			path:   "/admin/payments/" + done.Transaction.ID.String() + "/approve",
			body:   gin.H{"amount": done.Amount},
			admin:  true,
		})
		require.Equal(t, http.StatusOK, approve.Code, approve.Body.String())

		w := env.do(t, request{method: http.MethodPost, path: "/payments/" + done.Transaction.ID.String() + "/cancel", user: env.UserID})
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestReceipt(t *testing.T) {
	env := newControllerEnv()
	res := env.startTransfer(t, env.Starter.ID, "monthly")
	receiptPath := "/payments/" + res.Transaction.ID.String() + "/receipt"

	w := env.do(t, request{method: http.MethodGet, path: receiptPath, user: env.UserID})
	assert.Equal(t, http.StatusConflict, w.Code, "no receipt before the payment completes")

	approve := env.do(t, request{
		method: http.MethodPost,
		path:   "/admin/payments/" + res.Transaction.ID.String() + "/approve",
		body:   gin.H{"amount": "120.00"},
		admin:  true,
	})
	require.Equal(t, http.StatusOK, approve.Code, approve.Body.String())

	w = env.do(t, request{method: http.MethodGet, path: receiptPath, user: env.UserID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "receipt-"+res.Transaction.ID.String()+".pdf")
	assert.True(t, len(w.Body.Bytes()) > 4 && string(w.Body.Bytes()[:4]) == "%PDF")

	code := w.Header().Get("X-Receipt-Verification")
	require.NotEmpty(t, code)

	t.Run("VerifyGenuineCode", func(t *testing.T) {
		w := env.do(t, request{method: http.MethodGet, path: "/receipts/" + res.Transaction.ID.String() + "/verify?code=" + code})
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Valid  bool            `json:"valid"`
			Amount decimal.Decimal `json:"amount"`
		}
		decode(t, w, &body)
		assert.True(t, body.Valid)
		assert.True(t, decimal.NewFromInt(120).Equal(body.Amount))
	})

	t.Run("RejectForgedCode", func(t *testing.T) {
		w := env.do(t, request{method: http.MethodGet, path: "/receipts/" + res.Transaction.ID.String() + "/verify?code=RCPT-0000000000000000"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"valid":false}`, w.Body.String())
	})

	t.Run("UnknownPaymentIsNotValid", func(t *testing.T) {
		w := env.do(t, request{method: http.MethodGet, path: "/receipts/" + uuid.NewString() + "/verify?code=" + code})
		assert.JSONEq(t, `{"valid":false}`, w.Body.String())
	})
}
