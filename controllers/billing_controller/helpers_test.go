package billing_controller_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joy095/billing/controllers/billing_controller"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/receipts"
	"github.com/joy095/billing/utils/test_utils"
	"github.com/stretchr/testify/require"
)

type controllerEnv struct {
	*test_utils.Fixture
	bc     *billing_controller.BillingController
	router *gin.Engine
}

// newControllerEnv mounts the controller on a router whose auth stand-in
// trusts the X-Test-User and X-Test-Admin headers.
func newControllerEnv() *controllerEnv {
	gin.SetMode(gin.TestMode)
	f := test_utils.NewFixture()
	base := payment_handlers.NewBasePaymentHandler(f.Repo, f.Config, f.Notifier)
	card := payment_handlers.NewCardHandler(base, f.Gateway, f.Locker)
	bc := billing_controller.NewBillingController(base, card, receipts.NewGenerator("Billing Ltd", []byte("test-receipt-key")))

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if sub := c.GetHeader("X-Test-User"); sub != "" {
			c.Set("sub", sub)
		}
		c.Set("is_admin", c.GetHeader("X-Test-Admin") == "true")
		c.Next()
	})

	r.GET("/packages", bc.ListPackages)
	r.GET("/packages/:id/quote", bc.QuotePackage)
	r.GET("/receipts/:id/verify", bc.VerifyReceipt)
	r.GET("/payments/card/callback", bc.CardCallback)
	r.POST("/payments/card/callback", bc.CardCallback)
	r.POST("/webhook/:gateway", bc.PaymentWebhook)
	r.GET("/webhook/health", bc.WebhookHealthCheck)
	r.POST("/payments/card", bc.InitiateCardPayment)
	r.POST("/payments/bank-transfer", bc.InitiateBankTransfer)
	r.GET("/payments", bc.ListPayments)
	r.GET("/payments/:id", bc.GetPayment)
	r.GET("/payments/:id/receipt", bc.GetReceipt)
	r.POST("/payments/:id/cancel", bc.CancelPayment)
	r.GET("/subscriptions/current", bc.GetCurrentSubscription)
	r.POST("/subscriptions/cancel-renewal", bc.CancelRenewal)
	r.GET("/admin/payments", bc.AdminListPayments)
	r.POST("/admin/payments/reconcile", bc.ReconcileStatement)
	r.POST("/admin/payments/:id/approve", bc.ApproveBankTransfer)
	r.POST("/admin/payments/:id/reject", bc.RejectBankTransfer)
	r.POST("/admin/billing/sweep", bc.RunBillingSweep)

	return &controllerEnv{Fixture: f, bc: bc, router: r}
}

type request struct {
	method  string
	path    string
	body    any
	user    uuid.UUID
	admin   bool
	headers map[string]string
}

func (e *controllerEnv) do(t *testing.T, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.user != uuid.Nil {
		r.Header.Set("X-Test-User", req.user.String())
	}
	if req.admin {
		r.Header.Set("X-Test-Admin", "true")
	}
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// startTransfer initiates a bank transfer for the fixture user through the API.
func (e *controllerEnv) startTransfer(t *testing.T, packageID uuid.UUID, period string) payment_handlers.BankTransferResult {
	t.Helper()
	w := e.do(t, request{
		method: http.MethodPost,
		path:   "/payments/bank-transfer",
		body:   gin.H{"package_id": packageID, "period": period},
		user:   e.UserID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res payment_handlers.BankTransferResult
	decode(t, w, &res)
	return res
}

// startCard initiates a card checkout for the fixture user through the API.
func (e *controllerEnv) startCard(t *testing.T) payment_handlers.CardCheckoutResult {
	t.Helper()
	w := e.do(t, request{
		method: http.MethodPost,
		path:   "/payments/card",
		body:   gin.H{"package_id": e.Starter.ID, "period": "monthly", "payment_method": "pm_card_visa"},
		user:   e.UserID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res payment_handlers.CardCheckoutResult
	decode(t, w, &res)
	return res
}
