package billing_controller

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/payment_transaction_models"
)

// CardCallback receives the browser back from the bank's 3-D Secure page,
// settles the payment and redirects to the dashboard.
func (bc *BillingController) CardCallback(c *gin.Context) {
	params, err := bc.Card.Gateway().ParseCallback(c.Request)
	if err != nil || params.ConversationID == "" {
		logger.WarnLogger.Warnf("Unreadable 3DS callback from %s: %v", c.ClientIP(), err)
		bc.redirect(c, "failed", nil, "invalid_callback")
		return
	}

	t, err := bc.Card.HandleCallback(c.Request.Context(), *params)
	switch {
	case err == nil && t.Status == payment_transaction_models.StatusCompleted:
		bc.redirect(c, "success", t, "")
	case err == nil && t.Status == payment_transaction_models.StatusFailed:
		bc.redirect(c, "failed", t, t.ErrorMessage)
	case err == nil, errors.Is(err, payment_handlers.ErrLockHeld):
		// the gateway or a parallel callback will settle it
		bc.redirect(c, "pending", t, "")
	case errors.Is(err, payment_handlers.ErrTransactionNotFound):
		bc.redirect(c, "failed", nil, "unknown_payment")
	case errors.Is(err, payment_handlers.ErrTransactionClosed):
		bc.redirect(c, "failed", t, t.Status)
	case errors.Is(err, payment_handlers.ErrInvalidSignature):
		bc.redirect(c, "failed", t, "invalid_signature")
	case errors.Is(err, payment_handlers.ErrGatewayUnavailable):
		bc.redirect(c, "pending", t, "")
	default:
		logger.ErrorLogger.Errorf("3DS callback for conversation %s failed: %v", params.ConversationID, err)
		bc.redirect(c, "failed", t, "processing_error")
	}
}

// redirect sends the browser to FRONTEND_URL/billing/<outcome>.
func (bc *BillingController) redirect(c *gin.Context, outcome string, t *payment_transaction_models.PaymentTransaction, reason string) {
	q := url.Values{}
	if t != nil {
		q.Set("transaction", t.ID.String())
	}
	if reason != "" {
		q.Set("reason", reason)
	}
	target := bc.Base.Config().FrontendURL + "/billing/" + outcome
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	c.Redirect(http.StatusSeeOther, target)
}
