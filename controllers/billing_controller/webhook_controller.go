package billing_controller

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/logger"
)

const maxWebhookBody = 1 << 20

// PaymentWebhook is the single entry point for card gateway webhooks.
// Non-2xx responses make the gateway retry, so only transient failures return them.
func (bc *BillingController) PaymentWebhook(c *gin.Context) {
	gateway := bc.Card.Gateway()
	if c.Param("gateway") != gateway.Name() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown gateway"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		logger.ErrorLogger.Errorf("Failed to read webhook body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	event, err := gateway.ParseWebhook(body, c.Request.Header)
	if errors.Is(err, payment_handlers.ErrInvalidSignature) {
		logger.WarnLogger.Warnf("Rejected %s webhook with invalid signature from %s", gateway.Name(), c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	if err != nil {
		logger.ErrorLogger.Errorf("Invalid %s webhook payload: %v", gateway.Name(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx := c.Request.Context()
	repo := bc.Base.Repository()

	// Keep the raw event so it can be replayed.
	eventID, err := repo.LogWebhookEvent(ctx, gateway.Name(), event.Type, body)
	if err != nil {
		logger.ErrorLogger.Errorf("Failed to log webhook event: %v", err)
	}

	t, err := bc.Card.HandleWebhook(ctx, event)
	status := "processed"
	switch {
	case err == nil && t == nil:
		status = "ignored"
	case err == nil:
	case errors.Is(err, payment_handlers.ErrTransactionNotFound):
		logger.WarnLogger.Warnf("%s webhook %s matches no payment (conversation %q, reference %q)",
			gateway.Name(), event.Type, event.ConversationID, event.GatewayReference)
		status = "ignored"
	case errors.Is(err, payment_handlers.ErrTransactionClosed):
		status = "closed"
	default:
		logger.ErrorLogger.Errorf("Failed to process %s webhook %s: %v", gateway.Name(), event.Type, err)
		respondError(c, err)
		return
	}

	if eventID > 0 {
		if err := repo.MarkWebhookEventProcessed(ctx, eventID); err != nil {
			logger.ErrorLogger.Errorf("Failed to mark webhook event %d processed: %v", eventID, err)
		}
	}

	resp := gin.H{"status": status}
	if t != nil {
		resp["transaction_id"] = t.ID
		resp["transaction_status"] = t.Status
	}
	c.JSON(http.StatusOK, resp)
}

// WebhookHealthCheck reports recent webhook traffic and the gateway breaker state.
func (bc *BillingController) WebhookHealthCheck(c *gin.Context) {
	stats, err := bc.Base.Repository().GetWebhookStats(c.Request.Context())
	if err != nil {
		logger.ErrorLogger.Errorf("Failed to load webhook stats: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database unavailable"})
		return
	}

	gateway := bc.Card.Gateway()
	resp := gin.H{"status": "healthy", "gateway": gateway.Name(), "webhooks": stats}
	if b, ok := gateway.(interface{ State() string }); ok {
		resp["breaker"] = b.State()
	}
	c.JSON(http.StatusOK, resp)
}
