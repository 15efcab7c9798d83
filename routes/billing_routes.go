package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/joy095/billing/controllers/billing_controller"
	middleware "github.com/joy095/billing/middlewares"
	"github.com/joy095/billing/middlewares/auth"
)

// RegisterBillingRoutes mounts the public, user and webhook billing endpoints.
func RegisterBillingRoutes(router *gin.Engine, bc *billing_controller.BillingController, stores middleware.StoreFactory) {
	// Public routes
	router.GET("/packages", middleware.NewRateLimiter(stores, "60-1m", "packages"), bc.ListPackages)
	router.GET("/receipts/:id/verify", middleware.NewRateLimiter(stores, "20-1m", "receipt-verify"), bc.VerifyReceipt)

	// The bank sends the browser back here after 3-D Secure, with a GET or a form POST.
	router.GET("/payments/card/callback", bc.CardCallback)
	router.POST("/payments/card/callback", bc.CardCallback)

	// Gateway webhooks (signature checked by the gateway client)
	webhook := router.Group("/webhook")
	{
		webhook.POST("/:gateway", bc.PaymentWebhook)
		webhook.GET("/health", bc.WebhookHealthCheck)
	}

	// Protected routes
	protected := router.Group("/")
	protected.Use(auth.AuthMiddleware())
	{
		protected.GET("/packages/:id/quote", bc.QuotePackage)

		protected.POST("/payments/card", middleware.CombinedRateLimiter(stores, "payments-card", "5-1m", "30-60m"), bc.InitiateCardPayment)
		protected.POST("/payments/bank-transfer", middleware.CombinedRateLimiter(stores, "payments-bank-transfer", "5-1m", "20-60m"), bc.InitiateBankTransfer)
		protected.GET("/payments", bc.ListPayments)
		protected.GET("/payments/:id", bc.GetPayment)
		protected.GET("/payments/:id/receipt", middleware.NewRateLimiter(stores, "10-1m", "payments-receipt"), bc.GetReceipt)
		protected.POST("/payments/:id/cancel", bc.CancelPayment)

		protected.GET("/subscriptions/current", bc.GetCurrentSubscription)
		protected.POST("/subscriptions/cancel-renewal", middleware.NewRateLimiter(stores, "5-1m", "cancel-renewal"), bc.CancelRenewal)
	}
}
