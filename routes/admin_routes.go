package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/joy095/billing/controllers/billing_controller"
	"github.com/joy095/billing/middlewares/auth"
)

// RegisterAdminRoutes mounts the back-office billing endpoints.
func RegisterAdminRoutes(router *gin.Engine, bc *billing_controller.BillingController) {
	admin := router.Group("/admin")
	admin.Use(auth.AuthMiddleware(), auth.AdminMiddleware())
	{
		admin.GET("/payments", bc.AdminListPayments)
		admin.POST("/payments/reconcile", bc.ReconcileStatement)
		admin.POST("/payments/:id/approve", bc.ApproveBankTransfer)
		admin.POST("/payments/:id/reject", bc.RejectBankTransfer)

		admin.POST("/billing/sweep", bc.RunBillingSweep)
	}
}
