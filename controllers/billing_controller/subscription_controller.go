package billing_controller

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/joy095/billing/utils"
)

// GetCurrentSubscription returns the caller's plan and any scheduled plan change.
func (bc *BillingController) GetCurrentSubscription(c *gin.Context) {
	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		respondError(c, err)
		return
	}
	view, err := bc.Base.CurrentSubscription(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CancelRenewal turns off auto-renewal; access lasts until the period ends.
func (bc *BillingController) CancelRenewal(c *gin.Context) {
	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		respondError(c, err)
		return
	}
	sub, err := bc.Base.CancelRenewal(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Auto-renewal cancelled", "subscription": sub})
}
