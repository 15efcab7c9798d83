package billing_controller

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/shopspring/decimal"
)

// AdminListPayments lists payments across users, filtered by user, status,
// channel and creation time.
func (bc *BillingController) AdminListPayments(c *gin.Context) {
	limit, offset := page(c)
	filter := payment_transaction_models.Filter{Channel: c.Query("channel"), Limit: limit, Offset: offset}
	if s := c.Query("status"); s != "" {
		filter.Statuses = strings.Split(s, ",")
	}
	if u := c.Query("user_id"); u != "" {
		userID, err := uuid.Parse(u)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user_id"})
			return
		}
		filter.UserID = &userID
	}
	if b := c.Query("created_before"); b != "" {
		before, err := time.Parse(time.RFC3339, b)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid created_before, expected RFC3339"})
			return
		}
		filter.CreatedBefore = &before
	}

	list, err := bc.Base.Repository().ListTransactions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list, "limit": limit, "offset": offset})
}

type approveBody struct {
	Amount decimal.Decimal `json:"amount"`
}

// ApproveBankTransfer completes a transfer an admin found on the bank account.
func (bc *BillingController) ApproveBankTransfer(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body approveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	res, err := bc.Bank.Approve(c.Request.Context(), id, body.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	logger.InfoLogger.Infof("Admin %s approved bank transfer %s (%s)", c.GetString("sub"), id, body.Amount.StringFixed(2))
	c.JSON(http.StatusOK, res)
}

type rejectBody struct {
	Reason string `json:"reason"`
}

// RejectBankTransfer fails a transfer that will not be honoured.
func (bc *BillingController) RejectBankTransfer(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body rejectBody
	// an empty body means "no reason given"
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
	}

	t, err := bc.Bank.Reject(c.Request.Context(), id, strings.TrimSpace(body.Reason))
	if err != nil {
		respondError(c, err)
		return
	}
	logger.InfoLogger.Infof("Admin %s rejected bank transfer %s", c.GetString("sub"), id)
	c.JSON(http.StatusOK, gin.H{"payment": t})
}

type reconcileBody struct {
	Lines []payment_handlers.StatementLine `json:"lines" binding:"required,min=1"`
}

// ReconcileStatement matches imported bank statement lines to pending transfers.
func (bc *BillingController) ReconcileStatement(c *gin.Context) {
	var body reconcileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	results, err := bc.Bank.Reconcile(c.Request.Context(), body.Lines)
	if err != nil {
		respondError(c, err)
		return
	}
	counts := map[string]int{}
	for _, r := range results {
		counts[r.Outcome]++
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "summary": counts})
}

// RunBillingSweep runs the sweeper and the renewal pass on demand.
func (bc *BillingController) RunBillingSweep(c *gin.Context) {
	ctx := c.Request.Context()
	now := bc.Now()

	sweep, sweepErr := bc.Sweeper.Sweep(ctx, now)
	renewals, renewErr := bc.Renewal.RenewDue(ctx, now)
	if sweepErr != nil || renewErr != nil {
		logger.ErrorLogger.Errorf("Billing sweep finished with errors: sweep=%v renewals=%v", sweepErr, renewErr)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    "Billing sweep finished with errors",
			"sweep":    sweep,
			"renewals": renewals,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": sweep, "renewals": renewals})
}
