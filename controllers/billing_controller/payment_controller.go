package billing_controller

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/utils"
)

const idempotencyHeader = "Idempotency-Key"

type checkoutBody struct {
	PackageID string `json:"package_id" binding:"required,uuid"`
	Period    string `json:"period" binding:"required,oneof=monthly yearly"`
	Trial     bool   `json:"trial"`
}

type cardCheckoutBody struct {
	checkoutBody
	PaymentMethod string `json:"payment_method"`
	SaveCard      bool   `json:"save_card"`
}

// checkoutRequest binds the shared checkout fields for the authenticated user.
func checkoutRequest(c *gin.Context, body checkoutBody) (payment_handlers.CheckoutRequest, bool) {
	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		respondError(c, err)
		return payment_handlers.CheckoutRequest{}, false
	}
	key := strings.TrimSpace(c.GetHeader(idempotencyHeader))
	if len(key) > 255 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key is too long"})
		return payment_handlers.CheckoutRequest{}, false
	}
	return payment_handlers.CheckoutRequest{
		UserID:         userID,
		PackageID:      uuid.MustParse(body.PackageID),
		Period:         body.Period,
		Trial:          body.Trial,
		IdempotencyKey: key,
	}, true
}

// InitiateCardPayment starts a card checkout and returns the 3-D Secure redirect.
func (bc *BillingController) InitiateCardPayment(c *gin.Context) {
	var body cardCheckoutBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	req, ok := checkoutRequest(c, body.checkoutBody)
	if !ok {
		return
	}

	res, err := bc.Card.Initiate(c.Request.Context(), payment_handlers.CardCheckoutRequest{
		CheckoutRequest: req,
		PaymentMethod:   body.PaymentMethod,
		SaveCard:        body.SaveCard,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	switch {
	case res.Existing:
		c.JSON(http.StatusOK, res)
	case res.Status == payment_transaction_models.StatusFailed:
		c.JSON(http.StatusPaymentRequired, res)
	default:
		logger.InfoLogger.Infof("Card payment %s started for user %s (%s)", res.Transaction.ID, req.UserID, res.Status)
		c.JSON(http.StatusCreated, res)
	}
}

// InitiateBankTransfer books a pending transfer and returns the payment instructions.
func (bc *BillingController) InitiateBankTransfer(c *gin.Context) {
	var body checkoutBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	req, ok := checkoutRequest(c, body)
	if !ok {
		return
	}

	res, err := bc.Bank.Initiate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	if res.Existing {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ListPayments returns the caller's payments, newest first.
func (bc *BillingController) ListPayments(c *gin.Context) {
	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		respondError(c, err)
		return
	}
	limit, offset := page(c)
	filter := payment_transaction_models.Filter{UserID: &userID, Limit: limit, Offset: offset}
	if s := c.Query("status"); s != "" {
		filter.Statuses = strings.Split(s, ",")
	}

	list, err := bc.Base.Repository().ListTransactions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list, "limit": limit, "offset": offset})
}

// ownTransaction loads a transaction and hides other users' payments as not found.
func (bc *BillingController) ownTransaction(c *gin.Context) (*payment_transaction_models.PaymentTransaction, bool) {
	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return nil, false
	}

	t, err := bc.Base.Repository().GetTransaction(c.Request.Context(), id)
	if errors.Is(err, shared_models.ErrNotFound) || (err == nil && t.UserID != userID) {
		respondError(c, payment_handlers.ErrTransactionNotFound)
		return nil, false
	}
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return t, true
}

// GetPayment returns one payment, refreshing a stale 3-D Secure payment from the gateway.
func (bc *BillingController) GetPayment(c *gin.Context) {
	t, ok := bc.ownTransaction(c)
	if !ok {
		return
	}
	synced, err := bc.Card.Sync(c.Request.Context(), t)
	if err != nil {
		logger.WarnLogger.Warnf("Sync of payment %s failed: %v", t.ID, err)
	}
	if synced != nil {
		t = synced
	}
	c.JSON(http.StatusOK, gin.H{"payment": t})
}

// GetReceipt streams the PDF receipt of a completed payment.
func (bc *BillingController) GetReceipt(c *gin.Context) {
	t, ok := bc.ownTransaction(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	repo := bc.Base.Repository()

	pkg, err := repo.GetPackage(ctx, t.PackageID)
	if err != nil {
		respondError(c, err)
		return
	}
	profile, err := repo.GetBillingProfile(ctx, t.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	pdf, err := bc.Receipts.GeneratePDF(t, pkg, profile)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="receipt-%s.pdf"`, t.ID))
	c.Header("X-Receipt-Verification", bc.Receipts.VerificationCode(t))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

// VerifyReceipt lets anyone holding a receipt check its verification code.
func (bc *BillingController) VerifyReceipt(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	code := c.Query("code")
	t, err := bc.Base.Repository().GetTransaction(c.Request.Context(), id)
	if err != nil && !errors.Is(err, shared_models.ErrNotFound) {
		respondError(c, err)
		return
	}
	valid := err == nil && t.Status == payment_transaction_models.StatusCompleted && bc.Receipts.Verify(t, code)
	if !valid {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":        true,
		"amount":       t.Amount,
		"currency":     t.Currency,
		"completed_at": t.CompletedAt,
	})
}

// CancelPayment lets the owner abandon a pending payment.
func (bc *BillingController) CancelPayment(c *gin.Context) {
	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		respondError(c, err)
		return
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	t, err := bc.Base.Cancel(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": t})
}
