package billing_controller

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/receipts"
	"github.com/joy095/billing/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// BillingController exposes the payment handlers over HTTP.
type BillingController struct {
	Base     *payment_handlers.BasePaymentHandler
	Card     *payment_handlers.CardHandler
	Bank     *payment_handlers.BankTransferHandler
	Renewal  *payment_handlers.RenewalHandler
	Sweeper  *payment_handlers.Sweeper
	Receipts *receipts.Generator
	Now      func() time.Time
}

// NewBillingController wires the handlers that share one BasePaymentHandler.
func NewBillingController(base *payment_handlers.BasePaymentHandler, card *payment_handlers.CardHandler, gen *receipts.Generator) *BillingController {
	return &BillingController{
		Base:     base,
		Card:     card,
		Bank:     payment_handlers.NewBankTransferHandler(base),
		Renewal:  payment_handlers.NewRenewalHandler(base, card.Gateway(), card.Locker()),
		Sweeper:  payment_handlers.NewSweeper(base, card),
		Receipts: gen,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

type errorMapping struct {
	err    error
	status int
}

var errorStatuses = []errorMapping{
	{payment_handlers.ErrTransactionNotFound, http.StatusNotFound},
	{payment_handlers.ErrPackageNotFound, http.StatusNotFound},
	{payment_handlers.ErrProfileNotFound, http.StatusNotFound},
	{payment_handlers.ErrNoSubscription, http.StatusNotFound},
	{shared_models.ErrNotFound, http.StatusNotFound},

	{payment_handlers.ErrInvalidPeriod, http.StatusBadRequest},
	{payment_handlers.ErrInvalidAmount, http.StatusBadRequest},
	{payment_handlers.ErrPackageInactive, http.StatusBadRequest},
	{payment_handlers.ErrTrialUnavailable, http.StatusBadRequest},
	{payment_handlers.ErrWrongChannel, http.StatusBadRequest},

	{payment_handlers.ErrTrialNotEligible, http.StatusConflict},
	{payment_handlers.ErrIdempotencyConflict, http.StatusConflict},
	{payment_handlers.ErrTransactionClosed, http.StatusConflict},
	{payment_handlers.ErrDuplicateRecord, http.StatusConflict},
	{payment_handlers.ErrGatewayMismatch, http.StatusConflict},
	{payment_transaction_models.ErrInvalidTransition, http.StatusConflict},
	{receipts.ErrNotCompleted, http.StatusConflict},
	{payment_handlers.ErrLockHeld, http.StatusLocked},

	{payment_handlers.ErrAmountMismatch, http.StatusUnprocessableEntity},
	{payment_handlers.ErrAmbiguousAmount, http.StatusUnprocessableEntity},
	{payment_handlers.ErrNoPackageMatch, http.StatusUnprocessableEntity},

	{payment_handlers.ErrInvalidSignature, http.StatusUnauthorized},
	{utils.ErrUserIDNotFound, http.StatusUnauthorized},
	{payment_handlers.ErrGatewayUnavailable, http.StatusServiceUnavailable},
}

// statusFor maps a handler error to an HTTP status; unknown errors are 500.
func statusFor(err error) int {
	for _, m := range errorStatuses {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorLogger.Errorf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// page reads limit/offset query parameters with sane bounds.
func page(c *gin.Context) (limit, offset int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
