package payment_handlers

import (
	"errors"

	"github.com/joy095/billing/clients"
)

var (
	ErrPackageNotFound     = errors.New("package not found")
	ErrPackageInactive     = errors.New("package is not on sale")
	ErrInvalidPeriod       = errors.New("billing period must be monthly or yearly")
	ErrTrialNotEligible    = errors.New("user is not eligible for a trial")
	ErrTrialUnavailable    = errors.New("package does not offer a trial")
	ErrIdempotencyConflict = errors.New("idempotency key was already used for a different checkout")
	ErrProfileNotFound     = errors.New("billing profile not found")

	ErrTransactionNotFound = errors.New("payment transaction not found")
	ErrTransactionClosed   = errors.New("payment transaction is already closed")
	ErrWrongChannel        = errors.New("operation is not valid for this payment channel")
	ErrAmountMismatch      = errors.New("received amount does not match the expected amount")
	ErrInvalidAmount       = errors.New("amount must be positive")

	ErrAmbiguousAmount = errors.New("amount matches more than one package")
	ErrNoPackageMatch  = errors.New("amount does not match any package")

	ErrNoSubscription     = errors.New("no current subscription")
	ErrDuplicateRecord    = errors.New("duplicate record")
	ErrLockHeld           = errors.New("resource is locked by another request")
	ErrGatewayMismatch    = errors.New("transaction belongs to a different gateway")
	ErrGatewayUnavailable = clients.ErrGatewayUnavailable
	ErrInvalidSignature   = clients.ErrInvalidSignature
)
