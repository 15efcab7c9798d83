package payment_handlers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joy095/billing/config"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/utils"
	"github.com/shopspring/decimal"
)

// Reconcile outcomes
const (
	OutcomeMatched          = "matched"
	OutcomeManual           = "manual"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeMismatch         = "amount_mismatch"
	OutcomeAmbiguous        = "ambiguous"
	OutcomeUnmatched        = "unmatched"
	OutcomeError            = "error"
)

// Tolerates the customer dropping the dash or lower-casing the code.
var referencePattern = regexp.MustCompile(`(?i)\bRT-?([A-HJ-NP-Z2-9]{6})\b`)

// BankTransferHandler sells packages paid by wire transfer and confirmed by
// an admin or a bank statement import.
type BankTransferHandler struct {
	*BasePaymentHandler
}

func NewBankTransferHandler(base *BasePaymentHandler) *BankTransferHandler {
	return &BankTransferHandler{BasePaymentHandler: base}
}

type BankTransferResult struct {
	Transaction   *payment_transaction_models.PaymentTransaction `json:"transaction"`
	ReferenceCode string                                         `json:"reference_code"`
	Amount        decimal.Decimal                                `json:"amount"`
	Currency      string                                         `json:"currency"`
	BankAccounts  []config.BankAccount                           `json:"bank_accounts"`
	ExpiresAt     *time.Time                                     `json:"expires_at,omitempty"`
	Existing      bool                                           `json:"existing"`
}

// Initiate creates a pending transfer with a reference code the customer
// writes in the transfer description.
func (h *BankTransferHandler) Initiate(ctx context.Context, req CheckoutRequest) (*BankTransferResult, error) {
	req.Channel = shared_models.ChannelBankTransfer
	prep, err := h.PrepareCheckout(ctx, req)
	if err != nil {
		return nil, err
	}
	t := prep.Transaction
	if prep.Existing {
		return h.result(t, true), nil
	}

	code, err := utils.GenerateReferenceCode()
	if err != nil {
		return nil, err
	}
	expires := h.now().Add(h.cfg.BankTransferTTL)
	t.ReferenceCode = &code
	t.ExpiresAt = &expires
	stored, existing, err := h.CreatePending(ctx, t)
	if err != nil {
		return nil, err
	}
	if existing {
		return h.result(stored, true), nil
	}
	logger.InfoLogger.Infof("Bank transfer %s (%s) created for user %s: %s %s", t.ID, code, t.UserID, t.Amount.StringFixed(2), t.Currency)

	if h.notifier != nil {
		if err := h.notifier.BankTransferInstructions(ctx, prep.Profile, t, prep.Package, h.cfg.BankAccounts); err != nil {
			logger.ErrorLogger.Errorf("Failed to send bank transfer instructions for %s: %v", t.ID, err)
		}
	}
	return h.result(t, false), nil
}

func (h *BankTransferHandler) result(t *payment_transaction_models.PaymentTransaction, existing bool) *BankTransferResult {
	res := &BankTransferResult{
		Transaction:  t,
		Amount:       t.Amount,
		Currency:     t.Currency,
		BankAccounts: h.cfg.BankAccounts,
		ExpiresAt:    t.ExpiresAt,
		Existing:     existing,
	}
	if t.ReferenceCode != nil {
		res.ReferenceCode = *t.ReferenceCode
	}
	return res
}

func (h *BankTransferHandler) getTransfer(ctx context.Context, id uuid.UUID) (*payment_transaction_models.PaymentTransaction, error) {
	t, err := h.repo.GetTransaction(ctx, id)
	if errors.Is(err, shared_models.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Channel != shared_models.ChannelBankTransfer {
		return nil, ErrWrongChannel
	}
	return t, nil
}

// amountAccepted allows underpayment within tolerance and any overpayment.
func (h *BankTransferHandler) amountAccepted(expected, received decimal.Decimal) bool {
	minimum := expected.Mul(decimal.NewFromInt(1).Sub(h.cfg.AmountTolerance))
	return received.GreaterThanOrEqual(minimum)
}

// Approve confirms a transfer an admin found on the bank account.
func (h *BankTransferHandler) Approve(ctx context.Context, id uuid.UUID, received decimal.Decimal) (*CompletionResult, error) {
	if !received.IsPositive() {
		return nil, ErrInvalidAmount
	}
	t, err := h.getTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !h.amountAccepted(t.Amount, received) {
		return nil, fmt.Errorf("%w: received %s, expected %s", ErrAmountMismatch, received.StringFixed(2), t.Amount.StringFixed(2))
	}
	if received.GreaterThan(t.Amount) {
		logger.WarnLogger.Warnf("Bank transfer %s overpaid: received %s, expected %s", t.ID, received.StringFixed(2), t.Amount.StringFixed(2))
	}
	return h.Complete(ctx, t.ID, CompletionDetails{})
}

// Reject fails a transfer that will not be honoured.
func (h *BankTransferHandler) Reject(ctx context.Context, id uuid.UUID, reason string) (*payment_transaction_models.PaymentTransaction, error) {
	if _, err := h.getTransfer(ctx, id); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rejected by admin"
	}
	return h.Fail(ctx, id, reason)
}

// StatementLine is one incoming credit from a bank statement.
type StatementLine struct {
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	SenderName  string          `json:"sender_name"`
	UserID      *uuid.UUID      `json:"user_id,omitempty"`
}

type ReconcileResult struct {
	Line          StatementLine `json:"line"`
	Outcome       string        `json:"outcome"`
	TransactionID *uuid.UUID    `json:"transaction_id,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// Reconcile matches statement lines to pending transfers: by reference code,
// then by amount (narrowed by sender name), then by package price for lines
// that name a user.
func (h *BankTransferHandler) Reconcile(ctx context.Context, lines []StatementLine) ([]ReconcileResult, error) {
	pending, err := h.repo.ListTransactions(ctx, payment_transaction_models.Filter{
		Statuses: []string{payment_transaction_models.StatusPending},
		Channel:  shared_models.ChannelBankTransfer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load pending transfers: %w", err)
	}

	results := make([]ReconcileResult, 0, len(lines))
	claimed := make(map[uuid.UUID]bool)
	for _, line := range lines {
		res := h.reconcileLine(ctx, line, pending, claimed)
		if res.TransactionID != nil && (res.Outcome == OutcomeMatched || res.Outcome == OutcomeManual) {
			claimed[*res.TransactionID] = true
		}
		results = append(results, res)
	}
	return results, nil
}

func (h *BankTransferHandler) reconcileLine(ctx context.Context, line StatementLine, pending []payment_transaction_models.PaymentTransaction, claimed map[uuid.UUID]bool) ReconcileResult {
	res := ReconcileResult{Line: line, Outcome: OutcomeUnmatched}
	if !line.Amount.IsPositive() {
		res.Message = "not an incoming credit"
		return res
	}

	if m := referencePattern.FindStringSubmatch(line.Description); m != nil {
		code := utils.ReferencePrefix + strings.ToUpper(m[1])
		t, err := h.repo.FindTransaction(ctx, payment_transaction_models.Lookup{ReferenceCode: code})
		switch {
		case err == nil:
			return h.completeLine(ctx, res, t)
		case !errors.Is(err, shared_models.ErrNotFound):
			res.Outcome, res.Message = OutcomeError, err.Error()
			return res
		}
		logger.WarnLogger.Warnf("Statement line references unknown code %s", code)
	}

	var candidates []payment_transaction_models.PaymentTransaction
	for _, t := range pending {
		if claimed[t.ID] {
			continue
		}
		if line.Amount.Sub(t.Amount).Abs().LessThanOrEqual(t.Amount.Mul(h.cfg.AmountTolerance)) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) > 1 && line.SenderName != "" {
		candidates = h.narrowBySender(ctx, candidates, line.SenderName)
	}
	switch len(candidates) {
	case 1:
		return h.completeLine(ctx, res, &candidates[0])
	case 0:
	default:
		res.Outcome = OutcomeAmbiguous
		res.Message = fmt.Sprintf("%d pending transfers match %s", len(candidates), line.Amount.StringFixed(2))
		return res
	}

	if line.UserID != nil {
		return h.manualLine(ctx, res, *line.UserID)
	}
	res.Message = "no pending transfer matches this line"
	return res
}

func (h *BankTransferHandler) narrowBySender(ctx context.Context, candidates []payment_transaction_models.PaymentTransaction, sender string) []payment_transaction_models.PaymentTransaction {
	sender = normalizeName(sender)
	var out []payment_transaction_models.PaymentTransaction
	for _, t := range candidates {
		profile, err := h.repo.GetBillingProfile(ctx, t.UserID)
		if err != nil {
			continue
		}
		name := normalizeName(profile.FullName)
		if name != "" && (strings.Contains(sender, name) || strings.Contains(name, sender)) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (h *BankTransferHandler) completeLine(ctx context.Context, res ReconcileResult, t *payment_transaction_models.PaymentTransaction) ReconcileResult {
	id := t.ID
	res.TransactionID = &id

	switch {
	case t.Status == payment_transaction_models.StatusCompleted:
		res.Outcome = OutcomeAlreadyProcessed
		return res
	case t.Status != payment_transaction_models.StatusPending:
		res.Outcome = OutcomeUnmatched
		res.Message = fmt.Sprintf("transfer %s is %s", t.ID, t.Status)
		return res
	case !h.amountAccepted(t.Amount, res.Line.Amount):
		res.Outcome = OutcomeMismatch
		res.Message = fmt.Sprintf("received %s, expected %s", res.Line.Amount.StringFixed(2), t.Amount.StringFixed(2))
		return res
	}

	if _, err := h.Complete(ctx, t.ID, CompletionDetails{}); err != nil {
		res.Outcome, res.Message = OutcomeError, err.Error()
		return res
	}
	res.Outcome = OutcomeMatched
	return res
}

// manualLine books a payment nobody announced, guessing the package from the amount.
func (h *BankTransferHandler) manualLine(ctx context.Context, res ReconcileResult, userID uuid.UUID) ReconcileResult {
	packages, err := h.repo.ListActivePackages(ctx)
	if err != nil {
		res.Outcome, res.Message = OutcomeError, err.Error()
		return res
	}
	match, err := MatchPackageByAmount(packages, res.Line.Amount, h.cfg.VATRate, h.cfg.AmountTolerance)
	if err != nil {
		if errors.Is(err, ErrAmbiguousAmount) {
			res.Outcome = OutcomeAmbiguous
		}
		res.Message = err.Error()
		return res
	}

	t, err := h.bookManual(ctx, userID, match)
	if err != nil {
		res.Outcome, res.Message = OutcomeError, err.Error()
		if errors.Is(err, ErrTrialNotEligible) || errors.Is(err, ErrProfileNotFound) {
			res.Outcome = OutcomeUnmatched
		}
		return res
	}
	id := t.ID
	res.TransactionID = &id
	res.Outcome = OutcomeManual
	res.Message = fmt.Sprintf("%s %s (%s match)", match.Package.Slug, match.Period, match.Confidence)
	return res
}

func (h *BankTransferHandler) bookManual(ctx context.Context, userID uuid.UUID, match *PackageMatch) (*payment_transaction_models.PaymentTransaction, error) {
	if _, err := h.repo.GetBillingProfile(ctx, userID); err != nil {
		if errors.Is(err, shared_models.ErrNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	eligible := true
	if match.IsTrial {
		var err error
		if eligible, err = h.TrialEligible(ctx, h.repo, userID); err != nil {
			return nil, err
		}
	}
	price, err := Quote(match.Package, match.Period, match.IsTrial, eligible, h.cfg.VATRate, h.cfg.Currency)
	if err != nil {
		return nil, err
	}

	t, err := payment_transaction_models.NewPaymentTransaction(userID, match.Package.ID,
		shared_models.ChannelBankTransfer, payment_transaction_models.SourceManual, match.Period)
	if err != nil {
		return nil, err
	}
	applyPrice(t, price)
	code, err := utils.GenerateReferenceCode()
	if err != nil {
		return nil, err
	}
	t.ReferenceCode = &code
	if _, _, err := h.CreatePending(ctx, t); err != nil {
		return nil, err
	}
	res, err := h.Complete(ctx, t.ID, CompletionDetails{})
	if err != nil {
		return nil, err
	}
	return res.Transaction, nil
}
