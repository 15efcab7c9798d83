package payment_transaction_models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/shared_models"
	"github.com/shopspring/decimal"
)

// Transaction statuses
const (
	StatusPending     = "pending"
	StatusAwaiting3DS = "awaiting_3ds"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
	StatusExpired     = "expired"
)

// Transaction sources
const (
	SourceCheckout = "checkout"
	SourceRenewal  = "renewal"
	SourceManual   = "manual"
)

var transitions = map[string][]string{
	StatusPending:     {StatusAwaiting3DS, StatusCompleted, StatusFailed, StatusCancelled, StatusExpired},
	StatusAwaiting3DS: {StatusCompleted, StatusFailed, StatusExpired},
}

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid payment status transition")

// CanTransition reports whether a transaction may move from one status to another.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from status.
func IsTerminal(status string) bool {
	return len(transitions[status]) == 0
}

// PaymentTransaction is one attempt to pay for a package.
type PaymentTransaction struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	PackageID        uuid.UUID       `json:"package_id"`
	Channel          string          `json:"channel"`
	Source           string          `json:"source"`
	Period           string          `json:"period"`
	IsTrial          bool            `json:"is_trial"`
	Amount           decimal.Decimal `json:"amount"`
	NetAmount        decimal.Decimal `json:"net_amount"`
	VATAmount        decimal.Decimal `json:"vat_amount"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	ConversationID   *string         `json:"conversation_id,omitempty"`
	IdempotencyKey   *string         `json:"-"`
	ReferenceCode    *string         `json:"reference_code,omitempty"`
	Gateway          string          `json:"gateway,omitempty"`
	GatewayReference string          `json:"-"`
	GatewayPaymentID string          `json:"gateway_payment_id,omitempty"`
	SaveCard         bool            `json:"-"`
	CardLast4        string          `json:"card_last4,omitempty"`
	RedirectURL      string          `json:"-"`
	Checkout         map[string]any  `json:"-"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	SubscriptionID   *uuid.UUID      `json:"subscription_id,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewPaymentTransaction builds a pending transaction with a fresh v7 id.
func NewPaymentTransaction(userID, packageID uuid.UUID, channel, source, period string) (*PaymentTransaction, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate UUID for payment transaction: %w", err)
	}
	now := time.Now().UTC()
	return &PaymentTransaction{
		ID:        id,
		UserID:    userID,
		PackageID: packageID,
		Channel:   channel,
		Source:    source,
		Period:    period,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// TransitionTo moves the transaction to a new status if the move is allowed.
func (t *PaymentTransaction) TransitionTo(status string) error {
	if !CanTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Lookup selects a single transaction by one of its unique keys. Exactly one
// field (or the UserID+IdempotencyKey pair) should be set.
type Lookup struct {
	ConversationID   string
	GatewayReference string
	ReferenceCode    string
	UserID           uuid.UUID
	IdempotencyKey   string
}

// Filter narrows List results.
type Filter struct {
	UserID        *uuid.UUID
	Statuses      []string
	Channel       string
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

const transactionColumns = `id, user_id, package_id, channel, source, period, is_trial, amount, net_amount, vat_amount,
	currency, status, conversation_id, idempotency_key, reference_code, gateway, gateway_reference, gateway_payment_id,
	save_card, card_last4, redirect_url, checkout, error_message, subscription_id, completed_at, expires_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (*PaymentTransaction, error) {
	t := &PaymentTransaction{}
	err := row.Scan(&t.ID, &t.UserID, &t.PackageID, &t.Channel, &t.Source, &t.Period, &t.IsTrial,
		&t.Amount, &t.NetAmount, &t.VATAmount, &t.Currency, &t.Status, &t.ConversationID, &t.IdempotencyKey,
		&t.ReferenceCode, &t.Gateway, &t.GatewayReference, &t.GatewayPaymentID, &t.SaveCard, &t.CardLast4,
		&t.RedirectURL, &t.Checkout, &t.ErrorMessage, &t.SubscriptionID, &t.CompletedAt, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return shared_models.ErrNotFound
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// CreatePaymentTransaction inserts a new payment transaction record.
func CreatePaymentTransaction(ctx context.Context, db shared_models.DBTX, t *PaymentTransaction) error {
	logger.InfoLogger.Infof("Creating %s payment transaction %s for user %s", t.Channel, t.ID, t.UserID)

	_, err := db.Exec(ctx, `
		INSERT INTO payment_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21, $22, $23, $24, $25, $26, $27, $28)`,
		t.ID, t.UserID, t.PackageID, t.Channel, t.Source, t.Period, t.IsTrial, t.Amount, t.NetAmount, t.VATAmount,
		t.Currency, t.Status, t.ConversationID, t.IdempotencyKey, t.ReferenceCode, t.Gateway, t.GatewayReference,
		t.GatewayPaymentID, t.SaveCard, t.CardLast4, t.RedirectURL, t.Checkout, t.ErrorMessage, t.SubscriptionID, t.CompletedAt, t.ExpiresAt,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		logger.ErrorLogger.Errorf("Failed to insert payment transaction %s: %v", t.ID, err)
		return fmt.Errorf("failed to create payment transaction: %w", err)
	}
	return nil
}

// GetPaymentTransactionByID fetches a transaction by id.
func GetPaymentTransactionByID(ctx context.Context, db shared_models.DBTX, id uuid.UUID) (*PaymentTransaction, error) {
	t, err := scanTransaction(db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "database error fetching payment transaction %s", id)
	}
	return t, nil
}

// GetPaymentTransactionForUpdate fetches a transaction and row-locks it until
// the surrounding database transaction ends.
func GetPaymentTransactionForUpdate(ctx context.Context, db shared_models.DBTX, id uuid.UUID) (*PaymentTransaction, error) {
	t, err := scanTransaction(db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFoundOr(err, "database error locking payment transaction %s", id)
	}
	return t, nil
}

// FindPaymentTransaction fetches a transaction by one of its unique keys.
func FindPaymentTransaction(ctx context.Context, db shared_models.DBTX, l Lookup) (*PaymentTransaction, error) {
	var (
		where string
		args  []any
	)
	switch {
	case l.ConversationID != "":
		where, args = "conversation_id = $1", []any{l.ConversationID}
	case l.GatewayReference != "":
		where, args = "gateway_reference = $1", []any{l.GatewayReference}
	case l.ReferenceCode != "":
		where, args = "reference_code = $1", []any{strings.ToUpper(l.ReferenceCode)}
	case l.IdempotencyKey != "" && l.UserID != uuid.Nil:
		where, args = "user_id = $1 AND idempotency_key = $2", []any{l.UserID, l.IdempotencyKey}
	default:
		return nil, fmt.Errorf("empty payment transaction lookup")
	}

	t, err := scanTransaction(db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE `+where+` ORDER BY created_at DESC LIMIT 1`, args...))
	if err != nil {
		return nil, notFoundOr(err, "database error finding payment transaction")
	}
	return t, nil
}

// UpdatePaymentTransaction writes every mutable column of a transaction.
func UpdatePaymentTransaction(ctx context.Context, db shared_models.DBTX, t *PaymentTransaction) error {
	t.UpdatedAt = time.Now().UTC()

	cmdTag, err := db.Exec(ctx, `
		UPDATE payment_transactions
		SET status = $2, gateway = $3, gateway_reference = $4, gateway_payment_id = $5, card_last4 = $6,
		    error_message = $7, subscription_id = $8, completed_at = $9, expires_at = $10, updated_at = $11,
		    redirect_url = $12, checkout = $13
		WHERE id = $1`,
		t.ID, t.Status, t.Gateway, t.GatewayReference, t.GatewayPaymentID, t.CardLast4, t.ErrorMessage,
		t.SubscriptionID, t.CompletedAt, t.ExpiresAt, t.UpdatedAt, t.RedirectURL, t.Checkout)
	if err != nil {
		logger.ErrorLogger.Errorf("Failed to update payment transaction %s: %v", t.ID, err)
		return fmt.Errorf("failed to update payment transaction: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return shared_models.ErrNotFound
	}

	logger.InfoLogger.Infof("Payment transaction %s is now %s", t.ID, t.Status)
	return nil
}

// ListPaymentTransactions returns transactions matching the filter, newest first.
func ListPaymentTransactions(ctx context.Context, db shared_models.DBTX, f Filter) ([]PaymentTransaction, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", f.Statuses)
	}
	if f.Channel != "" {
		add("channel = $%d", f.Channel)
	}
	if f.CreatedBefore != nil {
		add("created_at < $%d", *f.CreatedBefore)
	}

	query := `SELECT ` + transactionColumns + ` FROM payment_transactions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		logger.ErrorLogger.Errorf("Failed to list payment transactions: %v", err)
		return nil, fmt.Errorf("database error listing payment transactions: %w", err)
	}
	defer rows.Close()

	var out []PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("error reading payment transaction row: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading payment transactions: %w", err)
	}
	return out, nil
}
