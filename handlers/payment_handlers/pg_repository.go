package payment_handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/models/subscription_models"
	"github.com/joy095/billing/models/user_models"
)

// PgRepository implements Repository on a pgx pool. Inside WithTx the same
// type is bound to a pgx.Tx instead.
type PgRepository struct {
	pool *pgxpool.Pool
	db   shared_models.DBTX
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool, db: pool}
}

func (r *PgRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.pool == nil {
		// already inside a transaction
		return fn(r)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logger.ErrorLogger.Errorf("Failed to roll back transaction: %v", rbErr)
		}
	}()

	if err := fn(&PgRepository{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PgRepository) CreateTransaction(ctx context.Context, t *payment_transaction_models.PaymentTransaction) error {
	err := payment_transaction_models.CreatePaymentTransaction(ctx, r.db, t)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, pgErr.ConstraintName)
	}
	return err
}

func (r *PgRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*payment_transaction_models.PaymentTransaction, error) {
	return payment_transaction_models.GetPaymentTransactionByID(ctx, r.db, id)
}

func (r *PgRepository) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*payment_transaction_models.PaymentTransaction, error) {
	return payment_transaction_models.GetPaymentTransactionForUpdate(ctx, r.db, id)
}

func (r *PgRepository) FindTransaction(ctx context.Context, l payment_transaction_models.Lookup) (*payment_transaction_models.PaymentTransaction, error) {
	return payment_transaction_models.FindPaymentTransaction(ctx, r.db, l)
}

func (r *PgRepository) UpdateTransaction(ctx context.Context, t *payment_transaction_models.PaymentTransaction) error {
	return payment_transaction_models.UpdatePaymentTransaction(ctx, r.db, t)
}

func (r *PgRepository) ListTransactions(ctx context.Context, f payment_transaction_models.Filter) ([]payment_transaction_models.PaymentTransaction, error) {
	return payment_transaction_models.ListPaymentTransactions(ctx, r.db, f)
}

func (r *PgRepository) GetPackage(ctx context.Context, id uuid.UUID) (*package_models.Package, error) {
	return package_models.GetPackageByID(ctx, r.db, id)
}

func (r *PgRepository) ListActivePackages(ctx context.Context) ([]package_models.Package, error) {
	return package_models.ListActivePackages(ctx, r.db)
}

func (r *PgRepository) GetSubscription(ctx context.Context, id uuid.UUID) (*subscription_models.Subscription, error) {
	return subscription_models.GetSubscriptionByID(ctx, r.db, id)
}

func (r *PgRepository) GetCurrentSubscription(ctx context.Context, userID uuid.UUID) (*subscription_models.Subscription, error) {
	return subscription_models.GetCurrentSubscription(ctx, r.db, userID)
}

func (r *PgRepository) SaveSubscription(ctx context.Context, s *subscription_models.Subscription) error {
	return subscription_models.SaveSubscription(ctx, r.db, s)
}

func (r *PgRepository) ListSubscriptions(ctx context.Context, f subscription_models.Filter) ([]subscription_models.Subscription, error) {
	return subscription_models.ListSubscriptions(ctx, r.db, f)
}

func (r *PgRepository) HasUsedTrial(ctx context.Context, userID uuid.UUID) (bool, error) {
	return subscription_models.HasUsedTrial(ctx, r.db, userID)
}

func (r *PgRepository) GetBillingProfile(ctx context.Context, userID uuid.UUID) (*user_models.BillingProfile, error) {
	return user_models.GetBillingProfile(ctx, r.db, userID)
}

func (r *PgRepository) LogWebhookEvent(ctx context.Context, gateway, eventType string, payload []byte) (int64, error) {
	return payment_transaction_models.LogWebhookEvent(ctx, r.db, gateway, eventType, payload)
}

func (r *PgRepository) MarkWebhookEventProcessed(ctx context.Context, id int64) error {
	return payment_transaction_models.MarkWebhookEventProcessed(ctx, r.db, id)
}

func (r *PgRepository) GetWebhookStats(ctx context.Context) (*payment_transaction_models.WebhookStats, error) {
	return payment_transaction_models.GetWebhookStats(ctx, r.db)
}
