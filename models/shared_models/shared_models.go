package shared_models

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so model functions can
// run inside or outside a database transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNotFound is returned by model lookups that match no row.
var ErrNotFound = errors.New("record not found")

// Billing periods
const (
	PeriodMonthly = "monthly"
	PeriodYearly  = "yearly"
)

// Payment channels
const (
	ChannelCard         = "card"
	ChannelBankTransfer = "bank_transfer"
)

// ValidPeriod reports whether p is a billable period.
func ValidPeriod(p string) bool {
	return p == PeriodMonthly || p == PeriodYearly
}
