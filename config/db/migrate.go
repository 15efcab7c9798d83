package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joy095/billing/logger"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the billing schema. Every statement is idempotent so it is
// safe to run on each start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply billing schema: %w", err)
	}
	logger.InfoLogger.Info("Billing schema applied")
	return nil
}
