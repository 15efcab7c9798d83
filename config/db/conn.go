package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joy095/billing/config"
	"github.com/joy095/billing/logger"
)

var DB *pgxpool.Pool

// PoolConfig applies the configured pool sizes to the parsed DATABASE_URL.
func PoolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	return poolCfg, nil
}

// Connect opens the shared pool. The first ping runs in the background so a
// cold database does not hold up startup.
func Connect(ctx context.Context, cfg *config.DatabaseConfig) error {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("database connection error: %w", err)
	}

	go func() {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*cfg.ConnectTimeout)
		defer pingCancel()

		if err := pool.Ping(pingCtx); err != nil {
			logger.WarnLogger.Warnf("Database cold start or unreachable: %v", err)
		} else {
			logger.InfoLogger.Infof("Database ready (ping ok in %v)", time.Since(start))
		}
	}()

	DB = pool
	logger.InfoLogger.Infof("Connected to PostgreSQL pool (max %d, min %d connections)", cfg.MaxConns, cfg.MinConns)
	return nil
}

func Close() {
	if DB != nil {
		DB.Close()
		logger.InfoLogger.Info("Disconnected from PostgreSQL.")
	}
}
