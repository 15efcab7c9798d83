// Command worker runs the billing maintenance jobs: expiring abandoned
// payments, activating scheduled plans and charging due renewals.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joy095/billing/app"
	"github.com/joy095/billing/config"
	"github.com/joy095/billing/config/db"
	"github.com/joy095/billing/config/redis"
	"github.com/joy095/billing/controllers/billing_controller"
	"github.com/joy095/billing/logger"
)

func init() {
	// .env may set LOG_FILE and LOG_LEVEL
	config.LoadEnv()
	logger.InitLoggers()
	dbCfg, err := config.LoadDatabaseConfig()
	if err != nil {
		logger.ErrorLogger.Fatalf("Invalid database configuration: %v", err)
	}
	if err := db.Connect(context.Background(), dbCfg); err != nil {
		logger.ErrorLogger.Fatalf("Database connection failed: %v", err)
	}
}

func runOnce(ctx context.Context, bc *billing_controller.BillingController) {
	now := bc.Now()

	sweep, err := bc.Sweeper.Sweep(ctx, now)
	if err != nil {
		logger.ErrorLogger.Errorf("Sweep finished with errors: %v", err)
	}
	logger.InfoLogger.Infof("Sweep: %+v", sweep)

	renewals, err := bc.Renewal.RenewDue(ctx, now)
	if err != nil {
		logger.ErrorLogger.Errorf("Renewal run finished with errors: %v", err)
	}
	logger.InfoLogger.Infof("Renewals: %+v", renewals)
}

func main() {
	once := flag.Bool("once", false, "run one sweep and renewal pass, then exit")
	flag.Parse()
	defer db.Close()
	defer redis.CloseRedis()

	interval, err := time.ParseDuration(config.GetEnv("WORKER_INTERVAL", "10m"))
	if err != nil || interval <= 0 {
		logger.ErrorLogger.Fatalf("Invalid WORKER_INTERVAL: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	billing, err := app.New(ctx)
	if err != nil {
		logger.ErrorLogger.Fatalf("Failed to start billing worker: %v", err)
	}

	runOnce(ctx, billing.Controller)
	if *once {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.InfoLogger.Infof("Billing worker running every %s", interval)
	for {
		select {
		case <-ctx.Done():
			logger.InfoLogger.Info("Billing worker stopped")
			return
		case <-ticker.C:
			runOnce(ctx, billing.Controller)
		}
	}
}
