package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joy095/billing/app"
	"github.com/joy095/billing/config"
	"github.com/joy095/billing/config/db"
	"github.com/joy095/billing/config/redis"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/middlewares/cors"
	logger_middleware "github.com/joy095/billing/middlewares/logger"
	"github.com/joy095/billing/routes"
)

func init() {
	// .env may set LOG_FILE and LOG_LEVEL
	config.LoadEnv()
	logger.InitLoggers()
}

func main() {
	dbCfg, err := config.LoadDatabaseConfig()
	if err != nil {
		logger.ErrorLogger.Fatalf("Invalid database configuration: %v", err)
	}
	if err := db.Connect(context.Background(), dbCfg); err != nil {
		logger.ErrorLogger.Fatalf("Database connection failed: %v", err)
	}
	defer db.Close()
	defer redis.CloseRedis()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(ctx, db.DB); err != nil {
		cancel()
		logger.ErrorLogger.Fatalf("Migration failed: %v", err)
	}
	billing, err := app.New(ctx)
	cancel()
	if err != nil {
		logger.ErrorLogger.Fatalf("Failed to start billing: %v", err)
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.CorsMiddleware())
	r.Use(logger_middleware.GinLogger())

	routes.RegisterHealthRoutes(r)
	routes.RegisterBillingRoutes(r, billing.Controller, billing.Stores)
	routes.RegisterAdminRoutes(r, billing.Controller)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoLogger.Infof("Billing server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorLogger.Fatalf("Server failed to listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	fmt.Println("Shutting down billing server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.ErrorLogger.Errorf("Server forced to shutdown: %v", err)
	}
	logger.InfoLogger.Info("Billing server exited gracefully")
}
