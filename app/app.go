// Package app wires the billing handlers to their infrastructure. The API
// server and the worker binary share it.
package app

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joy095/billing/clients"
	"github.com/joy095/billing/config"
	"github.com/joy095/billing/config/db"
	redisconf "github.com/joy095/billing/config/redis"
	"github.com/joy095/billing/controllers/billing_controller"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/logger"
	middleware "github.com/joy095/billing/middlewares"
	"github.com/joy095/billing/receipts"
	"github.com/joy095/billing/utils/mail"
)

// App holds the long-lived billing components.
type App struct {
	Config     *config.PaymentConfig
	Controller *billing_controller.BillingController
	Stores     middleware.StoreFactory
}

// NewCardGateway returns the processor selected by CARD_GATEWAY behind a
// circuit breaker.
func NewCardGateway(cfg *config.PaymentConfig) (clients.CardGateway, error) {
	var gw clients.CardGateway
	switch cfg.CardGateway {
	case "stripe":
		key := os.Getenv("STRIPE_SECRET_KEY")
		if key == "" {
			return nil, fmt.Errorf("STRIPE_SECRET_KEY is not set")
		}
		gw = clients.NewStripeGateway(key, os.Getenv("STRIPE_WEBHOOK_SECRET"))
	case "razorpay":
		keyID, secret := os.Getenv("RAZORPAY_KEY_ID"), os.Getenv("RAZORPAY_KEY_SECRET")
		if keyID == "" || secret == "" {
			return nil, fmt.Errorf("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET must be set")
		}
		gw = clients.NewRazorpayGateway(keyID, secret, os.Getenv("RAZORPAY_WEBHOOK_SECRET"))
	default:
		return nil, fmt.Errorf("unsupported card gateway %q", cfg.CardGateway)
	}

	threshold, err := strconv.Atoi(config.GetEnv("GATEWAY_BREAKER_FAILURES", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid GATEWAY_BREAKER_FAILURES: %w", err)
	}
	openFor, err := time.ParseDuration(config.GetEnv("GATEWAY_BREAKER_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid GATEWAY_BREAKER_TIMEOUT: %w", err)
	}
	return clients.NewBreakerGateway(gw, uint32(threshold), openFor), nil
}

// newNotifier sends over SMTP when it is configured and logs otherwise.
func newNotifier(cfg *config.PaymentConfig, gen *receipts.Generator) (*mail.Mailer, error) {
	var sender mail.Sender = mail.LogSender{}
	if os.Getenv("SMTP_HOST") != "" {
		dialer, err := mail.NewSMTPDialer()
		if err != nil {
			return nil, err
		}
		sender = dialer
	} else {
		logger.WarnLogger.Warn("SMTP_HOST not set; billing e-mails will only be logged")
	}
	return mail.NewMailer(sender, config.GetEnv("FROM_EMAIL", "billing@localhost"), companyName(), cfg.FrontendURL, gen)
}

func companyName() string {
	return config.GetEnv("COMPANY_NAME", "Billing")
}

// New builds the app on top of the connected database pool and Redis.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.LoadPaymentConfig()
	if err != nil {
		return nil, fmt.Errorf("payment config: %w", err)
	}
	if db.DB == nil {
		return nil, fmt.Errorf("database pool is not connected")
	}

	rdb, err := redisconf.GetRedisClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	gateway, err := NewCardGateway(cfg)
	if err != nil {
		return nil, fmt.Errorf("card gateway: %w", err)
	}

	gen := receipts.NewGenerator(companyName(), receipts.KeyFromEnv())
	notifier, err := newNotifier(cfg, gen)
	if err != nil {
		return nil, fmt.Errorf("mailer: %w", err)
	}

	base := payment_handlers.NewBasePaymentHandler(payment_handlers.NewPgRepository(db.DB), cfg, notifier)
	card := payment_handlers.NewCardHandler(base, gateway, payment_handlers.NewRedisLocker(rdb))

	logger.InfoLogger.Infof("Billing ready: gateway=%s currency=%s vat=%s", gateway.Name(), cfg.Currency, cfg.VATRate)
	return &App{
		Config:     cfg,
		Controller: billing_controller.NewBillingController(base, card, gen),
		Stores:     middleware.RedisStores(rdb),
	}, nil
}
