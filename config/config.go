package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/joy095/billing/logger"
	"github.com/shopspring/decimal"
)

// LoadEnv loads a .env file when present. A missing file is not an error;
// in production the variables come from the environment.
func LoadEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WarnLogger.Warnf("Could not load .env file: %v", err)
	}
}

// BankAccount is one receiving account shown in bank transfer instructions.
type BankAccount struct {
	BankName      string `json:"bank_name"`
	AccountHolder string `json:"account_holder"`
	IBAN          string `json:"iban"`
}

// PaymentConfig carries every tunable of the billing flows.
type PaymentConfig struct {
	Currency           string
	VATRate            decimal.Decimal
	FrontendURL        string
	PublicAPIURL       string
	CardGateway        string
	BankTransferTTL    time.Duration
	ThreeDSTTL         time.Duration
	StaleSyncAfter     time.Duration
	AmountTolerance    decimal.Decimal
	RenewalLead        time.Duration
	RenewalRetryDelay  time.Duration
	MaxRenewalAttempts int
	RenewalWorkers     int
	BankAccounts       []BankAccount
}

// DefaultPaymentConfig returns the values used when no override is set.
func DefaultPaymentConfig() *PaymentConfig {
	return &PaymentConfig{
		Currency:           "TRY",
		VATRate:            decimal.RequireFromString("0.20"),
		FrontendURL:        "http://localhost:3000",
		PublicAPIURL:       "http://localhost:8081",
		CardGateway:        "stripe",
		BankTransferTTL:    7 * 24 * time.Hour,
		ThreeDSTTL:         30 * time.Minute,
		StaleSyncAfter:     5 * time.Minute,
		AmountTolerance:    decimal.RequireFromString("0.01"),
		RenewalLead:        24 * time.Hour,
		RenewalRetryDelay:  24 * time.Hour,
		MaxRenewalAttempts: 3,
		RenewalWorkers:     4,
	}
}

// LoadPaymentConfig reads PaymentConfig from the environment on top of the defaults.
func LoadPaymentConfig() (*PaymentConfig, error) {
	cfg := DefaultPaymentConfig()

	if v := os.Getenv("BILLING_CURRENCY"); v != "" {
		cfg.Currency = strings.ToUpper(v)
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.FrontendURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("PUBLIC_API_URL"); v != "" {
		cfg.PublicAPIURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("CARD_GATEWAY"); v != "" {
		v = strings.ToLower(v)
		if v != "stripe" && v != "razorpay" {
			return nil, fmt.Errorf("CARD_GATEWAY must be stripe or razorpay, got %q", v)
		}
		cfg.CardGateway = v
	}

	var err error
	if cfg.VATRate, err = decimalEnv("VAT_RATE", cfg.VATRate); err != nil {
		return nil, err
	}
	if cfg.VATRate.IsNegative() {
		return nil, fmt.Errorf("VAT_RATE must not be negative")
	}
	if cfg.AmountTolerance, err = decimalEnv("AMOUNT_TOLERANCE", cfg.AmountTolerance); err != nil {
		return nil, err
	}
	if cfg.AmountTolerance.IsNegative() || cfg.AmountTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("AMOUNT_TOLERANCE must be in [0, 1)")
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"BANK_TRANSFER_TTL", &cfg.BankTransferTTL},
		{"THREEDS_TTL", &cfg.ThreeDSTTL},
		{"STALE_SYNC_AFTER", &cfg.StaleSyncAfter},
		{"RENEWAL_LEAD", &cfg.RenewalLead},
		{"RENEWAL_RETRY_DELAY", &cfg.RenewalRetryDelay},
	}
	for _, d := range durations {
		if *d.dst, err = durationEnv(d.key, *d.dst); err != nil {
			return nil, err
		}
	}

	if cfg.MaxRenewalAttempts, err = intEnv("MAX_RENEWAL_ATTEMPTS", cfg.MaxRenewalAttempts); err != nil {
		return nil, err
	}
	if cfg.RenewalWorkers, err = intEnv("RENEWAL_WORKERS", cfg.RenewalWorkers); err != nil {
		return nil, err
	}

	if raw := os.Getenv("BANK_ACCOUNTS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.BankAccounts); err != nil {
			return nil, fmt.Errorf("invalid BANK_ACCOUNTS: %w", err)
		}
	}

	return cfg, nil
}

// DatabaseConfig locates and sizes the Postgres pool.
type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// LoadDatabaseConfig reads DATABASE_URL and the DB_* pool settings.
func LoadDatabaseConfig() (*DatabaseConfig, error) {
	cfg := &DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL not set")
	}

	var err error
	if cfg.MaxConns, err = intEnv("DB_MAX_CONNS", cfg.MaxConns); err != nil {
		return nil, err
	}
	if cfg.MinConns, err = intEnv("DB_MIN_CONNS", cfg.MinConns); err != nil {
		return nil, err
	}
	if cfg.MinConns > cfg.MaxConns {
		return nil, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", cfg.MinConns, cfg.MaxConns)
	}
	if cfg.MaxConnLifetime, err = durationEnv("DB_MAX_CONN_LIFETIME", cfg.MaxConnLifetime); err != nil {
		return nil, err
	}
	if cfg.MaxConnIdleTime, err = durationEnv("DB_MAX_CONN_IDLE_TIME", cfg.MaxConnIdleTime); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout, err = durationEnv("DB_CONNECT_TIMEOUT", cfg.ConnectTimeout); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetEnv returns the variable or the fallback when unset.
func GetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func decimalEnv(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return n, nil
}
