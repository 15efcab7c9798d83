package utils

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joy095/billing/logger"
	"github.com/shopspring/decimal"
)

// Unambiguous characters only: no 0/O or 1/I.
const referenceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ReferencePrefix starts every bank transfer reference code.
const ReferencePrefix = "RT-"

var hundred = decimal.NewFromInt(100)

func GetJWTSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logger.WarnLogger.Warn("WARNING: JWT_SECRET environment variable not set.")
		return []byte("default-insecure-secret-only-for-development")
	}
	return []byte(secret)
}

// GenerateReferenceCode returns a bank transfer reference such as RT-7KQ2MX.
func GenerateReferenceCode() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate reference code: %w", err)
	}
	for i := range buf {
		buf[i] = referenceAlphabet[int(buf[i])%len(referenceAlphabet)]
	}
	return ReferencePrefix + string(buf), nil
}

// NewConversationID returns the id a card payment is known by at the gateway.
func NewConversationID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate conversation id: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// ToMinorUnits converts 119.88 to 11988.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts 11988 to 119.88.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
