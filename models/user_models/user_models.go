package user_models

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/models/shared_models"
)

// BillingProfile mirrors the auth provider's user row with the fields billing needs.
type BillingProfile struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	Phone    *string   `json:"phone,omitempty"`
}

// GetBillingProfile fetches the profile for a user id.
func GetBillingProfile(ctx context.Context, db shared_models.DBTX, userID uuid.UUID) (*BillingProfile, error) {
	p := &BillingProfile{}
	err := db.QueryRow(ctx, `SELECT id, email, full_name, phone FROM profiles WHERE id = $1`, userID).
		Scan(&p.ID, &p.Email, &p.FullName, &p.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			logger.WarnLogger.Warnf("Billing profile for user %s not found", userID)
			return nil, shared_models.ErrNotFound
		}
		logger.ErrorLogger.Errorf("Failed to fetch billing profile %s: %v", userID, err)
		return nil, fmt.Errorf("database error fetching billing profile: %w", err)
	}
	return p, nil
}
