package payment_transaction_models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joy095/billing/models/shared_models"
)

// WebhookStats summarizes recent gateway webhook traffic.
type WebhookStats struct {
	LastEventType string     `json:"last_event_type,omitempty"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
	Events24h     int        `json:"events_24h"`
	Unprocessed   int        `json:"unprocessed_events"`
}

// LogWebhookEvent stores the raw payload so failed events can be replayed.
func LogWebhookEvent(ctx context.Context, db shared_models.DBTX, gateway, eventType string, payload []byte) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO webhook_events (gateway, event_type, raw_payload) VALUES ($1, $2, $3) RETURNING id`,
		gateway, eventType, string(payload)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to log webhook event: %w", err)
	}
	return id, nil
}

// MarkWebhookEventProcessed flags a logged event as handled.
func MarkWebhookEventProcessed(ctx context.Context, db shared_models.DBTX, id int64) error {
	if _, err := db.Exec(ctx, `UPDATE webhook_events SET processed = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark webhook event %d processed: %w", id, err)
	}
	return nil
}

// GetWebhookStats reads the numbers shown by the webhook health endpoint.
func GetWebhookStats(ctx context.Context, db shared_models.DBTX) (*WebhookStats, error) {
	stats := &WebhookStats{}

	var (
		eventType string
		createdAt time.Time
	)
	err := db.QueryRow(ctx, `SELECT event_type, created_at FROM webhook_events ORDER BY created_at DESC LIMIT 1`).
		Scan(&eventType, &createdAt)
	switch {
	case err == nil:
		stats.LastEventType = eventType
		stats.LastEventAt = &createdAt
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("failed to read last webhook event: %w", err)
	}

	if err := db.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE created_at > NOW() - INTERVAL '24 hours'`).Scan(&stats.Events24h); err != nil {
		return nil, fmt.Errorf("failed to count recent webhook events: %w", err)
	}
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events WHERE NOT processed`).Scan(&stats.Unprocessed); err != nil {
		return nil, fmt.Errorf("failed to count unprocessed webhook events: %w", err)
	}
	return stats, nil
}
