// Package test_utils holds in-memory stand-ins for Postgres, Redis, SMTP and
// the card gateways so handlers and controllers can be tested in isolation.
package test_utils

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/shared_models"
	"github.com/joy095/billing/models/subscription_models"
	"github.com/joy095/billing/models/user_models"
)

type webhookEvent struct {
	Gateway   string
	Type      string
	Payload   []byte
	Processed bool
	CreatedAt time.Time
}

type memoryData struct {
	transactions  map[uuid.UUID]payment_transaction_models.PaymentTransaction
	subscriptions map[uuid.UUID]subscription_models.Subscription
	packages      map[uuid.UUID]package_models.Package
	profiles      map[uuid.UUID]user_models.BillingProfile
	webhooks      []webhookEvent
}

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		transactions:  make(map[uuid.UUID]payment_transaction_models.PaymentTransaction, len(d.transactions)),
		subscriptions: make(map[uuid.UUID]subscription_models.Subscription, len(d.subscriptions)),
		packages:      make(map[uuid.UUID]package_models.Package, len(d.packages)),
		profiles:      make(map[uuid.UUID]user_models.BillingProfile, len(d.profiles)),
		webhooks:      append([]webhookEvent(nil), d.webhooks...),
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	for k, v := range d.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range d.packages {
		c.packages[k] = v
	}
	for k, v := range d.profiles {
		c.profiles[k] = v
	}
	return c
}

// MemoryRepository implements payment_handlers.Repository in memory. WithTx
// serializes transactions and restores a snapshot when fn fails.
type MemoryRepository struct {
	mu   sync.Mutex
	txMu sync.Mutex
	data *memoryData

	// FailUpdates makes UpdateTransaction fail, to exercise rollbacks.
	FailUpdates error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: &memoryData{
		transactions:  make(map[uuid.UUID]payment_transaction_models.PaymentTransaction),
		subscriptions: make(map[uuid.UUID]subscription_models.Subscription),
		packages:      make(map[uuid.UUID]package_models.Package),
		profiles:      make(map[uuid.UUID]user_models.BillingProfile),
	}}
}

// memoryTx is the repository handed to WithTx callbacks; nested WithTx calls
// join the outer transaction.
type memoryTx struct {
	*MemoryRepository
}

func (t memoryTx) WithTx(_ context.Context, fn func(payment_handlers.Repository) error) error {
	return fn(t)
}

func (m *MemoryRepository) WithTx(_ context.Context, fn func(payment_handlers.Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.data.clone()
	m.mu.Unlock()

	if err := fn(memoryTx{m}); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// AddPackage seeds a package.
func (m *MemoryRepository) AddPackage(p package_models.Package) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.packages[p.ID] = p
}

// AddProfile seeds a billing profile.
func (m *MemoryRepository) AddProfile(p user_models.BillingProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.profiles[p.ID] = p
}

// Transactions returns every stored transaction, oldest first.
func (m *MemoryRepository) Transactions() []payment_transaction_models.PaymentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]payment_transaction_models.PaymentTransaction, 0, len(m.data.transactions))
	for _, t := range m.data.transactions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Subscriptions returns every stored subscription for a user, by period start.
func (m *MemoryRepository) Subscriptions(userID uuid.UUID) []subscription_models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []subscription_models.Subscription
	for _, s := range m.data.subscriptions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentPeriodStart.Before(out[j].CurrentPeriodStart) })
	return out
}

// WebhookCount returns how many webhook events were logged.
func (m *MemoryRepository) WebhookCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data.webhooks)
}

func (m *MemoryRepository) CreateTransaction(_ context.Context, t *payment_transaction_models.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.data.transactions {
		switch {
		case other.ID == t.ID:
			return fmt.Errorf("%w: id", payment_handlers.ErrDuplicateRecord)
		case sameKey(other.ConversationID, t.ConversationID):
			return fmt.Errorf("%w: conversation_id", payment_handlers.ErrDuplicateRecord)
		case sameKey(other.ReferenceCode, t.ReferenceCode):
			return fmt.Errorf("%w: reference_code", payment_handlers.ErrDuplicateRecord)
		case other.UserID == t.UserID && sameKey(other.IdempotencyKey, t.IdempotencyKey):
			return fmt.Errorf("%w: idempotency_key", payment_handlers.ErrDuplicateRecord)
		}
	}
	m.data.transactions[t.ID] = *t
	return nil
}

func sameKey(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

func (m *MemoryRepository) GetTransaction(_ context.Context, id uuid.UUID) (*payment_transaction_models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.data.transactions[id]
	if !ok {
		return nil, shared_models.ErrNotFound
	}
	return &t, nil
}

func (m *MemoryRepository) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*payment_transaction_models.PaymentTransaction, error) {
	return m.GetTransaction(ctx, id)
}

func (m *MemoryRepository) FindTransaction(_ context.Context, l payment_transaction_models.Lookup) (*payment_transaction_models.PaymentTransaction, error) {
	var match func(t *payment_transaction_models.PaymentTransaction) bool
	switch {
	case l.ConversationID != "":
		match = func(t *payment_transaction_models.PaymentTransaction) bool {
			return t.ConversationID != nil && *t.ConversationID == l.ConversationID
		}
	case l.GatewayReference != "":
		match = func(t *payment_transaction_models.PaymentTransaction) bool {
			return t.GatewayReference == l.GatewayReference
		}
	case l.ReferenceCode != "":
		code := strings.ToUpper(l.ReferenceCode)
		match = func(t *payment_transaction_models.PaymentTransaction) bool {
			return t.ReferenceCode != nil && *t.ReferenceCode == code
		}
	case l.IdempotencyKey != "" && l.UserID != uuid.Nil:
		match = func(t *payment_transaction_models.PaymentTransaction) bool {
			return t.UserID == l.UserID && t.IdempotencyKey != nil && *t.IdempotencyKey == l.IdempotencyKey
		}
	default:
		return nil, fmt.Errorf("empty payment transaction lookup")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var found *payment_transaction_models.PaymentTransaction
	for _, t := range m.data.transactions {
		t := t
		if match(&t) && (found == nil || t.CreatedAt.After(found.CreatedAt)) {
			found = &t
		}
	}
	if found == nil {
		return nil, shared_models.ErrNotFound
	}
	return found, nil
}

func (m *MemoryRepository) UpdateTransaction(_ context.Context, t *payment_transaction_models.PaymentTransaction) error {
	if m.FailUpdates != nil {
		return m.FailUpdates
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.transactions[t.ID]; !ok {
		return shared_models.ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	m.data.transactions[t.ID] = *t
	return nil
}

func (m *MemoryRepository) ListTransactions(_ context.Context, f payment_transaction_models.Filter) ([]payment_transaction_models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []payment_transaction_models.PaymentTransaction
	for _, t := range m.data.transactions {
		if f.UserID != nil && t.UserID != *f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !contains(f.Statuses, t.Status) {
			continue
		}
		if f.Channel != "" && t.Channel != f.Channel {
			continue
		}
		if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) GetPackage(_ context.Context, id uuid.UUID) (*package_models.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data.packages[id]
	if !ok {
		return nil, shared_models.ErrNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) ListActivePackages(_ context.Context) ([]package_models.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []package_models.Package
	for _, p := range m.data.packages {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (m *MemoryRepository) GetSubscription(_ context.Context, id uuid.UUID) (*subscription_models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data.subscriptions[id]
	if !ok {
		return nil, shared_models.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) GetCurrentSubscription(_ context.Context, userID uuid.UUID) (*subscription_models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *subscription_models.Subscription
	for _, s := range m.data.subscriptions {
		s := s
		if s.UserID != userID || !contains(subscription_models.CurrentStatuses, s.Status) {
			continue
		}
		if found == nil || s.CurrentPeriodEnd.After(found.CurrentPeriodEnd) {
			found = &s
		}
	}
	if found == nil {
		return nil, shared_models.ErrNotFound
	}
	return found, nil
}

func (m *MemoryRepository) SaveSubscription(_ context.Context, s *subscription_models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if s.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		s.ID = id
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.data.subscriptions[s.ID] = *s
	return nil
}

func (m *MemoryRepository) ListSubscriptions(_ context.Context, f subscription_models.Filter) ([]subscription_models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []subscription_models.Subscription
	for _, s := range m.data.subscriptions {
		if f.UserID != nil && s.UserID != *f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !contains(f.Statuses, s.Status) {
			continue
		}
		if f.EndsBefore != nil && s.CurrentPeriodEnd.After(*f.EndsBefore) {
			continue
		}
		if f.StartsBefore != nil && s.CurrentPeriodStart.After(*f.StartsBefore) {
			continue
		}
		if f.AutoRenew != nil && s.AutoRenew != *f.AutoRenew {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) HasUsedTrial(_ context.Context, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.data.subscriptions {
		if s.UserID == userID && s.TrialUsed {
			return true, nil
		}
	}
	for _, t := range m.data.transactions {
		if t.UserID == userID && t.IsTrial && t.Status == payment_transaction_models.StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) GetBillingProfile(_ context.Context, userID uuid.UUID) (*user_models.BillingProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data.profiles[userID]
	if !ok {
		return nil, shared_models.ErrNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) LogWebhookEvent(_ context.Context, gateway, eventType string, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.webhooks = append(m.data.webhooks, webhookEvent{
		Gateway: gateway, Type: eventType, Payload: payload, CreatedAt: time.Now().UTC(),
	})
	return int64(len(m.data.webhooks)), nil
}

func (m *MemoryRepository) MarkWebhookEventProcessed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || int(id) > len(m.data.webhooks) {
		return shared_models.ErrNotFound
	}
	m.data.webhooks[id-1].Processed = true
	return nil
}

func (m *MemoryRepository) GetWebhookStats(_ context.Context) (*payment_transaction_models.WebhookStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &payment_transaction_models.WebhookStats{}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, e := range m.data.webhooks {
		e := e
		if e.CreatedAt.After(cutoff) {
			stats.Events24h++
		}
		if !e.Processed {
			stats.Unprocessed++
		}
		if stats.LastEventAt == nil || !e.CreatedAt.Before(*stats.LastEventAt) {
			stats.LastEventType = e.Type
			stats.LastEventAt = &e.CreatedAt
		}
	}
	return stats, nil
}
