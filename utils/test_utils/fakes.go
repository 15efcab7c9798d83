package test_utils

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/joy095/billing/clients"
	"github.com/joy095/billing/config"
	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/joy095/billing/models/package_models"
	"github.com/joy095/billing/models/payment_transaction_models"
	"github.com/joy095/billing/models/subscription_models"
	"github.com/joy095/billing/models/user_models"
)

// FakeGateway is a scriptable clients.CardGateway. Unset results default to
// a 3DS challenge on Initiate3DS and success everywhere else.
type FakeGateway struct {
	mu sync.Mutex

	InitiateResult  *clients.ThreeDSResult
	InitiateErr     error
	CompleteResult  *clients.ChargeResult
	CompleteErr     error
	FetchResult     *clients.ChargeResult
	FetchErr        error
	RecurringResult *clients.ChargeResult
	RecurringErr    error
	WebhookEvent    *clients.WebhookEvent
	WebhookErr      error

	Initiated []clients.ThreeDSRequest
	Completed []clients.CallbackParams
	Fetched   []string
	Recurring []clients.RecurringRequest
}

func (g *FakeGateway) Name() string { return "fake" }

func (g *FakeGateway) Initiate3DS(_ context.Context, req clients.ThreeDSRequest) (*clients.ThreeDSResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Initiated = append(g.Initiated, req)
	if g.InitiateErr != nil {
		return nil, g.InitiateErr
	}
	if g.InitiateResult != nil {
		res := *g.InitiateResult
		return &res, nil
	}
	return &clients.ThreeDSResult{
		Status:           clients.ChargeRequiresAction,
		GatewayReference: "ref_" + req.ConversationID,
		RedirectURL:      "https://bank.example.com/3ds?c=" + req.ConversationID,
	}, nil
}

func (g *FakeGateway) ParseCallback(r *http.Request) (*clients.CallbackParams, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &clients.CallbackParams{
		ConversationID:   r.Form.Get("conversation_id"),
		GatewayReference: r.Form.Get("ref"),
		Signature:        r.Form.Get("signature"),
	}, nil
}

func (g *FakeGateway) Complete3DS(_ context.Context, params clients.CallbackParams) (*clients.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Completed = append(g.Completed, params)
	if g.CompleteErr != nil {
		return nil, g.CompleteErr
	}
	if g.CompleteResult != nil {
		res := *g.CompleteResult
		return &res, nil
	}
	return &clients.ChargeResult{Status: clients.ChargeSucceeded, ConversationID: params.ConversationID, CardLast4: "4242"}, nil
}

func (g *FakeGateway) FetchPayment(_ context.Context, ref string) (*clients.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Fetched = append(g.Fetched, ref)
	if g.FetchErr != nil {
		return nil, g.FetchErr
	}
	if g.FetchResult != nil {
		res := *g.FetchResult
		return &res, nil
	}
	return &clients.ChargeResult{Status: clients.ChargeSucceeded, GatewayReference: ref}, nil
}

func (g *FakeGateway) ChargeRecurring(_ context.Context, req clients.RecurringRequest) (*clients.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Recurring = append(g.Recurring, req)
	if g.RecurringErr != nil {
		return nil, g.RecurringErr
	}
	if g.RecurringResult != nil {
		res := *g.RecurringResult
		return &res, nil
	}
	return &clients.ChargeResult{
		Status:           clients.ChargeSucceeded,
		GatewayReference: "rec_" + req.ConversationID,
		ConversationID:   req.ConversationID,
		AmountMinor:      req.AmountMinor,
		Currency:         req.Currency,
	}, nil
}

func (g *FakeGateway) ParseWebhook(_ []byte, _ http.Header) (*clients.WebhookEvent, error) {
	if g.WebhookErr != nil {
		return nil, g.WebhookErr
	}
	if g.WebhookEvent == nil {
		return &clients.WebhookEvent{Type: "ignored"}, nil
	}
	ev := *g.WebhookEvent
	return &ev, nil
}

// RecurringCalls returns how many recurring charges were attempted.
func (g *FakeGateway) RecurringCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Recurring)
}

// MemoryLocker implements payment_handlers.Locker in process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time)}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.held[key]; ok && time.Now().Before(until) {
		return nil, payment_handlers.ErrLockHeld
	}
	l.held[key] = time.Now().Add(ttl)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

// Hold takes a lock on behalf of a concurrent request.
func (l *MemoryLocker) Hold(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = time.Now().Add(time.Hour)
}

// Notification is one message a RecordingNotifier was asked to send.
type Notification struct {
	Kind   string
	Email  string
	Detail string
}

// RecordingNotifier implements payment_handlers.Notifier by recording calls.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *RecordingNotifier) record(kind, email, detail string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{Kind: kind, Email: email, Detail: detail})
	return nil
}

func (n *RecordingNotifier) PaymentCompleted(_ context.Context, p *user_models.BillingProfile, t *payment_transaction_models.PaymentTransaction, _ *package_models.Package) error {
	return n.record("payment_completed", p.Email, t.ID.String())
}

func (n *RecordingNotifier) BankTransferInstructions(_ context.Context, p *user_models.BillingProfile, t *payment_transaction_models.PaymentTransaction, _ *package_models.Package, _ []config.BankAccount) error {
	detail := ""
	if t.ReferenceCode != nil {
		detail = *t.ReferenceCode
	}
	return n.record("bank_transfer_instructions", p.Email, detail)
}

func (n *RecordingNotifier) PaymentFailed(_ context.Context, p *user_models.BillingProfile, t *payment_transaction_models.PaymentTransaction, _ *package_models.Package) error {
	return n.record("payment_failed", p.Email, t.ErrorMessage)
}

func (n *RecordingNotifier) RenewalDisabled(_ context.Context, p *user_models.BillingProfile, s *subscription_models.Subscription, _ *package_models.Package) error {
	return n.record("renewal_disabled", p.Email, s.ID.String())
}

// Kinds lists the kinds of every recorded notification in order.
func (n *RecordingNotifier) Kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Kind
	}
	return out
}
