package clients

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/joy095/billing/logger"
	"github.com/sony/gobreaker"
)

// ErrGatewayUnavailable is returned while the breaker is open.
var ErrGatewayUnavailable = errors.New("card gateway temporarily unavailable")

// BreakerGateway wraps a CardGateway so repeated gateway outages fail fast
// instead of holding request goroutines on dead connections.
type BreakerGateway struct {
	next CardGateway
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerGateway trips after failureThreshold consecutive failures and
// half-opens again after openTimeout.
func NewBreakerGateway(next CardGateway, failureThreshold uint32, openTimeout time.Duration) *BreakerGateway {
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A bad signature or cancelled request says nothing about gateway health.
			return err == nil || errors.Is(err, ErrInvalidSignature) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WarnLogger.Warnf("Gateway %s circuit breaker: %s -> %s", name, from, to)
		},
	}
	return &BreakerGateway{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker state, used by the webhook health endpoint.
func (b *BreakerGateway) State() string { return b.cb.State().String() }

func (b *BreakerGateway) Name() string { return b.next.Name() }

func (b *BreakerGateway) Initiate3DS(ctx context.Context, req ThreeDSRequest) (*ThreeDSResult, error) {
	res, err := b.execute(func() (interface{}, error) { return b.next.Initiate3DS(ctx, req) })
	if err != nil {
		return nil, err
	}
	return res.(*ThreeDSResult), nil
}

func (b *BreakerGateway) ParseCallback(r *http.Request) (*CallbackParams, error) {
	return b.next.ParseCallback(r)
}

func (b *BreakerGateway) Complete3DS(ctx context.Context, params CallbackParams) (*ChargeResult, error) {
	return b.charge(func() (*ChargeResult, error) { return b.next.Complete3DS(ctx, params) })
}

func (b *BreakerGateway) FetchPayment(ctx context.Context, gatewayReference string) (*ChargeResult, error) {
	return b.charge(func() (*ChargeResult, error) { return b.next.FetchPayment(ctx, gatewayReference) })
}

func (b *BreakerGateway) ChargeRecurring(ctx context.Context, req RecurringRequest) (*ChargeResult, error) {
	return b.charge(func() (*ChargeResult, error) { return b.next.ChargeRecurring(ctx, req) })
}

func (b *BreakerGateway) ParseWebhook(body []byte, header http.Header) (*WebhookEvent, error) {
	return b.next.ParseWebhook(body, header)
}

func (b *BreakerGateway) charge(fn func() (*ChargeResult, error)) (*ChargeResult, error) {
	res, err := b.execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return nil, err
	}
	return res.(*ChargeResult), nil
}

func (b *BreakerGateway) execute(fn func() (interface{}, error)) (interface{}, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrGatewayUnavailable
	}
	return res, err
}
