package clients

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRazorpayAPI struct {
	orders    []map[string]interface{}
	customers []map[string]interface{}
	payments  map[string]map[string]interface{}
	byOrder   map[string][]interface{}
	recurring error
}

func (f *fakeRazorpayAPI) CreateOrder(data map[string]interface{}) (map[string]interface{}, error) {
	f.orders = append(f.orders, data)
	return map[string]interface{}{"id": "order_1", "status": "created"}, nil
}

func (f *fakeRazorpayAPI) CreateCustomer(data map[string]interface{}) (map[string]interface{}, error) {
	f.customers = append(f.customers, data)
	return map[string]interface{}{"id": "cust_1"}, nil
}

func (f *fakeRazorpayAPI) FetchPayment(paymentID string, _ map[string]interface{}) (map[string]interface{}, error) {
	p, ok := f.payments[paymentID]
	if !ok {
		return nil, errors.New("payment not found")
	}
	return p, nil
}

func (f *fakeRazorpayAPI) OrderPayments(orderID string) (map[string]interface{}, error) {
	return map[string]interface{}{"items": f.byOrder[orderID]}, nil
}

func (f *fakeRazorpayAPI) CreateRecurringPayment(map[string]interface{}) (map[string]interface{}, error) {
	if f.recurring != nil {
		return nil, f.recurring
	}
	return map[string]interface{}{"razorpay_payment_id": "pay_rec"}, nil
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func capturedPayment() map[string]interface{} {
	return map[string]interface{}{
		"id":          "pay_1",
		"order_id":    "order_1",
		"status":      "captured",
		"amount":      float64(11988),
		"currency":    "try",
		"token_id":    "token_1",
		"customer_id": "cust_1",
		"created_at":  float64(100),
		"notes":       map[string]interface{}{"conversation_id": "conv-1"},
		"card":        map[string]interface{}{"last4": "4242"},
	}
}

func TestRazorpayInitiate3DS(t *testing.T) {
	api := &fakeRazorpayAPI{}
	g := NewRazorpayGatewayWithAPI(api, "rzp_key", "rzp_secret", "whsec")

	res, err := g.Initiate3DS(context.Background(), ThreeDSRequest{
		ConversationID: "conv-1",
		AmountMinor:    11988,
		Currency:       "try",
		CallbackURL:    "https://api.example.com/payments/card/callback?conversation_id=conv-1",
		SaveCard:       true,
	})
	require.NoError(t, err)

	assert.Equal(t, ChargeRequiresAction, res.Status)
	assert.Equal(t, "order_1", res.GatewayReference)
	assert.Equal(t, "rzp_key", res.Checkout["key"])
	assert.Equal(t, "cust_1", res.Checkout["customer_id"])
	require.Len(t, api.orders, 1)
	assert.Equal(t, int64(11988), api.orders[0]["amount"])
	assert.Equal(t, "TRY", api.orders[0]["currency"])
	assert.Equal(t, "cust_1", api.orders[0]["customer_id"])
	assert.Len(t, api.customers, 1)
}

func TestRazorpayCallback(t *testing.T) {
	api := &fakeRazorpayAPI{payments: map[string]map[string]interface{}{"pay_1": capturedPayment()}}
	g := NewRazorpayGatewayWithAPI(api, "rzp_key", "rzp_secret", "whsec")

	t.Run("ValidSignature", func(t *testing.T) {
		form := url.Values{
			"razorpay_order_id":   {"order_1"},
			"razorpay_payment_id": {"pay_1"},
			"razorpay_signature":  {sign("order_1|pay_1", "rzp_secret")},
		}
		req := httptest.NewRequest(http.MethodPost, "/payments/card/callback?conversation_id=conv-1", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		params, err := g.ParseCallback(req)
		require.NoError(t, err)
		assert.Equal(t, "conv-1", params.ConversationID)

		charge, err := g.Complete3DS(context.Background(), *params)
		require.NoError(t, err)
		assert.Equal(t, ChargeSucceeded, charge.Status)
		assert.Equal(t, "4242", charge.CardLast4)
		assert.Equal(t, "token_1", charge.CardToken)
		assert.Equal(t, int64(11988), charge.AmountMinor)
	})

	t.Run("TamperedSignature", func(t *testing.T) {
		_, err := g.Complete3DS(context.Background(), CallbackParams{
			ConversationID:   "conv-1",
			GatewayReference: "order_1",
			GatewayPaymentID: "pay_1",
			Signature:        sign("order_1|pay_2", "rzp_secret"),
		})
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("CheckoutError", func(t *testing.T) {
		declined := map[string]interface{}{
			"id": "pay_9", "order_id": "order_9", "status": "failed",
			"error_description": "Card declined by bank", "created_at": float64(100),
		}
		api := &fakeRazorpayAPI{
			payments: map[string]map[string]interface{}{"pay_9": declined},
			byOrder:  map[string][]interface{}{"order_9": {declined}},
		}
		g := NewRazorpayGatewayWithAPI(api, "rzp_key", "rzp_secret", "whsec")

		form := url.Values{
			"error[description]": {"Card declined by bank"},
			"error[metadata]":    {`{"order_id":"order_9","payment_id":"pay_9"}`},
		}
		req := httptest.NewRequest(http.MethodPost, "/payments/card/callback?conversation_id=conv-9", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		params, err := g.ParseCallback(req)
		require.NoError(t, err)
		assert.Equal(t, "order_9", params.GatewayReference)

		charge, err := g.Complete3DS(context.Background(), *params)
		require.NoError(t, err)
		assert.Equal(t, ChargeFailed, charge.Status)
		assert.Equal(t, "Card declined by bank", charge.ErrorMessage)
		assert.Equal(t, "conv-9", charge.ConversationID)
	})

	t.Run("UnsignedCallbackCannotFailCapturedPayment", func(t *testing.T) {
		api := &fakeRazorpayAPI{
			payments: map[string]map[string]interface{}{"pay_1": capturedPayment()},
			byOrder:  map[string][]interface{}{"order_1": {capturedPayment()}},
		}
		g := NewRazorpayGatewayWithAPI(api, "rzp_key", "rzp_secret", "whsec")

		charge, err := g.Complete3DS(context.Background(), CallbackParams{
			ConversationID:   "conv-1",
			GatewayReference: "order_1",
			Fields:           map[string]string{"error[description]": "forged failure"},
		})
		require.NoError(t, err)
		assert.Equal(t, ChargeSucceeded, charge.Status)
		assert.Equal(t, "pay_1", charge.GatewayPaymentID)
	})

	t.Run("UnsignedCallbackWithoutGatewayResult", func(t *testing.T) {
		for _, ref := range []string{"", "order_unknown"} {
			charge, err := g.Complete3DS(context.Background(), CallbackParams{ConversationID: "conv-1", GatewayReference: ref})
			require.NoError(t, err)
			assert.Equal(t, ChargePending, charge.Status, ref)
		}
	})

	t.Run("MissingConversation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/payments/card/callback", nil)
		_, err := g.ParseCallback(req)
		assert.Error(t, err)
	})
}

func TestRazorpayFetchPayment(t *testing.T) {
	failed := map[string]interface{}{"id": "pay_0", "status": "failed", "created_at": float64(50)}
	api := &fakeRazorpayAPI{
		payments: map[string]map[string]interface{}{"pay_1": capturedPayment(), "pay_0": failed},
		byOrder:  map[string][]interface{}{"order_1": {failed, capturedPayment()}},
	}
	g := NewRazorpayGatewayWithAPI(api, "k", "s", "w")

	charge, err := g.FetchPayment(context.Background(), "order_1")
	require.NoError(t, err)
	assert.Equal(t, ChargeSucceeded, charge.Status)

	charge, err = g.FetchPayment(context.Background(), "order_unknown")
	require.NoError(t, err)
	assert.Equal(t, ChargePending, charge.Status)
}

func TestRazorpayChargeRecurring(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		g := NewRazorpayGatewayWithAPI(&fakeRazorpayAPI{}, "k", "s", "w")
		charge, err := g.ChargeRecurring(context.Background(), RecurringRequest{
			ConversationID: "conv-2", AmountMinor: 500, Currency: "TRY", CardToken: "token_1", GatewayCustomerID: "cust_1",
		})
		require.NoError(t, err)
		assert.Equal(t, ChargePending, charge.Status)
		assert.Equal(t, "pay_rec", charge.GatewayPaymentID)
	})

	t.Run("Rejected", func(t *testing.T) {
		g := NewRazorpayGatewayWithAPI(&fakeRazorpayAPI{recurring: errors.New("token expired")}, "k", "s", "w")
		charge, err := g.ChargeRecurring(context.Background(), RecurringRequest{ConversationID: "conv-3", AmountMinor: 500})
		require.NoError(t, err)
		assert.Equal(t, ChargeFailed, charge.Status)
		assert.Equal(t, "token expired", charge.ErrorMessage)
	})
}

func TestRazorpayParseWebhook(t *testing.T) {
	g := NewRazorpayGatewayWithAPI(&fakeRazorpayAPI{}, "k", "s", "whsec")
	body := `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","status":"captured","amount":11988,"currency":"TRY","notes":{"conversation_id":"conv-1"}}}}}`

	t.Run("Valid", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Razorpay-Signature", sign(body, "whsec"))

		event, err := g.ParseWebhook([]byte(body), header)
		require.NoError(t, err)
		assert.Equal(t, "payment.captured", event.Type)
		assert.Equal(t, ChargeSucceeded, event.Status)
		assert.Equal(t, "conv-1", event.ConversationID)
		assert.Equal(t, int64(11988), event.AmountMinor)
	})

	t.Run("BadSignature", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Razorpay-Signature", sign(body, "other"))
		_, err := g.ParseWebhook([]byte(body), header)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("IgnoredEvent", func(t *testing.T) {
		other := `{"event":"order.paid","payload":{}}`
		header := http.Header{}
		header.Set("X-Razorpay-Signature", sign(other, "whsec"))
		event, err := g.ParseWebhook([]byte(other), header)
		require.NoError(t, err)
		assert.Empty(t, event.Status)
	})
}
