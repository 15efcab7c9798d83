package billing_controller_test

import (
	"net/http"
	"testing"

	"github.com/joy095/billing/handlers/payment_handlers"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListPackages(t *testing.T) {
	env := newControllerEnv()
	w := env.do(t, request{method: http.MethodGet, path: "/packages"})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Packages []struct {
			Slug    string                  `json:"slug"`
			Monthly payment_handlers.Price  `json:"monthly"`
			Yearly  payment_handlers.Price  `json:"yearly"`
			Trial   *payment_handlers.Price `json:"trial"`
		} `json:"packages"`
	}
	decode(t, w, &body)
	require.Len(t, body.Packages, 2)

	starter := body.Packages[0]
	assert.Equal(t, "starter", starter.Slug)
	assert.True(t, decimal.NewFromInt(120).Equal(starter.Monthly.Gross), starter.Monthly.Gross.String())
	assert.True(t, decimal.NewFromInt(1200).Equal(starter.Yearly.Gross), starter.Yearly.Gross.String())
	require.NotNil(t, starter.Trial)
	assert.True(t, decimal.NewFromInt(12).Equal(starter.Trial.Gross))
	assert.Equal(t, 7, starter.Trial.TrialDays)

	assert.Equal(t, "pro", body.Packages[1].Slug)
	assert.Nil(t, body.Packages[1].Trial)
}

func TestQuotePackage(t *testing.T) {
	env := newControllerEnv()

	tests := []struct {
		name   string
		path   string
		status int
		gross  int64
	}{
		{"Monthly", "/packages/" + env.Pro.ID.String() + "/quote", http.StatusOK, 300},
		{"Yearly", "/packages/" + env.Pro.ID.String() + "/quote?period=yearly", http.StatusOK, 3000},
		{"Trial", "/packages/" + env.Starter.ID.String() + "/quote?trial=true", http.StatusOK, 12},
		{"NoTrialOnPro", "/packages/" + env.Pro.ID.String() + "/quote?trial=true", http.StatusBadRequest, 0},
		{"BadPeriod", "/packages/" + env.Pro.ID.String() + "/quote?period=weekly", http.StatusBadRequest, 0},
		{"BadID", "/packages/nope/quote", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, request{method: http.MethodGet, path: tt.path, user: env.UserID})
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status != http.StatusOK {
				return
			}
			var body struct {
				Price payment_handlers.Price `json:"price"`
			}
			decode(t, w, &body)
			assert.True(t, decimal.NewFromInt(tt.gross).Equal(body.Price.Gross), body.Price.Gross.String())
		})
	}
}
