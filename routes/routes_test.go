package routes_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joy095/billing/controllers/billing_controller"
	"github.com/joy095/billing/handlers/payment_handlers"
	middleware "github.com/joy095/billing/middlewares"
	"github.com/joy095/billing/receipts"
	"github.com/joy095/billing/routes"
	"github.com/joy095/billing/utils/test_utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "routes-test-secret"

func setupRouter(t *testing.T) (*gin.Engine, *test_utils.Fixture) {
	t.Helper()
	t.Setenv("JWT_SECRET", testSecret)
	gin.SetMode(gin.TestMode)

	f := test_utils.NewFixture()
	base := payment_handlers.NewBasePaymentHandler(f.Repo, f.Config, f.Notifier)
	card := payment_handlers.NewCardHandler(base, f.Gateway, f.Locker)
	bc := billing_controller.NewBillingController(base, card, receipts.NewGenerator("Billing Ltd", []byte("k")))

	r := gin.New()
	routes.RegisterHealthRoutes(r)
	routes.RegisterBillingRoutes(r, bc, middleware.MemoryStores())
	routes.RegisterAdminRoutes(r, bc)
	return r, f
}

func token(t *testing.T, sub uuid.UUID, admin bool) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub.String(), "exp": time.Now().Add(time.Hour).Unix()}
	if admin {
		claims["role"] = "admin"
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func call(r *gin.Engine, method, path, bearer string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPublicRoutes(t *testing.T) {
	r, _ := setupRouter(t)

	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/packages", "", nil).Code)
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/webhook/health", "", nil).Code)
	assert.Equal(t, http.StatusSeeOther, call(r, http.MethodGet, "/payments/card/callback", "", nil).Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	r, f := setupRouter(t)

	paths := []struct{ method, path string }{
		{http.MethodGet, "/payments"},
		{http.MethodPost, "/payments/card"},
		{http.MethodPost, "/payments/bank-transfer"},
		{http.MethodGet, "/subscriptions/current"},
		{http.MethodGet, "/packages/" + f.Starter.ID.String() + "/quote"},
		{http.MethodGet, "/admin/payments"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, call(r, p.method, p.path, "", nil).Code)
		})
	}

	w := call(r, http.MethodGet, "/payments", token(t, f.UserID, false), nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	r, f := setupRouter(t)

	w := call(r, http.MethodGet, "/admin/payments", token(t, f.UserID, false), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(r, http.MethodGet, "/admin/payments", token(t, uuid.New(), true), nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestCheckoutIsRateLimited(t *testing.T) {
	r, f := setupRouter(t)
	bearer := token(t, f.UserID, false)
	body := gin.H{"package_id": f.Starter.ID, "period": "monthly"}

	for i := 0; i < 5; i++ {
		w := call(r, http.MethodPost, "/payments/bank-transfer", bearer, body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := call(r, http.MethodPost, "/payments/bank-transfer", bearer, body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// another user is not affected
	other := uuid.New()
	f.AddUser(other, "Bob Builder", "bob@example.com")
	w = call(r, http.MethodPost, "/payments/bank-transfer", token(t, other, false), body)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}
