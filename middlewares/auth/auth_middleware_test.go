package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sub": c.GetString("sub"), "is_admin": c.GetBool("is_admin")})
	})
	r.GET("/admin", AuthMiddleware(), AdminMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	r := setupRouter()
	userID := uuid.New().String()
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "MissingHeader", header: "", want: http.StatusUnauthorized},
		{name: "NotBearer", header: "Token abc", want: http.StatusUnauthorized},
		{name: "Garbage", header: "Bearer not-a-jwt", want: http.StatusUnauthorized},
		{name: "WrongSecret", header: "Bearer " + signToken(t, "other", jwt.MapClaims{"sub": userID, "exp": exp}), want: http.StatusUnauthorized},
		{name: "Expired", header: "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": userID, "exp": time.Now().Add(-time.Minute).Unix()}), want: http.StatusUnauthorized},
		{name: "SubjectNotUUID", header: "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "alice", "exp": exp}), want: http.StatusUnauthorized},
		{name: "NoSubject", header: "Bearer " + signToken(t, testSecret, jwt.MapClaims{"exp": exp}), want: http.StatusUnauthorized},
		{name: "Valid", header: "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": userID, "exp": exp}), want: http.StatusOK},
		{name: "LegacyUserIDClaim", header: "Bearer " + signToken(t, testSecret, jwt.MapClaims{"user_id": userID, "exp": exp}), want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Contains(t, w.Body.String(), userID)
			}
		})
	}
}

func TestAdminMiddleware(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	r := setupRouter()
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   int
	}{
		{name: "RegularUser", claims: jwt.MapClaims{"sub": uuid.New().String(), "exp": exp}, want: http.StatusForbidden},
		{name: "RoleAdmin", claims: jwt.MapClaims{"sub": uuid.New().String(), "role": "admin", "exp": exp}, want: http.StatusNoContent},
		{name: "RolesList", claims: jwt.MapClaims{"sub": uuid.New().String(), "roles": []string{"user", "admin"}, "exp": exp}, want: http.StatusNoContent},
		{name: "IsAdminFlag", claims: jwt.MapClaims{"sub": uuid.New().String(), "is_admin": true, "exp": exp}, want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, tt.claims))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
