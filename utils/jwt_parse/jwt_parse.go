package jwt_parse

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joy095/billing/logger"
	"github.com/joy095/billing/utils"
)

// ErrNoSubject is returned for tokens that do not identify a user.
var ErrNoSubject = errors.New("token does not identify a user")

// Claims are the parts of an access token billing relies on.
type Claims struct {
	Subject string
	Email   string
	IsAdmin bool
	JTI     string
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(authHeader string) (string, bool) {
	if len(authHeader) > 7 && strings.ToLower(authHeader[:7]) == "bearer " {
		return strings.TrimSpace(authHeader[7:]), true
	}
	return "", false
}

// ParseToken validates an HS256 access token issued by the auth service.
func ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return utils.GetJWTSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	claims := &Claims{}
	if sub, _ := mapClaims["sub"].(string); sub != "" {
		claims.Subject = sub
	} else if userID, _ := mapClaims["user_id"].(string); userID != "" {
		claims.Subject = userID
	} else {
		return nil, ErrNoSubject
	}
	claims.Email, _ = mapClaims["email"].(string)
	claims.JTI, _ = mapClaims["jti"].(string)
	claims.IsAdmin = hasAdminRole(mapClaims)
	return claims, nil
}

func hasAdminRole(claims jwt.MapClaims) bool {
	if isAdmin, ok := claims["is_admin"].(bool); ok && isAdmin {
		return true
	}
	if role, ok := claims["role"].(string); ok && role == "admin" {
		return true
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == "admin" {
				return true
			}
		}
	}
	return false
}

// Authenticate validates the request's bearer token and stores its claims in
// the context under "sub", "is_admin", "email" and "jti". On failure it aborts
// with 401 and returns false.
func Authenticate(c *gin.Context) bool {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		logger.ErrorLogger.Error("No authorization header provided")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authorization token"})
		return false
	}

	tokenString, ok := BearerToken(authHeader)
	if !ok {
		logger.ErrorLogger.Error("Invalid authorization header format")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
		return false
	}

	claims, err := ParseToken(tokenString)
	if err != nil {
		logger.ErrorLogger.Errorf("Failed to parse JWT token: %v", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return false
	}

	c.Set("sub", claims.Subject)
	c.Set("is_admin", claims.IsAdmin)
	if claims.Email != "" {
		c.Set("email", claims.Email)
	}
	if claims.JTI != "" {
		c.Set("jti", claims.JTI)
	}
	return true
}
