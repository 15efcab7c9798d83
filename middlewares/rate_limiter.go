package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joy095/billing/logger"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	ginmiddleware "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
)

// StoreFactory creates the counter store for one route and rate period.
type StoreFactory func(routeID string, period time.Duration) (limiter.Store, error)

// RedisStores shares counters between API instances through Redis.
func RedisStores(rdb *redis.Client) StoreFactory {
	return func(routeID string, period time.Duration) (limiter.Store, error) {
		store, err := redisstore.NewStoreWithOptions(rdb, limiter.StoreOptions{
			Prefix:          fmt.Sprintf("rate_limiter:%s", routeID),
			MaxRetry:        3,
			CleanUpInterval: period,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store for route %s: %w", routeID, err)
		}
		return store, nil
	}
}

// MemoryStores keeps counters in process, for tests and single-instance runs without Redis.
func MemoryStores() StoreFactory {
	return func(routeID string, period time.Duration) (limiter.Store, error) {
		return memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          fmt.Sprintf("rate_limiter:%s", routeID),
			CleanUpInterval: period,
		}), nil
	}
}

// rateLimitKey limits authenticated callers per user and everyone else per IP.
func rateLimitKey(c *gin.Context) string {
	if sub := c.GetString("sub"); sub != "" {
		return "user:" + sub
	}
	return "ip:" + c.ClientIP()
}

// ParseCustomRate allows formats like "10-2m", "30-20m", "5-1h", "20-10s", etc.
func ParseCustomRate(rateStr string) (limiter.Rate, error) {
	parts := strings.Split(rateStr, "-")
	if len(parts) != 2 {
		return limiter.Rate{}, fmt.Errorf("invalid rate format: %s", rateStr)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return limiter.Rate{}, fmt.Errorf("invalid limit: %s", parts[0])
	}

	durationStr := parts[1]
	var unit time.Duration
	switch {
	case strings.HasSuffix(durationStr, "s"):
		unit = time.Second
	case strings.HasSuffix(durationStr, "m"):
		unit = time.Minute
	case strings.HasSuffix(durationStr, "h"):
		unit = time.Hour
	default:
		return limiter.Rate{}, fmt.Errorf("unsupported period: %s", durationStr)
	}

	n, err := strconv.Atoi(durationStr[:len(durationStr)-1])
	if err != nil || n <= 0 {
		return limiter.Rate{}, fmt.Errorf("invalid duration: %s", durationStr)
	}

	return limiter.Rate{
		Period: time.Duration(n) * unit,
		Limit:  int64(limit),
	}, nil
}

// newLimiter builds the limiter instance for one rate string, or nil when it cannot be configured.
func newLimiter(stores StoreFactory, rateStr, routeID string) *limiter.Limiter {
	rate, err := ParseCustomRate(rateStr)
	if err != nil {
		logger.ErrorLogger.Errorf("Error parsing rate for route %s: %v", routeID, err)
		return nil
	}

	store, err := stores(routeID, rate.Period)
	if err != nil {
		logger.ErrorLogger.Errorf("Error creating rate limit store for route %s: %v", routeID, err)
		return nil
	}
	return limiter.New(store, rate)
}

// NewRateLimiter creates middleware with custom periods like "10-2m" for a specific route and user.
// A misconfigured limiter lets requests through.
func NewRateLimiter(stores StoreFactory, rateStr, routeID string) gin.HandlerFunc {
	l := newLimiter(stores, rateStr, routeID)
	if l == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return ginmiddleware.NewMiddleware(l, ginmiddleware.WithKeyGetter(rateLimitKey))
}

// CombinedRateLimiter accepts multiple custom rate strings for a specific route and user.
// Every window is counted before the request is rejected or passed on.
func CombinedRateLimiter(stores StoreFactory, routeID string, rateStrings ...string) gin.HandlerFunc {
	limiters := make([]*limiter.Limiter, 0, len(rateStrings))
	for i, rateStr := range rateStrings {
		if l := newLimiter(stores, rateStr, fmt.Sprintf("%s_%d", routeID, i)); l != nil {
			limiters = append(limiters, l)
		}
	}

	return func(c *gin.Context) {
		key := rateLimitKey(c)
		for _, l := range limiters {
			lctx, err := l.Get(c.Request.Context(), key)
			if err != nil {
				logger.WarnLogger.Warnf("Rate limiter unavailable for route %s: %v", routeID, err)
				continue
			}
			if lctx.Reached {
				c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
				c.Header("X-RateLimit-Remaining", "0")
				c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error": "Too many requests, please try again later",
					"code":  "RATE_LIMITED",
				})
				return
			}
		}
		c.Next()
	}
}
