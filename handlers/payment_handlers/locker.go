package payment_handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joy095/billing/logger"
	"github.com/redis/go-redis/v9"
)

// Locker serializes work on one key across API and worker processes.
type Locker interface {
	// Acquire takes the lock or returns ErrLockHeld. The returned func releases it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

const lockPrefix = "billing:lock:"

// Deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	release := func() {
		// The request context may already be cancelled; unlock regardless.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{lockPrefix + key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			logger.WarnLogger.Warnf("Failed to release lock %s: %v", key, err)
		}
	}
	return release, nil
}
