package sweeplock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "referralflow:lock:"

// releaseScript deletes the lease only when this process still holds it, so
// a holder whose TTL lapsed cannot release the next holder's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock is a Redis-backed Lock for multi-replica deployments. Each
// acquisition stores a random token so release is holder-scoped.
type RedisLock struct {
	client *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisLock creates a lock backed by the given Redis client.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{
		client: client,
		tokens: make(map[string]string),
	}
}

// Acquire takes the lease with SET NX and remembers the holder token.
func (l *RedisLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, keyPrefix+name, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("sweeplock: acquire %q: %w", name, err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[name] = token
	l.mu.Unlock()
	return true, nil
}

// Release drops the lease if this process still holds it.
func (l *RedisLock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	token, held := l.tokens[name]
	delete(l.tokens, name)
	l.mu.Unlock()

	if !held {
		return nil
	}

	if err := releaseScript.Run(ctx, l.client, []string{keyPrefix + name}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("sweeplock: release %q: %w", name, err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (l *RedisLock) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
